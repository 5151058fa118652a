package command

// Log is the ordered list of commands as delivered by the authority. It is
// kept after execution for save and replay.
type Log struct {
	entries []Command
	nextSeq uint64
}

func NewLog() *Log { return &Log{nextSeq: 1} }

// NewLogAt starts an empty log whose next position is next, for resuming
// after a snapshot.
func NewLogAt(next uint64) *Log {
	if next == 0 {
		next = 1
	}
	return &Log{nextSeq: next}
}

// Append stamps cmd with the next log position and stores it.
func (l *Log) Append(cmd Command) Command {
	cmd.Seq = l.nextSeq
	l.nextSeq++
	l.entries = append(l.entries, cmd)
	return cmd
}

// Restore appends a command that already carries its log position, such as
// one loaded from disk.
func (l *Log) Restore(cmd Command) {
	if cmd.Seq >= l.nextSeq {
		l.nextSeq = cmd.Seq + 1
	}
	l.entries = append(l.entries, cmd)
}

func (l *Log) Len() int { return len(l.entries) }

func (l *Log) All() []Command {
	out := make([]Command, len(l.entries))
	copy(out, l.entries)
	return out
}

// Since returns the commands whose log position is greater than seq.
func (l *Log) Since(seq uint64) []Command {
	i := len(l.entries)
	for i > 0 && l.entries[i-1].Seq > seq {
		i--
	}
	out := make([]Command, len(l.entries)-i)
	copy(out, l.entries[i:])
	return out
}

// DueAt returns the commands due at tick in log order.
func (l *Log) DueAt(tick int32) []Command {
	var out []Command
	for _, c := range l.entries {
		if c.Tick == tick {
			out = append(out, c)
		}
	}
	return out
}
