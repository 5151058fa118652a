// Package ledger records per-tick and per-command random-state checkpoints
// and folds them into Opinions that peers compare.
package ledger

import (
	"sync"

	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/fingerprint"
)

// Checkpoint is one ledger entry kept for diagnostics.
type Checkpoint struct {
	Tickable int32  `json:"tickable"`
	Tick     int32  `json:"tick"`
	Value    uint32 `json:"value"`
	Command  bool   `json:"command,omitempty"`
}

// Ledger builds the local Opinion. An Opinion starts lazily on the first
// record after the previous one was finalized, stamped with the clock.
type Ledger struct {
	clock func() int32
	cur   *Opinion
	pool  sync.Pool

	trace      []Checkpoint
	traceStart int
	traceLimit int
}

func New(clock func() int32, traceLimit int) *Ledger {
	if traceLimit <= 0 {
		traceLimit = 4096
	}
	l := &Ledger{clock: clock, traceLimit: traceLimit}
	l.pool.New = func() any { return &Opinion{} }
	return l
}

// Acquire returns an empty Opinion from the pool.
func (l *Ledger) Acquire() *Opinion {
	op := l.pool.Get().(*Opinion)
	op.Reset()
	return op
}

// Release returns op to the pool. op must not be used afterwards.
func (l *Ledger) Release(op *Opinion) {
	if op == nil || op == l.cur {
		return
	}
	l.pool.Put(op)
}

// Discard returns an Opinion that never reached the ledger, such as one that
// failed to decode, to the pool. Unlike Release it is safe on any goroutine.
func (l *Ledger) Discard(op *Opinion) {
	if op != nil {
		l.pool.Put(op)
	}
}

func (l *Ledger) building() *Opinion {
	if l.cur == nil {
		l.cur = l.Acquire()
		l.cur.StartTick = l.clock()
	}
	return l.cur
}

func (l *Ledger) RecordTick(tickable, tick int32, state uint32) {
	op := l.building()
	if tickable == command.GlobalID {
		op.WorldStates = append(op.WorldStates, state)
	} else {
		op.appendMap(tickable, state)
	}
	l.note(Checkpoint{Tickable: tickable, Tick: tick, Value: state})
}

func (l *Ledger) RecordCommand(tickable, tick int32, state uint32) {
	op := l.building()
	op.CommandStates = append(op.CommandStates, state)
	l.note(Checkpoint{Tickable: tickable, Tick: tick, Value: state, Command: true})
}

func (l *Ledger) RecordFingerprint(e fingerprint.Entry) {
	op := l.building()
	op.Fingerprints = append(op.Fingerprints, e.Hash)
	op.Traces = append(op.Traces, e)
}

// Current is the Opinion being built, or nil.
func (l *Ledger) Current() *Opinion { return l.cur }

// Finalize closes the Opinion being built and returns it, or nil when
// nothing was recorded since the last call.
func (l *Ledger) Finalize() *Opinion {
	op := l.cur
	if op == nil {
		return nil
	}
	op.State = StateClosed
	l.cur = nil
	return op
}

func (l *Ledger) note(c Checkpoint) {
	if len(l.trace) < l.traceLimit {
		l.trace = append(l.trace, c)
		return
	}
	l.trace[l.traceStart] = c
	l.traceStart = (l.traceStart + 1) % l.traceLimit
}

// Trace returns the retained checkpoints, oldest first.
func (l *Ledger) Trace() []Checkpoint {
	out := make([]Checkpoint, 0, len(l.trace))
	out = append(out, l.trace[l.traceStart:]...)
	out = append(out, l.trace[:l.traceStart]...)
	return out
}

// CommandCheckpoints filters the trace to command checkpoints of tickable.
func (l *Ledger) CommandCheckpoints(tickable int32) []Checkpoint {
	var out []Checkpoint
	for _, c := range l.Trace() {
		if c.Command && c.Tickable == tickable {
			out = append(out, c)
		}
	}
	return out
}
