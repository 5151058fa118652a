// Package replay re-runs a snapshot and its command log offline and checks
// the result against a second run and against the Opinions logged live.
package replay

import (
	"fmt"

	"github.com/rs/zerolog"

	"lockstep.ai/internal/persistence/snapshot"
	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/demo"
	"lockstep.ai/internal/sim/desync"
	"lockstep.ai/internal/sim/ledger"
	"lockstep.ai/internal/sim/tick"
	"lockstep.ai/internal/sim/tuning"
)

type Result struct {
	Timer    int32
	Steps    int
	Digest   uint64
	Errored  int
	Opinions []*ledger.Opinion
	Trace    []ledger.Checkpoint
}

// Opinion returns the replayed Opinion starting at startTick, or nil.
func (r *Result) Opinion(startTick int32) *ledger.Opinion {
	for _, op := range r.Opinions {
		if op.StartTick == startTick {
			return op
		}
	}
	return nil
}

type collector struct{ ops []*ledger.Opinion }

func (c *collector) PublishOpinion(op *ledger.Opinion) { c.ops = append(c.ops, op.Clone()) }
func (c *collector) PublishDesynced(*desync.Report)    {}

// After returns the commands logged after the snapshot was taken.
func After(snap snapshot.SnapshotV1, cmds []command.Command) []command.Command {
	var out []command.Command
	for _, c := range cmds {
		if c.Seq > snap.Scheduler.LastSeq {
			out = append(out, c)
		}
	}
	return out
}

// Run restores snap and replays cmds until the timer reaches limit. Opinions
// are closed on the same interval as live play.
func Run(t tuning.Tuning, snap snapshot.SnapshotV1, cmds []command.Command, limit int32, logger zerolog.Logger) (*Result, error) {
	sim := demo.New()
	s := tick.New(t.SchedulerConfig(snap.Header.Seed), sim, demo.NewRegistry(), logger)
	sim.Bind(s.Fingerprints())
	if err := s.LoadState(snap.Scheduler); err != nil {
		return nil, fmt.Errorf("load scheduler state: %w", err)
	}
	if err := sim.UnmarshalState(snap.Sim); err != nil {
		return nil, err
	}

	col := &collector{}
	c := desync.New(t.DesyncConfig(), s, col, nil, logger)
	c.SetExpectedPeers(0)
	c.Resume(snap.Header.Timer)

	steps := s.Replay(After(snap, cmds), limit, c.CheckDesync)
	digest, err := sim.Digest()
	if err != nil {
		return nil, err
	}
	res := &Result{
		Timer:    s.Timer(),
		Steps:    steps,
		Digest:   digest,
		Opinions: col.ops,
		Trace:    s.Ledger().Trace(),
	}
	for _, tk := range s.Tickables() {
		res.Errored += tk.Errored()
	}
	return res, nil
}

// Divergence is one replayed Opinion that disagrees with a reference.
// StartTick is -1 for whole-run differences.
type Divergence struct {
	StartTick int32
	Reason    string
	Mismatch  *ledger.Mismatch
}

func (d Divergence) String() string {
	if d.Mismatch != nil {
		return fmt.Sprintf("start_tick=%d %s", d.StartTick, d.Mismatch)
	}
	return fmt.Sprintf("start_tick=%d %s", d.StartTick, d.Reason)
}

// Compare checks two runs of the same input. They must agree bit for bit.
func Compare(a, b *Result) []Divergence {
	var out []Divergence
	if a.Timer != b.Timer {
		out = append(out, Divergence{StartTick: -1, Reason: fmt.Sprintf("timer %d vs %d", a.Timer, b.Timer)})
	}
	if a.Digest != b.Digest {
		out = append(out, Divergence{StartTick: -1, Reason: fmt.Sprintf("state digest %016x vs %016x", a.Digest, b.Digest)})
	}
	if len(a.Opinions) != len(b.Opinions) {
		out = append(out, Divergence{StartTick: -1, Reason: fmt.Sprintf("%d opinions vs %d", len(a.Opinions), len(b.Opinions))})
	}
	for _, op := range a.Opinions {
		other := b.Opinion(op.StartTick)
		if other == nil {
			out = append(out, Divergence{StartTick: op.StartTick, Reason: "missing from second run"})
			continue
		}
		if mm := ledger.Compare(op, other); mm != nil {
			out = append(out, Divergence{StartTick: op.StartTick, Mismatch: mm})
		}
	}
	return out
}

// Check compares the replay against Opinions recorded live. Logged Opinions
// outside the replayed range are ignored; checked counts the rest.
func Check(res *Result, logged []*ledger.Opinion) (checked int, out []Divergence) {
	for _, op := range logged {
		mine := res.Opinion(op.StartTick)
		if mine == nil {
			continue
		}
		checked++
		if mm := ledger.Compare(mine, op); mm != nil {
			out = append(out, Divergence{StartTick: op.StartTick, Mismatch: mm})
		}
	}
	return checked, out
}
