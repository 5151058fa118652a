// Package desync folds ledger checkpoints into Opinions, exchanges them with
// peers and halts the local simulation at the first disagreement.
//
// A Coordinator is not safe for concurrent use. Network callbacks hand remote
// Opinions over through the main queue.
package desync

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lockstep.ai/internal/sim/ledger"
)

// Scheduler is the part of tick.Scheduler the coordinator drives.
type Scheduler interface {
	Timer() int32
	Ledger() *ledger.Ledger
	Freeze()
}

// Publisher sends the local node's Opinions and desync reports to peers. The
// Opinion is only valid for the duration of the call.
type Publisher interface {
	PublishOpinion(op *ledger.Opinion)
	PublishDesynced(r *Report)
}

// Sink stores reports for later diagnosis.
type Sink interface {
	SaveReport(r *Report) error
}

type Config struct {
	// Interval is the number of timer steps covered by one Opinion.
	Interval int32
	// Window bounds the closed local Opinions kept for late remotes.
	Window int
	// PendingLimit bounds remote Opinions waiting for their local match.
	PendingLimit int
}

func DefaultConfig() Config {
	return Config{Interval: 30, Window: 16, PendingLimit: 64}
}

type entry struct {
	op        *ledger.Opinion
	end       int32 // exclusive
	confirmed map[string]struct{}
}

type pendingRemote struct {
	peer string
	op   *ledger.Opinion
}

type Coordinator struct {
	cfg  Config
	s    Scheduler
	pub  Publisher
	sink Sink
	log  zerolog.Logger

	window     []*entry
	pending    []pendingRemote
	expected   int
	granted    int32
	lastValid  int32
	skipBefore int32
	report     *Report
}

func New(cfg Config, s Scheduler, pub Publisher, sink Sink, logger zerolog.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = def.PendingLimit
	}
	return &Coordinator{
		cfg:       cfg,
		s:         s,
		pub:       pub,
		sink:      sink,
		log:       logger.With().Str("component", "desync").Logger(),
		expected:  1,
		lastValid: -1,
	}
}

// SetExpectedPeers sets how many distinct peers must agree before a local
// Opinion is released. The authority expects every connected client; with
// none connected its Opinions confirm as soon as they close.
func (c *Coordinator) SetExpectedPeers(n int) {
	c.expected = max(n, 0)
}

// SetGranted records the tick the authority allowed simulation up to. A node
// more than one interval behind marks its Opinions as still simulating.
func (c *Coordinator) SetGranted(tick int32) {
	if tick > c.granted {
		c.granted = tick
	}
}

// Resume is called after loading a snapshot taken at timer. The partial
// Opinion up to the next interval boundary cannot match any peer's, so it is
// neither published nor compared.
func (c *Coordinator) Resume(timer int32) {
	c.skipBefore = (timer + c.cfg.Interval - 1) / c.cfg.Interval * c.cfg.Interval
	c.lastValid = c.skipBefore - 1
}

func (c *Coordinator) LastValidTick() int32 { return c.lastValid }
func (c *Coordinator) Desynced() bool       { return c.report != nil }
func (c *Coordinator) Report() *Report      { return c.report }
func (c *Coordinator) WindowLen() int       { return len(c.window) }
func (c *Coordinator) PendingLen() int      { return len(c.pending) }

// CheckDesync closes the Opinion being built when the timer reaches an
// interval boundary, publishes it and compares it against any remote that
// arrived early. Call it after every scheduler step.
func (c *Coordinator) CheckDesync() {
	if c.report != nil {
		return
	}
	timer := c.s.Timer()
	if timer == 0 || timer%c.cfg.Interval != 0 {
		return
	}
	op := c.s.Ledger().Finalize()
	if op == nil {
		// Nothing ticked this interval. Peers still compare it, so a peer
		// that did record checkpoints here is caught.
		op = c.s.Ledger().Acquire()
		op.StartTick = timer - c.cfg.Interval
		op.State = ledger.StateClosed
	}
	if op.StartTick < c.skipBefore {
		c.s.Ledger().Release(op)
		return
	}
	op.Simulating = c.granted-timer > c.cfg.Interval
	e := &entry{op: op, end: timer, confirmed: map[string]struct{}{}}
	c.window = append(c.window, e)
	for len(c.window) > c.cfg.Window {
		old := c.window[0]
		c.window = c.window[1:]
		if old.op.State != ledger.StateConfirmed {
			c.log.Warn().Int32("start_tick", old.op.StartTick).Int("confirmations", len(old.confirmed)).Msg("opinion left window unconfirmed")
		}
		c.s.Ledger().Release(old.op)
	}
	if c.pub != nil {
		c.pub.PublishOpinion(op)
	}

	kept := c.pending[:0]
	for _, p := range c.pending {
		if c.report == nil && c.intervalEnd(p.op.StartTick) == e.end {
			c.compare(e, p.peer, p.op)
			continue
		}
		kept = append(kept, p)
	}
	clear(c.pending[len(kept):])
	c.pending = kept

	if c.expected == 0 && e.op.State == ledger.StateClosed {
		e.op.State = ledger.StateConfirmed
		c.confirm(e)
	}
}

// HandleRemote compares a peer's Opinion with the local one covering the same
// interval; differing start ticks inside it are a mismatch. The coordinator
// takes ownership of op, which should come from the scheduler ledger's pool.
func (c *Coordinator) HandleRemote(peer string, op *ledger.Opinion) {
	if c.report != nil {
		c.s.Ledger().Release(op)
		return
	}
	end := c.intervalEnd(op.StartTick)
	for _, e := range c.window {
		if e.end == end {
			c.compare(e, peer, op)
			return
		}
	}
	if op.StartTick <= c.lastValid || (len(c.window) > 0 && end < c.window[0].end) {
		c.log.Debug().Str("peer", peer).Int32("start_tick", op.StartTick).Msg("dropping stale remote opinion")
		c.s.Ledger().Release(op)
		return
	}
	c.pending = append(c.pending, pendingRemote{peer: peer, op: op})
	if len(c.pending) > c.cfg.PendingLimit {
		c.log.Warn().Str("peer", c.pending[0].peer).Int32("start_tick", c.pending[0].op.StartTick).Msg("pending opinion limit reached, dropping oldest")
		c.s.Ledger().Release(c.pending[0].op)
		c.pending[0] = pendingRemote{}
		c.pending = c.pending[1:]
	}
}

// intervalEnd is the exclusive end of the interval containing tick.
func (c *Coordinator) intervalEnd(tick int32) int32 {
	return (tick/c.cfg.Interval + 1) * c.cfg.Interval
}

// HandleRemoteDesync freezes the local simulation after a peer reported a
// desync. The local node keeps its own state for diagnosis.
func (c *Coordinator) HandleRemoteDesync(peer string, lastValidTick int32, reason string) {
	if c.report != nil {
		return
	}
	c.s.Freeze()
	c.report = &Report{
		ID:               uuid.NewString(),
		Peer:             peer,
		CreatedUnixMS:    time.Now().UnixMilli(),
		Timer:            c.s.Timer(),
		StartTick:        -1,
		LastValidTick:    min(lastValidTick, c.lastValid),
		Remote:           true,
		Reason:           reason,
		FingerprintIndex: -1,
	}
	c.log.Error().Str("peer", peer).Int32("last_valid_tick", c.report.LastValidTick).Str("reason", reason).Msg("peer reported desync")
	c.save()
}

func (c *Coordinator) compare(e *entry, peer string, remote *ledger.Opinion) {
	defer c.s.Ledger().Release(remote)
	if e.op.State == ledger.StateDesynced {
		return
	}
	mm := ledger.Compare(e.op, remote)
	if mm == nil {
		e.confirmed[peer] = struct{}{}
		if len(e.confirmed) < c.expected {
			return
		}
		e.op.State = ledger.StateConfirmed
		c.confirm(e)
		return
	}
	e.op.State = ledger.StateDesynced
	c.desync(e, peer, remote, mm)
}

// confirm advances the watermark to the end of e and releases every
// confirmed Opinion up to and including it.
func (c *Coordinator) confirm(e *entry) {
	if e.end-1 > c.lastValid {
		c.lastValid = e.end - 1
	}
	kept := c.window[:0]
	for _, w := range c.window {
		if w.op.State == ledger.StateConfirmed && w.end <= e.end {
			c.s.Ledger().Release(w.op)
			continue
		}
		kept = append(kept, w)
	}
	clear(c.window[len(kept):])
	c.window = kept
}

func (c *Coordinator) desync(e *entry, peer string, remote *ledger.Opinion, mm *ledger.Mismatch) {
	c.s.Freeze()
	fpIdx := -1
	if len(e.op.Fingerprints) > 0 && len(remote.Fingerprints) > 0 {
		fpIdx = ledger.DivergenceIndex(e.op.Fingerprints, remote.Fingerprints)
	}
	last := c.lastValid
	if e.op.StartTick-1 < last {
		last = e.op.StartTick - 1
	}
	c.report = &Report{
		ID:               uuid.NewString(),
		Peer:             peer,
		CreatedUnixMS:    time.Now().UnixMilli(),
		Timer:            c.s.Timer(),
		StartTick:        e.op.StartTick,
		LastValidTick:    last,
		Reason:           mm.String(),
		Mismatch:         mm,
		LocalOpinion:     e.op.Clone(),
		RemoteOpinion:    remote.Clone(),
		FingerprintIndex: fpIdx,
		Fingerprints:     fingerprintsAround(e.op, fpIdx),
		Trace:            c.s.Ledger().Trace(),
	}
	c.log.Error().
		Str("peer", peer).
		Int32("last_valid_tick", last).
		Int32("start_tick", e.op.StartTick).
		Stringer("mismatch", mm.Kind).
		Int("index", mm.Index).
		Int("fingerprint_index", fpIdx).
		Msg("desync detected")
	c.save()
	if c.pub != nil {
		c.pub.PublishDesynced(c.report)
	}
}

func (c *Coordinator) save() {
	if c.sink == nil {
		return
	}
	if err := c.sink.SaveReport(c.report); err != nil {
		c.log.Error().Err(err).Str("report", c.report.ID).Msg("save desync report")
	}
}
