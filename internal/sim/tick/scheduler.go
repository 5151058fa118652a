// Package tick schedules tickables and executes their commands.
//
// Everything here runs on one goroutine. "Async" means independent per-entity
// clocks, not parallel mutation: each step visits the world first, then maps
// in ascending id order.
package tick

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"lockstep.ai/internal/protocol/payload"
	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/fingerprint"
	"lockstep.ai/internal/sim/ledger"
	"lockstep.ai/internal/sim/rng"
	"lockstep.ai/internal/sim/simctx"
)

var (
	ErrHandlerPanic = errors.New("command handler panicked")
	ErrNoTickable   = errors.New("no such tickable")
)

// Sim is the simulation layer. Advance moves the tickable named by f one unit
// of time, drawing randomness only from f.Rand.
type Sim interface {
	Advance(f simctx.Frame)
}

// MapLifecycle is implemented by simulations that keep per-map state. The
// value returned by MapCreated becomes the map's context scope.
type MapLifecycle interface {
	MapCreated(id int32) any
	MapRemoved(id int32)
}

// IdleReporter is implemented by simulations that know when nothing of
// interest is happening. It is polled every step after commands run, so the
// answer must depend on simulated state only.
type IdleReporter interface {
	Idle() bool
}

// Session is periodic work bound to one tickable. A session that blocks time
// pauses every tickable until it is removed.
type Session interface {
	ID() int32
	Tickable() int32
	Tick(f simctx.Frame)
	BlocksTime() bool
}

type Config struct {
	// AsyncTime lets each tickable run at its own speed. Without it every
	// tickable runs at the slowest desired speed.
	AsyncTime      bool
	Multipliers    [speedCount]float64
	IdleMultiplier float64
	Seed           uint64
	Fingerprint    fingerprint.Config
	TraceLimit     int
}

func DefaultConfig() Config {
	return Config{
		AsyncTime:      true,
		Multipliers:    DefaultMultipliers,
		IdleMultiplier: 2,
		Seed:           1,
		Fingerprint:    fingerprint.DefaultConfig(),
	}
}

// Exec is what a command handler mutates.
type Exec struct {
	S     *Scheduler
	T     *Tickable
	Stack *simctx.Stack
}

// Action is a decoded Sync or Debug payload.
type Action interface {
	Apply(x *Exec) error
}

type Scheduler struct {
	cfg Config
	log zerolog.Logger

	timer  int32
	world  *Tickable
	maps   []*Tickable
	frozen bool
	idle   bool

	// unrouted holds commands whose target does not exist yet, in log order.
	unrouted []command.Command
	dropped  int
	step     uint64

	stack    *simctx.Stack
	ledger   *ledger.Ledger
	fp       *fingerprint.Engine
	handlers command.Handlers[*Exec]
	cmdLog   *command.Log
	sim      Sim
	payloads *payload.Registry
	sessions []Session
	factions map[int32]string

	onExecuted func(cmd command.Command, err error)
}

func New(cfg Config, sim Sim, payloads *payload.Registry, logger zerolog.Logger) *Scheduler {
	if cfg.Multipliers == ([speedCount]float64{}) {
		cfg.Multipliers = DefaultMultipliers
	}
	if payloads == nil {
		payloads = payload.NewRegistry()
	}
	fpCfg := cfg.Fingerprint
	fpCfg.StopFuncs = append(append([]string(nil), fpCfg.StopFuncs...),
		"lockstep.ai/internal/sim/tick.(*Tickable).Tick",
		"lockstep.ai/internal/sim/tick.(*Tickable).ExecuteCommand",
	)
	s := &Scheduler{
		cfg:      cfg,
		log:      logger.With().Str("component", "scheduler").Logger(),
		stack:    simctx.NewStack(),
		fp:       fingerprint.New(fpCfg),
		cmdLog:   command.NewLog(),
		sim:      sim,
		payloads: payloads,
		factions: map[int32]string{},
	}
	s.ledger = ledger.New(s.Timer, cfg.TraceLimit)
	s.world = newTickable(s, command.GlobalID, KindWorld, rng.Derive(cfg.Seed, command.GlobalID))
	registerBuiltins(&s.handlers)
	return s
}

func (s *Scheduler) Timer() int32                      { return s.timer }
func (s *Scheduler) World() *Tickable                  { return s.world }
func (s *Scheduler) Ledger() *ledger.Ledger            { return s.ledger }
func (s *Scheduler) Stack() *simctx.Stack              { return s.stack }
func (s *Scheduler) Fingerprints() *fingerprint.Engine { return s.fp }
func (s *Scheduler) CommandLog() *command.Log          { return s.cmdLog }
func (s *Scheduler) Payloads() *payload.Registry       { return s.payloads }
func (s *Scheduler) Frozen() bool                      { return s.frozen }
func (s *Scheduler) Sim() Sim                          { return s.sim }

// Dropped counts commands whose target still did not exist at their due tick.
func (s *Scheduler) Dropped() int { return s.dropped }

// Handle registers or replaces the handler for a command kind. Call it at
// startup only.
func (s *Scheduler) Handle(k command.Kind, h command.Handler[*Exec]) {
	s.handlers.Register(k, h)
}

// OnExecuted is called after every command, with the handler error if any.
func (s *Scheduler) OnExecuted(fn func(cmd command.Command, err error)) { s.onExecuted = fn }

func (s *Scheduler) SetFactionName(id int32, name string) { s.factions[id] = name }

func (s *Scheduler) FactionName(id int32) string { return s.factions[id] }

// Freeze stops forward simulation until Unfreeze. Used as fail-stop after a
// desync.
func (s *Scheduler) Freeze() {
	if !s.frozen {
		s.log.Warn().Int32("timer", s.timer).Msg("simulation frozen")
	}
	s.frozen = true
}

func (s *Scheduler) Unfreeze() { s.frozen = false }

// SetIdle raises the tick multiplier while nothing of interest happens. It
// changes tick counts, so it must be driven by simulated state only. A
// simulation implementing IdleReporter overrides it every step.
func (s *Scheduler) SetIdle(idle bool) { s.idle = idle }

// Paused reports whether a blocking session holds the global pause.
func (s *Scheduler) Paused() bool {
	for _, sess := range s.sessions {
		if sess.BlocksTime() {
			return true
		}
	}
	return false
}

// Tickables returns the world followed by maps in tick order.
func (s *Scheduler) Tickables() []*Tickable {
	out := make([]*Tickable, 0, 1+len(s.maps))
	out = append(out, s.world)
	return append(out, s.maps...)
}

func (s *Scheduler) Tickable(id int32) *Tickable {
	if id == command.GlobalID {
		return s.world
	}
	for _, m := range s.maps {
		if m.id == id {
			return m
		}
	}
	return nil
}

func (s *Scheduler) Map(id int32) *Tickable {
	if id == command.GlobalID {
		return nil
	}
	return s.Tickable(id)
}

// AddMap creates a map tickable. Adding an existing id returns it unchanged.
func (s *Scheduler) AddMap(id int32) *Tickable {
	if id == command.GlobalID {
		return s.world
	}
	if m := s.Map(id); m != nil {
		return m
	}
	m := newTickable(s, id, KindMap, rng.Derive(s.cfg.Seed, id))
	if lc, ok := s.sim.(MapLifecycle); ok {
		m.scope = lc.MapCreated(id)
	}
	s.maps = append(s.maps, m)
	sort.Slice(s.maps, func(i, j int) bool { return s.maps[i].id < s.maps[j].id })
	m.logEvent(s.log).Msg("map added")
	return m
}

// RemoveMap destroys a map tickable and drops its pending commands.
func (s *Scheduler) RemoveMap(id int32) bool {
	for i, m := range s.maps {
		if m.id != id {
			continue
		}
		s.maps = append(s.maps[:i], s.maps[i+1:]...)
		if lc, ok := s.sim.(MapLifecycle); ok {
			lc.MapRemoved(id)
		}
		kept := s.sessions[:0]
		for _, sess := range s.sessions {
			if sess.Tickable() != id {
				kept = append(kept, sess)
			}
		}
		s.sessions = kept
		m.logEvent(s.log).Int("dropped_commands", len(m.queue)).Msg("map removed")
		m.queue = nil
		return true
	}
	return false
}

func (s *Scheduler) AddSession(sess Session) {
	s.RemoveSession(sess.ID())
	s.sessions = append(s.sessions, sess)
}

func (s *Scheduler) RemoveSession(id int32) bool {
	for i, sess := range s.sessions {
		if sess.ID() == id {
			s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Scheduler) Sessions() []Session { return append([]Session(nil), s.sessions...) }

// Enqueue appends cmd to the command log and to its target's queue in arrival
// order. Commands without a log position get the next one. A command whose
// target does not exist yet is held and routed during the drain of its due
// tick, so an earlier command of that tick may still create the target.
func (s *Scheduler) Enqueue(cmd command.Command) (command.Command, error) {
	if cmd.Seq == 0 {
		cmd = s.cmdLog.Append(cmd)
	} else {
		s.cmdLog.Restore(cmd)
	}
	if t := s.Tickable(cmd.Target); t != nil {
		t.queue = append(t.queue, cmd)
		return cmd, nil
	}
	s.unrouted = append(s.unrouted, cmd)
	return cmd, nil
}

// route hands held commands to targets that exist now.
func (s *Scheduler) route() {
	kept := s.unrouted[:0]
	for _, cmd := range s.unrouted {
		if t := s.Tickable(cmd.Target); t != nil {
			t.insert(cmd)
			continue
		}
		kept = append(kept, cmd)
	}
	clear(s.unrouted[len(kept):])
	s.unrouted = kept
}

// dropUnrouted discards held commands that are due and still have no target.
func (s *Scheduler) dropUnrouted() {
	kept := s.unrouted[:0]
	for _, cmd := range s.unrouted {
		if cmd.Tick > s.timer {
			kept = append(kept, cmd)
			continue
		}
		s.dropped++
		s.log.Warn().Stringer("kind", cmd.Kind).Int32("target", cmd.Target).Int32("tick", cmd.Tick).
			Uint64("seq", cmd.Seq).Msg("command for missing tickable dropped")
	}
	clear(s.unrouted[len(kept):])
	s.unrouted = kept
}

func (s *Scheduler) queuesEmpty() bool {
	for _, t := range s.Tickables() {
		if len(t.queue) > 0 {
			return false
		}
	}
	return true
}

// nextToDrain returns the first tickable, in tick order, not yet drained
// this step. Maps created while draining are picked up in id order.
func (s *Scheduler) nextToDrain() *Tickable {
	if s.world.drained != s.step {
		return s.world
	}
	for _, m := range s.maps {
		if m.drained != s.step {
			return m
		}
	}
	return nil
}

// EffectiveSpeed is the speed t actually runs at this step.
func (s *Scheduler) EffectiveSpeed(t *Tickable) Speed {
	if s.cfg.AsyncTime {
		return t.desired
	}
	slowest := s.world.desired
	for _, m := range s.maps {
		if m.desired < slowest {
			slowest = m.desired
		}
	}
	return slowest
}

// Step advances the scheduler timer by one. Commands due at the current
// timer run first on every tickable, then each tickable ticks as many times
// as its accumulated multiplier allows.
func (s *Scheduler) Step() {
	if s.frozen {
		return
	}
	s.step++
	for t := s.nextToDrain(); t != nil; t = s.nextToDrain() {
		t.drained = s.step
		s.route()
		t.drainDue(s.timer)
		if s.frozen {
			return
		}
	}
	s.dropUnrouted()
	if ir, ok := s.sim.(IdleReporter); ok {
		s.idle = ir.Idle() && len(s.unrouted) == 0 && s.queuesEmpty()
	}
	for _, t := range s.Tickables() {
		if s.Tickable(t.id) != t {
			continue
		}
		t.timeToTickThrough += t.TickRateMultiplier(s.EffectiveSpeed(t))
		for t.timeToTickThrough >= 1 {
			t.timeToTickThrough--
			t.Tick()
		}
	}
	s.timer++
}

// RunUntil steps while the timer is below limit and the scheduler is not
// frozen. It returns the number of steps taken.
func (s *Scheduler) RunUntil(limit int32) int {
	n := 0
	for s.timer < limit && !s.frozen {
		s.Step()
		n++
	}
	return n
}

// Replay feeds cmds to their targets just before they fall due, keeping log
// order within a tick, and steps until limit. This reproduces a live run,
// which also routes each command at its due tick. afterStep, if set, runs
// after every step.
func (s *Scheduler) Replay(cmds []command.Command, limit int32, afterStep func()) int {
	sorted := append([]command.Command(nil), cmds...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Tick < sorted[j].Tick })
	i, n := 0, 0
	for s.timer < limit && !s.frozen {
		for i < len(sorted) && sorted[i].Tick <= s.timer {
			_, _ = s.Enqueue(sorted[i])
			i++
		}
		s.Step()
		n++
		if afterStep != nil {
			afterStep()
		}
	}
	return n
}

func (s *Scheduler) apply(t *Tickable, cmd command.Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			var frameErr *fingerprint.UnrecognizedFrameError
			if e, ok := r.(error); ok && errors.As(e, &frameErr) {
				panic(r)
			}
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	h, err := s.handlers.Lookup(cmd.Kind)
	if err != nil {
		return err
	}
	return h(&Exec{S: s, T: t, Stack: s.stack}, cmd)
}
