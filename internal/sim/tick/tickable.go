package tick

import (
	"slices"

	"github.com/rs/zerolog"

	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/fingerprint"
	"lockstep.ai/internal/sim/rng"
	"lockstep.ai/internal/sim/simctx"
)

type Kind uint8

const (
	KindWorld Kind = iota + 1
	KindMap
)

func (k Kind) String() string {
	if k == KindWorld {
		return "world"
	}
	return "map"
}

// Tickable is an independently clocked simulation entity: the world or one
// map. It owns its command queue and its random generator.
type Tickable struct {
	id   int32
	kind Kind
	s    *Scheduler

	queue   []command.Command
	desired Speed
	ticks   int64
	rand    *rng.Rand
	faction int32
	scope   any

	timeToTickThrough float64
	errored           int
	drained           uint64
}

func newTickable(s *Scheduler, id int32, kind Kind, seed uint64) *Tickable {
	t := &Tickable{
		id:      id,
		kind:    kind,
		s:       s,
		desired: Normal,
		rand:    rng.New(seed),
		faction: -1,
	}
	if s.fp.Enabled() {
		t.rand.SetTap(t.onDraw)
	}
	return t
}

func (t *Tickable) ID() int32           { return t.id }
func (t *Tickable) Kind() Kind          { return t.kind }
func (t *Tickable) Ticks() int64        { return t.ticks }
func (t *Tickable) Rand() *rng.Rand     { return t.rand }
func (t *Tickable) DesiredSpeed() Speed { return t.desired }
func (t *Tickable) QueueLen() int       { return len(t.queue) }

// Errored counts commands whose handler failed on this tickable.
func (t *Tickable) Errored() int { return t.errored }

func (t *Tickable) SetDesiredSpeed(s Speed) {
	if s.Valid() {
		t.desired = s
	}
}

// TickRateMultiplier is how many ticks one scheduler step is worth at speed.
// It is 0 while any blocking session holds the global pause.
func (t *Tickable) TickRateMultiplier(speed Speed) float64 {
	s := t.s
	if s.Paused() || !speed.Valid() {
		return 0
	}
	m := s.cfg.Multipliers[speed]
	if s.idle && m > 0 && s.cfg.IdleMultiplier > 1 {
		m = min(m*s.cfg.IdleMultiplier, s.cfg.Multipliers[Ultrafast])
	}
	return m
}

func (t *Tickable) frame() simctx.Frame {
	return simctx.Frame{
		Tickable:    t.id,
		Faction:     t.faction,
		FactionName: t.s.FactionName(t.faction),
		Rand:        t.rand,
		Scope:       t.scope,
	}
}

// Tick advances this tickable by one unit of simulation time inside its
// context bracket, then records its random-state checkpoint.
func (t *Tickable) Tick() {
	s := t.s
	func() {
		g := s.stack.Push(t.frame())
		defer g.Pop()
		defer s.fp.Enter()()

		s.sim.Advance(s.stack.Current())
		for _, sess := range s.sessions {
			if sess.Tickable() == t.id {
				sess.Tick(s.stack.Current())
			}
		}
	}()
	t.ticks++
	s.ledger.RecordTick(t.id, s.timer, t.rand.Checkpoint())
}

// ExecuteCommand applies cmd inside this tickable's bracket. A failing
// handler is logged and skipped; it never escapes to the scheduler.
func (t *Tickable) ExecuteCommand(cmd command.Command) {
	s := t.s
	err := func() error {
		f := t.frame()
		f.Faction = cmd.Faction
		f.FactionName = s.FactionName(cmd.Faction)
		g := s.stack.Push(f)
		defer g.Pop()
		defer s.fp.Enter()()
		return s.apply(t, cmd)
	}()
	if err != nil {
		t.errored++
		s.log.Error().Err(err).
			Stringer("kind", cmd.Kind).
			Int32("tick", cmd.Tick).
			Int32("tickable", t.id).
			Int32("faction", cmd.Faction).
			Int32("player", cmd.Player).
			Msg("command failed")
	}
	s.ledger.RecordCommand(t.id, s.timer, t.rand.Checkpoint())
	if s.onExecuted != nil {
		s.onExecuted(cmd, err)
	}
}

func (t *Tickable) drainDue(timer int32) {
	for len(t.queue) > 0 && t.queue[0].Tick <= timer {
		cmd := t.queue[0]
		t.queue[0] = command.Command{}
		t.queue = t.queue[1:]
		t.ExecuteCommand(cmd)
		if t.s.frozen {
			return
		}
	}
}

// insert places cmd in (tick, seq) order.
func (t *Tickable) insert(cmd command.Command) {
	i := len(t.queue)
	for i > 0 && cmd.Before(t.queue[i-1]) {
		i--
	}
	t.queue = slices.Insert(t.queue, i, cmd)
}

func (t *Tickable) onDraw() {
	s := t.s
	if !s.fp.Live() {
		return
	}
	depth, hash, ok := s.fp.Fingerprint(1)
	if !ok {
		return
	}
	s.ledger.RecordFingerprint(fingerprint.Entry{
		Depth:   depth,
		Hash:    hash,
		Tick:    s.timer,
		Faction: s.stack.Current().FactionName,
		Subject: t.id,
	})
}

func (t *Tickable) logEvent(l zerolog.Logger) *zerolog.Event {
	return l.Debug().Int32("tickable", t.id).Stringer("tickable_kind", t.kind)
}
