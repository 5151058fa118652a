package demo

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"lockstep.ai/internal/protocol/payload"
	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/tick"
)

func newScheduler(t *testing.T, seed uint64) (*tick.Scheduler, *Sim) {
	t.Helper()
	cfg := tick.DefaultConfig()
	cfg.Seed = seed
	sim := New()
	s := tick.New(cfg, sim, NewRegistry(), zerolog.Nop())
	sim.Bind(s.Fingerprints())
	return s, sim
}

func enqueue[T any](t *testing.T, s *tick.Scheduler, kind command.Kind, target, due int32, v T) {
	t.Helper()
	b, err := payload.Encode(s.Payloads(), v)
	require.NoError(t, err)
	_, err = s.Enqueue(command.Command{Kind: kind, Tick: due, Target: target, Payload: b})
	require.NoError(t, err)
}

func script(t *testing.T, s *tick.Scheduler) {
	t.Helper()
	_, err := s.Enqueue(command.Command{Kind: command.KindCreateMap, Tick: 0, Target: command.GlobalID, Payload: tick.MapPayload(3)})
	require.NoError(t, err)
	s.Step()
	enqueue(t, s, command.KindSync, command.GlobalID, 2, &Settle{People: 10})
	enqueue(t, s, command.KindSync, 3, 2, &Spawn{Count: 5})
	enqueue(t, s, command.KindSync, 3, 4, &Nudge{Unit: 2, DX: 3, DY: -3})
	enqueue(t, s, command.KindDesignator, 3, 5, &Paint{Value: 7, Cells: []Cell{{1, 1}, {2, 2}}})
}

func TestDeterministicAcrossRuns(t *testing.T) {
	a, simA := newScheduler(t, 42)
	b, simB := newScheduler(t, 42)
	script(t, a)
	script(t, b)
	a.RunUntil(200)
	b.RunUntil(200)

	da, err := simA.Digest()
	require.NoError(t, err)
	db, err := simB.Digest()
	require.NoError(t, err)
	require.Equal(t, da, db)

	r := simA.Region(3)
	require.NotNil(t, r)
	require.Len(t, r.Units, 5)
	require.Len(t, r.Marks, 2)
	require.Equal(t, int32(7), r.Marks[0].Value)
	require.Zero(t, r.brush)
	require.GreaterOrEqual(t, simA.World().Population, int64(10))
	require.Equal(t, int64(200), simA.World().Ticks)
}

func TestSeedChangesOutcome(t *testing.T) {
	a, simA := newScheduler(t, 1)
	b, simB := newScheduler(t, 2)
	script(t, a)
	script(t, b)
	a.RunUntil(100)
	b.RunUntil(100)
	da, _ := simA.Digest()
	db, _ := simB.Digest()
	require.NotEqual(t, da, db)
}

func TestActionErrorsAreCounted(t *testing.T) {
	s, _ := newScheduler(t, 1)
	enqueue(t, s, command.KindSync, command.GlobalID, 0, &Spawn{Count: 1})
	enqueue(t, s, command.KindSync, command.GlobalID, 0, &Settle{People: 0})
	s.Step()
	require.Equal(t, 2, s.World().Errored())

	_, err := s.Enqueue(command.Command{Kind: command.KindCreateMap, Tick: 1, Target: command.GlobalID, Payload: tick.MapPayload(1)})
	require.NoError(t, err)
	s.Step()
	enqueue(t, s, command.KindSync, 1, 2, &Nudge{Unit: 9})
	enqueue(t, s, command.KindSync, 1, 2, &Spawn{Count: maxSpawn + 1})
	enqueue(t, s, command.KindDesignator, 1, 2, &Paint{Value: 1, Cells: []Cell{{-1, 0}, {0, 0}}})
	s.Step()
	require.Equal(t, 3, s.Map(1).Errored())
}

func TestPaintAppliesValidCellsAndRestoresBrush(t *testing.T) {
	s, sim := newScheduler(t, 1)
	_, err := s.Enqueue(command.Command{Kind: command.KindCreateMap, Tick: 0, Target: command.GlobalID, Payload: tick.MapPayload(1)})
	require.NoError(t, err)
	s.Step()
	enqueue(t, s, command.KindDesignator, 1, 1, &Paint{Value: 4, Cells: []Cell{{-1, 0}, {0, 0}, {0, 0}}})
	s.Step()
	r := sim.Region(1)
	require.Equal(t, []Mark{{X: 0, Y: 0, Value: 4}}, r.Marks)
	require.Zero(t, r.brush)
	require.Equal(t, 1, s.Map(1).Errored())
}

func TestStateRoundTripKeepsScopes(t *testing.T) {
	a, simA := newScheduler(t, 9)
	script(t, a)
	a.RunUntil(50)
	st := a.SaveState()
	blob, err := simA.MarshalState()
	require.NoError(t, err)

	b, simB := newScheduler(t, 9)
	require.NoError(t, b.LoadState(st))
	require.NoError(t, simB.UnmarshalState(blob))

	a.RunUntil(150)
	b.RunUntil(150)
	da, _ := simA.Digest()
	db, _ := simB.Digest()
	require.Equal(t, da, db)
	require.Equal(t, int64(150), simB.World().Ticks)
}

func TestWeatherDrawsAreNotFingerprinted(t *testing.T) {
	s, _ := newScheduler(t, 5)
	s.RunUntil(40)
	cur := s.Ledger().Current()
	require.NotNil(t, cur)
	require.Empty(t, cur.Fingerprints)
	require.NotEmpty(t, cur.WorldStates)
}

func TestRegionDrawsAreFingerprinted(t *testing.T) {
	s, _ := newScheduler(t, 5)
	if !s.Fingerprints().Enabled() {
		t.Skip("fingerprints unsupported on this platform")
	}
	script(t, s)
	s.RunUntil(10)
	cur := s.Ledger().Current()
	require.NotNil(t, cur)
	require.NotEmpty(t, cur.Fingerprints)
	subjects := map[int32]bool{}
	for _, e := range cur.Traces {
		subjects[e.Subject] = true
	}
	require.True(t, subjects[3])
}

func TestEmptyWorldRunsAtIdleRate(t *testing.T) {
	s, sim := newScheduler(t, 4)
	s.RunUntil(10)
	require.Equal(t, int64(20), sim.World().Ticks)

	_, err := s.Enqueue(command.Command{Kind: command.KindCreateMap, Tick: 10, Target: command.GlobalID, Payload: tick.MapPayload(1)})
	require.NoError(t, err)
	s.RunUntil(20)
	require.Equal(t, int64(30), sim.World().Ticks)
	require.Equal(t, int64(10), sim.Region(1).Ticks)
}
