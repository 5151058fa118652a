package replay

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"lockstep.ai/internal/persistence/snapshot"
	"lockstep.ai/internal/protocol/payload"
	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/demo"
	"lockstep.ai/internal/sim/desync"
	"lockstep.ai/internal/sim/ledger"
	"lockstep.ai/internal/sim/tick"
	"lockstep.ai/internal/sim/tuning"
)

type liveRun struct {
	start    snapshot.SnapshotV1
	mid      snapshot.SnapshotV1
	log      []command.Command
	opinions []*ledger.Opinion
}

func capture(t *testing.T, s *tick.Scheduler, sim *demo.Sim, seed uint64) snapshot.SnapshotV1 {
	t.Helper()
	blob, err := sim.MarshalState()
	require.NoError(t, err)
	return snapshot.SnapshotV1{
		Header:    snapshot.Header{Version: snapshot.Version, Timer: s.Timer(), Seed: seed},
		Scheduler: s.SaveState(),
		Sim:       blob,
	}
}

func encode[T any](t *testing.T, v T) []byte {
	t.Helper()
	b, err := payload.Encode(demo.NewRegistry(), v)
	require.NoError(t, err)
	return b
}

func runLive(t *testing.T, seed uint64, midAt int32) liveRun {
	t.Helper()
	tune := tuning.Defaults()
	sim := demo.New()
	s := tick.New(tune.SchedulerConfig(seed), sim, demo.NewRegistry(), zerolog.Nop())
	sim.Bind(s.Fingerprints())
	col := &collector{}
	c := desync.New(tune.DesyncConfig(), s, col, nil, zerolog.Nop())
	c.SetExpectedPeers(0)

	run := liveRun{start: capture(t, s, sim, seed)}
	script := []command.Command{
		{Kind: command.KindCreateMap, Tick: 1, Target: command.GlobalID, Payload: tick.MapPayload(1)},
		{Kind: command.KindSync, Tick: 3, Target: 1, Payload: encode(t, &demo.Spawn{Count: 5})},
		{Kind: command.KindSync, Tick: 3, Target: command.GlobalID, Payload: encode(t, &demo.Settle{People: 4})},
		{Kind: command.KindMapTimeSpeed, Tick: 20, Target: 1, Payload: tick.SpeedPayload(tick.Fast)},
		{Kind: command.KindSync, Tick: 50, Target: 1, Payload: encode(t, &demo.Spawn{Count: 2})},
		{Kind: command.KindDesignator, Tick: 70, Target: 1, Payload: encode(t, &demo.Paint{Value: 2, Cells: []demo.Cell{{X: 1, Y: 2}}})},
	}
	s.Replay(script, 120, func() {
		c.CheckDesync()
		if s.Timer() == midAt {
			run.mid = capture(t, s, sim, seed)
		}
	})
	run.log = s.CommandLog().All()
	run.opinions = col.ops
	return run
}

func TestReplayMatchesLiveOpinions(t *testing.T) {
	live := runLive(t, 21, 45)
	require.Len(t, live.opinions, 4)
	require.Len(t, live.log, 6)

	res, err := Run(tuning.Defaults(), live.start, live.log, 120, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, int32(120), res.Timer)
	require.Equal(t, 120, res.Steps)
	require.Zero(t, res.Errored)

	checked, divs := Check(res, live.opinions)
	require.Equal(t, 4, checked)
	require.Empty(t, divs)
}

func TestReplayTwiceIsIdentical(t *testing.T) {
	live := runLive(t, 22, 45)
	a, err := Run(tuning.Defaults(), live.start, live.log, 120, zerolog.Nop())
	require.NoError(t, err)
	b, err := Run(tuning.Defaults(), live.start, live.log, 120, zerolog.Nop())
	require.NoError(t, err)
	require.Empty(t, Compare(a, b))
	require.Equal(t, a.Trace, b.Trace)
}

func TestReplayFromMidSnapshot(t *testing.T) {
	live := runLive(t, 23, 45)
	require.Equal(t, int32(45), live.mid.Header.Timer)
	after := After(live.mid, live.log)
	require.Len(t, after, 2)

	res, err := Run(tuning.Defaults(), live.mid, live.log, 120, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, res.Opinions, 2, "partial interval before tick 60 is skipped")
	checked, divs := Check(res, live.opinions)
	require.Equal(t, 2, checked)
	require.Empty(t, divs)
}

func TestReplayDetectsTamperedLog(t *testing.T) {
	live := runLive(t, 24, 45)
	tampered := append([]command.Command(nil), live.log...)
	for i, c := range tampered {
		if c.Kind == command.KindSync && c.Tick == 50 {
			tampered[i].Payload = encode(t, &demo.Spawn{Count: 3})
		}
	}
	res, err := Run(tuning.Defaults(), live.start, tampered, 120, zerolog.Nop())
	require.NoError(t, err)
	checked, divs := Check(res, live.opinions)
	require.Equal(t, 4, checked)
	require.NotEmpty(t, divs)
	require.Equal(t, int32(30), divs[0].StartTick)
	require.Equal(t, ledger.MismatchMap, divs[0].Mismatch.Kind)
}
