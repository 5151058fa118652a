package desync

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"lockstep.ai/internal/sim/fingerprint"
	"lockstep.ai/internal/sim/ledger"
)

type fakeSched struct {
	timer  int32
	frozen bool
	l      *ledger.Ledger
}

func newFakeSched() *fakeSched {
	f := &fakeSched{}
	f.l = ledger.New(func() int32 { return f.timer }, 0)
	return f
}

func (f *fakeSched) Timer() int32           { return f.timer }
func (f *fakeSched) Ledger() *ledger.Ledger { return f.l }
func (f *fakeSched) Freeze()                { f.frozen = true }

// step records one world checkpoint per timer step, like a scheduler with
// only the world ticking at normal speed.
func (f *fakeSched) step(state uint32) {
	f.l.RecordTick(-1, f.timer, state)
	f.timer++
}

type recorder struct {
	opinions []*ledger.Opinion
	desyncs  []*Report
	saved    []*Report
	saveErr  error
}

func (r *recorder) PublishOpinion(op *ledger.Opinion) { r.opinions = append(r.opinions, op.Clone()) }
func (r *recorder) PublishDesynced(rep *Report)       { r.desyncs = append(r.desyncs, rep) }
func (r *recorder) SaveReport(rep *Report) error {
	r.saved = append(r.saved, rep)
	return r.saveErr
}

func newTestCoordinator(t *testing.T, interval int32) (*Coordinator, *fakeSched, *recorder) {
	t.Helper()
	s := newFakeSched()
	rec := &recorder{}
	c := New(Config{Interval: interval, Window: 4, PendingLimit: 2}, s, rec, rec, zerolog.Nop())
	return c, s, rec
}

func run(c *Coordinator, s *fakeSched, n int, state func(tick int32) uint32) {
	for i := 0; i < n; i++ {
		s.step(state(s.timer))
		c.CheckDesync()
	}
}

func same(tick int32) uint32 { return uint32(tick) * 7 }

func remoteOf(s *fakeSched, op *ledger.Opinion) *ledger.Opinion {
	r := s.l.Acquire()
	r.StartTick = op.StartTick
	r.WorldStates = append(r.WorldStates, op.WorldStates...)
	r.CommandStates = append(r.CommandStates, op.CommandStates...)
	r.Fingerprints = append(r.Fingerprints, op.Fingerprints...)
	for _, m := range op.Maps {
		r.Maps = append(r.Maps, ledger.MapStates{MapID: m.MapID, States: append([]uint32(nil), m.States...)})
	}
	r.State = ledger.StateClosed
	return r
}

func TestCoordinator_PublishesOnInterval(t *testing.T) {
	c, s, rec := newTestCoordinator(t, 10)
	run(c, s, 25, same)

	require.Len(t, rec.opinions, 2)
	require.Equal(t, int32(0), rec.opinions[0].StartTick)
	require.Equal(t, int32(10), rec.opinions[1].StartTick)
	require.Len(t, rec.opinions[0].WorldStates, 10)
	require.Equal(t, 2, c.WindowLen())
	require.NotNil(t, s.l.Current(), "third opinion still building")
}

func TestCoordinator_MatchingRemoteConfirms(t *testing.T) {
	c, s, rec := newTestCoordinator(t, 10)
	run(c, s, 20, same)

	c.HandleRemote("authority", remoteOf(s, rec.opinions[0]))
	require.Equal(t, int32(9), c.LastValidTick())
	require.Equal(t, 1, c.WindowLen())

	c.HandleRemote("authority", remoteOf(s, rec.opinions[1]))
	require.Equal(t, int32(19), c.LastValidTick())
	require.Zero(t, c.WindowLen())
	require.False(t, c.Desynced())
	require.False(t, s.frozen)
}

func TestCoordinator_EarlyRemoteIsComparedWhenLocalCloses(t *testing.T) {
	c, s, rec := newTestCoordinator(t, 10)
	run(c, s, 10, same)
	remote := remoteOf(s, rec.opinions[0])
	remote.StartTick = 10
	remote.WorldStates = remote.WorldStates[:0]
	for tick := int32(10); tick < 20; tick++ {
		remote.WorldStates = append(remote.WorldStates, same(tick))
	}

	c.HandleRemote("authority", remote)
	require.Equal(t, 1, c.PendingLen())

	run(c, s, 10, same)
	require.Zero(t, c.PendingLen())
	require.Equal(t, int32(19), c.LastValidTick())
}

func TestCoordinator_MismatchFreezesAndReports(t *testing.T) {
	c, s, rec := newTestCoordinator(t, 10)
	run(c, s, 20, same)
	c.HandleRemote("authority", remoteOf(s, rec.opinions[0]))

	remote := remoteOf(s, rec.opinions[1])
	remote.WorldStates[3]++
	c.HandleRemote("authority", remote)

	require.True(t, c.Desynced())
	require.True(t, s.frozen)
	rep := c.Report()
	require.NotEmpty(t, rep.ID)
	require.Equal(t, int32(9), rep.LastValidTick)
	require.Equal(t, int32(10), rep.StartTick)
	require.Equal(t, ledger.MismatchWorld, rep.Mismatch.Kind)
	require.Equal(t, 3, rep.Mismatch.Index)
	require.Equal(t, -1, rep.FingerprintIndex)
	require.NotNil(t, rep.LocalOpinion)
	require.NotNil(t, rep.RemoteOpinion)
	require.NotEmpty(t, rep.Trace)
	require.Len(t, rec.desyncs, 1)
	require.Len(t, rec.saved, 1)

	// nothing more is published or compared once desynced
	run(c, s, 10, same)
	require.Len(t, rec.opinions, 2)
	c.HandleRemote("authority", remoteOf(s, rec.opinions[0]))
	require.Len(t, rec.desyncs, 1)
}

func TestCoordinator_ReportLocatesFingerprintDivergence(t *testing.T) {
	c, s, rec := newTestCoordinator(t, 10)
	for i := 0; i < 10; i++ {
		s.l.RecordFingerprint(fingerprint.Entry{Depth: 3, Hash: int32(100 + i), Tick: s.timer})
		s.step(same(s.timer))
		c.CheckDesync()
	}
	remote := remoteOf(s, rec.opinions[0])
	remote.Fingerprints[6] = -1

	c.HandleRemote("authority", remote)
	rep := c.Report()
	require.NotNil(t, rep)
	require.Equal(t, ledger.MismatchFingerprint, rep.Mismatch.Kind)
	require.Equal(t, 6, rep.FingerprintIndex)
	require.NotEmpty(t, rep.Fingerprints)
	require.Equal(t, int32(106), rep.Fingerprints[6].Hash)
}

func TestCoordinator_EmptyRemoteFingerprintsTolerated(t *testing.T) {
	c, s, rec := newTestCoordinator(t, 10)
	for i := 0; i < 10; i++ {
		s.l.RecordFingerprint(fingerprint.Entry{Hash: int32(i)})
		s.step(same(s.timer))
		c.CheckDesync()
	}
	remote := remoteOf(s, rec.opinions[0])
	remote.Fingerprints = remote.Fingerprints[:0]

	c.HandleRemote("late-joiner", remote)
	require.False(t, c.Desynced())
	require.Equal(t, int32(9), c.LastValidTick())
}

func TestCoordinator_StaleAndOverflowingRemotesAreDropped(t *testing.T) {
	c, s, rec := newTestCoordinator(t, 10)
	run(c, s, 10, same)
	c.HandleRemote("authority", remoteOf(s, rec.opinions[0]))
	require.Equal(t, int32(9), c.LastValidTick())

	c.HandleRemote("authority", remoteOf(s, rec.opinions[0]))
	require.Zero(t, c.PendingLen())

	for _, start := range []int32{10, 20, 30} {
		op := s.l.Acquire()
		op.StartTick = start
		c.HandleRemote("authority", op)
	}
	require.Equal(t, 2, c.PendingLen())
}

func TestCoordinator_WindowEvictsOldestUnconfirmed(t *testing.T) {
	c, s, _ := newTestCoordinator(t, 5)
	run(c, s, 40, same)
	require.Equal(t, 4, c.WindowLen())
	require.Equal(t, int32(-1), c.LastValidTick())
}

func TestCoordinator_ExpectedPeersMustAllAgree(t *testing.T) {
	c, s, rec := newTestCoordinator(t, 10)
	c.SetExpectedPeers(2)
	run(c, s, 10, same)

	c.HandleRemote("p1", remoteOf(s, rec.opinions[0]))
	require.Equal(t, int32(-1), c.LastValidTick())
	c.HandleRemote("p1", remoteOf(s, rec.opinions[0]))
	require.Equal(t, int32(-1), c.LastValidTick(), "same peer twice is one confirmation")
	c.HandleRemote("p2", remoteOf(s, rec.opinions[0]))
	require.Equal(t, int32(9), c.LastValidTick())
	require.Zero(t, c.WindowLen())
}

func TestCoordinator_NoExpectedPeersConfirmsOnClose(t *testing.T) {
	c, s, rec := newTestCoordinator(t, 10)
	c.SetExpectedPeers(0)
	run(c, s, 30, same)
	require.Len(t, rec.opinions, 3)
	require.Equal(t, int32(29), c.LastValidTick())
	require.Zero(t, c.WindowLen())
}

func TestCoordinator_SimulatingFlagWhileCatchingUp(t *testing.T) {
	c, s, rec := newTestCoordinator(t, 10)
	c.SetGranted(100)
	run(c, s, 10, same)
	require.True(t, rec.opinions[0].Simulating)

	run(c, s, 80, same)
	require.True(t, rec.opinions[7].Simulating)
	require.False(t, rec.opinions[8].Simulating, "within one interval of the grant")
}

func TestCoordinator_ResumeSkipsPartialOpinion(t *testing.T) {
	c, s, rec := newTestCoordinator(t, 10)
	s.timer = 14
	c.Resume(14)
	require.Equal(t, int32(19), c.LastValidTick())

	run(c, s, 6, same)
	require.Empty(t, rec.opinions)

	early := s.l.Acquire()
	early.StartTick = 10
	c.HandleRemote("authority", early)
	require.Zero(t, c.PendingLen())

	run(c, s, 10, same)
	require.Len(t, rec.opinions, 1)
	require.Equal(t, int32(20), rec.opinions[0].StartTick)
}

func TestCoordinator_RemoteDesyncFreezes(t *testing.T) {
	c, s, rec := newTestCoordinator(t, 10)
	rec.saveErr = errors.New("disk full")
	run(c, s, 10, same)

	c.HandleRemoteDesync("authority", 42, "world_states[3]")
	require.True(t, s.frozen)
	require.True(t, c.Report().Remote)
	require.Equal(t, int32(-1), c.Report().LastValidTick)
	require.Len(t, rec.saved, 1)
	require.Empty(t, rec.desyncs, "remote reports are not re-broadcast")
}

func TestCoordinator_RemoteStartingLaterInIntervalDesyncs(t *testing.T) {
	c, s, rec := newTestCoordinator(t, 10)
	run(c, s, 10, same)
	remote := remoteOf(s, rec.opinions[0])
	remote.StartTick = 3
	remote.WorldStates = remote.WorldStates[3:]

	c.HandleRemote("authority", remote)
	require.True(t, c.Desynced())
	require.True(t, s.frozen)
	rep := c.Report()
	require.Equal(t, ledger.MismatchStart, rep.Mismatch.Kind)
	require.Equal(t, int64(0), rep.Mismatch.Local)
	require.Equal(t, int64(3), rep.Mismatch.Remote)
}

func TestCoordinator_EmptyIntervalIsStillCompared(t *testing.T) {
	c, s, rec := newTestCoordinator(t, 10)
	run(c, s, 10, same)
	for i := 0; i < 10; i++ {
		s.timer++
		c.CheckDesync()
	}
	require.Len(t, rec.opinions, 2)
	require.Equal(t, int32(10), rec.opinions[1].StartTick)
	require.Empty(t, rec.opinions[1].WorldStates)

	c.HandleRemote("authority", remoteOf(s, rec.opinions[0]))
	c.HandleRemote("authority", remoteOf(s, rec.opinions[1]))
	require.False(t, c.Desynced())
	require.Equal(t, int32(19), c.LastValidTick())

	busy := s.l.Acquire()
	busy.StartTick = 20
	busy.WorldStates = append(busy.WorldStates, 1, 2, 3)
	c.HandleRemote("authority", busy)
	require.Equal(t, 1, c.PendingLen())
	for i := 0; i < 10; i++ {
		s.timer++
		c.CheckDesync()
	}
	require.True(t, c.Desynced())
	require.Equal(t, ledger.MismatchWorld, c.Report().Mismatch.Kind)
	require.Zero(t, c.PendingLen())
}
