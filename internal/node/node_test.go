package node

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"lockstep.ai/internal/persistence/indexdb"
	plog "lockstep.ai/internal/persistence/log"
	"lockstep.ai/internal/persistence/reports"
	"lockstep.ai/internal/protocol"
	"lockstep.ai/internal/protocol/payload"
	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/demo"
	"lockstep.ai/internal/sim/ledger"
	"lockstep.ai/internal/sim/tick"
	"lockstep.ai/internal/sim/tuning"
)

func fastTuning() tuning.Tuning {
	t := tuning.Defaults()
	t.TickRateHz = 200
	t.CommandDelayTicks = 4
	t.OpinionIntervalTicks = 10
	t.SnapshotEveryTicks = 0
	return t
}

func spawnCmd(t *testing.T, target, count int32) command.Command {
	t.Helper()
	b, err := payload.Encode(demo.NewRegistry(), &demo.Spawn{Count: count})
	require.NoError(t, err)
	return command.Command{Kind: command.KindSync, Target: target, Payload: b}
}

func createMapCmd(id int32) command.Command {
	return command.Command{Kind: command.KindCreateMap, Target: command.GlobalID, Payload: tick.MapPayload(id)}
}

func TestAuthority_SequencesAndFeedsAtDueTick(t *testing.T) {
	dir := t.TempDir()
	a, err := NewAuthority(Config{Name: "auth", Tuning: fastTuning(), Seed: 3, DataDir: dir}, zerolog.Nop())
	require.NoError(t, err)

	require.True(t, a.Submit(createMapCmd(1)))
	a.q.Drain()
	require.Len(t, a.inbox, 1)
	require.Equal(t, int32(4), a.inbox[0].Tick)

	for i := 0; i < 4; i++ {
		a.advance()
	}
	require.Nil(t, a.sched.Map(1), "not due yet")
	a.advance()
	require.NotNil(t, a.sched.Map(1))
	require.Empty(t, a.inbox)

	require.True(t, a.Submit(spawnCmd(t, 1, 3)))
	a.q.Drain()
	for i := 0; i < 30; i++ {
		a.advance()
	}
	require.Len(t, a.sim.Region(1).Units, 3)
	require.Equal(t, int32(29), a.coord.LastValidTick(), "no peers to wait for")
	require.NoError(t, a.close())

	cmds, err := plog.ReadCommands(dir)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	require.Equal(t, uint64(1), cmds[0].Seq)
	require.Equal(t, command.KindCreateMap, cmds[0].Kind)
	require.Equal(t, uint64(2), cmds[1].Seq)
	require.Equal(t, int32(9), cmds[1].Tick)

	ops, err := plog.ReadOpinions(dir)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	require.True(t, ops[0].Local)

	idx, err := indexdb.OpenSQLite(filepath.Join(dir, "index.sqlite"))
	require.NoError(t, err)
	defer idx.Close()
	w, err := idx.Watermark(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(29), w)
}

func TestAuthority_FrozenDropsCommands(t *testing.T) {
	a, err := NewAuthority(Config{Tuning: fastTuning(), Seed: 1}, zerolog.Nop())
	require.NoError(t, err)
	a.sched.Freeze()
	a.Submit(createMapCmd(1))
	a.q.Drain()
	require.Empty(t, a.inbox)
	a.advance()
	require.Zero(t, a.sched.Timer())
}

type cluster struct {
	auth    *Authority
	clients []*Client
	url     string
	ctx     context.Context
	cancel  context.CancelFunc
}

func startCluster(t *testing.T, seed uint64) *cluster {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	dir := t.TempDir()
	a, err := NewAuthority(Config{Name: "auth", Tuning: fastTuning(), Seed: seed, DataDir: dir}, zerolog.Nop())
	require.NoError(t, err)
	srv := httptest.NewServer(a.Handler())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return &cluster{auth: a, url: "ws" + strings.TrimPrefix(srv.URL, "http"), ctx: ctx, cancel: cancel}
}

func (c *cluster) join(t *testing.T, name string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	cl, err := Connect(ctx, c.url, Config{Name: name, Tuning: fastTuning(), DataDir: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cl.Run(c.ctx)
	}()
	t.Cleanup(func() {
		c.cancel()
		<-done
	})
	c.clients = append(c.clients, cl)
	return cl
}

func status(t *testing.T, n *Node) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := n.Status(ctx)
	require.NoError(t, err)
	return st
}

func TestCluster_PeersConfirmEachOther(t *testing.T) {
	c := startCluster(t, 11)
	require.True(t, c.auth.Submit(createMapCmd(1)))
	require.True(t, c.auth.Submit(spawnCmd(t, 1, 4)))

	a := c.join(t, "alice")
	b := c.join(t, "bob")
	require.Equal(t, int32(1), a.PlayerID())
	require.Equal(t, int32(2), b.PlayerID())
	require.NoError(t, a.Submit(spawnCmd(t, 1, 2)))

	require.Eventually(t, func() bool {
		sa, sb, sx := status(t, a.Node), status(t, b.Node), status(t, c.auth.Node)
		return sa.LastValidTick >= 60 && sb.LastValidTick >= 60 && sx.LastValidTick >= 60
	}, 10*time.Second, 20*time.Millisecond)

	for _, n := range []*Node{c.auth.Node, a.Node, b.Node} {
		st := status(t, n)
		require.False(t, st.Desynced)
		require.False(t, st.Frozen)
		require.Zero(t, st.Dropped)
	}
	var units int
	require.NoError(t, a.Do(context.Background(), func() { units = len(a.sim.Region(1).Units) }))
	require.Equal(t, 6, units)
}

func TestCluster_DivergenceFreezesEveryPeer(t *testing.T) {
	c := startCluster(t, 12)
	require.True(t, c.auth.Submit(createMapCmd(1)))
	a := c.join(t, "alice")
	b := c.join(t, "bob")

	require.Eventually(t, func() bool {
		return status(t, a.Node).LastValidTick >= 20
	}, 10*time.Second, 20*time.Millisecond)

	// An extra draw outside any command is exactly the bug this detects.
	require.NoError(t, a.Do(context.Background(), func() { a.sched.World().Rand().Uint64() }))

	require.Eventually(t, func() bool {
		return status(t, a.Node).Desynced && status(t, c.auth.Node).Desynced && status(t, b.Node).Desynced
	}, 10*time.Second, 20*time.Millisecond)

	sa := status(t, a.Node)
	require.True(t, sa.Frozen)
	require.NotNil(t, sa.Report)
	require.False(t, sa.Report.Remote)
	require.NotNil(t, sa.Report.Mismatch)
	require.Equal(t, ledger.MismatchWorld, sa.Report.Mismatch.Kind)
	require.Less(t, sa.Report.LastValidTick, sa.Report.StartTick)

	sb := status(t, b.Node)
	require.True(t, sb.Frozen)
	require.True(t, sb.Report.Remote)
	require.LessOrEqual(t, sb.Report.LastValidTick, sa.Report.StartTick)

	sx := status(t, c.auth.Node)
	require.True(t, sx.Frozen)
	path := c.auth.reports.Path(sx.Report.ID)
	_, err := os.Stat(path)
	require.NoError(t, err)
	r, err := reports.Read(path)
	require.NoError(t, err)
	require.Equal(t, sx.Report.ID, r.ID)
}

func TestCluster_JoinRejectedAfterDesync(t *testing.T) {
	c := startCluster(t, 13)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.auth.Do(ctx, func() {
		c.auth.coord.HandleRemoteDesync("test", 0, "forced")
	}))
	_, err := Connect(ctx, c.url, Config{Name: "late", Tuning: fastTuning()}, zerolog.Nop())
	require.Error(t, err)
}

func TestNode_MalformedOpinionRejectedOnReader(t *testing.T) {
	a, err := NewAuthority(Config{Name: "auth", Tuning: fastTuning(), Seed: 1}, zerolog.Nop())
	require.NoError(t, err)

	err = a.handleRemoteOpinion("bob", []byte{byte(protocol.TypeOpinion), 1, 2})
	require.ErrorIs(t, err, protocol.ErrMalformed)
	a.q.Drain()
	require.Equal(t, 0, a.coord.PendingLen())
	require.Nil(t, a.sched.Ledger().Current())
}
