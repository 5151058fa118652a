// Package node runs one lockstep peer: the scheduler, its desync coordinator
// and the persistence around them, all driven from a single goroutine.
//
// An Authority sequences commands and grants time; a Client joins from the
// authority's snapshot and simulates up to the granted tick.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"lockstep.ai/internal/persistence/indexdb"
	plog "lockstep.ai/internal/persistence/log"
	"lockstep.ai/internal/persistence/reports"
	"lockstep.ai/internal/persistence/snapshot"
	"lockstep.ai/internal/protocol"
	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/demo"
	"lockstep.ai/internal/sim/desync"
	"lockstep.ai/internal/sim/ledger"
	"lockstep.ai/internal/sim/mainq"
	"lockstep.ai/internal/sim/tick"
	"lockstep.ai/internal/sim/tuning"
)

var (
	ErrStopped   = errors.New("node stopped")
	ErrNoDataDir = errors.New("persistence disabled")
)

type Config struct {
	Name   string
	Tuning tuning.Tuning
	Seed   uint64
	// DataDir holds command and opinion logs, snapshots and desync reports.
	// Empty disables persistence.
	DataDir   string
	DisableDB bool
}

// Node is the state shared by both roles. Everything except the main queue
// belongs to the goroutine that calls Run.
type Node struct {
	cfg Config
	log zerolog.Logger

	sim   *demo.Sim
	sched *tick.Scheduler
	coord *desync.Coordinator
	q     *mainq.Queue

	cmdLog    *plog.CommandLogger
	opLog     *plog.OpinionLogger
	index     *indexdb.SQLiteIndex
	reports   *reports.Store
	lastSnap  string
	watermark int32

	// inbox holds sequenced commands in arrival order until they fall due.
	inbox []command.Command

	// player is 0 on the authority and assigned on join for clients.
	player int32
	// send delivers an encoded message to the node's peers.
	send func(b []byte)
	// peers counts connected peers on the main goroutine.
	peers func() int
}

func newNode(cfg Config, logger zerolog.Logger) (*Node, error) {
	if err := cfg.Tuning.Validate(); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "node"
	}
	n := &Node{
		cfg:       cfg,
		log:       logger.With().Str("node", cfg.Name).Logger(),
		sim:       demo.New(),
		q:         mainq.New(),
		watermark: -1,
		send:      func([]byte) {},
		peers:     func() int { return 0 },
	}
	n.sched = tick.New(cfg.Tuning.SchedulerConfig(cfg.Seed), n.sim, demo.NewRegistry(), n.log)
	n.sim.Bind(n.sched.Fingerprints())

	var sink desync.Sink
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		n.cmdLog = plog.NewCommandLogger(cfg.DataDir)
		n.opLog = plog.NewOpinionLogger(cfg.DataDir)
		if !cfg.DisableDB {
			idx, err := indexdb.OpenSQLite(filepath.Join(cfg.DataDir, "index.sqlite"))
			if err != nil {
				return nil, fmt.Errorf("open index: %w", err)
			}
			n.index = idx
		}
		var indexer reports.Indexer
		if n.index != nil {
			indexer = n.index
		}
		n.reports = reports.NewStore(cfg.DataDir, indexer)
		n.reports.Snapshot = func() string { return n.lastSnap }
		sink = n.reports
	}
	n.coord = desync.New(cfg.Tuning.DesyncConfig(), n.sched, n, sink, n.log)
	return n, nil
}

func (n *Node) PublishOpinion(op *ledger.Opinion) {
	n.recordOpinion("", true, op)
	n.send(protocol.EncodeOpinionMsg(op))
}

func (n *Node) PublishDesynced(r *desync.Report) {
	n.send(protocol.EncodeDesynced(protocol.DesyncedMsg{
		PlayerID:      n.player,
		LastValidTick: r.LastValidTick,
		ReportID:      r.ID,
		Reason:        r.Reason,
	}))
}

func (n *Node) recordOpinion(peer string, local bool, op *ledger.Opinion) {
	if n.opLog != nil {
		if err := n.opLog.WriteOpinion(plog.OpinionEntry{Peer: peer, Local: local, Opinion: op}); err != nil {
			n.log.Warn().Err(err).Msg("opinion log write")
		}
	}
	n.index.RecordOpinion(peer, local, op)
}

func (n *Node) recordCommand(c command.Command) {
	if n.cmdLog == nil {
		return
	}
	if err := n.cmdLog.WriteCommand(c); err != nil {
		n.log.Warn().Err(err).Msg("command log write")
	}
}

// handleRemoteOpinion decodes on the caller's goroutine and compares on the
// main goroutine.
func (n *Node) handleRemoteOpinion(peer string, msg []byte) error {
	op := n.sched.Ledger().Acquire()
	if err := protocol.DecodeOpinionMsg(msg, op); err != nil {
		n.sched.Ledger().Discard(op)
		return err
	}
	n.q.Enqueue(func() {
		n.recordOpinion(peer, false, op)
		n.coord.HandleRemote(peer, op)
		n.noteWatermark()
	})
	return nil
}

func (n *Node) handleRemoteDesync(peer string, msg []byte) (protocol.DesyncedMsg, error) {
	m, err := protocol.DecodeDesynced(msg)
	if err != nil {
		return m, err
	}
	n.q.Enqueue(func() {
		n.coord.HandleRemoteDesync(peer, m.LastValidTick, fmt.Sprintf("player %d: %s", m.PlayerID, m.Reason))
	})
	return m, nil
}

// feed hands due commands to the scheduler. Routing at the due tick keeps
// every peer's view of which tickables exist identical, whenever the command
// arrived.
func (n *Node) feed() {
	timer := n.sched.Timer()
	i := 0
	for ; i < len(n.inbox) && n.inbox[i].Tick <= timer; i++ {
		cmd := n.inbox[i]
		if cmd.Tick < timer {
			n.log.Error().Int32("tick", cmd.Tick).Int32("timer", timer).Msg("command arrived after its due tick")
		}
		cmd, _ = n.sched.Enqueue(cmd)
		n.recordCommand(cmd)
	}
	clear(n.inbox[:i])
	n.inbox = n.inbox[i:]
}

// step advances one scheduler step and runs everything keyed to the timer.
func (n *Node) step() {
	if n.sched.Frozen() {
		return
	}
	n.feed()
	n.sched.Step()
	n.coord.CheckDesync()
	n.noteWatermark()
	if every := n.cfg.Tuning.SnapshotEveryTicks; every > 0 && n.sched.Timer()%every == 0 {
		if err := n.writeSnapshot(); err != nil {
			n.log.Error().Err(err).Msg("snapshot")
		}
	}
}

func (n *Node) noteWatermark() {
	if w := n.coord.LastValidTick(); w > n.watermark {
		n.watermark = w
		n.index.RecordWatermark(w)
	}
}

func (n *Node) snapshot() (snapshot.SnapshotV1, error) {
	blob, err := n.sim.MarshalState()
	if err != nil {
		return snapshot.SnapshotV1{}, err
	}
	return snapshot.SnapshotV1{
		Header:    snapshot.Header{Version: snapshot.Version, Timer: n.sched.Timer(), Seed: n.cfg.Seed},
		Scheduler: n.sched.SaveState(),
		Sim:       blob,
		Pending:   append([]command.Command(nil), n.inbox...),
	}, nil
}

func (n *Node) writeSnapshot() error {
	if n.cfg.DataDir == "" {
		return nil
	}
	snap, err := n.snapshot()
	if err != nil {
		return err
	}
	path := snapshot.Path(n.cfg.DataDir, snap.Header.Timer)
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return err
	}
	n.lastSnap = path
	n.index.RecordSnapshot(path, snap)
	n.log.Info().Int32("timer", snap.Header.Timer).Str("path", path).Msg("snapshot written")
	return nil
}

// restore loads snap into a fresh node. Opinions for the partial interval
// the snapshot falls into are skipped.
func (n *Node) restore(snap snapshot.SnapshotV1) error {
	if err := n.sched.LoadState(snap.Scheduler); err != nil {
		return err
	}
	if err := n.sim.UnmarshalState(snap.Sim); err != nil {
		return err
	}
	n.inbox = append(n.inbox[:0], snap.Pending...)
	n.coord.Resume(snap.Header.Timer)
	n.watermark = n.coord.LastValidTick()
	return nil
}

// Do runs fn on the main goroutine and waits for it.
func (n *Node) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !n.q.Enqueue(func() { fn(); close(done) }) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SaveSnapshot writes a snapshot of the current timer and returns its path.
func (n *Node) SaveSnapshot(ctx context.Context) (string, error) {
	if n.cfg.DataDir == "" {
		return "", ErrNoDataDir
	}
	var path string
	var werr error
	if err := n.Do(ctx, func() {
		werr = n.writeSnapshot()
		path = n.lastSnap
	}); err != nil {
		return "", err
	}
	return path, werr
}

// Status is a point-in-time view of the node for tests and tooling.
type Status struct {
	Name          string         `json:"name"`
	Player        int32          `json:"player"`
	Timer         int32          `json:"timer"`
	LastValidTick int32          `json:"last_valid_tick"`
	Frozen        bool           `json:"frozen"`
	Desynced      bool           `json:"desynced"`
	Digest        uint64         `json:"digest"`
	Peers         int            `json:"peers"`
	Inbox         int            `json:"inbox"`
	Window        int            `json:"window"`
	Pending       int            `json:"pending"`
	Errored       int            `json:"errored"`
	Dropped       int            `json:"dropped"`
	Index         indexdb.Stats  `json:"index"`
	Report        *desync.Report `json:"report,omitempty"`
}

func (n *Node) Status(ctx context.Context) (Status, error) {
	var st Status
	var derr error
	err := n.Do(ctx, func() {
		st = Status{
			Name:          n.cfg.Name,
			Player:        n.player,
			Timer:         n.sched.Timer(),
			LastValidTick: n.coord.LastValidTick(),
			Frozen:        n.sched.Frozen(),
			Desynced:      n.coord.Desynced(),
			Peers:         n.peers(),
			Inbox:         len(n.inbox),
			Window:        n.coord.WindowLen(),
			Pending:       n.coord.PendingLen(),
			Dropped:       n.sched.Dropped(),
			Index:         n.index.Stats(),
			Report:        n.coord.Report(),
		}
		for _, t := range n.sched.Tickables() {
			st.Errored += t.Errored()
		}
		st.Digest, derr = n.sim.Digest()
	})
	if err != nil {
		return st, err
	}
	return st, derr
}

func (n *Node) tickInterval() time.Duration {
	return time.Second / time.Duration(n.cfg.Tuning.TickRateHz)
}

// loop drains the main queue as work arrives and calls advance once per tick
// interval until ctx is done.
func (n *Node) loop(ctx context.Context, advance func()) {
	t := time.NewTicker(n.tickInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			n.q.Close()
			n.q.Drain()
			return
		case <-n.q.Ready():
			n.q.Drain()
		case <-t.C:
			n.q.Drain()
			advance()
		}
	}
}

func (n *Node) close() error {
	var errs []error
	if n.cmdLog != nil {
		errs = append(errs, n.cmdLog.Close())
	}
	if n.opLog != nil {
		errs = append(errs, n.opLog.Close())
	}
	if n.index != nil {
		errs = append(errs, n.index.Close())
	}
	return errors.Join(errs...)
}
