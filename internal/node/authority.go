package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"lockstep.ai/internal/persistence/snapshot"
	"lockstep.ai/internal/protocol"
	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/transport/ws"
)

const joinTimeout = 10 * time.Second

var errUnexpected = errors.New("unexpected message")

type peer struct {
	conn   *ws.Conn
	player int32
}

// Authority sequences every command, assigns due ticks and grants time to
// clients. It is also a full peer: it simulates and exchanges Opinions.
type Authority struct {
	*Node
	server *ws.Server

	peers      map[string]*peer
	nextPlayer int32
}

func NewAuthority(cfg Config, logger zerolog.Logger) (*Authority, error) {
	n, err := newNode(cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &Authority{Node: n, peers: map[string]*peer{}, nextPlayer: 1}
	a.server = ws.NewServer(a, n.log)
	n.send = a.broadcast
	n.peers = func() int { return len(a.peers) }
	n.coord.SetExpectedPeers(0)
	return a, nil
}

// ResumeAuthority starts an authority from a snapshot of an earlier session.
// The snapshot's seed replaces cfg.Seed.
func ResumeAuthority(cfg Config, snap snapshot.SnapshotV1, logger zerolog.Logger) (*Authority, error) {
	cfg.Seed = snap.Header.Seed
	a, err := NewAuthority(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := a.restore(snap); err != nil {
		_ = a.close()
		return nil, fmt.Errorf("restore snapshot: %w", err)
	}
	a.log.Info().Int32("timer", snap.Header.Timer).Int("pending", len(snap.Pending)).Msg("resumed")
	return a, nil
}

// Handler serves the peer websocket endpoint.
func (a *Authority) Handler() http.Handler { return a.server.Handler() }

// Run simulates until ctx is done, then disconnects every peer.
func (a *Authority) Run(ctx context.Context) error {
	if err := a.writeSnapshot(); err != nil {
		return err
	}
	a.log.Info().Int32("timer", a.sched.Timer()).Uint64("seed", a.cfg.Seed).Msg("authority running")
	a.loop(ctx, a.advance)
	a.server.Close(protocol.CloseServerLeave)
	return a.close()
}

// Submit sequences a command issued by the authority's own player.
func (a *Authority) Submit(cmd command.Command) bool {
	return a.q.Enqueue(func() { a.sequence("", cmd) })
}

func (a *Authority) advance() {
	if a.sched.Frozen() {
		return
	}
	a.step()
	grant := protocol.EncodeTimeControl(protocol.TimeControlMsg{TickUntil: a.grant()})
	for _, p := range a.peers {
		p.conn.SendUnreliable(grant)
	}
}

// grant is the first tick a command sequenced from now on can fall due at.
func (a *Authority) grant() int32 {
	return a.sched.Timer() + a.cfg.Tuning.CommandDelayTicks
}

func (a *Authority) sequence(peerID string, cmd command.Command) {
	if a.sched.Frozen() {
		return
	}
	cmd.Player = 0
	if peerID != "" {
		p, ok := a.peers[peerID]
		if !ok {
			return
		}
		cmd.Player = p.player
	}
	cmd.Tick = a.grant()
	cmd.Seq = 0
	a.inbox = append(a.inbox, cmd)
	a.broadcast(protocol.EncodeCommandMsg(cmd))
	a.log.Debug().Str("cmd", protocol.CommandString(cmd)).Msg("sequenced")
}

func (a *Authority) broadcast(b []byte) {
	for id, p := range a.peers {
		if err := p.conn.SendReliable(b); err != nil {
			a.log.Debug().Err(err).Str("peer", id).Msg("send skipped")
		}
	}
}

// Join runs on the peer's reader goroutine. The snapshot is taken on the
// main goroutine, and the peer is added in the same step, so it sees every
// command sequenced after the snapshot.
func (a *Authority) Join(c *ws.Conn, hello protocol.HelloMsg) (protocol.WelcomeMsg, error) {
	type result struct {
		w   protocol.WelcomeMsg
		err error
	}
	ch := make(chan result, 1)
	if !a.q.Enqueue(func() {
		w, err := a.admit(c)
		ch <- result{w, err}
	}) {
		return protocol.WelcomeMsg{}, &ws.ErrRejected{Code: protocol.CloseServerLeave}
	}
	select {
	case r := <-ch:
		return r.w, r.err
	case <-time.After(joinTimeout):
		c.Close(protocol.CloseUnexpected)
		return protocol.WelcomeMsg{}, errors.New("join timed out")
	}
}

func (a *Authority) admit(c *ws.Conn) (protocol.WelcomeMsg, error) {
	select {
	case <-c.Done():
		return protocol.WelcomeMsg{}, ws.ErrClosed
	default:
	}
	if a.coord.Desynced() {
		return protocol.WelcomeMsg{}, &ws.ErrRejected{Code: protocol.CloseDesynced}
	}
	snap, err := a.snapshot()
	if err != nil {
		return protocol.WelcomeMsg{}, err
	}
	blob, err := snapshot.Marshal(snap)
	if err != nil {
		return protocol.WelcomeMsg{}, err
	}
	player := a.nextPlayer
	a.nextPlayer++
	a.peers[c.ID] = &peer{conn: c, player: player}
	a.coord.SetExpectedPeers(len(a.peers))
	c.SendUnreliable(protocol.EncodeTimeControl(protocol.TimeControlMsg{TickUntil: a.grant()}))
	a.log.Info().Str("peer", c.ID).Int32("player", player).Int32("timer", snap.Header.Timer).Int("snapshot_bytes", len(blob)).Msg("peer admitted")
	return protocol.WelcomeMsg{PlayerID: player, Snapshot: blob}, nil
}

func (a *Authority) Receive(c *ws.Conn, msg []byte) error {
	typ, err := protocol.PeekType(msg)
	if err != nil {
		return err
	}
	switch typ {
	case protocol.TypeCommand:
		cmd, err := protocol.DecodeCommandMsg(msg)
		if err != nil {
			return err
		}
		a.q.Enqueue(func() { a.sequence(c.ID, cmd) })
	case protocol.TypeOpinion:
		return a.handleRemoteOpinion(c.ID, msg)
	case protocol.TypeDesynced:
		if _, err := a.handleRemoteDesync(c.ID, msg); err != nil {
			return err
		}
		a.server.Broadcast(msg, c.ID)
	default:
		return fmt.Errorf("%w: %s from client", errUnexpected, typ)
	}
	return nil
}

func (a *Authority) Leave(c *ws.Conn) {
	a.q.Enqueue(func() {
		if _, ok := a.peers[c.ID]; !ok {
			return
		}
		delete(a.peers, c.ID)
		a.coord.SetExpectedPeers(len(a.peers))
	})
}
