package node

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"lockstep.ai/internal/persistence/snapshot"
	"lockstep.ai/internal/protocol"
	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/transport/ws"
)

// catchUpSteps bounds the steps a client takes per tick interval while it is
// behind the grant.
const catchUpSteps = 8

// Client simulates the authority's command stream up to the granted tick.
type Client struct {
	*Node
	conn    *ws.Client
	granted int32
}

// Connect joins the authority at url and resumes from its snapshot. The
// scheduler is seeded from the snapshot, not from cfg.Seed.
func Connect(ctx context.Context, url string, cfg Config, logger zerolog.Logger) (*Client, error) {
	conn, err := ws.Dial(ctx, url, cfg.Name, logger)
	if err != nil {
		return nil, err
	}
	snap, err := snapshot.Unmarshal(conn.Welcome.Snapshot)
	if err != nil {
		conn.Close(protocol.CloseMalformed)
		return nil, fmt.Errorf("welcome snapshot: %w", err)
	}
	cfg.Seed = snap.Header.Seed
	n, err := newNode(cfg, logger)
	if err != nil {
		conn.Close("")
		return nil, err
	}
	if err := n.restore(snap); err != nil {
		conn.Close("")
		_ = n.close()
		return nil, fmt.Errorf("restore snapshot: %w", err)
	}
	n.player = conn.Welcome.PlayerID
	c := &Client{Node: n, conn: conn, granted: snap.Header.Timer}
	n.send = c.sendToAuthority
	n.peers = func() int { return 1 }
	n.log.Info().Int32("player", n.player).Int32("timer", snap.Header.Timer).Msg("joined")
	return c, nil
}

func (c *Client) PlayerID() int32 { return c.player }

// Run simulates until ctx is done or the authority disconnects.
func (c *Client) Run(ctx context.Context) error {
	if err := c.writeSnapshot(); err != nil {
		c.log.Error().Err(err).Msg("join snapshot")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		c.conn.Run(c.receive)
		cancel()
	}()
	c.loop(ctx, c.advance)
	c.conn.Close("")
	return c.close()
}

// Submit sends a command to the authority for sequencing. Tick and player
// are assigned there.
func (c *Client) Submit(cmd command.Command) error {
	return c.conn.SendReliable(protocol.EncodeCommandMsg(cmd))
}

func (c *Client) sendToAuthority(b []byte) {
	if err := c.conn.SendReliable(b); err != nil {
		c.log.Debug().Err(err).Msg("send skipped")
	}
}

func (c *Client) advance() {
	for i := 0; i < catchUpSteps && c.sched.Timer() < c.granted && !c.sched.Frozen(); i++ {
		c.step()
	}
}

func (c *Client) receive(msg []byte) error {
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
		c.q.Enqueue(func() { c.inbox = append(c.inbox, cmd) })
	case protocol.TypeTimeControl:
		m, err := protocol.DecodeTimeControl(msg)
		if err != nil {
			return err
		}
		c.q.Enqueue(func() {
			if m.TickUntil > c.granted {
				c.granted = m.TickUntil
				c.coord.SetGranted(m.TickUntil)
			}
		})
	case protocol.TypeOpinion:
		return c.handleRemoteOpinion(c.conn.ID, msg)
	case protocol.TypeDesynced:
		_, err := c.handleRemoteDesync(c.conn.ID, msg)
		return err
	default:
		return fmt.Errorf("%w: %s from authority", errUnexpected, typ)
	}
	return nil
}
