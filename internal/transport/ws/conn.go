package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"lockstep.ai/internal/protocol"
)

var ErrClosed = errors.New("connection closed")

const (
	writeWait = 5 * time.Second
	readWait  = 60 * time.Second
)

// Conn is one peer connection. Reliable messages are queued in order and
// never dropped; unreliable messages keep only the latest pending one.
// Reliable messages are written first.
type Conn struct {
	ID   string
	Name string

	ws       *websocket.Conn
	log      zerolog.Logger
	reliable chan []byte
	latest   chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, id, name string, queue int, logger zerolog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		ID:       id,
		Name:     name,
		ws:       ws,
		log:      logger.With().Str("peer", id).Logger(),
		reliable: make(chan []byte, queue),
		latest:   make(chan []byte, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SendReliable blocks until b is queued or the connection closes.
func (c *Conn) SendReliable(b []byte) error {
	select {
	case c.reliable <- b:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	}
}

// SendUnreliable replaces any unsent unreliable message with b.
func (c *Conn) SendUnreliable(b []byte) {
	if c.ctx.Err() != nil {
		return
	}
	sendLatest(c.latest, b)
}

func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// Close sends a close frame carrying code and stops both loops.
func (c *Conn) Close(code string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, code)
		if code != "" && code != protocol.CloseServerLeave {
			msg = websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code)
		}
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.cancel()
		_ = c.ws.Close()
	})
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case b := <-c.reliable:
			if !c.write(b) {
				return
			}
			continue
		default:
		}
		select {
		case <-c.ctx.Done():
			return
		case b := <-c.reliable:
			if !c.write(b) {
				return
			}
		case b := <-c.latest:
			// Anything queued reliably before b goes out first.
			if !c.flushReliable() || !c.write(b) {
				return
			}
		}
	}
}

func (c *Conn) flushReliable() bool {
	for {
		select {
		case b := <-c.reliable:
			if !c.write(b) {
				return false
			}
		default:
			return true
		}
	}
}

func (c *Conn) write(b []byte) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		c.log.Debug().Err(err).Msg("write failed")
		c.cancel()
		return false
	}
	return true
}

// readLoop hands every message to recv on this goroutine. A recv error closes
// the connection: malformed input means the peer can no longer be trusted.
func (c *Conn) readLoop(recv func(c *Conn, msg []byte) error) {
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(readWait))
		typ, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.cancel()
			return
		}
		if typ != websocket.BinaryMessage {
			c.log.Warn().Msg("text frame rejected")
			c.Close(protocol.CloseMalformed)
			return
		}
		if err := recv(c, msg); err != nil {
			code := protocol.CloseUnexpected
			if errors.Is(err, protocol.ErrMalformed) {
				code = protocol.CloseMalformed
			}
			c.log.Warn().Err(err).Str("code", code).Msg("closing connection")
			c.Close(code)
			return
		}
	}
}

func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}
