package ws

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"lockstep.ai/internal/protocol"
)

// Handler is the authority side of the protocol. Every method runs on the
// peer's reader goroutine; implementations hand work to the simulation
// through its main queue.
type Handler interface {
	// Join admits a peer after HELLO. A non-nil error rejects it.
	Join(c *Conn, hello protocol.HelloMsg) (protocol.WelcomeMsg, error)
	Receive(c *Conn, msg []byte) error
	Leave(c *Conn)
}

// ErrRejected may be wrapped by Handler.Join to close with a protocol code.
type ErrRejected struct{ Code string }

func (e *ErrRejected) Error() string { return "rejected: " + e.Code }

type Server struct {
	h   Handler
	log zerolog.Logger

	upgrader websocket.Upgrader
	queue    int

	mu    sync.Mutex
	conns map[string]*Conn
	wg    sync.WaitGroup
}

func NewServer(h Handler, logger zerolog.Logger) *Server {
	return &Server{
		h:     h,
		log:   logger.With().Str("component", "ws").Logger(),
		queue: 256,
		conns: map[string]*Conn{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		c, err := s.handshake(ws)
		if err != nil {
			s.log.Info().Err(err).Str("remote", r.RemoteAddr).Msg("handshake failed")
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.writeLoop()
		}()
		c.readLoop(s.h.Receive)

		s.mu.Lock()
		delete(s.conns, c.ID)
		s.mu.Unlock()
		c.Close("")
		s.h.Leave(c)
		s.log.Info().Str("peer", c.ID).Str("name", c.Name).Msg("peer left")
	}
}

func (s *Server) handshake(ws *websocket.Conn) (*Conn, error) {
	reject := func(code string) {
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), time.Now().Add(time.Second))
	}
	_ = ws.SetReadDeadline(time.Now().Add(writeWait))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	hello, err := protocol.DecodeHello(msg)
	if err != nil {
		reject(protocol.CloseMalformed)
		return nil, err
	}
	if hello.ProtocolVersion != protocol.Version {
		reject(protocol.CloseBadVersion)
		return nil, fmt.Errorf("protocol version %q", hello.ProtocolVersion)
	}
	if hello.PlayerName == "" {
		hello.PlayerName = "peer"
	}

	c := newConn(ws, uuid.NewString(), hello.PlayerName, s.queue, s.log)
	welcome, err := s.h.Join(c, hello)
	if err != nil {
		code := protocol.CloseUnexpected
		var rej *ErrRejected
		if errors.As(err, &rej) {
			code = rej.Code
		}
		reject(code)
		return nil, err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.BinaryMessage, protocol.EncodeWelcome(welcome)); err != nil {
		c.cancel()
		s.h.Leave(c)
		return nil, err
	}

	s.mu.Lock()
	s.conns[c.ID] = c
	s.mu.Unlock()
	s.log.Info().Str("peer", c.ID).Str("name", c.Name).Int32("player", welcome.PlayerID).Msg("peer joined")
	return c, nil
}

func (s *Server) conn(peer string) *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[peer]
}

func (s *Server) SendReliable(peer string, b []byte) error {
	c := s.conn(peer)
	if c == nil {
		return ErrClosed
	}
	return c.SendReliable(b)
}

func (s *Server) SendUnreliable(peer string, b []byte) {
	if c := s.conn(peer); c != nil {
		c.SendUnreliable(b)
	}
}

// Broadcast queues b reliably to every connected peer except skip.
func (s *Server) Broadcast(b []byte, skip string) {
	for _, c := range s.Peers() {
		if c.ID == skip {
			continue
		}
		if err := c.SendReliable(b); err != nil {
			s.log.Debug().Err(err).Str("peer", c.ID).Msg("broadcast skipped")
		}
	}
}

// Peers returns the connected peers ordered by id.
func (s *Server) Peers() []*Conn {
	s.mu.Lock()
	out := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close disconnects every peer with code and waits for their writers.
func (s *Server) Close(code string) {
	for _, c := range s.Peers() {
		c.Close(code)
	}
	s.wg.Wait()
}
