package ws

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"lockstep.ai/internal/protocol"
)

// Client is a connection to the authority.
type Client struct {
	*Conn
	Welcome protocol.WelcomeMsg
}

// Dial connects to url, sends HELLO and waits for WELCOME.
func Dial(ctx context.Context, url, name string, logger zerolog.Logger) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	hello := protocol.EncodeHello(protocol.HelloMsg{ProtocolVersion: protocol.Version, PlayerName: name})
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.BinaryMessage, hello); err != nil {
		_ = ws.Close()
		return nil, err
	}
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("waiting for welcome: %w", err)
	}
	welcome, err := protocol.DecodeWelcome(msg)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	c := &Client{
		Conn:    newConn(ws, "authority", name, 256, logger.With().Str("component", "ws").Logger()),
		Welcome: welcome,
	}
	go c.writeLoop()
	return c, nil
}

// Run reads until the connection closes, calling recv for every message.
func (c *Client) Run(recv func(msg []byte) error) {
	c.readLoop(func(_ *Conn, msg []byte) error { return recv(msg) })
	c.Close("")
}
