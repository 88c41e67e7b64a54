// Package vnyan sends one-way trigger messages to a VNyan websocket receiver.
package vnyan

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by Send before a successful Connect.
var ErrNotConnected = errors.New("vnyan websocket not connected")

// Client is a fire-and-forget sender. VNyan never replies; inbound frames are
// drained and logged only.
type Client struct {
	URL string

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewClient(url string) *Client {
	return &Client{URL: url}
}

// Connect dials the VNyan receiver. Send reconnects lazily after a failure,
// so a VNyan that isn't running yet is not an error worth failing startup for.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialLocked(ctx)
}

func (c *Client) dialLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return err
	}
	c.conn = conn
	go c.drain(conn)
	slog.Info("vnyan connected", slog.String("url", c.URL))
	return nil
}

func (c *Client) drain(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			return
		}
		slog.Debug("vnyan message", slog.String("msg", string(msg)))
	}
}

// Send delivers one text message, reconnecting first if needed.
func (c *Client) Send(ctx context.Context, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		if err := c.dialLocked(ctx); err != nil {
			return err
		}
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(message)); err != nil {
		_ = c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// Close drops the connection. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
