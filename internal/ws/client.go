package ws

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds a single frame write so one stalled subscriber cannot
// block the event fan-out.
const writeWait = 10 * time.Second

// Client wraps one subscriber connection on the event stream.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send writes one text frame. A failed write closes the connection; the hub
// drops the client on the returned error.
func (c *Client) Send(payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}
