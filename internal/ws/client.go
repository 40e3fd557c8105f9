package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"plantchat/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20
	sendBuffer     = 64
)

// Client is one websocket connection. It implements session.Outbox: events
// are queued and written by a single writer goroutine.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	once sync.Once
	done chan struct{}
}

var _ session.Outbox = (*Client)(nil)

func newClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Emit queues ev. A client that cannot keep up is disconnected rather than
// allowed to stall the feed.
func (c *Client) Emit(ev session.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("marshal event", "type", ev.Type, "error", err)
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.logger.Warn("client too slow, disconnecting", "type", ev.Type)
		c.Close()
	}
}

// Close asks the writer to send a close frame and drop the connection. It
// is idempotent.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
