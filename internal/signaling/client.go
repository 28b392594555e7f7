package signaling

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// Timing constants for the ping/pong keep-alive, shaped after the
// retrieved nochat.io signaling service's WritePump/ReadPump pair.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024 * 1024 // generous cap; relay chunks are base64'd
	sendBufferSize = 256
)

// client is the hub's per-connection handle: the raw websocket plus an
// outbound queue so reads and writes never block each other.
type client struct {
	session *Session
	room    *Room
	conn    *websocket.Conn
	send    chan []byte
	logger  *slog.Logger

	closeOnce chan struct{}
}

func newClient(conn *websocket.Conn, room *Room, session *Session) *client {
	c := &client{
		session:   session,
		room:      room,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		logger:    slog.Default().With("component", "signaling-client", "peer", session.PeerID),
		closeOnce: make(chan struct{}),
	}
	session.client = c
	return c
}

// enqueue attempts a non-blocking send; a full queue means the client is
// not draining fast enough and the frame is dropped rather than stalling
// the hub's forwarding goroutine.
func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, dropping frame")
	}
}

// writePump writes queued frames and periodic pings to the connection.
// It owns conn.Close() and exits when send is closed or a write fails.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames off the connection and hands them to handle.
// It exits (and triggers cleanup) on any read error or close.
func (c *client) readPump(handle func(*client, []byte)) {
	defer func() {
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		handle(c, message)
	}
}

func (c *client) close() {
	select {
	case <-c.closeOnce:
	default:
		close(c.closeOnce)
		close(c.send)
	}
}
