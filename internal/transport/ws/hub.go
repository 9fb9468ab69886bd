package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 64
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
)

type frame struct {
	kind int
	data []byte
}

// client is one websocket connection. Only its writer goroutine writes to
// conn.
type client struct {
	conn  *websocket.Conn
	codec Codec
	send  chan frame
	done  chan struct{}
	once  sync.Once
}

func newClient(conn *websocket.Conn, codec Codec) *client {
	return &client{
		conn:  conn,
		codec: codec,
		send:  make(chan frame, sendBuffer),
		done:  make(chan struct{}),
	}
}

// enqueue hands v, encoded with codec, to the writer. It never blocks; a
// client whose buffer is full is closed.
func (c *client) enqueue(codec Codec, v any) bool {
	data, err := codec.Marshal(v)
	if err != nil {
		slog.Error("[WS] encode", "codec", codec.Name(), "error", err)
		return true
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame{kind: codec.FrameType(), data: data}:
		return true
	default:
		slog.Warn("[WS] client too slow, dropping", "remote", c.conn.RemoteAddr())
		c.close()
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) writeLoop(timeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(timeout))
			if err := c.conn.WriteMessage(f.kind, f.data); err != nil {
				slog.Debug("[WS] write failed", "remote", c.conn.RemoteAddr(), "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(timeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Debug("[WS] ping failed", "remote", c.conn.RemoteAddr(), "error", err)
				return
			}
		}
	}
}

// Hub fans events out to every connected client.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Emit broadcasts an event to all clients, each in its own codec. Events
// reach every client in Emit order.
func (h *Hub) Emit(name string, args any) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	ev := Event{Event: name, Args: args}
	var failed []*client
	for _, c := range clients {
		if !c.enqueue(c.codec, ev) {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		h.remove(c)
	}
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}
