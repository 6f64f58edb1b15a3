// Package player streams recorded session events to connected player tools
// over websockets. The feed is best-effort: a consumer that cannot keep up
// is dropped so the relay's forwarding path never blocks on a spectator.
package player

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/rcarmo/rdp-relay/internal/logging"
)

// clientQueueSize bounds the per-consumer backlog before it is dropped.
const clientQueueSize = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		// the feed binds to an operator-controlled address
		return true
	},
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	addr string
}

// Hub fans recorded events out to every connected player.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	log     *logging.Logger
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		log:     logging.With("player"),
	}
}

// Handler upgrades /watch requests and registers the consumer.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("websocket upgrade failed: %v", err)

			return
		}

		c := &client{
			conn: conn,
			send: make(chan []byte, clientQueueSize),
			addr: conn.RemoteAddr().String(),
		}

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			_ = conn.Close()

			return
		}

		h.clients[c] = struct{}{}
		count := len(h.clients)
		h.mu.Unlock()

		h.log.Info("player connected from %s (%d watching)", c.addr, count)

		go h.writeLoop(c)
		go h.readLoop(c)
	})
}

// Broadcast queues one wire-format record for every consumer. Consumers
// with a full queue are dropped. Never blocks.
func (h *Hub) Broadcast(record []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- record:
		default:
			// too far behind; cut it loose
			delete(h.clients, c)
			close(c.send)
			h.log.Warn("dropping slow player %s", c.addr)
		}
	}
}

// Watchers returns the number of connected consumers.
func (h *Hub) Watchers() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients)
}

// Close disconnects every consumer and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.closed = true

	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) writeLoop(c *client) {
	defer func() { _ = c.conn.Close() }()

	for record := range c.send {
		if err := c.conn.WriteMessage(websocket.BinaryMessage, record); err != nil {
			h.remove(c)

			return
		}
	}
}

// readLoop drains control frames and detects disconnects; players never
// send data.
func (h *Hub) readLoop(c *client) {
	c.conn.SetReadLimit(512)

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.remove(c)

			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}
