package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sharme/sharme/internal/logging"
)

// Event is one tick notification pushed to /events subscribers.
type Event struct {
	Type      string    `json:"type"` // push, pull, conversation
	Timestamp time.Time `json:"timestamp"`
	Shards    int       `json:"shards,omitempty"`
	Ops       int       `json:"ops,omitempty"`
	Sessions  int       `json:"sessions,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Hub fans events out to connected websocket clients.
type Hub struct {
	mu        sync.Mutex
	clients   map[*websocket.Conn]bool
	broadcast chan Event
	done      chan struct{}
	closeOnce sync.Once
	log       *logging.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The server is loopback-bound; local dashboards connect from any
	// localhost origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHub creates an event hub.
func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Event, 16),
		done:      make(chan struct{}),
		log:       logging.WithField("component", "events"),
	}
}

// Run delivers broadcast events until Close.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.clients = make(map[*websocket.Conn]bool)
			h.mu.Unlock()
			return
		case event := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(event); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues an event for delivery. Drops the event when the
// queue is full rather than stalling a sync tick.
func (h *Hub) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case h.broadcast <- event:
	default:
		h.log.Debug("event queue full, dropping %s event", event.Type)
	}
}

// Close disconnects all clients and stops Run.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	// Reader loop: we never expect client messages, but reading is how
	// close frames are noticed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.mu.Lock()
				if h.clients[conn] {
					conn.Close()
					delete(h.clients, conn)
				}
				h.mu.Unlock()
				return
			}
		}
	}()
}
