// Package events bridges the durable queue's event bus to WebSocket
// clients. It holds no queue logic of its own — queue.EventBus already
// lives in internal/queue, since the Store that publishes events has to
// depend on the bus directly; this package is only the optional outer
// bridge that subscribes to it.
package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/transcriberd/transcriberd/internal/logging"
	"github.com/transcriberd/transcriberd/internal/queue"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSHub manages connected WebSocket clients and relays queue.Event values
// broadcast from a queue.EventBus subscription. Grounded on the teacher's
// JobWSHub (internal/services/jobmanager/websocket.go), generalized from a
// single job-event model to the queue package's typed Event.
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan queue.Event
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	mu         sync.RWMutex
	logger     *logging.Logger
}

// WSClient represents one connected WebSocket client.
type WSClient struct {
	hub  *WSHub
	conn *websocket.Conn
	send chan []byte
}

// NewWSHub creates a hub. Call Subscribe to start relaying a bus's events.
func NewWSHub(logger *logging.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan queue.Event, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Subscribe relays every event from bus into the hub until ctx is
// cancelled. The bus subscriber channel has no back-reference to the hub,
// per spec.md §9's "cyclic references & listeners" note.
func (h *WSHub) Subscribe(ctx context.Context, bus *queue.EventBus) {
	ch, id := bus.Subscribe(256)
	go func() {
		defer bus.Unsubscribe(id)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				h.Broadcast(evt)
			}
		}
	}()
}

// Run starts the hub's main event loop. Must be called as a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug().Int("clients", len(h.clients)).Msg("events: client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug().Int("clients", len(h.clients)).Msg("events: client disconnected")

		case evt := <-h.broadcast:
			data, err := json.Marshal(evt)
			if err != nil {
				h.logger.Warn().Err(err).Msg("events: failed to marshal event")
				continue
			}

			h.mu.RLock()
			var slow []*WSClient
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()

			if len(slow) > 0 {
				h.mu.Lock()
				for _, c := range slow {
					delete(h.clients, c)
					close(c.send)
				}
				h.mu.Unlock()
			}
		}
	}
}

// Stop signals the hub's event loop to exit.
func (h *WSHub) Stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// Broadcast enqueues evt for delivery to all connected clients.
func (h *WSHub) Broadcast(evt queue.Event) {
	select {
	case h.broadcast <- evt:
	default:
		h.logger.Warn().Msg("events: broadcast channel full, dropping event")
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an HTTP connection to WebSocket and registers the client.
func (h *WSHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("events: websocket upgrade failed")
		return
	}

	client := &WSClient{hub: h, conn: conn, send: make(chan []byte, 256)}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
