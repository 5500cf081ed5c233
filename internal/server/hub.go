package server

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog/log"

	"screenkeep/internal/recording"
)

// client is one connected WebSocket listener.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans controller events out to every connected WebSocket client. It
// implements recording.Notifier.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			log.Debug().Int("clients", h.ClientCount()).Msg("WebSocket: client registered")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			log.Debug().Int("clients", h.ClientCount()).Msg("WebSocket: client unregistered")

		case message := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					// Slow consumer; drop it rather than block the others.
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues an event for broadcast. It never blocks; events are dropped
// when the queue is full.
func (h *Hub) Publish(e recording.Event) {
	message, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Str("type", e.Type).Msg("WebSocket: cannot encode event")
		return
	}
	select {
	case h.broadcast <- message:
	default:
		log.Warn().Str("type", e.Type).Msg("WebSocket: broadcast queue full, event dropped")
	}
}

// serve runs one connection: greeting first, then events until the peer
// goes away.
func (h *Hub) serve(conn *websocket.Conn, greeting []byte) {
	c := &client{conn: conn, send: make(chan []byte, 256)}
	if greeting != nil {
		c.send <- greeting
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	c.readPump(h)
}

// readPump only watches for the peer closing; clients do not send commands.
func (c *client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			log.Debug().Err(err).Msg("WebSocket: read ended")
			return
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			log.Debug().Err(err).Msg("WebSocket: write error")
			return
		}
	}
}
