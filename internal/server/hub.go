package server

import (
	"context"
	"sync"

	"bridge-controller/internal/logging"

	"github.com/sirupsen/logrus"
)

// Hub manages WebSocket clients.
type Hub struct {
	clients    map[ClientConn]bool
	mu         sync.Mutex
	broadcast  chan Message
	register   chan ClientConn
	unregister chan ClientConn
	log        *logrus.Entry
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[ClientConn]bool),
		broadcast:  make(chan Message, 64),
		register:   make(chan ClientConn),
		unregister: make(chan ClientConn),
		log:        logging.For("hub"),
	}
}

// Run starts the hub's event loop.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Info("WebSocket client connected.")
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.log.Info("WebSocket client disconnected.")
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if err := client.WriteJSON(message); err != nil {
					h.log.WithError(err).Warn("Broadcast failed, dropping client.")
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a message for all connected clients. When the queue is
// full the message is dropped.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warnf("Broadcast queue full, dropping %q.", msg.Type)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(ctx context.Context, c ClientConn) bool {
	select {
	case h.register <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func (h *Hub) remove(ctx context.Context, c ClientConn) {
	select {
	case h.unregister <- c:
	case <-ctx.Done():
		c.Close()
	}
}
