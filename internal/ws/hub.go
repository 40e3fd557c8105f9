package ws

import (
	"sync"
)

// Hub tracks active clients keyed by user ID.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
	}
}

// Register adds a client for the given user.
func (h *Hub) Register(userID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*Client]struct{})
	}
	h.clients[userID][c] = struct{}{}
}

// Unregister removes a client for the given user.
func (h *Hub) Unregister(userID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.clients[userID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.clients, userID)
		}
	}
}

// Move re-keys a client after it reauthenticated as another user.
func (h *Hub) Move(from, to string, c *Client) {
	if from == to {
		return
	}
	h.Unregister(from, c)
	h.Register(to, c)
}

// Count returns the number of connected clients of userID.
func (h *Hub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Total returns the number of connected clients.
func (h *Hub) Total() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.clients {
		n += len(clients)
	}
	return n
}

// CloseAll disconnects every client, e.g. on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var all []*Client
	for _, clients := range h.clients {
		for c := range clients {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.Close()
	}
}
