package chat

import "sync"

// Hub indexes live clients by connection and by subscribed room.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client            // connID -> client
	rooms   map[int64]map[string]*Client  // roomID -> (connID -> client)
	subs    map[string]map[int64]struct{} // connID -> rooms
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[int64]map[string]*Client),
		subs:    make(map[string]map[int64]struct{}),
	}
}

func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c.ConnID] = c
	h.mu.Unlock()
}

func (h *Hub) Subscribe(c *Client, roomID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ConnID]; !ok {
		return
	}
	mm := h.rooms[roomID]
	if mm == nil {
		mm = make(map[string]*Client)
		h.rooms[roomID] = mm
	}
	mm[c.ConnID] = c
	rs := h.subs[c.ConnID]
	if rs == nil {
		rs = make(map[int64]struct{})
		h.subs[c.ConnID] = rs
	}
	rs[roomID] = struct{}{}
}

func (h *Hub) Unsubscribe(c *Client, roomID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(c.ConnID, roomID)
}

func (h *Hub) unsubscribeLocked(connID string, roomID int64) {
	if mm := h.rooms[roomID]; mm != nil {
		delete(mm, connID)
		if len(mm) == 0 {
			delete(h.rooms, roomID)
		}
	}
	if rs := h.subs[connID]; rs != nil {
		delete(rs, roomID)
	}
}

// Remove drops the client and all of its subscriptions.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for roomID := range h.subs[c.ConnID] {
		h.unsubscribeLocked(c.ConnID, roomID)
	}
	delete(h.subs, c.ConnID)
	delete(h.clients, c.ConnID)
}

// Subscribers returns a snapshot of clients subscribed to roomID.
func (h *Hub) Subscribers(roomID int64) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	mm := h.rooms[roomID]
	out := make([]*Client, 0, len(mm))
	for _, c := range mm {
		out = append(out, c)
	}
	return out
}

// EvictUser unsubscribes every connection of userID from roomID and returns them.
func (h *Hub) EvictUser(roomID int64, userID string) []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*Client
	for connID, c := range h.rooms[roomID] {
		if c.UserID == userID {
			out = append(out, c)
			h.unsubscribeLocked(connID, roomID)
		}
	}
	return out
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
