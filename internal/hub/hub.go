// Package hub is the dev server's side of the presence/chat channel: it tracks
// connected users, answers roster requests and fans events out to user connections.
package hub

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vidfriends/client/internal/models"
	"github.com/vidfriends/client/internal/protocol"
)

// Publisher is what HTTP handlers need to push events to users.
type Publisher interface {
	BroadcastToUser(userID, op string, payload any)
}

// Hub tracks every live connection keyed by user.
type Hub struct {
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	clients  map[string]map[*Client]bool
	lastSeen map[string]time.Time

	seq atomic.Int64
}

// New constructs an empty hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		clients:  make(map[string]map[*Client]bool),
		lastSeen: make(map[string]time.Time),
	}
}

// register adds a connection. The user's first connection announces them online.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	first := len(h.clients[c.userID]) == 0
	if first {
		h.clients[c.userID] = make(map[*Client]bool)
	}
	h.clients[c.userID][c] = true
	h.mu.Unlock()

	h.logger.Info("client connected", "userId", c.userID)
	if first {
		h.broadcastExcept(c.userID, protocol.OpUserOnline, protocol.UserData{UserID: c.userID})
	}
}

// unregister removes a connection and closes its send queue. The user's last
// connection announces them offline.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok || !clients[c] {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	close(c.send)

	last := len(clients) == 0
	at := h.now()
	if last {
		delete(h.clients, c.userID)
		h.lastSeen[c.userID] = at
	}
	h.mu.Unlock()

	h.logger.Info("client disconnected", "userId", c.userID, "fully", last)
	if last {
		h.broadcastExcept(c.userID, protocol.OpUserOffline, protocol.UserData{UserID: c.userID, LastSeenAt: at})
	}
}

// markOffline handles an explicit presence_offline: the user is reported offline even
// though the socket may linger until the client closes it.
func (h *Hub) markOffline(userID string) {
	at := h.now()
	h.mu.Lock()
	h.lastSeen[userID] = at
	h.mu.Unlock()
	h.broadcastExcept(userID, protocol.OpUserOffline, protocol.UserData{UserID: userID, LastSeenAt: at})
}

// Roster lists every user the hub has seen, online first then by id.
func (h *Hub) Roster() []models.PresenceEntry {
	h.mu.RLock()
	entries := make([]models.PresenceEntry, 0, len(h.clients)+len(h.lastSeen))
	for userID := range h.clients {
		entries = append(entries, models.PresenceEntry{UserID: userID, Online: true, LastSeenAt: h.now()})
	}
	for userID, at := range h.lastSeen {
		if _, online := h.clients[userID]; online {
			continue
		}
		entries = append(entries, models.PresenceEntry{UserID: userID, Online: false, LastSeenAt: at})
	}
	h.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Online != entries[j].Online {
			return entries[i].Online
		}
		return entries[i].UserID < entries[j].UserID
	})
	return entries
}

// Online returns the ids of users with at least one connection.
func (h *Hub) Online() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for userID := range h.clients {
		ids = append(ids, userID)
	}
	sort.Strings(ids)
	return ids
}

// BroadcastToUser sends an event to every connection of userID.
func (h *Hub) BroadcastToUser(userID, op string, payload any) {
	data, ok := h.encode(op, payload)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[userID] {
		h.enqueue(c, data)
	}
}

func (h *Hub) broadcastExcept(excludeUserID, op string, payload any) {
	data, ok := h.encode(op, payload)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for userID, clients := range h.clients {
		if userID == excludeUserID {
			continue
		}
		for c := range clients {
			h.enqueue(c, data)
		}
	}
}

// sendTo writes an event to a single connection.
func (h *Hub) sendTo(c *Client, op string, payload any) {
	data, ok := h.encode(op, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.clients[c.userID][c] {
		h.enqueue(c, data)
	}
}

// enqueue must be called with h.mu held. A client whose buffer is full is dropped.
func (h *Hub) enqueue(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.logger.Warn("dropping slow client", "userId", c.userID)
		go h.unregister(c)
	}
}

func (h *Hub) encode(op string, payload any) ([]byte, bool) {
	evt, err := protocol.NewEvent(op, payload)
	if err != nil {
		h.logger.Error("encode event", "op", op, "error", err)
		return nil, false
	}
	evt.Seq = h.seq.Add(1)
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("marshal event", "op", op, "error", err)
		return nil, false
	}
	return data, true
}

// Shutdown closes every connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	var all []*Client
	for _, clients := range h.clients {
		for c := range clients {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		_ = c.conn.Close()
	}
	h.logger.Info("hub shut down", "connections", len(all))
}
