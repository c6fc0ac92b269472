package presence

import (
	"sync"
	"time"

	"github.com/vidfriends/client/internal/models"
)

// Roster maps userId to presence. It is rebuilt on every roster broadcast and patched
// by join/leave events. It is never persisted.
type Roster struct {
	mu      sync.RWMutex
	entries map[string]models.PresenceEntry
}

// NewRoster returns an empty roster.
func NewRoster() *Roster {
	return &Roster{entries: make(map[string]models.PresenceEntry)}
}

// Replace discards the current contents in favour of users.
func (r *Roster) Replace(users []models.PresenceEntry) {
	next := make(map[string]models.PresenceEntry, len(users))
	for _, u := range users {
		if u.UserID == "" {
			continue
		}
		next[u.UserID] = u
	}
	r.mu.Lock()
	r.entries = next
	r.mu.Unlock()
}

// Join marks userID online. It reports false when the user was already online.
func (r *Roster) Join(userID string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[userID]; ok && cur.Online {
		return false
	}
	r.entries[userID] = models.PresenceEntry{UserID: userID, Online: true, LastSeenAt: at}
	return true
}

// Leave marks userID offline, last seen at the given time. It reports false when the
// user was not online.
func (r *Roster) Leave(userID string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[userID]
	if ok && !cur.Online {
		return false
	}
	r.entries[userID] = models.PresenceEntry{UserID: userID, Online: false, LastSeenAt: at}
	return true
}

// Reset empties the roster.
func (r *Roster) Reset() {
	r.mu.Lock()
	r.entries = make(map[string]models.PresenceEntry)
	r.mu.Unlock()
}

// Get returns the entry for userID.
func (r *Roster) Get(userID string) (models.PresenceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[userID]
	return e, ok
}

// Snapshot copies the roster.
func (r *Roster) Snapshot() map[string]models.PresenceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]models.PresenceEntry, len(r.entries))
	for k, v := range r.entries {
		out[k] = v
	}
	return out
}
