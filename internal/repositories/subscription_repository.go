package repositories

import (
	"context"
	"sync"

	"github.com/vidfriends/client/internal/models"
)

// SubscriptionRepository reports each user's entitlement.
type SubscriptionRepository interface {
	Status(ctx context.Context, userID string) (models.Entitlement, error)
	Set(ctx context.Context, userID string, ent models.Entitlement) error
}

// MemorySubscriptionRepository keeps entitlements in memory. Unknown users are inactive.
type MemorySubscriptionRepository struct {
	mu   sync.RWMutex
	subs map[string]models.Entitlement
}

// NewMemorySubscriptionRepository returns an empty repository.
func NewMemorySubscriptionRepository() *MemorySubscriptionRepository {
	return &MemorySubscriptionRepository{subs: make(map[string]models.Entitlement)}
}

// Status returns the user's entitlement.
func (r *MemorySubscriptionRepository) Status(_ context.Context, userID string) (models.Entitlement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subs[userID], nil
}

// Set replaces the user's entitlement.
func (r *MemorySubscriptionRepository) Set(_ context.Context, userID string, ent models.Entitlement) error {
	r.mu.Lock()
	r.subs[userID] = ent
	r.mu.Unlock()
	return nil
}
