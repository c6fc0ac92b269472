package tokenstore

import (
	"context"
	"sync"

	"github.com/vidfriends/client/internal/models"
)

// MemoryStore implements Store for tests and ephemeral sessions.
type MemoryStore struct {
	mu          sync.RWMutex
	session     *models.Session
	entitlement *models.Entitlement
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Session returns the stored session.
func (s *MemoryStore) Session(_ context.Context) (models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return models.Session{}, ErrNotFound
	}
	return *s.session, nil
}

// SaveSession replaces the stored session.
func (s *MemoryStore) SaveSession(_ context.Context, session models.Session) error {
	s.mu.Lock()
	s.session = &session
	s.mu.Unlock()
	return nil
}

// Entitlement returns the stored entitlement snapshot.
func (s *MemoryStore) Entitlement(_ context.Context) (models.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.entitlement == nil {
		return models.Entitlement{}, ErrNotFound
	}
	ent := *s.entitlement
	if ent.ExpiresAt != nil {
		at := *ent.ExpiresAt
		ent.ExpiresAt = &at
	}
	return ent, nil
}

// SaveEntitlement replaces the stored entitlement snapshot.
func (s *MemoryStore) SaveEntitlement(_ context.Context, ent models.Entitlement) error {
	if ent.ExpiresAt != nil {
		at := *ent.ExpiresAt
		ent.ExpiresAt = &at
	}
	s.mu.Lock()
	s.entitlement = &ent
	s.mu.Unlock()
	return nil
}

// Clear drops everything.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.session = nil
	s.entitlement = nil
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
