package repositories

import (
	"context"
	"strings"
	"sync"

	"github.com/vidfriends/client/internal/models"
)

// Account is a user together with the bcrypt hash of their password.
type Account struct {
	models.User
	PasswordHash string
}

// UserRepository defines the data access contract for users.
type UserRepository interface {
	Create(ctx context.Context, account Account) error
	FindByEmail(ctx context.Context, email string) (Account, error)
	FindByID(ctx context.Context, id string) (Account, error)
}

// MemoryUserRepository keeps accounts in process memory.
type MemoryUserRepository struct {
	mu      sync.RWMutex
	byID    map[string]Account
	byEmail map[string]string
}

// NewMemoryUserRepository returns an empty repository.
func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{
		byID:    make(map[string]Account),
		byEmail: make(map[string]string),
	}
}

// Create inserts a new account. Emails are unique case-insensitively.
func (r *MemoryUserRepository) Create(_ context.Context, account Account) error {
	email := normalizeEmail(account.Email)
	account.Email = email

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[account.ID]; ok {
		return ErrConflict
	}
	if _, ok := r.byEmail[email]; ok {
		return ErrConflict
	}
	r.byID[account.ID] = account
	r.byEmail[email] = account.ID
	return nil
}

// FindByEmail looks up an account by email.
func (r *MemoryUserRepository) FindByEmail(_ context.Context, email string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[normalizeEmail(email)]
	if !ok {
		return Account{}, ErrNotFound
	}
	return r.byID[id], nil
}

// FindByID looks up an account by id.
func (r *MemoryUserRepository) FindByID(_ context.Context, id string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	account, ok := r.byID[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return account, nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
