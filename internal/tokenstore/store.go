// Package tokenstore persists the session credentials and the entitlement snapshot so
// they survive process restarts. Every write replaces the whole value.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vidfriends/client/internal/models"
)

// ErrNotFound indicates nothing has been stored under the requested key.
var ErrNotFound = errors.New("token store: not found")

const (
	sessionKey     = "session"
	entitlementKey = "entitlement"
)

// Store is the durable key/value holder for credentials and the entitlement snapshot.
type Store interface {
	Session(ctx context.Context) (models.Session, error)
	SaveSession(ctx context.Context, session models.Session) error
	Entitlement(ctx context.Context) (models.Entitlement, error)
	SaveEntitlement(ctx context.Context, ent models.Entitlement) error
	// Clear removes both the session and the entitlement snapshot.
	Clear(ctx context.Context) error
	Close() error
}

// kv is the raw byte interface the durable backends implement.
type kv interface {
	get(ctx context.Context, key string) ([]byte, error)
	put(ctx context.Context, key string, value []byte) error
	del(ctx context.Context, keys ...string) error
}

func loadSession(ctx context.Context, b kv) (models.Session, error) {
	var session models.Session
	if err := load(ctx, b, sessionKey, &session); err != nil {
		return models.Session{}, err
	}
	return session, nil
}

func loadEntitlement(ctx context.Context, b kv) (models.Entitlement, error) {
	var ent models.Entitlement
	if err := load(ctx, b, entitlementKey, &ent); err != nil {
		return models.Entitlement{}, err
	}
	return ent, nil
}

func load(ctx context.Context, b kv, key string, out any) error {
	raw, err := b.get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func save(ctx context.Context, b kv, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return b.put(ctx, key, raw)
}

func clearAll(ctx context.Context, b kv) error {
	return b.del(ctx, sessionKey, entitlementKey)
}
