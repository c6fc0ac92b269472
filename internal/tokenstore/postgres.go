package tokenstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vidfriends/client/internal/db"
	"github.com/vidfriends/client/internal/models"
)

// PostgresStore persists credentials to PostgreSQL, for shared test rigs and server-side
// bots that run the client core.
type PostgresStore struct {
	pool      db.Pool
	namespace string
}

// NewPostgresStore constructs a store over pool and ensures its table exists.
func NewPostgresStore(ctx context.Context, pool db.Pool, namespace string) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool, namespace: namespace}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS client_credentials (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (namespace, key)
	)`); err != nil {
		return fmt.Errorf("ensure client_credentials table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Session(ctx context.Context) (models.Session, error) {
	return loadSession(ctx, s)
}

func (s *PostgresStore) SaveSession(ctx context.Context, session models.Session) error {
	return save(ctx, s, sessionKey, session)
}

func (s *PostgresStore) Entitlement(ctx context.Context) (models.Entitlement, error) {
	return loadEntitlement(ctx, s)
}

func (s *PostgresStore) SaveEntitlement(ctx context.Context, ent models.Entitlement) error {
	return save(ctx, s, entitlementKey, ent)
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	return clearAll(ctx, s)
}

// Close closes the underlying pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) get(ctx context.Context, key string) ([]byte, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var value []byte
	err = conn.QueryRow(ctx, `
        SELECT value
        FROM client_credentials
        WHERE namespace = $1 AND key = $2
    `, s.namespace, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select %s: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) put(ctx context.Context, key string, value []byte) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO client_credentials (namespace, key, value, updated_at)
        VALUES ($1, $2, $3, NOW())
        ON CONFLICT (namespace, key)
        DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
    `, s.namespace, key, string(value))
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) del(ctx context.Context, keys ...string) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `
        DELETE FROM client_credentials
        WHERE namespace = $1 AND key = ANY($2)
    `, s.namespace, keys); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}
