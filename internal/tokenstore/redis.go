package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vidfriends/client/internal/models"
)

// RedisStore keeps credentials in Redis under "<namespace>:<key>".
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, namespace string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client, namespace: namespace}, nil
}

func (s *RedisStore) Session(ctx context.Context) (models.Session, error) {
	return loadSession(ctx, s)
}

func (s *RedisStore) SaveSession(ctx context.Context, session models.Session) error {
	return save(ctx, s, sessionKey, session)
}

func (s *RedisStore) Entitlement(ctx context.Context) (models.Entitlement, error) {
	return loadEntitlement(ctx, s)
}

func (s *RedisStore) SaveEntitlement(ctx context.Context, ent models.Entitlement) error {
	return save(ctx, s, entitlementKey, ent)
}

func (s *RedisStore) Clear(ctx context.Context) error {
	return clearAll(ctx, s)
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(name string) string {
	if s.namespace == "" {
		return name
	}
	return s.namespace + ":" + name
}

func (s *RedisStore) get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (s *RedisStore) put(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) del(ctx context.Context, keys ...string) error {
	pipe := s.client.TxPipeline()
	for _, k := range keys {
		pipe.Del(ctx, s.key(k))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}
