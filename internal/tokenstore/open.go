package tokenstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vidfriends/client/internal/config"
	"github.com/vidfriends/client/internal/db"
)

// Open builds the store selected by cfg.Driver, wrapped in a warmed Cached store.
func Open(ctx context.Context, cfg config.TokenStoreConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var durable Store
	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		s, err := OpenSQLite(ctx, cfg.Path, cfg.Namespace)
		if err != nil {
			return nil, err
		}
		durable = s
	case "postgres":
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s, err := NewPostgresStore(ctx, pool, cfg.Namespace)
		if err != nil {
			pool.Close()
			return nil, err
		}
		durable = s
	case "redis":
		s, err := NewRedisStore(ctx, cfg.RedisAddr, cfg.Namespace)
		if err != nil {
			return nil, err
		}
		durable = s
	default:
		return nil, fmt.Errorf("token store: unknown driver %q", cfg.Driver)
	}

	cached := NewCached(durable, logger)
	if err := cached.Warm(ctx); err != nil {
		_ = durable.Close()
		return nil, err
	}
	logger.Info("token store ready", "driver", cfg.Driver)
	return cached, nil
}
