package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/vidfriends/client/internal/apiclient"
	"github.com/vidfriends/client/internal/auth"
	"github.com/vidfriends/client/internal/config"
	"github.com/vidfriends/client/internal/db"
	"github.com/vidfriends/client/internal/handlers"
	"github.com/vidfriends/client/internal/hub"
	"github.com/vidfriends/client/internal/metrics"
	"github.com/vidfriends/client/internal/middleware"
	"github.com/vidfriends/client/internal/outbox"
	"github.com/vidfriends/client/internal/presence"
	"github.com/vidfriends/client/internal/ratelimit"
	"github.com/vidfriends/client/internal/repositories"
	"github.com/vidfriends/client/internal/retry"
	"github.com/vidfriends/client/internal/session"
	"github.com/vidfriends/client/internal/storage"
	"github.com/vidfriends/client/internal/tokenstore"
)

// DevServer is the reference backend: HTTP API, websocket hub and their stores.
type DevServer struct {
	Handler       http.Handler
	Hub           *hub.Hub
	Sessions      *auth.Manager
	Users         *repositories.MemoryUserRepository
	Subscriptions *repositories.MemorySubscriptionRepository

	pool db.Pool
}

// NewDevServer wires the dev server from cfg. Users and subscriptions are seeded from
// cfg.FixturesPath when set; refresh tokens go to PostgreSQL when cfg.DatabaseURL is set.
func NewDevServer(ctx context.Context, cfg config.DevServerConfig, logger *slog.Logger) (*DevServer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ds := &DevServer{
		Users:         repositories.NewMemoryUserRepository(),
		Subscriptions: repositories.NewMemorySubscriptionRepository(),
	}

	var sessionStore auth.SessionStore = auth.NewInMemorySessionStore()
	if cfg.DatabaseURL != "" {
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		store, err := repositories.NewPostgresSessionStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		ds.pool = pool
		sessionStore = store
	}
	ds.Sessions = auth.NewManager(cfg.AccessTTL, cfg.RefreshTTL, cfg.SigningSecret, sessionStore)

	if cfg.FixturesPath != "" {
		fx, err := repositories.LoadFixturesFile(ctx, cfg.FixturesPath, ds.Users, ds.Subscriptions, time.Now().UTC())
		if err != nil {
			ds.Close()
			return nil, err
		}
		logger.Info("fixtures loaded", "path", cfg.FixturesPath, "users", len(fx.Users))
	}

	ds.Hub = hub.New(logger)

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux, handlers.Dependencies{
		Users:         ds.Users,
		Sessions:      ds.Sessions,
		Subscriptions: ds.Subscriptions,
		Messages:      repositories.NewMemoryMessageRepository(),
		Photos:        repositories.NewMemoryPhotoRepository(),
		Publisher:     ds.Hub,
		Channel:       hub.NewHandler(ds.Hub, ds.Sessions),
		Online:        ds.Hub,
		LoginLimiter:  ratelimit.NewKeyed(10, time.Minute, 5, 10*time.Minute),
		FreeUploads:   cfg.FreeUploads,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", handlers.IdempotencyKeyHeader, middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
	})
	ds.Handler = middleware.RequestLogger(logger)(corsHandler.Handler(mux))
	return ds, nil
}

// PurgeSessions drops expired refresh tokens every interval until ctx is done.
func (ds *DevServer) PurgeSessions(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := ds.Sessions.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("purge expired sessions", "error", err)
				continue
			}
			if purged > 0 {
				logger.Info("purged expired sessions", "count", purged)
			}
		}
	}
}

// Close disconnects every websocket client and releases the database pool.
func (ds *DevServer) Close() {
	if ds.Hub != nil {
		ds.Hub.Shutdown()
	}
	if ds.pool != nil {
		ds.pool.Close()
	}
}

// buildClient opens the token store and wires a session manager from cfg.
func buildClient(ctx context.Context, cfg config.Config, logger *slog.Logger, collector *metrics.Collector) (*session.Manager, error) {
	store, err := tokenstore.Open(ctx, cfg.TokenStore, logger)
	if err != nil {
		return nil, fmt.Errorf("open token store: %w", err)
	}

	var objects storage.Storage
	if cfg.ObjectStore.Bucket != "" {
		s3, err := storage.NewS3Storage(ctx, cfg.ObjectStore)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		objects = &storage.Prefixed{Prefix: "photos", Base: s3}
	}

	manager, err := session.New(sessionConfig(cfg, logger, collector, objects), store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return manager, nil
}

func sessionConfig(cfg config.Config, logger *slog.Logger, collector *metrics.Collector, objects storage.Storage) session.Config {
	return session.Config{
		API: apiclient.Config{
			BaseURL: cfg.APIBaseURL,
			Timeout: cfg.HTTPTimeout,
			Retry: retry.Policy{
				MaxRetries: cfg.Retry.MaxRetries,
				BaseDelay:  cfg.Retry.BaseDelay,
				MaxDelay:   cfg.Retry.MaxDelay,
			},
			ExpirySkew:                 5 * time.Second,
			KeepSessionOnRefreshOutage: cfg.Retry.KeepSessionOnRefreshOutage,
		},
		Channel: presence.Config{
			URL:               cfg.ChannelURL,
			ConnectTimeout:    cfg.Channel.ConnectTimeout,
			HeartbeatInterval: cfg.Channel.HeartbeatInterval,
			Reconnect: retry.Policy{
				MaxRetries: cfg.Channel.ReconnectAttempts,
				BaseDelay:  cfg.Channel.ReconnectBaseDelay,
				MaxDelay:   cfg.Channel.ReconnectMaxDelay,
			},
		},
		Outbox: outbox.Config{
			QueueSize:   cfg.Outbox.QueueSize,
			Workers:     cfg.Outbox.Workers,
			SendTimeout: cfg.Outbox.SendTimeout,
		},
		SendRate:                  cfg.Outbox.SendRate,
		SendWindow:                cfg.Outbox.SendWindow,
		FreeUploads:               cfg.Entitlement.FreeUploadQuota,
		RefreshEntitlementOnStart: cfg.Entitlement.RefreshOnStart,
		Storage:                   objects,
		Logger:                    logger,
		Metrics:                   collector,
	}
}
