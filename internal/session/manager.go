// Package session owns the lifecycle of one logged-in user on this device: it builds the
// transport client, entitlement gate, presence channel, send pipeline and uploader over a
// shared token store, and tears them down together on logout or when the server rejects
// the stored credentials.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/vidfriends/client/internal/apiclient"
	"github.com/vidfriends/client/internal/apierror"
	"github.com/vidfriends/client/internal/entitlement"
	"github.com/vidfriends/client/internal/metrics"
	"github.com/vidfriends/client/internal/models"
	"github.com/vidfriends/client/internal/outbox"
	"github.com/vidfriends/client/internal/presence"
	"github.com/vidfriends/client/internal/ratelimit"
	"github.com/vidfriends/client/internal/storage"
	"github.com/vidfriends/client/internal/tokenstore"
	"github.com/vidfriends/client/internal/uploads"
)

// ErrNotLoggedIn is returned by operations that need an active session.
var ErrNotLoggedIn = errors.New("not logged in")

const teardownTimeout = 5 * time.Second

// Config assembles the per-component settings.
type Config struct {
	API     apiclient.Config
	Channel presence.Config
	Outbox  outbox.Config

	// SendRate messages per SendWindow per conversation. Zero disables the limit.
	SendRate   int
	SendWindow time.Duration

	FreeUploads               int
	RefreshEntitlementOnStart bool
	Storage                   storage.Storage

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Manager is the root object handed to the UI layer.
type Manager struct {
	cfg     Config
	store   tokenstore.Store
	logger  *slog.Logger
	api     *apiclient.Client
	gate    *entitlement.Gate
	channel *presence.Channel
	uploads *uploads.Uploader
	limiter ratelimit.Limiter

	mu     sync.Mutex
	active bool
	userID string
	outbox *outbox.Pipeline
	detach func()
	cancel context.CancelFunc

	unhook func()
}

// New wires the components over store. Nothing touches the network until Restore or Login.
func New(cfg Config, store tokenstore.Store) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session: token store must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	apiCfg := cfg.API
	if apiCfg.Logger == nil {
		apiCfg.Logger = cfg.Logger
	}
	if apiCfg.Metrics == nil {
		apiCfg.Metrics = cfg.Metrics
	}
	api, err := apiclient.New(apiCfg, store)
	if err != nil {
		return nil, err
	}

	gate := entitlement.New(api, store, entitlement.Options{
		Rules:   entitlement.DefaultRules(cfg.FreeUploads),
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})

	chCfg := cfg.Channel
	if chCfg.Logger == nil {
		chCfg.Logger = cfg.Logger
	}
	if chCfg.Metrics == nil {
		chCfg.Metrics = cfg.Metrics
	}

	m := &Manager{
		cfg:     cfg,
		store:   store,
		logger:  cfg.Logger,
		api:     api,
		gate:    gate,
		channel: presence.New(chCfg, store, api),
		uploads: uploads.New(api, gate, cfg.Storage, cfg.Logger),
	}
	if cfg.SendRate > 0 {
		window := cfg.SendWindow
		if window <= 0 {
			window = time.Second
		}
		m.limiter = ratelimit.NewKeyed(cfg.SendRate, window, cfg.SendRate, 10*time.Minute)
	}

	// Hooks run on whichever goroutine discovered the rejection, possibly an outbox
	// worker, so the teardown that waits on those workers runs separately.
	m.unhook = api.OnUnauthenticated(func(cause error) {
		m.logger.Warn("session rejected by server", "error", cause)
		go m.teardown()
	})
	return m, nil
}

// Restore resumes the session persisted in the token store. It returns ErrNotLoggedIn
// when there is none.
func (m *Manager) Restore(ctx context.Context) (models.Session, error) {
	if err := m.gate.Seed(ctx); err != nil {
		m.logger.Warn("seed entitlement", "error", err)
	}

	sess, err := m.store.Session(ctx)
	if err != nil {
		if errors.Is(err, tokenstore.ErrNotFound) {
			return models.Session{}, ErrNotLoggedIn
		}
		return models.Session{}, err
	}
	if !sess.Valid() {
		return models.Session{}, ErrNotLoggedIn
	}

	if err := m.start(ctx, sess); err != nil {
		return models.Session{}, err
	}
	return sess, nil
}

// Login authenticates with the backend, persists the session and starts the components.
func (m *Manager) Login(ctx context.Context, email, password string) (models.User, error) {
	m.teardown()

	user, sess, err := m.api.Login(ctx, email, password)
	if err != nil {
		return models.User{}, err
	}
	if err := m.start(ctx, sess); err != nil {
		return models.User{}, err
	}
	m.logger.Info("logged in", "userId", user.ID)
	return user, nil
}

// Logout stops every component and forgets the stored credentials.
func (m *Manager) Logout(ctx context.Context) error {
	m.teardown()
	if err := m.store.Clear(ctx); err != nil {
		return err
	}
	m.logger.Info("logged out")
	return nil
}

// Close stops every component but keeps the stored session for the next Restore.
func (m *Manager) Close() error {
	m.teardown()
	m.unhook()
	return m.store.Close()
}

func (m *Manager) start(ctx context.Context, sess models.Session) error {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	pipeline := outbox.New(sess.UserID, m.api, m.gate, outbox.Config{
		QueueSize:   m.cfg.Outbox.QueueSize,
		Workers:     m.cfg.Outbox.Workers,
		SendTimeout: m.cfg.Outbox.SendTimeout,
		Limiter:     m.limiter,
		Logger:      m.logger,
		Metrics:     m.cfg.Metrics,
	})
	m.active = true
	m.userID = sess.UserID
	m.outbox = pipeline
	m.detach = pipeline.Attach(m.channel)
	m.cancel = cancel
	m.mu.Unlock()

	go m.gate.Watch(runCtx)

	if m.cfg.RefreshEntitlementOnStart {
		if _, err := m.gate.Refresh(ctx); err != nil {
			if errors.Is(err, apierror.ErrUnauthenticated) {
				m.teardown()
				return err
			}
			m.logger.Warn("entitlement refresh failed, using cached snapshot", "error", err)
		}
	}

	if err := m.channel.Connect(ctx, sess); err != nil {
		if errors.Is(err, apierror.ErrUnauthenticated) {
			m.teardown()
			return err
		}
		m.logger.Warn("presence channel unavailable", "error", err)
	}
	return nil
}

// teardown is idempotent and safe to call from any goroutine.
func (m *Manager) teardown() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	pipeline, detach, cancel := m.outbox, m.detach, m.cancel
	m.active = false
	m.userID = ""
	m.outbox = nil
	m.detach = nil
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	detach()
	m.channel.Disconnect()

	ctx, stop := context.WithTimeout(context.Background(), teardownTimeout)
	defer stop()
	if err := pipeline.Shutdown(ctx); err != nil {
		m.logger.Warn("outbox did not drain", "error", err)
	}
	m.gate.Reset()
}

// Active reports whether a session is running.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// UserID returns the logged-in user, or "".
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// API exposes the transport client.
func (m *Manager) API() *apiclient.Client { return m.api }

// Gate exposes the entitlement gate.
func (m *Manager) Gate() *entitlement.Gate { return m.gate }

// Channel exposes the presence channel.
func (m *Manager) Channel() *presence.Channel { return m.channel }

// Outbox returns the running send pipeline, or nil when logged out.
func (m *Manager) Outbox() *outbox.Pipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outbox
}

// Send queues an optimistic message through the running pipeline.
func (m *Manager) Send(ctx context.Context, conversationID, receiverID, body string) (models.Message, error) {
	pipeline := m.Outbox()
	if pipeline == nil {
		return models.Message{}, ErrNotLoggedIn
	}
	return pipeline.Send(ctx, conversationID, receiverID, body)
}

// UploadPhoto runs the gated upload flow.
func (m *Manager) UploadPhoto(ctx context.Context, name string, r io.Reader) (models.Photo, error) {
	if !m.Active() {
		return models.Photo{}, ErrNotLoggedIn
	}
	return m.uploads.UploadPhoto(ctx, name, r)
}
