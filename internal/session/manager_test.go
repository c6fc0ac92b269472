package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/vidfriends/client/internal/apiclient"
	"github.com/vidfriends/client/internal/apierror"
	"github.com/vidfriends/client/internal/app"
	"github.com/vidfriends/client/internal/config"
	"github.com/vidfriends/client/internal/entitlement"
	"github.com/vidfriends/client/internal/models"
	"github.com/vidfriends/client/internal/outbox"
	"github.com/vidfriends/client/internal/presence"
	"github.com/vidfriends/client/internal/repositories"
	"github.com/vidfriends/client/internal/retry"
	"github.com/vidfriends/client/internal/session"
	"github.com/vidfriends/client/internal/tokenstore"
)

func init() {
	repositories.PasswordCost = bcrypt.MinCost
}

type env struct {
	dev     *app.DevServer
	httpURL string
	wsURL   string
}

func newEnv(t *testing.T, freeUploads int) *env {
	t.Helper()
	cfg := config.Default().DevServer
	cfg.FixturesPath = filepath.Join("..", "..", "fixtures", "dev.yaml")
	cfg.FreeUploads = freeUploads

	ds, err := app.NewDevServer(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("new dev server: %v", err)
	}
	srv := httptest.NewServer(ds.Handler)
	t.Cleanup(func() {
		ds.Close()
		srv.Close()
	})
	return &env{dev: ds, httpURL: srv.URL, wsURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memObjects struct{}

func (memObjects) Save(_ context.Context, name string, r io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	return "https://cdn.example.com/" + name, nil
}

func (e *env) manager(t *testing.T, store tokenstore.Store, freeUploads int) *session.Manager {
	t.Helper()
	m, err := session.New(session.Config{
		API: apiclient.Config{
			BaseURL: e.httpURL,
			Retry:   retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		},
		Channel: presence.Config{
			URL:               e.wsURL,
			HeartbeatInterval: time.Second,
			Reconnect:         retry.Policy{MaxRetries: 3, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
		},
		FreeUploads:               freeUploads,
		RefreshEntitlementOnStart: true,
		Storage:                   memObjects{},
		Logger:                    quietLogger(),
	}, store)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type eventLog struct {
	mu     sync.Mutex
	events []outbox.Event
}

func (l *eventLog) add(evt outbox.Event) {
	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()
}

func (l *eventLog) has(kind outbox.EventKind, body string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, evt := range l.events {
		if evt.Kind == kind && evt.Message.Body == body {
			return true
		}
	}
	return false
}

func TestLoginSendAndReceive(t *testing.T) {
	e := newEnv(t, 0)
	alice := e.manager(t, tokenstore.NewMemoryStore(), 0)
	bob := e.manager(t, tokenstore.NewMemoryStore(), 0)
	ctx := context.Background()

	if _, err := alice.Login(ctx, "alice@example.com", "wonderland"); err != nil {
		t.Fatalf("alice login: %v", err)
	}
	if _, err := bob.Login(ctx, "bob@example.com", "builder"); err != nil {
		t.Fatalf("bob login: %v", err)
	}

	waitFor(t, "both channels connected", func() bool {
		return alice.Channel().State() == presence.Connected && bob.Channel().State() == presence.Connected
	})
	waitFor(t, "alice to see bob online", func() bool {
		entry, ok := alice.Channel().Roster()["bob"]
		return ok && entry.Online
	})

	var received eventLog
	unsubscribe := bob.Outbox().Subscribe(received.add)
	defer unsubscribe()

	msg, err := alice.Send(ctx, "alice-bob", "bob", "hi bob")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.DeliveryState != models.DeliveryPending {
		t.Fatalf("expected pending insert got %s", msg.DeliveryState)
	}

	waitFor(t, "alice's message to confirm", func() bool {
		timeline := alice.Outbox().Messages("alice-bob")
		return len(timeline) == 1 && timeline[0].DeliveryState == models.DeliveryConfirmed && timeline[0].ServerID != ""
	})
	waitFor(t, "bob to receive the message", func() bool {
		return received.has(outbox.EventReceived, "hi bob")
	})

	// The advisory relay and the durable echo both reach bob; he sees one message.
	time.Sleep(50 * time.Millisecond)
	if timeline := bob.Outbox().Messages("alice-bob"); len(timeline) != 1 {
		t.Fatalf("expected exactly one message for bob got %+v", timeline)
	}
	if timeline := alice.Outbox().Messages("alice-bob"); len(timeline) != 1 {
		t.Fatalf("expected sender echo to be de-duplicated got %+v", timeline)
	}
}

func TestUnsubscribedUserIsGated(t *testing.T) {
	e := newEnv(t, 1)
	carol := e.manager(t, tokenstore.NewMemoryStore(), 1)
	ctx := context.Background()

	if _, err := carol.Login(ctx, "carol@example.com", "songbird"); err != nil {
		t.Fatalf("login: %v", err)
	}

	if _, err := carol.Send(ctx, "carol-bob", "bob", "hello"); !errors.Is(err, entitlement.ErrSubscriptionRequired) {
		t.Fatalf("expected subscription required got %v", err)
	}
	if timeline := carol.Outbox().Messages("carol-bob"); len(timeline) != 0 {
		t.Fatalf("expected nothing inserted got %+v", timeline)
	}

	photo, err := carol.UploadPhoto(ctx, "cat.png", strings.NewReader("png"))
	if err != nil {
		t.Fatalf("free upload: %v", err)
	}
	if photo.ID == "" || !strings.HasPrefix(photo.URL, "https://cdn.example.com/") {
		t.Fatalf("unexpected photo %+v", photo)
	}

	if _, err := carol.UploadPhoto(ctx, "dog.png", strings.NewReader("png")); !errors.Is(err, apierror.ErrForbidden) {
		t.Fatalf("expected second upload to be forbidden got %v", err)
	}
}

func TestExpiredAccessTokenIsRefreshed(t *testing.T) {
	e := newEnv(t, 0)
	store := tokenstore.NewMemoryStore()
	alice := e.manager(t, store, 0)
	ctx := context.Background()

	if _, err := alice.Login(ctx, "alice@example.com", "wonderland"); err != nil {
		t.Fatalf("login: %v", err)
	}
	before, _ := store.Session(ctx)

	stale := before
	stale.AccessToken = "revoked-access-token"
	if err := store.SaveSession(ctx, stale); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := alice.Gate().Refresh(ctx); err != nil {
		t.Fatalf("expected request to recover through refresh got %v", err)
	}

	after, _ := store.Session(ctx)
	if after.AccessToken == stale.AccessToken || after.RefreshToken == before.RefreshToken {
		t.Fatalf("expected rotated credentials got %+v", after)
	}
	if !alice.Active() {
		t.Fatal("session should stay active after a successful refresh")
	}
}

func TestRejectedRefreshTearsDown(t *testing.T) {
	e := newEnv(t, 0)
	store := tokenstore.NewMemoryStore()
	alice := e.manager(t, store, 0)
	ctx := context.Background()

	if _, err := alice.Login(ctx, "alice@example.com", "wonderland"); err != nil {
		t.Fatalf("login: %v", err)
	}
	waitFor(t, "channel connected", func() bool { return alice.Channel().State() == presence.Connected })

	sess, _ := store.Session(ctx)
	e.dev.Sessions.Revoke(ctx, sess.RefreshToken)
	sess.AccessToken = "revoked-access-token"
	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := alice.Gate().Refresh(ctx); !errors.Is(err, apierror.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated got %v", err)
	}

	waitFor(t, "teardown", func() bool {
		return !alice.Active() && alice.Channel().State() == presence.Disconnected
	})
	if _, err := store.Session(ctx); !errors.Is(err, tokenstore.ErrNotFound) {
		t.Fatalf("expected cleared store got %v", err)
	}
	if _, err := alice.Send(ctx, "c", "bob", "x"); !errors.Is(err, session.ErrNotLoggedIn) {
		t.Fatalf("expected not logged in got %v", err)
	}
}

func TestRestoreAndLogout(t *testing.T) {
	e := newEnv(t, 0)
	store := tokenstore.NewMemoryStore()
	ctx := context.Background()

	first := e.manager(t, store, 0)
	if _, err := first.Restore(ctx); !errors.Is(err, session.ErrNotLoggedIn) {
		t.Fatalf("expected not logged in on empty store got %v", err)
	}
	if _, err := first.Login(ctx, "bob@example.com", "builder"); err != nil {
		t.Fatalf("login: %v", err)
	}

	// A second manager over the same store resumes without credentials.
	second := e.manager(t, store, 0)
	sess, err := second.Restore(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if sess.UserID != "bob" || second.UserID() != "bob" {
		t.Fatalf("expected bob restored got %+v", sess)
	}
	if !second.Gate().IsAllowed(entitlement.ActionSendMessage) {
		t.Fatal("expected restored entitlement to allow sending")
	}

	if err := second.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if second.Active() || second.Outbox() != nil {
		t.Fatal("expected components stopped after logout")
	}
	if second.Channel().State() != presence.Disconnected {
		t.Fatalf("expected channel disconnected got %s", second.Channel().State())
	}
	if second.Gate().IsAllowed(entitlement.ActionSendMessage) {
		t.Fatal("expected entitlement reset after logout")
	}
	if _, err := store.Session(ctx); !errors.Is(err, tokenstore.ErrNotFound) {
		t.Fatalf("expected cleared store got %v", err)
	}
}

func TestLoginWithBadCredentials(t *testing.T) {
	e := newEnv(t, 0)
	m := e.manager(t, tokenstore.NewMemoryStore(), 0)

	if _, err := m.Login(context.Background(), "alice@example.com", "wrong"); !errors.Is(err, apierror.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated got %v", err)
	}
	if m.Active() {
		t.Fatal("failed login must not start a session")
	}
}
