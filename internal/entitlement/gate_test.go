package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vidfriends/client/internal/apiclient"
	"github.com/vidfriends/client/internal/apierror"
	"github.com/vidfriends/client/internal/models"
	"github.com/vidfriends/client/internal/tokenstore"
)

type fakeFetcher struct {
	mu    sync.Mutex
	body  string
	err   error
	calls int
}

func (f *fakeFetcher) GetJSON(_ context.Context, path string, out any, _ ...apiclient.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if path != StatusPath {
		return apierror.New(apierror.KindNotFound, path, nil)
	}
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(f.body), out)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// gatedStore blocks the first SaveEntitlement until release is closed.
type gatedStore struct {
	*tokenstore.MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedStore) SaveEntitlement(ctx context.Context, ent models.Entitlement) error {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
	}
	return s.MemoryStore.SaveEntitlement(ctx, ent)
}

func newTestGate(t *testing.T, fetcher Fetcher, store Store, now func() time.Time, freeUploads int) *Gate {
	t.Helper()
	return New(fetcher, store, Options{
		Rules:  DefaultRules(freeUploads),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    now,
	})
}

func TestLazyExpiryWithoutRefresh(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)

	store := tokenstore.NewMemoryStore()
	if err := store.SaveEntitlement(context.Background(), models.Entitlement{Active: true, ExpiresAt: &past}); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	fetcher := &fakeFetcher{}
	gate := newTestGate(t, fetcher, store, func() time.Time { return now }, 0)
	if err := gate.Seed(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if gate.IsAllowed(ActionSendMessage) {
		t.Fatal("expected expired entitlement to deny")
	}
	if gate.Current().Active {
		t.Fatal("expected cached active flipped to false")
	}
	for i := 0; i < 3; i++ {
		if gate.IsAllowed(ActionSendMessage) {
			t.Fatal("expected subsequent checks to stay denied")
		}
	}
	if fetcher.callCount() != 0 {
		t.Fatalf("expected no network calls got %d", fetcher.callCount())
	}

	future := now.Add(time.Hour).Format(time.RFC3339)
	fetcher.body = `{"active":true,"expiresAt":"` + future + `"}`
	if _, err := gate.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !gate.IsAllowed(ActionSendMessage) {
		t.Fatal("expected refresh to restore access")
	}
}

func TestRefreshPersistsSnapshot(t *testing.T) {
	store := tokenstore.NewMemoryStore()
	fetcher := &fakeFetcher{body: `{"active":true,"expiresAt":null}`}
	gate := newTestGate(t, fetcher, store, time.Now, 0)

	ent, err := gate.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !ent.Active || ent.ExpiresAt != nil {
		t.Fatalf("expected open-ended entitlement got %+v", ent)
	}
	stored, err := store.Entitlement(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !stored.Active {
		t.Fatal("expected durable copy to be active")
	}
	if !gate.IsAllowed(ActionSendMessage) {
		t.Fatal("expected open-ended entitlement to allow")
	}
}

func TestRefreshFailureKeepsCache(t *testing.T) {
	fetcher := &fakeFetcher{body: `{"active":true,"expiresAt":null}`}
	gate := newTestGate(t, fetcher, tokenstore.NewMemoryStore(), time.Now, 0)
	if _, err := gate.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	fetcher.err = apierror.New(apierror.KindNetwork, "offline", nil)
	if _, err := gate.Refresh(context.Background()); !errors.Is(err, apierror.ErrNetwork) {
		t.Fatalf("expected network error got %v", err)
	}
	if !gate.Current().Active {
		t.Fatal("expected cached entitlement to survive a failed refresh")
	}
}

func TestFreeQuotaThenSubscription(t *testing.T) {
	gate := newTestGate(t, &fakeFetcher{}, tokenstore.NewMemoryStore(), time.Now, 2)

	for i := 0; i < 2; i++ {
		if err := gate.Check(ActionUploadPhoto); err != nil {
			t.Fatalf("upload %d: expected free quota to allow got %v", i, err)
		}
		gate.RecordUsage(ActionUploadPhoto)
	}

	err := gate.Check(ActionUploadPhoto)
	if !errors.Is(err, ErrSubscriptionRequired) || !errors.Is(err, apierror.ErrForbidden) {
		t.Fatalf("expected subscription required got %v", err)
	}
	if gate.Usage(ActionUploadPhoto) != 2 {
		t.Fatalf("expected usage 2 got %d", gate.Usage(ActionUploadPhoto))
	}
}

func TestUngatedActionAlwaysAllowed(t *testing.T) {
	gate := newTestGate(t, &fakeFetcher{}, tokenstore.NewMemoryStore(), time.Now, 0)
	if !gate.IsAllowed(Action("view_profile")) {
		t.Fatal("expected ungated action to be allowed")
	}
}

func TestInvalidateIfExpiredPersists(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	store := tokenstore.NewMemoryStore()
	_ = store.SaveEntitlement(context.Background(), models.Entitlement{Active: true, ExpiresAt: &past})

	gate := newTestGate(t, &fakeFetcher{}, store, func() time.Time { return now }, 0)
	if err := gate.Seed(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if !gate.InvalidateIfExpired(context.Background()) {
		t.Fatal("expected invalidation")
	}
	if gate.InvalidateIfExpired(context.Background()) {
		t.Fatal("expected second invalidation to be a no-op")
	}
	stored, _ := store.Entitlement(context.Background())
	if stored.Active {
		t.Fatal("expected durable copy flipped")
	}
}

func TestWatchExpiresOnTime(t *testing.T) {
	fetcher := &fakeFetcher{body: `{"active":true,"expiresAt":"` + time.Now().Add(50*time.Millisecond).Format(time.RFC3339Nano) + `"}`}
	gate := newTestGate(t, fetcher, tokenstore.NewMemoryStore(), time.Now, 0)

	expired := make(chan struct{}, 1)
	unsubscribe := gate.OnChange(func(ent models.Entitlement) {
		if !ent.Active {
			select {
			case expired <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gate.Watch(ctx)

	if _, err := gate.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	select {
	case <-expired:
	case <-time.After(2 * time.Second):
		t.Fatal("expected watcher to invalidate at expiry")
	}
	if gate.Current().Active {
		t.Fatal("expected inactive entitlement")
	}
}

func TestResetClearsUsageAndEntitlement(t *testing.T) {
	fetcher := &fakeFetcher{body: `{"active":true,"expiresAt":null}`}
	gate := newTestGate(t, fetcher, tokenstore.NewMemoryStore(), time.Now, 1)
	_, _ = gate.Refresh(context.Background())
	gate.RecordUsage(ActionUploadPhoto)

	gate.Reset()

	if gate.Current().Active || gate.Usage(ActionUploadPhoto) != 0 {
		t.Fatalf("expected reset state got %+v usage %d", gate.Current(), gate.Usage(ActionUploadPhoto))
	}
}

func TestConcurrentInvalidateAndRefreshPersistLatest(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)

	store := &gatedStore{MemoryStore: tokenstore.NewMemoryStore(), entered: make(chan struct{}), release: make(chan struct{})}
	fetcher := &fakeFetcher{body: `{"active":true,"expiresAt":null}`}
	gate := newTestGate(t, fetcher, store, func() time.Time { return now }, 0)
	gate.mu.Lock()
	gate.current = models.Entitlement{Active: true, ExpiresAt: &past}
	gate.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		gate.InvalidateIfExpired(context.Background())
	}()
	<-store.entered

	go func() {
		defer wg.Done()
		if _, err := gate.Refresh(context.Background()); err != nil {
			t.Errorf("refresh: %v", err)
		}
	}()
	deadline := time.Now().Add(time.Second)
	for !gate.Current().Active && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(store.release)
	wg.Wait()

	if !gate.Current().Active {
		t.Fatal("expected refreshed entitlement in memory")
	}
	stored, err := store.Entitlement(context.Background())
	if err != nil {
		t.Fatalf("read stored entitlement: %v", err)
	}
	if !stored.Active {
		t.Fatalf("expected durable copy to match memory got %+v", stored)
	}

	reseeded := newTestGate(t, fetcher, store, func() time.Time { return now }, 0)
	if err := reseeded.Seed(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if !reseeded.IsAllowed(ActionSendMessage) {
		t.Fatal("expected a reseeded gate to start active")
	}
}
