package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vidfriends/client/internal/apiclient"
	"github.com/vidfriends/client/internal/apierror"
	"github.com/vidfriends/client/internal/entitlement"
	"github.com/vidfriends/client/internal/models"
	"github.com/vidfriends/client/internal/protocol"
	"github.com/vidfriends/client/internal/ratelimit"
	"github.com/vidfriends/client/internal/retry"
	"github.com/vidfriends/client/internal/tokenstore"
)

type fakeGate struct {
	mu    sync.Mutex
	deny  bool
	usage int
}

func (g *fakeGate) Check(action entitlement.Action) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deny {
		return &apierror.Error{Kind: apierror.KindForbidden, Message: string(action), Err: entitlement.ErrSubscriptionRequired}
	}
	return nil
}

func (g *fakeGate) RecordUsage(entitlement.Action) {
	g.mu.Lock()
	g.usage++
	g.mu.Unlock()
}

type fakeChannel struct {
	mu      sync.Mutex
	ops     []string
	err     error
	handler func(models.Message)
}

func (c *fakeChannel) Send(op string, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, op)
	return c.err
}

func (c *fakeChannel) OnMessage(fn func(models.Message)) func() {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.handler = nil
		c.mu.Unlock()
	}
}

func (c *fakeChannel) echo(msg models.Message) {
	c.mu.Lock()
	fn := c.handler
	c.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (c *fakeChannel) sentOps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

// messageServer stores messages at POST /conversations/{id}/messages.
type messageServer struct {
	mu      sync.Mutex
	status  []int
	keys    []string
	release chan struct{}
}

func (s *messageServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/conversations/"), "/messages")
	if r.Method != http.MethodPost || conversationID == r.URL.Path {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	s.mu.Lock()
	s.keys = append(s.keys, r.Header.Get("Idempotency-Key"))
	status := 0
	if len(s.status) > 0 {
		status = s.status[0]
		s.status = s.status[1:]
	}
	release := s.release
	s.mu.Unlock()

	if release != nil {
		<-release
	}
	if status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"rejected"}`))
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(models.Message{
		ServerID:       "srv-" + req.ClientID,
		ClientID:       req.ClientID,
		ConversationID: conversationID,
		SenderID:       "me",
		ReceiverID:     req.ReceiverID,
		Body:           req.Body,
		CreatedAt:      time.Now().UTC(),
	})
}

func (s *messageServer) idempotencyKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) waitFor(t *testing.T, kind EventKind, clientID string) Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, evt := range r.events {
			if evt.Kind == kind && evt.Message.ClientID == clientID {
				r.mu.Unlock()
				return evt
			}
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s of %s", kind, clientID)
	return Event{}
}

func (r *recorder) count(kind EventKind, clientID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Kind == kind && evt.Message.ClientID == clientID {
			n++
		}
	}
	return n
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(t *testing.T, baseURL string, gate Gate, limiter ratelimit.Limiter) (*Pipeline, *recorder) {
	t.Helper()
	store := tokenstore.NewMemoryStore()
	if err := store.SaveSession(context.Background(), models.Session{AccessToken: "access", RefreshToken: "refresh", UserID: "me"}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	client, err := apiclient.New(apiclient.Config{
		BaseURL: baseURL,
		Timeout: time.Second,
		Retry:   retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Logger:  quietLogger(),
	}, store)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	p := New("me", client, gate, Config{Workers: 1, SendTimeout: time.Second, Limiter: limiter, Logger: quietLogger()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})

	rec := &recorder{}
	p.Subscribe(rec.record)
	return p, rec
}

func TestSendConfirmsWithServerID(t *testing.T) {
	backend := &messageServer{}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	gate := &fakeGate{}
	p, rec := newTestPipeline(t, srv.URL, gate, nil)

	msg, err := p.Send(context.Background(), "c1", "friend", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.DeliveryState != models.DeliveryPending || msg.ClientID == "" {
		t.Fatalf("expected pending message with clientId got %+v", msg)
	}
	rec.waitFor(t, EventInserted, msg.ClientID)
	confirmed := rec.waitFor(t, EventConfirmed, msg.ClientID)

	if confirmed.Message.ServerID != "srv-"+msg.ClientID {
		t.Fatalf("expected server id assigned got %q", confirmed.Message.ServerID)
	}
	visible := p.Messages("c1")
	if len(visible) != 1 || visible[0].DeliveryState != models.DeliveryConfirmed {
		t.Fatalf("expected one confirmed message got %+v", visible)
	}
	if keys := backend.idempotencyKeys(); len(keys) != 1 || keys[0] != msg.ClientID {
		t.Fatalf("expected clientId as idempotency key got %v", keys)
	}
	if gate.usage != 1 {
		t.Fatalf("expected usage recorded once got %d", gate.usage)
	}
}

func TestDuplicateEchoSuppressed(t *testing.T) {
	backend := &messageServer{release: make(chan struct{})}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	p, rec := newTestPipeline(t, srv.URL, &fakeGate{}, nil)
	ch := &fakeChannel{}
	detach := p.Attach(ch)
	defer detach()

	msg, err := p.Send(context.Background(), "c1", "friend", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	echo := msg
	echo.ServerID = "srv-" + msg.ClientID
	ch.echo(echo)

	visible := p.Messages("c1")
	if len(visible) != 1 || visible[0].DeliveryState != models.DeliveryPending {
		t.Fatalf("expected echo not to confirm or duplicate got %+v", visible)
	}

	close(backend.release)
	rec.waitFor(t, EventConfirmed, msg.ClientID)
	ch.echo(echo)

	visible = p.Messages("c1")
	if len(visible) != 1 || visible[0].DeliveryState != models.DeliveryConfirmed {
		t.Fatalf("expected exactly one confirmed message got %+v", visible)
	}
}

func TestRollbackRestoresVisibleList(t *testing.T) {
	backend := &messageServer{status: []int{http.StatusBadRequest}}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	p, rec := newTestPipeline(t, srv.URL, &fakeGate{}, nil)
	p.Receive(models.Message{ClientID: "from-friend", ServerID: "s1", ConversationID: "c1", SenderID: "friend", Body: "hi"})
	before := p.Messages("c1")

	msg, err := p.Send(context.Background(), "c1", "friend", "will fail")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	evt := rec.waitFor(t, EventRolledBack, msg.ClientID)

	if !errors.Is(evt.Err, apierror.ErrInvalid) {
		t.Fatalf("expected invalid error surfaced got %v", evt.Err)
	}
	if evt.Message.DeliveryState != models.DeliveryFailed {
		t.Fatalf("expected failed state got %s", evt.Message.DeliveryState)
	}
	if after := p.Messages("c1"); !reflect.DeepEqual(before, after) {
		t.Fatalf("expected list restored\nbefore %+v\nafter  %+v", before, after)
	}
	if failed := p.Failed(); len(failed) != 1 || failed[0].ClientID != msg.ClientID {
		t.Fatalf("expected message kept for retry got %+v", failed)
	}
}

func TestRetryReusesClientID(t *testing.T) {
	backend := &messageServer{status: []int{http.StatusBadRequest}}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	p, rec := newTestPipeline(t, srv.URL, &fakeGate{}, nil)
	msg, err := p.Send(context.Background(), "c1", "friend", "again")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	rec.waitFor(t, EventRolledBack, msg.ClientID)

	if _, err := p.Retry(context.Background(), msg.ClientID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	rec.waitFor(t, EventConfirmed, msg.ClientID)

	keys := backend.idempotencyKeys()
	if len(keys) != 2 || keys[0] != msg.ClientID || keys[1] != msg.ClientID {
		t.Fatalf("expected both attempts keyed by clientId got %v", keys)
	}
	if len(p.Failed()) != 0 {
		t.Fatal("expected failed set emptied")
	}
	if _, err := p.Retry(context.Background(), msg.ClientID); !errors.Is(err, apierror.ErrNotFound) {
		t.Fatalf("expected not found for confirmed message got %v", err)
	}
}

func TestGateDenialSurfacesImmediately(t *testing.T) {
	backend := &messageServer{}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	p, _ := newTestPipeline(t, srv.URL, &fakeGate{deny: true}, nil)
	_, err := p.Send(context.Background(), "c1", "friend", "blocked")
	if !errors.Is(err, entitlement.ErrSubscriptionRequired) {
		t.Fatalf("expected subscription required got %v", err)
	}
	if len(p.Messages("c1")) != 0 {
		t.Fatal("expected nothing inserted")
	}
	if len(backend.idempotencyKeys()) != 0 {
		t.Fatal("expected no durable write")
	}
}

func TestConversationRateLimit(t *testing.T) {
	srv := httptest.NewServer(&messageServer{})
	defer srv.Close()

	limiter := ratelimit.NewKeyed(1, time.Hour, 1, time.Hour)
	p, _ := newTestPipeline(t, srv.URL, &fakeGate{}, limiter)

	if _, err := p.Send(context.Background(), "c1", "friend", "one"); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if _, err := p.Send(context.Background(), "c1", "friend", "two"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limited got %v", err)
	}
	if _, err := p.Send(context.Background(), "c2", "friend", "other"); err != nil {
		t.Fatalf("expected other conversation unaffected got %v", err)
	}
}

func TestChannelFailureDoesNotRollBack(t *testing.T) {
	srv := httptest.NewServer(&messageServer{})
	defer srv.Close()

	p, rec := newTestPipeline(t, srv.URL, &fakeGate{}, nil)
	ch := &fakeChannel{err: errors.New("socket down")}
	p.Attach(ch)

	msg, err := p.Send(context.Background(), "c1", "friend", "still delivered")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	rec.waitFor(t, EventConfirmed, msg.ClientID)

	deadline := time.Now().Add(time.Second)
	for len(ch.sentOps()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ops := ch.sentOps(); len(ops) != 1 || ops[0] != protocol.OpMessageSend {
		t.Fatalf("expected one advisory send got %v", ops)
	}
}

func TestBothLegsFailingRollsBackOnce(t *testing.T) {
	backend := &messageServer{status: []int{http.StatusBadRequest}}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	p, rec := newTestPipeline(t, srv.URL, &fakeGate{}, nil)
	ch := &fakeChannel{err: errors.New("socket down")}
	p.Attach(ch)

	p.Receive(models.Message{ClientID: "from-friend", ServerID: "s1", ConversationID: "c1", SenderID: "friend", Body: "hi"})
	before := p.Messages("c1")

	msg, err := p.Send(context.Background(), "c1", "friend", "lost twice")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	rec.waitFor(t, EventRolledBack, msg.ClientID)

	deadline := time.Now().Add(time.Second)
	for len(ch.sentOps()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(ch.sentOps()) != 1 {
		t.Fatalf("expected the advisory leg attempted once got %v", ch.sentOps())
	}

	ch.echo(msg)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if got := rec.count(EventRolledBack, msg.ClientID); got != 1 {
		t.Fatalf("expected exactly one rollback got %d", got)
	}
	if got := rec.count(EventConfirmed, msg.ClientID); got != 0 {
		t.Fatalf("expected no confirmation got %d", got)
	}
	if failed := p.Failed(); len(failed) != 1 || failed[0].ClientID != msg.ClientID {
		t.Fatalf("expected one failed message got %+v", failed)
	}
	if after := p.Messages("c1"); !reflect.DeepEqual(before, after) {
		t.Fatalf("expected list restored\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestSendAfterShutdown(t *testing.T) {
	srv := httptest.NewServer(&messageServer{})
	defer srv.Close()

	p, _ := newTestPipeline(t, srv.URL, &fakeGate{}, nil)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := p.Send(context.Background(), "c1", "friend", "late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed got %v", err)
	}
	if len(p.Messages("c1")) != 0 {
		t.Fatal("expected rejected send rolled back")
	}
}
