package presence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vidfriends/client/internal/apierror"
	"github.com/vidfriends/client/internal/models"
	"github.com/vidfriends/client/internal/protocol"
	"github.com/vidfriends/client/internal/retry"
)

type stubTokens struct {
	mu      sync.Mutex
	session models.Session
}

func (s *stubTokens) Session(context.Context) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session.AccessToken == "" {
		return models.Session{}, errors.New("no session")
	}
	return s.session, nil
}

func (s *stubTokens) setAccess(token string) {
	s.mu.Lock()
	s.session.AccessToken = token
	s.mu.Unlock()
}

type stubRefresher struct {
	tokens *stubTokens
	fresh  string
	err    error
	calls  atomic.Int32
}

func (r *stubRefresher) Refresh(context.Context, string) (string, error) {
	r.calls.Add(1)
	if r.err != nil {
		return "", r.err
	}
	r.tokens.setAccess(r.fresh)
	return r.fresh, nil
}

// wsServer upgrades every request unless reject returns a status for that dial.
type wsServer struct {
	upgrader websocket.Upgrader
	reject   func(n int, r *http.Request) int
	handle   func(n int, conn *websocket.Conn)

	mu    sync.Mutex
	dials int
	ops   []string
}

func (s *wsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.dials++
	n := s.dials
	s.mu.Unlock()

	if s.reject != nil {
		if status := s.reject(n, r); status != 0 {
			w.WriteHeader(status)
			return
		}
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	if s.handle != nil {
		s.handle(n, conn)
	}
}

func (s *wsServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *wsServer) seen(op string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, got := range s.ops {
		if got == op {
			return true
		}
	}
	return false
}

// readUntil records client ops and stops after op arrives. It reports false if the
// connection failed first.
func (s *wsServer) readUntil(conn *websocket.Conn, op string) bool {
	for {
		var evt protocol.Event
		if err := conn.ReadJSON(&evt); err != nil {
			return false
		}
		s.mu.Lock()
		s.ops = append(s.ops, evt.Op)
		s.mu.Unlock()
		if evt.Op == op {
			return true
		}
	}
}

func (s *wsServer) drain(conn *websocket.Conn) {
	s.readUntil(conn, "")
}

func push(conn *websocket.Conn, op string, payload any) {
	evt, err := protocol.NewEvent(op, payload)
	if err != nil {
		return
	}
	_ = conn.WriteJSON(evt)
}

func online(ids ...string) protocol.RosterData {
	data := protocol.RosterData{}
	for _, id := range ids {
		data.Users = append(data.Users, models.PresenceEntry{UserID: id, Online: true})
	}
	return data
}

func newTestChannel(t *testing.T, srv *httptest.Server, tokens *stubTokens, refresher Refresher, policy retry.Policy) *Channel {
	t.Helper()
	ch := New(Config{
		URL:               "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		ConnectTimeout:    time.Second,
		HeartbeatInterval: time.Second,
		Reconnect:         policy,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, tokens, refresher)
	t.Cleanup(ch.Disconnect)
	return ch
}

func fastPolicy(retries int) retry.Policy {
	return retry.Policy{MaxRetries: retries, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
}

func testSession() models.Session {
	return models.Session{AccessToken: "access", RefreshToken: "refresh", UserID: "me"}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectAnnouncesAndMirrorsRoster(t *testing.T) {
	backend := &wsServer{}
	backend.handle = func(_ int, conn *websocket.Conn) {
		if !backend.readUntil(conn, protocol.OpRosterRequest) {
			return
		}
		push(conn, protocol.OpRoster, online("u2"))
		push(conn, protocol.OpUserOnline, protocol.UserData{UserID: "u3"})
		for _, body := range []string{"one", "two", "three"} {
			push(conn, protocol.OpMessageCreate, models.Message{ServerID: "s-" + body, Body: body})
		}
		backend.drain(conn)
	}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	tokens := &stubTokens{session: testSession()}
	ch := newTestChannel(t, srv, tokens, nil, fastPolicy(1))

	var mu sync.Mutex
	var bodies []string
	ch.OnMessage(func(m models.Message) {
		mu.Lock()
		bodies = append(bodies, m.Body)
		mu.Unlock()
	})

	if err := ch.Connect(context.Background(), testSession()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if ch.State() != Connected {
		t.Fatalf("expected connected got %s", ch.State())
	}

	waitFor(t, "three messages", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies) == 3
	})
	mu.Lock()
	got := strings.Join(bodies, ",")
	mu.Unlock()
	if got != "one,two,three" {
		t.Fatalf("expected receipt order got %s", got)
	}

	roster := ch.Roster()
	if !roster["u2"].Online || !roster["u3"].Online {
		t.Fatalf("unexpected roster %+v", roster)
	}

	backend.mu.Lock()
	ops := append([]string(nil), backend.ops...)
	backend.mu.Unlock()
	if len(ops) < 2 || ops[0] != protocol.OpPresenceOnline || ops[1] != protocol.OpRosterRequest {
		t.Fatalf("expected online announce then roster request got %v", ops)
	}
}

func TestReconnectRosterMatchesLatestBroadcast(t *testing.T) {
	backend := &wsServer{}
	backend.handle = func(n int, conn *websocket.Conn) {
		if !backend.readUntil(conn, protocol.OpRosterRequest) {
			return
		}
		if n == 1 {
			push(conn, protocol.OpRoster, online("u1", "u2"))
			push(conn, protocol.OpUserOnline, protocol.UserData{UserID: "u3"})
			return
		}
		push(conn, protocol.OpRoster, online("u2", "u4"))
		backend.drain(conn)
	}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	tokens := &stubTokens{session: testSession()}
	ch := newTestChannel(t, srv, tokens, nil, fastPolicy(3))

	var sawReconnecting atomic.Bool
	ch.OnStateChange(func(s State) {
		if s == Reconnecting {
			sawReconnecting.Store(true)
		}
	})

	if err := ch.Connect(context.Background(), testSession()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, "second roster", func() bool {
		roster := ch.Roster()
		_, hasU4 := roster["u4"]
		return hasU4 && ch.State() == Connected
	})

	roster := ch.Roster()
	if len(roster) != 2 || !roster["u2"].Online || !roster["u4"].Online {
		t.Fatalf("expected roster to equal the latest broadcast got %+v", roster)
	}
	if !sawReconnecting.Load() {
		t.Fatal("expected a reconnecting transition")
	}
	if backend.dialCount() != 2 {
		t.Fatalf("expected 2 dials got %d", backend.dialCount())
	}
}

func TestDisconnectAnnouncesOffline(t *testing.T) {
	backend := &wsServer{}
	backend.handle = func(_ int, conn *websocket.Conn) {
		if !backend.readUntil(conn, protocol.OpRosterRequest) {
			return
		}
		push(conn, protocol.OpRoster, online("u2"))
		backend.drain(conn)
	}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	tokens := &stubTokens{session: testSession()}
	ch := newTestChannel(t, srv, tokens, nil, fastPolicy(1))

	if err := ch.Connect(context.Background(), testSession()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "roster", func() bool { return len(ch.Roster()) == 1 })

	ch.Disconnect()

	waitFor(t, "offline announce", func() bool { return backend.seen(protocol.OpPresenceOffline) })
	if ch.State() != Disconnected {
		t.Fatalf("expected disconnected got %s", ch.State())
	}
	if len(ch.Roster()) != 0 {
		t.Fatal("expected roster cleared")
	}
	if err := ch.Send(protocol.OpHeartbeat, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected got %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if backend.dialCount() != 1 {
		t.Fatalf("expected no reconnect after disconnect got %d dials", backend.dialCount())
	}
}

func TestDisconnectDropsInFlightRosterFrames(t *testing.T) {
	backend := &wsServer{}
	backend.handle = func(_ int, conn *websocket.Conn) {
		if !backend.readUntil(conn, protocol.OpRosterRequest) {
			return
		}
		for {
			evt, err := protocol.NewEvent(protocol.OpRoster, online("u2", "u3"))
			if err != nil {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	tokens := &stubTokens{session: testSession()}
	ch := newTestChannel(t, srv, tokens, nil, fastPolicy(1))

	var notified atomic.Int32
	ch.OnRosterChange(func(map[string]models.PresenceEntry) { notified.Add(1) })

	if err := ch.Connect(context.Background(), testSession()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "roster frames", func() bool { return notified.Load() >= 3 })

	ch.Disconnect()
	after := notified.Load()

	time.Sleep(50 * time.Millisecond)
	if got := len(ch.Roster()); got != 0 {
		t.Fatalf("expected empty roster after disconnect got %d entries", got)
	}
	if got := notified.Load(); got != after {
		t.Fatalf("expected no roster notifications after disconnect got %d more", got-after)
	}
}

func TestDispatchIgnoresEventsAfterRunEnds(t *testing.T) {
	ch := New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}, &stubTokens{}, nil)

	var rosterCalls, messageCalls atomic.Int32
	ch.OnRosterChange(func(map[string]models.PresenceEntry) { rosterCalls.Add(1) })
	ch.OnMessage(func(models.Message) { messageCalls.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	roster, err := protocol.NewEvent(protocol.OpRoster, online("u2"))
	if err != nil {
		t.Fatalf("encode roster: %v", err)
	}
	joined, err := protocol.NewEvent(protocol.OpUserOnline, protocol.UserData{UserID: "u3"})
	if err != nil {
		t.Fatalf("encode user_online: %v", err)
	}
	msg, err := protocol.NewEvent(protocol.OpMessageCreate, models.Message{ServerID: "s-1", Body: "late"})
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}
	for _, evt := range []protocol.Event{roster, joined, msg} {
		ch.dispatch(ctx, evt)
	}

	if got := len(ch.Roster()); got != 0 {
		t.Fatalf("expected empty roster got %d entries", got)
	}
	if rosterCalls.Load() != 0 || messageCalls.Load() != 0 {
		t.Fatalf("expected no callbacks got %d roster and %d message", rosterCalls.Load(), messageCalls.Load())
	}

	ch.dispatch(context.Background(), roster)
	if !ch.Roster()["u2"].Online || rosterCalls.Load() != 1 {
		t.Fatalf("expected live dispatch to apply roster got %+v with %d calls", ch.Roster(), rosterCalls.Load())
	}
}

func TestUnauthorizedHandshakeRefreshesOnce(t *testing.T) {
	backend := &wsServer{
		reject: func(_ int, r *http.Request) int {
			if r.URL.Query().Get("token") != "fresh" {
				return http.StatusUnauthorized
			}
			return 0
		},
	}
	backend.handle = func(_ int, conn *websocket.Conn) { backend.drain(conn) }
	srv := httptest.NewServer(backend)
	defer srv.Close()

	tokens := &stubTokens{session: testSession()}
	refresher := &stubRefresher{tokens: tokens, fresh: "fresh"}
	ch := newTestChannel(t, srv, tokens, refresher, fastPolicy(1))

	if err := ch.Connect(context.Background(), testSession()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := refresher.calls.Load(); got != 1 {
		t.Fatalf("expected 1 refresh got %d", got)
	}
	if ch.State() != Connected {
		t.Fatalf("expected connected got %s", ch.State())
	}
}

func TestRejectedRefreshLeavesChannelDisconnected(t *testing.T) {
	backend := &wsServer{reject: func(int, *http.Request) int { return http.StatusUnauthorized }}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	tokens := &stubTokens{session: testSession()}
	refresher := &stubRefresher{tokens: tokens, err: apierror.New(apierror.KindUnauthenticated, "refresh rejected", nil)}
	ch := newTestChannel(t, srv, tokens, refresher, fastPolicy(3))

	err := ch.Connect(context.Background(), testSession())
	if !errors.Is(err, apierror.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated got %v", err)
	}
	if ch.State() != Disconnected {
		t.Fatalf("expected disconnected got %s", ch.State())
	}
	time.Sleep(30 * time.Millisecond)
	if backend.dialCount() != 1 {
		t.Fatalf("expected no background reconnect got %d dials", backend.dialCount())
	}
}

func TestReconnectExhaustionEndsDisconnected(t *testing.T) {
	backend := &wsServer{
		reject: func(n int, _ *http.Request) int {
			if n > 1 {
				return http.StatusServiceUnavailable
			}
			return 0
		},
	}
	backend.handle = func(_ int, conn *websocket.Conn) {
		backend.readUntil(conn, protocol.OpRosterRequest)
	}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	tokens := &stubTokens{session: testSession()}
	ch := newTestChannel(t, srv, tokens, nil, fastPolicy(2))

	if err := ch.Connect(context.Background(), testSession()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "disconnected", func() bool { return backend.dialCount() == 3 && ch.State() == Disconnected })

	time.Sleep(50 * time.Millisecond)
	if backend.dialCount() != 3 {
		t.Fatalf("expected initial dial plus 2 reconnects got %d", backend.dialCount())
	}
}

func TestInitialFailureReconnectsInBackground(t *testing.T) {
	backend := &wsServer{
		reject: func(n int, _ *http.Request) int {
			if n == 1 {
				return http.StatusServiceUnavailable
			}
			return 0
		},
	}
	backend.handle = func(_ int, conn *websocket.Conn) { backend.drain(conn) }
	srv := httptest.NewServer(backend)
	defer srv.Close()

	tokens := &stubTokens{session: testSession()}
	ch := newTestChannel(t, srv, tokens, nil, fastPolicy(3))

	err := ch.Connect(context.Background(), testSession())
	if !errors.Is(err, apierror.ErrChannel) {
		t.Fatalf("expected channel error got %v", err)
	}
	waitFor(t, "background connect", func() bool { return ch.State() == Connected })
}

func TestSendWhileDisconnected(t *testing.T) {
	ch := New(Config{URL: "ws://127.0.0.1:0/ws"}, &stubTokens{}, nil)
	err := ch.Send(protocol.OpMessageSend, map[string]string{"body": "hi"})
	if !errors.Is(err, ErrNotConnected) || !errors.Is(err, apierror.ErrChannel) {
		t.Fatalf("expected not connected channel error got %v", err)
	}
	if err := ch.Connect(context.Background(), models.Session{}); !errors.Is(err, apierror.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated for empty session got %v", err)
	}
}
