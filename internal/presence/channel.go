// Package presence maintains the long-lived presence/chat connection for a logged-in
// session: it announces the user online, mirrors the server roster, delivers inbound
// chat events in receipt order and reconnects with bounded backoff after a drop.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vidfriends/client/internal/apierror"
	"github.com/vidfriends/client/internal/logging"
	"github.com/vidfriends/client/internal/metrics"
	"github.com/vidfriends/client/internal/models"
	"github.com/vidfriends/client/internal/protocol"
	"github.com/vidfriends/client/internal/retry"
)

const (
	writeWait     = 10 * time.Second
	maxFrameBytes = 64 * 1024
)

// ErrNotConnected is returned by Send while the channel is not Connected.
var ErrNotConnected = errors.New("presence channel not connected")

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

var stateNames = []string{"disconnected", "connecting", "connected", "reconnecting"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// TokenSource supplies the current session credentials.
type TokenSource interface {
	Session(ctx context.Context) (models.Session, error)
}

// Refresher exchanges a rejected access token for a fresh one.
type Refresher interface {
	Refresh(ctx context.Context, stale string) (string, error)
}

// Config controls dialing, heartbeats and reconnection.
type Config struct {
	URL               string
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	Reconnect         retry.Policy
	Dialer            *websocket.Dialer
	Logger            *slog.Logger
	Metrics           *metrics.Collector
}

// Channel is one presence/chat connection per session.
type Channel struct {
	cfg       Config
	tokens    TokenSource
	refresher Refresher
	dialer    *websocket.Dialer
	logger    *slog.Logger
	metrics   *metrics.Collector
	roster    *Roster
	now       func() time.Time

	mu     sync.Mutex
	state  State
	userID string
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	// rosterMu orders roster updates from the read loop against resets on shutdown.
	rosterMu sync.Mutex

	writeMu sync.Mutex
	seq     atomic.Int64

	subsMu      sync.Mutex
	nextSub     int
	rosterSubs  map[int]func(map[string]models.PresenceEntry)
	messageSubs map[int]func(models.Message)
	stateSubs   map[int]func(State)
}

// New constructs a disconnected channel. refresher may be nil, in which case a 401
// handshake is terminal.
func New(cfg Config, tokens TokenSource, refresher Refresher) *Channel {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Reconnect == (retry.Policy{}) {
		cfg.Reconnect = retry.Policy{MaxRetries: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		}
	}

	return &Channel{
		cfg:         cfg,
		tokens:      tokens,
		refresher:   refresher,
		dialer:      dialer,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		roster:      NewRoster(),
		now:         time.Now,
		rosterSubs:  make(map[int]func(map[string]models.PresenceEntry)),
		messageSubs: make(map[int]func(models.Message)),
		stateSubs:   make(map[int]func(State)),
	}
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Roster returns a copy of the current presence roster.
func (c *Channel) Roster() map[string]models.PresenceEntry {
	return c.roster.Snapshot()
}

// Connect opens the channel for session. It blocks for the first attempt only: on
// success the channel is Connected; on a transient failure it returns a channel error
// and keeps reconnecting in the background. A rejected credential is returned as
// Unauthenticated and leaves the channel Disconnected. Connect on a channel that is
// already running is a no-op.
func (c *Channel) Connect(ctx context.Context, session models.Session) error {
	if !session.Valid() {
		return apierror.New(apierror.KindUnauthenticated, "presence channel requires a session", nil)
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	runCtx = logging.WithLogger(runCtx, c.logger.With("userId", session.UserID))
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.userID = session.UserID
	c.state = Connecting
	c.mu.Unlock()
	c.notifyState(Connecting)

	conn, err := c.dial(ctx)
	if err != nil {
		if errors.Is(err, apierror.ErrUnauthenticated) || ctx.Err() != nil {
			c.finish(runCtx)
			close(done)
			return err
		}
		c.logger.Warn("presence connect failed, reconnecting", "error", err)
		go c.run(runCtx, nil, done)
		return &apierror.Error{Kind: apierror.KindChannel, Message: "connect failed, reconnecting in background", Err: err}
	}

	go c.run(runCtx, conn, done)
	return nil
}

func (c *Channel) run(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	c.supervise(ctx, conn)
}

// Disconnect announces the user offline (best-effort) and closes the channel for good.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	running := c.cancel != nil
	done := c.done
	c.mu.Unlock()
	if !running {
		return
	}

	if conn != nil {
		if err := c.write(conn, protocol.OpPresenceOffline, nil); err != nil {
			c.logger.Debug("offline announce not delivered", "error", err)
		}
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	changed := c.state != Disconnected
	c.state = Disconnected
	c.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-time.After(c.cfg.ConnectTimeout):
			c.logger.Warn("presence read loop still running after disconnect")
		}
	}
	c.resetRoster()
	if changed {
		c.notifyState(Disconnected)
	}
	c.logger.Info("presence channel closed")
}

// Send emits an event over the channel, fire-and-forget.
func (c *Channel) Send(op string, payload any) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if conn == nil || state != Connected {
		return &apierror.Error{Kind: apierror.KindChannel, Message: op, Err: ErrNotConnected}
	}
	if err := c.write(conn, op, payload); err != nil {
		return &apierror.Error{Kind: apierror.KindChannel, Message: op, Err: err}
	}
	return nil
}

// OnRosterChange subscribes to roster snapshots. The returned func unsubscribes.
func (c *Channel) OnRosterChange(fn func(map[string]models.PresenceEntry)) func() {
	return c.subscribe(func(id int) { c.rosterSubs[id] = fn }, func(id int) { delete(c.rosterSubs, id) })
}

// OnMessage subscribes to inbound chat messages, delivered in receipt order.
func (c *Channel) OnMessage(fn func(models.Message)) func() {
	return c.subscribe(func(id int) { c.messageSubs[id] = fn }, func(id int) { delete(c.messageSubs, id) })
}

// OnStateChange subscribes to lifecycle transitions.
func (c *Channel) OnStateChange(fn func(State)) func() {
	return c.subscribe(func(id int) { c.stateSubs[id] = fn }, func(id int) { delete(c.stateSubs, id) })
}

func (c *Channel) subscribe(add, remove func(id int)) func() {
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	add(id)
	c.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subsMu.Lock()
			remove(id)
			c.subsMu.Unlock()
		})
	}
}

// supervise serves conn until it drops, then reconnects under the reconnect policy.
// It exits when ctx is canceled or the policy is exhausted.
func (c *Channel) supervise(ctx context.Context, conn *websocket.Conn) {
	logger := logging.FromContext(ctx)
	for {
		if conn != nil {
			err := c.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			logger.Warn("presence channel dropped", "error", err)
		}

		if !c.transition(ctx, Reconnecting) {
			return
		}
		conn = c.reconnect(ctx)
		if conn == nil {
			if ctx.Err() == nil {
				logger.Error("presence reconnect attempts exhausted")
				c.finish(ctx)
			}
			return
		}
	}
}

func (c *Channel) reconnect(ctx context.Context) *websocket.Conn {
	logger := logging.FromContext(ctx)
	state := retry.NewState(c.cfg.Reconnect)
	state.Begin()

	for {
		delay, ok := state.Next()
		if !ok {
			c.metrics.Reconnect("exhausted")
			return nil
		}
		if err := retry.Sleep(ctx, delay); err != nil {
			return nil
		}
		state.Begin()

		conn, err := c.dial(ctx)
		if err == nil {
			c.metrics.Reconnect("ok")
			logger.Info("presence channel reconnected", "attempt", state.Attempt-1)
			return conn
		}
		c.metrics.Reconnect("error")
		if errors.Is(err, apierror.ErrUnauthenticated) {
			logger.Warn("presence reconnect rejected", "error", err)
			return nil
		}
		logger.Warn("presence reconnect failed", "attempt", state.Attempt-1, "nextDelay", state.NextDelay, "error", err)
	}
}

// serve runs one connection until it fails or ctx is canceled.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return ctx.Err()
	}
	c.conn = conn
	c.state = Connected
	c.mu.Unlock()
	c.notifyState(Connected)

	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	spanCtx, span := logging.StartSpan(connCtx, "presence connection")
	c.seq.Store(0)

	if err := c.write(conn, protocol.OpPresenceOnline, nil); err != nil {
		c.detach(conn)
		span.End(err)
		return err
	}
	if err := c.write(conn, protocol.OpRosterRequest, nil); err != nil {
		c.detach(conn)
		span.End(err)
		return err
	}

	go c.heartbeat(spanCtx, conn)

	err := c.readLoop(spanCtx, conn)
	c.detach(conn)
	span.End(err)
	return err
}

func (c *Channel) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	logger := logging.FromContext(ctx)
	conn.SetReadLimit(maxFrameBytes)

	pongWait := 3 * c.cfg.HeartbeatInterval
	extend := func() {
		if pongWait > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		}
	}
	extend()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		extend()

		var evt protocol.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			logger.Warn("discarding malformed frame", "error", err)
			continue
		}
		c.dispatch(ctx, evt)
	}
}

func (c *Channel) dispatch(ctx context.Context, evt protocol.Event) {
	logger := logging.FromContext(ctx)

	switch evt.Op {
	case protocol.OpRoster:
		var data protocol.RosterData
		if err := evt.Decode(&data); err != nil {
			logger.Warn("invalid roster event", "error", err)
			return
		}
		c.updateRoster(ctx, func(r *Roster) bool {
			r.Replace(data.Users)
			return true
		})
	case protocol.OpUserOnline:
		var data protocol.UserData
		if err := evt.Decode(&data); err != nil || data.UserID == "" {
			logger.Warn("invalid user_online event", "error", err)
			return
		}
		at := c.timestamp(data.LastSeenAt)
		c.updateRoster(ctx, func(r *Roster) bool { return r.Join(data.UserID, at) })
	case protocol.OpUserOffline:
		var data protocol.UserData
		if err := evt.Decode(&data); err != nil || data.UserID == "" {
			logger.Warn("invalid user_offline event", "error", err)
			return
		}
		at := c.timestamp(data.LastSeenAt)
		c.updateRoster(ctx, func(r *Roster) bool { return r.Leave(data.UserID, at) })
	case protocol.OpMessageCreate:
		var msg models.Message
		if err := evt.Decode(&msg); err != nil {
			logger.Warn("invalid message event", "error", err)
			return
		}
		if ctx.Err() == nil {
			c.emitMessage(msg)
		}
	case protocol.OpHeartbeatAck:
	default:
		logger.Debug("ignoring unknown event", "op", evt.Op)
	}
}

func (c *Channel) heartbeat(ctx context.Context, conn *websocket.Conn) {
	if c.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(conn, protocol.OpHeartbeat, nil); err != nil {
				return
			}
		}
	}
}

func (c *Channel) write(conn *websocket.Conn, op string, payload any) error {
	evt, err := protocol.NewEvent(op, payload)
	if err != nil {
		return err
	}
	evt.Seq = c.seq.Add(1)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(evt)
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	session, err := c.tokens.Session(ctx)
	if err != nil || session.AccessToken == "" {
		return nil, apierror.New(apierror.KindUnauthenticated, "no stored session", err)
	}

	conn, status, err := c.dialWith(ctx, session)
	if err == nil {
		return conn, nil
	}
	if status != http.StatusUnauthorized {
		return nil, apierror.New(apierror.KindChannel, "dial presence channel", err)
	}
	if c.refresher == nil {
		return nil, apierror.New(apierror.KindUnauthenticated, "presence channel rejected credentials", err)
	}

	fresh, rerr := c.refresher.Refresh(ctx, session.AccessToken)
	if rerr != nil {
		return nil, rerr
	}
	session.AccessToken = fresh

	conn, status, err = c.dialWith(ctx, session)
	if err == nil {
		return conn, nil
	}
	if status == http.StatusUnauthorized {
		return nil, apierror.New(apierror.KindUnauthenticated, "presence channel rejected refreshed credentials", err)
	}
	return nil, apierror.New(apierror.KindChannel, "dial presence channel", err)
}

func (c *Channel) dialWith(ctx context.Context, session models.Session) (*websocket.Conn, int, error) {
	endpoint, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, 0, err
	}
	q := endpoint.Query()
	q.Set("token", session.AccessToken)
	q.Set("userId", session.UserID)
	endpoint.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, endpoint.String(), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		return nil, status, err
	}
	return conn, http.StatusSwitchingProtocols, nil
}

// transition moves to s unless ctx (the run this goroutine belongs to) has been canceled.
func (c *Channel) transition(ctx context.Context, s State) bool {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	c.state = s
	c.mu.Unlock()
	c.notifyState(s)
	return true
}

// finish ends the run owned by ctx and returns the channel to Disconnected.
func (c *Channel) finish(ctx context.Context) {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.conn = nil
	c.state = Disconnected
	c.mu.Unlock()

	c.resetRoster()
	c.notifyState(Disconnected)
}

// updateRoster applies fn unless the run owning ctx has ended, and notifies subscribers
// when fn reports a change.
func (c *Channel) updateRoster(ctx context.Context, fn func(*Roster) bool) {
	c.rosterMu.Lock()
	if ctx.Err() != nil {
		c.rosterMu.Unlock()
		return
	}
	changed := fn(c.roster)
	c.rosterMu.Unlock()

	if changed && ctx.Err() == nil {
		c.emitRoster()
	}
}

func (c *Channel) resetRoster() {
	c.rosterMu.Lock()
	c.roster.Reset()
	c.rosterMu.Unlock()
}

func (c *Channel) timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return c.now()
	}
	return t
}

func (c *Channel) notifyState(s State) {
	c.metrics.ChannelState(s.String(), stateNames)
	c.logger.Debug("presence state changed", "state", s.String())

	c.subsMu.Lock()
	subs := make([]func(State), 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		subs = append(subs, fn)
	}
	c.subsMu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

func (c *Channel) emitRoster() {
	c.subsMu.Lock()
	subs := make([]func(map[string]models.PresenceEntry), 0, len(c.rosterSubs))
	for _, fn := range c.rosterSubs {
		subs = append(subs, fn)
	}
	c.subsMu.Unlock()

	for _, fn := range subs {
		fn(c.roster.Snapshot())
	}
}

func (c *Channel) emitMessage(msg models.Message) {
	c.subsMu.Lock()
	subs := make([]func(models.Message), 0, len(c.messageSubs))
	for _, fn := range c.messageSubs {
		subs = append(subs, fn)
	}
	c.subsMu.Unlock()

	for _, fn := range subs {
		fn(msg)
	}
}
