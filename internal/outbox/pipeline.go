// Package outbox implements optimistic chat sends: messages become visible immediately
// as pending, are confirmed by the durable HTTP write and rolled back if it fails.
package outbox

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vidfriends/client/internal/apiclient"
	"github.com/vidfriends/client/internal/apierror"
	"github.com/vidfriends/client/internal/entitlement"
	"github.com/vidfriends/client/internal/metrics"
	"github.com/vidfriends/client/internal/models"
	"github.com/vidfriends/client/internal/protocol"
	"github.com/vidfriends/client/internal/ratelimit"
)

var (
	// ErrClosed is returned once the pipeline has been shut down.
	ErrClosed = errors.New("outbox closed")
	// ErrRateLimited is wrapped when a conversation exceeds its send rate.
	ErrRateLimited = errors.New("sending too fast")
)

// Poster performs the durable write.
type Poster interface {
	PostJSON(ctx context.Context, path string, in, out any, opts ...apiclient.RequestOption) error
}

// Gate is the entitlement check consulted before every send.
type Gate interface {
	Check(action entitlement.Action) error
	RecordUsage(action entitlement.Action)
}

// Channel is the advisory low-latency leg.
type Channel interface {
	Send(op string, payload any) error
	OnMessage(fn func(models.Message)) func()
}

// EventKind classifies pipeline notifications.
type EventKind string

const (
	EventInserted   EventKind = "inserted"
	EventConfirmed  EventKind = "confirmed"
	EventRolledBack EventKind = "rolled_back"
	EventReceived   EventKind = "received"
)

// Event is published to subscribers on every visible change. Err is set for rollbacks.
type Event struct {
	Kind    EventKind
	Message models.Message
	Err     error
}

// Config sizes the worker pool.
type Config struct {
	QueueSize   int
	Workers     int
	SendTimeout time.Duration
	Limiter     ratelimit.Limiter
	Logger      *slog.Logger
	Metrics     *metrics.Collector
}

type sendRequest struct {
	ClientID   string `json:"clientId"`
	ReceiverID string `json:"receiverId"`
	Body       string `json:"body"`
}

type sendJob struct {
	msg models.Message
}

// Pipeline owns the visible message timelines of one logged-in user.
type Pipeline struct {
	userID  string
	api     Poster
	gate    Gate
	limiter ratelimit.Limiter
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time

	mu        sync.Mutex
	channel   Channel
	timelines map[string][]models.Message
	visible   map[string]string
	failed    map[string]models.Message

	subsMu  sync.Mutex
	nextSub int
	subs    map[int]func(Event)

	jobs   chan sendJob
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New starts the worker pool for userID.
func New(userID string, api Poster, gate Gate, cfg Config) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		userID:    userID,
		api:       api,
		gate:      gate,
		limiter:   cfg.Limiter,
		timeout:   cfg.SendTimeout,
		logger:    cfg.Logger.With("userId", userID),
		metrics:   cfg.Metrics,
		now:       time.Now,
		timelines: make(map[string][]models.Message),
		visible:   make(map[string]string),
		failed:    make(map[string]models.Message),
		subs:      make(map[int]func(Event)),
		jobs:      make(chan sendJob, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}

	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker()
	}
	return p
}

// Send inserts a pending message and schedules its delivery. Gating, validation and
// rate-limit failures are returned immediately and leave nothing visible; delivery
// failures arrive later as an EventRolledBack.
func (p *Pipeline) Send(ctx context.Context, conversationID, receiverID, body string) (models.Message, error) {
	if conversationID == "" || body == "" {
		return models.Message{}, apierror.New(apierror.KindInvalid, "conversation and body are required", nil)
	}
	if err := p.gate.Check(entitlement.ActionSendMessage); err != nil {
		return models.Message{}, err
	}
	if p.limiter != nil && !p.limiter.Allow(conversationID) {
		return models.Message{}, &apierror.Error{Kind: apierror.KindInvalid, Message: conversationID, Err: ErrRateLimited}
	}

	msg := models.Message{
		ClientID:       uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       p.userID,
		ReceiverID:     receiverID,
		Body:           body,
		CreatedAt:      p.now().UTC(),
		DeliveryState:  models.DeliveryPending,
	}
	return msg, p.submit(ctx, msg)
}

// Retry resubmits a rolled-back message under its original clientId, so a write that
// actually landed is replayed rather than duplicated.
func (p *Pipeline) Retry(ctx context.Context, clientID string) (models.Message, error) {
	p.mu.Lock()
	msg, ok := p.failed[clientID]
	p.mu.Unlock()
	if !ok {
		return models.Message{}, apierror.New(apierror.KindNotFound, "no failed message "+clientID, nil)
	}
	if err := p.gate.Check(entitlement.ActionSendMessage); err != nil {
		return models.Message{}, err
	}

	p.mu.Lock()
	delete(p.failed, clientID)
	p.mu.Unlock()

	msg.DeliveryState = models.DeliveryPending
	return msg, p.submit(ctx, msg)
}

func (p *Pipeline) submit(ctx context.Context, msg models.Message) error {
	if !p.insert(msg) {
		return apierror.New(apierror.KindInvalid, "duplicate clientId "+msg.ClientID, nil)
	}
	p.metrics.Outbox(string(models.DeliveryPending))
	p.publish(Event{Kind: EventInserted, Message: msg})

	if err := p.enqueue(ctx, msg); err != nil {
		p.rollback(msg, err)
		return err
	}
	return nil
}

func (p *Pipeline) enqueue(ctx context.Context, msg models.Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrClosed
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrClosed
	case p.jobs <- sendJob{msg: msg}:
		return nil
	}
}

// Receive applies an inbound message from the channel. A clientId already visible is
// ignored; the channel never confirms a pending send.
func (p *Pipeline) Receive(msg models.Message) {
	if msg.ConversationID == "" {
		return
	}
	key := dedupKey(msg)
	if key == "" {
		return
	}

	p.mu.Lock()
	if _, seen := p.visible[key]; seen {
		p.mu.Unlock()
		p.logger.Debug("suppressed duplicate delivery", "clientId", key)
		return
	}
	if _, rolledBack := p.failed[key]; rolledBack {
		p.mu.Unlock()
		return
	}
	msg.DeliveryState = models.DeliveryConfirmed
	p.timelines[msg.ConversationID] = append(p.timelines[msg.ConversationID], msg)
	p.visible[key] = msg.ConversationID
	p.mu.Unlock()

	p.publish(Event{Kind: EventReceived, Message: msg})
}

// Attach wires ch as the advisory send leg and as the source of inbound messages. The
// returned func detaches it.
func (p *Pipeline) Attach(ch Channel) func() {
	p.mu.Lock()
	p.channel = ch
	p.mu.Unlock()

	unsubscribe := ch.OnMessage(p.Receive)
	return func() {
		unsubscribe()
		p.mu.Lock()
		if p.channel == ch {
			p.channel = nil
		}
		p.mu.Unlock()
	}
}

// Messages returns a copy of the visible timeline for a conversation.
func (p *Pipeline) Messages(conversationID string) []models.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Message(nil), p.timelines[conversationID]...)
}

// Failed returns rolled-back messages available for Retry.
func (p *Pipeline) Failed() []models.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Message, 0, len(p.failed))
	for _, msg := range p.failed {
		out = append(out, msg)
	}
	return out
}

// Subscribe registers fn for every pipeline event. The returned func unsubscribes.
func (p *Pipeline) Subscribe(fn func(Event)) func() {
	p.subsMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.subsMu.Unlock()

	return func() {
		p.subsMu.Lock()
		delete(p.subs, id)
		p.subsMu.Unlock()
	}
}

// Shutdown stops accepting sends and waits for in-flight writes to finish.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.once.Do(func() {
		p.cancel()
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		p.drain()
		return nil
	}
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			p.drain()
			return
		case job := <-p.jobs:
			p.deliver(job.msg)
		}
	}
}

// drain rolls back whatever is still queued at shutdown.
func (p *Pipeline) drain() {
	for {
		select {
		case job := <-p.jobs:
			p.rollback(job.msg, ErrClosed)
		default:
			return
		}
	}
}

func (p *Pipeline) deliver(msg models.Message) {
	logger := p.logger.With("clientId", msg.ClientID, "conversationId", msg.ConversationID)

	if err := p.gate.Check(entitlement.ActionSendMessage); err != nil {
		p.rollback(msg, err)
		return
	}

	p.mu.Lock()
	ch := p.channel
	p.mu.Unlock()
	if ch != nil {
		go func() {
			if err := ch.Send(protocol.OpMessageSend, msg); err != nil {
				logger.Debug("advisory send skipped", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	var stored models.Message
	path := "/conversations/" + url.PathEscape(msg.ConversationID) + "/messages"
	req := sendRequest{ClientID: msg.ClientID, ReceiverID: msg.ReceiverID, Body: msg.Body}
	if err := p.api.PostJSON(ctx, path, req, &stored, apiclient.WithIdempotencyKey(msg.ClientID)); err != nil {
		logger.Warn("message delivery failed", "error", err)
		p.rollback(msg, err)
		return
	}

	p.gate.RecordUsage(entitlement.ActionSendMessage)
	p.confirm(msg, stored)
}

func (p *Pipeline) confirm(msg models.Message, stored models.Message) {
	p.mu.Lock()
	timeline := p.timelines[msg.ConversationID]
	idx := indexOf(timeline, msg.ClientID)
	if idx < 0 {
		p.mu.Unlock()
		return
	}
	confirmed := timeline[idx]
	confirmed.ServerID = stored.ServerID
	if !stored.CreatedAt.IsZero() {
		confirmed.CreatedAt = stored.CreatedAt
	}
	confirmed.DeliveryState = models.DeliveryConfirmed
	timeline[idx] = confirmed
	p.mu.Unlock()

	p.metrics.Outbox(string(models.DeliveryConfirmed))
	p.publish(Event{Kind: EventConfirmed, Message: confirmed})
}

// rollback removes msg from its timeline and records it as failed. Rolling back a
// message that is no longer visible does nothing.
func (p *Pipeline) rollback(msg models.Message, cause error) {
	p.mu.Lock()
	if _, ok := p.visible[msg.ClientID]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.visible, msg.ClientID)

	timeline := p.timelines[msg.ConversationID]
	if idx := indexOf(timeline, msg.ClientID); idx >= 0 {
		timeline = append(timeline[:idx:idx], timeline[idx+1:]...)
	}
	if len(timeline) == 0 {
		delete(p.timelines, msg.ConversationID)
	} else {
		p.timelines[msg.ConversationID] = timeline
	}

	msg.DeliveryState = models.DeliveryFailed
	p.failed[msg.ClientID] = msg
	p.mu.Unlock()

	p.metrics.Outbox(string(models.DeliveryFailed))
	p.publish(Event{Kind: EventRolledBack, Message: msg, Err: cause})
}

func (p *Pipeline) insert(msg models.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.visible[msg.ClientID]; ok {
		return false
	}
	p.timelines[msg.ConversationID] = append(p.timelines[msg.ConversationID], msg)
	p.visible[msg.ClientID] = msg.ConversationID
	return true
}

func (p *Pipeline) publish(evt Event) {
	p.subsMu.Lock()
	subs := make([]func(Event), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.subsMu.Unlock()

	for _, fn := range subs {
		fn(evt)
	}
}

func indexOf(timeline []models.Message, clientID string) int {
	for i, m := range timeline {
		if m.ClientID == clientID {
			return i
		}
	}
	return -1
}

func dedupKey(msg models.Message) string {
	if msg.ClientID != "" {
		return msg.ClientID
	}
	return msg.ServerID
}
