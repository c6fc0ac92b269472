// Package entitlement caches the user's subscription snapshot and gates actions on it.
package entitlement

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vidfriends/client/internal/apiclient"
	"github.com/vidfriends/client/internal/apierror"
	"github.com/vidfriends/client/internal/metrics"
	"github.com/vidfriends/client/internal/models"
	"github.com/vidfriends/client/internal/tokenstore"
)

// StatusPath is the authoritative entitlement endpoint.
const StatusPath = "/subscription/status"

// Action names a gated operation.
type Action string

const (
	ActionSendMessage Action = "send_message"
	ActionUploadPhoto Action = "upload_photo"
)

// ErrSubscriptionRequired is wrapped in the Forbidden error returned by Check.
var ErrSubscriptionRequired = errors.New("subscription required to continue")

// Rule describes how an action is gated. The first FreeQuota uses are allowed without
// an entitlement; every later use needs one.
type Rule struct {
	FreeQuota int
}

// DefaultRules gates messaging on the subscription and photo uploads beyond freeUploads.
func DefaultRules(freeUploads int) map[Action]Rule {
	return map[Action]Rule{
		ActionSendMessage: {FreeQuota: 0},
		ActionUploadPhoto: {FreeQuota: freeUploads},
	}
}

// Fetcher performs the authenticated status call.
type Fetcher interface {
	GetJSON(ctx context.Context, path string, out any, opts ...apiclient.RequestOption) error
}

// Store persists the entitlement snapshot.
type Store interface {
	Entitlement(ctx context.Context) (models.Entitlement, error)
	SaveEntitlement(ctx context.Context, ent models.Entitlement) error
}

// Options customise a Gate.
type Options struct {
	Rules   map[Action]Rule
	Logger  *slog.Logger
	Metrics *metrics.Collector
	Now     func() time.Time
}

// Gate answers isAllowed synchronously from an in-memory snapshot.
type Gate struct {
	fetcher Fetcher
	store   Store
	rules   map[Action]Rule
	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time

	mu      sync.Mutex
	current models.Entitlement
	usage   map[Action]int

	// persistMu orders durable writes; each write stores the snapshot current at write
	// time, so the last write always matches memory.
	persistMu sync.Mutex

	changed chan struct{}

	subsMu  sync.Mutex
	nextSub int
	subs    map[int]func(models.Entitlement)
}

// New constructs a gate holding an inactive entitlement until Seed or Refresh.
func New(fetcher Fetcher, store Store, opts Options) *Gate {
	if opts.Rules == nil {
		opts.Rules = DefaultRules(0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gate{
		fetcher: fetcher,
		store:   store,
		rules:   opts.Rules,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
		usage:   make(map[Action]int),
		changed: make(chan struct{}, 1),
		subs:    make(map[int]func(models.Entitlement)),
	}
}

// IsAllowed reports whether action may run right now. An entitlement found to be past
// its expiry is flipped to inactive as part of the check; only Refresh can turn it back.
// A true result holds for this call only.
func (g *Gate) IsAllowed(action Action) bool {
	g.mu.Lock()
	flipped := g.invalidateLocked()
	allowed := g.allowedLocked(action)
	snapshot := g.current
	g.mu.Unlock()

	if flipped {
		g.logger.Info("entitlement expired", "action", string(action))
		g.changedTo(snapshot)
	}
	return allowed
}

// Check is IsAllowed expressed as an error: a denial is a Forbidden apierror wrapping
// ErrSubscriptionRequired.
func (g *Gate) Check(action Action) error {
	if g.IsAllowed(action) {
		return nil
	}
	g.metrics.GateDenied(string(action))
	return &apierror.Error{Kind: apierror.KindForbidden, Message: string(action), Err: ErrSubscriptionRequired}
}

type statusResponse struct {
	Active    bool       `json:"active"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// Refresh fetches the authoritative entitlement and replaces the cached and durable
// copies.
func (g *Gate) Refresh(ctx context.Context) (models.Entitlement, error) {
	var resp statusResponse
	if err := g.fetcher.GetJSON(ctx, StatusPath, &resp); err != nil {
		return g.Current(), err
	}

	ent := models.Entitlement{Active: resp.Active, ExpiresAt: resp.ExpiresAt}
	g.mu.Lock()
	g.current = ent
	g.mu.Unlock()

	if err := g.persist(ctx); err != nil {
		g.logger.Warn("persist entitlement", "error", err)
	}
	g.logger.Debug("entitlement refreshed", "active", ent.Active, "expiresAt", ent.ExpiresAt)
	g.changedTo(ent)
	return ent, nil
}

// InvalidateIfExpired flips an expired entitlement to inactive and persists the result.
// It reports whether anything changed.
func (g *Gate) InvalidateIfExpired(ctx context.Context) bool {
	g.mu.Lock()
	flipped := g.invalidateLocked()
	snapshot := g.current
	g.mu.Unlock()
	if !flipped {
		return false
	}

	if err := g.persist(ctx); err != nil {
		g.logger.Warn("persist expired entitlement", "error", err)
	}
	g.logger.Info("entitlement expired")
	g.changedTo(snapshot)
	return true
}

// Seed loads the durable snapshot at startup. A missing snapshot leaves the gate inactive.
func (g *Gate) Seed(ctx context.Context) error {
	ent, err := g.store.Entitlement(ctx)
	if err != nil {
		if errors.Is(err, tokenstore.ErrNotFound) {
			return nil
		}
		return err
	}
	g.mu.Lock()
	g.current = ent
	g.mu.Unlock()
	g.changedTo(ent)
	return nil
}

// Watch invalidates the entitlement exactly at its expiry until ctx is done.
func (g *Gate) Watch(ctx context.Context) {
	for {
		var timer <-chan time.Time
		var t *time.Timer
		if at, ok := g.expiry(); ok {
			t = time.NewTimer(at.Sub(g.now()))
			timer = t.C
		}

		select {
		case <-ctx.Done():
			if t != nil {
				t.Stop()
			}
			return
		case <-g.changed:
		case <-timer:
			g.InvalidateIfExpired(ctx)
		}
		if t != nil {
			t.Stop()
		}
	}
}

// RecordUsage counts one completed use of action against its free quota.
func (g *Gate) RecordUsage(action Action) {
	g.mu.Lock()
	g.usage[action]++
	g.mu.Unlock()
}

// Usage returns how many times action has been recorded.
func (g *Gate) Usage(action Action) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.usage[action]
}

// Current returns the cached entitlement.
func (g *Gate) Current() models.Entitlement {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Reset forgets the entitlement and usage, e.g. after logout.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.current = models.Entitlement{}
	g.usage = make(map[Action]int)
	g.mu.Unlock()
	g.changedTo(models.Entitlement{})
}

// OnChange subscribes to entitlement changes. The returned func unsubscribes.
func (g *Gate) OnChange(fn func(models.Entitlement)) func() {
	g.subsMu.Lock()
	id := g.nextSub
	g.nextSub++
	g.subs[id] = fn
	g.subsMu.Unlock()

	return func() {
		g.subsMu.Lock()
		delete(g.subs, id)
		g.subsMu.Unlock()
	}
}

func (g *Gate) persist(ctx context.Context) error {
	g.persistMu.Lock()
	defer g.persistMu.Unlock()

	g.mu.Lock()
	snapshot := g.current
	g.mu.Unlock()
	return g.store.SaveEntitlement(ctx, snapshot)
}

func (g *Gate) invalidateLocked() bool {
	if !g.current.Active || g.current.ActiveAt(g.now()) {
		return false
	}
	g.current.Active = false
	return true
}

func (g *Gate) allowedLocked(action Action) bool {
	rule, gated := g.rules[action]
	if !gated {
		return true
	}
	if g.usage[action] < rule.FreeQuota {
		return true
	}
	return g.current.Active
}

func (g *Gate) expiry() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.current.Active || g.current.ExpiresAt == nil {
		return time.Time{}, false
	}
	return *g.current.ExpiresAt, true
}

func (g *Gate) changedTo(ent models.Entitlement) {
	select {
	case g.changed <- struct{}{}:
	default:
	}

	g.subsMu.Lock()
	subs := make([]func(models.Entitlement), 0, len(g.subs))
	for _, fn := range g.subs {
		subs = append(subs, fn)
	}
	g.subsMu.Unlock()

	for _, fn := range subs {
		fn(ent)
	}
}
