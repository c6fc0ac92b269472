// Package ratelimit provides token-bucket limiters partitioned by key.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter controls how frequently a caller may perform an action.
type Limiter interface {
	Allow(key string) bool
}

// Keyed tracks one bucket per key (a conversation id, a client IP) and forgets keys
// that have been idle longer than the ttl.
type Keyed struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
}

// NewKeyed allows up to `events` per `window` for every key, with the given burst.
func NewKeyed(events int, window time.Duration, burst int, ttl time.Duration) *Keyed {
	if events <= 0 {
		events = 1
	}
	if window <= 0 {
		window = time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &Keyed{
		buckets: make(map[string]*bucket),
		limit:   rate.Every(window / time.Duration(events)),
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Allow reports whether an event for key may happen now and consumes a token if so.
func (k *Keyed) Allow(key string) bool {
	now := k.now()
	return k.bucket(key, now).limiter.AllowN(now, 1)
}

// Wait blocks until an event for key is permitted or ctx is done.
func (k *Keyed) Wait(ctx context.Context, key string) error {
	return k.bucket(key, k.now()).limiter.Wait(ctx)
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

// WithNowFunc allows tests to override the time source.
func (k *Keyed) WithNowFunc(now func() time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.now = now
}

func (k *Keyed) bucket(key string, now time.Time) *bucket {
	if key == "" {
		key = "unknown"
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	b, ok := k.buckets[key]
	if ok {
		b.lastSeen = now
	} else {
		b = &bucket{limiter: rate.NewLimiter(k.limit, k.burst), lastSeen: now}
		k.buckets[key] = b
	}

	for other, v := range k.buckets {
		if now.Sub(v.lastSeen) > k.ttl {
			delete(k.buckets, other)
		}
	}
	return b
}
