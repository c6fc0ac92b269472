// Package retry implements bounded exponential backoff as an explicit state machine.
package retry

import (
	"context"
	"math"
	"time"
)

// DefaultMaxRetries is the number of retries attempted after the first try.
const DefaultMaxRetries = 2

// Policy bounds a retry sequence.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy returns the ceiling used by the transport client.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   5 * time.Second,
	}
}

// Attempts returns the total number of tries the policy permits.
func (p Policy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return 1 + p.MaxRetries
}

// Delay returns the backoff before the given retry (1-based), doubling from BaseDelay
// and capped at MaxDelay.
func (p Policy) Delay(retry int) time.Duration {
	if retry < 1 || p.BaseDelay <= 0 {
		return 0
	}
	backoff := time.Duration(math.Pow(2, float64(retry-1))) * p.BaseDelay
	if p.MaxDelay > 0 && (backoff > p.MaxDelay || backoff <= 0) {
		backoff = p.MaxDelay
	}
	return backoff
}

// State is the per-request retry bookkeeping. Attempt counts tries already made;
// NextDelay is the wait before the next one.
type State struct {
	Attempt   int
	NextDelay time.Duration

	policy Policy
}

// NewState starts a sequence before the first attempt.
func NewState(p Policy) *State {
	return &State{policy: p}
}

// Begin records that an attempt is starting.
func (s *State) Begin() {
	s.Attempt++
	s.NextDelay = s.policy.Delay(s.Attempt)
}

// Next reports whether another attempt is allowed and the delay to wait before it.
// Once it returns false the sequence is exhausted and the state should be discarded.
func (s *State) Next() (time.Duration, bool) {
	if s.Attempt >= s.policy.Attempts() {
		return 0, false
	}
	if s.Attempt == 0 {
		return 0, true
	}
	return s.NextDelay, true
}

// Exhausted reports whether no attempts remain.
func (s *State) Exhausted() bool {
	return s.Attempt >= s.policy.Attempts()
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
