package hostpolicy

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is one of Closed, Open, HalfOpen.
type BreakerState int32

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned by Allow when the breaker rejects the call.
var ErrBreakerOpen = errors.New("circuit breaker open")

// Breaker is a per-host three-state circuit breaker. Consecutive failures
// trip it open; after resetAfter the next Allow admits a bounded half-open
// probe. Callers MUST finish every admitted call with exactly one of
// Success, Failure, or Ignore. Ignore releases a half-open slot without
// counting either way, which is how rate-limit responses stay invisible
// to the breaker.
type Breaker struct {
	mu sync.Mutex

	state             BreakerState
	failures          int
	openedAt          time.Time
	halfOpenInFlight  int
	halfOpenSuccesses int

	threshold        int
	resetAfter       time.Duration
	halfOpenMaxCalls int

	// onTransition fires outside the lock is NOT guaranteed; keep it cheap.
	onTransition func(from, to BreakerState)

	now func() time.Time
}

// BreakerCall is an admission ticket for one in-flight call.
type BreakerCall struct {
	b        *Breaker
	halfOpen bool
	done     bool
}

func NewBreaker(threshold int, resetAfter time.Duration, halfOpenMaxCalls int) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	if halfOpenMaxCalls < 1 {
		halfOpenMaxCalls = 1
	}
	return &Breaker{
		threshold:        threshold,
		resetAfter:       resetAfter,
		halfOpenMaxCalls: halfOpenMaxCalls,
		now:              time.Now,
	}
}

// OnTransition registers a state-change hook. Must be set before use.
func (b *Breaker) OnTransition(fn func(from, to BreakerState)) {
	b.onTransition = fn
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onTransition != nil {
		b.onTransition(from, to)
	}
}

// Allow decides whether a call may proceed. On ErrBreakerOpen no ticket is
// issued and nothing needs releasing.
func (b *Breaker) Allow() (*BreakerCall, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return &BreakerCall{b: b}, nil

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetAfter {
			return nil, ErrBreakerOpen
		}
		b.transition(StateHalfOpen)
		b.halfOpenInFlight = 1
		b.halfOpenSuccesses = 0
		return &BreakerCall{b: b, halfOpen: true}, nil

	case StateHalfOpen:
		if b.halfOpenInFlight >= b.halfOpenMaxCalls {
			return nil, ErrBreakerOpen
		}
		b.halfOpenInFlight++
		return &BreakerCall{b: b, halfOpen: true}, nil
	}
	return nil, ErrBreakerOpen
}

// Success records a successful call. Resets the consecutive-failure count;
// in half-open, enough consecutive successes re-close the breaker.
func (c *BreakerCall) Success() {
	if c == nil || c.done {
		return
	}
	c.done = true

	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.halfOpen && b.state == StateHalfOpen {
		b.halfOpenInFlight--
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.halfOpenMaxCalls {
			b.failures = 0
			b.transition(StateClosed)
		}
		return
	}
	b.failures = 0
}

// Failure records a failed call. In half-open the first failure re-opens
// the breaker immediately.
func (c *BreakerCall) Failure() {
	if c == nil || c.done {
		return
	}
	c.done = true

	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.halfOpen && b.state == StateHalfOpen {
		b.halfOpenInFlight = 0
		b.halfOpenSuccesses = 0
		b.openedAt = b.now()
		b.transition(StateOpen)
		return
	}
	if b.state != StateClosed {
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.openedAt = b.now()
		b.transition(StateOpen)
	}
}

// Ignore releases the admission without touching failure counters. Used
// for outcomes that say nothing about host health (429 responses).
func (c *BreakerCall) Ignore() {
	if c == nil || c.done {
		return
	}
	c.done = true

	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.halfOpen && b.state == StateHalfOpen {
		b.halfOpenInFlight--
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) OpenedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedAt
}
