package analyst

import (
	"time"

	sync "github.com/sasha-s/go-deadlock"
)

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// BreakerClosed lets every call through.
	BreakerClosed = BreakerState(iota)
	// BreakerOpen refuses calls until its retry time.
	BreakerOpen
	// BreakerHalfOpen has let a single trial call through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	return map[BreakerState]string{
		BreakerClosed:   "closed",
		BreakerOpen:     "open",
		BreakerHalfOpen: "half-open",
	}[s]
}

// Breaker tracks the health of calls to a single address.
// A failed call opens it for the backoff window.
type Breaker struct {
	mu         sync.Mutex
	window     time.Duration
	now        func() time.Time
	state      BreakerState
	retryAfter time.Time
	failures   int
}

func NewBreaker(window time.Duration, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{window: window, now: now}
}

// Allow reports whether a call may be made now. Once the window of an open
// breaker passed, one trial call is allowed, the others wait for its outcome.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Before(b.retryAfter) {
			return false
		}
		b.state = BreakerHalfOpen
		return true
	}
	return false
}

// Blocked reports whether the breaker is open and its window hasn't passed.
// Unlike Allow, it never changes the state.
func (b *Breaker) Blocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == BreakerOpen && b.now().Before(b.retryAfter)
}

// Success closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.retryAfter = time.Time{}
}

// Failure opens the breaker for the window.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerOpen
	b.failures++
	b.retryAfter = b.now().Add(b.window)
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RetryAfter returns when an open breaker allows a trial call.
func (b *Breaker) RetryAfter() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retryAfter
}

// Failures returns the number of failures since the last success.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
