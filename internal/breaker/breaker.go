package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the circuit breaker state
type State string

const (
	// StateClosed allows all requests
	StateClosed State = "closed"
	// StateOpen rejects all requests until the reset timeout elapses
	StateOpen State = "open"
	// StateHalfOpen allows probe requests to test recovery
	StateHalfOpen State = "half_open"
)

// Breaker is a per-endpoint circuit breaker.
// Closed moves to open after failureThreshold consecutive failures;
// open moves to half-open once resetTimeout has elapsed since the last
// failure; half-open moves to closed after requiredSuccesses successes
// and back to open on any failure. The failure counter resets to zero
// only on the transition to closed.
type Breaker struct {
	name              string
	failureThreshold  int
	resetTimeout      time.Duration
	requiredSuccesses int
	logger            *zap.Logger

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	lastNow     func() time.Time
}

// Snapshot is a point-in-time view of breaker state for metrics
type Snapshot struct {
	Name        string
	State       State
	Failures    int
	LastFailure time.Time
}

// New creates a breaker for a named endpoint
func New(name string, failureThreshold int, resetTimeout time.Duration, requiredSuccesses int, logger *zap.Logger) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if requiredSuccesses <= 0 {
		requiredSuccesses = 1
	}
	return &Breaker{
		name:              name,
		failureThreshold:  failureThreshold,
		resetTimeout:      resetTimeout,
		requiredSuccesses: requiredSuccesses,
		logger:            logger,
		state:             StateClosed,
		lastNow:           time.Now,
	}
}

// Allow reports whether a request may proceed. An open breaker whose
// reset timeout has elapsed transitions to half-open and allows a probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.lastNow().Sub(b.lastFailure) >= b.resetTimeout {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	}
	return false
}

// RecordSuccess records a successful request
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.requiredSuccesses {
			b.transition(StateClosed)
		}
	}
}

// RecordFailure records a failed request
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.lastNow()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// State returns the current state, applying the open→half-open timeout
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.lastNow().Sub(b.lastFailure) >= b.resetTimeout {
		b.transition(StateHalfOpen)
	}
	return b.state
}

// Snapshot returns a copy of the breaker's counters for metrics
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:        b.name,
		State:       b.state,
		Failures:    b.failures,
		LastFailure: b.lastFailure,
	}
}

// transition moves to a new state; callers hold b.mu
func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.successes = 0
	if next == StateClosed {
		b.failures = 0
	}
	b.logger.Info("Circuit breaker state change",
		zap.String("endpoint", b.name),
		zap.String("from", string(prev)),
		zap.String("to", string(next)))
}
