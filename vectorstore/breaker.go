package vectorstore

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's current mode.
type BreakerState string

const (
	// BreakerClosed: normal operation, attempts pass through.
	BreakerClosed BreakerState = "closed"

	// BreakerOpen: attempts are rejected until the cooldown elapses.
	BreakerOpen BreakerState = "open"

	// BreakerHalfOpen: exactly one trial attempt is allowed; its outcome
	// decides whether the breaker closes or reopens.
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker gates connection attempts to the vector store so a
// sustained backend outage is not hammered with retries. It is shared
// process-wide by the coordinator, independent of any single workspace.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	cooldown         time.Duration
	now              func() time.Time

	state       BreakerState
	failures    int
	lastFailure time.Time
	nextAttempt time.Time
	trialActive bool
}

// NewCircuitBreaker creates a breaker that opens after failureThreshold
// consecutive failures and allows a single trial after cooldown.
func NewCircuitBreaker(failureThreshold int, cooldown time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		now:              time.Now,
		state:            BreakerClosed,
	}
}

// Allow reports whether an attempt may proceed. When the breaker is open
// and the cooldown has elapsed it transitions to half-open and admits
// exactly one trial; further attempts are rejected until the trial's
// outcome is recorded.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Before(b.nextAttempt) {
			return ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
		b.trialActive = true
		return nil
	case BreakerHalfOpen:
		if b.trialActive {
			return ErrCircuitOpen
		}
		b.trialActive = true
		return nil
	}
	return nil
}

// RecordSuccess marks an attempt as successful. In half-open this closes
// the breaker and resets the failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trialActive = false
	b.state = BreakerClosed
}

// RecordFailure marks an attempt as failed. In half-open this reopens the
// breaker immediately; in closed it opens once the consecutive-failure
// threshold is reached.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()
	b.trialActive = false

	if b.state == BreakerHalfOpen || b.failures >= b.failureThreshold {
		b.state = BreakerOpen
		b.nextAttempt = b.lastFailure.Add(b.cooldown)
	}
}

// State returns the breaker's current mode.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive-failure count.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
