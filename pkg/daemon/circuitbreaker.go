package daemon

import (
	"sync"
	"time"
)

// DefaultBreakerThreshold is the number of consecutive failed passes before
// a side is skipped.
const DefaultBreakerThreshold = 5

// DefaultBreakerCooldown is how long a side is skipped before one probe
// pass is allowed.
const DefaultBreakerCooldown = 5 * time.Minute

// CircuitState is the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed lets every pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen skips the side until the cooldown expires.
	CircuitOpen
	// CircuitHalfOpen lets one probe pass through.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards one side of the synchronization so a remote that
// keeps failing does not stall the other side.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	state     CircuitState
	openedAt  time.Time
	now       func() time.Time
}

// NewCircuitBreaker creates a closed breaker. Non-positive values fall back
// to the defaults.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     CircuitClosed,
		now:       time.Now,
	}
}

// Allow reports whether the next pass should run.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.current() != CircuitOpen
}

// RecordSuccess closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failed pass and opens the breaker at the
// threshold. A failed probe reopens it right away.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.threshold {
		cb.state = CircuitOpen
		cb.openedAt = cb.now()
	}
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.current()
}

func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// current moves an open breaker to half-open once the cooldown expired.
// Callers hold mu.
func (cb *CircuitBreaker) current() CircuitState {
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.state = CircuitHalfOpen
	}
	return cb.state
}
