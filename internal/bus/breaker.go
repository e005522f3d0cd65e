package bus

import (
	"sync"
	"time"
)

// CircuitBreaker implements a simple circuit breaker around broker publishes
// to prevent cascading failures when the bus is unreachable.
type CircuitBreaker struct {
	mu              sync.RWMutex
	failures        int
	lastFailure     time.Time
	state           string // "closed", "open", "half-open"
	threshold       int    // failures before opening
	resetTimeout    time.Duration
	halfOpenMaxReqs int // max requests to try in half-open state
	halfOpenReqs    int
}

// NewCircuitBreaker creates a circuit breaker that opens after threshold
// consecutive failures and probes again after resetTimeout.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:       threshold,
		resetTimeout:    resetTimeout,
		state:           "closed",
		halfOpenMaxReqs: 3,
	}
}

// Allow checks if a publish should be attempted.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case "closed":
		return true
	case "open":
		// Check if we should transition to half-open. The transition
		// probe counts against the half-open budget.
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = "half-open"
			cb.halfOpenReqs = 1
			return true
		}
		return false
	case "half-open":
		// Allow limited probes in half-open state
		if cb.halfOpenReqs < cb.halfOpenMaxReqs {
			cb.halfOpenReqs++
			return true
		}
		return false
	}
	return false
}

// RecordSuccess records a successful publish.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == "half-open" {
		// Reset on success in half-open state
		cb.state = "closed"
		cb.failures = 0
	}
}

// RecordFailure records a failed publish.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	if cb.state == "half-open" || cb.failures >= cb.threshold {
		cb.state = "open"
	}
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}
