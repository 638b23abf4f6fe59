package worker

import (
	"sync"
	"time"
)

// CircuitState is a CircuitBreaker's current admission posture.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitHalfOpen                     // testing recovery with limited traffic
	CircuitOpen                         // rejecting new notification batches
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker gives a Loop backpressure protection against a queue that
// keeps growing because every Tick is itself failing (a wedged Store, a
// state method that always panics). Adapted from
// control_plane/scheduler/circuit_breaker.go's admission-control
// CircuitBreaker, generalized from "reject a new task" to "skip the next
// notification batch" and from worker-saturation to notification-queue
// depth, since a worker loop has no pool of concurrent workers to
// saturate — it processes one queue's batch at a time.
type CircuitBreaker struct {
	state CircuitState
	mu    sync.Mutex

	queueThreshold int
	cooldownPeriod time.Duration

	openedAt  time.Time
	testCount int
	testLimit int
}

// NewCircuitBreaker returns a breaker that opens once a queue's depth
// exceeds queueThreshold, with the teacher's production defaults for
// cooldown and half-open test budget.
func NewCircuitBreaker(queueThreshold int) *CircuitBreaker {
	return &CircuitBreaker{
		state:          CircuitClosed,
		queueThreshold: queueThreshold,
		cooldownPeriod: 30 * time.Second,
		testLimit:      5,
	}
}

// ShouldAdmit reports whether the loop should run its next Tick against a
// queue currently at depth queueDepth.
func (cb *CircuitBreaker) ShouldAdmit(queueDepth int) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.openedAt) > cb.cooldownPeriod {
		cb.state = CircuitHalfOpen
		cb.testCount = 0
	}

	if cb.state == CircuitHalfOpen {
		if cb.testCount < cb.testLimit {
			cb.testCount++
			return true
		}
		if queueDepth < cb.queueThreshold/2 {
			cb.state = CircuitClosed
			return true
		}
		return false
	}

	if queueDepth > cb.queueThreshold {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		return false
	}

	return cb.state == CircuitClosed
}

// RecordSuccess notifies the breaker of a Tick that produced no errors.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen && cb.testCount >= cb.testLimit {
		cb.state = CircuitClosed
	}
}

// RecordFailure notifies the breaker of a Tick that produced at least one
// error, re-opening the circuit if it was testing recovery.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		cb.testCount = 0
	}
}

// State reports the breaker's current posture.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
