package resilience

import (
	"sync"
	"time"
)

// CircuitState is the backpressure state of a CircuitBreaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // admitting normally
	CircuitHalfOpen                     // testing recovery with limited admission
	CircuitOpen                         // rejecting admission
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

// CircuitBreaker gates auto-resume and new-task admission when the pending
// workload or usage saturation is too high, the same shape the teacher uses
// to gate scheduler submission, with queue depth and worker saturation
// standing in for pending-resume count and capacity-used fraction here.
type CircuitBreaker struct {
	mu sync.RWMutex

	state CircuitState

	queueThreshold      int
	saturationThreshold float64
	cooldownPeriod      time.Duration

	openedAt  time.Time
	testCount int
	testLimit int
}

// NewCircuitBreaker builds a breaker that opens once pending admission
// exceeds queueThreshold, with production defaults for saturation/cooldown.
func NewCircuitBreaker(queueThreshold int) *CircuitBreaker {
	return &CircuitBreaker{
		state:               CircuitClosed,
		queueThreshold:      queueThreshold,
		saturationThreshold: 0.95,
		cooldownPeriod:      30 * time.Second,
		testLimit:           5,
	}
}

// ShouldAdmit reports whether a new admission should be accepted given the
// current pending count and saturation fraction (0..1).
func (cb *CircuitBreaker) ShouldAdmit(pending int, saturation float64) bool {
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
		if pending < cb.queueThreshold/2 && saturation < cb.saturationThreshold {
			cb.state = CircuitClosed
			return true
		}
		return false
	}

	if pending > cb.queueThreshold || saturation > cb.saturationThreshold {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		return false
	}

	return cb.state == CircuitClosed
}

// RecordSuccess notifies the breaker of a successful admission outcome.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen && cb.testCount >= cb.testLimit {
		cb.state = CircuitClosed
	}
}

// RecordFailure notifies the breaker of a failed admission outcome.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		cb.testCount = 0
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}
