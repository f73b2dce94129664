package match

import (
	"sync"
	"time"
)

// BreakerState represents the state of a circuit breaker.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	FailureThreshold int           // Consecutive failures that open the breaker
	RecoveryTimeout  time.Duration // Time spent open before a single trial is allowed
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  5 * time.Second,
	}
}

// CircuitBreaker guards one shard.
// CLOSED counts consecutive failures; OPEN rejects until RecoveryTimeout elapses;
// HALF_OPEN lets exactly one trial through and settles on its outcome.
type CircuitBreaker struct {
	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	trial    bool
	config   BreakerConfig
	now      func() time.Time
	onChange func(from, to BreakerState)
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	return &CircuitBreaker{
		state:  BreakerClosed,
		config: config,
		now:    time.Now,
	}
}

// Allow checks if a request can proceed. It returns ErrCircuitOpen when it cannot.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.RecoveryTimeout {
			return ErrCircuitOpen
		}
		cb.setState(BreakerHalfOpen)
		cb.trial = true
		return nil
	default:
		if cb.trial {
			return ErrCircuitOpen
		}
		cb.trial = true
		return nil
	}
}

// RecordSuccess closes the breaker and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.trial = false
	if cb.state != BreakerClosed {
		cb.setState(BreakerClosed)
	}
}

// RecordFailure counts a failure. It reports true when this failure moved the breaker
// from CLOSED to OPEN; a failed half-open trial reopens it without reporting a trip.
func (cb *CircuitBreaker) RecordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.open()
			return true
		}
	case BreakerHalfOpen:
		cb.open()
	case BreakerOpen:
		cb.openedAt = cb.now()
	}
	return false
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.RecordSuccess()
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.now()
	cb.trial = false
	cb.setState(BreakerOpen)
}

func (cb *CircuitBreaker) setState(to BreakerState) {
	from := cb.state
	cb.state = to
	if cb.onChange != nil && from != to {
		cb.onChange(from, to)
	}
}
