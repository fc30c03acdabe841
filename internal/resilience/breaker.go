package resilience

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration
	// SuccessThreshold consecutive half-open successes close the circuit.
	SuccessThreshold int
}

// DefaultBreakerConfig returns the documented defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}
}

// Validate reports configuration errors at construction time.
func (c BreakerConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		return NewError(KindValidation, "breaker failure threshold must be positive", nil)
	}
	if c.RecoveryTimeout <= 0 {
		return NewError(KindValidation, "breaker recovery timeout must be positive", nil)
	}
	if c.SuccessThreshold <= 0 {
		return NewError(KindValidation, "breaker success threshold must be positive", nil)
	}
	return nil
}

// CircuitBreaker trips after repeated upstream failures so a struggling
// remote is not hammered with retries. Safe for concurrent use.
type CircuitBreaker struct {
	mu          sync.Mutex
	cfg         BreakerConfig
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
	now         func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) (*CircuitBreaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}, nil
}

// Allow reports whether a request may proceed, transitioning an open
// circuit to half-open once the recovery timeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if cb.now().Sub(cb.lastFailure) >= cb.cfg.RecoveryTimeout {
			cb.state = BreakerHalfOpen
			cb.successes = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess notes a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.state = BreakerClosed
			cb.failures = 0
		}
	case BreakerClosed:
		cb.failures = 0
	}
}

// RecordFailure notes a failed call, opening the circuit at the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()
	switch cb.state {
	case BreakerHalfOpen:
		cb.state = BreakerOpen
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.state = BreakerOpen
		}
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
