package core

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the current mode of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrBreakerOpen is returned by Allow while the circuit is open.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerConfig controls when a circuit opens and how it probes recovery.
type BreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the circuit.
	MaxFailures int
	// Cooldown is how long the circuit stays open before a probe is allowed.
	Cooldown time.Duration
}

// DefaultBreakerConfig matches the notifier's delivery characteristics:
// a handful of failures trips the circuit, and probes resume after a minute.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxFailures: 5, Cooldown: time.Minute}
}

// CircuitBreaker guards an unreliable downstream such as a notification
// channel. While open, calls fail fast instead of piling up on a dead
// endpoint.
type CircuitBreaker struct {
	cfg      BreakerConfig
	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker builds a closed breaker. Zero or negative config values
// fall back to defaults.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &CircuitBreaker{cfg: cfg, state: BreakerClosed}
}

// Allow reports whether a call may proceed. In the open state a single
// probe is admitted once the cooldown has elapsed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if time.Since(cb.openedAt) >= cb.cfg.Cooldown {
			cb.state = BreakerHalfOpen
			cb.probing = true
			return nil
		}
		return ErrBreakerOpen
	case BreakerHalfOpen:
		if cb.probing {
			return ErrBreakerOpen
		}
		cb.probing = true
		return nil
	}
	return nil
}

// RecordSuccess closes the circuit after a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failures = 0
	cb.probing = false
}

// RecordFailure counts a failed call and opens the circuit once the
// threshold is reached. A failed half-open probe reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == BreakerHalfOpen || cb.failures >= cb.cfg.MaxFailures {
		cb.state = BreakerOpen
		cb.openedAt = time.Now()
	}
	cb.probing = false
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
