// Package health implements active probing, passive outcome accounting,
// the four-state health model, and the three-state circuit breaker that
// composes with it.
package health

import (
	"sync"
	"time"

	"github.com/stacklok-labs/mcpgatewayd/internal/mcptypes"
)

// CircuitBreakerConfig parameterizes one backend's breaker.
type CircuitBreakerConfig struct {
	FailureThreshold   int
	ErrorRateThreshold float64
	RecoveryTimeout    time.Duration
	HalfOpenLimit      int
	SuccessThreshold   int
	BackoffMultiplier  float64
	MaxBackoff         time.Duration
}

// DefaultCircuitBreakerConfig returns the documented defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:   5,
		ErrorRateThreshold: 0.50,
		RecoveryTimeout:    30 * time.Second,
		HalfOpenLimit:      3,
		SuccessThreshold:   3,
		BackoffMultiplier:  2.0,
		MaxBackoff:         5 * time.Minute,
	}
}

// CircuitBreaker is an independent, per-backend three-state breaker. Its
// mutex is the single writer for this backend's circuit state; the request
// path only ever calls CanAttempt/RecordSuccess/RecordFailure.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu              sync.Mutex
	phase           mcptypes.CircuitPhase
	failureCount    int
	halfOpenInFlight int
	halfOpenSuccess  int
	openedAt        time.Time
	currentBackoff  time.Duration
}

// NewCircuitBreaker builds a Closed breaker using cfg.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:            cfg,
		phase:          mcptypes.CircuitClosed,
		currentBackoff: cfg.RecoveryTimeout,
	}
}

// GetState returns the current phase.
func (b *CircuitBreaker) GetState() mcptypes.CircuitPhase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

// GetFailureCount returns the Closed-phase consecutive failure counter.
func (b *CircuitBreaker) GetFailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// CanServe reports whether the circuit currently admits a request, without
// reserving a HalfOpen probe slot. Safe for routing/filtering hot paths
// (candidate selection, fan-out) that evaluate many backends and never
// pair the check with a RecordSuccess/RecordFailure — reserving a slot
// there would saturate HalfOpenLimit on evaluation alone, never letting a
// real probe through.
func (b *CircuitBreaker) CanServe() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.phase {
	case mcptypes.CircuitClosed:
		return true
	case mcptypes.CircuitOpen:
		return time.Since(b.openedAt) >= b.currentBackoff
	case mcptypes.CircuitHalfOpen:
		return b.halfOpenInFlight < b.cfg.HalfOpenLimit
	default:
		return false
	}
}

// CanAttempt reports whether a new request may be dispatched, and for
// HalfOpen reserves one of the limited in-flight probe slots if so — the
// caller must pair a true result with exactly one RecordSuccess/
// RecordFailure call. Reserved for the single request-dispatch path; every
// other caller wanting a read of circuit state should use CanServe.
func (b *CircuitBreaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.phase {
	case mcptypes.CircuitClosed:
		return true
	case mcptypes.CircuitOpen:
		if time.Since(b.openedAt) >= b.currentBackoff {
			b.phase = mcptypes.CircuitHalfOpen
			b.halfOpenInFlight = 0
			b.halfOpenSuccess = 0
		} else {
			return false
		}
		fallthrough
	case mcptypes.CircuitHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenLimit {
			return false
		}
		b.halfOpenInFlight++
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful attempt. In HalfOpen, enough
// consecutive successes closes the circuit; in Open it never forces
// Closed (only HalfOpen test requests can).
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.phase {
	case mcptypes.CircuitClosed:
		b.failureCount = 0
	case mcptypes.CircuitHalfOpen:
		b.halfOpenInFlight--
		if b.halfOpenInFlight < 0 {
			b.halfOpenInFlight = 0
		}
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.SuccessThreshold {
			b.phase = mcptypes.CircuitClosed
			b.failureCount = 0
			b.currentBackoff = b.cfg.RecoveryTimeout
		}
	case mcptypes.CircuitOpen:
		// A stray success reported after the phase already moved on
		// (e.g. a slow probe completing late) updates nothing.
	}
}

// RecordFailure records a failed attempt. In Closed, enough failures opens
// the circuit; in HalfOpen a single failure reopens it with doubled
// backoff (capped at MaxBackoff).
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.phase {
	case mcptypes.CircuitClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.open()
		}
	case mcptypes.CircuitHalfOpen:
		b.halfOpenInFlight--
		if b.halfOpenInFlight < 0 {
			b.halfOpenInFlight = 0
		}
		b.currentBackoff = time.Duration(float64(b.currentBackoff) * b.cfg.BackoffMultiplier)
		if b.currentBackoff > b.cfg.MaxBackoff {
			b.currentBackoff = b.cfg.MaxBackoff
		}
		b.open()
	case mcptypes.CircuitOpen:
	}
}

// RecordFailureRate opens the circuit directly when the windowed error
// rate exceeds ErrorRateThreshold, independent of the consecutive-failure
// counter.
func (b *CircuitBreaker) RecordFailureRate(rate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase == mcptypes.CircuitClosed && rate > b.cfg.ErrorRateThreshold {
		b.open()
	}
}

func (b *CircuitBreaker) open() {
	b.phase = mcptypes.CircuitOpen
	b.openedAt = time.Now()
	b.halfOpenInFlight = 0
	b.halfOpenSuccess = 0
}
