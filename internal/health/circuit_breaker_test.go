package health_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok-labs/mcpgatewayd/internal/health"
	"github.com/stacklok-labs/mcpgatewayd/internal/mcptypes"
)

func TestCircuitBreaker_OpensAfterFailureThreshold(t *testing.T) {
	t.Parallel()
	cfg := health.DefaultCircuitBreakerConfig()
	cfg.FailureThreshold = 5
	b := health.NewCircuitBreaker(cfg)

	for i := 0; i < 5; i++ {
		require.True(t, b.CanAttempt())
		b.RecordFailure()
	}

	assert.Equal(t, mcptypes.CircuitOpen, b.GetState())
	assert.False(t, b.CanAttempt())
}

func TestCircuitBreaker_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	t.Parallel()
	cfg := health.DefaultCircuitBreakerConfig()
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeout = 20 * time.Millisecond
	cfg.HalfOpenLimit = 3
	b := health.NewCircuitBreaker(cfg)

	b.CanAttempt()
	b.RecordFailure()
	assert.Equal(t, mcptypes.CircuitOpen, b.GetState())

	time.Sleep(30 * time.Millisecond)
	assert.True(t, b.CanAttempt())
	assert.Equal(t, mcptypes.CircuitHalfOpen, b.GetState())
}

func TestCircuitBreaker_HalfOpenLimitsInFlight(t *testing.T) {
	t.Parallel()
	cfg := health.DefaultCircuitBreakerConfig()
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeout = 10 * time.Millisecond
	cfg.HalfOpenLimit = 2
	b := health.NewCircuitBreaker(cfg)

	b.CanAttempt()
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)

	assert.True(t, b.CanAttempt())
	assert.True(t, b.CanAttempt())
	assert.False(t, b.CanAttempt(), "third half-open probe should be rejected")
}

func TestCircuitBreaker_HalfOpenFailureReopensWithDoubledBackoff(t *testing.T) {
	t.Parallel()
	cfg := health.DefaultCircuitBreakerConfig()
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeout = 10 * time.Millisecond
	cfg.HalfOpenLimit = 1
	cfg.BackoffMultiplier = 2
	cfg.MaxBackoff = time.Second
	b := health.NewCircuitBreaker(cfg)

	b.CanAttempt()
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	require.True(t, b.CanAttempt())
	b.RecordFailure()
	assert.Equal(t, mcptypes.CircuitOpen, b.GetState())

	// Original recovery timeout has elapsed again, but backoff doubled so
	// it should still be closed off.
	time.Sleep(15 * time.Millisecond)
	assert.False(t, b.CanAttempt())
}

func TestCircuitBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	t.Parallel()
	cfg := health.DefaultCircuitBreakerConfig()
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeout = 10 * time.Millisecond
	cfg.HalfOpenLimit = 3
	cfg.SuccessThreshold = 2
	b := health.NewCircuitBreaker(cfg)

	b.CanAttempt()
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)

	require.True(t, b.CanAttempt())
	b.RecordSuccess()
	require.True(t, b.CanAttempt())
	b.RecordSuccess()

	assert.Equal(t, mcptypes.CircuitClosed, b.GetState())
}

func TestCircuitBreaker_OpenProbeSuccessDoesNotForceClosed(t *testing.T) {
	t.Parallel()
	cfg := health.DefaultCircuitBreakerConfig()
	cfg.FailureThreshold = 1
	b := health.NewCircuitBreaker(cfg)

	b.CanAttempt()
	b.RecordFailure()
	require.Equal(t, mcptypes.CircuitOpen, b.GetState())

	// A stray success report while still Open must not force Closed.
	b.RecordSuccess()
	assert.Equal(t, mcptypes.CircuitOpen, b.GetState())
}
