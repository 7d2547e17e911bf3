package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxFailures: 3, Cooldown: time.Minute})

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Allow())
		cb.RecordFailure()
	}
	assert.Equal(t, BreakerClosed, cb.State())

	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrBreakerOpen)
}

func TestCircuitBreakerProbeAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxFailures: 1, Cooldown: 10 * time.Millisecond})

	cb.RecordFailure()
	require.Equal(t, BreakerOpen, cb.State())

	time.Sleep(20 * time.Millisecond)

	// First call after cooldown is the probe; a second concurrent call is refused.
	require.NoError(t, cb.Allow())
	assert.ErrorIs(t, cb.Allow(), ErrBreakerOpen)

	cb.RecordSuccess()
	assert.Equal(t, BreakerClosed, cb.State())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreakerFailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxFailures: 1, Cooldown: 10 * time.Millisecond})

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrBreakerOpen)
}

func TestNewCircuitBreakerDefaults(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{})
	assert.Equal(t, BreakerClosed, cb.State())
	assert.NoError(t, cb.Allow())
}
