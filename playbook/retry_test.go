package playbook

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ErrClassUnknown},
		{"context deadline", context.DeadlineExceeded, ErrClassTimeout},
		{"http 429", &HTTPStatusError{Code: 429}, ErrClassRateLimit},
		{"http 503", &HTTPStatusError{Code: 503}, ErrClassTimeout},
		{"http 500", &HTTPStatusError{Code: 500}, ErrClassTemporary},
		{"http 404", &HTTPStatusError{Code: 404}, ErrClassPermanent},
		{"http 400", &HTTPStatusError{Code: 400}, ErrClassPermanent},
		{"message timeout", errors.New("operation timed out"), ErrClassTimeout},
		{"message rate limit", errors.New("rate limit exceeded"), ErrClassRateLimit},
		{"message network", errors.New("connection refused"), ErrClassNetwork},
		{"message permanent", errors.New("permanent failure: bad config"), ErrClassPermanent},
		{"opaque", errors.New("something odd"), ErrClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifyWrappedHTTPError(t *testing.T) {
	err := fmt.Errorf("calling webhook: %w", &HTTPStatusError{Code: 429})
	assert.Equal(t, ErrClassRateLimit, Classify(err))
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(&HTTPStatusError{Code: 403}))
	assert.True(t, Retryable(errors.New("connection reset")))
}

func fastBackoff(t *testing.T) BackoffConfig {
	return BackoffConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Logger:      zaptest.NewLogger(t).Sugar(),
	}
}

func TestExecuteWithBackoffSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := ExecuteWithBackoff(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("temporary glitch")
		}
		return nil
	}, fastBackoff(t))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteWithBackoffPermanentStopsImmediately(t *testing.T) {
	calls := 0
	err := ExecuteWithBackoff(context.Background(), func() error {
		calls++
		return &HTTPStatusError{Code: 400}
	}, fastBackoff(t))

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, err.Error(), "permanent")
}

func TestExecuteWithBackoffExhaustsAttempts(t *testing.T) {
	calls := 0
	err := ExecuteWithBackoff(context.Background(), func() error {
		calls++
		return errors.New("temporary glitch")
	}, fastBackoff(t))

	require.Error(t, err)
	assert.Equal(t, 4, calls, "initial attempt plus three retries")
	assert.Contains(t, err.Error(), "exhausted")
}

func TestExecuteWithBackoffHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ExecuteWithBackoff(ctx, func() error {
		t.Fatal("must not run after cancellation")
		return nil
	}, fastBackoff(t))

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffDelayClassSchedule(t *testing.T) {
	cfg := DefaultBackoffConfig()
	cfg.Jitter = 0

	assert.Equal(t, 5*time.Second, backoffDelay(0, ErrClassTimeout, cfg))
	assert.Equal(t, 10*time.Second, backoffDelay(1, ErrClassTimeout, cfg))
	assert.Equal(t, time.Minute, backoffDelay(0, ErrClassRateLimit, cfg))
	// Past the schedule, fall back to exponential on the base delay.
	assert.Equal(t, 8*time.Second, backoffDelay(3, ErrClassTimeout, cfg))
	// Unknown classes use the exponential schedule from the start.
	assert.Equal(t, 2*time.Second, backoffDelay(1, ErrClassUnknown, cfg))
}
