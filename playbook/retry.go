package playbook

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ErrorClass categorizes a dispatch failure so the backoff schedule can
// match the failure mode. Rate-limited endpoints get long waits, network
// blips get short ones, permanent failures are never retried.
type ErrorClass string

const (
	ErrClassTimeout   ErrorClass = "timeout"
	ErrClassRateLimit ErrorClass = "rate_limit"
	ErrClassNetwork   ErrorClass = "network"
	ErrClassTemporary ErrorClass = "temporary"
	ErrClassPermanent ErrorClass = "permanent"
	ErrClassUnknown   ErrorClass = "unknown"
)

// BackoffConfig drives in-attempt retries inside the dispatcher. These are
// short automatic retries around one step attempt; exhausting them produces
// a single failed StepResult, after which retries become operator-driven.
type BackoffConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// ClassDelays overrides the exponential schedule per error class.
	ClassDelays map[ErrorClass][]time.Duration
	// Jitter between 0 and 1 randomizes each delay by that fraction.
	Jitter float64
	Logger *zap.SugaredLogger
}

// DefaultBackoffConfig returns the dispatcher's standard schedule.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    2 * time.Minute,
		Jitter:      0.1,
		ClassDelays: map[ErrorClass][]time.Duration{
			ErrClassTimeout:   {5 * time.Second, 10 * time.Second, 20 * time.Second},
			ErrClassRateLimit: {time.Minute, 2 * time.Minute},
			ErrClassNetwork:   {5 * time.Second, 10 * time.Second, 20 * time.Second},
			ErrClassTemporary: {time.Second, 2 * time.Second, 4 * time.Second},
		},
	}
}

// HTTPStatusError carries an HTTP status for classification.
type HTTPStatusError struct {
	Code    int
	Message string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Message)
}

func (e *HTTPStatusError) StatusCode() int {
	return e.Code
}

// Classify maps an error to its retry class.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrClassUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrClassTimeout
	}

	var httpErr interface{ StatusCode() int }
	if errors.As(err, &httpErr) {
		switch code := httpErr.StatusCode(); code {
		case http.StatusTooManyRequests:
			return ErrClassRateLimit
		case http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusRequestTimeout:
			return ErrClassTimeout
		case http.StatusInternalServerError:
			return ErrClassTemporary
		default:
			if code >= 400 && code < 500 {
				return ErrClassPermanent
			}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrClassTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNREFUSED) ||
			errors.Is(opErr.Err, syscall.ECONNRESET) ||
			errors.Is(opErr.Err, syscall.EPIPE) {
			return ErrClassNetwork
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline exceeded"):
		return ErrClassTimeout
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return ErrClassRateLimit
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "network") || strings.Contains(msg, "dns"):
		return ErrClassNetwork
	case strings.Contains(msg, "temporary"):
		return ErrClassTemporary
	case strings.Contains(msg, "permanent"):
		return ErrClassPermanent
	}
	return ErrClassUnknown
}

// Retryable reports whether an error class permits another attempt.
func Retryable(err error) bool {
	return Classify(err) != ErrClassPermanent
}

// ExecuteWithBackoff runs fn until it succeeds, fails permanently, or
// exhausts the configured attempts. fn must be idempotent.
func ExecuteWithBackoff(ctx context.Context, fn func() error, cfg BackoffConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled before attempt %d: %w", attempt+1, err)
		}

		err := fn()
		if err == nil {
			if attempt > 0 {
				cfg.Logger.Infow("Operation succeeded after retries", "retries", attempt)
			}
			return nil
		}

		class := Classify(err)
		if class == ErrClassPermanent {
			return fmt.Errorf("permanent failure: %w", err)
		}
		if attempt >= cfg.MaxAttempts {
			return fmt.Errorf("retries exhausted after %d attempts: %w", cfg.MaxAttempts, err)
		}

		delay := backoffDelay(attempt, class, cfg)
		cfg.Logger.Infow("Retry scheduled",
			"attempt", attempt+1,
			"max_attempts", cfg.MaxAttempts,
			"error_class", class,
			"delay", delay,
			"error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("cancelled during backoff: %w", ctx.Err())
		}
		attempt++
	}
}

func backoffDelay(attempt int, class ErrorClass, cfg BackoffConfig) time.Duration {
	var delay time.Duration
	if delays, ok := cfg.ClassDelays[class]; ok && attempt < len(delays) {
		delay = delays[attempt]
	} else {
		delay = cfg.BaseDelay * time.Duration(1<<uint(attempt))
	}
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter > 0 {
		spread := float64(delay) * cfg.Jitter
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
		if delay < 0 {
			delay = cfg.BaseDelay
		}
	}
	return delay
}
