// Package retry provides exponential backoff with jitter, both as an
// in-process retry loop and as a pure delay function for schedulers that
// persist their own attempt counters.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Config holds the configuration for retry logic.
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first
	MaxAttempts int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay caps every computed delay
	MaxDelay time.Duration

	// Multiplier is the growth factor between consecutive delays
	Multiplier float64

	// JitterFraction is the fraction of delay to add as random jitter (0.0 to 1.0)
	JitterFraction float64
}

// ConnectConfig returns configuration for dialing Postgres, Redis and
// RabbitMQ at startup. Containers often come up out of order.
func ConnectConfig() Config {
	return Config{
		MaxAttempts:    6,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

// JobConfig returns the default backoff for failed queue attempts.
func JobConfig() Config {
	return Config{
		MaxAttempts:    5,
		InitialDelay:   5 * time.Second,
		MaxDelay:       10 * time.Minute,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

// Backoff returns the delay to wait after the given failed attempt
// (1-based): InitialDelay * Multiplier^(attempt-1), capped at MaxDelay,
// plus jitter.
//
// Example:
//
//	cfg := retry.Config{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2}
//	retry.Backoff(cfg, 1) // 1s
//	retry.Backoff(cfg, 3) // 4s
//	retry.Backoff(cfg, 9) // 1m
func Backoff(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return addJitter(time.Duration(delay), cfg.JitterFraction)
}

// WithBackoff executes fn until it succeeds, returns a non-retryable error
// according to IsRetryable, or MaxAttempts is reached.
func WithBackoff(ctx context.Context, cfg Config, fn func() error) error {
	return WithBackoffIf(ctx, cfg, IsRetryable, fn)
}

// WithBackoffIf is WithBackoff with a caller supplied retry predicate.
func WithBackoffIf(ctx context.Context, cfg Config, retryable func(error) bool, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			if attempt > 1 {
				slog.Info("operation succeeded after retry",
					slog.Int("attempt", attempt))
			}
			return nil
		}

		if !retryable(lastErr) {
			slog.Warn("non-retryable error, aborting",
				slog.Int("attempt", attempt),
				slog.Any("error", lastErr))
			return lastErr
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		delay := Backoff(cfg, attempt)
		slog.Warn("operation failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", cfg.MaxAttempts),
			slog.Duration("delay", delay),
			slog.Any("error", lastErr))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

// Always retries every error except context cancellation.
func Always(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable reports whether err looks transient: network timeouts,
// refused or reset connections, and HTTP 408, 429 or 5xx.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode >= 500 && httpErr.StatusCode < 600:
			return true
		case httpErr.StatusCode == http.StatusTooManyRequests,
			httpErr.StatusCode == http.StatusRequestTimeout:
			return true
		}
	}

	return false
}

// HTTPError carries an unexpected response status from a provider.
type HTTPError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func addJitter(duration time.Duration, jitterFraction float64) time.Duration {
	if jitterFraction <= 0 {
		return duration
	}
	if jitterFraction > 1.0 {
		jitterFraction = 1.0
	}
	// #nosec G404 -- jitter does not need cryptographic randomness.
	jitter := time.Duration(rand.Float64() * float64(duration) * jitterFraction)
	return duration + jitter
}
