// Package retry runs remote calls with bounded exponential backoff and a
// hard per-attempt timeout.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dshills/newsrag/pkg/types"
)

// Config configures exponential backoff retry behavior
type Config struct {
	MaxAttempts    int           // Total attempts, including the first
	BaseDelay      time.Duration // Delay before the second attempt
	MaxDelay       time.Duration // Cap on the delay between attempts
	Multiplier     float64       // Exponential backoff multiplier
	AttemptTimeout time.Duration // Hard timeout for one attempt, 0 disables
}

// Default returns sensible defaults for remote model calls
func Default() Config {
	return Config{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		AttemptTimeout: 30 * time.Second,
	}
}

// Do executes fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. Only errors classified as types.ErrTransient are
// retried. An attempt that exceeds AttemptTimeout is reported as transient.
func Do[T any](ctx context.Context, cfg Config, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := cfg.BaseDelay

	for attempt := 0; attempt < attempts; attempt++ {
		result, err := runAttempt(ctx, cfg.AttemptTimeout, op, fn)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// Don't retry on caller cancellation
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !types.IsRetryable(err) {
			return zero, err
		}

		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
				backoff = Next(backoff, cfg)
			}
		}
	}

	return zero, fmt.Errorf("%s: giving up after %d attempts: %w", op, attempts, lastErr)
}

// Next returns the delay following d under cfg's multiplier and cap
func Next(d time.Duration, cfg Config) time.Duration {
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	next := time.Duration(float64(d) * mult)
	if cfg.MaxDelay > 0 && next > cfg.MaxDelay {
		next = cfg.MaxDelay
	}
	return next
}

// Backoff returns the delay before retry number n (1-based)
func Backoff(n int, cfg Config) time.Duration {
	d := cfg.BaseDelay
	for i := 1; i < n; i++ {
		d = Next(d, cfg)
	}
	return d
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		var zero T
		return zero, types.Transient(op, fmt.Errorf("attempt timed out after %s: %w", timeout, err))
	}
	return result, err
}

// HTTPStatus classifies a non-2xx response. 429 and 5xx are transient,
// everything else is returned as a plain error and is not retried.
func HTTPStatus(op string, code int, body string) error {
	err := fmt.Errorf("http %d: %s", code, body)
	if code == http.StatusTooManyRequests || code >= 500 {
		return types.Transient(op, err)
	}
	return err
}

// Network classifies a transport error. Errors caused by the caller's own
// cancellation are returned unchanged.
func Network(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return err
	}
	return types.Transient(op, err)
}
