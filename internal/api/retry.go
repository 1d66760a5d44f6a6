package api

import (
	"context"
	"time"
)

const (
	defaultMaxAttempts = 3
	baseRetryDelay     = 500 * time.Millisecond
	maxRetryDelay      = 8 * time.Second
)

// withRetry runs fn up to defaultMaxAttempts times, sleeping with
// doubling delays between attempts. Only transient errors are retried;
// rate-limit and auth errors propagate on the first occurrence so their
// own handling paths (fallback, pause, abort) stay fast.
func withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	delay := baseRetryDelay

	for attempt := 1; attempt <= defaultMaxAttempts; attempt++ {
		lastErr = classifyError(fn())
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
		if attempt == defaultMaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}

	return &TransientError{Op: op, Attempts: defaultMaxAttempts, Err: lastErr}
}
