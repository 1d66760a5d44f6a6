package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
)

// ErrTokenRevoked is returned by a TokenProvider when the stored credential
// is no longer usable and the tenant must re-authorize.
var ErrTokenRevoked = errors.New("access token revoked")

// RateLimitError indicates the remote host rejected a call because the
// quota is exhausted. It is never retried locally; the caller decides
// whether to fail over to the other protocol or pause until ResetAt.
type RateLimitError struct {
	Remaining int
	ResetAt   time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%d remaining, resets at %s)",
		e.Remaining, e.ResetAt.Format(time.RFC3339))
}

// TransientError wraps a network or server error that survived the local
// retry budget.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// AuthError indicates the credential was rejected by the remote host.
// Fatal for the whole run.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// MappingError reports that one wire entity could not be normalized.
// It never aborts a page; the entity is skipped and siblings proceed.
type MappingError struct {
	Entity string
	Reason string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("cannot map %s: %s", e.Entity, e.Reason)
}

// classifyError folds go-github and transport errors into the local
// taxonomy. Unknown errors pass through unchanged.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		return &RateLimitError{
			Remaining: rle.Rate.Remaining,
			ResetAt:   rle.Rate.Reset.Time,
		}
	}

	var arle *github.AbuseRateLimitError
	if errors.As(err, &arle) {
		reset := time.Now().Add(time.Minute)
		if arle.RetryAfter != nil {
			reset = time.Now().Add(*arle.RetryAfter)
		}
		return &RateLimitError{ResetAt: reset}
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &AuthError{Err: err}
		}
	}

	return err
}

// isRetryable reports whether an error is worth another local attempt.
// Rate-limit and auth errors are not: they have their own handling paths.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var rle *RateLimitError
	if errors.As(err, &rle) {
		return false
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return ghErr.Response.StatusCode >= 500
	}

	// url.Error and friends without a status: assume the network hiccuped.
	var ghRL *github.RateLimitError
	var ghAbuse *github.AbuseRateLimitError
	if errors.As(err, &ghRL) || errors.As(err, &ghAbuse) {
		return false
	}
	return true
}

// IsRateLimit reports whether err is (or wraps) a RateLimitError.
func IsRateLimit(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// IsAuth reports whether err is (or wraps) an AuthError or a revoked token.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) || errors.Is(err, ErrTokenRevoked)
}
