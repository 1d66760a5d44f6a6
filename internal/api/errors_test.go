package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyRateLimit(t *testing.T) {
	reset := time.Now().Add(time.Hour)
	err := classifyError(&github.RateLimitError{
		Rate: github.Rate{Remaining: 0, Reset: github.Timestamp{Time: reset}},
	})

	var rle *RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, 0, rle.Remaining)
	assert.Equal(t, reset, rle.ResetAt)
	assert.True(t, IsRateLimit(err))
	assert.False(t, isRetryable(err))
}

func TestClassifyAuth(t *testing.T) {
	err := classifyError(&github.ErrorResponse{
		Response: &http.Response{StatusCode: http.StatusUnauthorized},
	})

	assert.True(t, IsAuth(err))
	assert.False(t, isRetryable(err))
}

func TestClassifyPassesThroughUnknown(t *testing.T) {
	sentinel := errors.New("boom")
	assert.Equal(t, sentinel, classifyError(sentinel))
}

func TestServerErrorsAreRetryable(t *testing.T) {
	err := &github.ErrorResponse{
		Response: &http.Response{StatusCode: http.StatusBadGateway},
	}
	assert.True(t, isRetryable(err))

	notFound := &github.ErrorResponse{
		Response: &http.Response{StatusCode: http.StatusNotFound},
	}
	assert.False(t, isRetryable(notFound))
}

func TestContextErrorsAreNotRetryable(t *testing.T) {
	assert.False(t, isRetryable(context.Canceled))
	assert.False(t, isRetryable(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
}

func TestIsAuthCoversRevokedToken(t *testing.T) {
	assert.True(t, IsAuth(fmt.Errorf("resolving credential: %w", ErrTokenRevoked)))
}

func TestClassifyGraphQLError(t *testing.T) {
	err := classifyGraphQLError(errors.New("non-200 OK status code: RATE_LIMITED"))
	assert.True(t, IsRateLimit(err))

	err = classifyGraphQLError(errors.New("non-200 OK status code: 401 Bad credentials"))
	assert.True(t, IsAuth(err))

	plain := errors.New("some transport problem")
	assert.Equal(t, plain, classifyGraphQLError(plain))
	assert.NoError(t, classifyGraphQLError(nil))
}
