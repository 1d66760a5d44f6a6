package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pullsync/pullsync/internal/models"
)

func boundaryBundles(times ...time.Time) []*models.PullRequestBundle {
	out := make([]*models.PullRequestBundle, len(times))
	for i, at := range times {
		out[i] = &models.PullRequestBundle{
			PullRequest: &models.PullRequest{Number: i + 1, UpdatedAt: at},
		}
	}
	return out
}

func TestTrimBeforeBoundary(t *testing.T) {
	since := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	kept, hit := trimBeforeBoundary(boundaryBundles(
		since.Add(2*time.Hour),
		since.Add(time.Hour),
		since.Add(-time.Hour),
	), since)
	assert.True(t, hit)
	assert.Len(t, kept, 2)

	kept, hit = trimBeforeBoundary(boundaryBundles(
		since.Add(2*time.Hour),
		since.Add(time.Hour),
	), since)
	assert.False(t, hit)
	assert.Len(t, kept, 2)

	// An item updated exactly at the boundary is kept. The boundary is
	// the previous run's completion time, so an equal timestamp may be
	// an update the previous run did not see.
	kept, hit = trimBeforeBoundary(boundaryBundles(since), since)
	assert.False(t, hit)
	assert.Len(t, kept, 1)

	kept, hit = trimBeforeBoundary(nil, since)
	assert.False(t, hit)
	assert.Empty(t, kept)
}

func TestQuotaPauseErrorMessage(t *testing.T) {
	reset := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	err := &QuotaPauseError{Remaining: 42, ResetAt: reset}
	assert.Contains(t, err.Error(), "42")
	assert.Contains(t, err.Error(), "2025-06-01T12:30:00Z")
}
