package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pullsync/pullsync/internal/api"
	"github.com/pullsync/pullsync/internal/models"
)

// QuotaPauseError signals a clean suspension: the run stopped at a page
// boundary because the remaining quota fell under the threshold. The
// scheduler re-invokes the operation after ResetAt; idempotent writes
// make the re-run safe.
type QuotaPauseError struct {
	Remaining int
	ResetAt   time.Time
}

func (e *QuotaPauseError) Error() string {
	return fmt.Sprintf("sync paused: %d quota remaining, resets at %s",
		e.Remaining, e.ResetAt.Format(time.RFC3339))
}

// pageHandler maps and writes one page. Called per page, not per full
// dataset, so partial progress is durable.
type pageHandler func(ctx context.Context, page *api.Page) error

// walker drives cursor pagination for one operation until exhaustion,
// the incremental boundary, a quota pause, or cancellation.
type walker struct {
	router         *Router
	tracker        *api.RateLimitTracker
	pauseThreshold int
	pageSize       int
	log            *zap.Logger

	// onRestart runs before the operation re-walks on a fallback
	// protocol, so per-run counters can be zeroed. The re-walk revisits
	// pages the failed protocol already committed.
	onRestart func()
}

// walkPullRequests paginates pull requests through the routed
// protocols. When the active protocol fails and the policy allows it,
// the whole operation restarts on the next protocol: cursors are not
// portable across protocols, and idempotent upserts make re-walking
// already-written pages harmless.
func (w *walker) walkPullRequests(ctx context.Context, op Operation, owner, name string, since time.Time, handle pageHandler) error {
	fetchers := w.router.Sequence(op)
	var lastErr error

	for i, f := range fetchers {
		err := w.paginatePullRequests(ctx, f, owner, name, since, handle)
		if err == nil {
			return nil
		}
		lastErr = err
		if i == len(fetchers)-1 || !shouldFallback(err) {
			break
		}
		w.log.Warn("protocol failed, retrying operation on fallback",
			zap.String("operation", string(op)),
			zap.String("protocol", f.Name()),
			zap.Error(err))
		if w.onRestart != nil {
			w.onRestart()
		}
	}

	return w.asPause(lastErr)
}

func (w *walker) paginatePullRequests(ctx context.Context, f api.Fetcher, owner, name string, since time.Time, handle pageHandler) error {
	cursor := ""
	for pageNum := 1; ; pageNum++ {
		// Cancellation is only honored between pages so a committed
		// page is never half-written.
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := f.FetchPullRequestsPage(ctx, owner, name, cursor, since, w.pageSize)
		if err != nil {
			return err
		}
		w.tracker.Observe(page.Quota)

		boundaryHit := false
		if !since.IsZero() {
			page.PullRequests, boundaryHit = trimBeforeBoundary(page.PullRequests, since)
		}

		if err := handle(ctx, page); err != nil {
			return err
		}

		w.log.Debug("page committed",
			zap.String("protocol", f.Name()),
			zap.Int("page", pageNum),
			zap.Int("pull_requests", len(page.PullRequests)),
			zap.Int("quota_remaining", page.Quota.Remaining))

		if boundaryHit || page.NextCursor == "" {
			return nil
		}
		if w.tracker.ShouldPause(w.pauseThreshold) {
			q := w.tracker.Last()
			return &QuotaPauseError{Remaining: q.Remaining, ResetAt: q.ResetAt}
		}
		cursor = page.NextCursor
	}
}

// walkMembers paginates organization members; same protocol fallback,
// no boundary check.
func (w *walker) walkMembers(ctx context.Context, org string, handle pageHandler) error {
	fetchers := w.router.Sequence(OpMembers)
	var lastErr error

	for i, f := range fetchers {
		err := w.paginateMembers(ctx, f, org, handle)
		if err == nil {
			return nil
		}
		lastErr = err
		if i == len(fetchers)-1 || !shouldFallback(err) {
			break
		}
		w.log.Warn("protocol failed, retrying member sync on fallback",
			zap.String("protocol", f.Name()),
			zap.Error(err))
		if w.onRestart != nil {
			w.onRestart()
		}
	}

	return w.asPause(lastErr)
}

func (w *walker) paginateMembers(ctx context.Context, f api.Fetcher, org string, handle pageHandler) error {
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := f.FetchOrgMembersPage(ctx, org, cursor, w.pageSize)
		if err != nil {
			return err
		}
		w.tracker.Observe(page.Quota)

		if err := handle(ctx, page); err != nil {
			return err
		}

		if page.NextCursor == "" {
			return nil
		}
		if w.tracker.ShouldPause(w.pauseThreshold) {
			q := w.tracker.Last()
			return &QuotaPauseError{Remaining: q.Remaining, ResetAt: q.ResetAt}
		}
		cursor = page.NextCursor
	}
}

// asPause converts a terminal rate-limit error into a pause so the
// caller suspends instead of failing the run.
func (w *walker) asPause(err error) error {
	var rle *api.RateLimitError
	if errors.As(err, &rle) {
		return &QuotaPauseError{Remaining: rle.Remaining, ResetAt: rle.ResetAt}
	}
	return err
}

// trimBeforeBoundary drops bundles whose remote update time is strictly
// before the boundary and reports whether any were dropped. Pages
// arrive updated-descending, so a dropped item means everything after
// it is older too.
func trimBeforeBoundary(bundles []*models.PullRequestBundle, since time.Time) ([]*models.PullRequestBundle, bool) {
	kept := bundles[:0]
	hit := false
	for _, b := range bundles {
		if b.PullRequest.UpdatedAt.Before(since) {
			hit = true
			continue
		}
		kept = append(kept, b)
	}
	return kept, hit
}
