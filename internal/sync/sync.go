package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pullsync/pullsync/config"
	"github.com/pullsync/pullsync/internal/api"
	"github.com/pullsync/pullsync/internal/db"
	"github.com/pullsync/pullsync/internal/models"
)

// Notifier consumes completion events. The scheduler-facing collaborator
// plugs in here; the default just logs.
type Notifier interface {
	SyncCompleted(repo *models.TrackedRepository, summary models.Summary)
}

// LogNotifier logs completion summaries.
type LogNotifier struct {
	Log *zap.Logger
}

// SyncCompleted implements Notifier.
func (n *LogNotifier) SyncCompleted(repo *models.TrackedRepository, summary models.Summary) {
	n.Log.Info("sync completed",
		zap.String("repository", repo.FullName),
		zap.Int("prs", summary.PRs),
		zap.Int("reviews", summary.Reviews),
		zap.Int("commits", summary.Commits),
		zap.Int("files", summary.Files),
		zap.Int("errors", len(summary.Errors)))
}

// Syncer is the per-repository sync orchestrator: historical sync,
// incremental sync, single-entity refresh and member sync. Each
// operation is an idempotent, independently retryable unit; the job
// scheduler owns whole-task retry policy.
type Syncer struct {
	db       *db.DB
	router   *Router
	cfg      config.SyncConfig
	tenant   string
	notifier Notifier
	log      *zap.Logger
}

// New creates a syncer for one tenant.
func New(database *db.DB, router *Router, cfg config.SyncConfig, tenant string, log *zap.Logger) *Syncer {
	return &Syncer{
		db:       database,
		router:   router,
		cfg:      cfg,
		tenant:   tenant,
		notifier: &LogNotifier{Log: log},
		log:      log,
	}
}

// SetNotifier replaces the completion-event consumer.
func (s *Syncer) SetNotifier(n Notifier) {
	if n != nil {
		s.notifier = n
	}
}

// HistoricalSync bulk-fetches a repository's pull-request history
// within the lookback window. daysBack <= 0 means full history.
func (s *Syncer) HistoricalSync(ctx context.Context, owner, name string, daysBack int) (models.Summary, error) {
	var since time.Time
	if daysBack > 0 {
		since = time.Now().AddDate(0, 0, -daysBack)
	}
	return s.syncWindow(ctx, OpHistorical, owner, name, func(*models.TrackedRepository) time.Time {
		return since
	})
}

// IncrementalSync fetches only pull requests updated since the last
// successful sync. A repository that has never completed a sync gets
// the full historical window.
func (s *Syncer) IncrementalSync(ctx context.Context, owner, name string) (models.Summary, error) {
	return s.syncWindow(ctx, OpIncremental, owner, name, func(repo *models.TrackedRepository) time.Time {
		if repo.LastSyncedAt != nil {
			return *repo.LastSyncedAt
		}
		if s.cfg.LookbackDays > 0 {
			return time.Now().AddDate(0, 0, -s.cfg.LookbackDays)
		}
		return time.Time{}
	})
}

// syncWindow runs one pull-request sync pass over a time window,
// driving the state machine on the tracked-repository row.
func (s *Syncer) syncWindow(ctx context.Context, op Operation, owner, name string, window func(*models.TrackedRepository) time.Time) (models.Summary, error) {
	var summary models.Summary

	repo, err := s.db.EnsureTrackedRepository(ctx, s.tenant, owner, name)
	if err != nil {
		return summary, err
	}
	since := window(repo)

	startedAt := time.Now()
	if err := s.db.MarkSyncStarted(ctx, repo.ID, startedAt); err != nil {
		return summary, err
	}

	s.log.Info("sync started",
		zap.String("operation", string(op)),
		zap.String("repository", repo.FullName),
		zap.Time("since", since))

	tracker := api.NewRateLimitTracker()
	w := &walker{
		router:         s.router,
		tracker:        tracker,
		pauseThreshold: s.cfg.PauseThreshold,
		pageSize:       s.cfg.PageSize,
		log:            s.log,
	}

	total := 0
	w.onRestart = func() {
		summary = models.Summary{}
		total = 0
	}

	lastProgressLog := time.Now()
	handle := func(ctx context.Context, page *api.Page) error {
		if page.TotalCount > 0 {
			total = page.TotalCount
		}
		for _, b := range page.PullRequests {
			bs, err := s.db.SavePullRequestBundle(ctx, s.tenant, repo.ID, b)
			summary.Add(bs)
			if err != nil {
				// Fatal for this entity only; siblings proceed.
				summary.Errors = append(summary.Errors, err.Error())
				continue
			}
		}
		if total < summary.PRs {
			total = summary.PRs
		}

		progress := 0
		if total > 0 {
			progress = summary.PRs * 100 / total
		}
		if err := s.db.UpdateSyncProgress(ctx, repo.ID, summary.PRs, total, progress); err != nil {
			return err
		}
		q := tracker.Last()
		if err := s.db.SaveQuota(ctx, repo.ID, q.Remaining, q.ResetAt); err != nil {
			return err
		}

		if time.Since(lastProgressLog) >= 5*time.Second {
			s.log.Info("sync progress",
				zap.String("repository", repo.FullName),
				zap.Int("completed", summary.PRs),
				zap.Int("total", total))
			lastProgressLog = time.Now()
		}
		return nil
	}

	err = w.walkPullRequests(ctx, op, owner, name, since, handle)
	return summary, s.finish(ctx, repo, summary, err)
}

// finish resolves the run's terminal state. Success advances
// last_synced_at and emits the completion event; a quota pause persists
// the reset timestamp and leaves the run resumable; cancellation leaves
// everything at the last committed page; anything else marks the run
// failed with a user-visible error.
func (s *Syncer) finish(ctx context.Context, repo *models.TrackedRepository, summary models.Summary, runErr error) error {
	switch {
	case runErr == nil:
		if err := s.db.MarkSyncCompleted(ctx, repo.ID, time.Now()); err != nil {
			return err
		}
		updated, err := s.db.GetTrackedRepository(ctx, repo.Tenant, repo.FullName)
		if err == nil && updated != nil {
			repo = updated
		}
		s.notifier.SyncCompleted(repo, summary)
		return nil

	case isPause(runErr):
		var pause *QuotaPauseError
		errors.As(runErr, &pause)
		if err := s.db.SaveQuota(ctx, repo.ID, pause.Remaining, pause.ResetAt); err != nil {
			s.log.Error("failed to persist quota state", zap.Error(err))
		}
		s.log.Warn("sync paused for quota",
			zap.String("repository", repo.FullName),
			zap.Time("reset_at", pause.ResetAt))
		return runErr

	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		s.log.Info("sync cancelled", zap.String("repository", repo.FullName))
		return runErr

	default:
		if err := s.db.MarkSyncFailed(ctx, repo.ID, shortError(runErr)); err != nil {
			s.log.Error("failed to mark sync failed", zap.Error(err))
		}
		s.log.Error("sync failed",
			zap.String("repository", repo.FullName),
			zap.Error(runErr))
		return runErr
	}
}

func isPause(err error) bool {
	var pause *QuotaPauseError
	return errors.As(err, &pause)
}

// shortError truncates an error chain to something fit for a status
// field.
func shortError(err error) string {
	msg := err.Error()
	if len(msg) > 250 {
		msg = msg[:250]
	}
	return msg
}

// RefreshPullRequest re-fetches one pull request's nested data, e.g.
// after a webhook-driven update. It does not touch the repository's
// run-level status.
func (s *Syncer) RefreshPullRequest(ctx context.Context, owner, name string, number int) (models.Summary, error) {
	var summary models.Summary

	repo, err := s.db.EnsureTrackedRepository(ctx, s.tenant, owner, name)
	if err != nil {
		return summary, err
	}

	fetchers := s.router.Sequence(OpRefresh)
	var lastErr error
	for i, f := range fetchers {
		bundle, quota, err := f.FetchPullRequest(ctx, owner, name, number)
		if err != nil {
			lastErr = err
			if i == len(fetchers)-1 || !shouldFallback(err) {
				break
			}
			s.log.Warn("refresh failed, retrying on fallback",
				zap.String("protocol", f.Name()),
				zap.Error(err))
			continue
		}

		if err := s.db.SaveQuota(ctx, repo.ID, quota.Remaining, quota.ResetAt); err != nil {
			s.log.Error("failed to persist quota state", zap.Error(err))
		}
		bs, err := s.db.SavePullRequestBundle(ctx, s.tenant, repo.ID, bundle)
		summary.Add(bs)
		return summary, err
	}
	return summary, lastErr
}

// SyncMembers paginates the organization's membership into the member
// table.
func (s *Syncer) SyncMembers(ctx context.Context, org string) (models.Summary, error) {
	var summary models.Summary

	tracker := api.NewRateLimitTracker()
	w := &walker{
		router:         s.router,
		tracker:        tracker,
		pauseThreshold: s.cfg.PauseThreshold,
		pageSize:       s.cfg.PageSize,
		log:            s.log,
	}
	w.onRestart = func() {
		summary = models.Summary{}
	}

	handle := func(ctx context.Context, page *api.Page) error {
		for _, m := range page.Members {
			if err := s.db.UpsertMember(ctx, s.tenant, m); err != nil {
				summary.Errors = append(summary.Errors, err.Error())
				continue
			}
			summary.Members++
		}
		return nil
	}

	err := w.walkMembers(ctx, org, handle)
	if err != nil {
		return summary, err
	}
	s.log.Info("member sync completed",
		zap.String("organization", org),
		zap.Int("members", summary.Members))
	return summary, nil
}

// ParseRepositoryString parses a repository string in the format "owner/name".
func ParseRepositoryString(repoStr string) (string, string, error) {
	parts := strings.Split(repoStr, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository format, expected 'owner/name', got '%s'", repoStr)
	}
	return parts[0], parts[1], nil
}
