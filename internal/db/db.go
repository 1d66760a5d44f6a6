// Package db is the persistence layer. Every write is an upsert keyed
// by the entity's natural key, so re-running a sync over the same
// window never duplicates records and interrupted runs are safe to
// resume.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pullsync/pullsync/internal/models"
)

// DB wraps the database connection.
type DB struct {
	*sql.DB
}

// New opens a database connection at dbPath.
func New(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// Initialize creates the schema if it doesn't exist.
func (db *DB) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS repositories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant TEXT NOT NULL,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		full_name TEXT NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		sync_progress INTEGER NOT NULL DEFAULT 0,
		sync_prs_total INTEGER NOT NULL DEFAULT 0,
		sync_prs_completed INTEGER NOT NULL DEFAULT 0,
		sync_started_at TIMESTAMP,
		last_synced_at TIMESTAMP,
		sync_error TEXT NOT NULL DEFAULT '',
		rate_limit_remaining INTEGER NOT NULL DEFAULT 0,
		rate_limit_reset_at TIMESTAMP,
		UNIQUE(tenant, full_name)
	);

	CREATE TABLE IF NOT EXISTS members (
		tenant TEXT NOT NULL,
		remote_id INTEGER NOT NULL,
		login TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		org_member BOOLEAN NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant, remote_id)
	);

	CREATE TABLE IF NOT EXISTS pull_requests (
		id INTEGER PRIMARY KEY,
		repository_id INTEGER NOT NULL,
		number INTEGER NOT NULL,
		title TEXT NOT NULL,
		body TEXT,
		state TEXT NOT NULL,
		author_id INTEGER,
		author_login TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		merged_at TIMESTAMP,
		closed_at TIMESTAMP,
		first_review_at TIMESTAMP,
		additions INTEGER NOT NULL DEFAULT 0,
		deletions INTEGER NOT NULL DEFAULT 0,
		draft BOOLEAN NOT NULL DEFAULT 0,
		hotfix BOOLEAN NOT NULL DEFAULT 0,
		revert BOOLEAN NOT NULL DEFAULT 0,
		review_rounds INTEGER NOT NULL DEFAULT 0,
		cycle_time_seconds INTEGER,
		review_time_seconds INTEGER,
		FOREIGN KEY (repository_id) REFERENCES repositories(id),
		UNIQUE(repository_id, number)
	);

	CREATE TABLE IF NOT EXISTS reviews (
		pull_request_id INTEGER NOT NULL,
		remote_id INTEGER NOT NULL,
		author_id INTEGER,
		author_login TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		body TEXT,
		submitted_at TIMESTAMP,
		PRIMARY KEY (pull_request_id, remote_id),
		FOREIGN KEY (pull_request_id) REFERENCES pull_requests(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS commits (
		pull_request_id INTEGER NOT NULL,
		sha TEXT NOT NULL,
		author_id INTEGER,
		author_login TEXT NOT NULL DEFAULT '',
		message TEXT,
		additions INTEGER NOT NULL DEFAULT 0,
		deletions INTEGER NOT NULL DEFAULT 0,
		committed_at TIMESTAMP,
		PRIMARY KEY (pull_request_id, sha),
		FOREIGN KEY (pull_request_id) REFERENCES pull_requests(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS files (
		pull_request_id INTEGER NOT NULL,
		path TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		additions INTEGER NOT NULL DEFAULT 0,
		deletions INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (pull_request_id, path),
		FOREIGN KEY (pull_request_id) REFERENCES pull_requests(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS comments (
		pull_request_id INTEGER NOT NULL,
		remote_id INTEGER NOT NULL,
		author_id INTEGER,
		author_login TEXT NOT NULL DEFAULT '',
		body TEXT,
		created_at TIMESTAMP,
		updated_at TIMESTAMP,
		PRIMARY KEY (pull_request_id, remote_id),
		FOREIGN KEY (pull_request_id) REFERENCES pull_requests(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS check_runs (
		pull_request_id INTEGER NOT NULL,
		remote_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		conclusion TEXT NOT NULL DEFAULT '',
		completed_at TIMESTAMP,
		PRIMARY KEY (pull_request_id, remote_id),
		FOREIGN KEY (pull_request_id) REFERENCES pull_requests(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_pull_requests_repo_updated
		ON pull_requests(repository_id, updated_at);
	`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// EnsureTrackedRepository finds or creates the tracked-repository row
// for one tenant's repository and returns its current state.
func (db *DB) EnsureTrackedRepository(ctx context.Context, tenant, owner, name string) (*models.TrackedRepository, error) {
	fullName := owner + "/" + name
	_, err := db.ExecContext(ctx, `
	INSERT INTO repositories (tenant, owner, name, full_name)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(tenant, full_name) DO NOTHING
	`, tenant, owner, name, fullName)
	if err != nil {
		return nil, fmt.Errorf("failed to track repository %s: %w", fullName, err)
	}
	return db.GetTrackedRepository(ctx, tenant, fullName)
}

// GetTrackedRepository loads a tracked repository by tenant and
// full name, or nil if it is not tracked.
func (db *DB) GetTrackedRepository(ctx context.Context, tenant, fullName string) (*models.TrackedRepository, error) {
	row := db.QueryRowContext(ctx, `
	SELECT id, tenant, owner, name, full_name, sync_status, sync_progress,
	       sync_prs_total, sync_prs_completed, sync_started_at, last_synced_at,
	       sync_error, rate_limit_remaining, rate_limit_reset_at
	FROM repositories WHERE tenant = ? AND full_name = ?
	`, tenant, fullName)

	var r models.TrackedRepository
	var status string
	err := row.Scan(&r.ID, &r.Tenant, &r.Owner, &r.Name, &r.FullName, &status,
		&r.SyncProgress, &r.SyncPRsTotal, &r.SyncPRsCompleted, &r.SyncStartedAt,
		&r.LastSyncedAt, &r.SyncError, &r.RateLimitRemaining, &r.RateLimitResetAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get repository %s: %w", fullName, err)
	}
	r.SyncStatus = models.SyncStatus(status)
	return &r, nil
}

// MarkSyncStarted moves a repository into the syncing state and clears
// the previous error.
func (db *DB) MarkSyncStarted(ctx context.Context, repoID int64, at time.Time) error {
	_, err := db.ExecContext(ctx, `
	UPDATE repositories
	SET sync_status = ?, sync_started_at = ?, sync_error = ''
	WHERE id = ?
	`, models.SyncRunning, at, repoID)
	if err != nil {
		return fmt.Errorf("failed to mark sync started: %w", err)
	}
	return nil
}

// UpdateSyncProgress records the per-run counters polled by progress UIs.
func (db *DB) UpdateSyncProgress(ctx context.Context, repoID int64, completed, total, progress int) error {
	_, err := db.ExecContext(ctx, `
	UPDATE repositories
	SET sync_prs_completed = ?, sync_prs_total = ?, sync_progress = ?
	WHERE id = ?
	`, completed, total, progress, repoID)
	if err != nil {
		return fmt.Errorf("failed to update sync progress: %w", err)
	}
	return nil
}

// SaveQuota persists the latest rate-limit observation so a paused run
// can be resumed by the scheduler after the reset.
func (db *DB) SaveQuota(ctx context.Context, repoID int64, remaining int, resetAt time.Time) error {
	_, err := db.ExecContext(ctx, `
	UPDATE repositories
	SET rate_limit_remaining = ?, rate_limit_reset_at = ?
	WHERE id = ?
	`, remaining, resetAt, repoID)
	if err != nil {
		return fmt.Errorf("failed to save quota state: %w", err)
	}
	return nil
}

// MarkSyncCompleted records a terminal success. last_synced_at only
// ever advances: a stale retry can never regress the boundary.
func (db *DB) MarkSyncCompleted(ctx context.Context, repoID int64, at time.Time) error {
	_, err := db.ExecContext(ctx, `
	UPDATE repositories
	SET sync_status = ?, sync_progress = 100, sync_error = '',
	    last_synced_at = MAX(COALESCE(last_synced_at, 0), ?)
	WHERE id = ?
	`, models.SyncCompleted, at, repoID)
	if err != nil {
		return fmt.Errorf("failed to mark sync completed: %w", err)
	}
	return nil
}

// MarkSyncFailed records a terminal failure with a user-visible error.
// Progress fields keep their last successful values.
func (db *DB) MarkSyncFailed(ctx context.Context, repoID int64, msg string) error {
	_, err := db.ExecContext(ctx, `
	UPDATE repositories
	SET sync_status = ?, sync_error = ?
	WHERE id = ?
	`, models.SyncFailed, msg, repoID)
	if err != nil {
		return fmt.Errorf("failed to mark sync failed: %w", err)
	}
	return nil
}

// UpsertMember writes a member keyed by (tenant, remote id). A lazy
// stub never erases richer data already present, and org membership is
// sticky until an explicit member sync rewrites it.
func (db *DB) UpsertMember(ctx context.Context, tenant string, m *models.Member) error {
	_, err := db.ExecContext(ctx, `
	INSERT INTO members (tenant, remote_id, login, name, avatar_url, org_member)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(tenant, remote_id) DO UPDATE SET
		login = CASE WHEN excluded.login != '' THEN excluded.login ELSE login END,
		name = CASE WHEN excluded.name != '' THEN excluded.name ELSE name END,
		avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE avatar_url END,
		org_member = MAX(org_member, excluded.org_member)
	`, tenant, m.RemoteID, m.Login, m.Name, m.AvatarURL, m.OrgMember)
	if err != nil {
		return fmt.Errorf("failed to save member %s: %w", m.Login, err)
	}
	return nil
}

// GetMember loads one member, or nil if unseen.
func (db *DB) GetMember(ctx context.Context, tenant string, remoteID int64) (*models.Member, error) {
	row := db.QueryRowContext(ctx, `
	SELECT remote_id, tenant, login, name, avatar_url, org_member
	FROM members WHERE tenant = ? AND remote_id = ?
	`, tenant, remoteID)

	var m models.Member
	err := row.Scan(&m.RemoteID, &m.Tenant, &m.Login, &m.Name, &m.AvatarURL, &m.OrgMember)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get member %d: %w", remoteID, err)
	}
	return &m, nil
}

// UpsertPullRequest writes a pull request keyed by (repository, number),
// last-write-wins from the remote except the fields derived here:
// cycle time, review time and review rounds are recomputed on every
// write, and first_review_at only ever moves earlier. Returns whether
// the row was created.
func (db *DB) UpsertPullRequest(ctx context.Context, pr *models.PullRequest) (bool, error) {
	var existingFirstReview sql.NullTime
	created := false
	err := db.QueryRowContext(ctx,
		`SELECT first_review_at FROM pull_requests WHERE repository_id = ? AND number = ?`,
		pr.RepositoryID, pr.Number,
	).Scan(&existingFirstReview)
	if err == sql.ErrNoRows {
		created = true
	} else if err != nil {
		return false, fmt.Errorf("failed to load pull request #%d: %w", pr.Number, err)
	}

	// First review time is monotonically earliest.
	if existingFirstReview.Valid {
		if pr.FirstReviewAt == nil || existingFirstReview.Time.Before(*pr.FirstReviewAt) {
			t := existingFirstReview.Time
			pr.FirstReviewAt = &t
		}
	}
	deriveDurations(pr)

	_, err = db.ExecContext(ctx, `
	INSERT INTO pull_requests (
		id, repository_id, number, title, body, state, author_id, author_login,
		created_at, updated_at, merged_at, closed_at, first_review_at,
		additions, deletions, draft, hotfix, revert, review_rounds,
		cycle_time_seconds, review_time_seconds
	)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(repository_id, number) DO UPDATE SET
		title = excluded.title,
		body = excluded.body,
		state = excluded.state,
		author_id = excluded.author_id,
		author_login = excluded.author_login,
		updated_at = excluded.updated_at,
		merged_at = excluded.merged_at,
		closed_at = excluded.closed_at,
		first_review_at = excluded.first_review_at,
		additions = excluded.additions,
		deletions = excluded.deletions,
		draft = excluded.draft,
		hotfix = excluded.hotfix,
		revert = excluded.revert,
		review_rounds = excluded.review_rounds,
		cycle_time_seconds = excluded.cycle_time_seconds,
		review_time_seconds = excluded.review_time_seconds
	`,
		pr.ID, pr.RepositoryID, pr.Number, pr.Title, pr.Body, pr.State,
		pr.AuthorID, pr.AuthorLogin, pr.CreatedAt, pr.UpdatedAt, pr.MergedAt,
		pr.ClosedAt, pr.FirstReviewAt, pr.Additions, pr.Deletions, pr.Draft,
		pr.Hotfix, pr.Revert, pr.ReviewRounds, pr.CycleTimeSeconds,
		pr.ReviewTimeSeconds,
	)
	if err != nil {
		return false, fmt.Errorf("failed to save pull request #%d: %w", pr.Number, err)
	}
	return created, nil
}

// deriveDurations recomputes the derived metrics from the current
// timestamps. The remote never supplies these.
func deriveDurations(pr *models.PullRequest) {
	pr.CycleTimeSeconds = nil
	pr.ReviewTimeSeconds = nil
	if pr.MergedAt == nil {
		return
	}
	cycle := int64(pr.MergedAt.Sub(pr.CreatedAt).Seconds())
	pr.CycleTimeSeconds = &cycle
	if pr.FirstReviewAt != nil {
		review := int64(pr.MergedAt.Sub(*pr.FirstReviewAt).Seconds())
		pr.ReviewTimeSeconds = &review
	}
}

// UpsertReview writes a review keyed by (pull request, remote id).
func (db *DB) UpsertReview(ctx context.Context, r *models.Review) error {
	_, err := db.ExecContext(ctx, `
	INSERT INTO reviews (pull_request_id, remote_id, author_id, author_login, state, body, submitted_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(pull_request_id, remote_id) DO UPDATE SET
		state = excluded.state,
		body = excluded.body,
		submitted_at = excluded.submitted_at
	`, r.PullRequestID, r.RemoteID, r.AuthorID, r.AuthorLogin, r.State, r.Body, r.SubmittedAt)
	if err != nil {
		return fmt.Errorf("failed to save review %d: %w", r.RemoteID, err)
	}
	return nil
}

// UpsertCommit writes a commit keyed by (pull request, sha).
func (db *DB) UpsertCommit(ctx context.Context, c *models.Commit) error {
	_, err := db.ExecContext(ctx, `
	INSERT INTO commits (pull_request_id, sha, author_id, author_login, message, additions, deletions, committed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(pull_request_id, sha) DO UPDATE SET
		author_id = excluded.author_id,
		author_login = excluded.author_login,
		message = excluded.message,
		additions = excluded.additions,
		deletions = excluded.deletions,
		committed_at = excluded.committed_at
	`, c.PullRequestID, c.SHA, c.AuthorID, c.AuthorLogin, c.Message, c.Additions, c.Deletions, c.CommittedAt)
	if err != nil {
		return fmt.Errorf("failed to save commit %s: %w", c.SHA, err)
	}
	return nil
}

// UpsertFile writes a changed file keyed by (pull request, path).
func (db *DB) UpsertFile(ctx context.Context, f *models.File) error {
	_, err := db.ExecContext(ctx, `
	INSERT INTO files (pull_request_id, path, status, additions, deletions)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(pull_request_id, path) DO UPDATE SET
		status = excluded.status,
		additions = excluded.additions,
		deletions = excluded.deletions
	`, f.PullRequestID, f.Path, f.Status, f.Additions, f.Deletions)
	if err != nil {
		return fmt.Errorf("failed to save file %s: %w", f.Path, err)
	}
	return nil
}

// UpsertComment writes a comment keyed by (pull request, remote id).
func (db *DB) UpsertComment(ctx context.Context, c *models.Comment) error {
	_, err := db.ExecContext(ctx, `
	INSERT INTO comments (pull_request_id, remote_id, author_id, author_login, body, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(pull_request_id, remote_id) DO UPDATE SET
		body = excluded.body,
		updated_at = excluded.updated_at
	`, c.PullRequestID, c.RemoteID, c.AuthorID, c.AuthorLogin, c.Body, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save comment %d: %w", c.RemoteID, err)
	}
	return nil
}

// UpsertCheckRun writes a check run keyed by (pull request, remote id).
func (db *DB) UpsertCheckRun(ctx context.Context, c *models.CheckRun) error {
	_, err := db.ExecContext(ctx, `
	INSERT INTO check_runs (pull_request_id, remote_id, name, status, conclusion, completed_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(pull_request_id, remote_id) DO UPDATE SET
		name = excluded.name,
		status = excluded.status,
		conclusion = excluded.conclusion,
		completed_at = excluded.completed_at
	`, c.PullRequestID, c.RemoteID, c.Name, c.Status, c.Conclusion, c.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to save check run %d: %w", c.RemoteID, err)
	}
	return nil
}

// SavePullRequestBundle writes one pull request and its nested records.
// Derived metric inputs (first review, rounds) are computed from the
// incoming reviews before the parent write. Per-entity failures are
// collected into the summary and never abort siblings.
func (db *DB) SavePullRequestBundle(ctx context.Context, tenant string, repoID int64, b *models.PullRequestBundle) (models.Summary, error) {
	var summary models.Summary
	summary.Errors = append(summary.Errors, b.Skipped...)

	// Member stubs first so author references resolve. A failed stub
	// must not block the pull-request write.
	seen := make(map[int64]bool)
	for _, m := range b.Accounts {
		if m == nil || seen[m.RemoteID] {
			continue
		}
		seen[m.RemoteID] = true
		if err := db.UpsertMember(ctx, tenant, m); err != nil {
			summary.Errors = append(summary.Errors, err.Error())
			continue
		}
		summary.Members++
	}

	pr := b.PullRequest
	pr.RepositoryID = repoID
	if t := models.EarliestReviewTime(b.Reviews); t != nil {
		pr.FirstReviewAt = t
	}
	pr.ReviewRounds = models.CountReviewRounds(b.Reviews)

	if _, err := db.UpsertPullRequest(ctx, pr); err != nil {
		return summary, err
	}
	summary.PRs++

	for _, r := range b.Reviews {
		r.PullRequestID = pr.ID
		if err := db.UpsertReview(ctx, r); err != nil {
			summary.Errors = append(summary.Errors, err.Error())
			continue
		}
		summary.Reviews++
	}
	for _, c := range b.Commits {
		c.PullRequestID = pr.ID
		if err := db.UpsertCommit(ctx, c); err != nil {
			summary.Errors = append(summary.Errors, err.Error())
			continue
		}
		summary.Commits++
	}
	for _, f := range b.Files {
		f.PullRequestID = pr.ID
		if err := db.UpsertFile(ctx, f); err != nil {
			summary.Errors = append(summary.Errors, err.Error())
			continue
		}
		summary.Files++
	}
	for _, c := range b.Comments {
		c.PullRequestID = pr.ID
		if err := db.UpsertComment(ctx, c); err != nil {
			summary.Errors = append(summary.Errors, err.Error())
			continue
		}
		summary.Comments++
	}
	for _, c := range b.CheckRuns {
		c.PullRequestID = pr.ID
		if err := db.UpsertCheckRun(ctx, c); err != nil {
			summary.Errors = append(summary.Errors, err.Error())
			continue
		}
		summary.CheckRuns++
	}

	return summary, nil
}

// CountPullRequests returns the stored pull-request count for one
// repository.
func (db *DB) CountPullRequests(ctx context.Context, repoID int64) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pull_requests WHERE repository_id = ?`, repoID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pull requests: %w", err)
	}
	return n, nil
}

// GetPullRequest loads one pull request by its natural key, or nil.
func (db *DB) GetPullRequest(ctx context.Context, repoID int64, number int) (*models.PullRequest, error) {
	row := db.QueryRowContext(ctx, `
	SELECT id, repository_id, number, title, body, state, author_id, author_login,
	       created_at, updated_at, merged_at, closed_at, first_review_at,
	       additions, deletions, draft, hotfix, revert, review_rounds,
	       cycle_time_seconds, review_time_seconds
	FROM pull_requests WHERE repository_id = ? AND number = ?
	`, repoID, number)

	var pr models.PullRequest
	err := row.Scan(&pr.ID, &pr.RepositoryID, &pr.Number, &pr.Title, &pr.Body,
		&pr.State, &pr.AuthorID, &pr.AuthorLogin, &pr.CreatedAt, &pr.UpdatedAt,
		&pr.MergedAt, &pr.ClosedAt, &pr.FirstReviewAt, &pr.Additions,
		&pr.Deletions, &pr.Draft, &pr.Hotfix, &pr.Revert, &pr.ReviewRounds,
		&pr.CycleTimeSeconds, &pr.ReviewTimeSeconds)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get pull request #%d: %w", number, err)
	}
	return &pr, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
