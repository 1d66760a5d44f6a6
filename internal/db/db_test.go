package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pullsync/pullsync/internal/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	database, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, database.Initialize())
	t.Cleanup(func() { database.Close() })
	return database
}

func trackRepo(t *testing.T, database *DB) *models.TrackedRepository {
	t.Helper()
	repo, err := database.EnsureTrackedRepository(context.Background(), "default", "acme", "widgets")
	require.NoError(t, err)
	require.NotNil(t, repo)
	return repo
}

func int64p(v int64) *int64       { return &v }
func timep(v time.Time) *time.Time { return &v }

func TestEnsureTrackedRepositoryIdempotent(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	first := trackRepo(t, database)
	assert.Equal(t, models.SyncPending, first.SyncStatus)

	second, err := database.EnsureTrackedRepository(ctx, "default", "acme", "widgets")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// Same repository for a different tenant is a separate row.
	other, err := database.EnsureTrackedRepository(ctx, "tenant-b", "acme", "widgets")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestUpsertPullRequestIdempotent(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	repo := trackRepo(t, database)

	created := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	pr := &models.PullRequest{
		ID:           1001,
		RepositoryID: repo.ID,
		Number:       1,
		Title:        "add cache",
		State:        "open",
		CreatedAt:    created,
		UpdatedAt:    created,
	}

	wasCreated, err := database.UpsertPullRequest(ctx, pr)
	require.NoError(t, err)
	assert.True(t, wasCreated)

	pr.Title = "add cache layer"
	wasCreated, err = database.UpsertPullRequest(ctx, pr)
	require.NoError(t, err)
	assert.False(t, wasCreated)

	count, err := database.CountPullRequests(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stored, err := database.GetPullRequest(ctx, repo.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "add cache layer", stored.Title)
}

func TestUpsertPullRequestDerivesCycleTime(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	repo := trackRepo(t, database)

	created := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	merged := created.Add(48 * time.Hour)
	firstReview := created.Add(6 * time.Hour)

	_, err := database.UpsertPullRequest(ctx, &models.PullRequest{
		ID:            1002,
		RepositoryID:  repo.ID,
		Number:        2,
		Title:         "merged pr",
		State:         "merged",
		CreatedAt:     created,
		UpdatedAt:     merged,
		MergedAt:      &merged,
		FirstReviewAt: &firstReview,
	})
	require.NoError(t, err)

	stored, err := database.GetPullRequest(ctx, repo.ID, 2)
	require.NoError(t, err)
	require.NotNil(t, stored.CycleTimeSeconds)
	assert.Equal(t, int64(48*3600), *stored.CycleTimeSeconds)
	require.NotNil(t, stored.ReviewTimeSeconds)
	assert.Equal(t, int64(42*3600), *stored.ReviewTimeSeconds)
}

func TestFirstReviewAtNeverRegresses(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	repo := trackRepo(t, database)

	created := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	early := created.Add(2 * time.Hour)
	late := created.Add(20 * time.Hour)

	base := models.PullRequest{
		ID:           1003,
		RepositoryID: repo.ID,
		Number:       3,
		Title:        "reviewed pr",
		State:        "open",
		CreatedAt:    created,
		UpdatedAt:    created,
	}

	first := base
	first.FirstReviewAt = timep(early)
	_, err := database.UpsertPullRequest(ctx, &first)
	require.NoError(t, err)

	// A later fetch that only sees a later review must not move the
	// first-review time forward.
	second := base
	second.FirstReviewAt = timep(late)
	_, err = database.UpsertPullRequest(ctx, &second)
	require.NoError(t, err)

	stored, err := database.GetPullRequest(ctx, repo.ID, 3)
	require.NoError(t, err)
	require.NotNil(t, stored.FirstReviewAt)
	assert.True(t, stored.FirstReviewAt.Equal(early))

	// An earlier one may still move it back.
	earlier := base
	earlier.FirstReviewAt = timep(created.Add(time.Hour))
	_, err = database.UpsertPullRequest(ctx, &earlier)
	require.NoError(t, err)

	stored, err = database.GetPullRequest(ctx, repo.ID, 3)
	require.NoError(t, err)
	assert.True(t, stored.FirstReviewAt.Equal(created.Add(time.Hour)))
}

func TestUpsertMemberStubDoesNotEraseRicherData(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	require.NoError(t, database.UpsertMember(ctx, "default", &models.Member{
		RemoteID:  7,
		Login:     "alice",
		Name:      "Alice",
		AvatarURL: "https://example.com/a.png",
		OrgMember: true,
	}))

	// Lazy stub from a commit with only an id and login.
	require.NoError(t, database.UpsertMember(ctx, "default", &models.Member{
		RemoteID: 7,
		Login:    "alice",
	}))

	m, err := database.GetMember(ctx, "default", 7)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "Alice", m.Name)
	assert.Equal(t, "https://example.com/a.png", m.AvatarURL)
	assert.True(t, m.OrgMember)
}

func TestSavePullRequestBundle(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	repo := trackRepo(t, database)

	created := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	merged := created.Add(24 * time.Hour)
	reviewAt := created.Add(3 * time.Hour)

	bundle := &models.PullRequestBundle{
		PullRequest: &models.PullRequest{
			ID:        2001,
			Number:    10,
			Title:     "bundle pr",
			State:     "merged",
			AuthorID:  int64p(7),
			CreatedAt: created,
			UpdatedAt: merged,
			MergedAt:  &merged,
		},
		Reviews: []*models.Review{
			{RemoteID: 301, AuthorID: int64p(8), State: "changes_requested", SubmittedAt: reviewAt},
			{RemoteID: 302, AuthorID: int64p(8), State: "approved", SubmittedAt: reviewAt.Add(time.Hour)},
		},
		Commits: []*models.Commit{
			{SHA: "aaa", AuthorID: int64p(7), CommittedAt: created},
		},
		Files: []*models.File{
			{Path: "main.go", Status: "modified", Additions: 5},
		},
		Comments: []*models.Comment{
			{RemoteID: 401, AuthorID: int64p(8), Body: "lgtm", CreatedAt: reviewAt, UpdatedAt: reviewAt},
		},
		CheckRuns: []*models.CheckRun{
			{RemoteID: 501, Name: "ci", Status: "completed", Conclusion: "success"},
		},
		Accounts: []*models.Member{
			{RemoteID: 7, Login: "alice"},
			{RemoteID: 8, Login: "bob"},
		},
	}

	summary, err := database.SavePullRequestBundle(ctx, "default", repo.ID, bundle)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.PRs)
	assert.Equal(t, 2, summary.Reviews)
	assert.Equal(t, 1, summary.Commits)
	assert.Equal(t, 1, summary.Files)
	assert.Equal(t, 1, summary.Comments)
	assert.Equal(t, 1, summary.CheckRuns)
	assert.Equal(t, 2, summary.Members)
	assert.Empty(t, summary.Errors)

	stored, err := database.GetPullRequest(ctx, repo.ID, 10)
	require.NoError(t, err)
	require.NotNil(t, stored.FirstReviewAt)
	assert.True(t, stored.FirstReviewAt.Equal(reviewAt))
	assert.Equal(t, 2, stored.ReviewRounds)

	// Writing the same bundle again changes nothing structurally.
	summary, err = database.SavePullRequestBundle(ctx, "default", repo.ID, bundle)
	require.NoError(t, err)
	assert.Empty(t, summary.Errors)

	count, err := database.CountPullRequests(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	var reviews int
	require.NoError(t, database.QueryRow(`SELECT COUNT(*) FROM reviews`).Scan(&reviews))
	assert.Equal(t, 2, reviews)
}

func TestSubEntitiesKeyedPerPullRequest(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	repoA := trackRepo(t, database)
	repoB, err := database.EnsureTrackedRepository(ctx, "tenant-b", "acme", "widgets")
	require.NoError(t, err)

	created := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	reviewAt := created.Add(3 * time.Hour)

	// Both tenants mirror the same remote pull request, so the review,
	// comment and check-run remote ids collide. Each tenant must keep
	// its own rows.
	bundle := func(prID int64) *models.PullRequestBundle {
		return &models.PullRequestBundle{
			PullRequest: &models.PullRequest{
				ID:        prID,
				Number:    7,
				Title:     "shared upstream pr",
				State:     "open",
				CreatedAt: created,
				UpdatedAt: created,
			},
			Reviews: []*models.Review{
				{RemoteID: 900, AuthorID: int64p(8), State: "approved", SubmittedAt: reviewAt},
			},
			Comments: []*models.Comment{
				{RemoteID: 910, AuthorID: int64p(8), Body: "lgtm", CreatedAt: reviewAt, UpdatedAt: reviewAt},
			},
			CheckRuns: []*models.CheckRun{
				{RemoteID: 920, Name: "ci", Status: "completed", Conclusion: "success"},
			},
		}
	}

	sumA, err := database.SavePullRequestBundle(ctx, "default", repoA.ID, bundle(3001))
	require.NoError(t, err)
	require.Empty(t, sumA.Errors)

	sumB, err := database.SavePullRequestBundle(ctx, "tenant-b", repoB.ID, bundle(3002))
	require.NoError(t, err)
	require.Empty(t, sumB.Errors)
	assert.Equal(t, 1, sumB.Reviews)

	countFor := func(table string, prID int64) int {
		var n int
		require.NoError(t, database.QueryRow(
			`SELECT COUNT(*) FROM `+table+` WHERE pull_request_id = ?`, prID,
		).Scan(&n))
		return n
	}

	for _, table := range []string{"reviews", "comments", "check_runs"} {
		assert.Equal(t, 1, countFor(table, 3001), "%s for first tenant", table)
		assert.Equal(t, 1, countFor(table, 3002), "%s for second tenant", table)
	}

	// Re-writing one tenant's bundle stays idempotent and leaves the
	// other tenant's rows alone.
	_, err = database.SavePullRequestBundle(ctx, "tenant-b", repoB.ID, bundle(3002))
	require.NoError(t, err)
	assert.Equal(t, 1, countFor("reviews", 3001))
	assert.Equal(t, 1, countFor("reviews", 3002))
}

func TestSyncStateMachine(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	repo := trackRepo(t, database)

	start := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, database.MarkSyncStarted(ctx, repo.ID, start))
	require.NoError(t, database.UpdateSyncProgress(ctx, repo.ID, 60, 120, 50))
	require.NoError(t, database.SaveQuota(ctx, repo.ID, 420, start.Add(time.Hour)))

	cur, err := database.GetTrackedRepository(ctx, "default", "acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunning, cur.SyncStatus)
	assert.Equal(t, 50, cur.SyncProgress)
	assert.Equal(t, 60, cur.SyncPRsCompleted)
	assert.Equal(t, 120, cur.SyncPRsTotal)
	assert.Equal(t, 420, cur.RateLimitRemaining)

	done := start.Add(2 * time.Hour)
	require.NoError(t, database.MarkSyncCompleted(ctx, repo.ID, done))

	cur, err = database.GetTrackedRepository(ctx, "default", "acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, models.SyncCompleted, cur.SyncStatus)
	assert.Equal(t, 100, cur.SyncProgress)
	require.NotNil(t, cur.LastSyncedAt)
	assert.True(t, cur.LastSyncedAt.Equal(done))
}

func TestLastSyncedAtNeverRegresses(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	repo := trackRepo(t, database)

	later := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	earlier := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, database.MarkSyncCompleted(ctx, repo.ID, later))
	// A stale retry completing out of order must not move the boundary
	// backwards.
	require.NoError(t, database.MarkSyncCompleted(ctx, repo.ID, earlier))

	cur, err := database.GetTrackedRepository(ctx, "default", "acme/widgets")
	require.NoError(t, err)
	require.NotNil(t, cur.LastSyncedAt)
	assert.True(t, cur.LastSyncedAt.Equal(later))
}

func TestMarkSyncFailedFreezesProgress(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()
	repo := trackRepo(t, database)

	require.NoError(t, database.MarkSyncStarted(ctx, repo.ID, time.Now()))
	require.NoError(t, database.UpdateSyncProgress(ctx, repo.ID, 30, 120, 25))
	require.NoError(t, database.MarkSyncFailed(ctx, repo.ID, "token revoked"))

	cur, err := database.GetTrackedRepository(ctx, "default", "acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, models.SyncFailed, cur.SyncStatus)
	assert.Equal(t, "token revoked", cur.SyncError)
	assert.Equal(t, 25, cur.SyncProgress)
	assert.Equal(t, 30, cur.SyncPRsCompleted)
}
