// Package api talks to the remote host over its two query protocols: a
// batched GraphQL protocol that returns a pull request and its nested
// sub-resources in one round trip, and a per-resource REST protocol
// that issues one call per resource per page. Both implement Fetcher so
// protocol choice stays a routing decision, never a call-site one.
package api

import (
	"context"
	"time"

	"github.com/pullsync/pullsync/internal/models"
)

// Page is one page of fetched data. NextCursor is empty when the
// pagination is exhausted. TotalCount is a best-effort total for
// progress reporting; zero means unknown.
type Page struct {
	PullRequests []*models.PullRequestBundle
	Members      []*models.Member
	NextCursor   string
	TotalCount   int
	Quota        QuotaState
}

// Fetcher is the common capability of both query protocols. Pages are
// returned in the host's updated-descending order so a caller can stop
// at an incremental-sync boundary.
type Fetcher interface {
	// Name identifies the protocol in logs.
	Name() string

	// FetchPullRequestsPage returns one page of pull requests with
	// nested sub-resources, starting at cursor ("" for the first page).
	// since is advisory: implementations may use it to trim work, but
	// the caller owns the boundary check.
	FetchPullRequestsPage(ctx context.Context, owner, name, cursor string, since time.Time, pageSize int) (*Page, error)

	// FetchPullRequest returns one pull request with nested
	// sub-resources, for single-entity refresh.
	FetchPullRequest(ctx context.Context, owner, name string, number int) (*models.PullRequestBundle, QuotaState, error)

	// FetchOrgMembersPage returns one page of organization members.
	FetchOrgMembersPage(ctx context.Context, org, cursor string, pageSize int) (*Page, error)
}
