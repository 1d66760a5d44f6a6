package models

import (
	"time"
)

// SyncStatus is the lifecycle state of a tracked repository's sync.
type SyncStatus string

const (
	SyncPending   SyncStatus = "pending"
	SyncRunning   SyncStatus = "syncing"
	SyncCompleted SyncStatus = "completed"
	SyncFailed    SyncStatus = "failed"
)

// TrackedRepository is a remote repository under sync for one tenant.
type TrackedRepository struct {
	ID       int64
	Tenant   string
	Owner    string
	Name     string
	FullName string

	SyncStatus       SyncStatus
	SyncProgress     int // 0-100
	SyncPRsTotal     int
	SyncPRsCompleted int
	SyncStartedAt    *time.Time
	LastSyncedAt     *time.Time
	SyncError        string

	RateLimitRemaining int
	RateLimitResetAt   *time.Time
}

// PullRequest is the canonical unit of work. Natural key:
// (tenant via repository, repository, number).
type PullRequest struct {
	ID           int64
	RepositoryID int64
	Number       int
	Title        string
	Body         string
	State        string // open, merged, closed
	AuthorID     *int64
	AuthorLogin  string

	CreatedAt     time.Time
	UpdatedAt     time.Time
	MergedAt      *time.Time
	ClosedAt      *time.Time
	FirstReviewAt *time.Time

	Additions int
	Deletions int

	Draft  bool
	Hotfix bool
	Revert bool

	ReviewRounds int

	// Derived on every write by the store, never taken from the wire.
	CycleTimeSeconds  *int64
	ReviewTimeSeconds *int64
}

// Review is a submitted pull-request review.
type Review struct {
	RemoteID      int64
	PullRequestID int64
	AuthorID      *int64
	AuthorLogin   string
	State         string // approved, changes_requested, commented, dismissed
	Body          string
	SubmittedAt   time.Time
}

// Commit is a commit on a pull request.
type Commit struct {
	SHA           string
	PullRequestID int64
	AuthorID      *int64
	AuthorLogin   string
	Message       string
	Additions     int
	Deletions     int
	CommittedAt   time.Time
}

// File is a changed file on a pull request.
type File struct {
	PullRequestID int64
	Path          string
	Status        string // added, modified, removed, renamed
	Additions     int
	Deletions     int
}

// Comment is an issue or review comment on a pull request.
type Comment struct {
	RemoteID      int64
	PullRequestID int64
	AuthorID      *int64
	AuthorLogin   string
	Body          string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CheckRun is a CI check result attached to a pull request's head commit.
type CheckRun struct {
	RemoteID      int64
	PullRequestID int64
	Name          string
	Status        string // queued, in_progress, completed
	Conclusion    string // success, failure, neutral, cancelled, skipped, timed_out
	CompletedAt   *time.Time
}

// Member is a person known to a tenant, resolved by remote user id.
// Created lazily when an unseen author appears on an incoming record.
type Member struct {
	RemoteID  int64
	Tenant    string
	Login     string
	Name      string
	AvatarURL string
	OrgMember bool
}

// PullRequestBundle groups a pull request with its nested records and
// the accounts seen on them, as produced by one fetch. Sub-entity
// PullRequestID fields are filled in by the store at write time.
type PullRequestBundle struct {
	PullRequest *PullRequest
	Reviews     []*Review
	Commits     []*Commit
	Files       []*File
	Comments    []*Comment
	CheckRuns   []*CheckRun
	Accounts    []*Member

	// Skipped lists per-entity mapping failures, as reasons. A skipped
	// entity never aborts its siblings.
	Skipped []string
}

// Summary is the completion report for one sync operation.
type Summary struct {
	PRs       int
	Reviews   int
	Commits   int
	Files     int
	Comments  int
	CheckRuns int
	Members   int
	Errors    []string
}

// Add accumulates another summary into this one.
func (s *Summary) Add(o Summary) {
	s.PRs += o.PRs
	s.Reviews += o.Reviews
	s.Commits += o.Commits
	s.Files += o.Files
	s.Comments += o.Comments
	s.CheckRuns += o.CheckRuns
	s.Members += o.Members
	s.Errors = append(s.Errors, o.Errors...)
}

// EarliestReviewTime returns the earliest submission time among the
// given reviews, or nil if there are none.
func EarliestReviewTime(reviews []*Review) *time.Time {
	var earliest *time.Time
	for _, r := range reviews {
		if r.SubmittedAt.IsZero() {
			continue
		}
		if earliest == nil || r.SubmittedAt.Before(*earliest) {
			t := r.SubmittedAt
			earliest = &t
		}
	}
	return earliest
}

// CountReviewRounds counts review rounds: one for the initial
// submission wave, plus one per changes-requested review that sent the
// PR back to the author.
func CountReviewRounds(reviews []*Review) int {
	if len(reviews) == 0 {
		return 0
	}
	rounds := 1
	for _, r := range reviews {
		if r.State == "changes_requested" {
			rounds++
		}
	}
	return rounds
}
