package api

import (
	"strings"
	"time"

	"github.com/google/go-github/v57/github"

	"github.com/pullsync/pullsync/internal/models"
)

// Canonical state vocabularies. The two protocols spell these
// differently (REST "open"/"closed" plus a merged timestamp, GraphQL
// "OPEN"/"CLOSED"/"MERGED"); everything is normalized here.
const (
	StateOpen   = "open"
	StateClosed = "closed"
	StateMerged = "merged"
)

// NormalizePRState folds either protocol's pull-request state into the
// canonical vocabulary. A merge timestamp wins over the state string
// because REST reports merged PRs as "closed".
func NormalizePRState(state string, mergedAt *time.Time) string {
	if mergedAt != nil {
		return StateMerged
	}
	switch strings.ToLower(state) {
	case "open":
		return StateOpen
	case "merged":
		return StateMerged
	default:
		return StateClosed
	}
}

// NormalizeReviewState lowercases either protocol's review state
// ("APPROVED" vs "approved") into one vocabulary.
func NormalizeReviewState(state string) string {
	return strings.ToLower(state)
}

// DetectTitleFlags derives the hotfix and revert flags from a pull
// request title.
func DetectTitleFlags(title string) (hotfix, revert bool) {
	lower := strings.ToLower(title)
	hotfix = strings.Contains(lower, "hotfix")
	revert = strings.HasPrefix(lower, "revert")
	return hotfix, revert
}

// restUser maps a REST user to a member stub. Deleted accounts come
// through as nil and map to nil: the caller stores the record with a
// null member reference instead of failing it.
func restUser(u *github.User) *models.Member {
	if u == nil || u.GetID() == 0 {
		return nil
	}
	return &models.Member{
		RemoteID:  u.GetID(),
		Login:     u.GetLogin(),
		Name:      u.GetName(),
		AvatarURL: u.GetAvatarURL(),
	}
}

func restAuthorRef(u *github.User) (id *int64, login string) {
	if u == nil || u.GetID() == 0 {
		return nil, ""
	}
	v := u.GetID()
	return &v, u.GetLogin()
}

// restPullRequest maps a full REST pull request to the canonical record.
func restPullRequest(pr *github.PullRequest) (*models.PullRequest, error) {
	if pr == nil || pr.GetNumber() == 0 {
		return nil, &MappingError{Entity: "pull request", Reason: "missing number"}
	}

	var mergedAt, closedAt *time.Time
	if pr.MergedAt != nil {
		t := pr.MergedAt.Time
		mergedAt = &t
	}
	if pr.ClosedAt != nil {
		t := pr.ClosedAt.Time
		closedAt = &t
	}

	authorID, authorLogin := restAuthorRef(pr.User)
	hotfix, revert := DetectTitleFlags(pr.GetTitle())

	return &models.PullRequest{
		ID:          pr.GetID(),
		Number:      pr.GetNumber(),
		Title:       pr.GetTitle(),
		Body:        pr.GetBody(),
		State:       NormalizePRState(pr.GetState(), mergedAt),
		AuthorID:    authorID,
		AuthorLogin: authorLogin,
		CreatedAt:   pr.GetCreatedAt().Time,
		UpdatedAt:   pr.GetUpdatedAt().Time,
		MergedAt:    mergedAt,
		ClosedAt:    closedAt,
		Additions:   pr.GetAdditions(),
		Deletions:   pr.GetDeletions(),
		Draft:       pr.GetDraft(),
		Hotfix:      hotfix,
		Revert:      revert,
	}, nil
}

func restReview(r *github.PullRequestReview) (*models.Review, error) {
	if r == nil || r.GetID() == 0 {
		return nil, &MappingError{Entity: "review", Reason: "missing id"}
	}
	authorID, authorLogin := restAuthorRef(r.User)
	var submitted time.Time
	if r.SubmittedAt != nil {
		submitted = r.SubmittedAt.Time
	}
	return &models.Review{
		RemoteID:    r.GetID(),
		AuthorID:    authorID,
		AuthorLogin: authorLogin,
		State:       NormalizeReviewState(r.GetState()),
		Body:        r.GetBody(),
		SubmittedAt: submitted,
	}, nil
}

func restCommit(c *github.RepositoryCommit) (*models.Commit, error) {
	if c == nil || c.GetSHA() == "" {
		return nil, &MappingError{Entity: "commit", Reason: "missing sha"}
	}
	authorID, authorLogin := restAuthorRef(c.Author)
	var committedAt time.Time
	var message string
	if c.Commit != nil {
		message = c.Commit.GetMessage()
		if c.Commit.Author != nil {
			committedAt = c.Commit.Author.GetDate().Time
		}
	}
	commit := &models.Commit{
		SHA:         c.GetSHA(),
		AuthorID:    authorID,
		AuthorLogin: authorLogin,
		Message:     message,
		CommittedAt: committedAt,
	}
	if c.Stats != nil {
		commit.Additions = c.Stats.GetAdditions()
		commit.Deletions = c.Stats.GetDeletions()
	}
	return commit, nil
}

func restFile(f *github.CommitFile) (*models.File, error) {
	if f == nil || f.GetFilename() == "" {
		return nil, &MappingError{Entity: "file", Reason: "missing path"}
	}
	return &models.File{
		Path:      f.GetFilename(),
		Status:    f.GetStatus(),
		Additions: f.GetAdditions(),
		Deletions: f.GetDeletions(),
	}, nil
}

func restComment(c *github.IssueComment) (*models.Comment, error) {
	if c == nil || c.GetID() == 0 {
		return nil, &MappingError{Entity: "comment", Reason: "missing id"}
	}
	authorID, authorLogin := restAuthorRef(c.User)
	return &models.Comment{
		RemoteID:    c.GetID(),
		AuthorID:    authorID,
		AuthorLogin: authorLogin,
		Body:        c.GetBody(),
		CreatedAt:   c.GetCreatedAt().Time,
		UpdatedAt:   c.GetUpdatedAt().Time,
	}, nil
}

func restCheckRun(c *github.CheckRun) (*models.CheckRun, error) {
	if c == nil || c.GetID() == 0 {
		return nil, &MappingError{Entity: "check run", Reason: "missing id"}
	}
	var completedAt *time.Time
	if c.CompletedAt != nil {
		t := c.CompletedAt.Time
		completedAt = &t
	}
	return &models.CheckRun{
		RemoteID:    c.GetID(),
		Name:        c.GetName(),
		Status:      c.GetStatus(),
		Conclusion:  c.GetConclusion(),
		CompletedAt: completedAt,
	}, nil
}
