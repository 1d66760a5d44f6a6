package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"

	"github.com/pullsync/pullsync/internal/models"
)

// GraphQLClient is the batched protocol client. One query returns a
// page of pull requests together with their reviews, commits, files,
// comments and check runs, at a variable point cost reported by the
// rateLimit block.
type GraphQLClient struct {
	client *githubv4.Client
	log    *zap.Logger
}

// NewGraphQLClient creates a batched client authenticated with token.
func NewGraphQLClient(token string, log *zap.Logger) *GraphQLClient {
	return &GraphQLClient{
		client: githubv4.NewClient(newOAuthClient(context.Background(), token)),
		log:    log,
	}
}

// Name implements Fetcher.
func (c *GraphQLClient) Name() string { return "graphql" }

// actor is a GraphQL author reference. Inline fragments cover the
// concrete types that carry a databaseId.
type actor struct {
	Login               githubv4.String
	AvatarURL           githubv4.String `graphql:"avatarUrl"`
	UserDatabaseID      githubv4.Int    `graphql:"... on User { databaseId }"`
	BotDatabaseID       githubv4.Int    `graphql:"... on Bot { databaseId }"`
	MannequinDatabaseID githubv4.Int    `graphql:"... on Mannequin { databaseId }"`
}

// remoteID extracts the numeric account id from an actor. Deleted
// accounts come back with every field zero; they map to no id at all
// and the caller stores a null member reference.
func (a actor) remoteID() int64 {
	switch {
	case a.UserDatabaseID > 0:
		return int64(a.UserDatabaseID)
	case a.BotDatabaseID > 0:
		return int64(a.BotDatabaseID)
	case a.MannequinDatabaseID > 0:
		return int64(a.MannequinDatabaseID)
	}
	return 0
}

func (a actor) ref() (id *int64, login string) {
	rid := a.remoteID()
	if rid == 0 {
		return nil, string(a.Login)
	}
	return &rid, string(a.Login)
}

func (a actor) member() *models.Member {
	rid := a.remoteID()
	if rid == 0 {
		return nil
	}
	return &models.Member{
		RemoteID:  rid,
		Login:     string(a.Login),
		AvatarURL: string(a.AvatarURL),
	}
}

type reviewNode struct {
	DatabaseID  githubv4.Int `graphql:"databaseId"`
	State       githubv4.String
	Body        githubv4.String
	SubmittedAt *githubv4.DateTime
	Author      actor
}

type commitNode struct {
	Commit struct {
		Oid           githubv4.String
		Message       githubv4.String
		Additions     githubv4.Int
		Deletions     githubv4.Int
		CommittedDate githubv4.DateTime
		Author        struct {
			User struct {
				DatabaseID githubv4.Int `graphql:"databaseId"`
				Login      githubv4.String
				AvatarURL  githubv4.String `graphql:"avatarUrl"`
			}
		}
	}
}

type fileNode struct {
	Path       githubv4.String
	Additions  githubv4.Int
	Deletions  githubv4.Int
	ChangeType githubv4.String
}

type commentNode struct {
	DatabaseID githubv4.Int `graphql:"databaseId"`
	Body       githubv4.String
	CreatedAt  githubv4.DateTime
	UpdatedAt  githubv4.DateTime
	Author     actor
}

type checkContextNode struct {
	TypeName githubv4.String `graphql:"__typename"`
	CheckRun struct {
		DatabaseID  githubv4.Int `graphql:"databaseId"`
		Name        githubv4.String
		Status      githubv4.String
		Conclusion  githubv4.String
		CompletedAt *githubv4.DateTime
	} `graphql:"... on CheckRun"`
}

// prNode selects a pull request with all nested sub-resources inline.
// The aliased single-commit connection carries the head commit's check
// rollup without re-fetching the full commit list.
type prNode struct {
	DatabaseID githubv4.Int `graphql:"databaseId"`
	Number     githubv4.Int
	Title      githubv4.String
	Body       githubv4.String
	State      githubv4.String
	IsDraft    githubv4.Boolean
	CreatedAt  githubv4.DateTime
	UpdatedAt  githubv4.DateTime
	MergedAt   *githubv4.DateTime
	ClosedAt   *githubv4.DateTime
	Additions  githubv4.Int
	Deletions  githubv4.Int
	Author     actor

	Reviews struct {
		Nodes []reviewNode
	} `graphql:"reviews(first: 50)"`

	Commits struct {
		Nodes []commitNode
	} `graphql:"commits(first: 100)"`

	HeadCommit struct {
		Nodes []struct {
			Commit struct {
				StatusCheckRollup struct {
					Contexts struct {
						Nodes []checkContextNode
					} `graphql:"contexts(first: 50)"`
				}
			}
		}
	} `graphql:"headCommit: commits(last: 1)"`

	Files struct {
		Nodes []fileNode
	} `graphql:"files(first: 100)"`

	Comments struct {
		Nodes []commentNode
	} `graphql:"comments(first: 50)"`
}

type rateLimitBlock struct {
	Limit     githubv4.Int
	Cost      githubv4.Int
	Remaining githubv4.Int
	ResetAt   githubv4.DateTime
}

func (r rateLimitBlock) quota() QuotaState {
	return QuotaState{
		Remaining: int(r.Remaining),
		Limit:     int(r.Limit),
		Cost:      int(r.Cost),
		ResetAt:   r.ResetAt.Time,
	}
}

// FetchPullRequestsPage implements Fetcher. The cursor is the opaque
// GraphQL end cursor of the previous page.
func (c *GraphQLClient) FetchPullRequestsPage(ctx context.Context, owner, name, cursor string, since time.Time, pageSize int) (*Page, error) {
	var query struct {
		RateLimit  rateLimitBlock
		Repository struct {
			PullRequests struct {
				TotalCount githubv4.Int
				Nodes      []prNode
				PageInfo   struct {
					EndCursor   githubv4.String
					HasNextPage githubv4.Boolean
				}
			} `graphql:"pullRequests(first: $pageSize, after: $cursor, orderBy: {field: UPDATED_AT, direction: DESC}, states: [OPEN, CLOSED, MERGED])"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	var after *githubv4.String
	if cursor != "" {
		after = githubv4.NewString(githubv4.String(cursor))
	}
	variables := map[string]interface{}{
		"owner":    githubv4.String(owner),
		"name":     githubv4.String(name),
		"pageSize": githubv4.Int(pageSize),
		"cursor":   after,
	}

	err := withRetry(ctx, "query pull requests", func() error {
		return classifyGraphQLError(c.client.Query(ctx, &query, variables))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query pull requests for %s/%s: %w", owner, name, err)
	}

	page := &Page{
		TotalCount: int(query.Repository.PullRequests.TotalCount),
		Quota:      query.RateLimit.quota(),
	}
	for i := range query.Repository.PullRequests.Nodes {
		page.PullRequests = append(page.PullRequests, c.mapBundle(&query.Repository.PullRequests.Nodes[i]))
	}
	if bool(query.Repository.PullRequests.PageInfo.HasNextPage) {
		page.NextCursor = string(query.Repository.PullRequests.PageInfo.EndCursor)
	}
	return page, nil
}

// FetchPullRequest implements Fetcher.
func (c *GraphQLClient) FetchPullRequest(ctx context.Context, owner, name string, number int) (*models.PullRequestBundle, QuotaState, error) {
	var query struct {
		RateLimit  rateLimitBlock
		Repository struct {
			PullRequest prNode `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	variables := map[string]interface{}{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(name),
		"number": githubv4.Int(number),
	}

	err := withRetry(ctx, "query pull request", func() error {
		return classifyGraphQLError(c.client.Query(ctx, &query, variables))
	})
	quota := query.RateLimit.quota()
	if err != nil {
		return nil, quota, fmt.Errorf("failed to query pull request #%d: %w", number, err)
	}
	if int(query.Repository.PullRequest.Number) == 0 {
		return nil, quota, &MappingError{Entity: "pull request", Reason: fmt.Sprintf("#%d not found", number)}
	}
	return c.mapBundle(&query.Repository.PullRequest), quota, nil
}

// FetchOrgMembersPage implements Fetcher.
func (c *GraphQLClient) FetchOrgMembersPage(ctx context.Context, org, cursor string, pageSize int) (*Page, error) {
	var query struct {
		RateLimit    rateLimitBlock
		Organization struct {
			MembersWithRole struct {
				TotalCount githubv4.Int
				Nodes      []struct {
					DatabaseID githubv4.Int `graphql:"databaseId"`
					Login      githubv4.String
					Name       githubv4.String
					AvatarURL  githubv4.String `graphql:"avatarUrl"`
				}
				PageInfo struct {
					EndCursor   githubv4.String
					HasNextPage githubv4.Boolean
				}
			} `graphql:"membersWithRole(first: $pageSize, after: $cursor)"`
		} `graphql:"organization(login: $org)"`
	}

	var after *githubv4.String
	if cursor != "" {
		after = githubv4.NewString(githubv4.String(cursor))
	}
	variables := map[string]interface{}{
		"org":      githubv4.String(org),
		"pageSize": githubv4.Int(pageSize),
		"cursor":   after,
	}

	err := withRetry(ctx, "query org members", func() error {
		return classifyGraphQLError(c.client.Query(ctx, &query, variables))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query members for %s: %w", org, err)
	}

	page := &Page{
		TotalCount: int(query.Organization.MembersWithRole.TotalCount),
		Quota:      query.RateLimit.quota(),
	}
	for _, n := range query.Organization.MembersWithRole.Nodes {
		if n.DatabaseID == 0 {
			continue
		}
		page.Members = append(page.Members, &models.Member{
			RemoteID:  int64(n.DatabaseID),
			Login:     string(n.Login),
			Name:      string(n.Name),
			AvatarURL: string(n.AvatarURL),
			OrgMember: true,
		})
	}
	if bool(query.Organization.MembersWithRole.PageInfo.HasNextPage) {
		page.NextCursor = string(query.Organization.MembersWithRole.PageInfo.EndCursor)
	}
	return page, nil
}

// mapBundle normalizes one GraphQL pull-request node into the canonical
// bundle. A sub-entity that cannot be mapped is skipped with a reason;
// its siblings are unaffected.
func (c *GraphQLClient) mapBundle(node *prNode) *models.PullRequestBundle {
	var mergedAt, closedAt *time.Time
	if node.MergedAt != nil {
		t := node.MergedAt.Time
		mergedAt = &t
	}
	if node.ClosedAt != nil {
		t := node.ClosedAt.Time
		closedAt = &t
	}

	authorID, authorLogin := node.Author.ref()
	hotfix, revert := DetectTitleFlags(string(node.Title))

	bundle := &models.PullRequestBundle{
		PullRequest: &models.PullRequest{
			ID:          int64(node.DatabaseID),
			Number:      int(node.Number),
			Title:       string(node.Title),
			Body:        string(node.Body),
			State:       NormalizePRState(string(node.State), mergedAt),
			AuthorID:    authorID,
			AuthorLogin: authorLogin,
			CreatedAt:   node.CreatedAt.Time,
			UpdatedAt:   node.UpdatedAt.Time,
			MergedAt:    mergedAt,
			ClosedAt:    closedAt,
			Additions:   int(node.Additions),
			Deletions:   int(node.Deletions),
			Draft:       bool(node.IsDraft),
			Hotfix:      hotfix,
			Revert:      revert,
		},
	}
	if m := node.Author.member(); m != nil {
		bundle.Accounts = append(bundle.Accounts, m)
	}

	for _, r := range node.Reviews.Nodes {
		if r.DatabaseID == 0 {
			bundle.Skipped = append(bundle.Skipped, fmt.Sprintf("#%d: review missing id", int(node.Number)))
			continue
		}
		var submitted time.Time
		if r.SubmittedAt != nil {
			submitted = r.SubmittedAt.Time
		}
		reviewAuthorID, reviewAuthorLogin := r.Author.ref()
		bundle.Reviews = append(bundle.Reviews, &models.Review{
			RemoteID:    int64(r.DatabaseID),
			AuthorID:    reviewAuthorID,
			AuthorLogin: reviewAuthorLogin,
			State:       NormalizeReviewState(string(r.State)),
			Body:        string(r.Body),
			SubmittedAt: submitted,
		})
		if m := r.Author.member(); m != nil {
			bundle.Accounts = append(bundle.Accounts, m)
		}
	}

	for _, cn := range node.Commits.Nodes {
		if cn.Commit.Oid == "" {
			bundle.Skipped = append(bundle.Skipped, fmt.Sprintf("#%d: commit missing sha", int(node.Number)))
			continue
		}
		commit := &models.Commit{
			SHA:         string(cn.Commit.Oid),
			Message:     string(cn.Commit.Message),
			Additions:   int(cn.Commit.Additions),
			Deletions:   int(cn.Commit.Deletions),
			CommittedAt: cn.Commit.CommittedDate.Time,
		}
		if uid := int64(cn.Commit.Author.User.DatabaseID); uid > 0 {
			commit.AuthorID = &uid
			commit.AuthorLogin = string(cn.Commit.Author.User.Login)
			bundle.Accounts = append(bundle.Accounts, &models.Member{
				RemoteID:  uid,
				Login:     string(cn.Commit.Author.User.Login),
				AvatarURL: string(cn.Commit.Author.User.AvatarURL),
			})
		}
		bundle.Commits = append(bundle.Commits, commit)
	}

	for _, f := range node.Files.Nodes {
		if f.Path == "" {
			bundle.Skipped = append(bundle.Skipped, fmt.Sprintf("#%d: file missing path", int(node.Number)))
			continue
		}
		bundle.Files = append(bundle.Files, &models.File{
			Path:      string(f.Path),
			Status:    strings.ToLower(string(f.ChangeType)),
			Additions: int(f.Additions),
			Deletions: int(f.Deletions),
		})
	}

	for _, cm := range node.Comments.Nodes {
		if cm.DatabaseID == 0 {
			bundle.Skipped = append(bundle.Skipped, fmt.Sprintf("#%d: comment missing id", int(node.Number)))
			continue
		}
		commentAuthorID, commentAuthorLogin := cm.Author.ref()
		bundle.Comments = append(bundle.Comments, &models.Comment{
			RemoteID:    int64(cm.DatabaseID),
			AuthorID:    commentAuthorID,
			AuthorLogin: commentAuthorLogin,
			Body:        string(cm.Body),
			CreatedAt:   cm.CreatedAt.Time,
			UpdatedAt:   cm.UpdatedAt.Time,
		})
		if m := cm.Author.member(); m != nil {
			bundle.Accounts = append(bundle.Accounts, m)
		}
	}

	for _, hc := range node.HeadCommit.Nodes {
		for _, cc := range hc.Commit.StatusCheckRollup.Contexts.Nodes {
			if string(cc.TypeName) != "CheckRun" || cc.CheckRun.DatabaseID == 0 {
				continue
			}
			var completedAt *time.Time
			if cc.CheckRun.CompletedAt != nil {
				t := cc.CheckRun.CompletedAt.Time
				completedAt = &t
			}
			bundle.CheckRuns = append(bundle.CheckRuns, &models.CheckRun{
				RemoteID:    int64(cc.CheckRun.DatabaseID),
				Name:        string(cc.CheckRun.Name),
				Status:      strings.ToLower(string(cc.CheckRun.Status)),
				Conclusion:  strings.ToLower(string(cc.CheckRun.Conclusion)),
				CompletedAt: completedAt,
			})
		}
	}

	return bundle
}

// classifyGraphQLError maps GraphQL transport errors into the local
// taxonomy. The GraphQL endpoint reports quota exhaustion as a
// RATE_LIMITED error type inside an otherwise successful response, so
// string matching is the only handle the client library leaves us.
func classifyGraphQLError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "RATE_LIMITED") || strings.Contains(msg, "API rate limit exceeded"):
		return &RateLimitError{ResetAt: time.Now().Add(time.Hour)}
	case strings.Contains(msg, "401") || strings.Contains(msg, "Bad credentials"):
		return &AuthError{Err: err}
	}
	return err
}
