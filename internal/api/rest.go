package api

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"

	"github.com/pullsync/pullsync/internal/models"
)

// RESTClient is the per-resource protocol client. Every page of every
// resource costs one request; nested sub-resources require one
// follow-up call per type per pull request.
type RESTClient struct {
	client *github.Client
	log    *zap.Logger
}

// NewRESTClient creates a per-resource client authenticated with token.
func NewRESTClient(token string, log *zap.Logger) *RESTClient {
	return &RESTClient{
		client: github.NewClient(newOAuthClient(context.Background(), token)),
		log:    log,
	}
}

// Name implements Fetcher.
func (c *RESTClient) Name() string { return "rest" }

// restCallState tracks request count and the latest quota report across
// the calls that make up one logical page.
type restCallState struct {
	calls int
	rate  github.Rate
	seen  bool
}

func (s *restCallState) record(resp *github.Response) {
	s.calls++
	if resp != nil {
		s.rate = resp.Rate
		s.seen = true
	}
}

func (s *restCallState) quota() QuotaState {
	q := QuotaState{Cost: s.calls}
	if s.seen {
		q.Remaining = s.rate.Remaining
		q.Limit = s.rate.Limit
		q.ResetAt = s.rate.Reset.Time
	}
	return q
}

// FetchPullRequestsPage implements Fetcher. The cursor is the REST page
// number; pages are ordered by updated descending so incremental syncs
// can stop at their boundary.
func (c *RESTClient) FetchPullRequestsPage(ctx context.Context, owner, name, cursor string, since time.Time, pageSize int) (*Page, error) {
	pageNum := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid rest cursor %q: %w", cursor, err)
		}
		pageNum = n
	}

	state := &restCallState{}
	opts := &github.PullRequestListOptions{
		State:     "all",
		Sort:      "updated",
		Direction: "desc",
		ListOptions: github.ListOptions{
			PerPage: pageSize,
			Page:    pageNum,
		},
	}

	var prs []*github.PullRequest
	var nextPage int
	err := withRetry(ctx, "list pull requests", func() error {
		list, resp, err := c.client.PullRequests.List(ctx, owner, name, opts)
		state.record(resp)
		if err != nil {
			return err
		}
		prs = list
		nextPage = resp.NextPage
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pull requests for %s/%s: %w", owner, name, err)
	}

	page := &Page{Quota: state.quota()}
	for _, pr := range prs {
		// The list payload omits additions/deletions, so each PR needs
		// the full fetch anyway. That is the per-resource cost model.
		bundle, err := c.fetchBundle(ctx, owner, name, pr.GetNumber(), state)
		if err != nil {
			return nil, err
		}
		page.PullRequests = append(page.PullRequests, bundle)
	}

	if nextPage != 0 {
		page.NextCursor = strconv.Itoa(nextPage)
	}
	page.Quota = state.quota()
	return page, nil
}

// FetchPullRequest implements Fetcher.
func (c *RESTClient) FetchPullRequest(ctx context.Context, owner, name string, number int) (*models.PullRequestBundle, QuotaState, error) {
	state := &restCallState{}
	bundle, err := c.fetchBundle(ctx, owner, name, number, state)
	if err != nil {
		return nil, state.quota(), err
	}
	return bundle, state.quota(), nil
}

// fetchBundle fetches one pull request and all its sub-resources, one
// call per resource type per page.
func (c *RESTClient) fetchBundle(ctx context.Context, owner, name string, number int, state *restCallState) (*models.PullRequestBundle, error) {
	var ghPR *github.PullRequest
	err := withRetry(ctx, "get pull request", func() error {
		pr, resp, err := c.client.PullRequests.Get(ctx, owner, name, number)
		state.record(resp)
		if err != nil {
			return err
		}
		ghPR = pr
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get pull request #%d: %w", number, err)
	}

	pr, err := restPullRequest(ghPR)
	if err != nil {
		return nil, err
	}

	bundle := &models.PullRequestBundle{PullRequest: pr}
	c.collectAccount(bundle, ghPR.User)

	if err := c.fetchReviews(ctx, owner, name, number, state, bundle); err != nil {
		return nil, err
	}
	if err := c.fetchCommits(ctx, owner, name, number, state, bundle); err != nil {
		return nil, err
	}
	if err := c.fetchFiles(ctx, owner, name, number, state, bundle); err != nil {
		return nil, err
	}
	if err := c.fetchComments(ctx, owner, name, number, state, bundle); err != nil {
		return nil, err
	}
	if sha := ghPR.GetHead().GetSHA(); sha != "" {
		if err := c.fetchCheckRuns(ctx, owner, name, sha, state, bundle); err != nil {
			return nil, err
		}
	}

	return bundle, nil
}

func (c *RESTClient) fetchReviews(ctx context.Context, owner, name string, number int, state *restCallState, bundle *models.PullRequestBundle) error {
	opts := &github.ListOptions{PerPage: 100}
	for {
		var reviews []*github.PullRequestReview
		var nextPage int
		err := withRetry(ctx, "list reviews", func() error {
			list, resp, err := c.client.PullRequests.ListReviews(ctx, owner, name, number, opts)
			state.record(resp)
			if err != nil {
				return err
			}
			reviews = list
			nextPage = resp.NextPage
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to list reviews for #%d: %w", number, err)
		}

		for _, r := range reviews {
			review, err := restReview(r)
			if err != nil {
				c.skip(bundle, number, err)
				continue
			}
			bundle.Reviews = append(bundle.Reviews, review)
			c.collectAccount(bundle, r.User)
		}

		if nextPage == 0 {
			return nil
		}
		opts.Page = nextPage
	}
}

func (c *RESTClient) fetchCommits(ctx context.Context, owner, name string, number int, state *restCallState, bundle *models.PullRequestBundle) error {
	opts := &github.ListOptions{PerPage: 100}
	for {
		var commits []*github.RepositoryCommit
		var nextPage int
		err := withRetry(ctx, "list commits", func() error {
			list, resp, err := c.client.PullRequests.ListCommits(ctx, owner, name, number, opts)
			state.record(resp)
			if err != nil {
				return err
			}
			commits = list
			nextPage = resp.NextPage
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to list commits for #%d: %w", number, err)
		}

		for _, gc := range commits {
			commit, err := restCommit(gc)
			if err != nil {
				c.skip(bundle, number, err)
				continue
			}
			bundle.Commits = append(bundle.Commits, commit)
			c.collectAccount(bundle, gc.Author)
		}

		if nextPage == 0 {
			return nil
		}
		opts.Page = nextPage
	}
}

func (c *RESTClient) fetchFiles(ctx context.Context, owner, name string, number int, state *restCallState, bundle *models.PullRequestBundle) error {
	opts := &github.ListOptions{PerPage: 100}
	for {
		var files []*github.CommitFile
		var nextPage int
		err := withRetry(ctx, "list files", func() error {
			list, resp, err := c.client.PullRequests.ListFiles(ctx, owner, name, number, opts)
			state.record(resp)
			if err != nil {
				return err
			}
			files = list
			nextPage = resp.NextPage
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to list files for #%d: %w", number, err)
		}

		for _, gf := range files {
			file, err := restFile(gf)
			if err != nil {
				c.skip(bundle, number, err)
				continue
			}
			bundle.Files = append(bundle.Files, file)
		}

		if nextPage == 0 {
			return nil
		}
		opts.Page = nextPage
	}
}

func (c *RESTClient) fetchComments(ctx context.Context, owner, name string, number int, state *restCallState, bundle *models.PullRequestBundle) error {
	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		var comments []*github.IssueComment
		var nextPage int
		err := withRetry(ctx, "list comments", func() error {
			list, resp, err := c.client.Issues.ListComments(ctx, owner, name, number, opts)
			state.record(resp)
			if err != nil {
				return err
			}
			comments = list
			nextPage = resp.NextPage
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to list comments for #%d: %w", number, err)
		}

		for _, gc := range comments {
			comment, err := restComment(gc)
			if err != nil {
				c.skip(bundle, number, err)
				continue
			}
			bundle.Comments = append(bundle.Comments, comment)
			c.collectAccount(bundle, gc.User)
		}

		if nextPage == 0 {
			return nil
		}
		opts.Page = nextPage
	}
}

func (c *RESTClient) fetchCheckRuns(ctx context.Context, owner, name, ref string, state *restCallState, bundle *models.PullRequestBundle) error {
	opts := &github.ListCheckRunsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		var results *github.ListCheckRunsResults
		var nextPage int
		err := withRetry(ctx, "list check runs", func() error {
			res, resp, err := c.client.Checks.ListCheckRunsForRef(ctx, owner, name, ref, opts)
			state.record(resp)
			if err != nil {
				return err
			}
			results = res
			nextPage = resp.NextPage
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to list check runs for %s: %w", ref, err)
		}

		for _, gc := range results.CheckRuns {
			run, err := restCheckRun(gc)
			if err != nil {
				c.skip(bundle, 0, err)
				continue
			}
			bundle.CheckRuns = append(bundle.CheckRuns, run)
		}

		if nextPage == 0 {
			return nil
		}
		opts.Page = nextPage
	}
}

// FetchOrgMembersPage implements Fetcher.
func (c *RESTClient) FetchOrgMembersPage(ctx context.Context, org, cursor string, pageSize int) (*Page, error) {
	pageNum := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid rest cursor %q: %w", cursor, err)
		}
		pageNum = n
	}

	state := &restCallState{}
	opts := &github.ListMembersOptions{
		ListOptions: github.ListOptions{PerPage: pageSize, Page: pageNum},
	}

	var users []*github.User
	var nextPage int
	err := withRetry(ctx, "list org members", func() error {
		list, resp, err := c.client.Organizations.ListMembers(ctx, org, opts)
		state.record(resp)
		if err != nil {
			return err
		}
		users = list
		nextPage = resp.NextPage
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list members for %s: %w", org, err)
	}

	page := &Page{Quota: state.quota()}
	for _, u := range users {
		m := restUser(u)
		if m == nil {
			continue
		}
		m.OrgMember = true
		page.Members = append(page.Members, m)
	}
	if nextPage != 0 {
		page.NextCursor = strconv.Itoa(nextPage)
	}
	return page, nil
}

func (c *RESTClient) collectAccount(bundle *models.PullRequestBundle, u *github.User) {
	if m := restUser(u); m != nil {
		bundle.Accounts = append(bundle.Accounts, m)
	}
}

func (c *RESTClient) skip(bundle *models.PullRequestBundle, number int, err error) {
	reason := err.Error()
	if number > 0 {
		reason = fmt.Sprintf("#%d: %s", number, reason)
	}
	bundle.Skipped = append(bundle.Skipped, reason)
	c.log.Warn("skipping entity", zap.String("reason", reason))
}
