package github

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v80/github"
	"github.com/shurcooL/githubv4"

	"github.com/leds-conectafapes/ghsync/pkg/errors"
)

// DefaultAPIURL and DefaultGraphQLURL point at github.com.
const (
	DefaultAPIURL     = "https://api.github.com/"
	DefaultGraphQLURL = "https://api.github.com/graphql"
)

// Executor runs one API call, typically BaseConnector.Execute with its
// retries, token bucket and circuit breaker.
type Executor func(ctx context.Context, fn func() error) error

// ClientOptions configures the API endpoints and page size.
type ClientOptions struct {
	APIURL     string
	GraphQLURL string
	PageSize   int
}

// Client wraps the go-github and githubv4 clients with rate limit tracking,
// error classification and pagination.
type Client struct {
	rest     *gh.Client
	graphql  *githubv4.Client
	limiter  *RateLimiter
	gqlLimit *RateLimiter
	exec     Executor
	pageSize int
}

// errStopPaging ends a pagination loop early without an error.
var errStopPaging = stderrors.New("stop paging")

// NewClient creates a GitHub API client over httpClient, which must already
// carry the credentials (see clients.NewTokenClient).
func NewClient(httpClient *http.Client, opts ClientOptions, exec Executor) (*Client, error) {
	rest := gh.NewClient(httpClient)
	if opts.APIURL != "" && opts.APIURL != DefaultAPIURL {
		apiURL := opts.APIURL
		if !strings.HasSuffix(apiURL, "/") {
			apiURL += "/"
		}
		u, err := url.Parse(apiURL)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid api_url")
		}
		rest.BaseURL = u
	}

	graphqlURL := opts.GraphQLURL
	if graphqlURL == "" {
		graphqlURL = DefaultGraphQLURL
	}

	if exec == nil {
		exec = func(ctx context.Context, fn func() error) error { return fn() }
	}
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}

	return &Client{
		rest:     rest,
		graphql:  githubv4.NewEnterpriseClient(graphqlURL, httpClient),
		limiter:  NewRateLimiter("rest"),
		gqlLimit: NewRateLimiter("graphql"),
		exec:     exec,
		pageSize: pageSize,
	}, nil
}

// RateLimiter returns the REST rate limiter.
func (c *Client) RateLimiter() *RateLimiter {
	return c.limiter
}

// call runs one REST request through the executor, keeping the rate limit
// state current.
func (c *Client) call(ctx context.Context, operation string, fn func() (*gh.Response, error)) error {
	return c.exec(ctx, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeTimeout, "github: rate limit wait")
		}
		resp, err := fn()
		if resp != nil {
			c.limiter.UpdateFromResponse(resp.Response)
		}
		return c.wrapError(err, operation)
	})
}

// paginate walks every page of a list endpoint. page may return
// errStopPaging to end the walk early.
func paginate[T any](
	ctx context.Context, c *Client, operation string, opts *gh.ListOptions,
	list func() ([]T, *gh.Response, error), page func([]T) error,
) error {
	opts.PerPage = c.pageSize
	for {
		var items []T
		next := 0
		err := c.call(ctx, operation, func() (*gh.Response, error) {
			var resp *gh.Response
			var err error
			items, resp, err = list()
			if resp != nil {
				next = resp.NextPage
			}
			return resp, err
		})
		if err != nil {
			return err
		}

		if err := page(items); err != nil {
			if stderrors.Is(err, errStopPaging) {
				return nil
			}
			return err
		}

		if next == 0 {
			return nil
		}
		opts.Page = next
	}
}

// ValidateCredentials checks the token by fetching the authenticated user.
func (c *Client) ValidateCredentials(ctx context.Context) (string, error) {
	var user *gh.User
	err := c.call(ctx, "validate credentials", func() (*gh.Response, error) {
		var resp *gh.Response
		var err error
		user, resp, err = c.rest.Users.Get(ctx, "")
		return resp, err
	})
	if err != nil {
		return "", err
	}
	return user.GetLogin(), nil
}

// GetOwner fetches a user or organization account by login.
func (c *Client) GetOwner(ctx context.Context, login string) (*gh.User, error) {
	var owner *gh.User
	err := c.call(ctx, "get owner", func() (*gh.Response, error) {
		var resp *gh.Response
		var err error
		owner, resp, err = c.rest.Users.Get(ctx, login)
		return resp, err
	})
	return owner, err
}

// GetRepository fetches a single repository.
func (c *Client) GetRepository(ctx context.Context, owner, name string) (*gh.Repository, error) {
	var repo *gh.Repository
	err := c.call(ctx, "get repo", func() (*gh.Response, error) {
		var resp *gh.Response
		var err error
		repo, resp, err = c.rest.Repositories.Get(ctx, owner, name)
		return resp, err
	})
	return repo, err
}

// ListOwnerRepos lists the repositories of an organization, falling back to
// the user endpoint when owner is not an organization.
func (c *Client) ListOwnerRepos(ctx context.Context, owner string, page func([]*gh.Repository) error) error {
	orgOpts := &gh.RepositoryListByOrgOptions{Type: "all", Sort: "full_name"}
	err := paginate(ctx, c, "list org repos", &orgOpts.ListOptions,
		func() ([]*gh.Repository, *gh.Response, error) {
			return c.rest.Repositories.ListByOrg(ctx, owner, orgOpts)
		}, page)
	if !IsNotFound(err) {
		return err
	}

	userOpts := &gh.RepositoryListByUserOptions{Type: "owner", Sort: "full_name"}
	return paginate(ctx, c, "list user repos", &userOpts.ListOptions,
		func() ([]*gh.Repository, *gh.Response, error) {
			return c.rest.Repositories.ListByUser(ctx, owner, userOpts)
		}, page)
}

// ListIssues lists issues and pull requests of a repository updated at or
// after since.
func (c *Client) ListIssues(ctx context.Context, owner, repo string, since time.Time, page func([]*gh.Issue) error) error {
	opts := &gh.IssueListByRepoOptions{
		State:     "all",
		Sort:      "updated",
		Direction: "asc",
		Since:     since,
	}
	return paginate(ctx, c, "list issues", &opts.ListOptions,
		func() ([]*gh.Issue, *gh.Response, error) {
			return c.rest.Issues.ListByRepo(ctx, owner, repo, opts)
		}, page)
}

// ListPullRequests lists pull requests, most recently updated first.
func (c *Client) ListPullRequests(ctx context.Context, owner, repo string, page func([]*gh.PullRequest) error) error {
	opts := &gh.PullRequestListOptions{
		State:     "all",
		Sort:      "updated",
		Direction: "desc",
	}
	return paginate(ctx, c, "list pull requests", &opts.ListOptions,
		func() ([]*gh.PullRequest, *gh.Response, error) {
			return c.rest.PullRequests.List(ctx, owner, repo, opts)
		}, page)
}

// ListCommits lists commits of branch (default branch when empty) made at
// or after since.
func (c *Client) ListCommits(ctx context.Context, owner, repo, branch string, since time.Time, page func([]*gh.RepositoryCommit) error) error {
	opts := &gh.CommitsListOptions{
		SHA:   branch,
		Since: since,
	}
	return paginate(ctx, c, "list commits", &opts.ListOptions,
		func() ([]*gh.RepositoryCommit, *gh.Response, error) {
			commits, resp, err := c.rest.Repositories.ListCommits(ctx, owner, repo, opts)
			// an empty repository answers 409; it has no commits rather than failing
			if isEmptyRepository(err) {
				return nil, resp, nil
			}
			return commits, resp, err
		}, page)
}

// ListMilestones lists open and closed milestones.
func (c *Client) ListMilestones(ctx context.Context, owner, repo string, page func([]*gh.Milestone) error) error {
	opts := &gh.MilestoneListOptions{State: "all"}
	return paginate(ctx, c, "list milestones", &opts.ListOptions,
		func() ([]*gh.Milestone, *gh.Response, error) {
			return c.rest.Issues.ListMilestones(ctx, owner, repo, opts)
		}, page)
}

// ListTeams lists the teams of an organization.
func (c *Client) ListTeams(ctx context.Context, org string, page func([]*gh.Team) error) error {
	opts := &gh.ListOptions{}
	return paginate(ctx, c, "list teams", opts,
		func() ([]*gh.Team, *gh.Response, error) {
			return c.rest.Teams.ListTeams(ctx, org, opts)
		}, page)
}

// ListTeamMembers lists the members of a team.
func (c *Client) ListTeamMembers(ctx context.Context, org, slug string, page func([]*gh.User) error) error {
	opts := &gh.TeamListTeamMembersOptions{Role: "all"}
	return paginate(ctx, c, "list team members", &opts.ListOptions,
		func() ([]*gh.User, *gh.Response, error) {
			return c.rest.Teams.ListTeamMembersBySlug(ctx, org, slug, opts)
		}, page)
}

// GetTeamMembership fetches the membership of user in a team.
func (c *Client) GetTeamMembership(ctx context.Context, org, slug, user string) (*gh.Membership, error) {
	var m *gh.Membership
	err := c.call(ctx, "get team membership", func() (*gh.Response, error) {
		var resp *gh.Response
		var err error
		m, resp, err = c.rest.Teams.GetTeamMembershipBySlug(ctx, org, slug, user)
		return resp, err
	})
	return m, err
}

// ListOrgMembers lists the members of an organization.
func (c *Client) ListOrgMembers(ctx context.Context, org string, page func([]*gh.User) error) error {
	opts := &gh.ListMembersOptions{Role: "all"}
	return paginate(ctx, c, "list org members", &opts.ListOptions,
		func() ([]*gh.User, *gh.Response, error) {
			return c.rest.Organizations.ListMembers(ctx, org, opts)
		}, page)
}
