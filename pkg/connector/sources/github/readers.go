package github

import (
	"context"
	"time"

	gh "github.com/google/go-github/v80/github"

	"github.com/leds-conectafapes/ghsync/pkg/errors"
	"github.com/leds-conectafapes/ghsync/pkg/json"
)

// pageEmitter receives one page of records as decoded JSON objects.
type pageEmitter func(items []map[string]interface{}) error

// readParams carries the per-target read settings.
type readParams struct {
	since  time.Time
	branch string
}

// streamReader reads one stream for a single repository or organization.
// Exactly one of the two functions is set, matching the stream scope.
type streamReader struct {
	repo func(ctx context.Context, c *Client, repo *gh.Repository, p readParams, emit pageEmitter) error
	org  func(ctx context.Context, c *Client, org string, p readParams, emit pageEmitter) error
}

var readers = map[string]streamReader{
	StreamRepositories:    {repo: readRepository},
	StreamIssues:          {repo: readIssues},
	StreamPullRequests:    {repo: readPullRequests},
	StreamCommits:         {repo: readCommits},
	StreamIssueMilestones: {repo: readMilestones},
	StreamTeams:           {org: readTeams},
	StreamTeamMembers:     {org: readTeamMembers},
	StreamTeamMemberships: {org: readTeamMemberships},
	StreamUsers:           {org: readUsers},
	StreamProjectsV2:      {org: readProjectsV2},
}

// toData converts an API object into the generic record map using its JSON
// representation.
func toData(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode API object")
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode API object")
	}
	return data, nil
}

func toDataSlice[T any](items []T) ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		data, err := toData(item)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

func readRepository(_ context.Context, _ *Client, repo *gh.Repository, _ readParams, emit pageEmitter) error {
	data, err := toData(repo)
	if err != nil {
		return err
	}
	return emit([]map[string]interface{}{data})
}

func readIssues(ctx context.Context, c *Client, repo *gh.Repository, p readParams, emit pageEmitter) error {
	if !repo.GetHasIssues() {
		return nil
	}
	return c.ListIssues(ctx, repo.GetOwner().GetLogin(), repo.GetName(), p.since, func(issues []*gh.Issue) error {
		// the issues endpoint returns pull requests as well
		only := make([]*gh.Issue, 0, len(issues))
		for _, issue := range issues {
			if !issue.IsPullRequest() {
				only = append(only, issue)
			}
		}
		items, err := toDataSlice(only)
		if err != nil {
			return err
		}
		return emit(items)
	})
}

func readPullRequests(ctx context.Context, c *Client, repo *gh.Repository, p readParams, emit pageEmitter) error {
	return c.ListPullRequests(ctx, repo.GetOwner().GetLogin(), repo.GetName(), func(prs []*gh.PullRequest) error {
		// newest first, so the first pull request older than since ends the walk
		stop := false
		newer := prs
		if !p.since.IsZero() {
			for i, pr := range prs {
				if pr.GetUpdatedAt().Before(p.since) {
					newer = prs[:i]
					stop = true
					break
				}
			}
		}
		items, err := toDataSlice(newer)
		if err != nil {
			return err
		}
		if err := emit(items); err != nil {
			return err
		}
		if stop {
			return errStopPaging
		}
		return nil
	})
}

func readCommits(ctx context.Context, c *Client, repo *gh.Repository, p readParams, emit pageEmitter) error {
	return c.ListCommits(ctx, repo.GetOwner().GetLogin(), repo.GetName(), p.branch, p.since, func(commits []*gh.RepositoryCommit) error {
		items, err := toDataSlice(commits)
		if err != nil {
			return err
		}
		for i, commit := range commits {
			if date := commit.GetCommit().GetAuthor().GetDate(); !date.IsZero() {
				items[i]["created_at"] = date.UTC().Format(time.RFC3339)
			}
			// since filters on the committer date, so the cursor follows it too
			if date := commit.GetCommit().GetCommitter().GetDate(); !date.IsZero() {
				items[i][fieldCommittedAt] = date.UTC().Format(time.RFC3339)
			}
		}
		return emit(items)
	})
}

func readMilestones(ctx context.Context, c *Client, repo *gh.Repository, _ readParams, emit pageEmitter) error {
	return c.ListMilestones(ctx, repo.GetOwner().GetLogin(), repo.GetName(), func(milestones []*gh.Milestone) error {
		items, err := toDataSlice(milestones)
		if err != nil {
			return err
		}
		return emit(items)
	})
}

func readTeams(ctx context.Context, c *Client, org string, _ readParams, emit pageEmitter) error {
	return c.ListTeams(ctx, org, func(teams []*gh.Team) error {
		items, err := toDataSlice(teams)
		if err != nil {
			return err
		}
		return emit(items)
	})
}

// listTeamSlugs collects the slugs of every team of org.
func listTeamSlugs(ctx context.Context, c *Client, org string) ([]string, error) {
	var slugs []string
	err := c.ListTeams(ctx, org, func(teams []*gh.Team) error {
		for _, t := range teams {
			slugs = append(slugs, t.GetSlug())
		}
		return nil
	})
	return slugs, err
}

func readTeamMembers(ctx context.Context, c *Client, org string, _ readParams, emit pageEmitter) error {
	slugs, err := listTeamSlugs(ctx, c, org)
	if err != nil {
		return err
	}
	for _, slug := range slugs {
		err := c.ListTeamMembers(ctx, org, slug, func(users []*gh.User) error {
			items, err := toDataSlice(users)
			if err != nil {
				return err
			}
			for _, item := range items {
				item["team_slug"] = slug
			}
			return emit(items)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func readTeamMemberships(ctx context.Context, c *Client, org string, _ readParams, emit pageEmitter) error {
	slugs, err := listTeamSlugs(ctx, c, org)
	if err != nil {
		return err
	}
	for _, slug := range slugs {
		var logins []string
		err := c.ListTeamMembers(ctx, org, slug, func(users []*gh.User) error {
			for _, u := range users {
				logins = append(logins, u.GetLogin())
			}
			return nil
		})
		if err != nil {
			return err
		}

		items := make([]map[string]interface{}, 0, len(logins))
		for _, login := range logins {
			m, err := c.GetTeamMembership(ctx, org, slug, login)
			if IsNotFound(err) {
				// left the team between the two calls
				continue
			}
			if err != nil {
				return err
			}
			data, err := toData(m)
			if err != nil {
				return err
			}
			data["team_slug"] = slug
			data["username"] = login
			items = append(items, data)
		}
		if err := emit(items); err != nil {
			return err
		}
	}
	return nil
}

func readUsers(ctx context.Context, c *Client, org string, _ readParams, emit pageEmitter) error {
	return c.ListOrgMembers(ctx, org, func(users []*gh.User) error {
		items, err := toDataSlice(users)
		if err != nil {
			return err
		}
		return emit(items)
	})
}

func readProjectsV2(ctx context.Context, c *Client, org string, _ readParams, emit pageEmitter) error {
	return c.ListProjectsV2(ctx, org, func(projects []projectV2) error {
		items, err := toDataSlice(projects)
		if err != nil {
			return err
		}
		return emit(items)
	})
}
