package github

import (
	"context"

	"github.com/shurcooL/githubv4"

	"github.com/leds-conectafapes/ghsync/pkg/errors"
)

// projectV2 is one organization project as selected from the GraphQL API.
// The json tags shape the emitted record.
type projectV2 struct {
	ID               string             `json:"id"`
	Number           int                `json:"number"`
	Title            string             `json:"title"`
	ShortDescription *string            `json:"short_description"`
	Readme           *string            `json:"readme"`
	Public           bool               `json:"public"`
	Closed           bool               `json:"closed"`
	ClosedAt         *githubv4.DateTime `json:"closed_at"`
	CreatedAt        githubv4.DateTime  `json:"created_at"`
	UpdatedAt        githubv4.DateTime  `json:"updated_at"`
	URL              string             `json:"url"`
	ResourcePath     string             `json:"resource_path"`
	Creator          *struct {
		Login string `json:"login"`
	} `json:"creator"`
}

type projectsV2Query struct {
	Organization struct {
		ProjectsV2 struct {
			Nodes    []projectV2
			PageInfo struct {
				EndCursor   githubv4.String
				HasNextPage bool
			}
		} `graphql:"projectsV2(first: $first, after: $cursor)"`
	} `graphql:"organization(login: $login)"`
}

// ListProjectsV2 pages through the ProjectsV2 of an organization.
func (c *Client) ListProjectsV2(ctx context.Context, org string, page func([]projectV2) error) error {
	vars := map[string]interface{}{
		"login":  githubv4.String(org),
		"first":  githubv4.Int(c.pageSize),
		"cursor": (*githubv4.String)(nil),
	}

	for {
		var q projectsV2Query
		err := c.exec(ctx, func() error {
			if err := c.gqlLimit.Wait(ctx); err != nil {
				return errors.Wrap(err, errors.ErrorTypeTimeout, "github: rate limit wait")
			}
			return classify(c.graphql.Query(ctx, &q, vars), "query projects_v2")
		})
		if err != nil {
			return err
		}

		if err := page(q.Organization.ProjectsV2.Nodes); err != nil {
			return err
		}

		if !q.Organization.ProjectsV2.PageInfo.HasNextPage {
			return nil
		}
		vars["cursor"] = githubv4.NewString(q.Organization.ProjectsV2.PageInfo.EndCursor)
	}
}
