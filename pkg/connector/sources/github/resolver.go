package github

import (
	"context"
	"path"
	"sort"
	"strings"

	gh "github.com/google/go-github/v80/github"
	"go.uber.org/zap"

	"github.com/leds-conectafapes/ghsync/pkg/errors"
)

// RepoPattern is one owner/name entry of the repositories setting. Name may
// be a path.Match glob such as "*" or "api-*".
type RepoPattern struct {
	Owner string
	Name  string
}

// ParsePatterns splits owner/name patterns.
func ParsePatterns(patterns []string) ([]RepoPattern, error) {
	out := make([]RepoPattern, 0, len(patterns))
	for _, p := range patterns {
		owner, name, ok := strings.Cut(strings.TrimSpace(p), "/")
		if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
			return nil, errors.Newf(errors.ErrorTypeValidation, "repository pattern %q must have the form owner/name", p)
		}
		if _, err := path.Match(name, ""); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid repository pattern "+p)
		}
		out = append(out, RepoPattern{Owner: owner, Name: name})
	}
	return out, nil
}

// IsGlob reports whether the name part needs listing the owner's repositories.
func (p RepoPattern) IsGlob() bool {
	return strings.ContainsAny(p.Name, "*?[")
}

// Matches reports whether repository name matches the pattern, ignoring case
// the way GitHub does.
func (p RepoPattern) Matches(name string) bool {
	ok, err := path.Match(strings.ToLower(p.Name), strings.ToLower(name))
	return err == nil && ok
}

// Owners returns the distinct owners of patterns in first-seen order.
func Owners(patterns []RepoPattern) []string {
	seen := make(map[string]bool)
	var owners []string
	for _, p := range patterns {
		key := strings.ToLower(p.Owner)
		if !seen[key] {
			seen[key] = true
			owners = append(owners, p.Owner)
		}
	}
	return owners
}

// ResolveRepositories expands patterns into repositories, sorted by full
// name without duplicates. Exact names are fetched directly; globs list the
// owner's repositories once per owner.
func ResolveRepositories(ctx context.Context, c *Client, patterns []RepoPattern, logger *zap.Logger) ([]*gh.Repository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]*gh.Repository)
	listed := make(map[string][]*gh.Repository)

	for _, p := range patterns {
		if !p.IsGlob() {
			repo, err := c.GetRepository(ctx, p.Owner, p.Name)
			if err != nil {
				return nil, err
			}
			byName[strings.ToLower(repo.GetFullName())] = repo
			continue
		}

		ownerKey := strings.ToLower(p.Owner)
		repos, ok := listed[ownerKey]
		if !ok {
			err := c.ListOwnerRepos(ctx, p.Owner, func(page []*gh.Repository) error {
				repos = append(repos, page...)
				return nil
			})
			if err != nil {
				return nil, err
			}
			listed[ownerKey] = repos
		}

		matched := 0
		for _, repo := range repos {
			if p.Matches(repo.GetName()) {
				byName[strings.ToLower(repo.GetFullName())] = repo
				matched++
			}
		}
		if matched == 0 {
			logger.Warn("repository pattern matched nothing",
				zap.String("pattern", p.Owner+"/"+p.Name))
		}
	}

	out := make([]*gh.Repository, 0, len(byName))
	for _, repo := range byName {
		out = append(out, repo)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].GetFullName()) < strings.ToLower(out[j].GetFullName())
	})
	return out, nil
}
