package github

import (
	"github.com/leds-conectafapes/ghsync/pkg/connector/core"
)

// Stream names.
const (
	StreamRepositories    = "repositories"
	StreamIssues          = "issues"
	StreamPullRequests    = "pull_requests"
	StreamCommits         = "commits"
	StreamIssueMilestones = "issue_milestones"
	StreamTeams           = "teams"
	StreamTeamMembers     = "team_members"
	StreamTeamMemberships = "team_memberships"
	StreamUsers           = "users"
	StreamProjectsV2      = "projects_v2"
)

// Fields added to every record to tell where it came from.
const (
	FieldRepository   = "repository"
	FieldOrganization = "organization"
)

// fieldCommittedAt is the commits cursor: the committer date.
const fieldCommittedAt = "committed_at"

var (
	fullRefresh = []core.SyncMode{core.SyncModeFullRefresh}
	incremental = []core.SyncMode{core.SyncModeFullRefresh, core.SyncModeIncremental}
)

// Catalog returns the streams the GitHub source offers.
func Catalog() *core.Catalog {
	return &core.Catalog{Streams: []core.Stream{
		{Name: StreamRepositories, PrimaryKey: []string{"id"}, CursorField: "updated_at", SyncModes: incremental, Scope: core.ScopeRepository},
		{Name: StreamIssues, PrimaryKey: []string{"id"}, CursorField: "updated_at", SyncModes: incremental, Scope: core.ScopeRepository},
		{Name: StreamPullRequests, PrimaryKey: []string{"id"}, CursorField: "updated_at", SyncModes: incremental, Scope: core.ScopeRepository},
		{Name: StreamCommits, PrimaryKey: []string{"sha"}, CursorField: fieldCommittedAt, SyncModes: incremental, Scope: core.ScopeRepository},
		{Name: StreamIssueMilestones, PrimaryKey: []string{"id"}, CursorField: "updated_at", SyncModes: incremental, Scope: core.ScopeRepository},
		{Name: StreamTeams, PrimaryKey: []string{"id"}, SyncModes: fullRefresh, Scope: core.ScopeOrganization},
		{Name: StreamTeamMembers, PrimaryKey: []string{"id", "team_slug"}, SyncModes: fullRefresh, Scope: core.ScopeOrganization, Parent: StreamTeams},
		{Name: StreamTeamMemberships, PrimaryKey: []string{"organization", "team_slug", "username"}, SyncModes: fullRefresh, Scope: core.ScopeOrganization, Parent: StreamTeams},
		{Name: StreamUsers, PrimaryKey: []string{"id"}, SyncModes: fullRefresh, Scope: core.ScopeOrganization},
		{Name: StreamProjectsV2, PrimaryKey: []string{"id"}, CursorField: "updated_at", SyncModes: incremental, Scope: core.ScopeOrganization},
	}}
}
