package github

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leds-conectafapes/ghsync/pkg/config"
	"github.com/leds-conectafapes/ghsync/pkg/connector/core"
	"github.com/leds-conectafapes/ghsync/pkg/errors"
	"github.com/leds-conectafapes/ghsync/pkg/models"
)

const testOrg = "leds-conectafapes"

// fakeGitHub serves the subset of the REST and GraphQL APIs the readers use.
// Routes match the exact path; registering a path again replaces it.
type fakeGitHub struct {
	server *httptest.Server

	mu       sync.Mutex
	routes   map[string]http.HandlerFunc
	requests []string
}

func newFakeGitHub(t *testing.T) *fakeGitHub {
	t.Helper()
	f := &fakeGitHub{routes: make(map[string]http.HandlerFunc)}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.URL.String())
		h, ok := f.routes[r.URL.Path]
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"Not Found"}`)
			return
		}
		h(w, r)
	}))
	t.Cleanup(f.server.Close)

	f.json("/user", `{"login":"octocat","id":1}`)
	f.json("/users/"+testOrg, `{"login":"`+testOrg+`","type":"Organization"}`)
	f.HandleFunc("/orgs/"+testOrg+"/repos", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `[`+repoJSON(3, "docs")+`]`)
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/orgs/%s/repos?page=2>; rel="next"`, f.server.URL, testOrg))
		fmt.Fprint(w, `[`+repoJSON(1, "api")+`,`+repoJSON(2, "app-web")+`]`)
	})
	f.json("/repos/"+testOrg+"/api", repoJSON(1, "api"))
	return f
}

func (f *fakeGitHub) HandleFunc(path string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[path] = h
}

func repoJSON(id int, name string) string {
	return fmt.Sprintf(`{"id":%d,"name":%q,"full_name":"%s/%s","owner":{"login":%q,"type":"Organization"},"has_issues":true,"updated_at":"2024-03-0%dT00:00:00Z"}`,
		id, name, testOrg, name, testOrg, id)
}

func (f *fakeGitHub) json(path, body string) {
	f.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	})
}

func (f *fakeGitHub) requested(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.requests {
		if strings.HasPrefix(r, prefix) {
			out = append(out, r)
		}
	}
	return out
}

func newTestSource(t *testing.T, f *fakeGitHub, patterns ...string) *GitHubSource {
	t.Helper()
	cfg := config.Default().Source
	cfg.Repositories = patterns
	cfg.Credentials.PersonalAccessToken = "test-token"
	cfg.APIURL = f.server.URL + "/"
	cfg.GraphQLURL = f.server.URL + "/graphql"
	cfg.Reliability.RetryAttempts = 0
	cfg.Reliability.RateLimitPerSec = 0

	s, err := NewGitHubSource(&cfg)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

// collector gathers emitted records; emit is called concurrently.
type collector struct {
	mu      sync.Mutex
	records []*models.Record
}

func (c *collector) emit(_ context.Context, records []*models.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, records...)
	return nil
}

func (c *collector) keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.records))
	for _, r := range c.records {
		keys = append(keys, r.PrimaryKey)
	}
	sort.Strings(keys)
	return keys
}

func TestNewGitHubSource_InvalidConfig(t *testing.T) {
	cfg := config.Default().Source
	cfg.Repositories = []string{"no-slash"}
	_, err := NewGitHubSource(&cfg)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestCheck(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		f := newFakeGitHub(t)
		s := newTestSource(t, f, testOrg+"/*")
		s.config.Credentials.PersonalAccessToken = ""

		err := s.Check(context.Background())
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
		assert.Contains(t, err.Error(), config.TokenEnvVar)
	})

	t.Run("valid token and owner", func(t *testing.T) {
		f := newFakeGitHub(t)
		var auth string
		f.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
			auth = r.Header.Get("Authorization")
			fmt.Fprint(w, `{"login":"octocat"}`)
		})
		s := newTestSource(t, f, testOrg+"/*")

		require.NoError(t, s.Check(context.Background()))
		assert.Equal(t, "Bearer test-token", auth)
	})

	t.Run("bad credentials", func(t *testing.T) {
		f := newFakeGitHub(t)
		f.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"message":"Bad credentials"}`)
		})
		s := newTestSource(t, f, testOrg+"/*")

		err := s.Check(context.Background())
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
		assert.True(t, IsUnauthorized(err))
	})

	t.Run("unknown owner", func(t *testing.T) {
		f := newFakeGitHub(t)
		s := newTestSource(t, f, "ghost-org/*")

		err := s.Check(context.Background())
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	})
}

func TestDiscoverAndSelect(t *testing.T) {
	f := newFakeGitHub(t)
	s := newTestSource(t, f, testOrg+"/*")

	catalog, err := s.Discover(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, config.DefaultStreams(), catalog.Names())

	require.NoError(t, s.SelectStreams(config.DefaultStreams()))
	selected := s.SelectedStreams()
	require.Len(t, selected, 10)
	assert.Equal(t, "issues", selected[0].Name)
	assert.Equal(t, "team_memberships", selected[9].Name)

	err = s.SelectStreams([]string{"issues", "stargazers"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Contains(t, err.Error(), "stargazers")
	assert.Contains(t, err.Error(), "projects_v2")
}

func TestCatalogPrimaryKeys(t *testing.T) {
	catalog := Catalog()
	tests := map[string][]string{
		StreamIssues:          {"id"},
		StreamCommits:         {"sha"},
		StreamTeamMembers:     {"id", "team_slug"},
		StreamTeamMemberships: {"organization", "team_slug", "username"},
		StreamProjectsV2:      {"id"},
	}
	for name, pk := range tests {
		st, ok := catalog.Stream(name)
		require.True(t, ok, name)
		assert.Equal(t, pk, st.PrimaryKey, name)
	}
	for _, st := range catalog.Streams {
		_, ok := readers[st.Name]
		assert.True(t, ok, "reader for %s", st.Name)
	}
}

func TestRead_RepositoriesGlob(t *testing.T) {
	f := newFakeGitHub(t)
	s := newTestSource(t, f, testOrg+"/a*")

	var c collector
	require.NoError(t, s.Read(context.Background(), StreamRepositories, core.ReadOptions{ForceFullRefresh: true}, c.emit))

	assert.Equal(t, []string{"1", "2"}, c.keys())
	for _, r := range c.records {
		assert.Equal(t, r.Data["full_name"], r.Data[FieldRepository])
	}
	assert.Len(t, f.requested("/orgs/"+testOrg+"/repos"), 2, "both pages listed")
}

func TestRead_IssuesSkipsPullRequests(t *testing.T) {
	f := newFakeGitHub(t)
	f.json("/repos/"+testOrg+"/api/issues", `[
		{"id":10,"number":1,"title":"bug","updated_at":"2024-04-01T00:00:00Z"},
		{"id":11,"number":2,"title":"pr","updated_at":"2024-04-02T00:00:00Z","pull_request":{"url":"x"}}
	]`)
	s := newTestSource(t, f, testOrg+"/api")

	var c collector
	require.NoError(t, s.Read(context.Background(), StreamIssues, core.ReadOptions{ForceFullRefresh: true}, c.emit))

	require.Equal(t, []string{"10"}, c.keys())
	assert.Equal(t, testOrg+"/api", c.records[0].Data[FieldRepository])
	assert.Equal(t, "issues", c.records[0].Stream)

	state := s.GetState()
	assert.Equal(t, map[string]interface{}{testOrg + "/api": "2024-04-01T00:00:00Z"}, state[StreamIssues])
}

func TestRead_IncrementalUsesState(t *testing.T) {
	f := newFakeGitHub(t)
	f.json("/repos/"+testOrg+"/api/issues", `[{"id":10,"updated_at":"2024-05-02T00:00:00Z"}]`)
	f.json("/repos/"+testOrg+"/api/pulls", `[
		{"id":20,"updated_at":"2024-05-03T00:00:00Z"},
		{"id":21,"updated_at":"2024-04-01T00:00:00Z"}
	]`)
	s := newTestSource(t, f, testOrg+"/api")
	require.NoError(t, s.SetState(core.State{
		StreamIssues:       map[string]interface{}{testOrg + "/api": "2024-05-01T00:00:00Z"},
		StreamPullRequests: map[string]interface{}{testOrg + "/api": "2024-05-01T00:00:00Z"},
	}))

	var issues collector
	require.NoError(t, s.Read(context.Background(), StreamIssues, core.ReadOptions{}, issues.emit))
	reqs := f.requested("/repos/" + testOrg + "/api/issues")
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0], "since=2024-05-01T00%3A00%3A00Z")

	var pulls collector
	require.NoError(t, s.Read(context.Background(), StreamPullRequests, core.ReadOptions{}, pulls.emit))
	assert.Equal(t, []string{"20"}, pulls.keys(), "older pull requests are not emitted")

	var full collector
	require.NoError(t, s.Read(context.Background(), StreamPullRequests, core.ReadOptions{ForceFullRefresh: true}, full.emit))
	assert.Equal(t, []string{"20", "21"}, full.keys())
}

func TestRead_CommitsOfEmptyRepository(t *testing.T) {
	f := newFakeGitHub(t)
	f.HandleFunc("/repos/"+testOrg+"/api/commits", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"message":"Git Repository is empty."}`)
	})
	s := newTestSource(t, f, testOrg+"/api")

	var c collector
	require.NoError(t, s.Read(context.Background(), StreamCommits, core.ReadOptions{ForceFullRefresh: true}, c.emit))
	assert.Empty(t, c.records)
}

func TestRead_CommitsOfManyEmptyRepositories(t *testing.T) {
	f := newFakeGitHub(t)
	var repos []string
	for i := 1; i <= 7; i++ {
		name := fmt.Sprintf("empty-%d", i)
		repos = append(repos, repoJSON(i, name))
		f.HandleFunc("/repos/"+testOrg+"/"+name+"/commits", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, `{"message":"Git Repository is empty."}`)
		})
	}
	f.json("/orgs/"+testOrg+"/repos", "["+strings.Join(repos, ",")+"]")
	s := newTestSource(t, f, testOrg+"/*")
	s.config.Performance.MaxConcurrency = 1

	var c collector
	require.NoError(t, s.Read(context.Background(), StreamCommits, core.ReadOptions{ForceFullRefresh: true}, c.emit))
	assert.Empty(t, c.records)
	assert.Len(t, f.requested("/repos/"+testOrg+"/empty-"), 7)
	assert.Equal(t, "closed", s.Metrics()["circuit_breaker_state"])
	assert.Zero(t, s.GetErrorHandler().Total())
}

func TestRead_CommitsCarryCreatedAt(t *testing.T) {
	f := newFakeGitHub(t)
	f.HandleFunc("/repos/"+testOrg+"/api/commits", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "develop", r.URL.Query().Get("sha"))
		fmt.Fprint(w, `[{"sha":"abc","commit":{"message":"init","author":{"name":"a","date":"2024-01-05T10:00:00Z"},"committer":{"name":"b","date":"2024-01-06T09:00:00Z"}}}]`)
	})
	s := newTestSource(t, f, testOrg+"/api")
	s.config.Branch = "develop"

	var c collector
	require.NoError(t, s.Read(context.Background(), StreamCommits, core.ReadOptions{ForceFullRefresh: true}, c.emit))
	require.Len(t, c.records, 1)
	assert.Equal(t, "abc", c.records[0].PrimaryKey)
	assert.Equal(t, "2024-01-05T10:00:00Z", c.records[0].Data["created_at"])
	assert.Equal(t, "2024-01-06T09:00:00Z", c.records[0].Data["committed_at"])
	assert.Equal(t, map[string]interface{}{testOrg + "/api": "2024-01-06T09:00:00Z"}, s.GetState()[StreamCommits])
}

func TestRead_CommitsCursorFollowsCommitterDate(t *testing.T) {
	f := newFakeGitHub(t)
	f.HandleFunc("/repos/"+testOrg+"/api/commits", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2024-05-01T00:00:00Z", r.URL.Query().Get("since"))
		// rebased commit: authored long before the cursor, committed after it
		fmt.Fprint(w, `[{"sha":"rebased","commit":{"author":{"date":"2023-11-20T08:00:00Z"},"committer":{"date":"2024-05-02T12:00:00Z"}}}]`)
	})
	s := newTestSource(t, f, testOrg+"/api")
	require.NoError(t, s.SetState(core.State{
		StreamCommits: map[string]interface{}{testOrg + "/api": "2024-05-01T00:00:00Z"},
	}))

	var c collector
	require.NoError(t, s.Read(context.Background(), StreamCommits, core.ReadOptions{}, c.emit))
	assert.Equal(t, []string{"rebased"}, c.keys())
	assert.Equal(t, map[string]interface{}{testOrg + "/api": "2024-05-02T12:00:00Z"}, s.GetState()[StreamCommits])
}

func TestRead_TeamStreams(t *testing.T) {
	f := newFakeGitHub(t)
	f.json("/orgs/"+testOrg+"/teams", `[{"id":5,"slug":"core","name":"Core"}]`)
	f.json("/orgs/"+testOrg+"/teams/core/members", `[{"id":100,"login":"alice"},{"id":101,"login":"bob"}]`)
	f.json("/orgs/"+testOrg+"/teams/core/memberships/alice", `{"url":"u/alice","role":"maintainer","state":"active"}`)
	f.HandleFunc("/orgs/"+testOrg+"/teams/core/memberships/bob", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found"}`)
	})
	s := newTestSource(t, f, testOrg+"/*")
	ctx := context.Background()
	full := core.ReadOptions{ForceFullRefresh: true}

	var teams collector
	require.NoError(t, s.Read(ctx, StreamTeams, full, teams.emit))
	require.Equal(t, []string{"5"}, teams.keys())
	assert.Equal(t, testOrg, teams.records[0].Data[FieldOrganization])

	var members collector
	require.NoError(t, s.Read(ctx, StreamTeamMembers, full, members.emit))
	assert.Equal(t, []string{"100|core", "101|core"}, members.keys())

	var memberships collector
	require.NoError(t, s.Read(ctx, StreamTeamMemberships, full, memberships.emit))
	require.Len(t, memberships.records, 1, "bob left the team")
	assert.Equal(t, testOrg+"|core|alice", memberships.records[0].PrimaryKey)
	assert.Equal(t, "maintainer", memberships.records[0].Data["role"])
}

func TestRead_Users(t *testing.T) {
	f := newFakeGitHub(t)
	f.json("/orgs/"+testOrg+"/members", `[{"id":100,"login":"alice"}]`)
	s := newTestSource(t, f, testOrg+"/*")

	var c collector
	require.NoError(t, s.Read(context.Background(), StreamUsers, core.ReadOptions{ForceFullRefresh: true}, c.emit))
	require.Len(t, c.records, 1)
	assert.Equal(t, "alice", c.records[0].Data["login"])
}

func TestRead_ProjectsV2(t *testing.T) {
	f := newFakeGitHub(t)
	calls := 0
	f.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "projectsV2")
		calls++
		if calls == 1 {
			fmt.Fprint(w, `{"data":{"organization":{"projectsV2":{"nodes":[
				{"id":"PVT_1","number":1,"title":"Roadmap","public":true,"closed":false,
				 "createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-02-01T00:00:00Z",
				 "url":"https://github.com/orgs/x/projects/1","creator":{"login":"alice"}}],
				"pageInfo":{"endCursor":"c1","hasNextPage":true}}}}}`)
			return
		}
		assert.Contains(t, string(body), `"cursor":"c1"`)
		fmt.Fprint(w, `{"data":{"organization":{"projectsV2":{"nodes":[
			{"id":"PVT_2","number":2,"title":"Backlog","createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-03-01T00:00:00Z"}],
			"pageInfo":{"endCursor":"c2","hasNextPage":false}}}}}`)
	})
	s := newTestSource(t, f, testOrg+"/api")

	var c collector
	require.NoError(t, s.Read(context.Background(), StreamProjectsV2, core.ReadOptions{ForceFullRefresh: true}, c.emit))

	assert.Equal(t, []string{"PVT_1", "PVT_2"}, c.keys())
	assert.Equal(t, 2, calls)
	state := s.GetState()[StreamProjectsV2].(map[string]interface{})
	assert.Equal(t, "2024-03-01T00:00:00Z", state[testOrg])
}

func TestRead_UserOwnerSkipsOrganizationStreams(t *testing.T) {
	f := newFakeGitHub(t)
	f.json("/users/octocat", `{"login":"octocat","type":"User"}`)
	f.json("/repos/octocat/hello", `{"id":9,"name":"hello","full_name":"octocat/hello","owner":{"login":"octocat","type":"User"}}`)
	s := newTestSource(t, f, "octocat/hello")

	var c collector
	require.NoError(t, s.Read(context.Background(), StreamTeams, core.ReadOptions{ForceFullRefresh: true}, c.emit))
	assert.Empty(t, c.records)
	assert.Empty(t, f.requested("/orgs/octocat/teams"))
}

func TestRead_RateLimited(t *testing.T) {
	f := newFakeGitHub(t)
	f.HandleFunc("/repos/"+testOrg+"/api/milestones", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderRateLimit, "5000")
		w.Header().Set(HeaderRateRemaining, "0")
		w.Header().Set(HeaderRateReset, "4102444800")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message":"API rate limit exceeded"}`)
	})
	s := newTestSource(t, f, testOrg+"/api")

	var c collector
	err := s.Read(context.Background(), StreamIssueMilestones, core.ReadOptions{ForceFullRefresh: true}, c.emit)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeRateLimit))
	assert.True(t, IsRateLimited(err))
	assert.Equal(t, 0, s.client.RateLimiter().Remaining())
}

func TestRead_UnknownStream(t *testing.T) {
	f := newFakeGitHub(t)
	s := newTestSource(t, f, testOrg+"/api")

	var c collector
	err := s.Read(context.Background(), "stargazers", core.ReadOptions{}, c.emit)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}
