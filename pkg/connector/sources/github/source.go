// Package github implements the GitHub source connector. It reads the
// repositories matched by owner/name patterns and the organizations owning
// them, one stream at a time, through the REST API (go-github) and, for
// projects_v2, the GraphQL API (githubv4).
package github

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gh "github.com/google/go-github/v80/github"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/leds-conectafapes/ghsync/pkg/clients"
	"github.com/leds-conectafapes/ghsync/pkg/config"
	"github.com/leds-conectafapes/ghsync/pkg/connector/base"
	"github.com/leds-conectafapes/ghsync/pkg/connector/core"
	"github.com/leds-conectafapes/ghsync/pkg/connector/registry"
	"github.com/leds-conectafapes/ghsync/pkg/errors"
	"github.com/leds-conectafapes/ghsync/pkg/metrics"
	"github.com/leds-conectafapes/ghsync/pkg/models"
)

// Version of the GitHub source connector.
const Version = "1.0.0"

func init() {
	_ = registry.RegisterSource(config.SourceGitHub, func(cfg *config.Config) (core.Source, error) {
		return NewGitHubSource(&cfg.Source)
	})
	_ = registry.RegisterConnectorInfo(&registry.ConnectorInfo{
		Name:         config.SourceGitHub,
		Type:         string(core.ConnectorTypeSource),
		Description:  "GitHub repositories, issues, pull requests, commits, teams and projects",
		Version:      Version,
		Capabilities: []string{"full_refresh", "incremental", "glob_repositories", "graphql"},
	})
}

var _ core.Source = (*GitHubSource)(nil)

// GitHubSource reads GitHub streams.
type GitHubSource struct {
	*base.BaseConnector

	config    *config.GitHubSourceConfig
	patterns  []RepoPattern
	startDate time.Time
	catalog   *core.Catalog
	selected  []core.Stream

	httpClient *http.Client
	client     *Client

	resolveMu sync.Mutex
	repos     []*gh.Repository
	orgs      []string
	resolved  bool
}

// NewGitHubSource validates cfg and creates the connector. It performs no I/O.
func NewGitHubSource(cfg *config.GitHubSourceConfig) (*GitHubSource, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "github source configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid github source configuration")
	}

	patterns, err := ParsePatterns(cfg.Repositories)
	if err != nil {
		return nil, err
	}

	var startDate time.Time
	if cfg.StartDate != "" {
		// already validated
		startDate, _ = time.Parse(time.RFC3339, cfg.StartDate)
	}

	catalog := Catalog()
	return &GitHubSource{
		BaseConnector: base.NewBaseConnector(config.SourceGitHub, core.ConnectorTypeSource, Version),
		config:        cfg,
		patterns:      patterns,
		startDate:     startDate,
		catalog:       catalog,
		selected:      append([]core.Stream(nil), catalog.Streams...),
	}, nil
}

// Initialize builds the HTTP and API clients.
func (s *GitHubSource) Initialize(ctx context.Context) error {
	if err := s.BaseConnector.Initialize(ctx, &s.config.BaseConfig); err != nil {
		return err
	}

	token := s.config.Credentials.PersonalAccessToken
	if token == "" {
		s.GetLogger().Warn("no GitHub token configured, requests are unauthenticated",
			zap.String("env", config.TokenEnvVar))
	}

	s.httpClient = clients.NewHTTPClient(clients.HTTPConfigFrom(&s.config.BaseConfig), s.GetLogger())
	client, err := NewClient(clients.NewTokenClient(ctx, s.httpClient, token), ClientOptions{
		APIURL:     s.config.APIURL,
		GraphQLURL: s.config.GraphQLURL,
		PageSize:   s.config.Performance.PageSize,
	}, s.Execute)
	if err != nil {
		return err
	}
	s.client = client

	s.GetLogger().Info("github source initialized",
		zap.Strings("repositories", s.config.Repositories),
		zap.Int("max_concurrency", s.config.Performance.MaxConcurrency))
	return nil
}

// Check verifies the token and that every configured owner exists.
func (s *GitHubSource) Check(ctx context.Context) error {
	if s.client == nil {
		return errors.New(errors.ErrorTypeInternal, "github source is not initialized")
	}
	if s.config.Credentials.PersonalAccessToken == "" {
		return errors.Newf(errors.ErrorTypeAuthentication,
			"personal access token is empty, set %s", config.TokenEnvVar)
	}

	login, err := s.client.ValidateCredentials(ctx)
	if err != nil {
		return err
	}

	for _, owner := range Owners(s.patterns) {
		if _, err := s.client.GetOwner(ctx, owner); err != nil {
			if IsNotFound(err) {
				return errors.Newf(errors.ErrorTypeNotFound, "github owner %s not found", owner)
			}
			return err
		}
	}

	s.GetLogger().Info("github credentials valid", zap.String("login", login))
	return nil
}

// Discover returns the stream catalog.
func (s *GitHubSource) Discover(ctx context.Context) (*core.Catalog, error) {
	return &core.Catalog{Streams: append([]core.Stream(nil), s.catalog.Streams...)}, nil
}

// SelectStreams restricts reads to names, in the given order.
func (s *GitHubSource) SelectStreams(names []string) error {
	selected, err := s.catalog.Select(names)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "invalid stream selection").
			WithDetail("requested", names)
	}
	s.selected = selected
	s.GetLogger().Info("streams selected", zap.Strings("streams", names))
	return nil
}

// SelectedStreams returns the selected streams.
func (s *GitHubSource) SelectedStreams() []core.Stream {
	return append([]core.Stream(nil), s.selected...)
}

// Read extracts one stream for every matched repository or organization,
// up to max_concurrency targets at a time. emit is called concurrently.
func (s *GitHubSource) Read(ctx context.Context, stream string, opts core.ReadOptions, emit core.EmitFunc) error {
	if s.client == nil {
		return errors.New(errors.ErrorTypeInternal, "github source is not initialized")
	}
	st, ok := s.catalog.Stream(stream)
	if !ok {
		return errors.Newf(errors.ErrorTypeValidation, "unknown stream %s", stream).
			WithDetail("available", s.catalog.Names())
	}
	reader := readers[stream]

	previous := map[string]time.Time{}
	if st.SupportsIncremental() && !opts.ForceFullRefresh {
		if v, ok := s.StreamState(stream); ok {
			previous = parseStreamState(v)
		}
	}
	tracker := newCursorTracker(previous)

	var targets []string
	repoByName := map[string]*gh.Repository{}
	if st.Scope == core.ScopeRepository {
		repos, err := s.repositories(ctx)
		if err != nil {
			return err
		}
		for _, repo := range repos {
			targets = append(targets, repo.GetFullName())
			repoByName[repo.GetFullName()] = repo
		}
	} else {
		orgs, err := s.organizations(ctx)
		if err != nil {
			return err
		}
		targets = orgs
	}

	log := s.GetLogger().With(zap.String("stream", stream))
	start := time.Now()
	var count atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.config.Performance.MaxConcurrency))

	for _, target := range targets {
		target := target
		p := readParams{branch: s.config.Branch}
		if st.SupportsIncremental() {
			p.since = laterOf(s.startDate, previous[target])
		}

		emitPage := func(items []map[string]interface{}) error {
			records := make([]*models.Record, 0, len(items))
			for _, data := range items {
				if st.Scope == core.ScopeRepository {
					data[FieldRepository] = target
				} else {
					data[FieldOrganization] = target
				}
				if st.CursorField != "" {
					if at, ok := cursorValue(data, st.CursorField); ok {
						if !p.since.IsZero() && at.Before(p.since) {
							continue
						}
						tracker.observe(target, at)
					}
				}
				records = append(records, models.NewRecord(stream, data, st.PrimaryKey))
			}
			if len(records) == 0 {
				return nil
			}
			n := int64(len(records))
			count.Add(n)
			metrics.RecordsExtracted.WithLabelValues(s.Name(), stream).Add(float64(n))
			s.RecordCounter("records_extracted", float64(n))
			return emit(gctx, records)
		}

		g.Go(func() error {
			var err error
			if reader.repo != nil {
				err = reader.repo(gctx, s.client, repoByName[target], p, emitPage)
			} else {
				err = reader.org(gctx, s.client, target, p, emitPage)
			}
			if err != nil {
				log.Error("stream read failed", zap.String("target", target), zap.Error(err))
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if st.SupportsIncremental() {
		s.UpdateStreamState(stream, tracker.state())
	}

	log.Info("stream read",
		zap.Int64("records", count.Load()),
		zap.Int("targets", len(targets)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// repositories resolves the configured patterns once per connector.
func (s *GitHubSource) repositories(ctx context.Context) ([]*gh.Repository, error) {
	if err := s.resolve(ctx); err != nil {
		return nil, err
	}
	return s.repos, nil
}

// organizations returns the configured owners that are organizations.
func (s *GitHubSource) organizations(ctx context.Context) ([]string, error) {
	if err := s.resolve(ctx); err != nil {
		return nil, err
	}
	return s.orgs, nil
}

func (s *GitHubSource) resolve(ctx context.Context) error {
	s.resolveMu.Lock()
	defer s.resolveMu.Unlock()
	if s.resolved {
		return nil
	}

	repos, err := ResolveRepositories(ctx, s.client, s.patterns, s.GetLogger())
	if err != nil {
		return err
	}

	var orgs []string
	for _, owner := range Owners(s.patterns) {
		account, err := s.client.GetOwner(ctx, owner)
		if err != nil {
			return err
		}
		if account.GetType() != "Organization" {
			s.GetLogger().Info("owner is not an organization, skipping organization streams",
				zap.String("owner", owner))
			continue
		}
		orgs = append(orgs, account.GetLogin())
	}

	s.repos = repos
	s.orgs = orgs
	s.resolved = true
	s.GetLogger().Info("repositories resolved",
		zap.Int("repositories", len(repos)),
		zap.Strings("organizations", orgs))
	return nil
}

// Metrics adds the GitHub quota to the base connector metrics.
func (s *GitHubSource) Metrics() map[string]interface{} {
	m := s.BaseConnector.Metrics()
	if s.client != nil {
		m["rate_limit_remaining"] = s.client.RateLimiter().Remaining()
	}
	return m
}

// Close releases idle HTTP connections.
func (s *GitHubSource) Close(ctx context.Context) error {
	if s.httpClient != nil {
		s.httpClient.CloseIdleConnections()
	}
	return s.BaseConnector.Close(ctx)
}
