package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// TokenEnvVar is the environment variable holding the GitHub personal access token.
const TokenEnvVar = "GITHUB_TOKEN"

// Connector type names used by the registry.
const (
	SourceGitHub        = "source-github"
	DestinationPostgres = "destination-postgres"
	DestinationJSONL    = "destination-jsonl"
)

// Write modes understood by destinations.
const (
	WriteModeAppend  = "append"
	WriteModeUpsert  = "upsert"
	WriteModeReplace = "replace"
)

// Config is the root configuration file structure.
type Config struct {
	Source        GitHubSourceConfig        `yaml:"source" json:"source" mapstructure:"source"`
	Cache         PostgresCacheConfig       `yaml:"cache" json:"cache" mapstructure:"cache"`
	Destination   PostgresDestinationConfig `yaml:"destination" json:"destination" mapstructure:"destination"`
	JSONL         JSONLDestinationConfig    `yaml:"jsonl" json:"jsonl" mapstructure:"jsonl"`
	Sync          SyncConfig                `yaml:"sync" json:"sync" mapstructure:"sync"`
	Observability ObservabilityConfig       `yaml:"observability" json:"observability" mapstructure:"observability"`
}

// SyncConfig controls how a run reads and writes.
type SyncConfig struct {
	// Streams limits replay to these cached streams; runs always extract DefaultStreams
	Streams []string `yaml:"streams" json:"streams" mapstructure:"streams"`
	// ForceFullRefresh re-extracts everything and drops-and-reloads destination tables
	ForceFullRefresh bool `yaml:"force_full_refresh" json:"force_full_refresh" mapstructure:"force_full_refresh"`
	// WriteMode applies when ForceFullRefresh is false (append or upsert)
	WriteMode string `yaml:"write_mode" json:"write_mode" mapstructure:"write_mode"`
	// Timeout bounds a whole run
	Timeout time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
}

// GitHubCredentials holds GitHub authentication.
type GitHubCredentials struct {
	PersonalAccessToken string `yaml:"personal_access_token" json:"-" mapstructure:"personal_access_token"`
}

// GitHubSourceConfig contains configuration for the GitHub source connector
type GitHubSourceConfig struct {
	BaseConfig `yaml:",inline" json:",inline" mapstructure:",squash"`

	// Repositories lists owner/name patterns, e.g. "leds-conectafapes/*"
	Repositories []string          `yaml:"repositories" json:"repositories" mapstructure:"repositories"`
	Credentials  GitHubCredentials `yaml:"credentials" json:"credentials" mapstructure:"credentials"`
	// StartDate (RFC3339) limits issues, pull requests and commits to newer records
	StartDate string `yaml:"start_date" json:"start_date" mapstructure:"start_date"`
	// Branch restricts the commits stream to one branch (default branch when empty)
	Branch     string `yaml:"branch" json:"branch" mapstructure:"branch"`
	APIURL     string `yaml:"api_url" json:"api_url" mapstructure:"api_url"`
	GraphQLURL string `yaml:"graphql_url" json:"graphql_url" mapstructure:"graphql_url"`
}

// PostgresConnection holds the parameters needed to reach a PostgreSQL server.
type PostgresConnection struct {
	Host     string `yaml:"host" json:"host" mapstructure:"host"`
	Port     int    `yaml:"port" json:"port" mapstructure:"port"`
	Database string `yaml:"database" json:"database" mapstructure:"database"`
	Username string `yaml:"username" json:"username" mapstructure:"username"`
	Password string `yaml:"password" json:"-" mapstructure:"password"`
	Schema   string `yaml:"schema" json:"schema" mapstructure:"schema"`
	// SSL turns TLS on; when false SSLMode is ignored and "disable" is used
	SSL     bool   `yaml:"ssl" json:"ssl" mapstructure:"ssl"`
	SSLMode string `yaml:"sslmode" json:"sslmode" mapstructure:"sslmode"`
}

// PostgresCacheConfig contains configuration for the PostgreSQL staging cache
type PostgresCacheConfig struct {
	BaseConfig         `yaml:",inline" json:",inline" mapstructure:",squash"`
	PostgresConnection `yaml:",inline" json:",inline" mapstructure:",squash"`

	// TablePrefix is prepended to every stream table
	TablePrefix string `yaml:"table_prefix" json:"table_prefix" mapstructure:"table_prefix"`
}

// PostgresDestinationConfig contains configuration for the PostgreSQL destination connector
type PostgresDestinationConfig struct {
	BaseConfig         `yaml:",inline" json:",inline" mapstructure:",squash"`
	PostgresConnection `yaml:",inline" json:",inline" mapstructure:",squash"`
}

// JSONLDestinationConfig contains configuration for the JSON lines destination
type JSONLDestinationConfig struct {
	BaseConfig `yaml:",inline" json:",inline" mapstructure:",squash"`

	Directory string `yaml:"directory" json:"directory" mapstructure:"directory"`
	// Compression is none, gzip, zstd, lz4 or s2
	Compression string `yaml:"compression" json:"compression" mapstructure:"compression"`
}

// Default returns the configuration the tool runs with when no file is given:
// every repository of leds-conectafapes, a local cache and a destination
// reached from inside a container.
func Default() *Config {
	source := GitHubSourceConfig{
		BaseConfig:   NewBaseConfig("github", SourceGitHub),
		Repositories: []string{"leds-conectafapes/*"},
		Credentials: GitHubCredentials{
			PersonalAccessToken: os.Getenv(TokenEnvVar),
		},
		APIURL:     "https://api.github.com/",
		GraphQLURL: "https://api.github.com/graphql",
	}
	source.Security.EnableTLS = true
	// about 4300 requests per hour, under the authenticated 5000/h quota
	source.Reliability.RateLimitPerSec = 1.2

	cache := PostgresCacheConfig{
		BaseConfig: NewBaseConfig("cache", "cache-postgres"),
		PostgresConnection: PostgresConnection{
			Host:     "localhost",
			Port:     5432,
			Username: "postgres",
			Password: "postgres",
			Database: "databasex",
			Schema:   "ghsync_cache",
			SSL:      false,
			SSLMode:  "disable",
		},
	}

	dest := PostgresDestinationConfig{
		BaseConfig: NewBaseConfig("postgres", DestinationPostgres),
		PostgresConnection: PostgresConnection{
			Host:     "host.docker.internal",
			Port:     5432,
			Database: "databasex",
			Username: "postgres",
			Password: "postgres",
			Schema:   "public",
			SSL:      false,
			SSLMode:  "disable",
		},
	}

	return &Config{
		Source:      source,
		Cache:       cache,
		Destination: dest,
		JSONL: JSONLDestinationConfig{
			BaseConfig:  NewBaseConfig("jsonl", DestinationJSONL),
			Directory:   "./export",
			Compression: "gzip",
		},
		Sync: SyncConfig{
			ForceFullRefresh: true,
			WriteMode:        WriteModeUpsert,
			Timeout:          2 * time.Hour,
		},
		Observability: NewBaseConfig("", "").Observability,
	}
}

// Validate checks every section of the configuration.
func (c *Config) Validate() error {
	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if err := c.Cache.BaseConfig.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := c.Cache.PostgresConnection.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := c.Destination.BaseConfig.Validate(); err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if err := c.Destination.PostgresConnection.Validate(); err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	switch c.Sync.WriteMode {
	case WriteModeAppend, WriteModeUpsert, WriteModeReplace:
	default:
		return fmt.Errorf("sync: unknown write_mode %q", c.Sync.WriteMode)
	}
	return nil
}

// Validate checks the GitHub source settings. The token is not required here;
// a missing token is reported by the connector's check.
func (g *GitHubSourceConfig) Validate() error {
	if err := g.BaseConfig.Validate(); err != nil {
		return err
	}
	if len(g.Repositories) == 0 {
		return fmt.Errorf("at least one repository pattern is required")
	}
	for _, pattern := range g.Repositories {
		owner, name, ok := strings.Cut(pattern, "/")
		if !ok || owner == "" || name == "" {
			return fmt.Errorf("repository pattern %q must have the form owner/name", pattern)
		}
	}
	if g.StartDate != "" {
		if _, err := time.Parse(time.RFC3339, g.StartDate); err != nil {
			return fmt.Errorf("start_date must be RFC3339: %w", err)
		}
	}
	return nil
}

// Validate checks connection parameters.
func (p *PostgresConnection) Validate() error {
	if p.Host == "" {
		return fmt.Errorf("host is required")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("port %d out of range", p.Port)
	}
	if p.Database == "" {
		return fmt.Errorf("database is required")
	}
	if p.Username == "" {
		return fmt.Errorf("username is required")
	}
	return nil
}

// EffectiveSSLMode returns the libpq sslmode actually used.
func (p *PostgresConnection) EffectiveSSLMode() string {
	if !p.SSL {
		return "disable"
	}
	if p.SSLMode == "" || p.SSLMode == "disable" {
		return "require"
	}
	return p.SSLMode
}

// TLSDisabled reports whether the connection runs without TLS.
func (p *PostgresConnection) TLSDisabled() bool {
	return p.EffectiveSSLMode() == "disable"
}

// ConnString builds a postgres:// URL understood by pgx.
func (p *PostgresConnection) ConnString() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.Username, p.Password),
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:   "/" + p.Database,
	}
	q := url.Values{}
	q.Set("sslmode", p.EffectiveSSLMode())
	if p.Schema != "" {
		q.Set("search_path", p.Schema)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Redacted returns the connection string with the password masked, for logs.
func (p *PostgresConnection) Redacted() string {
	c := *p
	if c.Password != "" {
		c.Password = "xxxxx"
	}
	return c.ConnString()
}
