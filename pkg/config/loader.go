package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. GHSYNC_DESTINATION_HOST.
const EnvPrefix = "GHSYNC"

// DefaultStreams returns the streams every run selects unless the
// configuration overrides them.
func DefaultStreams() []string {
	return []string{
		"issues",
		"repositories",
		"pull_requests",
		"commits",
		"teams",
		"users",
		"issue_milestones",
		"projects_v2",
		"team_members",
		"team_memberships",
	}
}

// ReplayStreams returns the streams replay is limited to, nil meaning every
// cached stream. Runs ignore it and always extract DefaultStreams.
func (s *SyncConfig) ReplayStreams() []string {
	if len(s.Streams) == 0 {
		return nil
	}
	out := make([]string, len(s.Streams))
	copy(out, s.Streams)
	return out
}

// Load reads the YAML file at filePath on top of Default(). ${VAR} references
// in the file are replaced with environment values before parsing, and
// GHSYNC_* variables override any key. An empty path loads defaults and
// environment only.
func Load(filePath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := setDefaults(v, Default()); err != nil {
		return nil, err
	}
	if err := v.BindEnv("source.credentials.personal_access_token",
		EnvPrefix+"_SOURCE_CREDENTIALS_PERSONAL_ACCESS_TOKEN", TokenEnvVar); err != nil {
		return nil, fmt.Errorf("failed to bind token env: %w", err)
	}

	if filePath != "" {
		data, err := os.ReadFile(filePath) //nolint:gosec // G304: path comes from the --config flag
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		content := substituteEnvVars(string(data))
		if err := v.ReadConfig(bytes.NewBufferString(content)); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to filePath as YAML. Secrets tagged json:"-" are still
// written, so callers should not save configs that hold live credentials.
func Save(filePath string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setDefaults registers every key of cfg with viper so AutomaticEnv can
// override keys that the file does not mention.
func setDefaults(v *viper.Viper, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal defaults: %w", err)
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}
	walkDefaults(v, "", tree)
	return nil
}

func walkDefaults(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := val.(map[string]interface{}); ok {
			walkDefaults(v, key, child)
			continue
		}
		v.SetDefault(key, val)
	}
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		b.WriteString(content[:start])
		b.WriteString(os.Getenv(content[start+2 : end]))
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}
