package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leds-conectafapes/ghsync/pkg/config"
	"github.com/leds-conectafapes/ghsync/pkg/connector/core"
	"github.com/leds-conectafapes/ghsync/pkg/errors"
	"github.com/leds-conectafapes/ghsync/pkg/json"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "ghsync v"+version)
}

func TestListCmd(t *testing.T) {
	out, err := execute(t, "list")
	require.NoError(t, err)
	for _, name := range []string{config.SourceGitHub, config.DestinationPostgres, config.DestinationJSONL} {
		assert.Contains(t, out, name)
	}
}

func TestInitConfigCmd(t *testing.T) {
	t.Setenv(config.TokenEnvVar, "ghp_secret")
	path := filepath.Join(t.TempDir(), "ghsync.yaml")

	_, err := execute(t, "init-config", path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "ghp_secret", "the token stays in the environment")
	assert.Contains(t, string(data), "${GITHUB_TOKEN}")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ghp_secret", cfg.Source.Credentials.PersonalAccessToken)
	assert.Equal(t, []string{"leds-conectafapes/*"}, cfg.Source.Repositories)
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	cfg, err := loadConfig(&globalFlags{
		logLevel:    "debug",
		timeout:     5 * time.Minute,
		metricsAddr: ":9090",
	})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Timeout)
	assert.True(t, cfg.Observability.EnableMetrics)
	assert.Equal(t, ":9090", cfg.Observability.MetricsAddr)
	assert.True(t, cfg.Sync.ForceFullRefresh)
	assert.Nil(t, cfg.Sync.ReplayStreams())
}

func TestRunner_SelectsFixedStreams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ghsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  streams: [issues]\n"), 0o600))

	cfg, err := loadConfig(&globalFlags{configFile: path})
	require.NoError(t, err)
	a := &app{cfg: cfg, log: zap.NewNop()}
	t.Cleanup(a.Close)
	require.NoError(t, a.openSource(context.Background()))

	selected, err := a.runner().Select()
	require.NoError(t, err)
	names := make([]string, 0, len(selected))
	for _, s := range selected {
		names = append(names, s.Name)
	}
	assert.Equal(t, config.DefaultStreams(), names)
	assert.Equal(t, []string{"issues"}, cfg.Sync.ReplayStreams())
}

func TestCommandContext(t *testing.T) {
	ctx, cancel := commandContext(context.Background(), 0)
	_, ok := ctx.Deadline()
	assert.False(t, ok)
	cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	ctx, cancel = commandContext(context.Background(), time.Minute)
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  write_mode: merge\n"), 0o600))

	_, err := loadConfig(&globalFlags{configFile: path})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestDestinationType(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: config.DestinationPostgres},
		{in: "postgres", want: config.DestinationPostgres},
		{in: "jsonl", want: config.DestinationJSONL},
		{in: config.DestinationJSONL, want: config.DestinationJSONL},
		{in: "bigquery", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := destinationType(tt.in)
			if tt.wantErr {
				assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrintJSON(t *testing.T) {
	res := &core.WriteResult{RunID: "r1", Destination: config.DestinationPostgres, Mode: config.WriteModeReplace}
	res.Add(core.StreamWriteResult{Stream: "issues", Table: "issues", Records: 7})

	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, res))
	assert.True(t, strings.HasPrefix(buf.String(), "{\n  "))

	var back map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, float64(7), back["records"])
	assert.Equal(t, "replace", back["mode"])
}

func TestReplayCmd_UnknownDestination(t *testing.T) {
	_, err := execute(t, "replay", "--destination", "bigquery", "--log-level", "error")
	require.Error(t, err)
}
