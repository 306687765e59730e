//go:build integration

package postgres

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leds-conectafapes/ghsync/pkg/config"
	"github.com/leds-conectafapes/ghsync/pkg/connector/core"
	"github.com/leds-conectafapes/ghsync/pkg/errors"
	"github.com/leds-conectafapes/ghsync/pkg/models"
	"github.com/leds-conectafapes/ghsync/pkg/testutil"
)

// memCache is a CacheReader over records held in memory.
type memCache map[string][]*models.Record

func (m memCache) Name() string { return "memory" }

func (m memCache) Streams(context.Context) ([]string, error) {
	var out []string
	for s := range m {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func (m memCache) Count(_ context.Context, stream string) (int64, error) {
	return int64(len(m[stream])), nil
}

func (m memCache) Scan(_ context.Context, stream string, fn func(*models.Record) error) error {
	records, ok := m[stream]
	if !ok {
		return errors.Newf(errors.ErrorTypeNotFound, "stream %s is not cached", stream)
	}
	for _, r := range records {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func rec(stream string, data map[string]interface{}, at time.Time, pk ...string) *models.Record {
	r := models.NewRecord(stream, data, pk)
	r.ExtractedAt = at
	return r
}

func openTestDestination(t *testing.T) *PostgresDestination {
	t.Helper()
	testutil.TestLogger(t)
	cfg := config.Default().Destination
	cfg.PostgresConnection = testutil.StartPostgres(t)
	cfg.Schema = "github"
	cfg.Performance.BatchSize = 2

	d, err := NewPostgresDestination(&cfg)
	require.NoError(t, err)
	require.NoError(t, d.Initialize(context.Background()))
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	require.NoError(t, d.Check(context.Background()))
	return d
}

func TestPostgresDestination_Write(t *testing.T) {
	d := openTestDestination(t)
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	cache := memCache{
		"issues": {
			rec("issues", map[string]interface{}{"id": float64(1), "title": "a", "labels": []interface{}{"bug"}, "created_at": "2024-01-01T00:00:00Z"}, t0, "id"),
			rec("issues", map[string]interface{}{"id": float64(2), "title": "b", "labels": []interface{}{}, "created_at": "2024-01-02T00:00:00Z"}, t0, "id"),
			rec("issues", map[string]interface{}{"id": float64(1), "title": "a2", "labels": nil, "created_at": "2024-01-01T00:00:00Z"}, t0.Add(time.Hour), "id"),
		},
		"teams": {},
	}
	result := &core.ReadResult{RunID: "run-1", Streams: []string{"issues", "teams"}}

	wr, err := d.Write(ctx, result, core.WriteOptions{ForceFullRefresh: true}, cache)
	require.NoError(t, err)
	assert.Equal(t, config.WriteModeReplace, wr.Mode)
	require.Len(t, wr.Streams, 2)
	assert.Equal(t, int64(2), wr.Streams[0].Records, "duplicates collapse to the newest copy")
	assert.Equal(t, int64(0), wr.Streams[1].Records)
	assert.Equal(t, `"github"."issues"`, wr.Streams[0].Table)

	var title, createdType, labelsType string
	require.NoError(t, d.pool.QueryRow(ctx, `SELECT title FROM github.issues WHERE id = 1`).Scan(&title))
	assert.Equal(t, "a2", title)
	require.NoError(t, d.pool.QueryRow(ctx, `
		SELECT data_type FROM information_schema.columns
		WHERE table_schema = 'github' AND table_name = 'issues' AND column_name = 'created_at'`).Scan(&createdType))
	assert.Equal(t, "timestamp with time zone", createdType)
	require.NoError(t, d.pool.QueryRow(ctx, `
		SELECT data_type FROM information_schema.columns
		WHERE table_schema = 'github' AND table_name = 'issues' AND column_name = 'labels'`).Scan(&labelsType))
	assert.Equal(t, "jsonb", labelsType)

	t.Run("upsert adds columns and updates rows", func(t *testing.T) {
		next := memCache{"issues": {
			rec("issues", map[string]interface{}{"id": float64(2), "title": "b2", "state": "closed"}, t0.Add(2*time.Hour), "id"),
			rec("issues", map[string]interface{}{"id": float64(3), "title": "c", "state": "open"}, t0.Add(2*time.Hour), "id"),
		}}
		wr, err := d.Write(ctx, &core.ReadResult{Streams: []string{"issues"}}, core.WriteOptions{Mode: config.WriteModeUpsert}, next)
		require.NoError(t, err)
		assert.Equal(t, int64(2), wr.Records)

		var count int
		require.NoError(t, d.pool.QueryRow(ctx, `SELECT count(*) FROM github.issues`).Scan(&count))
		assert.Equal(t, 3, count)

		var state *string
		require.NoError(t, d.pool.QueryRow(ctx, `SELECT state FROM github.issues WHERE id = 1`).Scan(&state))
		assert.Nil(t, state)
		require.NoError(t, d.pool.QueryRow(ctx, `SELECT title FROM github.issues WHERE id = 2`).Scan(&title))
		assert.Equal(t, "b2", title)
	})

	t.Run("upsert widens conflicting columns", func(t *testing.T) {
		next := memCache{"issues": {
			rec("issues", map[string]interface{}{"id": float64(3), "title": "c", "created_at": "unknown"}, t0.Add(3*time.Hour), "id"),
		}}
		_, err := d.Write(ctx, &core.ReadResult{Streams: []string{"issues"}}, core.WriteOptions{Mode: config.WriteModeUpsert}, next)
		require.NoError(t, err)

		require.NoError(t, d.pool.QueryRow(ctx, `
			SELECT data_type FROM information_schema.columns
			WHERE table_schema = 'github' AND table_name = 'issues' AND column_name = 'created_at'`).Scan(&createdType))
		assert.Equal(t, "text", createdType)

		var created string
		require.NoError(t, d.pool.QueryRow(ctx, `SELECT created_at FROM github.issues WHERE id = 3`).Scan(&created))
		assert.Equal(t, "unknown", created)
		require.NoError(t, d.pool.QueryRow(ctx, `SELECT created_at FROM github.issues WHERE id = 1`).Scan(&created))
		assert.Contains(t, created, "2024-01-01")
	})

	t.Run("append keeps every copy", func(t *testing.T) {
		events := memCache{"commits": {
			rec("commits", map[string]interface{}{"sha": "x"}, t0, "sha"),
			rec("commits", map[string]interface{}{"sha": "x"}, t0.Add(time.Minute), "sha"),
			rec("commits", map[string]interface{}{"sha": "y"}, t0, "sha"),
		}}
		_, err := d.Write(ctx, &core.ReadResult{Streams: []string{"commits"}}, core.WriteOptions{Mode: config.WriteModeAppend}, events)
		require.NoError(t, err)

		var count int
		require.NoError(t, d.pool.QueryRow(ctx, `SELECT count(*) FROM github.commits`).Scan(&count))
		assert.Equal(t, 3, count)
	})

	t.Run("failed load keeps previous table", func(t *testing.T) {
		_, err := d.Write(ctx, &core.ReadResult{Streams: []string{"ghost"}}, core.WriteOptions{ForceFullRefresh: true}, cache)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

		var count int
		require.NoError(t, d.pool.QueryRow(ctx, `SELECT count(*) FROM github.issues`).Scan(&count))
		assert.Equal(t, 3, count)
	})
}
