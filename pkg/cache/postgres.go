// Package cache implements the PostgreSQL staging cache. Every stream gets
// a table of raw JSON records; the destination replays them after the read.
// Migrations create the stream catalog, the per-stream state and the run log.
package cache

import (
	"context"
	"embed"
	"io/fs"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/leds-conectafapes/ghsync/pkg/config"
	"github.com/leds-conectafapes/ghsync/pkg/connector/core"
	"github.com/leds-conectafapes/ghsync/pkg/errors"
	"github.com/leds-conectafapes/ghsync/pkg/json"
	"github.com/leds-conectafapes/ghsync/pkg/metrics"
	"github.com/leds-conectafapes/ghsync/pkg/models"
	"github.com/leds-conectafapes/ghsync/pkg/observability"
	pg "github.com/leds-conectafapes/ghsync/pkg/postgres"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	versionTable = "_ghsync_schema_version"
	// migrationLockID is "ghsync" in ASCII hex
	migrationLockID = 0x676873796e63
)

// Column names of a stream table.
const (
	ColumnRawID       = "_ghsync_raw_id"
	ColumnPrimaryKey  = "_ghsync_pk"
	ColumnExtractedAt = "_ghsync_extracted_at"
	ColumnData        = "_ghsync_data"
)

var copyColumns = []string{ColumnRawID, ColumnPrimaryKey, ColumnExtractedAt, ColumnData}

var _ core.Cache = (*PostgresCache)(nil)

// PostgresCache stores records in one table per stream.
type PostgresCache struct {
	cfg    *config.PostgresCacheConfig
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer *observability.ConnectorTracer

	mu     sync.Mutex
	tables map[string]string
}

// Open connects to the cache database and applies pending migrations.
func Open(ctx context.Context, cfg *config.PostgresCacheConfig, logger *zap.Logger) (*PostgresCache, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "cache configuration is required")
	}
	if err := cfg.PostgresConnection.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid cache configuration")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "cache"))

	pool, err := pg.Connect(ctx, "cache", &cfg.PostgresConnection, &cfg.BaseConfig, logger)
	if err != nil {
		return nil, err
	}

	migrations, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to read cache migrations")
	}
	if err := pg.Migrate(ctx, pool, migrations, versionTable, migrationLockID, logger); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresCache{
		cfg:    cfg,
		pool:   pool,
		logger: logger,
		tracer: observability.NewConnectorTracer("cache", cfg.Name),
		tables: make(map[string]string),
	}, nil
}

// Name identifies the cache in results.
func (c *PostgresCache) Name() string {
	return "postgres:" + c.cfg.Schema
}

// Pool exposes the connection pool for health checks and tests.
func (c *PostgresCache) Pool() *pgxpool.Pool {
	return c.pool
}

// Table returns the quoted table of stream.
func (c *PostgresCache) Table(stream string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tables[stream]; ok {
		return t
	}
	t := pg.Ident(c.cfg.Schema, pg.TableName(c.cfg.TablePrefix, stream))
	c.tables[stream] = t
	return t
}

// PrepareStream creates the stream table when missing and registers it.
// With fullRefresh the cached records of a previous run are discarded.
func (c *PostgresCache) PrepareStream(ctx context.Context, stream string, fullRefresh bool) error {
	table := c.Table(stream)

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return pg.Classify(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	create := `CREATE TABLE IF NOT EXISTS ` + table + ` (
		` + ColumnRawID + ` uuid PRIMARY KEY,
		` + ColumnPrimaryKey + ` text NOT NULL,
		` + ColumnExtractedAt + ` timestamptz NOT NULL,
		` + ColumnData + ` jsonb NOT NULL
	)`
	if _, err := tx.Exec(ctx, create); err != nil {
		return pg.Classify(err, "failed to create cache table").WithDetail("stream", stream)
	}

	if fullRefresh {
		if _, err := tx.Exec(ctx, "TRUNCATE "+table); err != nil {
			return pg.Classify(err, "failed to truncate cache table").WithDetail("stream", stream)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO _ghsync_streams (stream, table_name, records, updated_at)
		VALUES ($1, $2, 0, now())
		ON CONFLICT (stream) DO UPDATE SET
			table_name = EXCLUDED.table_name,
			records = CASE WHEN $3 THEN 0 ELSE _ghsync_streams.records END,
			updated_at = now()`,
		stream, table, fullRefresh)
	if err != nil {
		return pg.Classify(err, "failed to register cache stream").WithDetail("stream", stream)
	}

	if err := tx.Commit(ctx); err != nil {
		return pg.Classify(err, "failed to commit cache stream")
	}
	c.logger.Debug("cache stream prepared",
		zap.String("stream", stream),
		zap.String("table", table),
		zap.Bool("full_refresh", fullRefresh))
	return nil
}

// WriteBatch copies records into the stream table.
func (c *PostgresCache) WriteBatch(ctx context.Context, stream string, records []*models.Record) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	table := c.Table(stream)

	rows := make([][]interface{}, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(r.Data)
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeData, "failed to encode record").
				WithDetail("stream", stream).
				WithDetail("primary_key", r.PrimaryKey)
		}
		extracted := r.ExtractedAt
		if extracted.IsZero() {
			extracted = time.Now().UTC()
		}
		rows = append(rows, []interface{}{
			pgtype.UUID{Bytes: [16]byte(uuid.New()), Valid: true},
			r.PrimaryKey,
			extracted,
			data,
		})
	}

	var copied int64
	err := c.tracer.TraceBatch(ctx, len(records), "write_batch", func(ctx context.Context) error {
		tx, err := c.pool.Begin(ctx)
		if err != nil {
			return pg.Classify(err, "failed to begin transaction")
		}
		defer func() { _ = tx.Rollback(ctx) }()

		copied, err = tx.CopyFrom(ctx, identifier(c.cfg.Schema, pg.TableName(c.cfg.TablePrefix, stream)),
			copyColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return pg.Classify(err, "failed to copy records into cache").
				WithDetail("stream", stream).
				WithDetail("table", table)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE _ghsync_streams SET records = records + $2, updated_at = now() WHERE stream = $1`,
			stream, copied); err != nil {
			return pg.Classify(err, "failed to update cache stream count")
		}
		if err := tx.Commit(ctx); err != nil {
			return pg.Classify(err, "failed to commit cache batch")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	metrics.RecordsCached.WithLabelValues(stream).Add(float64(copied))
	return copied, nil
}

func identifier(schema, table string) pgx.Identifier {
	if schema == "" {
		return pgx.Identifier{table}
	}
	return pgx.Identifier{schema, table}
}

// Streams lists the registered streams in name order.
func (c *PostgresCache) Streams(ctx context.Context) ([]string, error) {
	rows, err := c.pool.Query(ctx, `SELECT stream FROM _ghsync_streams ORDER BY stream`)
	if err != nil {
		return nil, pg.Classify(err, "failed to list cache streams")
	}
	streams, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, pg.Classify(err, "failed to read cache streams")
	}
	return streams, nil
}

// Count returns the number of distinct records cached for stream.
func (c *PostgresCache) Count(ctx context.Context, stream string) (int64, error) {
	if err := c.ensureRegistered(ctx, stream); err != nil {
		return 0, err
	}
	var n int64
	err := c.pool.QueryRow(ctx,
		`SELECT count(DISTINCT `+ColumnPrimaryKey+`) FROM `+c.Table(stream)).Scan(&n)
	if err != nil {
		return 0, pg.Classify(err, "failed to count cached records").WithDetail("stream", stream)
	}
	return n, nil
}

// Scan calls fn with the latest version of every cached record of stream,
// in primary key order. Older copies of a record kept by incremental runs
// are skipped.
func (c *PostgresCache) Scan(ctx context.Context, stream string, fn func(*models.Record) error) error {
	if err := c.ensureRegistered(ctx, stream); err != nil {
		return err
	}

	ctx, span := c.tracer.StartSpan(ctx, "scan", attribute.String("stream", stream))
	var scanErr error
	defer func() { observability.EndSpan(span, scanErr) }()

	rows, err := c.pool.Query(ctx, `
		SELECT DISTINCT ON (`+ColumnPrimaryKey+`) `+ColumnPrimaryKey+`, `+ColumnExtractedAt+`, `+ColumnData+`
		FROM `+c.Table(stream)+`
		ORDER BY `+ColumnPrimaryKey+`, `+ColumnExtractedAt+` DESC`)
	if err != nil {
		scanErr = pg.Classify(err, "failed to scan cache").WithDetail("stream", stream)
		return scanErr
	}
	defer rows.Close()

	for rows.Next() {
		var (
			pk        string
			extracted time.Time
			raw       []byte
		)
		if err := rows.Scan(&pk, &extracted, &raw); err != nil {
			scanErr = pg.Classify(err, "failed to read cached record").WithDetail("stream", stream)
			return scanErr
		}
		var data map[string]interface{}
		if err := json.Unmarshal(raw, &data); err != nil {
			scanErr = errors.Wrap(err, errors.ErrorTypeData, "failed to decode cached record").
				WithDetail("stream", stream).
				WithDetail("primary_key", pk)
			return scanErr
		}
		rec := &models.Record{Stream: stream, PrimaryKey: pk, Data: data, ExtractedAt: extracted.UTC()}
		if err := fn(rec); err != nil {
			scanErr = err
			return err
		}
	}
	if err := rows.Err(); err != nil {
		scanErr = pg.Classify(err, "failed to scan cache").WithDetail("stream", stream)
		return scanErr
	}
	return nil
}

func (c *PostgresCache) ensureRegistered(ctx context.Context, stream string) error {
	var exists bool
	err := c.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM _ghsync_streams WHERE stream = $1)`, stream).Scan(&exists)
	if err != nil {
		return pg.Classify(err, "failed to look up cache stream")
	}
	if !exists {
		return errors.Newf(errors.ErrorTypeNotFound, "stream %s is not cached", stream)
	}
	return nil
}

// SaveState stores the cursor state of one stream.
func (c *PostgresCache) SaveState(ctx context.Context, stream string, state interface{}) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode stream state").WithDetail("stream", stream)
	}
	_, err = c.pool.Exec(ctx, `
		INSERT INTO _ghsync_state (stream, state, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (stream) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`,
		stream, raw)
	if err != nil {
		return pg.Classify(err, "failed to save stream state").WithDetail("stream", stream)
	}
	return nil
}

// LoadState returns the saved state of every stream.
func (c *PostgresCache) LoadState(ctx context.Context) (core.State, error) {
	rows, err := c.pool.Query(ctx, `SELECT stream, state FROM _ghsync_state`)
	if err != nil {
		return nil, pg.Classify(err, "failed to load state")
	}
	defer rows.Close()

	state := make(core.State)
	for rows.Next() {
		var (
			stream string
			raw    []byte
		)
		if err := rows.Scan(&stream, &raw); err != nil {
			return nil, pg.Classify(err, "failed to read state")
		}
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			c.logger.Warn("dropping unreadable stream state", zap.String("stream", stream), zap.Error(err))
			continue
		}
		state[stream] = v
	}
	if err := rows.Err(); err != nil {
		return nil, pg.Classify(err, "failed to load state")
	}
	return state, nil
}

// Close releases the pool.
func (c *PostgresCache) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}
