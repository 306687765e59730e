// Package postgres implements the PostgreSQL destination. Each stream is
// replayed from the staging cache into a table named after the stream, with
// columns inferred from the cached records.
//
// Loading a stream scans the cache twice: once to infer the column types
// and once to COPY the rows into a temporary table. A single INSERT ...
// SELECT then moves the rows into the target according to the write mode:
//
//   - replace: drop and recreate the table, keeping the newest copy of every record
//   - upsert: add missing columns and update rows by primary key
//   - append: add missing columns and insert every row
//
// All statements of one stream run in one transaction, so a failed load
// leaves the previous table untouched.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/leds-conectafapes/ghsync/pkg/config"
	"github.com/leds-conectafapes/ghsync/pkg/connector/base"
	"github.com/leds-conectafapes/ghsync/pkg/connector/core"
	"github.com/leds-conectafapes/ghsync/pkg/connector/registry"
	"github.com/leds-conectafapes/ghsync/pkg/errors"
	"github.com/leds-conectafapes/ghsync/pkg/metrics"
	"github.com/leds-conectafapes/ghsync/pkg/observability"
	pg "github.com/leds-conectafapes/ghsync/pkg/postgres"
	"github.com/leds-conectafapes/ghsync/pkg/schema"
)

// Version of the PostgreSQL destination connector.
const Version = "1.0.0"

func init() {
	_ = registry.RegisterDestination(config.DestinationPostgres, func(cfg *config.Config) (core.Destination, error) {
		return NewPostgresDestination(&cfg.Destination)
	})
	_ = registry.RegisterConnectorInfo(&registry.ConnectorInfo{
		Name:         config.DestinationPostgres,
		Type:         string(core.ConnectorTypeDestination),
		Description:  "PostgreSQL tables, one per stream, with inferred columns",
		Version:      Version,
		Capabilities: []string{"replace", "upsert", "append", "schema_evolution"},
	})
}

var _ core.Destination = (*PostgresDestination)(nil)

// PostgresDestination loads cached streams into PostgreSQL.
type PostgresDestination struct {
	*base.BaseConnector

	config *config.PostgresDestinationConfig
	pool   *pgxpool.Pool
	tracer *observability.ConnectorTracer
}

// NewPostgresDestination validates cfg and creates the connector. It performs no I/O.
func NewPostgresDestination(cfg *config.PostgresDestinationConfig) (*PostgresDestination, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "postgres destination configuration is required")
	}
	if err := cfg.BaseConfig.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid postgres destination configuration")
	}
	if err := cfg.PostgresConnection.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid postgres destination configuration")
	}

	return &PostgresDestination{
		BaseConnector: base.NewBaseConnector(config.DestinationPostgres, core.ConnectorTypeDestination, Version),
		config:        cfg,
		tracer:        observability.NewConnectorTracer(string(core.ConnectorTypeDestination), config.DestinationPostgres),
	}, nil
}

// Initialize connects to the destination database.
func (d *PostgresDestination) Initialize(ctx context.Context) error {
	if err := d.BaseConnector.Initialize(ctx, &d.config.BaseConfig); err != nil {
		return err
	}

	var pool *pgxpool.Pool
	err := d.Execute(ctx, func() error {
		var err error
		pool, err = pg.Connect(ctx, "destination", &d.config.PostgresConnection, &d.config.BaseConfig, d.GetLogger())
		return err
	})
	if err != nil {
		return err
	}
	d.pool = pool
	return nil
}

// Check verifies the destination accepts connections and the user may
// create tables in the target schema.
func (d *PostgresDestination) Check(ctx context.Context) error {
	if d.pool == nil {
		return errors.New(errors.ErrorTypeInternal, "postgres destination is not initialized")
	}
	var canCreate bool
	err := d.pool.QueryRow(ctx,
		`SELECT has_schema_privilege(current_user, COALESCE(NULLIF($1, ''), current_schema()), 'CREATE')`,
		d.config.Schema).Scan(&canCreate)
	if err != nil {
		return pg.Classify(err, "failed to check destination privileges")
	}
	if !canCreate {
		return errors.Newf(errors.ErrorTypePermission,
			"user %s cannot create tables in schema %s", d.config.Username, d.config.Schema)
	}
	return nil
}

// Write replays every stream of result from the cache. With
// ForceFullRefresh the tables are replaced; otherwise opts.Mode applies.
func (d *PostgresDestination) Write(ctx context.Context, result *core.ReadResult, opts core.WriteOptions, cache core.CacheReader) (*core.WriteResult, error) {
	if d.pool == nil {
		return nil, errors.New(errors.ErrorTypeInternal, "postgres destination is not initialized")
	}
	if result == nil || cache == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "read result and cache are required")
	}

	mode, err := resolveMode(opts)
	if err != nil {
		return nil, err
	}

	out := &core.WriteResult{
		RunID:       result.RunID,
		Destination: d.Name(),
		Mode:        mode,
		StartedAt:   time.Now().UTC(),
	}

	for _, stream := range result.Streams {
		sr, err := d.writeStream(ctx, stream, mode, cache)
		if err != nil {
			return out, err
		}
		out.Add(sr)
	}

	out.FinishedAt = time.Now().UTC()
	out.Duration = out.FinishedAt.Sub(out.StartedAt)
	d.GetLogger().Info("destination write complete",
		zap.String("mode", mode),
		zap.Int("streams", len(out.Streams)),
		zap.Int64("records", out.Records),
		zap.Duration("duration", out.Duration))
	return out, nil
}

func resolveMode(opts core.WriteOptions) (string, error) {
	if opts.ForceFullRefresh {
		return config.WriteModeReplace, nil
	}
	switch opts.Mode {
	case "":
		return config.WriteModeUpsert, nil
	case config.WriteModeAppend, config.WriteModeUpsert, config.WriteModeReplace:
		return opts.Mode, nil
	}
	return "", errors.Newf(errors.ErrorTypeValidation, "unknown write mode %q", opts.Mode)
}

func (d *PostgresDestination) writeStream(ctx context.Context, stream, mode string, cache core.CacheReader) (core.StreamWriteResult, error) {
	start := time.Now()
	log := d.GetLogger().With(zap.String("stream", stream), zap.String("mode", mode))

	ctx, span := d.tracer.StartSpan(ctx, "write_stream",
		attribute.String("stream", stream), attribute.String("mode", mode))
	var spanErr error
	defer func() { observability.EndSpan(span, spanErr) }()

	engine := schema.NewTypeInferenceEngine(log)
	if err := cache.Scan(ctx, stream, engine.ObserveRecord); err != nil {
		spanErr = err
		return core.StreamWriteResult{}, err
	}
	inferred := engine.InferSchema(stream)

	plan := &tablePlan{
		schema: d.config.Schema,
		table:  pg.TableName("", stream),
		mode:   mode,
	}
	for _, f := range inferred.Fields {
		if !isMetadataColumn(f.Name) {
			plan.fields = append(plan.fields, f)
		}
	}

	var loaded int64
	err := d.Execute(ctx, func() error {
		n, err := d.load(ctx, plan, stream, engine.Rows(), cache, log)
		loaded = n
		return err
	})
	if err != nil {
		spanErr = err
		return core.StreamWriteResult{}, err
	}

	metrics.RecordsLoaded.WithLabelValues(d.Name(), stream, mode).Add(float64(loaded))
	d.RecordCounter("records_loaded", float64(loaded))

	sr := core.StreamWriteResult{
		Stream:   stream,
		Table:    plan.target(),
		Mode:     mode,
		Records:  loaded,
		Columns:  len(plan.fields),
		Duration: time.Since(start),
	}
	log.Info("stream loaded",
		zap.String("table", sr.Table),
		zap.Int64("records", sr.Records),
		zap.Int("columns", sr.Columns),
		zap.Duration("duration", sr.Duration))
	return sr, nil
}

// load runs one stream's statements in a transaction and returns the number
// of rows inserted or updated.
func (d *PostgresDestination) load(ctx context.Context, plan *tablePlan, stream string, total int64, cache core.CacheReader, log *zap.Logger) (int64, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return 0, pg.Classify(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prepare []string
	switch plan.mode {
	case config.WriteModeReplace:
		prepare = []string{plan.dropTargetSQL(), plan.createTargetSQL(false)}
	default:
		changes, err := d.evolve(ctx, tx, plan, log)
		if err != nil {
			return 0, err
		}
		prepare = []string{plan.createTargetSQL(true)}
		prepare = append(prepare, plan.addColumnsSQL(changes)...)
		prepare = append(prepare, plan.alterColumnsSQL(changes)...)
	}
	prepare = append(prepare, plan.createLoadTableSQL())

	for _, stmt := range prepare {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return 0, pg.Classify(err, "failed to prepare destination table").
				WithDetail("stream", stream).
				WithDetail("statement", stmt)
		}
	}

	if err := d.copyRows(ctx, tx, plan, stream, total, cache); err != nil {
		return 0, err
	}

	tag, err := tx.Exec(ctx, plan.insertSQL())
	if err != nil {
		return 0, pg.Classify(err, "failed to load destination table").WithDetail("stream", stream)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, pg.Classify(err, "failed to commit destination load").WithDetail("stream", stream)
	}
	return tag.RowsAffected(), nil
}

// Metrics adds pool statistics to the base connector metrics.
func (d *PostgresDestination) Metrics() map[string]interface{} {
	m := d.BaseConnector.Metrics()
	if d.pool != nil {
		m["pool"] = pg.PoolStats(d.pool)
	}
	return m
}

// Close releases the pool.
func (d *PostgresDestination) Close(ctx context.Context) error {
	if d.pool != nil {
		d.pool.Close()
		d.pool = nil
	}
	return d.BaseConnector.Close(ctx)
}
