package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/leds-conectafapes/ghsync/pkg/connector/core"
	"github.com/leds-conectafapes/ghsync/pkg/errors"
	"github.com/leds-conectafapes/ghsync/pkg/models"
	pg "github.com/leds-conectafapes/ghsync/pkg/postgres"
	"github.com/leds-conectafapes/ghsync/pkg/schema"
)

// existingSchema reads the data columns of the target table. A missing
// table yields an empty schema.
func existingSchema(ctx context.Context, tx pgx.Tx, plan *tablePlan) (*core.Schema, error) {
	rows, err := tx.Query(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = COALESCE(NULLIF($1, ''), current_schema()) AND table_name = $2
		ORDER BY ordinal_position`,
		plan.schema, plan.table)
	if err != nil {
		return nil, pg.Classify(err, "failed to read destination columns")
	}
	defer rows.Close()

	existing := &core.Schema{Name: plan.table}
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, pg.Classify(err, "failed to read destination columns")
		}
		if isMetadataColumn(name) {
			continue
		}
		existing.Fields = append(existing.Fields, core.Field{
			Name:     name,
			Type:     schema.FieldTypeFromPostgres(dataType),
			Nullable: true,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, pg.Classify(err, "failed to read destination columns")
	}
	return existing, nil
}

// evolve aligns plan with the existing table. The returned changes list the
// columns to add and the type conflicts; a conflicting column is widened
// with schema.Widen so every cached value still loads.
func (d *PostgresDestination) evolve(ctx context.Context, tx pgx.Tx, plan *tablePlan, log *zap.Logger) ([]schema.SchemaChange, error) {
	existing, err := existingSchema(ctx, tx, plan)
	if err != nil {
		return nil, err
	}
	incoming := &core.Schema{Name: plan.table, Fields: plan.fields}

	changes := schema.Diff(existing, incoming)
	for _, c := range changes {
		if c.Type != schema.ChangeTypeModifyType {
			continue
		}
		widened := schema.Widen(c.OldField.Type, c.NewField.Type)
		if widened == c.OldField.Type {
			log.Debug("column type differs from destination, values fit the destination type",
				zap.String("column", c.Field),
				zap.String("destination_type", string(c.OldField.Type)),
				zap.String("inferred_type", string(c.NewField.Type)))
			continue
		}
		log.Warn("widening destination column",
			zap.String("column", c.Field),
			zap.String("destination_type", string(c.OldField.Type)),
			zap.String("inferred_type", string(c.NewField.Type)),
			zap.String("new_type", string(widened)))
	}
	if len(existing.Fields) > 0 && len(changes) > 0 {
		log.Info("evolving destination table", zap.Int("changes", len(changes)))
	}

	plan.fields = schema.Merge(existing, incoming).Fields
	return changes, nil
}

// copyRows streams the cached records into the load table in batches.
func (d *PostgresDestination) copyRows(ctx context.Context, tx pgx.Tx, plan *tablePlan, stream string, total int64, cache core.CacheReader) error {
	batchSize := d.config.Performance.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}

	progress := d.NewProgressReporter(zap.String("stream", stream))
	progress.SetTotal(total)
	progress.Start()
	defer progress.Stop()

	loadTable := pgx.Identifier{"_ghsync_load_" + plan.table}
	columns := plan.loadColumns()
	batch := make([][]interface{}, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := tx.CopyFrom(ctx, loadTable, columns, pgx.CopyFromRows(batch)); err != nil {
			return pg.Classify(err, "failed to copy rows into destination").WithDetail("stream", stream)
		}
		progress.IncrementProcessed(int64(len(batch)))
		batch = batch[:0]
		return nil
	}

	err := cache.Scan(ctx, stream, func(r *models.Record) error {
		row, err := rowValues(plan.fields, r)
		if err != nil {
			return err
		}
		batch = append(batch, row)
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

// rowValues converts a record into COPY values matching loadColumns.
func rowValues(fields []core.Field, r *models.Record) ([]interface{}, error) {
	row := make([]interface{}, 0, len(fields)+2)
	row = append(row, r.PrimaryKey, r.ExtractedAt)
	for _, f := range fields {
		v, err := schema.ConvertValue(f.Type, r.Data[f.Name])
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to convert value").
				WithDetail("stream", r.Stream).
				WithDetail("primary_key", r.PrimaryKey).
				WithDetail("column", f.Name).
				WithDetail("type", string(f.Type))
		}
		row = append(row, v)
	}
	return row, nil
}
