package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	pg "github.com/leds-conectafapes/ghsync/pkg/postgres"
)

// Run statuses recorded in the run log.
const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// Run is one entry of the run log.
type Run struct {
	ID         uuid.UUID
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Records    int64
	Error      string
}

// BeginRun records the start of a run.
func (c *PostgresCache) BeginRun(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	_, err := c.pool.Exec(ctx,
		`INSERT INTO _ghsync_runs (run_id, started_at, status) VALUES ($1, $2, $3)`,
		pgUUID(id), startedAt, RunStatusRunning)
	if err != nil {
		return pg.Classify(err, "failed to record run start")
	}
	return nil
}

// FinishRun records the outcome of a run. runErr nil marks it succeeded.
func (c *PostgresCache) FinishRun(ctx context.Context, id uuid.UUID, records int64, runErr error) error {
	status, msg := RunStatusSucceeded, ""
	if runErr != nil {
		status, msg = RunStatusFailed, runErr.Error()
	}
	_, err := c.pool.Exec(ctx, `
		UPDATE _ghsync_runs
		SET finished_at = now(), status = $2, records = $3, error = NULLIF($4, '')
		WHERE run_id = $1`,
		pgUUID(id), status, records, msg)
	if err != nil {
		return pg.Classify(err, "failed to record run result")
	}
	return nil
}

// LastRuns returns the most recent runs, newest first.
func (c *PostgresCache) LastRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT run_id::text, started_at, finished_at, status, records, COALESCE(error, '')
		FROM _ghsync_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, pg.Classify(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r  Run
			id string
		)
		if err := rows.Scan(&id, &r.StartedAt, &r.FinishedAt, &r.Status, &r.Records, &r.Error); err != nil {
			return nil, pg.Classify(err, "failed to read run")
		}
		r.ID, _ = uuid.Parse(id)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, pg.Classify(err, "failed to list runs")
	}
	return runs, nil
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: [16]byte(id), Valid: true}
}
