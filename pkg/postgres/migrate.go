package postgres

import (
	"context"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/tern/v2/migrate"
	"go.uber.org/zap"

	"github.com/leds-conectafapes/ghsync/pkg/errors"
)

const lockReleaseTimeout = 5 * time.Second

// Migrate applies the tern migrations in fsys while holding the advisory
// lock lockID, so concurrent runs against one database do not race.
func Migrate(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, versionTable string, lockID int64, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return Classify(err, "failed to acquire connection for migration")
	}
	defer conn.Release()

	release, err := advisoryLock(ctx, conn.Conn(), lockID, logger)
	if err != nil {
		return err
	}
	defer release()

	migrator, err := migrate.NewMigrator(ctx, conn.Conn(), versionTable)
	if err != nil {
		return Classify(err, "failed to create migrator")
	}
	if err := migrator.LoadMigrations(fsys); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to load migrations")
	}

	current, err := migrator.GetCurrentVersion(ctx)
	if err != nil {
		logger.Debug("could not read schema version", zap.Error(err))
	}
	if err := migrator.Migrate(ctx); err != nil {
		return Classify(err, "failed to migrate database")
	}

	logger.Debug("migrations applied",
		zap.String("version_table", versionTable),
		zap.Int32("from", current),
		zap.Int("to", len(migrator.Migrations)))
	return nil
}

func advisoryLock(ctx context.Context, conn *pgx.Conn, lockID int64, logger *zap.Logger) (func(), error) {
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", lockID); err != nil {
		return nil, Classify(err, "failed to acquire migration lock")
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
		defer cancel()
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", lockID); err != nil {
			logger.Error("failed to release migration lock", zap.Error(err))
		}
	}, nil
}
