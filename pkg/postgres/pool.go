// Package postgres holds the PostgreSQL plumbing shared by the staging cache
// and the destination: pool setup from connector config, advisory-locked
// migrations, identifier quoting, query metrics and error classification.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/leds-conectafapes/ghsync/pkg/config"
	"github.com/leds-conectafapes/ghsync/pkg/errors"
)

// PoolConfig builds the pgxpool configuration for conn, sized from the
// performance and timeout sections of base. name labels query metrics.
func PoolConfig(name string, conn *config.PostgresConnection, base *config.BaseConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(conn.ConnString())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse connection string").
			WithDetail("connection", conn.Redacted())
	}

	// database connections are a form of concurrency
	poolCfg.MaxConns = int32(base.Performance.MaxConcurrency)
	if poolCfg.MaxConns <= 0 {
		poolCfg.MaxConns = 4
	}
	poolCfg.MinConns = 1

	poolCfg.MaxConnIdleTime = base.Timeouts.Idle
	if poolCfg.MaxConnIdleTime <= 0 {
		poolCfg.MaxConnIdleTime = 30 * time.Minute
	}
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.HealthCheckPeriod = 30 * time.Second

	if base.Timeouts.Connection > 0 {
		poolCfg.ConnConfig.ConnectTimeout = base.Timeouts.Connection
	}
	poolCfg.ConnConfig.Tracer = &QueryTracer{DB: name}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "ghsync"

	return poolCfg, nil
}

// Connect opens a pool to conn, creates its schema when missing and checks
// the server answers. A warning is logged when TLS is off.
func Connect(ctx context.Context, name string, conn *config.PostgresConnection, base *config.BaseConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	poolCfg, err := PoolConfig(name, conn, base)
	if err != nil {
		return nil, err
	}

	if conn.TLSDisabled() {
		logger.Warn("postgres connection is not encrypted",
			zap.String("db", name),
			zap.String("host", conn.Host),
			zap.String("sslmode", conn.EffectiveSSLMode()))
	}

	if conn.Schema != "" {
		// search_path names a schema that may not exist yet
		schema := conn.Schema
		poolCfg.AfterConnect = func(ctx context.Context, c *pgx.Conn) error {
			_, err := c.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize())
			return err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, Classify(err, "failed to create connection pool").
			WithDetail("connection", conn.Redacted())
	}

	var version string
	if err := pool.QueryRow(ctx, "SELECT version()").Scan(&version); err != nil {
		pool.Close()
		return nil, Classify(err, "failed to connect to postgres").
			WithDetail("connection", conn.Redacted())
	}

	logger.Info("connected to postgres",
		zap.String("db", name),
		zap.String("connection", conn.Redacted()),
		zap.String("version", version),
		zap.Int32("max_connections", poolCfg.MaxConns))
	return pool, nil
}

// PoolStats renders pool statistics for connector Metrics().
func PoolStats(pool *pgxpool.Pool) map[string]interface{} {
	if pool == nil {
		return nil
	}
	stat := pool.Stat()
	return map[string]interface{}{
		"total_conns":    stat.TotalConns(),
		"acquired_conns": stat.AcquiredConns(),
		"idle_conns":     stat.IdleConns(),
		"max_conns":      stat.MaxConns(),
		"acquire_count":  stat.AcquireCount(),
	}
}
