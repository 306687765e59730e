package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/leds-conectafapes/ghsync/pkg/metrics"
)

// QueryTracer records statement latency and failures in Prometheus.
type QueryTracer struct {
	// DB labels the metrics (cache or destination)
	DB string
}

var _ pgx.QueryTracer = (*QueryTracer)(nil)

type queryContextKey struct{}

type queryContext struct {
	start time.Time
	query string
}

// TraceQueryStart is called at the start of a query
func (t *QueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryContextKey{}, queryContext{
		start: time.Now(),
		query: queryName(data.SQL),
	})
}

// TraceQueryEnd is called at the end of a query
func (t *QueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	qctx, ok := ctx.Value(queryContextKey{}).(queryContext)
	if !ok {
		return
	}
	metrics.DBQueryDuration.WithLabelValues(t.DB, qctx.query).Observe(time.Since(qctx.start).Seconds())
	if data.Err != nil {
		metrics.DBErrors.WithLabelValues(t.DB, qctx.query).Inc()
	}
}

// queryName reduces a statement to its first keyword to keep label
// cardinality low.
func queryName(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "unknown"
	}
	return strings.ToUpper(fields[0])
}
