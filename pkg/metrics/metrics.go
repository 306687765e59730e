// Package metrics provides Prometheus metrics for ghsync runs.
//
// The package-level vectors are registered with the default registry on
// import and exposed by Handler:
//
//	metrics.RecordsExtracted.WithLabelValues("source-github", "issues").Add(100)
//
//	timer := metrics.NewTimer("read")
//	runRead()
//	timer.ObserveStage()
//
// Collector keeps a per-connector snapshot of the values it records so
// connectors can report them through Metrics() without scraping Prometheus.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RecordsExtracted counts records emitted by sources.
	// Labels: source, stream
	RecordsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghsync_records_extracted_total",
			Help: "Total number of records emitted by sources",
		},
		[]string{"source", "stream"},
	)

	// RecordsCached counts records written to the staging cache.
	RecordsCached = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghsync_records_cached_total",
			Help: "Total number of records written to the staging cache",
		},
		[]string{"stream"},
	)

	// RecordsLoaded counts records written to destinations.
	// Labels: destination, stream, mode (replace/append/upsert)
	RecordsLoaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghsync_records_loaded_total",
			Help: "Total number of records written to destinations",
		},
		[]string{"destination", "stream", "mode"},
	)

	// StageDuration tracks how long each pipeline stage takes.
	// Labels: stage (check/read/write/replay)
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ghsync_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"stage"},
	)

	// HTTPRequests counts outgoing HTTP requests by host, method and status code.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghsync_http_requests_total",
			Help: "Outgoing HTTP requests",
		},
		[]string{"host", "method", "code"},
	)

	// HTTPRequestDuration tracks outgoing request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ghsync_http_request_duration_seconds",
			Help:    "Outgoing HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"host", "method"},
	)

	// RateLimitRemaining is the last X-RateLimit-Remaining seen per API.
	RateLimitRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ghsync_rate_limit_remaining",
			Help: "Remaining API quota reported by the last response",
		},
		[]string{"api"},
	)

	// DBQueryDuration tracks PostgreSQL statement latency by statement kind.
	// Labels: db (cache/destination), query (first SQL keyword)
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ghsync_db_query_duration_seconds",
			Help:    "PostgreSQL statement latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"db", "query"},
	)

	// DBErrors counts failed PostgreSQL statements.
	DBErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghsync_db_errors_total",
			Help: "Failed PostgreSQL statements",
		},
		[]string{"db", "query"},
	)

	// ConnectorErrors counts errors by connector and error type.
	ConnectorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghsync_connector_errors_total",
			Help: "Errors returned by connectors",
		},
		[]string{"connector", "type"},
	)
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Collector records per-component values. It is safe for concurrent use.
type Collector struct {
	name      string
	startTime time.Time

	mu       sync.RWMutex
	counters map[string]float64
	gauges   map[string]float64
}

// NewCollector creates a new metrics collector for a component.
func NewCollector(name string) *Collector {
	return &Collector{
		name:      name,
		startTime: time.Now(),
		counters:  make(map[string]float64),
		gauges:    make(map[string]float64),
	}
}

// Name returns the component name.
func (c *Collector) Name() string {
	return c.name
}

// RecordCounter adds value to the named counter.
func (c *Collector) RecordCounter(name string, value float64) {
	c.mu.Lock()
	c.counters[name] += value
	c.mu.Unlock()
}

// RecordGauge sets the named gauge.
func (c *Collector) RecordGauge(name string, value float64) {
	c.mu.Lock()
	c.gauges[name] = value
	c.mu.Unlock()
}

// Counter returns the current value of a counter.
func (c *Collector) Counter(name string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[name]
}

// GetAll returns a snapshot of every recorded value plus uptime.
func (c *Collector) GetAll() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]interface{}, len(c.counters)+len(c.gauges)+2)
	for k, v := range c.counters {
		out[k] = v
	}
	for k, v := range c.gauges {
		out[k] = v
	}
	out["component"] = c.name
	out["uptime"] = time.Since(c.startTime).Seconds()
	return out
}

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Stop returns the elapsed duration since creation. It can be called more than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ObserveStage stops the timer and records it in StageDuration under the timer name.
func (t *Timer) ObserveStage() time.Duration {
	d := t.Stop()
	StageDuration.WithLabelValues(t.name).Observe(d.Seconds())
	return d
}
