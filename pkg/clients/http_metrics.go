package clients

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/leds-conectafapes/ghsync/pkg/metrics"
)

// InstrumentedTransport records Prometheus request metrics for every round trip.
type InstrumentedTransport struct {
	next   http.RoundTripper
	logger *zap.Logger
}

// NewInstrumentedTransport wraps next. A nil next uses http.DefaultTransport.
func NewInstrumentedTransport(next http.RoundTripper, logger *zap.Logger) *InstrumentedTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InstrumentedTransport{next: next, logger: logger}
}

// RoundTrip implements http.RoundTripper.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	elapsed := time.Since(start)

	host := req.URL.Host
	metrics.HTTPRequestDuration.WithLabelValues(host, req.Method).Observe(elapsed.Seconds())

	if err != nil {
		metrics.HTTPRequests.WithLabelValues(host, req.Method, "error").Inc()
		t.logger.Debug("http request failed",
			zap.String("method", req.Method),
			zap.String("url", req.URL.Redacted()),
			zap.Duration("latency", elapsed),
			zap.Error(err))
		return nil, err
	}

	metrics.HTTPRequests.WithLabelValues(host, req.Method, strconv.Itoa(resp.StatusCode)).Inc()
	if resp.StatusCode >= 400 {
		t.logger.Debug("http request returned error status",
			zap.String("method", req.Method),
			zap.String("url", req.URL.Redacted()),
			zap.Int("status", resp.StatusCode),
			zap.Duration("latency", elapsed))
	}
	return resp, nil
}
