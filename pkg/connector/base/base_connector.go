// Package base provides the BaseConnector that every ghsync connector embeds.
// It carries the shared reliability features: circuit breaker, rate
// limiting, retries with exponential backoff, error accounting, metrics and
// a connector-scoped logger.
//
// # Usage
//
//	type GitHubSource struct {
//	    *base.BaseConnector
//	    // connector-specific fields
//	}
//
//	func NewGitHubSource(cfg *config.GitHubSourceConfig) *GitHubSource {
//	    return &GitHubSource{
//	        BaseConnector: base.NewBaseConnector(config.SourceGitHub, core.ConnectorTypeSource, "1.0.0"),
//	    }
//	}
//
// Initialize must be called with the connector's BaseConfig before Execute
// or RateLimit are used.
package base

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/leds-conectafapes/ghsync/pkg/clients"
	"github.com/leds-conectafapes/ghsync/pkg/config"
	"github.com/leds-conectafapes/ghsync/pkg/connector/core"
	"github.com/leds-conectafapes/ghsync/pkg/errors"
	"github.com/leds-conectafapes/ghsync/pkg/logger"
	"github.com/leds-conectafapes/ghsync/pkg/metrics"
)

// BaseConnector provides common functionality for all connectors.
type BaseConnector struct {
	name          string
	connectorType core.ConnectorType
	version       string
	logger        *zap.Logger

	state      core.State
	stateMutex sync.RWMutex

	closed     bool
	closeMutex sync.Mutex

	circuitBreaker   *clients.CircuitBreaker
	rateLimiter      clients.RateLimiter
	retryPolicy      *RetryPolicy
	metricsCollector *metrics.Collector
	errorHandler     *ErrorHandler
}

// NewBaseConnector creates a new base connector with the specified name, type, and version.
func NewBaseConnector(name string, connectorType core.ConnectorType, version string) *BaseConnector {
	l := logger.Get().With(zap.String("connector", name))
	return &BaseConnector{
		name:             name,
		connectorType:    connectorType,
		version:          version,
		state:            make(core.State),
		logger:           l,
		retryPolicy:      NoRetryPolicy(),
		metricsCollector: metrics.NewCollector(name),
		errorHandler:     NewErrorHandler(name, l),
	}
}

// Initialize sets up the circuit breaker, rate limiter and retry policy from cfg.
func (bc *BaseConnector) Initialize(ctx context.Context, cfg *config.BaseConfig) error {
	if cfg == nil {
		return errors.New(errors.ErrorTypeConfig, "configuration is required").
			WithDetail("connector", bc.name)
	}

	if cfg.Reliability.CircuitBreaker {
		bc.circuitBreaker = clients.NewCircuitBreaker(clients.DefaultCircuitBreakerConfig(), bc.logger)
	}

	if cfg.Reliability.IsRateLimited() {
		burst := int(cfg.Reliability.RateLimitPerSec * 2)
		bc.rateLimiter = clients.NewRateLimiter(cfg.Reliability.RateLimitPerSec, burst)
	}

	bc.retryPolicy = RetryPolicyFrom(cfg.Reliability)

	bc.logger.Debug("connector initialized",
		zap.String("type", string(bc.connectorType)),
		zap.String("version", bc.version),
		zap.Int("retry_attempts", cfg.Reliability.RetryAttempts),
		zap.Bool("circuit_breaker", cfg.Reliability.CircuitBreaker))

	return nil
}

// Name returns the connector name
func (bc *BaseConnector) Name() string {
	return bc.name
}

// Type returns the connector type
func (bc *BaseConnector) Type() core.ConnectorType {
	return bc.connectorType
}

// Version returns the connector version
func (bc *BaseConnector) Version() string {
	return bc.version
}

// GetState returns a copy of the current state
func (bc *BaseConnector) GetState() core.State {
	bc.stateMutex.RLock()
	defer bc.stateMutex.RUnlock()

	stateCopy := make(core.State, len(bc.state))
	for k, v := range bc.state {
		stateCopy[k] = v
	}
	return stateCopy
}

// SetState replaces the connector state
func (bc *BaseConnector) SetState(state core.State) error {
	bc.stateMutex.Lock()
	defer bc.stateMutex.Unlock()

	if state == nil {
		state = make(core.State)
	}
	bc.state = state
	bc.logger.Debug("state updated", zap.Int("streams", len(state)))
	return nil
}

// UpdateStreamState sets the state of one stream.
func (bc *BaseConnector) UpdateStreamState(stream string, value interface{}) {
	bc.stateMutex.Lock()
	defer bc.stateMutex.Unlock()
	bc.state[stream] = value
}

// StreamState returns the stored state of one stream.
func (bc *BaseConnector) StreamState(stream string) (interface{}, bool) {
	bc.stateMutex.RLock()
	defer bc.stateMutex.RUnlock()
	v, ok := bc.state[stream]
	return v, ok
}

// Health reports an error when the connector is closed or its circuit is open.
func (bc *BaseConnector) Health(ctx context.Context) error {
	bc.closeMutex.Lock()
	closed := bc.closed
	bc.closeMutex.Unlock()
	if closed {
		return errors.New(errors.ErrorTypeConnection, "connector is closed").
			WithDetail("connector", bc.name)
	}

	if bc.circuitBreaker != nil && bc.circuitBreaker.GetState().State == "open" {
		return errors.New(errors.ErrorTypeConnection, "circuit breaker is open").
			WithDetail("connector", bc.name)
	}
	return nil
}

// Metrics returns current metrics
func (bc *BaseConnector) Metrics() map[string]interface{} {
	m := bc.metricsCollector.GetAll()

	m["name"] = bc.name
	m["type"] = bc.connectorType
	m["version"] = bc.version
	m["errors"] = bc.errorHandler.Total()

	if bc.circuitBreaker != nil {
		cbState := bc.circuitBreaker.GetState()
		m["circuit_breaker_state"] = cbState.State
		m["circuit_breaker_failure_rate"] = cbState.FailureRate
	}

	if bc.rateLimiter != nil {
		rlStats := bc.rateLimiter.GetStats()
		m["rate_limit"] = rlStats.Rate
		m["rate_limiter_allowed"] = rlStats.AllowedRequests
		m["rate_limiter_blocked"] = rlStats.BlockedRequests
	}

	return m
}

// Close marks the connector closed. Embedding connectors release their own resources first.
func (bc *BaseConnector) Close(ctx context.Context) error {
	bc.closeMutex.Lock()
	defer bc.closeMutex.Unlock()

	if bc.closed {
		return nil
	}
	bc.closed = true
	bc.logger.Debug("connector closed")
	return nil
}

// Execute runs fn behind the rate limiter and circuit breaker, retrying
// retryable failures according to the retry policy. Final failures are
// recorded by the error handler.
//
//	err := s.Execute(ctx, func() error {
//	    repos, resp, err = client.Repositories.ListByOrg(ctx, org, opts)
//	    return classify(err)
//	})
func (bc *BaseConnector) Execute(ctx context.Context, fn func() error) error {
	err := bc.retryPolicy.Execute(ctx, func() error {
		if err := bc.RateLimit(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeTimeout, "rate limit wait cancelled")
		}
		if bc.circuitBreaker == nil {
			return fn()
		}
		return bc.circuitBreaker.Execute(fn)
	})
	if err != nil {
		return bc.errorHandler.HandleError(err)
	}
	return nil
}

// RateLimit enforces the configured rate limit, blocking if necessary.
// Returns immediately if no rate limiter is configured.
func (bc *BaseConnector) RateLimit(ctx context.Context) error {
	if bc.rateLimiter == nil {
		return nil
	}
	return bc.rateLimiter.Wait(ctx)
}

// RecordCounter adds value to a connector counter
func (bc *BaseConnector) RecordCounter(name string, value float64) {
	bc.metricsCollector.RecordCounter(name, value)
}

// RecordGauge sets a connector gauge
func (bc *BaseConnector) RecordGauge(name string, value float64) {
	bc.metricsCollector.RecordGauge(name, value)
}

// NewProgressReporter returns a reporter logging under this connector.
func (bc *BaseConnector) NewProgressReporter(fields ...zap.Field) *ProgressReporter {
	return NewProgressReporter(bc.logger.With(fields...), bc.metricsCollector)
}

// GetLogger returns the connector logger
func (bc *BaseConnector) GetLogger() *zap.Logger {
	return bc.logger
}

// GetErrorHandler returns the error handler
func (bc *BaseConnector) GetErrorHandler() *ErrorHandler {
	return bc.errorHandler
}
