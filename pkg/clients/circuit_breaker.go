// Package clients provides the reliability primitives shared by connectors:
// circuit breaker, rate limiter and an instrumented HTTP client.
package clients

import (
	"sync"
	"time"

	"github.com/leds-conectafapes/ghsync/pkg/errors"
	"go.uber.org/zap"
)

// CircuitBreakerConfig is the configuration for circuit breaker
type CircuitBreakerConfig struct {
	FailureThreshold int           // Number of consecutive failures before opening
	SuccessThreshold int           // Number of half-open successes before closing
	Timeout          time.Duration // Time spent open before probing again
}

// DefaultCircuitBreakerConfig opens after 5 failures and probes after 30s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitState represents the state of a circuit breaker
type CircuitState int32

const (
	// StateClosed allows all requests to pass through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen lets probe requests through to test recovery
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calling a failing dependency until it has had time to recover.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	logger *zap.Logger
	now    func() time.Time

	mu                   sync.Mutex
	state                CircuitState
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	totalRequests        int64
	failedRequests       int64
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		config: config,
		logger: logger.With(zap.String("component", "circuit_breaker")),
		now:    time.Now,
	}
}

// Execute runs fn unless the circuit is open. Only connection, timeout,
// rate limit and internal errors count as failures; client errors such as
// not-found or a rejected query leave the circuit as it is.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return errors.New(errors.ErrorTypeConnection, "circuit breaker is open")
	}

	err := fn()
	if err != nil && countsAsFailure(err) {
		cb.RecordFailure()
		return err
	}

	cb.RecordSuccess()
	return err
}

func countsAsFailure(err error) bool {
	switch errors.TypeOf(err) {
	case errors.ErrorTypeConnection, errors.ErrorTypeTimeout, errors.ErrorTypeRateLimit, errors.ErrorTypeInternal:
		return true
	}
	return false
}

// Allow reports whether a call may proceed, moving open to half-open once the timeout passed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.Timeout {
			cb.state = StateHalfOpen
			cb.consecutiveSuccesses = 0
			cb.logger.Info("circuit breaker half-open")
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.consecutiveFailures = 0
	if cb.state == StateHalfOpen {
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.logger.Info("circuit breaker closed")
		}
	}
}

// RecordFailure records a failed call. Any failure while half-open reopens the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.failedRequests++
	cb.consecutiveFailures++

	if cb.state == StateHalfOpen || cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = StateOpen
		cb.openedAt = cb.now()
		cb.consecutiveSuccesses = 0
		cb.logger.Warn("circuit breaker opened",
			zap.Time("retry_after", cb.openedAt.Add(cb.config.Timeout)),
			zap.Int("consecutive_failures", cb.consecutiveFailures))
	}
}

// Reset closes the circuit and clears counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
}

// GetState returns the current state of the circuit breaker with its counters.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	rate := float64(0)
	if cb.totalRequests > 0 {
		rate = float64(cb.failedRequests) / float64(cb.totalRequests)
	}
	s := CircuitBreakerState{
		State:               cb.state.String(),
		ConsecutiveFailures: cb.consecutiveFailures,
		TotalRequests:       cb.totalRequests,
		FailedRequests:      cb.failedRequests,
		FailureRate:         rate,
	}
	if cb.state == StateOpen {
		s.NextRetryTime = cb.openedAt.Add(cb.config.Timeout)
	}
	return s
}

// CircuitBreakerState represents the current state and statistics of a circuit breaker
type CircuitBreakerState struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalRequests       int64     `json:"total_requests"`
	FailedRequests      int64     `json:"failed_requests"`
	FailureRate         float64   `json:"failure_rate"`
	NextRetryTime       time.Time `json:"next_retry_time,omitempty"`
}
