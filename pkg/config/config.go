// Package config provides the unified configuration system for ghsync.
// BaseConfig holds the settings every connector shares; connector configs
// embed it and add their own connection parameters.
//
// The configuration is organized into logical sections:
//   - Performance: batch sizes, page sizes, concurrency
//   - Timeouts: connection and request timeouts
//   - Reliability: retry logic, circuit breaker, rate limiting
//   - Security: TLS and credentials
//   - Observability: logging, metrics, tracing
//
// Example usage:
//
//	cfg, err := config.Load("ghsync.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg.Source.Performance.MaxConcurrency = 8
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"time"
)

// BaseConfig is the configuration structure shared by all connectors.
// Connectors embed it with the squash/inline tags.
type BaseConfig struct {
	// Name identifies the connector instance
	Name string `yaml:"name" json:"name" mapstructure:"name"`
	// Type specifies the registered connector type (e.g. "source-github")
	Type string `yaml:"type" json:"type" mapstructure:"type"`

	Performance   PerformanceConfig   `yaml:"performance" json:"performance" mapstructure:"performance"`
	Timeouts      TimeoutConfig       `yaml:"timeouts" json:"timeouts" mapstructure:"timeouts"`
	Reliability   ReliabilityConfig   `yaml:"reliability" json:"reliability" mapstructure:"reliability"`
	Security      SecurityConfig      `yaml:"security" json:"security" mapstructure:"security"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability" mapstructure:"observability"`
}

// PerformanceConfig contains throughput and concurrency settings.
type PerformanceConfig struct {
	// BatchSize controls the number of records written together
	BatchSize int `yaml:"batch_size" json:"batch_size" mapstructure:"batch_size"`
	// PageSize is the page size requested from paginated APIs
	PageSize int `yaml:"page_size" json:"page_size" mapstructure:"page_size"`
	// MaxConcurrency limits concurrent API calls or database connections
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency" mapstructure:"max_concurrency"`
}

// TimeoutConfig contains all timeout-related settings.
type TimeoutConfig struct {
	// Request timeout for individual operations
	Request time.Duration `yaml:"request" json:"request" mapstructure:"request"`
	// Connection timeout for establishing connections
	Connection time.Duration `yaml:"connection" json:"connection" mapstructure:"connection"`
	// Idle timeout before closing inactive connections
	Idle time.Duration `yaml:"idle" json:"idle" mapstructure:"idle"`
}

// ReliabilityConfig contains retry and rate limiting settings.
type ReliabilityConfig struct {
	// RetryAttempts sets maximum attempts for failed operations
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts" mapstructure:"retry_attempts"`
	// RetryDelay is the initial delay between retries
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay" mapstructure:"retry_delay"`
	// RetryMultiplier increases delay exponentially
	RetryMultiplier float64 `yaml:"retry_multiplier" json:"retry_multiplier" mapstructure:"retry_multiplier"`
	// MaxRetryDelay caps the maximum retry delay
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay" mapstructure:"max_retry_delay"`
	// CircuitBreaker enables circuit breaker protection
	CircuitBreaker bool `yaml:"circuit_breaker" json:"circuit_breaker" mapstructure:"circuit_breaker"`
	// RateLimitPerSec limits operations per second (0 = unlimited)
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec" mapstructure:"rate_limit_per_sec"`
}

// SecurityConfig contains TLS settings.
type SecurityConfig struct {
	// EnableTLS enables TLS/SSL encryption
	EnableTLS bool `yaml:"enable_tls" json:"enable_tls" mapstructure:"enable_tls"`
	// TLSSkipVerify disables certificate verification (insecure)
	TLSSkipVerify bool `yaml:"tls_skip_verify" json:"tls_skip_verify" mapstructure:"tls_skip_verify"`
}

// ObservabilityConfig contains logging, metrics and tracing settings.
type ObservabilityConfig struct {
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level" mapstructure:"log_level"`
	// LogEncoding is json or console
	LogEncoding string `yaml:"log_encoding" json:"log_encoding" mapstructure:"log_encoding"`
	// EnableMetrics activates Prometheus metrics collection
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics" mapstructure:"enable_metrics"`
	// MetricsAddr is the listen address of the /metrics endpoint ("" = disabled)
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr" mapstructure:"metrics_addr"`
	// EnableTracing activates OpenTelemetry tracing
	EnableTracing bool `yaml:"enable_tracing" json:"enable_tracing" mapstructure:"enable_tracing"`
	// TracingSampleRate controls trace sampling (0.0-1.0)
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate" mapstructure:"tracing_sample_rate"`
}

// NewBaseConfig creates a new BaseConfig with defaults that work for a
// single organization sync.
func NewBaseConfig(name, connectorType string) BaseConfig {
	return BaseConfig{
		Name: name,
		Type: connectorType,
		Performance: PerformanceConfig{
			BatchSize:      1000,
			PageSize:       100,
			MaxConcurrency: 4,
		},
		Timeouts: TimeoutConfig{
			Request:    30 * time.Second,
			Connection: 10 * time.Second,
			Idle:       5 * time.Minute,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:   3,
			RetryDelay:      time.Second,
			RetryMultiplier: 2.0,
			MaxRetryDelay:   time.Minute,
			CircuitBreaker:  true,
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogEncoding:       "json",
			TracingSampleRate: 1.0,
		},
	}
}

// Validate checks required fields and value ranges.
func (bc *BaseConfig) Validate() error {
	if bc.Name == "" {
		return fmt.Errorf("name is required")
	}
	if bc.Type == "" {
		return fmt.Errorf("type is required")
	}
	if bc.Performance.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if bc.Performance.PageSize <= 0 || bc.Performance.PageSize > 100 {
		return fmt.Errorf("page_size must be between 1 and 100")
	}
	if bc.Performance.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be positive")
	}
	if bc.Reliability.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts cannot be negative")
	}
	if bc.Reliability.RateLimitPerSec < 0 {
		return fmt.Errorf("rate_limit_per_sec cannot be negative")
	}
	return nil
}

// IsRateLimited returns true if rate limiting is enabled
func (r *ReliabilityConfig) IsRateLimited() bool {
	return r.RateLimitPerSec > 0
}
