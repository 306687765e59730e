package base

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/leds-conectafapes/ghsync/pkg/errors"
	"github.com/leds-conectafapes/ghsync/pkg/metrics"
)

// ErrorHandler counts and logs connector errors by type
type ErrorHandler struct {
	connector   string
	logger      *zap.Logger
	errorCounts map[errors.ErrorType]int64
	errorMutex  sync.RWMutex
	totalErrors int64
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(connector string, logger *zap.Logger) *ErrorHandler {
	return &ErrorHandler{
		connector:   connector,
		logger:      logger,
		errorCounts: make(map[errors.ErrorType]int64),
	}
}

// HandleError records err and returns it unchanged. fields are added to the log entry.
func (eh *ErrorHandler) HandleError(err error, fields ...zap.Field) error {
	if err == nil {
		return nil
	}

	atomic.AddInt64(&eh.totalErrors, 1)
	errType := errors.TypeOf(err)

	eh.errorMutex.Lock()
	eh.errorCounts[errType]++
	eh.errorMutex.Unlock()

	metrics.ConnectorErrors.WithLabelValues(eh.connector, string(errType)).Inc()

	fields = append(fields, zap.Error(err), zap.String("error_type", string(errType)))
	if errors.IsRetryable(err) {
		eh.logger.Warn("retryable connector error", fields...)
	} else {
		eh.logger.Error("connector error", fields...)
	}
	return err
}

// ShouldRetry checks if an error should be retried
func (eh *ErrorHandler) ShouldRetry(err error) bool {
	return errors.IsRetryable(err)
}

// Counts returns a copy of the per-type error counts.
func (eh *ErrorHandler) Counts() map[errors.ErrorType]int64 {
	eh.errorMutex.RLock()
	defer eh.errorMutex.RUnlock()

	out := make(map[errors.ErrorType]int64, len(eh.errorCounts))
	for k, v := range eh.errorCounts {
		out[k] = v
	}
	return out
}

// Total returns the number of handled errors.
func (eh *ErrorHandler) Total() int64 {
	return atomic.LoadInt64(&eh.totalErrors)
}
