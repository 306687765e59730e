package github

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"testing"
	"time"

	gh "github.com/google/go-github/v80/github"
	"github.com/stretchr/testify/assert"

	"github.com/leds-conectafapes/ghsync/pkg/errors"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      errors.ErrorType
		retryable bool
	}{
		{"rate limit", &RateLimitError{ResetAt: time.Now().Add(time.Minute)}, errors.ErrorTypeRateLimit, true},
		{"unauthorized", &APIError{StatusCode: http.StatusUnauthorized}, errors.ErrorTypeAuthentication, false},
		{"forbidden", &APIError{StatusCode: http.StatusForbidden}, errors.ErrorTypePermission, false},
		{"not found", &APIError{StatusCode: http.StatusNotFound}, errors.ErrorTypeNotFound, false},
		{"unprocessable", &APIError{StatusCode: http.StatusUnprocessableEntity}, errors.ErrorTypeValidation, false},
		{"bad gateway", &APIError{StatusCode: http.StatusBadGateway}, errors.ErrorTypeConnection, true},
		{"conflict", &APIError{StatusCode: http.StatusConflict}, errors.ErrorTypeQuery, false},
		{"deadline", context.DeadlineExceeded, errors.ErrorTypeTimeout, true},
		{"net", timeoutErr{}, errors.ErrorTypeConnection, true},
		{"other", stderrors.New("boom"), errors.ErrorTypeInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(tt.err, "op")
			assert.Equal(t, tt.want, errors.TypeOf(err))
			assert.Equal(t, tt.retryable, errors.IsRetryable(err))
			assert.ErrorIs(t, err, tt.err)
			assert.Contains(t, err.Error(), "github: op")
		})
	}
}

func TestClassify_KeepsTypedErrors(t *testing.T) {
	typed := errors.New(errors.ErrorTypeConfig, "bad")
	assert.Same(t, typed, classify(typed, "op"))
	assert.NoError(t, classify(nil, "op"))
}

func TestStatusHelpers(t *testing.T) {
	err := classify(&APIError{StatusCode: http.StatusNotFound}, "get repo")
	assert.True(t, IsNotFound(err))
	assert.False(t, IsUnauthorized(err))
	assert.False(t, IsForbidden(err))
	assert.False(t, isEmptyRepository(err))

	assert.True(t, isEmptyRepository(&APIError{StatusCode: http.StatusConflict}))
	assert.True(t, isEmptyRepository(&gh.ErrorResponse{Response: &http.Response{StatusCode: http.StatusConflict}}))
	assert.True(t, IsRateLimited(classify(&RateLimitError{}, "op")))
	assert.False(t, IsNotFound(stderrors.New("x")))
}

func TestRateLimitError_RetryAfter(t *testing.T) {
	assert.Zero(t, (&RateLimitError{ResetAt: time.Now().Add(-time.Minute)}).RetryAfter())

	d := (&RateLimitError{ResetAt: time.Now().Add(time.Minute)}).RetryAfter()
	assert.InDelta(t, time.Minute.Seconds(), d.Seconds(), 1)
}
