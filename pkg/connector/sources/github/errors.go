package github

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	gh "github.com/google/go-github/v80/github"

	"github.com/leds-conectafapes/ghsync/pkg/errors"
)

// RateLimitError represents a rate limit exceeded error with reset time.
type RateLimitError struct {
	ResetAt   time.Time
	Remaining int
	Limit     int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("github: rate limit exceeded, resets at %s", e.ResetAt.Format(time.RFC3339))
}

// RetryAfter tells the retry policy how long to wait for the quota to reset.
func (e *RateLimitError) RetryAfter() time.Duration {
	d := time.Until(e.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

// APIError represents a GitHub API error response.
type APIError struct {
	StatusCode int
	Message    string
	URL        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: API error %d: %s (URL: %s)", e.StatusCode, e.Message, e.URL)
}

// IsNotFound checks if the error indicates a resource was not found.
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

// IsUnauthorized checks if the error indicates an authentication failure.
func IsUnauthorized(err error) bool {
	return hasStatus(err, http.StatusUnauthorized)
}

// IsForbidden checks if the error indicates a forbidden resource.
func IsForbidden(err error) bool {
	return hasStatus(err, http.StatusForbidden)
}

// IsRateLimited checks if the error indicates rate limiting.
func IsRateLimited(err error) bool {
	var rateLimitErr *RateLimitError
	return stderrors.As(err, &rateLimitErr)
}

// isEmptyRepository matches the 409 GitHub returns when listing commits of
// a repository without any. err may be the raw go-github error or an APIError.
func isEmptyRepository(err error) bool {
	var ghErr *gh.ErrorResponse
	if stderrors.As(err, &ghErr) && ghErr.Response != nil {
		return ghErr.Response.StatusCode == http.StatusConflict
	}
	return hasStatus(err, http.StatusConflict)
}

func hasStatus(err error, status int) bool {
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.StatusCode == status
	}
	return false
}

// wrapError converts go-github errors to APIError or RateLimitError and
// classifies them into typed errors so the retry policy knows which ones
// are worth retrying.
func (c *Client) wrapError(err error, operation string) error {
	if err == nil {
		return nil
	}

	var rateLimitErr *gh.RateLimitError
	if stderrors.As(err, &rateLimitErr) {
		rl := &RateLimitError{
			ResetAt:   rateLimitErr.Rate.Reset.Time,
			Remaining: rateLimitErr.Rate.Remaining,
			Limit:     rateLimitErr.Rate.Limit,
		}
		return classify(rl, operation)
	}

	var abuseErr *gh.AbuseRateLimitError
	if stderrors.As(err, &abuseErr) {
		wait := time.Minute
		if abuseErr.RetryAfter != nil {
			wait = *abuseErr.RetryAfter
		}
		rl := &RateLimitError{
			ResetAt:   time.Now().Add(wait),
			Remaining: c.limiter.Remaining(),
			Limit:     c.limiter.Limit(),
		}
		return classify(rl, operation)
	}

	var ghErr *gh.ErrorResponse
	if stderrors.As(err, &ghErr) && ghErr.Response != nil {
		apiErr := &APIError{
			StatusCode: ghErr.Response.StatusCode,
			Message:    ghErr.Message,
		}
		if ghErr.Response.Request != nil {
			apiErr.URL = ghErr.Response.Request.URL.String()
		}
		if rl := c.limiter.CheckRateLimit(ghErr.Response); rl != nil {
			return classify(rl, operation)
		}
		return classify(apiErr, operation)
	}

	return classify(err, operation)
}

// classify maps an error onto the ghsync error types.
func classify(err error, operation string) error {
	if err == nil {
		return nil
	}

	var typed *errors.Error
	if stderrors.As(err, &typed) {
		return err
	}

	errType := errors.ErrorTypeInternal
	var apiErr *APIError
	var netErr net.Error
	switch {
	case IsRateLimited(err):
		errType = errors.ErrorTypeRateLimit
	case stderrors.As(err, &apiErr):
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized:
			errType = errors.ErrorTypeAuthentication
		case apiErr.StatusCode == http.StatusForbidden:
			errType = errors.ErrorTypePermission
		case apiErr.StatusCode == http.StatusNotFound:
			errType = errors.ErrorTypeNotFound
		case apiErr.StatusCode == http.StatusUnprocessableEntity:
			errType = errors.ErrorTypeValidation
		case apiErr.StatusCode >= 500:
			errType = errors.ErrorTypeConnection
		default:
			errType = errors.ErrorTypeQuery
		}
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(err, context.Canceled):
		errType = errors.ErrorTypeTimeout
	case stderrors.As(err, &netErr):
		errType = errors.ErrorTypeConnection
	}

	return errors.Wrap(err, errType, "github: "+operation)
}
