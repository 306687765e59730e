package base

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/leds-conectafapes/ghsync/pkg/config"
	"github.com/leds-conectafapes/ghsync/pkg/errors"
)

// RetryPolicy defines retry behavior
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64

	// sleep waits for d or until ctx is done; tests replace it
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy creates a new retry policy with exponential backoff
func NewRetryPolicy(maxAttempts int, initialDelay time.Duration) *RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryPolicy{
		MaxAttempts:     maxAttempts,
		InitialDelay:    initialDelay,
		MaxDelay:        5 * time.Minute,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// RetryPolicyFrom builds a policy from the reliability section. RetryAttempts
// counts retries, so the policy makes RetryAttempts+1 attempts in total.
func RetryPolicyFrom(r config.ReliabilityConfig) *RetryPolicy {
	rp := NewRetryPolicy(r.RetryAttempts+1, r.RetryDelay)
	if r.MaxRetryDelay > 0 {
		rp.MaxDelay = r.MaxRetryDelay
	}
	if r.RetryMultiplier >= 1 {
		rp.Multiplier = r.RetryMultiplier
	}
	return rp
}

// Execute runs fn, retrying errors classified as retryable by errors.IsRetryable.
func (rp *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	return rp.ExecuteWithCondition(ctx, fn, errors.IsRetryable)
}

// ExecuteWithCondition runs fn with retry only while shouldRetry accepts the error.
// A RetryAfter hint on the error overrides the computed backoff.
func (rp *RetryPolicy) ExecuteWithCondition(ctx context.Context, fn func() error, shouldRetry func(error) bool) error {
	var lastErr error

	for attempt := 0; attempt < rp.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return err
		}

		// Don't wait after the last attempt
		if attempt == rp.MaxAttempts-1 {
			break
		}

		delay := rp.calculateDelay(attempt)
		if hint, ok := retryAfter(err); ok {
			delay = hint
		}

		if err := rp.wait(ctx, delay); err != nil {
			return errors.Wrap(err, errors.ErrorTypeTimeout, "retry cancelled").
				WithDetail("last_error", lastErr.Error())
		}
	}

	return errors.Wrap(lastErr, errors.TypeOf(lastErr), "all attempts failed").
		WithDetail("attempts", rp.MaxAttempts)
}

func (rp *RetryPolicy) wait(ctx context.Context, d time.Duration) error {
	if rp.sleep != nil {
		return rp.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryAfterError is implemented by errors that know when the remote side
// will accept requests again (e.g. a GitHub rate limit reset).
type RetryAfterError interface {
	RetryAfter() time.Duration
}

func retryAfter(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		if d := ra.RetryAfter(); d > 0 {
			return d, true
		}
	}
	return 0, false
}

// calculateDelay calculates the delay for a given attempt
func (rp *RetryPolicy) calculateDelay(attempt int) time.Duration {
	delay := float64(rp.InitialDelay) * math.Pow(rp.Multiplier, float64(attempt))

	if delay > float64(rp.MaxDelay) {
		delay = float64(rp.MaxDelay)
	}

	// jitter
	if rp.RandomizeFactor > 0 {
		delta := delay * rp.RandomizeFactor
		minDelay := delay - delta
		maxDelay := delay + delta
		delay = minDelay + (rand.Float64() * (maxDelay - minDelay)) //nolint:gosec // jitter only
	}

	return time.Duration(delay)
}

// GetDelay returns the delay for a specific attempt (for testing/preview)
func (rp *RetryPolicy) GetDelay(attempt int) time.Duration {
	return rp.calculateDelay(attempt)
}

// NoRetryPolicy returns a policy that doesn't retry
func NoRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 1,
	}
}
