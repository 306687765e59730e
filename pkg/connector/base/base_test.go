package base

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leds-conectafapes/ghsync/pkg/config"
	"github.com/leds-conectafapes/ghsync/pkg/connector/core"
	"github.com/leds-conectafapes/ghsync/pkg/errors"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func TestRetryPolicy_RetriesRetryableErrors(t *testing.T) {
	rp := NewRetryPolicy(3, time.Millisecond)
	rp.sleep = noSleep

	calls := 0
	err := rp.Execute(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New(errors.ErrorTypeConnection, "connection reset")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicy_StopsOnPermanentError(t *testing.T) {
	rp := NewRetryPolicy(5, time.Millisecond)
	rp.sleep = noSleep

	calls := 0
	err := rp.Execute(context.Background(), func() error {
		calls++
		return errors.New(errors.ErrorTypeAuthentication, "bad credentials")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
}

func TestRetryPolicy_ExhaustsAttempts(t *testing.T) {
	rp := NewRetryPolicy(2, time.Millisecond)
	rp.sleep = noSleep

	calls := 0
	err := rp.Execute(context.Background(), func() error {
		calls++
		return errors.New(errors.ErrorTypeTimeout, "deadline")
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout))
	assert.Contains(t, err.Error(), "all attempts failed")
}

type rateLimited struct{ wait time.Duration }

func (r *rateLimited) Error() string { return "rate limited" }
func (r *rateLimited) RetryAfter() time.Duration { return r.wait }

func TestRetryPolicy_HonoursRetryAfter(t *testing.T) {
	rp := NewRetryPolicy(2, time.Millisecond)
	var waited []time.Duration
	rp.sleep = func(ctx context.Context, d time.Duration) error {
		waited = append(waited, d)
		return nil
	}

	calls := 0
	_ = rp.ExecuteWithCondition(context.Background(), func() error {
		calls++
		if calls == 1 {
			return errors.Wrap(&rateLimited{wait: 42 * time.Second}, errors.ErrorTypeRateLimit, "quota exhausted")
		}
		return nil
	}, errors.IsRetryable)

	assert.Equal(t, []time.Duration{42 * time.Second}, waited)
}

func TestRetryPolicy_ContextCancelled(t *testing.T) {
	rp := NewRetryPolicy(3, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := rp.Execute(ctx, func() error {
		return errors.New(errors.ErrorTypeConnection, "refused")
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout))
}

func TestRetryPolicy_Delay(t *testing.T) {
	rp := NewRetryPolicy(5, time.Second)
	rp.RandomizeFactor = 0
	rp.MaxDelay = 3 * time.Second

	assert.Equal(t, time.Second, rp.GetDelay(0))
	assert.Equal(t, 2*time.Second, rp.GetDelay(1))
	assert.Equal(t, 3*time.Second, rp.GetDelay(2))
}

func TestRetryPolicyFrom(t *testing.T) {
	bc := config.NewBaseConfig("github", config.SourceGitHub)
	rp := RetryPolicyFrom(bc.Reliability)

	assert.Equal(t, 4, rp.MaxAttempts)
	assert.Equal(t, time.Second, rp.InitialDelay)
	assert.Equal(t, time.Minute, rp.MaxDelay)
}

func TestBaseConnector_Lifecycle(t *testing.T) {
	bc := NewBaseConnector("test-source", core.ConnectorTypeSource, "0.1.0")
	cfg := config.NewBaseConfig("test", "test-source")
	cfg.Reliability.RetryAttempts = 0

	require.NoError(t, bc.Initialize(context.Background(), &cfg))
	assert.Equal(t, "test-source", bc.Name())
	assert.Equal(t, core.ConnectorTypeSource, bc.Type())
	assert.NoError(t, bc.Health(context.Background()))

	err := bc.Execute(context.Background(), func() error {
		return errors.New(errors.ErrorTypeData, "malformed payload")
	})
	require.Error(t, err)
	assert.Equal(t, int64(1), bc.GetErrorHandler().Total())
	assert.Equal(t, int64(1), bc.GetErrorHandler().Counts()[errors.ErrorTypeData])

	m := bc.Metrics()
	assert.Equal(t, "closed", m["circuit_breaker_state"])
	assert.Equal(t, int64(1), m["errors"])

	require.NoError(t, bc.Close(context.Background()))
	assert.Error(t, bc.Health(context.Background()))
}

func TestBaseConnector_InitializeRequiresConfig(t *testing.T) {
	bc := NewBaseConnector("x", core.ConnectorTypeDestination, "0.1.0")
	err := bc.Initialize(context.Background(), nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestBaseConnector_State(t *testing.T) {
	bc := NewBaseConnector("x", core.ConnectorTypeSource, "0.1.0")
	bc.UpdateStreamState("issues", "2024-01-01T00:00:00Z")

	state := bc.GetState()
	state["issues"] = "mutated"

	v, ok := bc.StreamState("issues")
	require.True(t, ok)
	assert.Equal(t, "2024-01-01T00:00:00Z", v)

	require.NoError(t, bc.SetState(nil))
	assert.Empty(t, bc.GetState())
}

func TestProgressReporter(t *testing.T) {
	bc := NewBaseConnector("x", core.ConnectorTypeSource, "0.1.0")
	pr := bc.NewProgressReporter()
	pr.SetReportInterval(time.Millisecond)
	pr.Start()
	pr.IncrementProcessed(10)
	pr.IncrementProcessed(5)
	pr.Stop()
	pr.Stop()

	processed, _ := pr.GetProgress()
	assert.Equal(t, int64(15), processed)
	assert.Equal(t, float64(15), bc.Metrics()["records_processed"])
}
