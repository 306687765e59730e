package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/leds-conectafapes/ghsync/pkg/config"
)

func TestTracingExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	ctx := context.Background()
	shutdown, err := InitTracing(ctx, TracingConfig{
		ServiceName:  "ghsync-test",
		SamplingRate: 1.0,
		Writer:       &buf,
	})
	require.NoError(t, err)

	_, span := StartSpan(ctx, "pipeline.read", attribute.String("stream", "issues"))
	EndSpan(span, nil)

	ct := NewConnectorTracer("cache", "postgres")
	batchErr := errors.New("copy failed")
	err = ct.TraceBatch(ctx, 10, "write_batch", func(ctx context.Context) error { return batchErr })
	assert.ErrorIs(t, err, batchErr)

	require.NoError(t, shutdown(ctx))

	out := buf.String()
	assert.Contains(t, out, "pipeline.read")
	assert.Contains(t, out, "cache.postgres.write_batch")
	assert.Contains(t, out, "copy failed")
}

func TestTracingNeverSample(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	ctx := context.Background()
	shutdown, err := InitTracing(ctx, TracingConfig{ServiceName: "ghsync-test", Writer: &buf})
	require.NoError(t, err)

	_, span := StartSpan(ctx, "dropped")
	EndSpan(span, nil)
	require.NoError(t, shutdown(ctx))

	assert.NotContains(t, buf.String(), "dropped")
}

func TestTracingConfigFrom(t *testing.T) {
	obs := config.NewBaseConfig("x", "y").Observability
	cfg := TracingConfigFrom(obs, "1.2.3")
	assert.Equal(t, "ghsync", cfg.ServiceName)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.Equal(t, 1.0, cfg.SamplingRate)
}
