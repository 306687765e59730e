// Package observability sets up OpenTelemetry tracing for ghsync runs
package observability

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/leds-conectafapes/ghsync/pkg/config"
)

const instrumentationName = "github.com/leds-conectafapes/ghsync"

// TracingConfig contains tracing configuration
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	SamplingRate   float64
	// Writer receives exported spans; stderr when nil so stdout stays clean
	Writer io.Writer
}

// TracingConfigFrom builds a TracingConfig from the observability section.
func TracingConfigFrom(cfg config.ObservabilityConfig, version string) TracingConfig {
	return TracingConfig{
		ServiceName:    "ghsync",
		ServiceVersion: version,
		SamplingRate:   cfg.TracingSampleRate,
	}
}

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(ctx context.Context) error

// InitTracing installs a global tracer provider exporting to cfg.Writer.
func InitTracing(ctx context.Context, cfg TracingConfig) (ShutdownFunc, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRate <= 0:
		sampler = sdktrace.NeverSample()
	case cfg.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// Tracer returns the ghsync tracer from the global provider. Before
// InitTracing it is a no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSpan starts a span named name with attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// ConnectorTracer provides connector-specific tracing utilities
type ConnectorTracer struct {
	connectorType string
	connectorName string
}

// NewConnectorTracer creates a new connector tracer
func NewConnectorTracer(connectorType, connectorName string) *ConnectorTracer {
	return &ConnectorTracer{
		connectorType: connectorType,
		connectorName: connectorName,
	}
}

// StartSpan starts a span named "<type>.<name>.<operation>".
func (ct *ConnectorTracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	operationName := fmt.Sprintf("%s.%s.%s", ct.connectorType, ct.connectorName, operation)
	attrs = append(attrs,
		attribute.String("connector.type", ct.connectorType),
		attribute.String("connector.name", ct.connectorName),
		attribute.String("connector.operation", operation),
	)
	return StartSpan(ctx, operationName, attrs...)
}

// TraceBatch runs fn inside a span tagged with the batch size.
func (ct *ConnectorTracer) TraceBatch(ctx context.Context, batchSize int, operation string, fn func(ctx context.Context) error) error {
	ctx, span := ct.StartSpan(ctx, operation, attribute.Int("batch.size", batchSize))
	err := fn(ctx)
	EndSpan(span, err)
	return err
}
