// Package observability wires OpenTelemetry tracing: a per-process
// tracer provider with an OTLP/HTTP exporter, plus the span helpers the
// dispatcher uses. Tracing is a no-op unless an OTLP endpoint is
// configured in the environment.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/t8nlab/titan"

// Setup installs the global tracer provider when enabled. The returned
// shutdown function flushes pending spans.
func Setup(ctx context.Context, enabled bool) (func(context.Context) error, error) {
	if !enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}

	res, err := sdkresource.New(ctx,
		sdkresource.WithAttributes(
			semconv.ServiceName("titan"),
		),
	)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// Tracer returns the process tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartRequestSpan opens the per-dispatch server span.
func StartRequestSpan(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "dispatch.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			AttrMethod.String(method),
			AttrPath.String(path),
		),
	)
}

// StartDriftSpan opens a child span for one resumed drift.
func StartDriftSpan(ctx context.Context, label string, durationMS float64) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "dispatch.drift",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrDriftLabel.String(label),
			AttrDurationMS.Float64(durationMS),
		),
	)
}

// SetSpanError records err and marks the span failed.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Common attribute keys for titan spans.
var (
	AttrMethod     = attribute.Key("titan.method")
	AttrPath       = attribute.Key("titan.path")
	AttrAction     = attribute.Key("titan.action")
	AttrMode       = attribute.Key("titan.mode")
	AttrDriftLabel = attribute.Key("titan.drift.label")
	AttrDurationMS = attribute.Key("titan.duration_ms")
)
