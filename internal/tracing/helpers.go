// Package tracing provides OpenTelemetry distributed tracing setup and utilities.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName names the tracer used by the helpers.
const instrumentationName = "complianced"

// Store systems traced by StartStoreSpan.
const (
	StoreRedis = "redis"
	StoreS3    = "s3"
)

// StartStoreSpan creates a client span for a call to an external store.
// Returns the new context and a function to end the span.
//
// Example usage:
//
//	ctx, endSpan := tracing.StartStoreSpan(ctx, tracing.StoreRedis, "quota.increment", "quota:2026-03")
//	defer func() { endSpan(err) }()
func StartStoreSpan(ctx context.Context, system, operation, target string) (context.Context, func(error)) {
	tracer := otel.Tracer(instrumentationName + "/store")

	ctx, span := tracer.Start(ctx, system+" "+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("store.system", system),
			attribute.String("store.operation", operation),
		),
	)
	if target != "" {
		span.SetAttributes(attribute.String("store.target", target))
	}

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// StartSpan creates a new span for a general operation.
// Returns the new context and a function to end the span.
func StartSpan(ctx context.Context, name string) (context.Context, func(error)) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, name)

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attrs...)
}
