package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// newRecorder installs a recording tracer provider for the duration of t.
func newRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	prev := otel.GetTracerProvider()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return recorder
}

func attrMap(attrs []attribute.KeyValue) map[attribute.Key]string {
	m := make(map[attribute.Key]string, len(attrs))
	for _, a := range attrs {
		m[a.Key] = a.Value.Emit()
	}
	return m
}

func TestStartStoreSpan(t *testing.T) {
	tests := []struct {
		name      string
		system    string
		operation string
		target    string
		wantName  string
	}{
		{"redis with target", StoreRedis, "quota.increment", "quota:2026-03", "redis quota.increment"},
		{"s3 with target", StoreS3, "put_object", "audit-archive", "s3 put_object"},
		{"without target", StoreRedis, "ratelimit.allow", "", "redis ratelimit.allow"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := newRecorder(t)

			_, endSpan := StartStoreSpan(context.Background(), tt.system, tt.operation, tt.target)
			endSpan(nil)

			spans := recorder.Ended()
			if len(spans) != 1 {
				t.Fatalf("expected 1 span, got %d", len(spans))
			}
			span := spans[0]
			if span.Name() != tt.wantName {
				t.Errorf("span name = %q, want %q", span.Name(), tt.wantName)
			}
			if span.SpanKind() != trace.SpanKindClient {
				t.Errorf("span kind = %v, want client", span.SpanKind())
			}

			attrs := attrMap(span.Attributes())
			if attrs["store.system"] != tt.system || attrs["store.operation"] != tt.operation {
				t.Errorf("attributes = %v", attrs)
			}
			target, hasTarget := attrs["store.target"]
			if (tt.target != "") != hasTarget || target != tt.target {
				t.Errorf("store.target = %q (present %v), want %q", target, hasTarget, tt.target)
			}
		})
	}
}

func TestStartStoreSpan_WithError(t *testing.T) {
	recorder := newRecorder(t)
	testErr := errors.New("connection refused")

	_, endSpan := StartStoreSpan(context.Background(), StoreRedis, "quota.usage", "")
	endSpan(testErr)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error || spans[0].Status().Description != testErr.Error() {
		t.Errorf("status = %+v", spans[0].Status())
	}
	if len(spans[0].Events()) != 1 {
		t.Errorf("expected recorded error event, got %d events", len(spans[0].Events()))
	}
}

func TestStartSpan(t *testing.T) {
	recorder := newRecorder(t)

	_, endSpan := StartSpan(context.Background(), "audit.verify_chain")
	endSpan(nil)
	_, endFailed := StartSpan(context.Background(), "audit.archive")
	endFailed(errors.New("bucket missing"))

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "audit.verify_chain" || spans[0].Status().Code == codes.Error {
		t.Errorf("first span = %q %v", spans[0].Name(), spans[0].Status())
	}
	if spans[1].Status().Code != codes.Error {
		t.Errorf("second span status = %v, want error", spans[1].Status())
	}
}

func TestAddEventAndSetAttributes(t *testing.T) {
	recorder := newRecorder(t)

	ctx, span := otel.Tracer("test").Start(context.Background(), "test-span")
	AddEvent(ctx, "entry_appended",
		attribute.String("action", "access"),
		attribute.Int("chain_length", 42),
	)
	SetAttributes(ctx, attribute.String("api_key_id", "key-1"))
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 || events[0].Name != "entry_appended" || len(events[0].Attributes) != 2 {
		t.Errorf("events = %+v", events)
	}
	if attrMap(spans[0].Attributes())["api_key_id"] != "key-1" {
		t.Errorf("attributes = %v", spans[0].Attributes())
	}
}
