package middleware

import (
	"context"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attributes set by this package.
const (
	AttrRequestID  = "request.id"
	AttrAPIKeyID   = "apikey.id"
	AttrAPIKeyTier = "apikey.tier"
)

// untracedPaths are health and scrape endpoints hit on a fixed schedule.
var untracedPaths = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// Tracing starts a server span for every request except health checks and scrapes.
// Spans are named "METHOD route" using the same route normalization as the
// HTTP metrics, continue any W3C trace context sent by the caller and carry
// the request ID. Place it inside RequestID.
func Tracing(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		tagged := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := GetRequestID(r.Context()); id != "" {
				annotateSpan(r.Context(), attribute.String(AttrRequestID, id))
			}
			next.ServeHTTP(w, r)
		})
		return otelhttp.NewHandler(tagged, serviceName,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + normalizePath(r.URL.Path)
			}),
			otelhttp.WithFilter(func(r *http.Request) bool {
				return !untracedPaths[r.URL.Path]
			}),
		)
	}
}

// annotateSpan sets attrs on the span in ctx. It is a no-op without one.
func annotateSpan(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}
