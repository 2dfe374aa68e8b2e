package observability

import (
	"context"
	"net/http"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Trace context crosses two process boundaries in this runtime: the
// provider dispatch HTTP call that triggers a successor invocation,
// and the environment of the successor process itself (providers pass
// env through to the action container). W3C traceparent/tracestate is
// the carrier for both.

const (
	envTraceParent = "TRACEPARENT"
	envTraceState  = "TRACESTATE"
)

// InjectHTTPHeaders writes the current trace context into the headers
// of an outgoing provider dispatch request.
func InjectHTTPHeaders(ctx context.Context, header http.Header) {
	if !Enabled() {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
}

// ContextFromEnv resumes the trace a predecessor invocation started,
// reading TRACEPARENT/TRACESTATE from this process's environment.
// Without a TRACEPARENT the context is returned unchanged and this
// invocation becomes a trace root.
func ContextFromEnv(ctx context.Context) context.Context {
	parent := os.Getenv(envTraceParent)
	if parent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{
		"traceparent": parent,
		"tracestate":  os.Getenv(envTraceState),
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// EnvForChild renders the current trace context as KEY=value pairs
// suitable for appending to a child process's environment.
func EnvForChild(ctx context.Context) []string {
	if !Enabled() {
		return nil
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	var env []string
	if v := carrier.Get("traceparent"); v != "" {
		env = append(env, envTraceParent+"="+v)
	}
	if v := carrier.Get("tracestate"); v != "" {
		env = append(env, envTraceState+"="+v)
	}
	return env
}

// GetTraceID returns the active trace ID, or "" outside a sampled trace.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().HasTraceID() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// GetSpanID returns the active span ID, or "" outside a sampled trace.
func GetSpanID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().HasSpanID() {
		return ""
	}
	return span.SpanContext().SpanID().String()
}
