package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const transportTracerName = "claude-threads-transport"

func transportTracer() trace.Tracer {
	return Tracer(transportTracerName)
}

// TraceHTTPRequest starts a span for a platform REST call.
// Caller must call span.End() when the response is received.
func TraceHTTPRequest(ctx context.Context, method, path, platformID string) (context.Context, trace.Span) {
	ctx, span := transportTracer().Start(ctx, "http."+method+" "+path,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.path", path),
		attribute.String("platform", platformID),
	)
	return ctx, span
}

// TraceHTTPResponse records response attributes on the span.
func TraceHTTPResponse(span trace.Span, statusCode int, err error) {
	span.SetAttributes(attribute.Int("http.status_code", statusCode))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceAssistantEvent creates a single span for a received assistant event.
func TraceAssistantEvent(ctx context.Context, eventType, platformID, threadID string) {
	_, span := transportTracer().Start(ctx, "assistant.event."+eventType,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("event_type", eventType),
		attribute.String("platform", platformID),
		attribute.String("thread_id", threadID),
	)
}
