package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StartSessionSpan starts a span covering one browser session's lifetime.
func StartSessionSpan(ctx context.Context, tracer trace.Tracer, sessionID, targetURL string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "session",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("surgecast.session_id", sessionID),
		attribute.String("surgecast.target_url", targetURL),
	)
	return ctx, span
}

// StartTestSpan starts the root span for one load test run.
func StartTestSpan(ctx context.Context, tracer trace.Tracer, testID string, users int) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "load test")
	span.SetAttributes(
		attribute.String("surgecast.test_id", testID),
		attribute.Int("surgecast.concurrent_users", users),
	)
	return ctx, span
}

// EndSpan finishes a span, recording error status if applicable.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceHeaders returns the W3C trace context for the given span context as
// plain headers, suitable for injection into intercepted requests.
func TraceHeaders(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return map[string]string(carrier)
}
