package tracing_test

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/surgecast/surgecast/internal/config"
	"github.com/surgecast/surgecast/internal/tracing"
)

func setupTestTracer(t *testing.T) (*tracetest.InMemoryExporter, trace.Tracer) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter, tp.Tracer("test")
}

func TestInitDisabledByDefault(t *testing.T) {
	p, err := tracing.Init(context.Background(), config.TracingConfig{})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	if p.ShouldPropagate() {
		t.Error("ShouldPropagate() = true, want false when tracing disabled")
	}

	// Tracer must return a usable no-op, not panic.
	_, span := p.Tracer().Start(context.Background(), "test")
	span.End()
}

func TestInitWithEndpoint(t *testing.T) {
	p, err := tracing.Init(context.Background(), config.TracingConfig{
		Enable:      true,
		Endpoint:    "localhost:4317",
		Protocol:    "grpc",
		ServiceName: "test-service",
		SampleRate:  1.0,
		Insecure:    true,
		Propagate:   true,
	})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	if !p.ShouldPropagate() {
		t.Error("ShouldPropagate() = false, want true when propagation enabled")
	}
}

func TestInitHTTPProtocol(t *testing.T) {
	p, err := tracing.Init(context.Background(), config.TracingConfig{
		Enable:     true,
		Endpoint:   "localhost:4318",
		Protocol:   "http",
		SampleRate: 1.0,
		Insecure:   true,
	})
	if err != nil {
		t.Fatalf("Init() with http protocol error = %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
}

func TestInitUnsupportedProtocol(t *testing.T) {
	_, err := tracing.Init(context.Background(), config.TracingConfig{
		Enable:   true,
		Endpoint: "localhost:4317",
		Protocol: "thrift",
		Insecure: true,
	})
	if err == nil {
		t.Fatal("Init() with unsupported protocol should return error")
	}
}

func TestInitInvalidSampleRate(t *testing.T) {
	_, err := tracing.Init(context.Background(), config.TracingConfig{
		Enable:     true,
		Endpoint:   "localhost:4317",
		Protocol:   "grpc",
		Insecure:   true,
		SampleRate: 1.5,
	})
	if err == nil {
		t.Fatal("Init() with sample_rate=1.5 should return error")
	}
}

func TestInitInvalidSampleRateWithoutEndpoint(t *testing.T) {
	_, err := tracing.Init(context.Background(), config.TracingConfig{
		Enable:     true,
		SampleRate: -0.5,
	})
	if err == nil {
		t.Fatal("Init() with sample_rate=-0.5 should return error even without an endpoint")
	}
}

func TestInitIgnoresOtelEnvironment(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	t.Setenv("OTEL_SERVICE_NAME", "env-service")

	p, err := tracing.Init(context.Background(), config.TracingConfig{
		Enable:     true,
		SampleRate: 1.0,
	})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	// Without a configured endpoint the provider must stay inert, even
	// when the process environment names one.
	_, span := p.Tracer().Start(context.Background(), "test")
	defer span.End()
	if span.SpanContext().IsValid() {
		t.Error("span is recording, want inert provider when config has no endpoint")
	}
}

func TestPropagationRequiresEnable(t *testing.T) {
	p, err := tracing.Init(context.Background(), config.TracingConfig{Propagate: true})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if p.ShouldPropagate() {
		t.Error("ShouldPropagate() = true with tracing disabled")
	}
}

func TestNilProviderSafety(t *testing.T) {
	var p *tracing.Provider
	if p.ShouldPropagate() {
		t.Error("nil provider ShouldPropagate() = true, want false")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("nil provider Shutdown() error = %v", err)
	}
	_, span := p.Tracer().Start(context.Background(), "test")
	span.End()
}

func TestStartSessionSpanAttributes(t *testing.T) {
	exporter, tracer := setupTestTracer(t)

	_, span := tracing.StartSessionSpan(context.Background(), tracer, "sess-1", "https://stream.example.com")
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "session" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "session")
	}
	if spans[0].SpanKind != trace.SpanKindClient {
		t.Errorf("span kind = %v, want client", spans[0].SpanKind)
	}
	found := map[string]string{}
	for _, attr := range spans[0].Attributes {
		found[string(attr.Key)] = attr.Value.Emit()
	}
	if found["surgecast.session_id"] != "sess-1" {
		t.Errorf("session_id attribute = %q", found["surgecast.session_id"])
	}
	if found["surgecast.target_url"] != "https://stream.example.com" {
		t.Errorf("target_url attribute = %q", found["surgecast.target_url"])
	}
}

func TestEndSpanRecordsError(t *testing.T) {
	exporter, tracer := setupTestTracer(t)

	_, span := tracer.Start(context.Background(), "failing")
	tracing.EndSpan(span, context.DeadlineExceeded)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("span status = %v, want Error", spans[0].Status.Code)
	}
}

func TestEndSpanOk(t *testing.T) {
	exporter, tracer := setupTestTracer(t)

	_, span := tracer.Start(context.Background(), "ok")
	tracing.EndSpan(span, nil)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Ok {
		t.Errorf("span status = %v, want Ok", spans[0].Status.Code)
	}
}

func TestTraceHeaders(t *testing.T) {
	_, tracer := setupTestTracer(t)

	ctx, span := tracer.Start(context.Background(), "propagated")
	defer span.End()

	headers := tracing.TraceHeaders(ctx)
	tp, ok := headers["traceparent"]
	if !ok {
		t.Fatal("traceparent header not injected")
	}
	// Format: version-traceid-spanid-flags.
	if parts := strings.Split(tp, "-"); len(parts) != 4 {
		t.Errorf("traceparent = %q, want 4 dash-separated fields", tp)
	}
}
