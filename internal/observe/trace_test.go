package observe

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestCorrelationID_NoSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}
}

func TestCorrelationID_WithSpan(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	got := CorrelationID(ctx)
	if got == "" {
		t.Fatal("CorrelationID with recording span should not be empty")
	}
	if want := span.SpanContext().TraceID().String(); got != want {
		t.Errorf("CorrelationID = %q, want trace id %q", got, want)
	}
}

func TestLogger_ReturnsNonNil(t *testing.T) {
	if Logger(context.Background()) == nil {
		t.Fatal("Logger returned nil")
	}
}

func TestStartSpan_ReturnsSpan(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test.op")
	defer span.End()
	if ctx == nil || span == nil {
		t.Fatal("StartSpan returned nil")
	}
}
