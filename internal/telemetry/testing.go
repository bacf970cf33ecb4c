package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// SpanRecorder captures ended spans in memory for tests.
type SpanRecorder struct {
	recorder *tracetest.SpanRecorder
	provider *sdktrace.TracerProvider
	previous trace.TracerProvider
}

// InstallSpanRecorder replaces the global tracer provider until Restore is called.
func InstallSpanRecorder() *SpanRecorder {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	r := &SpanRecorder{recorder: rec, provider: tp, previous: otel.GetTracerProvider()}
	otel.SetTracerProvider(tp)
	return r
}

// Names returns the names of all ended spans in end order.
func (r *SpanRecorder) Names() []string {
	spans := r.recorder.Ended()
	names := make([]string, len(spans))
	for i, s := range spans {
		names[i] = s.Name()
	}
	return names
}

// Restore reinstalls the previous global provider.
func (r *SpanRecorder) Restore() {
	_ = r.provider.Shutdown(context.Background())
	otel.SetTracerProvider(r.previous)
}
