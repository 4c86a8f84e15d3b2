package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// SpanRecorder installs an in-memory tracer provider as the global one for
// the duration of a test.
type SpanRecorder struct {
	recorder *tracetest.SpanRecorder
}

// RecordSpans swaps the global tracer provider and restores it on cleanup.
// Tests using it must not run in parallel.
func RecordSpans(tb testing.TB) *SpanRecorder {
	tb.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(rec))

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	tb.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return &SpanRecorder{recorder: rec}
}

// Names returns the names of ended spans in end order.
func (r *SpanRecorder) Names() []string {
	spans := r.recorder.Ended()
	names := make([]string, len(spans))
	for i, s := range spans {
		names[i] = s.Name()
	}
	return names
}

// Span returns the first ended span named name, or nil.
func (r *SpanRecorder) Span(name string) trace.ReadOnlySpan {
	for _, s := range r.recorder.Ended() {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// AssertSpan fails the test unless a span named name ended.
func (r *SpanRecorder) AssertSpan(tb testing.TB, name string) trace.ReadOnlySpan {
	tb.Helper()
	s := r.Span(name)
	if s == nil {
		tb.Errorf("span %q not recorded; have %v", name, r.Names())
	}
	return s
}
