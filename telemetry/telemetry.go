// Package telemetry provides thin helpers over OpenTelemetry for span
// annotation and counters. The host application installs the tracer and
// meter providers; when none is installed these calls are no-ops.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/listforge/listforge"

// StartSpan starts a child span on the current trace.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// SetSpanAttributes sets attributes on the span in ctx, if any.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// AddSpanEvent records a named event on the span in ctx, if any.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// RecordSpanError records an error on the span in ctx, if any.
func RecordSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
	}
}

var (
	counterMu sync.Mutex
	counters  = make(map[string]metric.Int64Counter)
)

// Counter increments a named counter by 1. Label pairs are passed as
// alternating key, value strings.
func Counter(name string, labels ...string) {
	counterMu.Lock()
	counter, ok := counters[name]
	if !ok {
		var err error
		counter, err = otel.Meter(instrumentationName).Int64Counter(name)
		if err != nil {
			counterMu.Unlock()
			return
		}
		counters[name] = counter
	}
	counterMu.Unlock()

	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}
