// Package tracing wraps the OpenTelemetry global tracer. Spans are no-ops
// until Setup enables a provider.
package tracing

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "go-quorum"

var enabled atomic.Bool

// Setup installs a stdout exporter when enable is true. The returned function
// flushes and stops the provider.
func Setup(enable bool) (func(context.Context) error, error) {
	if !enable {
		enabled.Store(false)
		return func(context.Context) error { return nil }, nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	return SetupWithProcessor(sdktrace.NewBatchSpanProcessor(exp)), nil
}

// SetupWithProcessor installs a provider around an arbitrary span processor.
func SetupWithProcessor(sp sdktrace.SpanProcessor) func(context.Context) error {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sp))
	otel.SetTracerProvider(tp)
	enabled.Store(true)
	return func(ctx context.Context) error {
		enabled.Store(false)
		return tp.Shutdown(ctx)
	}
}

// Span is the handle returned by StartSpan.
type Span struct {
	span trace.Span
}

// StartSpan starts a span when tracing is enabled.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span) {
	if !enabled.Load() {
		return ctx, Span{}
	}
	ctx, sp := otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, Span{span: sp}
}

// End finishes the span, recording err when non-nil.
func (s Span) End(err error) {
	if s.span == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}
