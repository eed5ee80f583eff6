package tracing

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "go-replset"

var enabled bool

// Setup configures a global tracer provider when enable=true.
// It returns a shutdown function which should be deferred.
func Setup(enable bool) (func(context.Context) error, error) {
	return SetupWriter(enable, nil)
}

// SetupWriter is Setup with an explicit destination for exported spans.
// A nil writer means stdout.
func SetupWriter(enable bool, w io.Writer) (func(context.Context) error, error) {
	enabled = enable
	if !enable {
		return func(context.Context) error { return nil }, nil
	}
	opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if w != nil {
		opts = append(opts, stdouttrace.WithWriter(w))
	}
	exp, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartSpan starts a tracing span if tracing is enabled. The returned func
// ends the span and records err on it when non-nil.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	if !enabled {
		return ctx, func(error) {}
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
