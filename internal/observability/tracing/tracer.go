package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName names the tracer of every drip-engine span.
const instrumentationName = "drip-engine"

// GetTracer returns the tracer of the current global provider.
//
//	ctx, span := tracing.GetTracer().Start(ctx, "delivery.process")
//	defer span.End()
func GetTracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// InitTracer installs an SDK tracer provider sampling the given ratio of
// root spans and the W3C propagators. The returned function flushes and
// shuts the provider down.
func InitTracer(sampleRatio float64, opts ...sdktrace.TracerProviderOption) func(context.Context) error {
	if sampleRatio < 0 {
		sampleRatio = 0
	}
	if sampleRatio > 1 {
		sampleRatio = 1
	}
	opts = append([]sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
	}, opts...)
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown
}
