package telemetry

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

/*
LEARNING: SAMPLING A CHATTY SERVICE

Every websocket message gets its own span, so an active room produces
spans at typing speed. Sampling is ratio based and follows the parent's
decision, so a sampled connection keeps all of its message spans and an
unsampled one produces none.

  Your App → OpenTelemetry SDK → Jaeger Exporter → Jaeger Collector → Jaeger UI
*/

// Options configure the tracer provider
type Options struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	SampleRatio    float64 // 1 samples everything
}

// InitJaeger installs a global tracer provider exporting to Jaeger.
// The returned function flushes pending spans and must be called on shutdown.
func InitJaeger(opts Options) (func(context.Context) error, error) {
	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(opts.Endpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	// schemaless, so it merges with the SDK default whatever semconv version that uses
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(opts.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	log.Printf("✓ Jaeger tracing initialized: %s (sample ratio %.2f)", opts.Endpoint, opts.SampleRatio)
	return tp.Shutdown, nil
}

// Sampler follows the parent span and samples new traces at ratio
func Sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}
