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
TRACING

  relay → OpenTelemetry SDK → Jaeger exporter → Jaeger collector → Jaeger UI

Spans are emitted for HTTP requests (middleware), connection attach,
document bind and eviction writes. With no collector endpoint configured the
global no-op tracer provider stays in place and spans cost nothing.
*/

// ShutdownFunc flushes buffered spans
type ShutdownFunc func(context.Context) error

// InitJaeger installs a global tracer provider exporting to jaegerEndpoint.
// An empty endpoint disables tracing.
func InitJaeger(serviceName, serviceVersion, jaegerEndpoint string) (ShutdownFunc, error) {
	if jaegerEndpoint == "" {
		log.Println("  Tracing disabled (JAEGER_ENDPOINT not set)")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.1))),
	)
	otel.SetTracerProvider(tp)

	log.Printf("✓ Jaeger tracing initialized: %s", jaegerEndpoint)
	return tp.Shutdown, nil
}
