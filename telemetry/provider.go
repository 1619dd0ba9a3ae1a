package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// NewTracerProvider returns a tracer provider exporting spans over OTLP/HTTP to endpoint, a
// full URL such as http://localhost:4318/v1/traces. Callers must Shutdown it to flush.
func NewTracerProvider(ctx context.Context, endpoint, service string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(serviceResource(service)),
	), nil
}

// NewMeterProvider returns a meter provider read through reader, typically a ManualReader
// collected once the command is done.
func NewMeterProvider(reader sdkmetric.Reader, service string) *sdkmetric.MeterProvider {
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(serviceResource(service)),
	)
}

func serviceResource(service string) *resource.Resource {
	return resource.NewSchemaless(attribute.String("service.name", service))
}
