package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// TracerConfig controls the development tracer bootstrap.
type TracerConfig struct {
	// ServiceName identifies this process in exported spans.
	ServiceName string

	// PrettyPrint emits indented JSON on stdout.
	PrettyPrint bool
}

// InitTracer installs a stdout-exporting tracer provider as the global
// provider and returns its shutdown function. Intended for development
// and integration tests; production deployments install their own
// provider before building the engine.
func InitTracer(ctx context.Context, cfg TracerConfig) (func(context.Context) error, error) {
	var expOpts []stdouttrace.Option
	if cfg.PrettyPrint {
		expOpts = append(expOpts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(expOpts...)
	if err != nil {
		return nil, err
	}

	name := cfg.ServiceName
	if name == "" {
		name = "dispatch"
	}
	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(name)))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
