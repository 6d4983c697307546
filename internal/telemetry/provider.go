package telemetry

import (
	"context"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// NewTracerProviderWithExporter builds a provider that batches spans into
// exporter without installing it globally. Callers that assert on build
// spans pass a tracetest.InMemoryExporter.
func NewTracerProviderWithExporter(exporter sdktrace.SpanExporter, cfg Config) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "forged"
	}
	return newTracerProviderWithExporter(exporter, cfg)
}
