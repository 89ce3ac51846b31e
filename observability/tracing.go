// Package observability builds the OpenTelemetry tracer provider and
// Prometheus metrics registry the rest of the engine exports spans and
// counters through. The orchestrator calls otel.Tracer(...) directly
// (see orchestrator/orchestrator.go) and relies on this package only to
// install the process-wide TracerProvider at start-up — no lazy
// construction inside the hot path, per spec §9's "global LLM client"
// style of explicit init-at-start/graceful-close-at-shutdown.
package observability

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// TracingConfig controls the exported service identity and sampling
// rate of the installed TracerProvider.
type TracingConfig struct {
	ServiceName string
	Environment string
	SampleRatio float64 // 0.0-1.0; 1.0 samples every pipeline run
}

// BuildTracerProvider constructs an SDK TracerProvider exporting spans
// through stdouttrace (development-friendly; swap the exporter for an
// OTLP one in a production deployment without touching call sites,
// since orchestrator.go only ever asks the global otel.Tracer for a
// tracer). Returns a shutdown func to call during graceful shutdown.
func BuildTracerProvider(logger zerolog.Logger, cfg TracingConfig) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	if cfg.SampleRatio <= 0 {
		cfg.SampleRatio = 1.0
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "queryengine"
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, fmt.Errorf("build stdout trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("merge otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)

	logger.Info().
		Str("service", cfg.ServiceName).
		Float64("sample_ratio", cfg.SampleRatio).
		Msg("otel tracer provider installed")

	return tp, tp.Shutdown, nil
}
