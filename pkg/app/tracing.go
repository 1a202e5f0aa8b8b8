package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/aklemp/talon/internal/core"
)

// tracingModule flushes and shuts down the tracer provider on Stop.
type tracingModule struct {
	shutdown func(context.Context) error
}

func (m *tracingModule) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{ID: "tracing"}
}

func (m *tracingModule) Stop(ctx context.Context) error {
	return m.shutdown(ctx)
}

// setupTracing installs an OTLP/HTTP trace exporter when the standard
// OTEL endpoint variables are set. Returns nil when tracing is disabled,
// leaving the global no-op tracer in place so span creation in the run
// layer stays free.
func setupTracing(ctx context.Context, version string, logger *slog.Logger) (func(context.Context) error, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT")
	}
	if endpoint == "" {
		return nil, nil
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", "talon"),
		attribute.String("service.version", version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", endpoint)
	return tp.Shutdown, nil
}
