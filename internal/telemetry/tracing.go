package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zde37/kademlia/pkg"
)

// Exporter names.
const (
	ExporterNone     = "none"
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

// Config selects where spans are sent.
type Config struct {
	Exporter    string
	Endpoint    string
	Insecure    bool
	ServiceName string
	InstanceID  string
}

// Tracing is the process tracer provider. With no exporter configured it
// hands out no-op tracers.
type Tracing struct {
	trace.TracerProvider

	sdk    *sdktrace.TracerProvider
	logger *pkg.Logger
}

// Setup builds the tracer provider for cfg and installs it as the global
// provider.
func Setup(ctx context.Context, cfg Config, logger *pkg.Logger) (*Tracing, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	logger = logger.Component("telemetry")

	var (
		exp sdktrace.SpanExporter
		err error
	)
	switch cfg.Exporter {
	case "", ExporterNone:
		return &Tracing{TracerProvider: noop.NewTracerProvider(), logger: logger}, nil
	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err = otlptracehttp.New(ctx, opts...)
	case ExporterOTLPGRPC:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err = otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s trace exporter: %w", cfg.Exporter, err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "kademlia"
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", name),
		attribute.String("service.instance.id", cfg.InstanceID),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info().
		Str("exporter", cfg.Exporter).
		Str("endpoint", cfg.Endpoint).
		Msg("Tracing initialized")

	return &Tracing{TracerProvider: tp, sdk: tp, logger: logger}, nil
}

// Enabled reports whether spans are exported.
func (t *Tracing) Enabled() bool {
	return t.sdk != nil
}

// Shutdown flushes pending spans and stops the exporter.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t.sdk == nil {
		return nil
	}
	if err := t.sdk.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down tracer provider: %w", err)
	}
	t.logger.Info().Msg("Tracing shut down")
	return nil
}
