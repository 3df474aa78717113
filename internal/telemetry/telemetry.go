// Package telemetry bootstraps an OpenTelemetry tracer provider; neither
// cmd/crucible nor cmd/crucible-worker calls Init. Traces are always exported
// over OTLP/gRPC to an external collector; there is no stdout exporter
// or sampling knob beyond the on/off switch in Config.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/crucible-build/crucible/cerr"
)

const component = "telemetry"

// Config controls whether and where traces are exported.
type Config struct {
	// ServiceName identifies this process in exported spans, e.g.
	// "crucible-scheduler" or "crucible-worker".
	ServiceName string
	// Endpoint is the OTLP/gRPC collector address (host:port). Empty
	// disables export: Init then leaves the global provider as it is and
	// returns a Shutdown that does nothing.
	Endpoint string
	Insecure bool
}

// Shutdown flushes and closes the tracer provider.
type Shutdown func(context.Context) error

// Init wires an OTLP/gRPC exporter into a batching tracer provider and
// installs it as the global provider, returning a Shutdown to call
// during graceful termination. If cfg.Endpoint is empty it leaves the
// global provider (otel's no-op default unless replaced) untouched and
// returns a Shutdown that does nothing, so callers never need to
// special-case telemetry being disabled.
func Init(ctx context.Context, cfg Config) (Shutdown, error) {
	if cfg.Endpoint == "" {
		// otel's global provider defaults to a no-op implementation;
		// leave it in place rather than installing one explicitly.
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, cerr.IOf(component, err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, cerr.IOf(component, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	slog.InfoContext(ctx, "telemetry initialized", "service", cfg.ServiceName, "endpoint", cfg.Endpoint)

	return func(shutdownCtx context.Context) error {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			return cerr.IOf(component, err)
		}
		return nil
	}, nil
}

// Tracer returns the named tracer from the current global provider, the
// usual entry point for instrumenting a package.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
