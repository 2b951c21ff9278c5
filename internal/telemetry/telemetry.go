// Package telemetry wires the OpenTelemetry meter and tracer providers
// the KV package instruments against (see dolt/store.go's
// doltTracer/doltMetrics pair in the teacher repo, which assumes a
// provider is already installed globally — this package is that
// installation, using the stdout exporters already present in the
// teacher's go.mod dependency set).
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Shutdown flushes and releases both providers. Callers should defer it
// right after Setup returns.
type Shutdown func(ctx context.Context) error

// Setup installs global meter/tracer providers backed by the stdout
// exporter packages when enabled is true: the trace exporter writes to
// io.Discard and the metric exporter writes to stderr. When enabled is
// false it installs nothing and leaves OpenTelemetry's global no-op
// providers in place — a disabled setup costs nothing and every
// otel.Tracer/otel.Meter call elsewhere in the engine remains safe to make
// unconditionally.
func Setup(enabled bool) (Shutdown, error) {
	if !enabled {
		return func(context.Context) error { return nil }, nil
	}

	traceExp, err := stdouttrace.New(stdouttrace.WithWriter(io.Discard))
	if err != nil {
		return nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp))
	otel.SetTracerProvider(tp)

	metricExp, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
	if err != nil {
		return nil, fmt.Errorf("create stdout metric exporter: %w", err)
	}
	mp := metric.NewMeterProvider(metric.WithReader(metric.NewPeriodicReader(metricExp)))
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return err
		}
		return mp.Shutdown(ctx)
	}, nil
}
