// Package observability wires OpenTelemetry tracing and metrics into
// the write path: spans and counters around repository loads/saves and
// outbox publishes, status gauges fed by the dispatcher's statistics
// loop, and a connection gauge over the shared pgx pool.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config selects the exporters telemetry flows through. Nil exporters
// leave that signal disabled: binaries always construct a Telemetry,
// and it degrades to no-ops when nothing is plugged in.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// TraceExporter receives finished spans (OTLP, stdout, ...); nil
	// disables tracing. TraceSampleRate clamps to [0, 1].
	TraceExporter   sdktrace.SpanExporter
	TraceSampleRate float64

	// MetricReader pulls or pushes the instruments in Metrics; nil
	// disables metrics.
	MetricReader sdkmetric.Reader

	Logger *slog.Logger
}

// Telemetry is the initialized stack handed to the rest of the module.
type Telemetry struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Metrics        *Metrics
	Logger         *slog.Logger

	shutdowns []func(context.Context) error
}

// Init builds the telemetry stack. Signals whose exporter is nil come
// up as no-ops rather than errors, so a binary runs identically with
// and without collectors configured.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("describe service resource: %w", err)
	}

	tel := &Telemetry{Logger: cfg.Logger}

	if cfg.TraceExporter == nil {
		tel.TracerProvider = trace.NewNoopTracerProvider()
	} else {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(cfg.TraceExporter),
			sdktrace.WithSampler(sampler(cfg.TraceSampleRate)),
		)
		tel.TracerProvider = tp
		tel.shutdowns = append(tel.shutdowns, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	if cfg.MetricReader == nil {
		tel.MeterProvider = sdkmetric.NewMeterProvider()
	} else {
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(cfg.MetricReader),
		)
		metrics, err := NewMetrics(mp.Meter("eventledger"))
		if err != nil {
			return nil, err
		}
		tel.MeterProvider = mp
		tel.Metrics = metrics
		tel.shutdowns = append(tel.shutdowns, mp.Shutdown)
		otel.SetMeterProvider(mp)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	cfg.Logger.Info("telemetry initialized",
		"service", cfg.ServiceName,
		"tracing", cfg.TraceExporter != nil,
		"metrics", cfg.MetricReader != nil)
	return tel, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.NeverSample()
	case rate >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Shutdown flushes and stops every configured exporter.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, shutdown := range t.shutdowns {
		errs = append(errs, shutdown(ctx))
	}
	return errors.Join(errs...)
}

// Tracer returns a named tracer from this stack's provider.
func (t *Telemetry) Tracer(name string) trace.Tracer {
	return t.TracerProvider.Tracer(name)
}

// Meter returns a named meter from this stack's provider.
func (t *Telemetry) Meter(name string) metric.Meter {
	return t.MeterProvider.Meter(name)
}
