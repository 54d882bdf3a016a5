// Package observability wires the OpenTelemetry providers the service
// exports through. Metrics flow to a Prometheus exporter scraped at
// /metrics; traces go to an in-process provider that middleware picks up.
// When disabled, both providers are noops and instrumentation costs
// nothing.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	mnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tnoop "go.opentelemetry.io/otel/trace/noop"
)

// Config controls which providers are built.
type Config struct {
	// Enabled turns instrumentation on. When false both providers are
	// noops and Handler serves an empty registry.
	Enabled bool

	// ServiceName labels exported telemetry. Defaults to "loom".
	ServiceName string

	// ServiceVersion labels exported telemetry. Optional.
	ServiceVersion string
}

// Provider bundles the tracer and meter providers plus the Prometheus
// scrape handler.
type Provider struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	registry       *prometheus.Registry

	sdkTraces  *sdktrace.TracerProvider
	sdkMetrics *sdkmetric.MeterProvider
}

// New builds a Provider from the config.
func New(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			tracerProvider: tnoop.NewTracerProvider(),
			meterProvider:  mnoop.NewMeterProvider(),
			registry:       prometheus.NewRegistry(),
		}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "loom"
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("observability: prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
	)

	return &Provider{
		tracerProvider: tp,
		meterProvider:  mp,
		registry:       registry,
		sdkTraces:      tp,
		sdkMetrics:     mp,
	}, nil
}

// TracerProvider returns the tracer provider for middleware wiring.
func (p *Provider) TracerProvider() trace.TracerProvider { return p.tracerProvider }

// MeterProvider returns the meter provider for middleware wiring.
func (p *Provider) MeterProvider() metric.MeterProvider { return p.meterProvider }

// Handler returns the Prometheus scrape handler for /metrics.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the SDK providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.sdkTraces != nil {
		if err := p.sdkTraces.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.sdkMetrics != nil {
		if err := p.sdkMetrics.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
