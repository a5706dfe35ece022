// Package telemetry provides OpenTelemetry metrics initialization for dcrp.
// Metrics export via OTLP/HTTP when enabled; otherwise all instruments are
// noop.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"` // OTLP HTTP endpoint, e.g. "http://localhost:4318"
	Interval string `mapstructure:"interval"` // export interval, default 30s
}

// exportInterval parses the configured export interval, accepting any
// time.Duration string form. Empty or invalid values fall back to 30s.
func exportInterval(s string) time.Duration {
	if s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	return 30 * time.Second
}

// NewProvider configures the global meter provider from cfg. The returned
// shutdown function must be called on application exit.
func NewProvider(ctx context.Context, cfg Config, serviceName, version string) (func(context.Context), error) {
	noop := func(context.Context) {}

	if !cfg.Enabled || cfg.Endpoint == "" {
		return noop, nil
	}

	parsed, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return noop, fmt.Errorf("parse telemetry endpoint: %w", err)
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(parsed.Host)}
	if parsed.Scheme != "https" {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return noop, fmt.Errorf("create metric exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
		resource.WithOS(),
		resource.WithHost(),
	)
	if err != nil {
		return noop, fmt.Errorf("create resource: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(exportInterval(cfg.Interval)))),
	)
	otel.SetMeterProvider(provider)

	return func(ctx context.Context) {
		_ = provider.Shutdown(ctx)
	}, nil
}
