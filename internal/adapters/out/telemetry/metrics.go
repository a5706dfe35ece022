package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds dcrp-specific OTel metric instruments.
type Metrics struct {
	// Event bus
	EventsProcessed metric.Int64Counter
	EventsDropped   metric.Int64Counter

	// Reconciliation
	ReconcilePasses   metric.Int64Counter
	ReconcileDuration metric.Float64Histogram
	RouteApplies      metric.Int64Counter
	RouteApplyErrors  metric.Int64Counter

	// Route store
	RejectedIntents metric.Int64Counter
	StaleIntents    metric.Int64Counter

	// Hosts
	HostReconnects metric.Int64Counter
}

// NewMetrics creates and registers all dcrp metric instruments. All fields
// are always initialized; OTel returns noop instruments when no
// MeterProvider is set.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("dcrp")
	m := &Metrics{}
	var err error

	if m.EventsProcessed, err = meter.Int64Counter("dcrp.events.processed",
		metric.WithDescription("Total bus events processed")); err != nil {
		return nil, err
	}
	if m.EventsDropped, err = meter.Int64Counter("dcrp.events.dropped",
		metric.WithDescription("Total bus events dropped")); err != nil {
		return nil, err
	}
	if m.ReconcilePasses, err = meter.Int64Counter("dcrp.reconcile.passes",
		metric.WithDescription("Total reconciliation passes")); err != nil {
		return nil, err
	}
	if m.ReconcileDuration, err = meter.Float64Histogram("dcrp.reconcile.duration_seconds",
		metric.WithDescription("Reconciliation pass duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 15)); err != nil {
		return nil, err
	}
	if m.RouteApplies, err = meter.Int64Counter("dcrp.route.applies",
		metric.WithDescription("Total route fragments applied to the proxy")); err != nil {
		return nil, err
	}
	if m.RouteApplyErrors, err = meter.Int64Counter("dcrp.route.apply_errors",
		metric.WithDescription("Total failed route applies")); err != nil {
		return nil, err
	}
	if m.RejectedIntents, err = meter.Int64Counter("dcrp.route.rejected",
		metric.WithDescription("Total route intents rejected by conflict policy")); err != nil {
		return nil, err
	}
	if m.StaleIntents, err = meter.Int64Counter("dcrp.route.stale",
		metric.WithDescription("Total route intents discarded as stale")); err != nil {
		return nil, err
	}
	if m.HostReconnects, err = meter.Int64Counter("dcrp.host.reconnects",
		metric.WithDescription("Total host reconnect attempts")); err != nil {
		return nil, err
	}

	return m, nil
}
