package eventsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the sync engine's Prometheus metrics
type Metrics struct {
	// EventsApplied counts events applied to the local store
	// Labels: type
	EventsApplied *prometheus.CounterVec

	// EventFailures counts events that could not be downloaded, parsed or applied
	// Labels: reason (download, parse, apply)
	EventFailures *prometheus.CounterVec

	// SyncRuns counts sync-down passes
	// Labels: status (success, partial, failed, busy)
	SyncRuns *prometheus.CounterVec

	// Publishes counts publish attempts
	// Labels: result (delivered, queued, timeout, error)
	Publishes *prometheus.CounterVec

	// OutboxPending is the number of events waiting for upload
	OutboxPending prometheus.Gauge

	// BatchDuration tracks download+apply time of one batch
	BatchDuration prometheus.Histogram
}

// NewMetrics creates the metrics and registers them with registry
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		EventsApplied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posync_events_applied_total",
				Help: "Total number of remote events applied to the local store",
			},
			[]string{"type"},
		),

		EventFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posync_event_failures_total",
				Help: "Total number of remote events skipped after a failure",
			},
			[]string{"reason"},
		),

		SyncRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posync_sync_runs_total",
				Help: "Total number of sync-down passes by outcome",
			},
			[]string{"status"},
		),

		Publishes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posync_publish_total",
				Help: "Total number of event publish attempts by result",
			},
			[]string{"result"},
		),

		OutboxPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "posync_outbox_pending",
				Help: "Number of events waiting in the local outbox",
			},
		),

		BatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "posync_batch_duration_seconds",
				Help:    "Time taken to download and apply one batch of events",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}
