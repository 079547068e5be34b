// Package metrics provides Prometheus metrics for the request lifecycle engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records
// nothing, which keeps tests free of registry setup.
type Metrics struct {
	RequestsCreated   prometheus.Counter
	BatchesCreated    prometheus.Counter
	Transitions       *prometheus.CounterVec
	ClaimConflicts    prometheus.Counter
	BatchOperations   *prometheus.CounterVec
	OperationDuration prometheus.Histogram
	OutboxPending     prometheus.Gauge
	NotificationsSent prometheus.Counter
}

// New creates and registers all metrics.
func New() *Metrics {
	m := &Metrics{
		RequestsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_requests_created_total",
			Help: "Total prescription requests created",
		}),
		BatchesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_request_batches_created_total",
			Help: "Total multi-item batches created",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_request_transitions_total",
			Help: "Total successful status transitions",
		}, []string{"action"}),
		ClaimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_request_claim_conflicts_total",
			Help: "Take attempts lost to a concurrent claim",
		}),
		BatchOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_request_batch_operations_total",
			Help: "Batch operations by kind and outcome",
		}, []string{"operation", "outcome"}),
		OperationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "prescription_request_operation_duration_seconds",
			Help:    "Lifecycle operation duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Transition events awaiting publication",
		}),
		NotificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Total notifications dispatched",
		}),
	}

	prometheus.MustRegister(
		m.RequestsCreated,
		m.BatchesCreated,
		m.Transitions,
		m.ClaimConflicts,
		m.BatchOperations,
		m.OperationDuration,
		m.OutboxPending,
		m.NotificationsSent,
	)

	return m
}

// ObserveCreated records request creations.
func (m *Metrics) ObserveCreated(n int, batch bool) {
	if m == nil {
		return
	}
	m.RequestsCreated.Add(float64(n))
	if batch {
		m.BatchesCreated.Inc()
	}
}

// ObserveTransition records one successful transition.
func (m *Metrics) ObserveTransition(action string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(action).Inc()
}

// ObserveClaimConflict records a lost claim race.
func (m *Metrics) ObserveClaimConflict() {
	if m == nil {
		return
	}
	m.ClaimConflicts.Inc()
}

// ObserveBatchOperation records a batch operation outcome.
func (m *Metrics) ObserveBatchOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.BatchOperations.WithLabelValues(operation, outcome).Inc()
}

// ObserveDuration records an operation duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.OperationDuration.Observe(d.Seconds())
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
