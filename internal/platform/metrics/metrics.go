// Package metrics provides Prometheus metrics for the waitlist engine.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WaitlistMetrics contains the Prometheus metrics emitted by the waitlist
// engine. All methods are safe to call on a nil receiver so callers can run
// without metrics.
type WaitlistMetrics struct {
	TransitionsTotal      *prometheus.CounterVec   // Status transitions by from/to status
	RecomputesTotal       *prometheus.CounterVec   // Group recomputes by queue type
	RecomputeDuration     *prometheus.HistogramVec // Recompute latency by queue type
	RecomputeGroupSize    *prometheus.HistogramVec // Entries per recomputed group
	ReordersTotal         *prometheus.CounterVec   // Manual reorders by kind (reorder, move_to_front)
	MovementsTotal        prometheus.Counter       // Audit movements appended
	EnvelopeFailuresTotal *prometheus.CounterVec   // Rejected envelopes by kind (decode, crypto)
	OperationErrorsTotal  *prometheus.CounterVec   // Failed operations by error kind

	registry *prometheus.Registry
}

// NewWaitlistMetrics creates and registers the waitlist metrics on registry.
func NewWaitlistMetrics(registry *prometheus.Registry) (*WaitlistMetrics, error) {
	m := &WaitlistMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register waitlist metrics: %w", err)
	}
	return m, nil
}

func (m *WaitlistMetrics) initMetrics() {
	m.TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_status_transitions_total",
			Help: "Total number of waitlist entry status transitions",
		},
		[]string{"from", "to"},
	)

	m.RecomputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_group_recomputes_total",
			Help: "Total number of queue group position recomputes",
		},
		[]string{"queue_type"},
	)

	m.RecomputeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "waitlist_group_recompute_duration_seconds",
			Help:    "Time taken to recompute a queue group",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"queue_type"},
	)

	m.RecomputeGroupSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "waitlist_group_size",
			Help:    "Number of active entries in a recomputed queue group",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"queue_type"},
	)

	m.ReordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_manual_reorders_total",
			Help: "Total number of manual reorder operations",
		},
		[]string{"kind"},
	)

	m.MovementsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "waitlist_movements_total",
			Help: "Total number of audit movements appended",
		},
	)

	m.EnvelopeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_envelope_failures_total",
			Help: "Total number of rejected request envelopes",
		},
		[]string{"kind"},
	)

	m.OperationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "waitlist_operation_errors_total",
			Help: "Total number of failed waitlist operations by error kind",
		},
		[]string{"operation", "kind"},
	)
}

// Describe implements prometheus.Collector.
func (m *WaitlistMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.TransitionsTotal.Describe(ch)
	m.RecomputesTotal.Describe(ch)
	m.RecomputeDuration.Describe(ch)
	m.RecomputeGroupSize.Describe(ch)
	m.ReordersTotal.Describe(ch)
	m.MovementsTotal.Describe(ch)
	m.EnvelopeFailuresTotal.Describe(ch)
	m.OperationErrorsTotal.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *WaitlistMetrics) Collect(ch chan<- prometheus.Metric) {
	m.TransitionsTotal.Collect(ch)
	m.RecomputesTotal.Collect(ch)
	m.RecomputeDuration.Collect(ch)
	m.RecomputeGroupSize.Collect(ch)
	m.ReordersTotal.Collect(ch)
	m.MovementsTotal.Collect(ch)
	m.EnvelopeFailuresTotal.Collect(ch)
	m.OperationErrorsTotal.Collect(ch)
}

// RecordTransition counts a status change.
func (m *WaitlistMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordRecompute records one group recompute.
func (m *WaitlistMetrics) RecordRecompute(queueType string, groupSize int, took time.Duration) {
	if m == nil {
		return
	}
	m.RecomputesTotal.WithLabelValues(queueType).Inc()
	m.RecomputeDuration.WithLabelValues(queueType).Observe(took.Seconds())
	m.RecomputeGroupSize.WithLabelValues(queueType).Observe(float64(groupSize))
}

// RecordReorder counts a manual reorder.
func (m *WaitlistMetrics) RecordReorder(kind string) {
	if m == nil {
		return
	}
	m.ReordersTotal.WithLabelValues(kind).Inc()
}

// RecordMovement counts an appended audit movement.
func (m *WaitlistMetrics) RecordMovement() {
	if m == nil {
		return
	}
	m.MovementsTotal.Inc()
}

// RecordEnvelopeFailure counts a rejected envelope.
func (m *WaitlistMetrics) RecordEnvelopeFailure(kind string) {
	if m == nil {
		return
	}
	m.EnvelopeFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordOperationError counts a failed operation.
func (m *WaitlistMetrics) RecordOperationError(operation, kind string) {
	if m == nil {
		return
	}
	m.OperationErrorsTotal.WithLabelValues(operation, kind).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func Handler(registry *prometheus.Registry) echo.HandlerFunc {
	h := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return func(c echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}

// NoopHandler answers 404 when metrics are disabled.
func NoopHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusNotFound)
	}
}
