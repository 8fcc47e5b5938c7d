// Package metrics exposes prometheus instrumentation for the registration engines.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mealreg/internal/sentinel"
)

// Metrics tracks engine outcomes and latencies.
type Metrics struct {
	Operations       *prometheus.CounterVec
	OperationLatency *prometheus.HistogramVec
	StaleAborts      prometheus.Counter
	RecordsArchived  prometheus.Counter
	AuditFailures    prometheus.Counter
}

// New registers all engine metrics on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mealreg_operations_total",
			Help: "Engine operations by name and outcome",
		}, []string{"operation", "outcome"}),
		OperationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mealreg_operation_duration_seconds",
			Help:    "Duration of engine operations including store round trips",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"operation"}),
		StaleAborts: f.NewCounter(prometheus.CounterOpts{
			Name: "mealreg_stale_data_aborts_total",
			Help: "Optimistic updates rejected because a record changed underneath",
		}),
		RecordsArchived: f.NewCounter(prometheus.CounterOpts{
			Name: "mealreg_records_archived_total",
			Help: "Registrations moved to the archive collection",
		}),
		AuditFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "mealreg_audit_append_failures_total",
			Help: "Audit entries that could not be written after a committed mutation",
		}),
	}
}

// Observe records the outcome and latency of one operation. Call with the
// start time and the error the operation returned. A nil receiver is a no-op.
func (m *Metrics) Observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	m.Operations.WithLabelValues(op, outcome(err)).Inc()
	if errors.Is(err, sentinel.ErrStaleData) {
		m.StaleAborts.Inc()
	}
}

// AddArchived counts archived records.
func (m *Metrics) AddArchived(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordsArchived.Add(float64(n))
}

// IncAuditFailure counts a lost audit entry.
func (m *Metrics) IncAuditFailure() {
	if m == nil {
		return
	}
	m.AuditFailures.Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, sentinel.ErrStaleData):
		return "stale"
	case errors.Is(err, sentinel.ErrValidation):
		return "invalid"
	case errors.Is(err, sentinel.ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
