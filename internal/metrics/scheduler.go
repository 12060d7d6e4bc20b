// Package metrics exposes the expiration engine to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ephemeral"

// Deletion outcomes used as the "outcome" label.
const (
	OutcomeDeleted        = "deleted"
	OutcomeNotFound       = "not_found"
	OutcomeGatewayError   = "gateway_error"
	OutcomeAlreadyDeleted = "already_deleted"
	OutcomeStoreError     = "store_error"
)

// SchedulerMetrics holds the observability surface of the engine.
type SchedulerMetrics struct {
	// SweepLastDuration is how long the most recent sweep took.
	SweepLastDuration prometheus.Gauge

	// SweepLastBatchSize is how many overdue messages the most recent sweep picked up.
	SweepLastBatchSize prometheus.Gauge

	// SweepRuns counts sweeps by result (ok, error).
	SweepRuns *prometheus.CounterVec

	// PurgeLastCount is how many records the most recent purge removed.
	PurgeLastCount prometheus.Gauge

	// Deletions counts executor runs by outcome.
	Deletions *prometheus.CounterVec

	// Tracked counts messages accepted for tracking.
	Tracked prometheus.Counter

	reg prometheus.Registerer
}

// NewSchedulerMetrics creates and registers the engine metrics with the default registry.
func NewSchedulerMetrics() *SchedulerMetrics {
	return NewSchedulerMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewSchedulerMetricsWithRegistry registers the engine metrics with reg.
// Useful for testing to avoid conflicts with the default registry.
func NewSchedulerMetricsWithRegistry(reg prometheus.Registerer) *SchedulerMetrics {
	factory := promauto.With(reg)
	return &SchedulerMetrics{
		SweepLastDuration: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "last_duration_seconds",
			Help:      "Duration of the most recent reconciliation sweep.",
		}),
		SweepLastBatchSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "last_batch_size",
			Help:      "Number of overdue messages picked up by the most recent sweep.",
		}),
		SweepRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "Reconciliation sweeps by result.",
		}, []string{"result"}),
		PurgeLastCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "purge",
			Name:      "last_count",
			Help:      "Number of deleted records removed by the most recent purge.",
		}),
		Deletions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "deletions_total",
			Help:      "Deletion attempts by outcome.",
		}, []string{"outcome"}),
		Tracked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "tracked_messages_total",
			Help:      "Messages accepted for expiration tracking.",
		}),
		reg: reg,
	}
}

// RegisterPendingTimers exposes count as the outstanding timer gauge.
func (m *SchedulerMetrics) RegisterPendingTimers(count func() int) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "pending_timers",
		Help:      "Number of in-memory deletion timers currently armed.",
	}, func() float64 {
		return float64(count())
	})
}

// RecordSweep records the duration and batch size of a finished sweep.
func (m *SchedulerMetrics) RecordSweep(d time.Duration, batch int, err error) {
	m.SweepLastDuration.Set(d.Seconds())
	m.SweepLastBatchSize.Set(float64(batch))
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SweepRuns.WithLabelValues(result).Inc()
}

// RecordPurge records how many records a purge removed.
func (m *SchedulerMetrics) RecordPurge(count int64) {
	m.PurgeLastCount.Set(float64(count))
}

// RecordDeletion counts one executor run.
func (m *SchedulerMetrics) RecordDeletion(outcome string) {
	m.Deletions.WithLabelValues(outcome).Inc()
}

// RecordTracked counts one accepted message.
func (m *SchedulerMetrics) RecordTracked() {
	m.Tracked.Inc()
}
