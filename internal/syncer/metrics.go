package syncer

import (
	"github.com/prometheus/client_golang/prometheus"

	"attendsync/internal/attendance"
)

// Record outcomes reported by the push cycle.
const (
	outcomeSynced       = "synced"
	outcomeDeduplicated = "deduplicated"
	outcomeRetry        = "retry"
	outcomeExhausted    = "exhausted"
	outcomeRejected     = "rejected"
	outcomeInvalid      = "invalid_response"
	outcomeMissing      = "missing_local_row"
)

func succeeded(outcome string) bool {
	return outcome == outcomeSynced || outcome == outcomeDeduplicated
}

// Metrics exposes cycle and record counters for Prometheus.
type Metrics struct {
	Cycles   *prometheus.CounterVec
	Records  *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	Events   *prometheus.GaugeVec
	Students prometheus.Gauge
	Purged   prometheus.Counter
}

// NewMetrics builds the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendsync",
			Name:      "sync_cycles_total",
			Help:      "Synchronization cycles by cadence and outcome.",
		}, []string{"cycle", "status"}),
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendsync",
			Name:      "sync_records_total",
			Help:      "Pending events handled by push cycles, by outcome.",
		}, []string{"outcome"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "attendsync",
			Name:      "sync_cycle_duration_seconds",
			Help:      "Wall time of synchronization cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"cycle"}),
		Events: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "attendsync",
			Name:      "local_events",
			Help:      "Events in the local queue by sync status.",
		}, []string{"status"}),
		Students: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "attendsync",
			Name:      "local_students",
			Help:      "Active students replicated by the last successful pull.",
		}),
		Purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "attendsync",
			Name:      "purged_events_total",
			Help:      "Synced events removed by retention cleanup.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Cycles, m.Records, m.Duration, m.Events, m.Students, m.Purged)
	}
	return m
}

func (m *Metrics) observeCycle(l attendance.CycleLog) {
	m.Cycles.WithLabelValues(string(l.Kind), string(l.Status)).Inc()
	if l.End != nil {
		m.Duration.WithLabelValues(string(l.Kind)).Observe(l.End.Sub(l.Start).Seconds())
	}
}

func (m *Metrics) skipped(kind attendance.CycleKind) {
	m.Cycles.WithLabelValues(string(kind), "skipped").Inc()
}

func (m *Metrics) setEvents(counts map[attendance.SyncStatus]int) {
	for status, n := range counts {
		m.Events.WithLabelValues(string(status)).Set(float64(n))
	}
}
