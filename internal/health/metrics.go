package health

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process-wide Prometheus collectors.
type Metrics struct {
	AttemptsTotal  *prometheus.CounterVec
	AttemptSeconds *prometheus.HistogramVec

	TickDuration  prometheus.Histogram
	DueSchedules  prometheus.Gauge
	LockContended *prometheus.CounterVec
	Transitions   *prometheus.CounterVec
	Reaped        *prometheus.CounterVec
	Alerts        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matchflow",
			Name:      "task_attempts_total",
			Help:      "Task invocation attempts by outcome.",
		}, []string{"task", "status"}),
		AttemptSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "matchflow",
			Name:      "task_duration_seconds",
			Help:      "Task invocation duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"task"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "matchflow",
			Name:      "tick_duration_seconds",
			Help:      "Trigger loop tick duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		DueSchedules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "matchflow",
			Name:      "due_schedules",
			Help:      "Schedules found due on the last tick.",
		}),
		LockContended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matchflow",
			Name:      "lock_contended_total",
			Help:      "Cycles skipped because another instance held the lock.",
		}, []string{"task"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matchflow",
			Name:      "state_transitions_total",
			Help:      "Schedule state transitions by target state.",
		}, []string{"state"}),
		Reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matchflow",
			Name:      "reaped_total",
			Help:      "Schedules forced back to idle by the reaper, by stale state.",
		}, []string{"from"}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "matchflow",
			Name:      "alerts_total",
			Help:      "Alerts raised by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.AttemptsTotal,
		m.AttemptSeconds,
		m.TickDuration,
		m.DueSchedules,
		m.LockContended,
		m.Transitions,
		m.Reaped,
		m.Alerts,
	)
	return m
}
