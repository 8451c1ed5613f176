package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"dbtimetravel/internal/domain"
)

// Metrics are the engine's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	dueChecks  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbscheduler",
			Name:      "executions_total",
			Help:      "Task executions by task name and outcome.",
		}, []string{"task", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dbscheduler",
			Name:      "execution_duration_seconds",
			Help:      "Wall time spent in task handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),
		dueChecks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbscheduler",
			Name:      "due_checks_total",
			Help:      "Due checks run by the poll loop or triggered explicitly.",
		}),
	}
	reg.MustRegister(m.executions, m.duration, m.dueChecks)
	return m
}

func (m *Metrics) observe(task string, outcome domain.Outcome, took time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(task, string(outcome)).Inc()
	m.duration.WithLabelValues(task).Observe(took.Seconds())
}

func (m *Metrics) dueCheck() {
	if m == nil {
		return
	}
	m.dueChecks.Inc()
}
