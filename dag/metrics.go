package dag

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors updated by the engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	TaskOutcomes *prometheus.CounterVec
	TaskAttempts *prometheus.CounterVec
	TaskRetries  *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec
	RunningTasks prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TaskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "task_outcomes_total",
			Help:      "Tasks that reached a terminal state, by final state.",
		}, []string{"graph", "task", "state"}),
		TaskAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "task_attempts_total",
			Help:      "Action invocations, including retries.",
		}, []string{"graph", "task"}),
		TaskRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "task_retries_total",
			Help:      "Failed attempts that were scheduled for retry.",
		}, []string{"graph", "task"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pipeline",
			Name:      "task_duration_seconds",
			Help:      "Wall time from first attempt to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"graph", "task"}),
		RunningTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pipeline",
			Name:      "running_tasks",
			Help:      "Tasks currently in the RUNNING state.",
		}),
	}
	reg.MustRegister(m.TaskOutcomes, m.TaskAttempts, m.TaskRetries, m.TaskDuration, m.RunningTasks)
	return m
}

func (m *Metrics) started() {
	if m != nil {
		m.RunningTasks.Inc()
	}
}

func (m *Metrics) attempt(graph, task string) {
	if m != nil {
		m.TaskAttempts.WithLabelValues(graph, task).Inc()
	}
}

func (m *Metrics) retry(graph, task string) {
	if m != nil {
		m.TaskRetries.WithLabelValues(graph, task).Inc()
	}
}

func (m *Metrics) finished(graph, task string, s State, ran bool, d time.Duration) {
	if m == nil {
		return
	}
	m.TaskOutcomes.WithLabelValues(graph, task, string(s)).Inc()
	if ran {
		m.RunningTasks.Dec()
		m.TaskDuration.WithLabelValues(graph, task).Observe(d.Seconds())
	}
}
