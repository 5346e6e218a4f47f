// Package metrics exposes Prometheus instrumentation for the saga
// lifecycle.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/ordersaga-go/saga"
)

// SagaMetrics implements saga.Observer on Prometheus collectors.
type SagaMetrics struct {
	started   prometheus.Counter
	finished  *prometheus.CounterVec
	steps     *prometheus.CounterVec
	active    prometheus.Gauge
	durations prometheus.Histogram
}

// NewSagaMetrics creates the collectors and registers them with reg.
func NewSagaMetrics(reg prometheus.Registerer) *SagaMetrics {
	m := &SagaMetrics{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ordersaga",
			Name:      "sagas_started_total",
			Help:      "Number of saga instances started.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ordersaga",
			Name:      "sagas_finished_total",
			Help:      "Number of saga instances reaching a terminal status.",
		}, []string{"status"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ordersaga",
			Name:      "step_outcomes_total",
			Help:      "Number of resolved step outcomes.",
		}, []string{"step", "outcome"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ordersaga",
			Name:      "active_instances",
			Help:      "Number of saga instances currently in flight.",
		}),
		durations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ordersaga",
			Name:      "saga_duration_seconds",
			Help:      "Wall time from start to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
	}

	reg.MustRegister(m.started, m.finished, m.steps, m.active, m.durations)
	return m
}

// SagaStarted implements saga.Observer.
func (m *SagaMetrics) SagaStarted() {
	m.started.Inc()
	m.active.Inc()
}

// SagaFinished implements saga.Observer.
func (m *SagaMetrics) SagaFinished(status saga.Status, duration time.Duration) {
	m.finished.WithLabelValues(string(status)).Inc()
	m.active.Dec()
	m.durations.Observe(duration.Seconds())
}

// StepResolved implements saga.Observer.
func (m *SagaMetrics) StepResolved(step saga.Step, outcome saga.Outcome) {
	m.steps.WithLabelValues(step.String(), outcome.String()).Inc()
}
