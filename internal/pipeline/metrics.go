package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts pipeline activity. Register exposes the collectors on a
// shared registry.
type Metrics struct {
	runsTotal    *prometheus.CounterVec
	stepFailures *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	inFlight     prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loantocard_pipeline_runs_total",
			Help: "Pipeline runs by mode and outcome",
		}, []string{"mode", "outcome"}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loantocard_pipeline_step_failures_total",
			Help: "Pipeline failures by step",
		}, []string{"step"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loantocard_pipeline_run_duration_seconds",
			Help:    "Wall-clock duration of pipeline runs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"mode"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loantocard_pipeline_in_flight",
			Help: "Pipeline runs currently executing",
		}),
	}
}

func (m *Metrics) Register(r *prometheus.Registry) {
	r.MustRegister(m.runsTotal, m.stepFailures, m.runDuration, m.inFlight)
}

func (m *Metrics) runStarted() {
	m.inFlight.Inc()
}

func (m *Metrics) runFinished(mode Mode, outcome string, elapsed time.Duration) {
	m.inFlight.Dec()
	m.runsTotal.WithLabelValues(string(mode), outcome).Inc()
	m.runDuration.WithLabelValues(string(mode)).Observe(elapsed.Seconds())
}

func (m *Metrics) stepFailed(step Step) {
	m.stepFailures.WithLabelValues(string(step)).Inc()
}
