package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes Prometheus metrics for pipeline execution.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsCompleted *prometheus.CounterVec
	runDuration   prometheus.Histogram
	activeRuns    prometheus.Gauge

	// Step metrics
	stepsCompleted *prometheus.CounterVec
	stepDuration   prometheus.Histogram
	stepRetries    prometheus.Counter
	runningSteps   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector with its own registry.
// A disabled config yields a collector whose methods are no-ops.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Aggregator runs finished, by terminal status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of aggregator runs",
				Buckets:   buckets,
			},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Aggregator runs currently executing",
			},
		),

		stepsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_completed_total",
				Help:      "Execution steps finished, by outcome",
			},
			[]string{"status"},
		),
		stepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Wall-clock duration of execution steps",
				Buckets:   buckets,
			},
		),
		stepRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_retries_total",
				Help:      "Step execution attempts beyond the first",
			},
		),
		runningSteps: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "running_steps",
				Help:      "Execution steps currently in flight",
			},
		),
	}

	registry.MustRegister(
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.stepsCompleted,
		m.stepDuration,
		m.stepRetries,
		m.runningSteps,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Enabled reports whether metrics are being collected.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunStarted records the start of an aggregator run.
func (m *Metrics) RunStarted() {
	if m.registry == nil {
		return
	}
	m.activeRuns.Inc()
}

// RunCompleted records a finished run with its terminal status.
func (m *Metrics) RunCompleted(status string, seconds float64) {
	if m.registry == nil {
		return
	}
	m.activeRuns.Dec()
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.Observe(seconds)
}

// StepStarted records the start of a step execution.
func (m *Metrics) StepStarted() {
	if m.registry == nil {
		return
	}
	m.runningSteps.Inc()
}

// StepCompleted records a finished step with its outcome.
func (m *Metrics) StepCompleted(status string, seconds float64) {
	if m.registry == nil {
		return
	}
	m.runningSteps.Dec()
	m.stepsCompleted.WithLabelValues(status).Inc()
	m.stepDuration.Observe(seconds)
}

// StepSkipped records a step that finished without ever starting.
func (m *Metrics) StepSkipped() {
	if m.registry == nil {
		return
	}
	m.stepsCompleted.WithLabelValues("skipped").Inc()
}

// StepRetried records a retry attempt.
func (m *Metrics) StepRetried() {
	if m.registry == nil {
		return
	}
	m.stepRetries.Inc()
}
