package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/audiobook-pipeline/internal/core/domain"
)

// WorkerMetrics records document runs and segment stage outcomes. It is the
// orchestrator's PipelineObserver in the worker process.
type WorkerMetrics struct {
	registry *prometheus.Registry
	service  string

	runTotal      *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	runInFlight   prometheus.Gauge
	stageTotal    *prometheus.CounterVec
	stageAttempts *prometheus.HistogramVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	runTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "abp",
			Subsystem: "worker",
			Name:      "document_runs_total",
			Help:      "Total document runs by outcome.",
		},
		[]string{"service", "outcome"},
	)
	runDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "abp",
			Subsystem: "worker",
			Name:      "document_run_duration_seconds",
			Help:      "Document run duration in seconds by outcome.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		},
		[]string{"service", "outcome"},
	)
	runInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "abp",
			Subsystem: "worker",
			Name:      "document_runs_in_flight",
			Help:      "Number of document runs in progress.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	stageTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "abp",
			Subsystem: "worker",
			Name:      "segment_stage_total",
			Help:      "Segment stage executions by stage and final status.",
		},
		[]string{"service", "stage", "status"},
	)
	stageAttempts := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "abp",
			Subsystem: "worker",
			Name:      "segment_stage_attempts",
			Help:      "Executor attempts per segment stage; zero means an idempotency ledger hit.",
			Buckets:   []float64{0, 1, 2, 3, 4, 6, 8},
		},
		[]string{"service", "stage"},
	)

	registry.MustRegister(runTotal, runDuration, runInFlight, stageTotal, stageAttempts)

	return &WorkerMetrics{
		registry:      registry,
		service:       service,
		runTotal:      runTotal,
		runDuration:   runDuration,
		runInFlight:   runInFlight,
		stageTotal:    stageTotal,
		stageAttempts: stageAttempts,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) RunStarted() {
	m.runInFlight.Inc()
}

func (m *WorkerMetrics) RunFinished(outcome domain.RunOutcome, seconds float64) {
	m.runInFlight.Dec()
	m.runTotal.WithLabelValues(m.service, string(outcome)).Inc()
	if seconds >= 0 {
		m.runDuration.WithLabelValues(m.service, string(outcome)).Observe(seconds)
	}
}

func (m *WorkerMetrics) SegmentStageFinished(stage domain.Stage, status domain.StageStatus, attempts int) {
	m.stageTotal.WithLabelValues(m.service, string(stage), string(status)).Inc()
	if attempts >= 0 {
		m.stageAttempts.WithLabelValues(m.service, string(stage)).Observe(float64(attempts))
	}
}
