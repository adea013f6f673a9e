// Package metrics manages Prometheus instrumentation for the ingestion
// pipeline.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics holds the pipeline's Prometheus collectors.
type PipelineMetrics struct {
	cycleDuration  prometheus.Histogram
	fetchDuration  *prometheus.HistogramVec
	fetchResults   *prometheus.CounterVec
	extractions    *prometheus.CounterVec
	llmDuration    prometheus.Histogram
	geocodeResults *prometheus.CounterVec
	dedupDecisions *prometheus.CounterVec
	audioWindows   *prometheus.CounterVec
	queueDepth     prometheus.Gauge
}

var (
	instance *PipelineMetrics
	once     sync.Once
)

// Get returns the process-wide pipeline metrics, registering them on first
// use.
func Get() *PipelineMetrics {
	once.Do(func() {
		instance = newPipelineMetrics()
		instance.register(prometheus.DefaultRegisterer)
	})
	return instance
}

func newPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ranger",
			Subsystem: "ingest",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of full ingestion cycles.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ranger",
			Subsystem: "ingest",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of source fetches per source type.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		}, []string{"source_type"}),
		fetchResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ranger",
			Subsystem: "ingest",
			Name:      "fetch_results_total",
			Help:      "Source fetch outcomes by source type and result.",
		}, []string{"source_type", "result"}),
		extractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ranger",
			Subsystem: "extract",
			Name:      "results_total",
			Help:      "Extraction outcomes: extracted, empty, malformed.",
		}, []string{"result"}),
		llmDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ranger",
			Subsystem: "extract",
			Name:      "llm_duration_seconds",
			Help:      "Latency of LLM extraction calls.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30},
		}),
		geocodeResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ranger",
			Subsystem: "geocode",
			Name:      "results_total",
			Help:      "Geocode results by resolution tier.",
		}, []string{"resolution"}),
		dedupDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ranger",
			Subsystem: "dedup",
			Name:      "decisions_total",
			Help:      "Dedup decisions: matched, new_incident, duplicate.",
		}, []string{"decision"}),
		audioWindows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ranger",
			Subsystem: "audio",
			Name:      "windows_total",
			Help:      "Audio windows by disposition: silent, filtered, triggered.",
		}, []string{"disposition"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ranger",
			Subsystem: "review",
			Name:      "queue_depth",
			Help:      "Incidents currently awaiting human review.",
		}),
	}
}

func (m *PipelineMetrics) register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.cycleDuration,
		m.fetchDuration,
		m.fetchResults,
		m.extractions,
		m.llmDuration,
		m.geocodeResults,
		m.dedupDecisions,
		m.audioWindows,
		m.queueDepth,
	)
}

// ObserveCycle records the duration of a full ingestion cycle.
func (m *PipelineMetrics) ObserveCycle(d time.Duration) {
	m.cycleDuration.Observe(d.Seconds())
}

// ObserveFetch records a fetch attempt.
func (m *PipelineMetrics) ObserveFetch(sourceType string, d time.Duration, err error) {
	m.fetchDuration.WithLabelValues(sourceType).Observe(d.Seconds())
	result := "success"
	if err != nil {
		result = "error"
	}
	m.fetchResults.WithLabelValues(sourceType, result).Inc()
}

// CountExtraction records an extraction outcome.
func (m *PipelineMetrics) CountExtraction(result string) {
	m.extractions.WithLabelValues(result).Inc()
}

// ObserveLLM records LLM call latency.
func (m *PipelineMetrics) ObserveLLM(d time.Duration) {
	m.llmDuration.Observe(d.Seconds())
}

// CountGeocode records which tier resolved a location.
func (m *PipelineMetrics) CountGeocode(resolution string) {
	m.geocodeResults.WithLabelValues(resolution).Inc()
}

// CountDedup records a dedup decision.
func (m *PipelineMetrics) CountDedup(decision string) {
	m.dedupDecisions.WithLabelValues(decision).Inc()
}

// CountAudioWindow records the disposition of one audio window.
func (m *PipelineMetrics) CountAudioWindow(disposition string) {
	m.audioWindows.WithLabelValues(disposition).Inc()
}

// SetQueueDepth records the current review queue depth.
func (m *PipelineMetrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}
