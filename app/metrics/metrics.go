package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "threat_comb"

// Metrics owns a private registry so tests and embedded instances never
// collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal           *prometheus.CounterVec
	runDuration         *prometheus.HistogramVec
	resolutionsTotal    *prometheus.CounterVec
	parseErrorsTotal    *prometheus.CounterVec
	reliabilityScore    *prometheus.GaugeVec
	consecutiveFailures *prometheus.GaugeVec
	generatedFeeds      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "source_runs_total",
		Help:      "Source aggregation runs by outcome",
	}, []string{"source", "status"})
	m.runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "source_run_duration_seconds",
		Help:      "Wall time of one fetch-parse-resolve cycle",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"source"})
	m.resolutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dedup_resolutions_total",
		Help:      "Deduplicator outcomes by action",
	}, []string{"action"})
	m.parseErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "parse_record_errors_total",
		Help:      "Records rejected during normalisation",
	}, []string{"source"})
	m.reliabilityScore = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "source_reliability_score",
		Help:      "Current reliability score of a source (0-100)",
	}, []string{"source"})
	m.consecutiveFailures = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "source_consecutive_failures",
		Help:      "Failed runs since the last success",
	}, []string{"source"})
	m.generatedFeeds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "custom_feed_generations_total",
		Help:      "Custom feed renders by output format",
	}, []string{"format"})

	m.registry.MustRegister(
		m.runsTotal, m.runDuration, m.resolutionsTotal, m.parseErrorsTotal,
		m.reliabilityScore, m.consecutiveFailures, m.generatedFeeds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveRun(sourceID, status string, took time.Duration) {
	m.runsTotal.WithLabelValues(sourceID, status).Inc()
	m.runDuration.WithLabelValues(sourceID).Observe(took.Seconds())
}

func (m *Metrics) ObserveResolution(action string) {
	m.resolutionsTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) ObserveParseErrors(sourceID string, n int) {
	if n > 0 {
		m.parseErrorsTotal.WithLabelValues(sourceID).Add(float64(n))
	}
}

func (m *Metrics) SetReliability(sourceID string, score float64) {
	m.reliabilityScore.WithLabelValues(sourceID).Set(score)
}

func (m *Metrics) SetConsecutiveFailures(sourceID string, n int) {
	m.consecutiveFailures.WithLabelValues(sourceID).Set(float64(n))
}

func (m *Metrics) ObserveGeneration(format string) {
	m.generatedFeeds.WithLabelValues(format).Inc()
}

// ForgetSource drops the per-source series of a deleted source.
func (m *Metrics) ForgetSource(sourceID string) {
	m.reliabilityScore.DeleteLabelValues(sourceID)
	m.consecutiveFailures.DeleteLabelValues(sourceID)
	m.runDuration.DeleteLabelValues(sourceID)
	m.parseErrorsTotal.DeleteLabelValues(sourceID)
	m.runsTotal.DeletePartialMatch(prometheus.Labels{"source": sourceID})
}

// RegisterCounterFunc exposes a counter owned elsewhere, such as the event
// bus drop count.
func (m *Metrics) RegisterCounterFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// RegisterGaugeFunc exposes a value sampled at scrape time.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}
