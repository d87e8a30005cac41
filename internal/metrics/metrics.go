// Package metrics records AI, parsing and HTTP counters in a Prometheus
// registry and summarises them for the health check.
//
// All methods are safe on a nil *Metrics and do nothing, so components
// built without metrics need no special casing.
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mispesos"

// LowConfidence is the confidence below which a parse counts as low quality.
const LowConfidence = 0.6

// AI request outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeTimeout   = "timeout"
	OutcomeError     = "error"
	OutcomeMalformed = "malformed"
)

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	aiRequests   *prometheus.CounterVec
	aiDuration   prometheus.Histogram
	aiCache      *prometheus.CounterVec
	aiActive     prometheus.Gauge
	aiConfidence prometheus.Histogram

	parses        *prometheus.CounterVec
	parseFailures *prometheus.CounterVec
	fallbacks     prometheus.Counter
	lowConfidence prometheus.Counter

	corrections *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	start time.Time
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		start:    time.Now(),
		aiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ai_requests_total",
			Help: "Model calls by outcome.",
		}, []string{"outcome"}),
		aiDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "ai_request_duration_seconds",
			Help:    "Model call latency, cache hits excluded.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
		}),
		aiCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ai_cache_lookups_total",
			Help: "Response cache lookups by result.",
		}, []string{"result"}),
		aiActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ai_active_requests",
			Help: "Model calls in flight.",
		}),
		aiConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "ai_confidence",
			Help:    "Confidence of normalised model answers.",
			Buckets: []float64{0.3, 0.5, 0.6, 0.7, 0.75, 0.8, 0.9, 1},
		}),
		parses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "parses_total",
			Help: "Drafts produced by source.",
		}, []string{"source"}),
		parseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "parse_failures_total",
			Help: "Messages that needed clarification, by reason.",
		}, []string{"reason"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ai_fallback_total",
			Help: "Drafts built by the regex fallback although a model was configured.",
		}),
		lowConfidence: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "low_confidence_drafts_total",
			Help: "Drafts with confidence below 0.6.",
		}),
		corrections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "corrections_total",
			Help: "Correction jobs by final status.",
		}, []string{"status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	m.registry.MustRegister(
		m.aiRequests, m.aiDuration, m.aiCache, m.aiActive, m.aiConfidence,
		m.parses, m.parseFailures, m.fallbacks, m.lowConfidence,
		m.corrections, m.httpRequests, m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// AIStarted marks a model call in flight; the returned func ends it.
func (m *Metrics) AIStarted() func() {
	if m == nil {
		return func() {}
	}
	m.aiActive.Inc()
	return m.aiActive.Dec
}

// ObserveAI records one model call.
func (m *Metrics) ObserveAI(outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.aiRequests.WithLabelValues(outcome).Inc()
	m.aiDuration.Observe(latency.Seconds())
}

// ObserveAIConfidence records the confidence of a normalised answer.
func (m *Metrics) ObserveAIConfidence(c float64) {
	if m == nil {
		return
	}
	m.aiConfidence.Observe(c)
}

// ObserveCache records a response cache lookup.
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.aiCache.WithLabelValues(result).Inc()
}

// ObserveParse records a produced draft. fallback is set when a model was
// configured but the regex extractor built the draft.
func (m *Metrics) ObserveParse(source string, confidence float64, fallback bool) {
	if m == nil {
		return
	}
	m.parses.WithLabelValues(source).Inc()
	if fallback {
		m.fallbacks.Inc()
	}
	if confidence < LowConfidence {
		m.lowConfidence.Inc()
	}
}

// ObserveParseFailure records a message that needed clarification.
func (m *Metrics) ObserveParseFailure(reason string) {
	if m == nil {
		return
	}
	m.parseFailures.WithLabelValues(reason).Inc()
}

// ObserveCorrection records a settled correction job.
func (m *Metrics) ObserveCorrection(status string) {
	if m == nil {
		return
	}
	m.corrections.WithLabelValues(status).Inc()
}

// ObserveHTTP records a served request.
func (m *Metrics) ObserveHTTP(method, path string, status int, latency time.Duration) {
	if m == nil {
		return
	}
	route := Route(path)
	m.httpRequests.WithLabelValues(method, route, fmt.Sprint(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(latency.Seconds())
}

// Route collapses a path to at most its first two segments so ids do not
// become label values: /api/drafts/abc/confirm -> /api/drafts.
func Route(path string) string {
	parts := strings.SplitN(strings.Trim(path, "/"), "/", 3)
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return "/" + strings.Join(parts, "/")
}
