// Package metrics exposes Prometheus collectors for the evaluation pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "adalign"

// Metrics holds every collector. A nil *Metrics is valid and records nothing,
// which keeps packages usable from the CLI and tests without a registry.
type Metrics struct {
	registry *prometheus.Registry

	evaluations     *prometheus.CounterVec
	fallbacks       *prometheus.CounterVec
	placeholders    *prometheus.CounterVec
	captureDuration *prometheus.HistogramVec
	modelDuration   prometheus.Histogram
	modelTokens     *prometheus.CounterVec
	modelCost       prometheus.Counter
	quotaDecisions  *prometheus.CounterVec
	shareViews      prometheus.Counter
	breakerState    *prometheus.GaugeVec
	httpDuration    *prometheus.HistogramVec
}

// New creates collectors registered on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Completed evaluations by platform and analysis source.",
		}, []string{"platform", "source"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_fallbacks_total",
			Help:      "Analyses served from the deterministic fallback, by reason.",
		}, []string{"reason"}),
		placeholders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_placeholders_total",
			Help:      "Captures replaced by a placeholder image, by reason.",
		}, []string{"reason"}),
		captureDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capture_duration_seconds",
			Help:      "Screenshot provider call latency.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}, []string{"provider", "outcome"}),
		modelDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Vision model call latency for successful calls.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 90},
		}),
		modelTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_tokens_total",
			Help:      "Vision model tokens consumed, by direction.",
		}, []string{"direction"}),
		modelCost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_cost_usd_total",
			Help:      "Estimated vision model spend in USD.",
		}),
		quotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_decisions_total",
			Help:      "Quota checks and commits by axis and result.",
		}, []string{"axis", "result"}),
		shareViews: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "share_views_total",
			Help:      "Successful shared report retrievals.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per provider (0 closed, 1 open, 2 half-open).",
		}, []string{"provider"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status_code"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.evaluations,
		m.fallbacks,
		m.placeholders,
		m.captureDuration,
		m.modelDuration,
		m.modelTokens,
		m.modelCost,
		m.quotaDecisions,
		m.shareViews,
		m.breakerState,
		m.httpDuration,
	)
	return m
}

// Registry returns the underlying registry, or nil for a nil *Metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Evaluation counts a completed evaluation.
func (m *Metrics) Evaluation(platform, source string) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(platform, source).Inc()
}

// Fallback counts a fallback analysis.
func (m *Metrics) Fallback(reason string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(reason).Inc()
}

// Placeholder counts a placeholder capture.
func (m *Metrics) Placeholder(reason string) {
	if m == nil {
		return
	}
	m.placeholders.WithLabelValues(reason).Inc()
}

// CaptureDuration records one provider call.
func (m *Metrics) CaptureDuration(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.captureDuration.WithLabelValues(provider, outcome).Observe(d.Seconds())
}

// ModelCall records a successful model call's latency, tokens and cost.
func (m *Metrics) ModelCall(d time.Duration, inputTokens, outputTokens int64, costUSD float64) {
	if m == nil {
		return
	}
	m.modelDuration.Observe(d.Seconds())
	m.modelTokens.WithLabelValues("input").Add(float64(inputTokens))
	m.modelTokens.WithLabelValues("output").Add(float64(outputTokens))
	m.modelCost.Add(costUSD)
}

// QuotaDecision counts a quota outcome on an axis ("identity" or "ip").
func (m *Metrics) QuotaDecision(axis, result string) {
	if m == nil {
		return
	}
	m.quotaDecisions.WithLabelValues(axis, result).Inc()
}

// ShareView counts a successful share retrieval.
func (m *Metrics) ShareView() {
	if m == nil {
		return
	}
	m.shareViews.Inc()
}

// BreakerState records a breaker transition.
func (m *Metrics) BreakerState(provider string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(provider).Set(float64(state))
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(method, route, statusCode string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route, statusCode).Observe(d.Seconds())
}
