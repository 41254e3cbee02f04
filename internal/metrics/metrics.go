// Package metrics provides Prometheus metrics for the relay and its outbound
// pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	OutboundRequests  *prometheus.CounterVec
	OutboundDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	CacheLookups       *prometheus.CounterVec
	RateLimitDecisions *prometheus.CounterVec
	RetryAttempts      prometheus.Counter
	RetriesExhausted   prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbound_relay_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outbound_relay_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbound_relay_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		OutboundRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbound_relay_pipeline_requests_total",
			Help: "Total calls through the outbound pipeline by method and outcome.",
		}, []string{"method", "outcome"}),

		OutboundDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outbound_relay_pipeline_duration_seconds",
			Help:    "Outbound pipeline latency in seconds, retries and waits included.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbound_relay_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbound_relay_cache_lookups_total",
			Help: "Response cache lookups by result (hit, miss, expired).",
		}, []string{"result"}),

		RateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbound_relay_rate_limit_decisions_total",
			Help: "Token bucket decisions by result (allowed, waited, rejected).",
		}, []string{"decision"}),

		RetryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbound_relay_retry_attempts_total",
			Help: "Total retry attempts after a transient failure.",
		}),

		RetriesExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbound_relay_retries_exhausted_total",
			Help: "Total calls that failed after using every retry attempt.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.OutboundRequests,
		m.OutboundDuration,
		m.UpstreamResponses,
		m.CacheLookups,
		m.RateLimitDecisions,
		m.RetryAttempts,
		m.RetriesExhausted,
	)

	return m
}

// Handler returns the scrape endpoint for the custom registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{
		Registry:          m.Registry,
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// ObserveInbound records one served relay request. Safe on a nil receiver.
func (m *Metrics) ObserveInbound(method, path string, statusCode int, elapsed time.Duration) {
	if m == nil {
		return
	}
	labels := []string{NormalizeMethod(method), strconv.Itoa(statusCode), NormalizePath(path)}
	m.RequestsTotal.WithLabelValues(labels...).Inc()
	m.RequestDuration.WithLabelValues(labels...).Observe(elapsed.Seconds())
}

// ObserveCache records a cache lookup result. Safe on a nil receiver.
func (m *Metrics) ObserveCache(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// ObserveRateLimit records a token bucket decision. Safe on a nil receiver.
func (m *Metrics) ObserveRateLimit(decision string) {
	if m == nil {
		return
	}
	m.RateLimitDecisions.WithLabelValues(decision).Inc()
}

// ObserveRetry records one retry attempt. Safe on a nil receiver.
func (m *Metrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.RetryAttempts.Inc()
}

// ObserveRetriesExhausted records a call that ran out of retries. Safe on a nil receiver.
func (m *Metrics) ObserveRetriesExhausted() {
	if m == nil {
		return
	}
	m.RetriesExhausted.Inc()
}

// ObserveUpstream records an upstream response status. Safe on a nil receiver.
func (m *Metrics) ObserveUpstream(method string, statusCode int) {
	if m == nil {
		return
	}
	m.UpstreamResponses.WithLabelValues(NormalizeMethod(method), strconv.Itoa(statusCode)).Inc()
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/api", "/healthz", "/relay/status", "/relay/cache", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
