package resilience

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus metrics for the outbound client layer.
// A nil *Metrics disables collection everywhere it is accepted.
// It is safe for concurrent use.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	retriesTotal prometheus.Counter

	rateLimitAllowed *prometheus.CounterVec
	rateLimitDenied  *prometheus.CounterVec

	cacheHits   *prometheus.CounterVec
	cacheMisses prometheus.Counter
	cacheSize   prometheus.Gauge

	costTotal prometheus.Counter
}

// NewMetrics creates a collector on the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a collector using the supplied registerer.
func NewMetricsWithRegistry(registry prometheus.Registerer) *Metrics {
	return &Metrics{
		requestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "heyberkshire_outbound_requests_total",
				Help: "Total number of outbound HTTP requests made",
			},
			[]string{"method", "status_code"},
		),
		requestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "heyberkshire_outbound_request_duration_seconds",
				Help:    "Duration of outbound HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		retriesTotal: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "heyberkshire_outbound_retries_total",
				Help: "Total number of outbound retry attempts",
			},
		),
		rateLimitAllowed: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "heyberkshire_rate_limit_allowed_total",
				Help: "Admissions allowed by the local rate limiter",
			},
			[]string{"context"},
		),
		rateLimitDenied: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "heyberkshire_rate_limit_denied_total",
				Help: "Admissions denied by the local rate limiter",
			},
			[]string{"context"},
		),
		cacheHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "heyberkshire_response_cache_hits_total",
				Help: "Response cache hits by tier",
			},
			[]string{"tier"},
		),
		cacheMisses: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "heyberkshire_response_cache_misses_total",
				Help: "Response cache misses across both tiers",
			},
		),
		cacheSize: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "heyberkshire_response_cache_entries",
				Help: "Current number of entries in the in-memory cache tier",
			},
		),
		costTotal: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "heyberkshire_llm_cost_usd_total",
				Help: "Accumulated LLM spend in USD",
			},
		),
	}
}

// RecordRequest records one outbound request outcome.
func (m *Metrics) RecordRequest(method string, statusCode int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordRetry records one retry attempt.
func (m *Metrics) RecordRetry() {
	m.retriesTotal.Inc()
}

// RecordRateLimitAllowed records an allowed admission for a context.
func (m *Metrics) RecordRateLimitAllowed(context string) {
	m.rateLimitAllowed.WithLabelValues(context).Inc()
}

// RecordRateLimitDenied records a denied admission for a context.
func (m *Metrics) RecordRateLimitDenied(context string) {
	m.rateLimitDenied.WithLabelValues(context).Inc()
}

// RecordCacheHit records a hit on the given tier ("memory" or "backend").
func (m *Metrics) RecordCacheHit(tier string) {
	m.cacheHits.WithLabelValues(tier).Inc()
}

// RecordCacheMiss records a miss across both tiers.
func (m *Metrics) RecordCacheMiss() {
	m.cacheMisses.Inc()
}

// RecordCacheSize records the in-memory tier entry count.
func (m *Metrics) RecordCacheSize(n int) {
	m.cacheSize.Set(float64(n))
}

// RecordCost adds to the accumulated spend counter.
func (m *Metrics) RecordCost(usd float64) {
	if usd > 0 {
		m.costTotal.Add(usd)
	}
}
