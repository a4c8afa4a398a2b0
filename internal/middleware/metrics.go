package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metricsNamespace prefixes every collector exported by the API's middleware.
const metricsNamespace = "gojo"

// Idempotency outcomes recorded by the Idempotency middleware.
const (
	IdempotencyStored      = "stored"      // 2xx response saved under the key
	IdempotencyKept        = "kept"        // processor-recorded failure saved under the key
	IdempotencyReleased    = "released"    // key freed so the client can retry with it
	IdempotencyReplayed    = "replayed"    // stored response served again
	IdempotencyRejected    = "rejected"    // key in flight or reused with another body
	IdempotencyUnprotected = "unprotected" // store unavailable, handler ran without a key
)

// Metrics holds the Prometheus collectors for request handling: one series
// per normalized route, plus rate limiter and idempotency outcomes on the
// payment routes. A nil *Metrics is valid and records nothing.
type Metrics struct {
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	httpRequestSize  *prometheus.HistogramVec
	httpResponseSize *prometheus.HistogramVec

	rateLimitChecks      *prometheus.CounterVec
	rateLimitBlocked     *prometheus.CounterVec
	rateLimitStoreErrors prometheus.Counter

	idempotencyOutcomes *prometheus.CounterVec

	collectors []prometheus.Collector
}

// NewMetrics creates the collectors. Call Register to expose them.
func NewMetrics() *Metrics {
	httpLabels := []string{"method", "route", "status"}
	limiterLabels := []string{"limiter", "key_type"}
	// Payment bodies are small JSON documents; 64 B to 64 KiB covers them.
	sizeBuckets := prometheus.ExponentialBuckets(64, 4, 6)

	m := &Metrics{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Requests served, by method, normalized route and status.",
		}, httpLabels),
		// Processor calls dominate latency, so buckets reach the call timeout.
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Request latency, including payment processor round trips.",
			Buckets:   []float64{0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, httpLabels),
		httpRequestSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_size_bytes",
			Help:      "Declared request body size.",
			Buckets:   sizeBuckets,
		}, httpLabels),
		httpResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "Response body size.",
			Buckets:   sizeBuckets,
		}, httpLabels),
		rateLimitChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rate_limit",
			Name:      "checks_total",
			Help:      "Requests checked against a limiter.",
		}, limiterLabels),
		rateLimitBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rate_limit",
			Name:      "blocked_total",
			Help:      "Requests answered with 429.",
		}, limiterLabels),
		rateLimitStoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rate_limit",
			Name:      "store_errors_total",
			Help:      "Shared limiter store failures; each one let a request through.",
		}),
		idempotencyOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "idempotency",
			Name:      "requests_total",
			Help:      "Keyed payment requests by how the Idempotency-Key was resolved.",
		}, []string{"route", "outcome"}),
	}

	m.collectors = []prometheus.Collector{
		m.httpRequests,
		m.httpDuration,
		m.httpRequestSize,
		m.httpResponseSize,
		m.rateLimitChecks,
		m.rateLimitBlocked,
		m.rateLimitStoreErrors,
		m.idempotencyOutcomes,
	}
	return m
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns every collector, for tests and custom registries.
func (m *Metrics) Collectors() []prometheus.Collector {
	return m.collectors
}

func (m *Metrics) observeRequest(method, route, status string, seconds float64, requestSize, responseSize int64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route, status).Observe(seconds)
	m.httpRequestSize.WithLabelValues(method, route, status).Observe(float64(requestSize))
	m.httpResponseSize.WithLabelValues(method, route, status).Observe(float64(responseSize))
}

func (m *Metrics) rateLimitChecked(limiter, keyType string, blocked bool) {
	if m == nil {
		return
	}
	m.rateLimitChecks.WithLabelValues(limiter, keyType).Inc()
	if blocked {
		m.rateLimitBlocked.WithLabelValues(limiter, keyType).Inc()
	}
}

func (m *Metrics) rateLimitStoreFailed() {
	if m == nil {
		return
	}
	m.rateLimitStoreErrors.Inc()
}

func (m *Metrics) idempotencyOutcome(route, outcome string) {
	if m == nil {
		return
	}
	m.idempotencyOutcomes.WithLabelValues(route, outcome).Inc()
}
