package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects gateway metrics. Each Service owns its registry, so
// multiple instances can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	authRejections     *prometheus.CounterVec
	rateLimitDecisions *prometheus.CounterVec
	storeFailures      *prometheus.CounterVec
}

// NewMetrics creates and registers the gateway metric set
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of requests handled by the gateway",
			},
			[]string{"method", "path", "status_code"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Duration of gateway requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		authRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_auth_rejections_total",
				Help: "Total number of rejected credentials by reason",
			},
			[]string{"reason"},
		),

		rateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_decisions_total",
				Help: "Total number of rate limit decisions by route and outcome",
			},
			[]string{"route", "outcome"},
		),

		storeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_bucket_store_failures_total",
				Help: "Total number of bucket store failures by route",
			},
			[]string{"route"},
		),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.authRejections,
		m.rateLimitDecisions,
		m.storeFailures,
	)

	return m
}

// RecordRequest records metrics for a handled request
func (m *Metrics) RecordRequest(method, path string, statusCode int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	m.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordAuthRejection records a rejected credential
func (m *Metrics) RecordAuthRejection(reason string) {
	m.authRejections.WithLabelValues(reason).Inc()
}

// RecordRateLimitDecision records an admission decision
func (m *Metrics) RecordRateLimitDecision(route string, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.rateLimitDecisions.WithLabelValues(route, outcome).Inc()
}

// RecordStoreFailure records a bucket store failure
func (m *Metrics) RecordStoreFailure(route string) {
	m.storeFailures.WithLabelValues(route).Inc()
}

// Handler returns the metrics exposition handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
