package api

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the API
type Metrics struct {
	RequestCounter   *prometheus.CounterVec
	LatencyHistogram *prometheus.HistogramVec
	RateLimitHits    prometheus.Counter
	registry         *prometheus.Registry
}

// NewMetrics registers the HTTP metrics with registry, which is also the
// registry served by Handler.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		RequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fhirbundle_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		LatencyHistogram: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fhirbundle_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		RateLimitHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fhirbundle_http_rate_limit_hits_total",
				Help: "Total number of rate limited requests",
			},
		),
		registry: registry,
	}

	registry.MustRegister(m.RequestCounter, m.LatencyHistogram, m.RateLimitHits)
	return m
}

// IncrementRequest increments the request counter
func (m *Metrics) IncrementRequest(method, route string, status int) {
	m.RequestCounter.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// RecordLatency records request latency
func (m *Metrics) RecordLatency(method, route string, seconds float64) {
	m.LatencyHistogram.WithLabelValues(method, route).Observe(seconds)
}

// IncrementRateLimitHit increments rate limit hit counter
func (m *Metrics) IncrementRateLimitHit() {
	m.RateLimitHits.Inc()
}

// Handler returns the Prometheus metrics handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
