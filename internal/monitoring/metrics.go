// Package monitoring - metrics.go exports Prometheus metrics.
//
// DESIGN: One Metrics value owns every collector and registers them on a
// private registry, so tests can create isolated instances. Exposed on
// /metrics via Handler().
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects gateway operational metrics.
type Metrics struct {
	registry *prometheus.Registry

	Requests        *prometheus.CounterVec
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	ShortCircuits   prometheus.Counter
	UpstreamRetries prometheus.Counter
	Settlements     *prometheus.CounterVec
	RateLimitWait   prometheus.Histogram
	UpstreamLatency prometheus.Histogram
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpay_requests_total",
			Help: "Requests through the gateway by status class and payment kind.",
		}, []string{"status", "paid"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcpay_cache_hits_total",
			Help: "GET responses served from cache without an upstream call.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcpay_cache_misses_total",
			Help: "Cacheable requests that required an upstream call.",
		}),
		ShortCircuits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcpay_transport_short_circuits_total",
			Help: "JSON-RPC payloads answered 202 without an upstream call.",
		}),
		UpstreamRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcpay_upstream_retries_total",
			Help: "Retry attempts against upstreams.",
		}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpay_settlements_total",
			Help: "Payment settlement attempts by outcome.",
		}, []string{"outcome"}),
		RateLimitWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mcpay_rate_limit_wait_seconds",
			Help:    "Time spent waiting on the per-host dispatch limiter.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		UpstreamLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mcpay_upstream_latency_seconds",
			Help:    "Upstream round-trip latency including retries.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.Requests, m.CacheHits, m.CacheMisses, m.ShortCircuits,
		m.UpstreamRetries, m.Settlements, m.RateLimitWait, m.UpstreamLatency,
	)
	return m
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
