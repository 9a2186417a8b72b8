// Package metrics exposes Prometheus counters and histograms for the
// forwarder, replacing the prior hand-rolled snapshot (atomic counters
// + a bounded latency slice) with real counters/histograms served on
// /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the proxy's Prometheus instruments.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	forwardDuration *prometheus.HistogramVec
	streamTTFT      prometheus.Histogram
	ruleMatches     *prometheus.CounterVec
}

// New registers and returns the proxy's metric instruments against the
// default Prometheus registry.
func New() *Metrics {
	return &Metrics{
		requestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_requests_total",
			Help: "Total forwarded requests, labeled by route source and AI provider.",
		}, []string{"route_source", "provider", "status_class"}),

		forwardDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "proxy_forward_duration_seconds",
			Help:    "Forwarder round-trip latency, labeled by whether the response was a provider prompt-cache hit.",
			Buckets: prometheus.DefBuckets,
		}, []string{"cache_hit"}),

		streamTTFT: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "proxy_stream_time_to_first_token_seconds",
			Help:    "Time to first streamed content chunk for AI streaming responses.",
			Buckets: prometheus.DefBuckets,
		}),

		ruleMatches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_routing_rule_matches_total",
			Help: "Routing rule matches by rule name.",
		}, []string{"rule_name"}),
	}
}

// RecordRequest increments the request counter for a completed
// forward.
func (m *Metrics) RecordRequest(routeSource, provider, statusClass string) {
	m.requestsTotal.WithLabelValues(routeSource, provider, statusClass).Inc()
}

// RecordForwardDuration observes forwarder latency. cacheHit is kept as
// a label rather than excluding the sample — the same latency-skew
// correction the prior snapshot made by omitting cache hits from
// avg/P95, without throwing the samples away.
func (m *Metrics) RecordForwardDuration(seconds float64, cacheHit bool) {
	label := "false"
	if cacheHit {
		label = "true"
	}
	m.forwardDuration.WithLabelValues(label).Observe(seconds)
}

// RecordTimeToFirstToken observes a streaming response's TTFT.
func (m *Metrics) RecordTimeToFirstToken(seconds float64) {
	m.streamTTFT.Observe(seconds)
}

// RecordRuleMatch increments the per-rule match counter.
func (m *Metrics) RecordRuleMatch(ruleName string) {
	m.ruleMatches.WithLabelValues(ruleName).Inc()
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
