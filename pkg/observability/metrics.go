// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the relais service.
package observability

import "github.com/prometheus/client_golang/prometheus"

// LLMBuckets defines histogram buckets suited for LLM inference latencies,
// ranging from 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// RequestsTotal counts all HTTP requests by method, status class, and model.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relais_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status", "model"},
	)

	// RequestDuration records HTTP request duration in seconds by method and model.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relais_request_duration_seconds",
			Help:    "Request duration",
			Buckets: LLMBuckets,
		},
		[]string{"method", "model"},
	)

	// StreamsActive tracks the number of chats currently in flight.
	StreamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relais_streams_active",
			Help: "In-flight chat streams",
		},
	)

	// UpstreamRequestsTotal counts requests sent to the backend LLM endpoint.
	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relais_upstream_requests_total",
			Help: "Upstream requests",
		},
		[]string{"model", "status"},
	)

	// UpstreamLatency records backend latency in seconds.
	UpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relais_upstream_latency_seconds",
			Help:    "Upstream latency",
			Buckets: LLMBuckets,
		},
		[]string{"model"},
	)

	// UpstreamTokensTotal counts tokens processed by direction (input/output).
	UpstreamTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relais_upstream_tokens_total",
			Help: "Token count",
		},
		[]string{"model", "direction"},
	)

	// StopsTotal counts stopped chats by cause (owner, stop_all, janitor,
	// disconnect).
	StopsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relais_stops_total",
			Help: "Stopped chats",
		},
		[]string{"cause"},
	)

	// JanitorReapedTotal counts chats reaped by the staleness janitor.
	JanitorReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relais_janitor_reaped_total",
			Help: "Chats reaped as stale",
		},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relais_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"tier"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamsActive,
		UpstreamRequestsTotal,
		UpstreamLatency,
		UpstreamTokensTotal,
		StopsTotal,
		JanitorReapedTotal,
		RateLimitRejectedTotal,
	)
}
