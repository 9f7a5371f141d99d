// Package metrics defines the gateway's Prometheus instruments. The
// pipeline and forwarder mutate them; GET /metrics exposes them through
// promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "codex_mgr"
	subsystem = "gateway"
)

// Metrics bundles every instrument the request plane touches.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal             *prometheus.CounterVec
	RequestsInflight          prometheus.Gauge
	RequestsUnauthorizedTotal prometheus.Counter
	Requests5xxTotal          prometheus.Counter
	KVErrorsTotal             prometheus.Counter
	RoutingErrorsTotal        prometheus.Counter
	TokenErrorsTotal          prometheus.Counter

	UpstreamRequestsTotal  prometheus.Counter
	UpstreamErrorsTotal    prometheus.Counter
	UpstreamResponsesTotal *prometheus.CounterVec
	UpstreamLatencyMS      prometheus.Summary

	SSEStreamsInflight prometheus.Gauge
	SSEStreamsTotal    prometheus.Counter

	RequestDurationMS prometheus.Summary
}

// New builds a Metrics set on its own registry so tests stay isolated.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "requests_total",
			Help: "Total HTTP requests handled by the gateway.",
		}, []string{"path"}),
		RequestsInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "requests_inflight",
			Help: "HTTP requests currently being handled, streamed responses included.",
		}),
		RequestsUnauthorizedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "requests_unauthorized_total",
			Help: "Requests rejected with 401.",
		}),
		Requests5xxTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "requests_5xx_total",
			Help: "Requests returning 5xx.",
		}),
		KVErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "kv_errors_total",
			Help: "KV errors encountered in the data plane.",
		}),
		RoutingErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "routing_errors_total",
			Help: "Non-KV routing errors.",
		}),
		TokenErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "token_errors_total",
			Help: "Token provider errors (non-KV).",
		}),
		UpstreamRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "upstream_requests_total",
			Help: "Requests sent to upstream.",
		}),
		UpstreamErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "upstream_errors_total",
			Help: "Upstream transport/protocol errors.",
		}),
		UpstreamResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "upstream_responses_total",
			Help: "Upstream responses by status class.",
		}, []string{"class"}),
		UpstreamLatencyMS: prometheus.NewSummary(prometheus.SummaryOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "upstream_latency_ms",
			Help: "Upstream latency in ms (time-to-headers).",
		}),
		SSEStreamsInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "sse_streams_inflight",
			Help: "Current SSE streams in flight.",
		}),
		SSEStreamsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "sse_streams_total",
			Help: "Total SSE streams started.",
		}),
		RequestDurationMS: prometheus.NewSummary(prometheus.SummaryOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "request_duration_ms",
			Help: "Request duration in ms, until the response body is fully written.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestsInflight,
		m.RequestsUnauthorizedTotal,
		m.Requests5xxTotal,
		m.KVErrorsTotal,
		m.RoutingErrorsTotal,
		m.TokenErrorsTotal,
		m.UpstreamRequestsTotal,
		m.UpstreamErrorsTotal,
		m.UpstreamResponsesTotal,
		m.UpstreamLatencyMS,
		m.SSEStreamsInflight,
		m.SSEStreamsTotal,
		m.RequestDurationMS,
	)
	return m
}

// Handler serves the text exposition of this metric set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveUpstreamStatus bumps the status-class counter for a response.
func (m *Metrics) ObserveUpstreamStatus(status int) {
	var class string
	switch {
	case status >= 200 && status < 300:
		class = "2xx"
	case status >= 300 && status < 400:
		class = "3xx"
	case status >= 400 && status < 500:
		class = "4xx"
	case status >= 500:
		class = "5xx"
	default:
		class = "1xx"
	}
	m.UpstreamResponsesTotal.WithLabelValues(class).Inc()
}
