// Package observability exposes Prometheus metrics for the chat pipeline.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcomes used as the status label on the request counter.
const (
	OutcomeSuccess = "success"
	OutcomeClarify = "clarify"
	OutcomeError   = "error"
)

// Metrics holds the process metric set. A nil *Metrics is a valid no-op
// receiver so wiring stays optional in tests.
type Metrics struct {
	registry *prometheus.Registry

	chatRequests  *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	iterations    prometheus.Counter
}

// New creates a metric set on its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		chatRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skynav_chat_requests_total",
			Help: "Chat requests by outcome.",
		}, []string{"status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "skynav_stage_duration_seconds",
			Help:    "Duration of orchestration stages.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"stage"}),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skynav_react_iterations_total",
			Help: "Total ReAct loop iterations across all requests.",
		}),
	}

	registry.MustRegister(m.chatRequests, m.stageDuration, m.iterations)
	return m
}

// ObserveRequest records one finished chat request.
func (m *Metrics) ObserveRequest(outcome string) {
	if m == nil {
		return
	}
	m.chatRequests.WithLabelValues(outcome).Inc()
}

// ObserveStage records the duration of one orchestration stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveIterations adds finished loop iterations.
func (m *Metrics) ObserveIterations(n int) {
	if m == nil {
		return
	}
	m.iterations.Add(float64(n))
}

// Handler serves the metric set in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
