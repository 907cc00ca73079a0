// Package metrics exposes Prometheus counters for callback traffic and
// completion calls. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wxgate"

// Metrics holds the service collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	Requests           *prometheus.CounterVec
	Replies            *prometheus.CounterVec
	Completions        *prometheus.CounterVec
	CompletionDuration prometheus.Histogram
}

// New creates a private registry with the service collectors plus the
// standard Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Callback requests by kind (verify, message) and outcome.",
		}, []string{"kind", "outcome"}),
		Replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Replies sent, by reply strategy.",
		}, []string{"strategy"}),
		Completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Completion provider calls by outcome (ok, error, empty).",
		}, []string{"outcome"}),
		CompletionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_duration_seconds",
			Help:      "Completion provider call latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 4, 5, 10},
		}),
	}

	reg.MustRegister(
		m.Requests,
		m.Replies,
		m.Completions,
		m.CompletionDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRequest counts one callback request.
func (m *Metrics) ObserveRequest(kind, outcome string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(kind, outcome).Inc()
}

// ObserveReply counts one reply produced by strategy.
func (m *Metrics) ObserveReply(strategy string) {
	if m == nil {
		return
	}
	m.Replies.WithLabelValues(strategy).Inc()
}

// ObserveCompletion records one completion attempt.
func (m *Metrics) ObserveCompletion(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Completions.WithLabelValues(outcome).Inc()
	m.CompletionDuration.Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
