// Package metrics exposes engine invocation counters and latencies to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine records one observation per engine invocation. It satisfies
// offer.Recorder.
type Engine struct {
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	gatherer    prometheus.Gatherer
}

// NewEngine registers the engine collectors with reg. A nil reg uses a fresh
// private registry.
func NewEngine(reg *prometheus.Registry) *Engine {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	e := &Engine{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offerflow_engine_invocations_total",
			Help: "Engine invocations by operation, outcome and error code",
		}, []string{"operation", "outcome", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "offerflow_engine_duration_seconds",
			Help:    "Engine invocation latency including the transaction",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"operation"}),
		gatherer: reg,
	}
	reg.MustRegister(e.invocations, e.duration)
	return e
}

// Observe counts the invocation and records its latency. code is empty on
// success.
func (e *Engine) Observe(operation, outcome, code string, took time.Duration) {
	e.invocations.WithLabelValues(operation, outcome, code).Inc()
	e.duration.WithLabelValues(operation).Observe(took.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (e *Engine) Handler() http.Handler {
	return promhttp.HandlerFor(e.gatherer, promhttp.HandlerOpts{})
}
