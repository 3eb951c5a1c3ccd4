// Package metrics exposes operational counters and the metric-threshold
// alerting engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the agent's Prometheus collectors.
type Registry struct {
	FailuresDetected      prometheus.Counter
	RemediationsOpened    prometheus.Counter
	RemediationsSucceeded prometheus.Counter
	Rollbacks             prometheus.Counter
	CircuitsOpen          prometheus.Gauge
	PatternsTotal         prometheus.Gauge
	LLMLatency            prometheus.Histogram

	reg *prometheus.Registry
}

// New creates the registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Registry{
		FailuresDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "failures_detected_total",
			Help: "CI failures discovered by the poller.",
		}),
		RemediationsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "remediations_opened_total",
			Help: "Remediation pull requests opened.",
		}),
		RemediationsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "remediations_succeeded_total",
			Help: "Remediations confirmed healthy by the post-hoc check.",
		}),
		Rollbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "rollbacks_total",
			Help: "Remediations rolled back after a failed health check.",
		}),
		CircuitsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "circuits_open",
			Help: "Circuit breakers currently open.",
		}),
		PatternsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "patterns_total",
			Help: "Learned patterns currently held in memory.",
		}),
		LLMLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "llm_latency_ms",
			Help:    "Model completion latency in milliseconds.",
			Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}),
		reg: reg,
	}
}

// Handler serves the text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
