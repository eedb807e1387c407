// Package metrics exposes busd's prometheus registry, structurally
// following go-server-3/internal/metrics.Registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every counter/gauge busd's core and transports update.
type Registry struct {
	Connections      prometheus.Gauge
	Names            prometheus.Gauge
	MatchRules       prometheus.Gauge
	MessagesRouted   *prometheus.CounterVec // label: kind (method_call, signal, ...)
	DispatchErrors   *prometheus.CounterVec // label: error_kind
	ActivationsTotal *prometheus.CounterVec // label: outcome (spawned, coalesced, failed)
	ActivationLatency prometheus.Histogram

	reg *prometheus.Registry
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "busd", Name: "connections", Help: "Active connections currently attached to the bus.",
		}),
		Names: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "busd", Name: "names_owned", Help: "Well-known names with at least one owner.",
		}),
		MatchRules: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "busd", Name: "match_rules", Help: "Active subscription/eavesdrop rules.",
		}),
		MessagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "busd", Name: "messages_routed_total", Help: "Messages successfully routed, by kind.",
		}, []string{"kind"}),
		DispatchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "busd", Name: "dispatch_errors_total", Help: "Dispatch failures, by error kind.",
		}, []string{"error_kind"}),
		ActivationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "busd", Name: "activations_total", Help: "Activation attempts, by outcome.",
		}, []string{"outcome"}),
		ActivationLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "busd", Name: "activation_spawn_seconds", Help: "Time from activation request to spawn completion.",
			Buckets: prometheus.DefBuckets,
		}),
		reg: reg,
	}
}

// Handler returns the promhttp handler internal/httpadmin mounts at
// /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
