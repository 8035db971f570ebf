// Package metrics exposes the instance's prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the gateways, dispatcher, and worker touch.
type Metrics struct {
	registry *prometheus.Registry

	Connections    *prometheus.GaugeVec
	FramesIn       *prometheus.CounterVec
	DispatchErrors *prometheus.CounterVec
	DeliveryJobs   *prometheus.CounterVec
}

// New constructs a Metrics set on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Connections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "veil_open_connections",
			Help: "Open socket connections by endpoint.",
		}, []string{"endpoint"}),
		FramesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "veil_frames_in_total",
			Help: "Inbound frames by kind.",
		}, []string{"kind"}),
		DispatchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "veil_dispatch_errors_total",
			Help: "Dispatcher failures by kind.",
		}, []string{"kind"}),
		DeliveryJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "veil_delivery_jobs_total",
			Help: "Delivery queue jobs by result.",
		}, []string{"result"}),
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
