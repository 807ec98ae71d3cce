// Package metrics owns the coordinator's prometheus collectors and the otel
// tracer used around routing and certificate issuance.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without observability in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/dreamware/fleetgate"

// Metrics groups every collector exported on /metrics.
type Metrics struct {
	registry        *prometheus.Registry
	heartbeats      *prometheus.CounterVec
	dispatches      *prometheus.CounterVec
	staleDispatches *prometheus.CounterVec
	issuance        *prometheus.CounterVec
	probes          *prometheus.CounterVec
}

// New registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetgate",
			Name:      "heartbeats_total",
			Help:      "Signal messages processed, by result.",
		}, []string{"result"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetgate",
			Name:      "route_dispatches_total",
			Help:      "Routed requests, by delivery mode.",
		}, []string{"mode"}),
		staleDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetgate",
			Name:      "route_stale_node_dispatches_total",
			Help:      "Requests delivered to a node whose status is not active.",
		}, []string{"status"}),
		issuance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetgate",
			Name:      "certificate_attempts_total",
			Help:      "Certificate issuance attempts, by CA directory and result.",
		}, []string{"ca", "result"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetgate",
			Name:      "reachability_probes_total",
			Help:      "Reachability probes, by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(m.heartbeats, m.dispatches, m.staleDispatches, m.issuance, m.probes)
	return m
}

// Handler serves the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Heartbeat(result string) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(result).Inc()
}

func (m *Metrics) Dispatch(mode string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(mode).Inc()
}

func (m *Metrics) StaleDispatch(status string) {
	if m == nil {
		return
	}
	m.staleDispatches.WithLabelValues(status).Inc()
}

func (m *Metrics) Issuance(ca, result string) {
	if m == nil {
		return
	}
	m.issuance.WithLabelValues(ca, result).Inc()
}

func (m *Metrics) Probe(result string) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(result).Inc()
}

// Tracer returns the tracer from the global otel provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
