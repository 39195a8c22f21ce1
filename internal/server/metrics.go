package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are kept in a private registry so several servers can live in
// one process
type Metrics struct {
	registry *prometheus.Registry

	connections prometheus.Gauge
	invocations *prometheus.CounterVec
	messages    prometheus.Counter
	signIns     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_hub_connections",
			Help: "Open hub connections.",
		}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_hub_invocations_total",
			Help: "Hub invocations by target and result.",
		}, []string{"target", "result"}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_stored_total",
			Help: "Messages persisted to history.",
		}),
		signIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_signins_total",
			Help: "Sign-in attempts by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(m.connections, m.invocations, m.messages, m.signIns)
	m.registry.MustRegister(collectors.NewGoCollector())
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
