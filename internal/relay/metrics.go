package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors on a private registry, so
// several relays can coexist in one process (tests).
type Metrics struct {
	registry *prometheus.Registry

	machines   prometheus.Gauge
	browsers   prometheus.Gauge
	messages   *prometheus.CounterVec
	broadcasts *prometheus.CounterVec
	dropped    prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		machines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_machines_connected",
			Help: "Machine agents currently connected.",
		}),
		browsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_browsers_connected",
			Help: "Browsers currently connected.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Frames received, by source and type.",
		}, []string{"source", "type"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_broadcasts_total",
			Help: "Session list broadcasts, by result.",
		}, []string{"result"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_dropped_frames_total",
			Help: "Outbound frames dropped because a peer buffer was full.",
		}),
	}
	m.registry.MustRegister(
		m.machines, m.browsers, m.messages, m.broadcasts, m.dropped,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
