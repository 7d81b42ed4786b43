package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway collectors
type Metrics struct {
	connections prometheus.Gauge
	rooms       prometheus.Gauge
	frames      *prometheus.CounterVec
	handshakes  *prometheus.CounterVec
}

// NewMetrics creates and registers the gateway collectors on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "carelink",
			Subsystem: "gateway",
			Name:      "connections",
			Help:      "Authenticated websocket connections.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "carelink",
			Subsystem: "gateway",
			Name:      "rooms",
			Help:      "Rooms with at least one member.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carelink",
			Subsystem: "gateway",
			Name:      "frames_total",
			Help:      "Frames handled by direction.",
		}, []string{"direction"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carelink",
			Subsystem: "gateway",
			Name:      "handshakes_total",
			Help:      "Handshakes by result.",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(m.connections, m.rooms, m.frames, m.handshakes)
	}
	return m
}

func (m *Metrics) frame(direction string) {
	if m != nil {
		m.frames.WithLabelValues(direction).Inc()
	}
}

func (m *Metrics) handshake(result string) {
	if m != nil {
		m.handshakes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) gauges(connections, rooms int) {
	if m != nil {
		m.connections.Set(float64(connections))
		m.rooms.Set(float64(rooms))
	}
}
