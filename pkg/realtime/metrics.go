package realtime

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/HMasataka/carelink/internal/logging"
	"github.com/HMasataka/carelink/pkg/domain"
	"github.com/HMasataka/carelink/pkg/errors"
	"github.com/HMasataka/carelink/pkg/eventbus"
)

// Metrics exports client traffic to prometheus. It is fed by a tap.
type Metrics struct {
	events         *prometheus.CounterVec
	protocolErrors prometheus.Counter
	reconnects     prometheus.Counter
	gaveUp         prometheus.Counter
	state          prometheus.Gauge
	epoch          prometheus.Gauge
}

// NewMetrics creates the client metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "carelink",
				Subsystem: "realtime",
				Name:      "events_total",
				Help:      "Total number of events by direction and name",
			},
			[]string{"direction", "event"},
		),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carelink",
			Subsystem: "realtime",
			Name:      "protocol_errors_total",
			Help:      "Inbound frames dropped because they failed to decode",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carelink",
			Subsystem: "realtime",
			Name:      "reconnect_attempts_total",
			Help:      "Total number of scheduled reconnect attempts",
		}),
		gaveUp: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carelink",
			Subsystem: "realtime",
			Name:      "gave_up_total",
			Help:      "Number of times the reconnect ceiling was reached",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "carelink",
			Subsystem: "realtime",
			Name:      "connection_state",
			Help:      "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 failed)",
		}),
		epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "carelink",
			Subsystem: "realtime",
			Name:      "epoch",
			Help:      "Epoch of the latest successful handshake",
		}),
	}

	reg.MustRegister(m.events, m.protocolErrors, m.reconnects, m.gaveUp, m.state, m.epoch)
	return m
}

// Tap returns the tap that feeds m
func (m *Metrics) Tap() eventbus.Tap {
	return func(e *eventbus.Event) {
		m.events.WithLabelValues(e.Direction.String(), string(e.Name)).Inc()

		switch p := e.Payload.(type) {
		case domain.StateChange:
			m.state.Set(float64(p.New))
			if p.New == domain.StateConnected {
				m.epoch.Set(float64(p.Epoch))
			}
		case domain.Reconnecting:
			m.reconnects.Inc()
		case domain.GaveUp:
			m.gaveUp.Inc()
		case domain.ConnectionError:
			if errors.IsType(p.Err, errors.ErrorTypeProtocol) {
				m.protocolErrors.Inc()
			}
		}
	}
}

// LogTap returns a tap that logs every event at debug level
func LogTap(logger *logging.Logger) eventbus.Tap {
	return func(e *eventbus.Event) {
		logger.Debug("event",
			"direction", e.Direction.String(),
			"event", e.Name,
			"epoch", e.Epoch,
		)
	}
}
