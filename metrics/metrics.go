package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mbocsi/wattstream/client"
	"github.com/mbocsi/wattstream/proto"
)

var clientStates = []client.State{client.Disconnected, client.Connecting, client.Connected, client.Reconnecting}

type ClientMetrics struct {
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	readings    prometheus.Counter
	lastDemand  prometheus.Gauge
	errors      *prometheus.CounterVec
}

func NewClientMetrics(reg prometheus.Registerer) *ClientMetrics {
	factory := promauto.With(reg)
	return &ClientMetrics{
		state: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wattstream_client_state",
				Help: "Current connection state of the stream client (1 for the active state).",
			},
			[]string{"state"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wattstream_client_state_transitions_total",
				Help: "Connection state transitions by target state.",
			},
			[]string{"to"},
		),
		readings: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wattstream_client_readings_total",
				Help: "Valid readings received by the stream client.",
			},
		),
		lastDemand: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wattstream_client_demand_watts",
				Help: "Demand of the most recent reading.",
			},
		),
		errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wattstream_client_errors_total",
				Help: "Stream client diagnostics by kind.",
			},
			[]string{"kind"},
		),
	}
}

// Instrument attaches the collectors to c through its handler hooks.
func (m *ClientMetrics) Instrument(c *client.Client) {
	m.setState(c.State())
	c.OnStateChange(func(from, to client.State) {
		m.setState(to)
		m.transitions.WithLabelValues(to.String()).Inc()
	})
	c.OnReading(func(r proto.ConsumptionReading) error {
		m.readings.Inc()
		m.lastDemand.Set(r.Demand)
		return nil
	})
	c.OnError(func(err error) {
		m.errors.WithLabelValues(ErrorKind(err)).Inc()
	})
}

func (m *ClientMetrics) setState(current client.State) {
	for _, s := range clientStates {
		v := 0.0
		if s == current {
			v = 1
		}
		m.state.WithLabelValues(s.String()).Set(v)
	}
}

// ErrorKind maps a client diagnostic onto a metric label.
func ErrorKind(err error) string {
	// Subscriber errors may wrap any cause, so they are matched first.
	switch {
	case errors.Is(err, client.ErrSubscriberCallback):
		return "subscriber_callback"
	case errors.Is(err, client.ErrTransportOpen):
		return "transport_open"
	case errors.Is(err, client.ErrTransportClosed):
		return "transport_closed"
	case errors.Is(err, client.ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, client.ErrMaxRetries):
		return "max_retries"
	default:
		return "other"
	}
}

type ServerMetrics struct {
	clients     prometheus.Gauge
	published   prometheus.Counter
	dropped     prometheus.Counter
	sourceError *prometheus.CounterVec
	lastDemand  prometheus.Gauge
}

func NewServerMetrics(reg prometheus.Registerer) *ServerMetrics {
	factory := promauto.With(reg)
	return &ServerMetrics{
		clients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wattstream_server_clients",
			Help: "WebSocket clients currently subscribed to the feed.",
		}),
		published: factory.NewCounter(prometheus.CounterOpts{
			Name: "wattstream_server_readings_published_total",
			Help: "Readings published to the feed.",
		}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "wattstream_server_clients_dropped_total",
			Help: "Clients disconnected because their send buffer was full.",
		}),
		sourceError: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wattstream_server_source_errors_total",
				Help: "Errors returned by the reading source.",
			},
			[]string{"kind"},
		),
		lastDemand: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wattstream_server_demand_watts",
			Help: "Demand of the most recently published reading.",
		}),
	}
}

func (m *ServerMetrics) ClientConnected()    { m.clients.Inc() }
func (m *ServerMetrics) ClientDisconnected() { m.clients.Dec() }
func (m *ServerMetrics) ClientDropped()      { m.dropped.Inc() }

func (m *ServerMetrics) Published(r proto.ConsumptionReading) {
	m.published.Inc()
	m.lastDemand.Set(r.Demand)
}

func (m *ServerMetrics) SourceError(kind string) {
	m.sourceError.WithLabelValues(kind).Inc()
}
