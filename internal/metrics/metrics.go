package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Event names. Each is a value of the `event` label on
// aero_mesh_signaling_events_total.
const (
	WSConnections    = "ws_connections"
	WSDisconnections = "ws_disconnections"

	MessagesMalformed   = "messages_malformed"
	MessagesRateLimited = "messages_rate_limited"

	ActionRegister = "action_register"
	ActionList     = "action_list"
	ActionOffer    = "action_offer"
	ActionAnswer   = "action_answer"
	ActionInvalid  = "action_invalid"

	RelayOffer     = "relay_offer"
	RelayAnswer    = "relay_answer"
	RelayFailed    = "relay_failed"
	HostNotFound   = "host_not_found"
	PeerNotBound   = "peer_not_connected"
	ScopeRejected  = "scope_rejected"
	HostsExpired   = "hosts_expired"
	SendFailed     = "send_failed"
	BindingsClosed = "bindings_unbound"
)

const namespace = "aero_mesh_signaling"

// Metrics owns a private Prometheus registry so tests and multiple servers in
// one process never collide on the global default registry.
type Metrics struct {
	reg *prometheus.Registry

	events      *prometheus.CounterVec
	hosts       prometheus.Gauge
	bindings    prometheus.Gauge
	connections prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Internal event counters.",
		}, []string{"event"}),
		hosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_hosts",
			Help:      "Hosts currently held in the registry (including not yet swept).",
		}),
		bindings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_bindings",
			Help:      "Peer ids currently bound to a live connection.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Open signaling WebSocket connections.",
		}),
	}
	m.reg.MustRegister(
		m.events,
		m.hosts,
		m.bindings,
		m.connections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// All methods are nil-safe so components can run without metrics.

func (m *Metrics) Inc(event string) {
	m.Add(event, 1)
}

func (m *Metrics) Add(event string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.events.WithLabelValues(event).Add(float64(n))
}

func (m *Metrics) SetHosts(n int) {
	if m == nil {
		return
	}
	m.hosts.Set(float64(n))
}

func (m *Metrics) SetBindings(n int) {
	if m == nil {
		return
	}
	m.bindings.Set(float64(n))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// Registry exposes the underlying registry for the HTTP handler and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}
