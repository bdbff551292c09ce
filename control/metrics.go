// File: control/metrics.go
// Prometheus instrumentation for the connection engine and the keepalive
// supervisor.

package control

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the engine's counters and gauges.
type Metrics struct {
	ConnectionsAccepted prometheus.Counter
	ConnectionsClosed   prometheus.Counter
	ActiveConnections   prometheus.Gauge
	BytesRead           prometheus.Counter
	BytesWritten        prometheus.Counter
	MessagesDispatched  prometheus.Counter
	ProtocolErrors      prometheus.Counter
	HeartbeatsSent      prometheus.Counter
	IdleEvictions       prometheus.Counter
}

// NewMetrics registers the engine collectors with reg. A nil registerer
// yields working but unregistered collectors, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "netbox_connections_accepted_total",
			Help: "Connections accepted by the engine.",
		}),
		ConnectionsClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "netbox_connections_closed_total",
			Help: "Connections closed for any reason.",
		}),
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "netbox_active_connections",
			Help: "Currently open client connections.",
		}),
		BytesRead: f.NewCounter(prometheus.CounterOpts{
			Name: "netbox_bytes_read_total",
			Help: "Bytes read from client sockets.",
		}),
		BytesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "netbox_bytes_written_total",
			Help: "Bytes written to client sockets.",
		}),
		MessagesDispatched: f.NewCounter(prometheus.CounterOpts{
			Name: "netbox_messages_dispatched_total",
			Help: "Decoded messages handed to the application.",
		}),
		ProtocolErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "netbox_protocol_errors_total",
			Help: "Connections closed by protocol-fatal errors.",
		}),
		HeartbeatsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "netbox_heartbeats_sent_total",
			Help: "Engine-level keepalive frames enqueued.",
		}),
		IdleEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "netbox_idle_evictions_total",
			Help: "Connections evicted for idle timeout.",
		}),
	}
}

// Handler returns the exposition handler for the registry backing g, for use
// with MetricsConfig.Listen.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
