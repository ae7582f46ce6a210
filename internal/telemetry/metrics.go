package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process-wide instrumentation. Counters and gauges are
// labelled by endpoint so one registry covers every websocket surface.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive *prometheus.GaugeVec
	MessagesReceived  *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	AuthFailures      prometheus.Counter
	PlaylistTicks     prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ConnectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "partyline",
			Name:      "connections_active",
			Help:      "Currently open websocket connections per endpoint.",
		}, []string{"endpoint"}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "partyline",
			Name:      "messages_received_total",
			Help:      "Inbound websocket messages per endpoint.",
		}, []string{"endpoint"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "partyline",
			Name:      "messages_dropped_total",
			Help:      "Inbound messages dropped as malformed or unrecognized.",
		}, []string{"endpoint"}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "partyline",
			Name:      "auth_failures_total",
			Help:      "Rejected websocket handshake attempts.",
		}),
		PlaylistTicks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "partyline",
			Name:      "playlist_ticks_total",
			Help:      "Completed playlist tick cycles.",
		}),
	}
}

// Handler exposes the metrics registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
