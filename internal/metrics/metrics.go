// Package metrics holds the Prometheus instrumentation of the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connections",
			Help: "Live websocket connections on this process",
		},
	)

	Topics = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_topics",
			Help: "Topics with at least one local subscriber",
		},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_local_deliveries_total",
			Help: "Events handed to local connections",
		},
		[]string{"event"},
	)

	DroppedDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_dropped_deliveries_total",
			Help: "Events dropped because a connection send buffer was full",
		},
	)

	BackplanePublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_backplane_publishes_total",
			Help: "Envelopes relayed to the backplane",
		},
		[]string{"result"}, // "ok", "error", "dropped"
	)

	BackplaneReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_backplane_received_total",
			Help: "Envelopes received from other processes",
		},
	)

	PresenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_presence_transitions_total",
			Help: "Online/offline transitions emitted",
		},
		[]string{"state"},
	)

	InboundEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_inbound_events_total",
			Help: "Client events routed by method and outcome",
		},
		[]string{"method", "result"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}
