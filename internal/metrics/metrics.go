// Package metrics provides Prometheus instrumentation for the tabsplit
// services. It exposes gauges for socket and membership counts, counters
// for event throughput and rejected requests, and a histogram for
// broadcast publish latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RelayConnections tracks the current number of active relay sockets.
	RelayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tabsplit_relay_connections",
		Help: "Current number of active WebSocket connections on this relay",
	})

	// PresenceMembers tracks the current membership per presence channel.
	PresenceMembers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tabsplit_presence_members",
		Help: "Current number of members registered on a presence channel",
	}, []string{"channel"})

	// EventsPublished counts events accepted by the broadcast gateway,
	// labeled by event name.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tabsplit_events_published_total",
		Help: "Total number of events published by the broadcast gateway",
	}, []string{"event"})

	// EventsDelivered counts event frames forwarded to relay sockets,
	// labeled by event name.
	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tabsplit_events_delivered_total",
		Help: "Total number of event frames delivered to sockets",
	}, []string{"event"})

	// AuthFailures counts rejected channel authorization requests by
	// reason: "unauthenticated", "forbidden", or "upstream".
	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tabsplit_auth_failures_total",
		Help: "Total number of rejected channel authorization requests",
	}, []string{"reason"})

	// BroadcastsRejected counts rejected broadcast requests by reason:
	// "unauthenticated", "invalid", "rate_limited", or "publish".
	BroadcastsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tabsplit_broadcasts_rejected_total",
		Help: "Total number of rejected broadcast requests",
	}, []string{"reason"})

	// PublishLatency records gateway-to-transport publish latency.
	PublishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tabsplit_publish_latency_seconds",
		Help:    "Broadcast publish latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		RelayConnections,
		PresenceMembers,
		EventsPublished,
		EventsDelivered,
		AuthFailures,
		BroadcastsRejected,
		PublishLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
