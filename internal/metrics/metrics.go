// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Room metrics
	RoomsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_rooms_created_total",
			Help: "Total rooms created",
		},
	)

	RoomsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_rooms_reaped_total",
			Help: "Total idle rooms removed by the reaper",
		},
	)

	JoinResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_joins_total",
			Help: "Join attempts by result code",
		},
		[]string{"result"},
	)

	Departures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_departures_total",
			Help: "Members removed from rooms",
		},
		[]string{"reason"}, // "leave", "grace_expired", "reaped"
	)

	// Messaging metrics
	MessagesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_messages_persisted_total",
			Help: "Chat messages appended to the message log",
		},
	)

	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_persist_failures_total",
			Help: "Chat messages that could not be persisted after retries",
		},
	)

	FanoutDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_fanout_drops_total",
			Help: "Connections dropped because they could not accept a broadcast",
		},
	)

	LiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomchat_live_connections",
			Help: "Currently connected transport sessions",
		},
	)

	PendingGrace = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomchat_pending_grace_timers",
			Help: "Abrupt disconnects waiting for a reconnect",
		},
	)
)

// Handler exposes Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
