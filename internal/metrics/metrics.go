// Package metrics provides Prometheus instrumentation for the eShare chat
// server. It exposes gauges for connection and presence counts, counters for
// message throughput, and histograms for storage latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eshare_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the current number of users with a presence entry.
	// Differs from ConnectionsTotal when connections exist that have not yet
	// completed a join handshake.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eshare_online_users",
		Help: "Current number of users with a live presence entry",
	})

	// MessagesTotal counts chat messages processed, labeled by outcome:
	// "broadcast", "rejected", or "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eshare_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"})

	// PersistFailures counts history-store write failures on the send path.
	// These do not block broadcasts; the counter is how the degradation is
	// observed.
	PersistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eshare_persist_failures_total",
		Help: "History store write failures absorbed on the send path",
	})

	// HistoryQueryDuration records history-store read latency in seconds,
	// labeled by query: "recent" or "older".
	HistoryQueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eshare_history_query_duration_seconds",
		Help:    "History store read latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"query"})

	// HistoryWipes counts successful whole-history deletions.
	HistoryWipes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eshare_history_wipes_total",
		Help: "Total number of admin whole-history wipes",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		PersistFailures,
		HistoryQueryDuration,
		HistoryWipes,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
