// Package metrics provides Prometheus instrumentation for the Ripple
// real-time core. It exposes gauges for connection and presence counts,
// counters for typing and delivery throughput, and a histogram for fan-out
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of live WebSocket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ripple_connections_active",
		Help: "Current number of live WebSocket connections",
	})

	// OnlineUsers tracks the number of users with at least one live connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ripple_online_users",
		Help: "Current number of online users on this instance",
	})

	// TypingEvents counts emitted typing transitions, labeled "start" or "stop".
	TypingEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ripple_typing_events_total",
		Help: "Total number of typing transitions emitted to peers",
	}, []string{"direction"})

	// MessagesPersisted counts messages accepted by the message store.
	MessagesPersisted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ripple_messages_persisted_total",
		Help: "Total number of messages durably persisted",
	})

	// MessagesFailed counts sends rejected by the message store.
	MessagesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ripple_messages_failed_total",
		Help: "Total number of sends rejected by the message store",
	})

	// DeliveryPushes counts per-connection push attempts, labeled by outcome
	// "ok" or "timeout".
	DeliveryPushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ripple_delivery_pushes_total",
		Help: "Total number of per-connection message push attempts",
	}, []string{"outcome"})

	// ReadReceipts counts read acknowledgements processed.
	ReadReceipts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ripple_read_receipts_total",
		Help: "Total number of read acknowledgements processed",
	})

	// HistoryRequests counts served history reconciliation requests.
	HistoryRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ripple_history_requests_total",
		Help: "Total number of chat history requests served",
	})

	// FanoutLatency records how long a full fan-out to a user's connections takes.
	FanoutLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ripple_fanout_latency_seconds",
		Help:    "Latency of fanning one event out to all of a user's connections",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		OnlineUsers,
		TypingEvents,
		MessagesPersisted,
		MessagesFailed,
		DeliveryPushes,
		ReadReceipts,
		HistoryRequests,
		FanoutLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
