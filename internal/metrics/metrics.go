// Package metrics provides Prometheus instrumentation for the messaging
// service. It exposes gauges for connection and presence counts, counters for
// message and broadcast throughput, and histograms for pipeline latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "echodm_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of users currently marked online.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "echodm_online_users",
		Help: "Current number of users with at least one live connection",
	})

	// MessagesTotal counts processed messages, labeled by content type
	// ("text", "audio") and outcome ("sent", "rejected").
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "echodm_messages_total",
		Help: "Total number of messages processed",
	}, []string{"content_type", "outcome"})

	// BroadcastsTotal counts room broadcasts, labeled by event type.
	BroadcastsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "echodm_broadcasts_total",
		Help: "Total number of room broadcasts issued",
	}, []string{"event"})

	// PipelineLatency records the persist-to-broadcast latency of a message
	// send in seconds.
	PipelineLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "echodm_pipeline_latency_seconds",
		Help:    "Message pipeline latency from validation to broadcast",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// PushDispatchTotal counts push-notification dispatch attempts by outcome
	// ("published", "skipped", "failed").
	PushDispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "echodm_push_dispatch_total",
		Help: "Push notification dispatch attempts",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		BroadcastsTotal,
		PipelineLatency,
		PushDispatchTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
