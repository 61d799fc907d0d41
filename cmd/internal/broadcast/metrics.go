package broadcast

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level metrics, registered on the default registry and exposed by
// the app's /metrics endpoint.
var (
	metricAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crier_messages_accepted_total",
		Help: "Messages durably appended to the log.",
	})
	metricDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crier_messages_duplicate_total",
		Help: "Submissions rejected as duplicate idempotency tokens.",
	})
	metricPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crier_bus_publish_failures_total",
		Help: "Fanout bus publish failures after a committed append.",
	})
	metricBroadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crier_broadcast_drops_total",
		Help: "Live broadcasts dropped due to a full client send queue.",
	})
	metricReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crier_replayed_messages_total",
		Help: "Messages replayed to reconnecting clients from the log.",
	})
	metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crier_connections",
		Help: "Currently connected websocket clients on this worker.",
	})
)
