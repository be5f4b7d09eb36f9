package chat

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connected_clients",
		Help: "Number of currently registered clients",
	})

	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total BCP frames processed by opcode",
	}, []string{"opcode"})

	EventProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_event_processing_seconds",
		Help:    "Time to process each state-machine event",
		Buckets: prometheus.DefBuckets,
	}, []string{"event"})

	// ChatWorkerQueueDepth tracks the worker pool's FIFO queue length.
	ChatWorkerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_worker_pool_queue_depth",
		Help: "Number of tasks currently queued in the worker pool",
	})

	// ConnectionsRejected counts fatal registration outcomes by reason
	// (duplicate username, invalid/empty sanitized username, protocol
	// violation during PRE_REGISTER).
	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_connections_rejected_total",
		Help: "Connections rejected before reaching AVAILABLE, by reason",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(ConnectedClients)
	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(EventProcessingDuration)
	prometheus.MustRegister(ChatWorkerQueueDepth)
	prometheus.MustRegister(ConnectionsRejected)
}
