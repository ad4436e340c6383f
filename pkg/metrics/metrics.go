package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Broker metrics
	MessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "umbra_messages_published_total",
			Help: "Total number of messages published to the broker",
		},
		[]string{"transport"},
	)

	MessagesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "umbra_messages_received_total",
			Help: "Total number of inbound messages received from the broker",
		},
	)

	BrokerReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "umbra_broker_reconnects_total",
			Help: "Total number of broker reconnection attempts",
		},
		[]string{"transport"},
	)

	ConsumersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "umbra_consumers_active",
			Help: "Number of declared broker consumers",
		},
	)

	// Dispatcher metrics
	MessagesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "umbra_messages_delivered_total",
			Help: "Total number of messages delivered to all matched handlers",
		},
	)

	MessagesUnroutable = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "umbra_messages_unroutable_total",
			Help: "Total number of messages with no matching subscription",
		},
	)

	MessagesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "umbra_messages_failed_total",
			Help: "Total number of messages nacked after a handler failure",
		},
	)

	MessagesMalformed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "umbra_messages_malformed_total",
			Help: "Total number of messages discarded as undeserializable",
		},
	)

	MessagesDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "umbra_messages_dead_lettered_total",
			Help: "Total number of messages parked after exhausting retries",
		},
	)

	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "umbra_dispatch_duration_seconds",
			Help:    "Time taken to route and deliver one message in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Shadow metrics
	ShadowMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "umbra_shadow_mutations_total",
			Help: "Total number of accepted shadow mutations by kind",
		},
		[]string{"kind"},
	)

	ShadowStaleWrites = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "umbra_shadow_stale_writes_total",
			Help: "Total number of property writes rejected by last-writer-wins",
		},
	)

	ShadowDocuments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "umbra_shadow_documents_total",
			Help: "Number of shadow documents in the store",
		},
	)

	// Gateway metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "umbra_sessions_active",
			Help: "Number of connected real-time sessions",
		},
	)

	DeltasPushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "umbra_deltas_pushed_total",
			Help: "Total number of shadow deltas pushed to sessions",
		},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "umbra_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(MessagesPublished)
	prometheus.MustRegister(MessagesReceived)
	prometheus.MustRegister(BrokerReconnects)
	prometheus.MustRegister(ConsumersActive)
	prometheus.MustRegister(MessagesDelivered)
	prometheus.MustRegister(MessagesUnroutable)
	prometheus.MustRegister(MessagesFailed)
	prometheus.MustRegister(MessagesMalformed)
	prometheus.MustRegister(MessagesDeadLettered)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(ShadowMutations)
	prometheus.MustRegister(ShadowStaleWrites)
	prometheus.MustRegister(ShadowDocuments)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(DeltasPushed)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
