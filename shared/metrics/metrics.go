package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once              sync.Once
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	MessagesPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_messages_published_total",
			Help: "Publish attempts by exchange, routing key and outcome",
		},
		[]string{"exchange", "routing_key", "outcome"},
	)

	MessagesConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_messages_consumed_total",
			Help: "Deliveries by queue and terminal disposition",
		},
		[]string{"queue", "disposition"},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bus_handler_duration_seconds",
			Help:    "Time spent in message handlers",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue", "event_kind"},
	)

	ReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_reconnects_total",
			Help: "Broker connections established after the first one",
		},
	)

	OutboxRelayedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_messages_relayed_total",
			Help: "Outbox rows processed by the relay, by outcome",
		},
		[]string{"outcome"},
	)
)

// Publish outcomes and consume dispositions.
const (
	OutcomeSuccess    = "success"
	OutcomeFailure    = "failure"
	OutcomeUnroutable = "unroutable"
	OutcomeRetry      = "retry"

	DispositionAck  = "ack"
	DispositionNack = "nack_requeue"
)

func InitMetrics() {
	once.Do(func() {
		prometheus.MustRegister(HTTPRequestsTotal)
		prometheus.MustRegister(HTTPRequestDuration)
		prometheus.MustRegister(MessagesPublishedTotal)
		prometheus.MustRegister(MessagesConsumedTotal)
		prometheus.MustRegister(HandlerDuration)
		prometheus.MustRegister(ReconnectsTotal)
		prometheus.MustRegister(OutboxRelayedTotal)
	})
}
