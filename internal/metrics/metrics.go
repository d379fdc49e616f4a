package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentlink_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentlink_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Protocol metrics
	ProtocolsInitiated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentlink_protocols_initiated_total",
			Help: "Total protocols initiated by local agents",
		},
	)

	ProtocolsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentlink_protocols_finished_total",
			Help: "Total protocols reaching a terminal status",
		},
		[]string{"status", "reason"},
	)

	PreconditionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentlink_precondition_failures_total",
			Help: "Initiate/respond calls rejected before any mutation",
		},
		[]string{"kind"},
	)

	DeliveriesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentlink_deliveries_sent_total",
			Help: "Envelopes handed to the transport",
		},
		[]string{"transport", "type"},
	)

	DeliveriesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentlink_deliveries_received_total",
			Help: "Inbound envelopes processed",
		},
		[]string{"type", "result"},
	)

	LateResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentlink_late_responses_total",
			Help: "Responses arriving after the protocol was finalized",
		},
	)

	CryptoFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentlink_crypto_failures_total",
			Help: "Envelope verification and decryption failures",
		},
		[]string{"stage"}, // "malformed", "signature", "unwrap", "decrypt"
	)

	// Trust and events
	TrustUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentlink_trust_updates_total",
			Help: "Trust interactions recorded",
		},
		[]string{"kind"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentlink_events_published_total",
			Help: "Events published on the bus",
		},
		[]string{"topic"},
	)

	EventHandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentlink_event_handler_failures_total",
			Help: "Event handlers that returned an error or panicked",
		},
		[]string{"topic"},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentlink_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"scope"}, // "agent" or endpoint path
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentlink_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentlink_store_latency_seconds",
			Help:    "SQL store query latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
		[]string{"driver"},
	)
)
