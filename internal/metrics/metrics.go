package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection Metrics
var (
	// ConnectionsCurrent tracks current active WebSocket connections
	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connections_current",
			Help: "Current number of active WebSocket connections",
		},
	)

	// ConnectionsTotal tracks total connection attempts by result
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_connections_total",
			Help: "Total connection attempts by result (accepted/rejected/error)",
		},
		[]string{"result"},
	)

	// ConnectionsRejected tracks rejected connection attempts by reason
	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_connections_rejected_total",
			Help: "Total connections rejected by reason (rate_limit/per_ip_limit/global_limit/admission/invalid_path/shutdown)",
		},
		[]string{"reason"},
	)

	// ConnectionCapacity tracks connection capacity utilization as percentage
	ConnectionCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connection_capacity_percent",
			Help: "Current connection capacity utilization (0-100%)",
		},
	)

	// UniqueIPs tracks number of unique IP addresses with active connections
	UniqueIPs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_unique_ips",
			Help: "Number of unique IP addresses with active connections",
		},
	)

	// ZombiesTerminated tracks connections killed by the liveness sweep
	ZombiesTerminated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_zombies_terminated_total",
			Help: "Total connections terminated for failing a liveness probe",
		},
	)

	// SlowClientsEvicted tracks clients dropped because their send buffer filled
	SlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_slow_clients_evicted_total",
			Help: "Total clients evicted due to a full send buffer",
		},
	)

	// MessageSendDuration tracks WebSocket message send duration
	MessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "realtime_message_send_duration_seconds",
			Help:    "WebSocket message send duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)
)

// Namespace and Room Metrics
var (
	// NamespacesCurrent tracks number of live namespaces on this instance
	NamespacesCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_namespaces_current",
			Help: "Number of live namespaces on this instance",
		},
	)

	// RoomsCurrent tracks number of locally active rooms
	RoomsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_rooms_current",
			Help: "Number of rooms with at least one local member",
		},
	)

	// DeliveryFailures tracks per-connection send failures during dispatch
	DeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_delivery_failures_total",
			Help: "Total per-connection send failures during local dispatch",
		},
	)

	// ShutdownTimeouts tracks teardown waits that exceeded their deadline
	ShutdownTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_shutdown_timeouts_total",
			Help: "Total namespace or server teardowns that hit the shutdown timeout",
		},
	)
)

// Broker Metrics
var (
	// BrokerPublishTotal tracks broker publishes by status
	BrokerPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_publish_total",
			Help: "Total broker publishes by status (ok/error)",
		},
		[]string{"status"},
	)

	// BrokerMessagesReceived tracks broker messages received by outcome
	BrokerMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_received_total",
			Help: "Total broker messages received by outcome (dispatched/own_echo/invalid/dropped)",
		},
		[]string{"outcome"},
	)
)

// State Adapter Metrics
var (
	// StateFallbacks tracks membership reads served from local data after an adapter failure
	StateFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "state_adapter_fallbacks_total",
			Help: "Total membership reads served from degraded local or cached data",
		},
	)

	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)

// Instance Coordination Metrics
var (
	// InstanceRegistrySize tracks number of active instances in the registry
	InstanceRegistrySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "instance_registry_size",
			Help: "Number of active instances in the registry",
		},
	)
)

// HTTP Request Metrics
// Note: http_requests_total and http_request_duration_seconds are provided
// by the echoprometheus middleware.
