package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the signaling hub.
// Declared in one package to keep metric names in a single place
// and avoid coupling between packages.
//
// Naming convention: namespace_subsystem_name
// - namespace: parlor (application-level grouping)
// - subsystem: websocket, room, chat, push (feature-level grouping)
// - name: specific metric (connections_active, frames_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, subscriptions)
// - Counter: Cumulative events (frames processed, errors, sends)
// - Histogram: Latency distributions (frame handling time)

var (
	// ActiveConnections tracks the current number of open WebSocket sessions (Gauge - current state)
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parlor",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// NamedSessions tracks the current number of sessions that hold a display name (Gauge - current state)
	NamedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parlor",
		Subsystem: "websocket",
		Name:      "named_sessions",
		Help:      "Current number of sessions with a claimed display name",
	})

	// FramesTotal tracks inbound frames by type (CounterVec - cumulative)
	// Unrecognized types are recorded under "unknown" to bound cardinality.
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parlor",
		Subsystem: "websocket",
		Name:      "frames_total",
		Help:      "Total inbound frames processed, by frame type",
	}, []string{"type"})

	// FrameErrors tracks protocol errors returned to clients (CounterVec - cumulative)
	FrameErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parlor",
		Subsystem: "websocket",
		Name:      "frame_errors_total",
		Help:      "Total error frames sent to clients, by error code",
	}, []string{"code"})

	// FrameHandleDuration tracks the time spent handling inbound frames (HistogramVec - latency distribution)
	FrameHandleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "parlor",
		Subsystem: "websocket",
		Name:      "frame_handle_seconds",
		Help:      "Time spent handling inbound frames",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type"})

	// DroppedWrites counts frames discarded because a client's send buffer was full (Counter - cumulative)
	DroppedWrites = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "parlor",
		Subsystem: "websocket",
		Name:      "dropped_writes_total",
		Help:      "Total outbound frames dropped due to a full send buffer",
	})

	// RateLimitExceeded counts rate-limit rejections (CounterVec - cumulative)
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parlor",
		Subsystem: "websocket",
		Name:      "rate_limit_exceeded_total",
		Help:      "Total requests or frames rejected by rate limiting",
	}, []string{"scope"})

	// ActiveRooms tracks the current number of live rooms (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parlor",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// ActiveCalls tracks rooms with two or more members (Gauge - current state)
	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parlor",
		Subsystem: "room",
		Name:      "calls_active",
		Help:      "Current number of rooms with at least two members",
	})

	// CallEvents tracks call lifecycle transitions (CounterVec - cumulative)
	CallEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parlor",
		Subsystem: "room",
		Name:      "call_events_total",
		Help:      "Total call lifecycle events",
	}, []string{"event"})

	// SignalsRelayed counts signaling payloads forwarded between room peers (Counter - cumulative)
	SignalsRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "parlor",
		Subsystem: "room",
		Name:      "signals_relayed_total",
		Help:      "Total signaling frames relayed between room members",
	})

	// SignalsDropped counts signaling payloads discarded for room-confinement violations (Counter - cumulative)
	SignalsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "parlor",
		Subsystem: "room",
		Name:      "signals_dropped_total",
		Help:      "Total signaling frames dropped because sender and target share no room",
	})

	// ChatMessages tracks delivered chat messages by kind (CounterVec - cumulative)
	ChatMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parlor",
		Subsystem: "chat",
		Name:      "messages_total",
		Help:      "Total chat messages delivered, by kind",
	}, []string{"kind"})

	// PushSends tracks push delivery attempts by outcome (CounterVec - cumulative)
	PushSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parlor",
		Subsystem: "push",
		Name:      "sends_total",
		Help:      "Total push notification attempts, by outcome",
	}, []string{"outcome"})

	// PushSubscriptions tracks stored push subscriptions (Gauge - current state)
	PushSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parlor",
		Subsystem: "push",
		Name:      "subscriptions",
		Help:      "Current number of stored push subscriptions",
	})

	// CircuitBreakerState reports breaker state per breaker (GaugeVec: 0 closed, 1 open, 2 half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "parlor",
		Subsystem: "push",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
	}, []string{"name"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
