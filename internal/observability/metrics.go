package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the transport core.
//
// Tracked series:
//   - Message flow by direction and outcome (delivered, queued, failed)
//   - Connection lifecycle (state gauge, reconnect attempts, heartbeats)
//   - Credential refresh single-flight behavior (executed vs shared)
//   - Offline queue depth and drain outcomes
type Metrics struct {
	// MessageCounter tracks outbound message attempts.
	// Labels: outcome (delivered|queued|failed)
	MessageCounter *prometheus.CounterVec

	// InboundEventCounter counts dispatched inbound events.
	// Labels: type (message|typing|read|user_status)
	InboundEventCounter *prometheus.CounterVec

	// ConnectionState is 1 for the current state, 0 otherwise.
	// Labels: state (idle|connecting|open|closing|closed)
	ConnectionState *prometheus.GaugeVec

	// ReconnectAttempts counts reconnect attempts.
	ReconnectAttempts prometheus.Counter

	// HeartbeatsMissed counts heartbeat ticks that elapsed without an ack.
	HeartbeatsMissed prometheus.Counter

	// RefreshCounter counts credential refresh resolutions per caller.
	// Labels: result (executed|shared|failed)
	RefreshCounter *prometheus.CounterVec

	// OutboxDepth is the number of messages currently in the durable queue.
	OutboxDepth prometheus.Gauge

	// DrainCounter counts per-message drain outcomes.
	// Labels: outcome (delivered|failed)
	DrainCounter *prometheus.CounterVec
}

// NewMetrics creates and registers metrics with the given registerer.
// Passing nil uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		MessageCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "windrose_messages_total",
			Help: "Outbound message attempts by outcome.",
		}, []string{"outcome"}),

		InboundEventCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "windrose_inbound_events_total",
			Help: "Inbound events dispatched to subscribers by type.",
		}, []string{"type"}),

		ConnectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "windrose_connection_state",
			Help: "Current connection state (1 for active state).",
		}, []string{"state"}),

		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "windrose_reconnect_attempts_total",
			Help: "Reconnect attempts made by the connection manager.",
		}),

		HeartbeatsMissed: factory.NewCounter(prometheus.CounterOpts{
			Name: "windrose_heartbeats_missed_total",
			Help: "Heartbeat intervals that elapsed without an acknowledgment.",
		}),

		RefreshCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "windrose_credential_refresh_total",
			Help: "Credential refresh resolutions by result.",
		}, []string{"result"}),

		OutboxDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "windrose_outbox_depth",
			Help: "Messages currently held in the durable offline queue.",
		}),

		DrainCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "windrose_outbox_drain_total",
			Help: "Per-message drain outcomes.",
		}, []string{"outcome"}),
	}
}

// SetConnectionState flips the state gauge so exactly one state is 1.
func (m *Metrics) SetConnectionState(state string) {
	for _, s := range []string{"idle", "connecting", "open", "closing", "closed"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
}
