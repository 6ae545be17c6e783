package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Signaling metrics for socket traffic, call lifecycle and the chat log
var (
	// Socket lifecycle metrics
	SignalingConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_websocket_connections",
		Help: "Current number of active signaling sockets",
	})

	SignalingConnectionsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_websocket_connections_rejected_total",
		Help: "Total number of sockets refused before upgrade",
	}, []string{"reason"}) // "capacity", "origin"

	SignalingEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_events_total",
		Help: "Total number of inbound socket events by name",
	}, []string{"event"})

	SignalingEventsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_events_rejected_total",
		Help: "Total number of inbound events rejected as malformed",
	}, []string{"reason"})

	SignalingMessagesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_messages_dropped_total",
		Help: "Total number of outbound frames dropped",
	}, []string{"reason"}) // "buffer_full"

	SignalingRelaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_relays_total",
		Help: "Total number of relayed WebRTC negotiation payloads",
	}, []string{"kind"})

	SignalingHandlerPanicTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_handler_panic_total",
		Help: "Total number of panics recovered while handling an event",
	})

	// Room metrics
	SignalingRoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_rooms_active",
		Help: "Current number of rooms with at least one member",
	})

	// Call lifecycle metrics
	CallTimersArmed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_timers_armed",
		Help: "Current number of armed expiry timers",
	})

	CallsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calls_started_total",
		Help: "Total number of scheduled calls transitioned to ongoing",
	})

	CallsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calls_ended_total",
		Help: "Total number of call terminations by reason",
	}, []string{"reason"}) // "timer_expired", "manual_termination"

	CallStoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_store_errors_total",
		Help: "Total number of call store failures seen by the broker",
	}, []string{"operation"})

	// Chat metrics
	ChatMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of chat log operations",
	}, []string{"operation"}) // "append", "delete"

	ChatSnapshotLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_snapshot_lookups_total",
		Help: "Total number of chat snapshot cache lookups",
	}, []string{"result"}) // "hit", "miss", "error"
)
