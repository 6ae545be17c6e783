// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// EventHandlerTimeout bounds the store I/O done while handling one socket event
	EventHandlerTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// WebSocket constants
const (
	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 54 * time.Second

	// WebSocketPongWait is how long a connection may stay silent before it is dropped
	WebSocketPongWait = 60 * time.Second

	// WebSocketWriteWait is the deadline for a single frame write
	WebSocketWriteWait = 10 * time.Second

	// WebSocketMaxMessageSize caps inbound frames; SDP offers are the largest payloads
	WebSocketMaxMessageSize = 64 * 1024

	// WebSocketSendBuffer is the per-connection outbound queue length
	WebSocketSendBuffer = 256

	// DefaultMaxConnections is the default cap on concurrent sockets
	DefaultMaxConnections = 1000
)

// Chat constants
const (
	// ChatSnapshotTTL is how long a room's message snapshot stays in cache
	ChatSnapshotTTL = 300 * time.Second

	// ChatSnapshotKeyPrefix prefixes cache keys for room message snapshots
	ChatSnapshotKeyPrefix = "chat:messages:"

	// MaxMessageLength is the maximum allowed chat body length
	MaxMessageLength = 10000
)

// Call constants
const (
	// RoomIDPrefix prefixes generated call room identifiers
	RoomIDPrefix = "vc-"

	// MaxCallDurationMinutes is the longest call that can be scheduled (24 hours)
	MaxCallDurationMinutes = 24 * 60
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute

	// RedisHealthCheckInterval is the interval of the background Redis ping
	RedisHealthCheckInterval = 10 * time.Second
)
