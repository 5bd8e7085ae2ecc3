package realtime

import "time"

// Protocol/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Buffered push events before new ones are dropped.
	defaultInboxSize = 64
)

const (
	// Handshake covers dial + hello + hello_ack.
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	closeGrace       = 1 * time.Second

	// Heartbeat defaults (can be overridden by env).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	maxPingFailures   = 3

	// Reconnect throttle (connect attempts per window).
	reconnectLimit  = 5
	reconnectWindow = time.Minute
)
