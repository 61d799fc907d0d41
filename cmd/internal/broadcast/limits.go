package broadcast

import "time"

// AnonymousName is the display name used when a session never set one.
const AnonymousName = "Anonymous"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message text length (runes).
	maxMessageChars = 4000

	// Max display name length (runes).
	maxDisplayNameChars = 64

	// Replay read paging.
	defaultReadLimit = 100
	maxReadLimit     = 500
)

const (
	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
