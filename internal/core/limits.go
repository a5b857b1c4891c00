package core

import "time"

// Operational limits that are protocol policy rather than deployment
// configuration, so they are constants instead of Config fields.
const (
	// rateLimitWindow is the fixed-window length for per-participant rate
	// limiting.
	rateLimitWindow = time.Second

	// rateLimitMaxPackets is the number of packets one participant may send
	// within a single window (voice at 50 fps plus heartbeat headroom).
	rateLimitMaxPackets = 60
)
