package core

import (
	"net"
	"time"

	"github.com/google/uuid"
)

// Participant is one peer's presence in a channel. It is created on the first
// heartbeat or audio packet that references it, mutated only under the
// registry lock, and destroyed on leave, kick, or staleness eviction.
//
// All time-dependent methods take now as a parameter so callers control the
// clock; now must come from time.Now() (which carries a monotonic reading) to
// be immune to wall-clock jumps.
type Participant struct {
	ID            uuid.UUID
	Addr          net.Addr // most recent source address; follows NAT rebinds
	LastHeartbeat time.Time
	Flags         byte

	windowStart time.Time
	windowCount int
}

// NewParticipant returns a participant first seen at addr, with its rate
// window opened at now.
func NewParticipant(id uuid.UUID, addr net.Addr, now time.Time) *Participant {
	return &Participant{
		ID:            id,
		Addr:          addr,
		LastHeartbeat: now,
		windowStart:   now,
	}
}

// Alive reports whether the participant heartbeated within timeout of now.
func (p *Participant) Alive(now time.Time, timeout time.Duration) bool {
	return now.Sub(p.LastHeartbeat) < timeout
}

// TouchHeartbeat refreshes the liveness timestamp.
func (p *Participant) TouchHeartbeat(now time.Time) {
	p.LastHeartbeat = now
}

// AllowPacket applies the fixed-window rate limit: rateLimitMaxPackets per
// rateLimitWindow. Once now is a full window past windowStart the window
// resets and the packet counts as the first of the new window.
func (p *Participant) AllowPacket(now time.Time) bool {
	if now.Sub(p.windowStart) >= rateLimitWindow {
		p.windowStart = now
		p.windowCount = 1
		return true
	}
	p.windowCount++
	return p.windowCount <= rateLimitMaxPackets
}
