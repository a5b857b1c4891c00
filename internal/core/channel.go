package core

import (
	"net"
	"time"

	"github.com/google/uuid"

	"throttletalk/server/internal/protocol"
)

// Channel is one voice channel: its participants keyed by ID plus the set of
// participants that have established admin status. Channels are created
// lazily on first reference and removed as soon as they are empty.
type Channel struct {
	ID           uuid.UUID
	participants map[uuid.UUID]*Participant
	admins       map[uuid.UUID]struct{}
	CreatedAt    time.Time
}

// NewChannel returns an empty channel created at now.
func NewChannel(id uuid.UUID, now time.Time) *Channel {
	return &Channel{
		ID:           id,
		participants: make(map[uuid.UUID]*Participant),
		admins:       make(map[uuid.UUID]struct{}),
		CreatedAt:    now,
	}
}

// Add inserts or replaces a participant under its own ID.
func (c *Channel) Add(p *Participant) {
	c.participants[p.ID] = p
}

// Remove deletes a participant and its admin entry. Idempotent.
func (c *Channel) Remove(id uuid.UUID) {
	delete(c.participants, id)
	delete(c.admins, id)
}

// Get looks up a participant by ID.
func (c *Channel) Get(id uuid.UUID) (*Participant, bool) {
	p, ok := c.participants[id]
	return p, ok
}

// Len returns the participant count.
func (c *Channel) Len() int {
	return len(c.participants)
}

// Update refreshes a participant's address and heartbeat, and applies flags.
// Admin status is sticky: once the admin bit has been seen on a heartbeat it
// stays until the participant record dies, so a spoofed flagless packet
// cannot demote a real admin. Missing participants are ignored.
func (c *Channel) Update(id uuid.UUID, addr net.Addr, flags byte, now time.Time) {
	p, ok := c.participants[id]
	if !ok {
		return
	}
	p.Addr = addr
	p.TouchHeartbeat(now)
	p.Flags = flags
	if flags&protocol.FlagAdmin != 0 {
		c.admins[id] = struct{}{}
	}
}

// IsAdmin reports whether id has established admin status.
func (c *Channel) IsAdmin(id uuid.UUID) bool {
	_, ok := c.admins[id]
	return ok
}

// AllowPacket applies the participant's rate limit; unknown participants are
// not allowed (the packet is dropped).
func (c *Channel) AllowPacket(id uuid.UUID, now time.Time) bool {
	p, ok := c.participants[id]
	if !ok {
		return false
	}
	return p.AllowPacket(now)
}

// Recipients returns every participant other than except. Order is whatever
// the map iteration yields; callers must not depend on it.
func (c *Channel) Recipients(except uuid.UUID) []*Participant {
	out := make([]*Participant, 0, len(c.participants))
	for id, p := range c.participants {
		if id == except {
			continue
		}
		out = append(out, p)
	}
	return out
}

// EvictStale removes every participant whose heartbeat is older than timeout
// and returns the evicted IDs.
func (c *Channel) EvictStale(now time.Time, timeout time.Duration) []uuid.UUID {
	var evicted []uuid.UUID
	for id, p := range c.participants {
		if !p.Alive(now, timeout) {
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		c.Remove(id)
	}
	return evicted
}
