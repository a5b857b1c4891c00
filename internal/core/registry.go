package core

import (
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"throttletalk/server/internal/protocol"
)

// DatagramWriter is the minimal interface the registry needs to send one
// datagram to one address. The relay's UDP socket satisfies it; tests inject
// a mock instead.
type DatagramWriter interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
}

// Registry owns every channel this process serves. Mutation comes from the
// relay's read loop and its sweep ticker; the mutex serializes those
// mutations against each other and against snapshot readers so invariants
// (no empty channels, admins ⊆ participants) hold at every method boundary.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	channels map[uuid.UUID]*Channel
}

// NewRegistry returns an empty registry governed by cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		channels: make(map[uuid.UUID]*Channel),
	}
}

// Config returns the registry's limits.
func (r *Registry) Config() Config {
	return r.cfg
}

// getOrCreateLocked resolves a channel, creating it if needed. MaxChannels is
// a soft cap: the overflow is logged but the channel is still created.
func (r *Registry) getOrCreateLocked(id uuid.UUID, now time.Time) *Channel {
	if ch, ok := r.channels[id]; ok {
		return ch
	}
	if len(r.channels) >= r.cfg.MaxChannels {
		slog.Warn("channel count over soft cap", "channels", len(r.channels), "max", r.cfg.MaxChannels, "channel_id", id)
	}
	ch := NewChannel(id, now)
	r.channels[id] = ch
	slog.Debug("channel created", "channel_id", id, "channels", len(r.channels))
	return ch
}

// Join resolves or creates the channel and registers the participant. An
// existing participant has its address (NAT rebinding) and heartbeat
// refreshed. A new
// participant is refused when the channel is at its hard cap; the client will
// retry via its next heartbeat. Returns false on refusal.
//
// Every data packet takes this path, so heartbeats and audio both implicitly
// join.
func (r *Registry) Join(channelID, participantID uuid.UUID, addr net.Addr, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := r.getOrCreateLocked(channelID, now)
	if p, ok := ch.Get(participantID); ok {
		p.Addr = addr
		p.TouchHeartbeat(now)
		return true
	}
	if ch.Len() >= r.cfg.MaxParticipantsPerChannel {
		slog.Warn("channel full, join refused", "channel_id", channelID, "participant_id", participantID, "participants", ch.Len())
		return false
	}
	ch.Add(NewParticipant(participantID, addr, now))
	slog.Info("participant joined", "channel_id", channelID, "participant_id", participantID, "addr", addr.String(), "participants", ch.Len())
	return true
}

// Leave removes a participant; the channel goes with it once empty.
func (r *Registry) Leave(channelID, participantID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[channelID]
	if !ok {
		return
	}
	ch.Remove(participantID)
	slog.Info("participant left", "channel_id", channelID, "participant_id", participantID, "participants", ch.Len())
	if ch.Len() == 0 {
		delete(r.channels, channelID)
		slog.Debug("empty channel removed", "channel_id", channelID, "channels", len(r.channels))
	}
}

// UpdateParticipant refreshes address/heartbeat/flags for a heartbeat sender.
// This is the only path that can establish admin status.
func (r *Registry) UpdateParticipant(channelID, participantID uuid.UUID, addr net.Addr, flags byte, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.channels[channelID]; ok {
		ch.Update(participantID, addr, flags, now)
	}
}

// IsAdmin reports whether the participant has established admin status in the
// channel via a prior heartbeat.
func (r *Registry) IsAdmin(channelID, participantID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[channelID]
	return ok && ch.IsAdmin(participantID)
}

// AllowPacket applies the sender's rate limit within the channel.
func (r *Registry) AllowPacket(channelID, participantID uuid.UUID, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[channelID]
	if !ok {
		return false
	}
	return ch.AllowPacket(participantID, now)
}

// ParticipantAddr returns a participant's last-seen address.
func (r *Registry) ParticipantAddr(channelID, participantID uuid.UUID) (net.Addr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[channelID]
	if !ok {
		return nil, false
	}
	p, ok := ch.Get(participantID)
	if !ok {
		return nil, false
	}
	return p.Addr, true
}

// Forward encodes the packet once and writes that buffer to every channel
// member except the sender. Write failures skip the recipient and never stop
// the fan-out. Returns the number of recipients written.
func (r *Registry) Forward(pkt *protocol.Packet, sender uuid.UUID, w DatagramWriter) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[pkt.ChannelID]
	if !ok {
		slog.Warn("forward to unknown channel dropped", "channel_id", pkt.ChannelID, "sender", sender)
		return 0
	}

	buf := protocol.Encode(pkt)
	sent := 0
	for _, p := range ch.Recipients(sender) {
		if _, err := w.WriteTo(buf, p.Addr); err != nil {
			slog.Error("datagram write failed", "addr", p.Addr.String(), "participant_id", p.ID, "err", err)
			continue
		}
		sent++
	}
	return sent
}

// Sweep evicts every stale participant, then removes channels left empty.
// Channel removal is a second pass so the channel map is not mutated while it
// is being walked.
func (r *Registry) Sweep(now time.Time) (evicted, removedChannels int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var empty []uuid.UUID
	for id, ch := range r.channels {
		ids := ch.EvictStale(now, r.cfg.HeartbeatTimeout)
		for _, pid := range ids {
			slog.Info("stale participant evicted", "channel_id", id, "participant_id", pid)
		}
		evicted += len(ids)
		if ch.Len() == 0 {
			empty = append(empty, id)
		}
	}
	for _, id := range empty {
		delete(r.channels, id)
		slog.Debug("empty channel removed", "channel_id", id)
	}
	return evicted, len(empty)
}

// Counts returns the current channel and participant totals.
func (r *Registry) Counts() (channels, participants int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ch := range r.channels {
		participants += ch.Len()
	}
	return len(r.channels), participants
}

// ParticipantInfo is a read-only presence snapshot of one participant.
type ParticipantInfo struct {
	ID            uuid.UUID `json:"id"`
	Addr          string    `json:"addr"`
	Admin         bool      `json:"admin"`
	Muted         bool      `json:"muted"`
	VoxActive     bool      `json:"vox_active"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// ChannelInfo is a read-only snapshot of one channel.
type ChannelInfo struct {
	ID           uuid.UUID         `json:"id"`
	CreatedAt    time.Time         `json:"created_at"`
	Participants []ParticipantInfo `json:"participants"`
}

// Snapshot returns a stable ordered copy of the registry state for the
// observability API.
func (r *Registry) Snapshot() []ChannelInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ChannelInfo, 0, len(r.channels))
	for _, ch := range r.channels {
		info := ChannelInfo{
			ID:           ch.ID,
			CreatedAt:    ch.CreatedAt,
			Participants: make([]ParticipantInfo, 0, ch.Len()),
		}
		for _, p := range ch.participants {
			info.Participants = append(info.Participants, ParticipantInfo{
				ID:            p.ID,
				Addr:          p.Addr.String(),
				Admin:         ch.IsAdmin(p.ID),
				Muted:         p.Flags&protocol.FlagMuted != 0,
				VoxActive:     p.Flags&protocol.FlagVoxActive != 0,
				LastHeartbeat: p.LastHeartbeat,
			})
		}
		sort.Slice(info.Participants, func(i, j int) bool {
			return info.Participants[i].ID.String() < info.Participants[j].ID.String()
		})
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}
