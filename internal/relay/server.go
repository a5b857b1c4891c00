// Package relay owns the UDP socket and the per-datagram pipeline:
// decode, route by packet type, fan out, and the periodic stale sweep.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"throttletalk/server/internal/core"
	"throttletalk/server/internal/protocol"
)

// readBufferSize is the receive buffer handed to ReadFromUDP. Any valid frame
// fits; Decode reads only the header, declared payload and checksum, so bytes
// beyond them are ignored.
const readBufferSize = 4096

// Stats is a snapshot of the relay's lifetime counters.
type Stats struct {
	Received  uint64
	Malformed uint64
	Forwarded uint64
	Bytes     uint64
}

// Server is the single-loop UDP relay. One goroutine reads and handles
// datagrams; a second drives the sweep ticker. Registry access from both is
// serialized by the registry's own mutex.
type Server struct {
	cfg      core.Config
	registry *core.Registry
	conn     *net.UDPConn

	totalReceived  atomic.Uint64
	totalMalformed atomic.Uint64
	totalForwarded atomic.Uint64
	totalBytes     atomic.Uint64
}

// New returns a relay over the given registry. Call Listen before Serve.
func New(cfg core.Config, registry *core.Registry) *Server {
	return &Server{cfg: cfg, registry: registry}
}

// Listen binds the UDP socket with address reuse enabled. A bind failure is
// returned to the caller, which treats it as fatal.
func (s *Server) Listen(host string, port int) error {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				// SO_REUSEPORT is not available everywhere; best effort.
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("bind udp %s:%d: %w", host, port, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return fmt.Errorf("bind udp %s:%d: not a UDP conn", host, port)
	}
	s.conn = conn
	slog.Info("relay listening", "addr", conn.LocalAddr().String())
	return nil
}

// LocalAddr returns the bound socket address. Valid after Listen.
func (s *Server) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Serve runs the read loop until ctx is canceled. Shutdown order: the sweep
// ticker is stopped first, then the socket is closed, which unblocks the
// reader.
func (s *Server) Serve(ctx context.Context) error {
	sweepDone := make(chan struct{})
	go s.runSweep(ctx, sweepDone)

	go func() {
		<-ctx.Done()
		<-sweepDone
		s.conn.Close()
	}()

	buf := make([]byte, readBufferSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				slog.Info("relay stopped")
				return nil
			}
			return fmt.Errorf("udp read: %w", err)
		}
		s.handleDatagram(buf[:n], addr, time.Now())
	}
}

// runSweep evicts stale participants every HeartbeatInterval. The first tick
// fires one full interval after startup.
func (s *Server) runSweep(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted, removed := s.registry.Sweep(time.Now())
			if evicted > 0 || removed > 0 {
				slog.Debug("sweep", "evicted", evicted, "channels_removed", removed)
			}
		}
	}
}

// handleDatagram runs the full pipeline for one inbound datagram.
func (s *Server) handleDatagram(data []byte, addr *net.UDPAddr, now time.Time) {
	s.totalReceived.Add(1)
	s.totalBytes.Add(uint64(len(data)))

	pkt, err := protocol.Decode(data)
	if err != nil {
		s.totalMalformed.Add(1)
		slog.Warn("malformed datagram dropped", "addr", addr.String(), "len", len(data), "err", err)
		return
	}

	switch pkt.Type {
	case protocol.TypeAudio:
		s.handleAudio(pkt, addr, now)
	case protocol.TypeHeartbeat:
		s.handleHeartbeat(pkt, addr, now)
	case protocol.TypeControl:
		s.handleControl(pkt, addr)
	}
}

// handleAudio relays one voice frame to the sender's channel peers. Frames
// without voice activity are dropped at the edge.
func (s *Server) handleAudio(pkt *protocol.Packet, addr *net.UDPAddr, now time.Time) {
	if !pkt.VoxActive() {
		slog.Debug("silent audio dropped", "participant_id", pkt.ParticipantID)
		return
	}
	if !s.registry.Join(pkt.ChannelID, pkt.ParticipantID, addr, now) {
		return
	}
	if !s.registry.AllowPacket(pkt.ChannelID, pkt.ParticipantID, now) {
		slog.Debug("rate limited", "channel_id", pkt.ChannelID, "participant_id", pkt.ParticipantID)
		return
	}
	s.totalForwarded.Add(uint64(s.registry.Forward(pkt, pkt.ParticipantID, s.conn)))
}

// handleHeartbeat refreshes presence and fans the heartbeat out so channel
// peers learn the sender's flags. The heartbeat's flags byte is the only
// trusted carrier of the admin claim.
func (s *Server) handleHeartbeat(pkt *protocol.Packet, addr *net.UDPAddr, now time.Time) {
	if !s.registry.Join(pkt.ChannelID, pkt.ParticipantID, addr, now) {
		return
	}
	s.registry.UpdateParticipant(pkt.ChannelID, pkt.ParticipantID, addr, pkt.Flags, now)
	s.totalForwarded.Add(uint64(s.registry.Forward(pkt, pkt.ParticipantID, s.conn)))
}

// handleControl executes in-band moderation. Leave needs no privilege; every
// other command requires admin status established by a prior heartbeat; the
// admin bit on the incoming packet is trivially forgeable and is ignored.
func (s *Server) handleControl(pkt *protocol.Packet, addr *net.UDPAddr) {
	if len(pkt.Payload) < 1 {
		slog.Debug("control without command byte", "addr", addr.String())
		return
	}
	cmd := pkt.Payload[0]

	if cmd == protocol.CmdLeave {
		s.registry.Leave(pkt.ChannelID, pkt.ParticipantID)
		return
	}

	if !s.registry.IsAdmin(pkt.ChannelID, pkt.ParticipantID) {
		slog.Warn("control from non-admin dropped", "channel_id", pkt.ChannelID, "participant_id", pkt.ParticipantID, "cmd", cmd)
		return
	}
	if len(pkt.Payload) < 1+16 {
		slog.Debug("admin control without target", "cmd", cmd)
		return
	}
	var target uuid.UUID
	copy(target[:], pkt.Payload[1:17])

	switch cmd {
	case protocol.CmdMute:
		s.sendNotice(pkt, protocol.NoticeMuted, target)
	case protocol.CmdUnmute:
		s.sendNotice(pkt, protocol.NoticeUnmuted, target)
	case protocol.CmdKick:
		s.sendNotice(pkt, protocol.NoticeKicked, target)
		s.registry.Leave(pkt.ChannelID, target)
	default:
		slog.Debug("unknown control command", "cmd", cmd)
	}
}

// sendNotice writes a targeted control response to one participant. Notices
// are never fanned out.
func (s *Server) sendNotice(cause *protocol.Packet, notice byte, target uuid.UUID) {
	addr, ok := s.registry.ParticipantAddr(cause.ChannelID, target)
	if !ok {
		slog.Debug("notice target not in channel", "channel_id", cause.ChannelID, "target", target)
		return
	}

	payload := make([]byte, 1+16)
	payload[0] = notice
	copy(payload[1:], target[:])

	buf := protocol.Encode(&protocol.Packet{
		Version:       protocol.Version,
		Type:          protocol.TypeControl,
		ChannelID:     cause.ChannelID,
		ParticipantID: cause.ParticipantID,
		Flags:         protocol.FlagAdmin,
		Payload:       payload,
	})
	if _, err := s.conn.WriteTo(buf, addr); err != nil {
		slog.Error("notice write failed", "addr", addr.String(), "err", err)
	}
}

// Stats returns the lifetime counters.
func (s *Server) Stats() Stats {
	return Stats{
		Received:  s.totalReceived.Load(),
		Malformed: s.totalMalformed.Load(),
		Forwarded: s.totalForwarded.Load(),
		Bytes:     s.totalBytes.Load(),
	}
}
