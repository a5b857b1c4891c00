package relay

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"throttletalk/server/internal/core"
	"throttletalk/server/internal/protocol"
)

func testConfig() core.Config {
	cfg := core.DefaultConfig()
	cfg.MaxParticipantsPerChannel = 8
	return cfg
}

// startRelay binds a relay on a random loopback port and serves it until the
// test ends.
func startRelay(t *testing.T, cfg core.Config) (*Server, *core.Registry, *net.UDPAddr) {
	t.Helper()

	registry := core.NewRegistry(cfg)
	srv := New(cfg, registry)
	if err := srv.Listen("127.0.0.1", 0); err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ctx); err != nil {
			t.Errorf("serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return srv, registry, srv.LocalAddr().(*net.UDPAddr)
}

// newPeer opens a loopback UDP socket acting as one client.
func newPeer(t *testing.T) *net.UDPConn {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("peer socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendPacket(t *testing.T, conn *net.UDPConn, server *net.UDPAddr, pkt *protocol.Packet) []byte {
	t.Helper()

	frame := protocol.Encode(pkt)
	if _, err := conn.WriteToUDP(frame, server); err != nil {
		t.Fatalf("send: %v", err)
	}
	return frame
}

func heartbeat(channel, participant uuid.UUID, flags byte) *protocol.Packet {
	return &protocol.Packet{
		Version:       protocol.Version,
		Type:          protocol.TypeHeartbeat,
		ChannelID:     channel,
		ParticipantID: participant,
		Flags:         flags,
	}
}

func audio(channel, participant uuid.UUID, seq uint32, payload []byte) *protocol.Packet {
	return &protocol.Packet{
		Version:       protocol.Version,
		Type:          protocol.TypeAudio,
		Sequence:      seq,
		ChannelID:     channel,
		ParticipantID: participant,
		Flags:         protocol.FlagVoxActive,
		Payload:       payload,
	}
}

func control(channel, participant uuid.UUID, payload []byte) *protocol.Packet {
	return &protocol.Packet{
		Version:       protocol.Version,
		Type:          protocol.TypeControl,
		ChannelID:     channel,
		ParticipantID: participant,
		Payload:       payload,
	}
}

// recvType reads datagrams until one decodes to the wanted type, skipping
// everything else (e.g. queued heartbeat fan-outs). Returns the raw frame and
// the packet, or fails the test on timeout.
func recvType(t *testing.T, conn *net.UDPConn, want byte) ([]byte, *protocol.Packet) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	buf := make([]byte, 4096)
	for {
		conn.SetReadDeadline(deadline)
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("no packet of type %#x received: %v", want, err)
		}
		pkt, err := protocol.Decode(buf[:n])
		if err != nil {
			t.Fatalf("received undecodable datagram: %v", err)
		}
		if pkt.Type == want {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			return frame, pkt
		}
	}
}

// expectNoType asserts no datagram of the given type arrives within the
// window.
func expectNoType(t *testing.T, conn *net.UDPConn, unwanted byte, window time.Duration) {
	t.Helper()

	deadline := time.Now().Add(window)
	buf := make([]byte, 4096)
	for {
		conn.SetReadDeadline(deadline)
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return // timeout: nothing unwanted arrived
		}
		if pkt, err := protocol.Decode(buf[:n]); err == nil && pkt.Type == unwanted {
			t.Fatalf("unexpected packet of type %#x", unwanted)
		}
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestAudioFanOutIsByteIdentical(t *testing.T) {
	_, registry, server := startRelay(t, testConfig())
	channel := uuid.New()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	connA, connB, connC := newPeer(t), newPeer(t), newPeer(t)

	sendPacket(t, connA, server, heartbeat(channel, a, 0))
	sendPacket(t, connB, server, heartbeat(channel, b, 0))
	sendPacket(t, connC, server, heartbeat(channel, c, 0))
	waitFor(t, func() bool { _, n := registry.Counts(); return n == 3 }, "three participants should join")

	sent := sendPacket(t, connA, server, audio(channel, a, 1, []byte("voice frame")))

	gotB, _ := recvType(t, connB, protocol.TypeAudio)
	gotC, _ := recvType(t, connC, protocol.TypeAudio)
	if !bytes.Equal(gotB, sent) || !bytes.Equal(gotC, sent) {
		t.Fatal("forwarded datagrams must be byte-identical to the sender's")
	}

	expectNoType(t, connA, protocol.TypeAudio, 200*time.Millisecond)
}

func TestSilentAudioIsDropped(t *testing.T) {
	_, registry, server := startRelay(t, testConfig())
	channel := uuid.New()
	a, b := uuid.New(), uuid.New()
	connA, connB := newPeer(t), newPeer(t)

	sendPacket(t, connA, server, heartbeat(channel, a, 0))
	sendPacket(t, connB, server, heartbeat(channel, b, 0))
	waitFor(t, func() bool { _, n := registry.Counts(); return n == 2 }, "two participants should join")

	pkt := audio(channel, a, 1, []byte("hiss"))
	pkt.Flags = 0 // no VOX
	sendPacket(t, connA, server, pkt)

	expectNoType(t, connB, protocol.TypeAudio, 300*time.Millisecond)
}

func TestHeartbeatFollowsNATRebind(t *testing.T) {
	_, registry, server := startRelay(t, testConfig())
	channel := uuid.New()
	a, b := uuid.New(), uuid.New()
	connA1, connA2, connB := newPeer(t), newPeer(t), newPeer(t)

	sendPacket(t, connA1, server, heartbeat(channel, a, 0))
	sendPacket(t, connB, server, heartbeat(channel, b, 0))
	waitFor(t, func() bool { _, n := registry.Counts(); return n == 2 }, "two participants should join")

	// A's externally visible address changes.
	sendPacket(t, connA2, server, heartbeat(channel, a, 0))
	waitFor(t, func() bool {
		addr, ok := registry.ParticipantAddr(channel, a)
		return ok && addr.String() == connA2.LocalAddr().String()
	}, "registry should follow A's new address")

	sendPacket(t, connB, server, audio(channel, b, 1, []byte("after rebind")))

	if _, pkt := recvType(t, connA2, protocol.TypeAudio); pkt.ParticipantID != b {
		t.Fatalf("audio sender = %s, want %s", pkt.ParticipantID, b)
	}
	expectNoType(t, connA1, protocol.TypeAudio, 200*time.Millisecond)
}

func TestControlLeaveRemovesParticipant(t *testing.T) {
	_, registry, server := startRelay(t, testConfig())
	channel := uuid.New()
	a, b := uuid.New(), uuid.New()
	connA, connB := newPeer(t), newPeer(t)

	sendPacket(t, connA, server, heartbeat(channel, a, 0))
	sendPacket(t, connB, server, heartbeat(channel, b, 0))
	waitFor(t, func() bool { _, n := registry.Counts(); return n == 2 }, "two participants should join")

	sendPacket(t, connA, server, control(channel, a, []byte{protocol.CmdLeave}))
	waitFor(t, func() bool { _, n := registry.Counts(); return n == 1 }, "leave should remove the sender")

	sendPacket(t, connB, server, control(channel, b, []byte{protocol.CmdLeave}))
	waitFor(t, func() bool { c, _ := registry.Counts(); return c == 0 }, "last leave should remove the channel")
}

func TestKickRequiresEstablishedAdmin(t *testing.T) {
	_, registry, server := startRelay(t, testConfig())
	channel := uuid.New()
	admin, target, impostor := uuid.New(), uuid.New(), uuid.New()
	connAdmin, connTarget, connImpostor := newPeer(t), newPeer(t), newPeer(t)

	sendPacket(t, connAdmin, server, heartbeat(channel, admin, protocol.FlagAdmin))
	sendPacket(t, connTarget, server, heartbeat(channel, target, 0))
	sendPacket(t, connImpostor, server, heartbeat(channel, impostor, 0))
	waitFor(t, func() bool { _, n := registry.Counts(); return n == 3 }, "three participants should join")

	kick := append([]byte{protocol.CmdKick}, target[:]...)

	// The admin bit in the packet flags is forgeable and must be ignored.
	forged := control(channel, impostor, kick)
	forged.Flags = protocol.FlagAdmin
	sendPacket(t, connImpostor, server, forged)

	expectNoType(t, connTarget, protocol.TypeControl, 300*time.Millisecond)
	if _, ok := registry.ParticipantAddr(channel, target); !ok {
		t.Fatal("forged kick must not remove the target")
	}

	// The real admin, established by heartbeat, succeeds.
	sendPacket(t, connAdmin, server, control(channel, admin, kick))

	_, notice := recvType(t, connTarget, protocol.TypeControl)
	if len(notice.Payload) != 17 || notice.Payload[0] != protocol.NoticeKicked {
		t.Fatalf("notice payload = % X, want kick notice", notice.Payload)
	}
	if !bytes.Equal(notice.Payload[1:17], target[:]) {
		t.Fatal("notice must name the kicked participant")
	}
	if notice.ParticipantID != admin || !notice.AdminClaim() {
		t.Fatalf("notice sender = %s flags = %#x, want admin", notice.ParticipantID, notice.Flags)
	}

	waitFor(t, func() bool {
		_, ok := registry.ParticipantAddr(channel, target)
		return !ok
	}, "kick should remove the target")
}

func TestMuteNoticeIsTargeted(t *testing.T) {
	_, registry, server := startRelay(t, testConfig())
	channel := uuid.New()
	admin, target, bystander := uuid.New(), uuid.New(), uuid.New()
	connAdmin, connTarget, connBystander := newPeer(t), newPeer(t), newPeer(t)

	sendPacket(t, connAdmin, server, heartbeat(channel, admin, protocol.FlagAdmin))
	sendPacket(t, connTarget, server, heartbeat(channel, target, 0))
	sendPacket(t, connBystander, server, heartbeat(channel, bystander, 0))
	waitFor(t, func() bool { _, n := registry.Counts(); return n == 3 }, "three participants should join")

	mute := append([]byte{protocol.CmdMute}, target[:]...)
	sendPacket(t, connAdmin, server, control(channel, admin, mute))

	_, notice := recvType(t, connTarget, protocol.TypeControl)
	if notice.Payload[0] != protocol.NoticeMuted {
		t.Fatalf("notice = %#x, want mute notice", notice.Payload[0])
	}
	expectNoType(t, connBystander, protocol.TypeControl, 300*time.Millisecond)

	if _, ok := registry.ParticipantAddr(channel, target); !ok {
		t.Fatal("mute must not remove the target")
	}
}

func TestMalformedDatagramsAreCountedAndDropped(t *testing.T) {
	srv, registry, server := startRelay(t, testConfig())
	conn := newPeer(t)

	if _, err := conn.WriteToUDP([]byte("not a ttlk frame"), server); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, func() bool { return srv.Stats().Malformed == 1 }, "malformed counter should increment")
	if channels, _ := registry.Counts(); channels != 0 {
		t.Fatal("malformed datagram must not create state")
	}
}

func TestStaleParticipantsAreSweptEndToEnd(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatTimeout = 200 * time.Millisecond
	cfg.HeartbeatInterval = 50 * time.Millisecond
	_, registry, server := startRelay(t, cfg)

	channel := uuid.New()
	conn := newPeer(t)
	sendPacket(t, conn, server, heartbeat(channel, uuid.New(), 0))
	waitFor(t, func() bool { c, _ := registry.Counts(); return c == 1 }, "participant should join")

	// No further heartbeats: the sweep evicts the participant and the empty
	// channel with it.
	waitFor(t, func() bool { c, _ := registry.Counts(); return c == 0 }, "sweep should evict and remove")
}

func TestUnknownControlCommandIsIgnored(t *testing.T) {
	_, registry, server := startRelay(t, testConfig())
	channel := uuid.New()
	admin, other := uuid.New(), uuid.New()
	connAdmin, connOther := newPeer(t), newPeer(t)

	sendPacket(t, connAdmin, server, heartbeat(channel, admin, protocol.FlagAdmin))
	sendPacket(t, connOther, server, heartbeat(channel, other, 0))
	waitFor(t, func() bool { _, n := registry.Counts(); return n == 2 }, "two participants should join")

	bogus := append([]byte{0x7E}, other[:]...)
	sendPacket(t, connAdmin, server, control(channel, admin, bogus))

	expectNoType(t, connOther, protocol.TypeControl, 300*time.Millisecond)
	if _, ok := registry.ParticipantAddr(channel, other); !ok {
		t.Fatal("unknown command must not mutate state")
	}
}
