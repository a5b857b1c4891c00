// Package protocol defines the ThrottleTalk wire format and its codec.
package protocol

import "github.com/google/uuid"

// Magic is the four-byte frame marker "TTLK" read as a big-endian uint32.
const Magic uint32 = 0x54544C4B

// Version is the only protocol version this server speaks.
const Version byte = 0x01

// Packet types.
const (
	TypeAudio     byte = 0x01
	TypeControl   byte = 0x02
	TypeHeartbeat byte = 0x03
)

// Flag bits carried in the packet flags byte.
const (
	FlagVoxActive byte = 1 << 0 // sender-side voice activity detected
	FlagMuted     byte = 1 << 1 // sender has muted itself
	FlagAdmin     byte = 1 << 2 // sender claims admin status (trusted only via heartbeat)
)

// Control command bytes (first payload byte of a control packet).
const (
	CmdMute   byte = 0x01
	CmdUnmute byte = 0x02
	CmdKick   byte = 0x03
	CmdLeave  byte = 0x30
)

// Control response bytes sent in targeted admin notices.
const (
	NoticeMuted   byte = 0x10
	NoticeUnmuted byte = 0x11
	NoticeKicked  byte = 0x12
)

// Wire layout sizes.
const (
	// HeaderSize is the fixed header length:
	// magic(4) + version(1) + type(1) + seq(4) + ts(4) +
	// channelID(16) + participantID(16) + flags(1) + reserved(1) + payloadLen(2).
	HeaderSize = 50

	// ChecksumSize is the trailing CRC32 length.
	ChecksumSize = 4

	// MinPacketSize is an empty-payload packet: header plus checksum.
	MinPacketSize = HeaderSize + ChecksumSize

	// MaxPayloadSize caps the declared payload length; larger frames are rejected.
	MaxPayloadSize = 2048

	// MaxPacketSize is the largest frame the codec will ever produce or accept.
	MaxPacketSize = HeaderSize + MaxPayloadSize + ChecksumSize
)

// Packet is one decoded ThrottleTalk frame. Sequence and Timestamp are
// sender-assigned and opaque to the server; it never inspects, dedupes, or
// reorders on them.
type Packet struct {
	Version       byte
	Type          byte
	Sequence      uint32
	Timestamp     uint32
	ChannelID     uuid.UUID
	ParticipantID uuid.UUID
	Flags         byte
	Reserved      byte
	Payload       []byte
}

// VoxActive reports whether the sender marked this frame as carrying speech.
func (p *Packet) VoxActive() bool { return p.Flags&FlagVoxActive != 0 }

// AdminClaim reports whether the sender set the admin bit.
func (p *Packet) AdminClaim() bool { return p.Flags&FlagAdmin != 0 }
