package protocol

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Rejection causes, in the order Decode checks them. The dispatcher treats all
// of them as "malformed"; they are distinct so tests and debug logs can tell
// a truncated frame from a corrupted one.
var (
	ErrTooShort        = errors.New("packet shorter than minimum frame")
	ErrBadMagic        = errors.New("bad magic bytes")
	ErrBadVersion      = errors.New("unsupported protocol version")
	ErrBadType         = errors.New("unknown packet type")
	ErrPayloadTooLarge = errors.New("declared payload exceeds maximum")
	ErrTruncated       = errors.New("frame shorter than declared payload plus checksum")
	ErrChecksum        = errors.New("checksum mismatch")
)

// Checksum computes the trailing CRC32 for a frame: the ISO-3309 / V.42
// variant (reflected, poly 0xEDB88320, init and final XOR 0xFFFFFFFF), which
// is exactly crc32.ChecksumIEEE.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// Decode parses one datagram into a Packet. The input slice is never
// modified; on error no partial packet is returned, so the caller may still
// log the raw frame. The payload is copied out of data, making the returned
// Packet safe to hold after the read buffer is reused.
func Decode(data []byte) (*Packet, error) {
	if len(data) < MinPacketSize {
		return nil, ErrTooShort
	}
	if binary.BigEndian.Uint32(data[0:4]) != Magic {
		return nil, ErrBadMagic
	}
	if data[4] != Version {
		return nil, ErrBadVersion
	}
	typ := data[5]
	if typ != TypeAudio && typ != TypeControl && typ != TypeHeartbeat {
		return nil, ErrBadType
	}
	payloadLen := int(binary.BigEndian.Uint16(data[48:50]))
	if payloadLen > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	if len(data) < HeaderSize+payloadLen+ChecksumSize {
		return nil, ErrTruncated
	}
	end := HeaderSize + payloadLen
	if binary.BigEndian.Uint32(data[end:end+4]) != Checksum(data[:end]) {
		return nil, ErrChecksum
	}

	pkt := &Packet{
		Version:   data[4],
		Type:      typ,
		Sequence:  binary.BigEndian.Uint32(data[6:10]),
		Timestamp: binary.BigEndian.Uint32(data[10:14]),
		Flags:     data[46],
		Reserved:  data[47],
	}
	copy(pkt.ChannelID[:], data[14:30])
	copy(pkt.ParticipantID[:], data[30:46])
	if payloadLen > 0 {
		pkt.Payload = make([]byte, payloadLen)
		copy(pkt.Payload, data[HeaderSize:end])
	}
	return pkt, nil
}

// Encode serializes a Packet into a fresh buffer, appending the CRC32 over
// everything written before it. The payload length field is taken from
// len(p.Payload); the caller guarantees it does not exceed MaxPayloadSize.
func Encode(p *Packet) []byte {
	buf := make([]byte, HeaderSize+len(p.Payload)+ChecksumSize)
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	buf[4] = p.Version
	buf[5] = p.Type
	binary.BigEndian.PutUint32(buf[6:10], p.Sequence)
	binary.BigEndian.PutUint32(buf[10:14], p.Timestamp)
	copy(buf[14:30], p.ChannelID[:])
	copy(buf[30:46], p.ParticipantID[:])
	buf[46] = p.Flags
	buf[47] = p.Reserved
	binary.BigEndian.PutUint16(buf[48:50], uint16(len(p.Payload)))
	copy(buf[HeaderSize:], p.Payload)
	end := HeaderSize + len(p.Payload)
	binary.BigEndian.PutUint32(buf[end:], Checksum(buf[:end]))
	return buf
}
