package transport

import (
	"encoding/binary"
	"errors"
)

// PacketType identifies the role of a datagram on the wire.
type PacketType byte

const (
	// PacketData carries one payload segment of a larger blob.
	PacketData PacketType = 'D'
	// PacketFin announces the total segment count of a blob. Its sequence
	// field holds the count rather than a segment number.
	PacketFin PacketType = 'F'
	// PacketAck reports receipt state back to the sender. Its payload is a
	// bitmap with bit i of byte i/8 set for every segment i already held.
	PacketAck PacketType = 'A'
)

// HeaderSize is the fixed wire header: 4-byte big-endian sequence number
// followed by 1 type byte.
const HeaderSize = 5

// ErrPacketTooShort indicates a datagram smaller than the fixed header.
var ErrPacketTooShort = errors.New("packet too short")

// Packet is one datagram of the reliable-delivery protocol.
type Packet struct {
	Seq     uint32
	Type    PacketType
	Payload []byte
}

// Marshal converts a packet to its wire representation.
func (p *Packet) Marshal() []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	binary.BigEndian.PutUint32(buf[0:4], p.Seq)
	buf[4] = byte(p.Type)
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// ParsePacket converts a received datagram to a Packet structure.
// Datagrams shorter than the header are rejected; callers discard them.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, ErrPacketTooShort
	}

	p := &Packet{
		Seq:     binary.BigEndian.Uint32(data[0:4]),
		Type:    PacketType(data[4]),
		Payload: make([]byte, len(data)-HeaderSize),
	}
	copy(p.Payload, data[HeaderSize:])

	return p, nil
}

// buildBitmap packs the receipt state for segments [0, total) into a bitmap
// suitable for a PacketAck payload.
func buildBitmap(held map[uint32][]byte, total uint32) []byte {
	bitmap := make([]byte, (total+7)/8)
	for seq := range held {
		if seq < total {
			bitmap[seq/8] |= 1 << (seq % 8)
		}
	}
	return bitmap
}

// bitmapHas reports whether the bitmap marks segment seq as received.
func bitmapHas(bitmap []byte, seq uint32) bool {
	idx := seq / 8
	if idx >= uint32(len(bitmap)) {
		return false
	}
	return bitmap[idx]&(1<<(seq%8)) != 0
}
