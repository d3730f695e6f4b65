// SPDX-License-Identifier: GPL-3.0-or-later

package pkttest

import (
	"bytes"
	"net/netip"
	"time"
)

// TimestampUnset is the [Packet] timestamp meaning "not captured".
const TimestampUnset = int64(-1)

// Packet is a snapshot of a received datagram.
//
// A Packet owns its Data: [NewPacket] and [Packet.Clone] copy the
// payload so that two packets never alias the same buffer.
type Packet struct {
	// Addr is the address of the sender.
	Addr netip.AddrPort

	// Data contains the datagram payload.
	Data []byte

	// Timestamp is the capture time in microseconds or [TimestampUnset].
	Timestamp int64
}

// NewPacket creates a [Packet] holding A COPY OF the given payload.
func NewPacket(addr netip.AddrPort, payload []byte, timestamp int64) Packet {
	return Packet{
		Addr:      addr,
		Data:      bytes.Clone(nonNilBytes(payload)),
		Timestamp: timestamp,
	}
}

// Clone returns a deep copy of the packet.
func (p Packet) Clone() Packet {
	return NewPacket(p.Addr, p.Data, p.Timestamp)
}

// Equal returns whether the packet payload equals data byte-for-byte.
func (p Packet) Equal(data []byte) bool {
	return bytes.Equal(p.Data, data)
}

// TimestampFromTime converts a clock reading into a [Packet] timestamp.
func TimestampFromTime(t time.Time) int64 {
	return t.UnixMicro()
}

// timeFromTimestamp is the inverse of [TimestampFromTime].
func timeFromTimestamp(timestamp int64) time.Time {
	return time.UnixMicro(timestamp)
}

// nonNilBytes ensures that empty payloads clone into an empty,
// non-nil slice, so a zero-length datagram is distinguishable from
// the zero-value [Packet].
func nonNilBytes(data []byte) []byte {
	if data == nil {
		return []byte{}
	}
	return data
}
