// SPDX-License-Identifier: GPL-3.0-or-later

package pkttest

import (
	"net/netip"
	"sync"
	"sync/atomic"
)

// PacketInbox is a thread-safe FIFO of received [Packet]s.
//
// The socket notification path calls [*PacketInbox.Enqueue] and the
// consumer calls [*PacketInbox.TryDequeue]. Both run under the same
// mutex, which is never held while doing anything else.
//
// Construct using [NewPacketInbox].
type PacketInbox struct {
	// dropped counts packets discarded because the inbox was full.
	dropped atomic.Uint64

	// maxPackets is the maximum queue length (zero means unbounded).
	maxPackets int

	// mu provides mutual exclusion.
	mu sync.Mutex

	// packets contains the queued packets in arrival order.
	packets ring[Packet]
}

// PacketInboxOption is an option for [NewPacketInbox].
type PacketInboxOption func(cfg *packetInboxConfig)

type packetInboxConfig struct {
	maxPackets int
}

// PacketInboxOptionMaxPackets caps the number of queued packets.
//
// By default the inbox is unbounded. When capped and full, newly
// arriving packets are silently dropped and counted by [*PacketInbox.Dropped].
func PacketInboxOptionMaxPackets(max int) PacketInboxOption {
	return func(cfg *packetInboxConfig) {
		cfg.maxPackets = max
	}
}

// NewPacketInbox creates a new empty [*PacketInbox].
func NewPacketInbox(options ...PacketInboxOption) *PacketInbox {
	cfg := &packetInboxConfig{}
	for _, opt := range options {
		opt(cfg)
	}
	return &PacketInbox{maxPackets: cfg.maxPackets}
}

// Enqueue appends A COPY OF the given packet at the tail of the queue.
func (ib *PacketInbox) Enqueue(addr netip.AddrPort, payload []byte, timestamp int64) {
	// copy before locking to keep the critical section short
	pkt := NewPacket(addr, payload, timestamp)

	ib.mu.Lock()
	defer ib.mu.Unlock()
	if ib.maxPackets > 0 && ib.packets.Len() >= ib.maxPackets {
		ib.dropped.Add(1)
		return
	}
	ib.packets.PushBack(pkt)
}

// TryDequeue removes and returns the oldest packet, if any.
func (ib *PacketInbox) TryDequeue() (Packet, bool) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return ib.packets.PopFront()
}

// Empty returns whether there are no queued packets.
func (ib *PacketInbox) Empty() bool {
	return ib.Len() <= 0
}

// Len returns the number of queued packets.
func (ib *PacketInbox) Len() int {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return ib.packets.Len()
}

// Drain discards all the queued packets and returns their number.
func (ib *PacketInbox) Drain() int {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return ib.packets.Clear()
}

// Dropped returns the number of packets dropped because the inbox was full.
func (ib *PacketInbox) Dropped() uint64 {
	return ib.dropped.Load()
}
