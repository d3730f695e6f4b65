// SPDX-License-Identifier: GPL-3.0-or-later

// Package pkttest provides a deterministic harness for testing
// asynchronous packet sockets with synchronous assertions.
//
// A [PacketSocket] notifies received packets through a callback, possibly
// from another goroutine. A [*Harness] takes ownership of the socket,
// collects the notified packets into a [*PacketInbox], and lets the test
// wait for them with a bounded timeout using [*Harness.NextPacket],
// [*Harness.CheckNextPacket], and [*Harness.CheckNoPacket].
//
// While waiting, the harness advances time in one millisecond steps. By
// default, it pumps the consumer's [*EventLoop] in real time. When given a
// [*SimulatedClock], it fast-forwards the clock instead, so tests involving
// long timeouts run instantly and deterministically.
//
// The package ships three sockets to use with the harness:
//
// - [*VirtualSocket], bound on a [*VirtualNetwork], is an in-memory socket
// whose deliveries are scheduled on a [Clock];
//
// - [*AsyncUDPSocket] wraps a [net.PacketConn];
//
// - [*AsyncTCPSocket] frames packets over a [net.Conn].
//
// The last two usually run on top of a [*Stack], a gVisor userspace TCP/IP
// stack attached to a virtual [*Internet]. Use [*Internet.Route] to route
// packets between stacks, optionally dropping them using a filter built with
// [DissectUDP] and capturing them using a [*PcapTrace].
package pkttest
