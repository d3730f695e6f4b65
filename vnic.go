// SPDX-License-Identifier: GPL-3.0-or-later

package pkttest

import (
	"sync"
	"sync/atomic"

	"github.com/bassosimone/runtimex"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// VNICFrame is a raw IPv4 or IPv6 packet travelling between a [*VNIC]
// and its [VNICNetwork], without link-layer addressing.
type VNICFrame struct {
	// Packet contains the raw IP packet.
	Packet []byte

	// Timestamp is the transmit time in microseconds since the Unix
	// epoch according to the sending [*VNIC] clock. Zero means unknown.
	Timestamp int64
}

// VNICNetwork is the network a [*VNIC] transmits frames to.
//
// SendFrame returns false when the network cannot accept the frame.
// The [*Internet] implements this interface through [*Internet.NewVNIC].
type VNICNetwork interface {
	SendFrame(frame VNICFrame) bool
}

// VNICOption is an option for [NewVNIC].
type VNICOption func(cfg *vnicConfig)

type vnicConfig struct {
	clock Clock
}

// VNICOptionClock sets the [Clock] used to stamp transmitted frames.
// The default is [RealClock].
func VNICOptionClock(clock Clock) VNICOption {
	return func(cfg *vnicConfig) {
		cfg.clock = clock
	}
}

// VNICStats contains the [*VNIC] counters.
type VNICStats struct {
	// Sent is the number of frames the network accepted.
	Sent uint64

	// Received is the number of frames handed to the stack.
	Received uint64

	// Dropped is the number of frames dropped in either direction
	// because they exceeded the MTU or the network refused them.
	Dropped uint64
}

// VNIC is the gVisor [stack.LinkEndpoint] carrying raw IP packets
// between a [*Stack] and a [VNICNetwork].
//
// The stack transmits using [*VNIC.WritePackets], which stamps each
// frame using the configured [Clock]. The network delivers inbound
// frames using [*VNIC.InjectFrame].
//
// Construct using [NewVNIC] or [*Internet.NewVNIC].
type VNIC struct {
	clock    Clock
	network  VNICNetwork
	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64

	// mu protects the fields below.
	mu      sync.RWMutex
	closed  bool
	disp    stack.NetworkDispatcher
	laddr   tcpip.LinkAddress
	mtu     uint32
	onClose func()
}

var _ stack.LinkEndpoint = &VNIC{}

// NewVNIC creates a new [*VNIC] with the given MTU in bytes (e.g.,
// [MTUEthernet]) transmitting to network. With a nil network every
// write fails with [tcpip.ErrNoNet].
func NewVNIC(mtu uint32, network VNICNetwork, options ...VNICOption) *VNIC {
	cfg := &vnicConfig{clock: RealClock{}}
	for _, opt := range options {
		opt(cfg)
	}
	return &VNIC{
		clock:   cfg.clock,
		network: network,
		mtu:     mtu,
	}
}

// vnicLink is a consistent view of the mutable [*VNIC] fields.
type vnicLink struct {
	closed bool
	disp   stack.NetworkDispatcher
	mtu    uint32
}

func (n *VNIC) link() vnicLink {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return vnicLink{closed: n.closed, disp: n.disp, mtu: n.mtu}
}

// WritePackets implements [stack.LinkEndpoint].
func (n *VNIC) WritePackets(pkts stack.PacketBufferList) (int, tcpip.Error) {
	link := n.link()
	if link.closed || n.network == nil {
		return 0, &tcpip.ErrNoNet{}
	}
	timestamp := TimestampFromTime(n.clock.Now())
	var sent int
	for _, pkb := range pkts.AsSlice() {
		if n.transmit(link, vnicPacketBufferBytes(pkb), timestamp) {
			sent++
		}
	}
	return sent, nil
}

// transmit sends one serialized packet to the network.
func (n *VNIC) transmit(link vnicLink, packet []byte, timestamp int64) bool {
	switch {
	case len(packet) <= 0:
		return false
	case uint32(len(packet)) > link.mtu:
		n.dropped.Add(1)
		return false
	case !n.network.SendFrame(VNICFrame{Packet: packet, Timestamp: timestamp}):
		n.dropped.Add(1)
		return false
	default:
		n.sent.Add(1)
		return true
	}
}

// InjectFrame hands A COPY OF an inbound frame to the stack and returns
// whether the frame was delivered.
func (n *VNIC) InjectFrame(frame VNICFrame) bool {
	proto, ok := vnicNetworkProtocol(frame.Packet)
	if !ok {
		return false
	}
	link := n.link()
	if link.closed || link.disp == nil {
		return false
	}
	if uint32(len(frame.Packet)) > link.mtu {
		n.dropped.Add(1)
		return false
	}
	pkb := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte{}, frame.Packet...)),
	})
	defer pkb.DecRef()
	link.disp.DeliverNetworkPacket(proto, pkb)
	n.received.Add(1)
	return true
}

// Stats returns the current [VNICStats].
func (n *VNIC) Stats() VNICStats {
	return VNICStats{
		Sent:     n.sent.Load(),
		Received: n.received.Load(),
		Dropped:  n.dropped.Load(),
	}
}

// Attach implements [stack.LinkEndpoint]. A nil dispatcher detaches.
func (n *VNIC) Attach(disp stack.NetworkDispatcher) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed {
		n.disp = disp
	}
}

// IsAttached implements [stack.LinkEndpoint].
func (n *VNIC) IsAttached() bool {
	link := n.link()
	return link.disp != nil && !link.closed
}

// Close implements [stack.LinkEndpoint].
func (n *VNIC) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	n.disp = nil
	if n.onClose != nil {
		n.onClose()
	}
}

// SetOnCloseAction implements [stack.LinkEndpoint].
func (n *VNIC) SetOnCloseAction(action func()) {
	n.mu.Lock()
	n.onClose = action
	n.mu.Unlock()
}

// MTU implements [stack.LinkEndpoint].
func (n *VNIC) MTU() uint32 {
	return n.link().mtu
}

// SetMTU implements [stack.LinkEndpoint].
func (n *VNIC) SetMTU(mtu uint32) {
	n.mu.Lock()
	n.mtu = mtu
	n.mu.Unlock()
}

// LinkAddress implements [stack.LinkEndpoint].
func (n *VNIC) LinkAddress() tcpip.LinkAddress {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.laddr
}

// SetLinkAddress implements [stack.LinkEndpoint].
func (n *VNIC) SetLinkAddress(addr tcpip.LinkAddress) {
	n.mu.Lock()
	n.laddr = addr
	n.mu.Unlock()
}

// Frames are bare IP packets.

// ARPHardwareType implements [stack.LinkEndpoint].
func (n *VNIC) ARPHardwareType() header.ARPHardwareType { return header.ARPHardwareNone }

// AddHeader implements [stack.LinkEndpoint].
func (n *VNIC) AddHeader(*stack.PacketBuffer) {}

// ParseHeader implements [stack.LinkEndpoint].
func (n *VNIC) ParseHeader(*stack.PacketBuffer) bool { return true }

// MaxHeaderLength implements [stack.LinkEndpoint].
func (n *VNIC) MaxHeaderLength() uint16 { return 0 }

// Capabilities implements [stack.LinkEndpoint].
func (n *VNIC) Capabilities() stack.LinkEndpointCapabilities { return 0 }

// Wait implements [stack.LinkEndpoint]. There are no goroutines to wait for.
func (n *VNIC) Wait() {}

// vnicNetworkProtocol returns the network protocol from the IP version nibble.
func vnicNetworkProtocol(packet []byte) (tcpip.NetworkProtocolNumber, bool) {
	if len(packet) <= 0 {
		return 0, false
	}
	switch header.IPVersion(packet) {
	case header.IPv4Version:
		return ipv4.ProtocolNumber, true
	case header.IPv6Version:
		return ipv6.ProtocolNumber, true
	default:
		return 0, false
	}
}

// vnicPacketBufferBytes returns A COPY OF the bytes inside pkb.
func vnicPacketBufferBytes(pkb *stack.PacketBuffer) []byte {
	view := pkb.ToView()
	defer view.Release()
	out := make([]byte, view.Size())
	_ = runtimex.PanicOnError1(view.Read(out))
	return out
}
