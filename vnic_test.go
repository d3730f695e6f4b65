// SPDX-License-Identifier: GPL-3.0-or-later

package pkttest_test

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bassosimone/pkttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// countingDispatcher counts the packets a [*pkttest.VNIC] delivers.
type countingDispatcher struct {
	count atomic.Uint32
}

func (d *countingDispatcher) DeliverNetworkPacket(tcpip.NetworkProtocolNumber, *stack.PacketBuffer) {
	d.count.Add(1)
}

func (d *countingDispatcher) DeliverLinkPacket(tcpip.NetworkProtocolNumber, *stack.PacketBuffer) {
	d.count.Add(1)
}

// recordingNetwork is a [pkttest.VNICNetwork] saving the frames it accepts.
type recordingNetwork struct {
	accept bool
	frames []pkttest.VNICFrame
	mu     sync.Mutex
}

func (n *recordingNetwork) SendFrame(frame pkttest.VNICFrame) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.accept {
		n.frames = append(n.frames, frame)
	}
	return n.accept
}

func (n *recordingNetwork) Frames() []pkttest.VNICFrame {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]pkttest.VNICFrame{}, n.frames...)
}

func makePacketList(payloads ...[]byte) stack.PacketBufferList {
	var list stack.PacketBufferList
	for _, payload := range payloads {
		list.PushBack(stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(payload),
		}))
	}
	return list
}

func TestVNICWritePacketsStampsFrames(t *testing.T) {
	clock := pkttest.NewSimulatedClock(simulatedStart)
	network := &recordingNetwork{accept: true}
	vnic := pkttest.NewVNIC(pkttest.MTUEthernet, network, pkttest.VNICOptionClock(clock))

	src := netip.MustParseAddrPort("10.0.0.1:1234")
	dst := netip.MustParseAddrPort("10.0.0.2:5678")
	first := serializeUDP(t, src, dst, []byte("first"))
	second := serializeUDP(t, src, dst, []byte("second"))

	pkts := makePacketList(first)
	defer pkts.DecRef()
	num, err := vnic.WritePackets(pkts)
	require.True(t, err == nil)
	assert.Equal(t, 1, num)

	clock.AdvanceTime(250 * time.Microsecond)
	more := makePacketList(second)
	defer more.DecRef()
	num, err = vnic.WritePackets(more)
	require.True(t, err == nil)
	assert.Equal(t, 1, num)

	frames := network.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, first, frames[0].Packet)
	assert.Equal(t, pkttest.TimestampFromTime(simulatedStart), frames[0].Timestamp)
	assert.Equal(t, second, frames[1].Packet)
	assert.Equal(t, frames[0].Timestamp+250, frames[1].Timestamp)
	assert.Equal(t, pkttest.VNICStats{Sent: 2}, vnic.Stats())
}

func TestVNICWritePacketsFailures(t *testing.T) {
	cases := []struct {
		name    string
		mtu     uint32
		network *recordingNetwork
		closed  bool
		packet  []byte
		noNet   bool
		stats   pkttest.VNICStats
	}{{
		name:    "closed",
		mtu:     pkttest.MTUEthernet,
		network: &recordingNetwork{accept: true},
		closed:  true,
		packet:  []byte{0x45},
		noNet:   true,
	}, {
		name:   "without_network",
		mtu:    pkttest.MTUEthernet,
		packet: []byte{0x45},
		noNet:  true,
	}, {
		name:    "empty_packet",
		mtu:     pkttest.MTUEthernet,
		network: &recordingNetwork{accept: true},
		packet:  []byte{},
	}, {
		name:    "larger_than_mtu",
		mtu:     1,
		network: &recordingNetwork{accept: true},
		packet:  []byte{0x45, 0x00},
		stats:   pkttest.VNICStats{Dropped: 1},
	}, {
		name:    "network_refuses",
		mtu:     pkttest.MTUEthernet,
		network: &recordingNetwork{accept: false},
		packet:  []byte{0x45},
		stats:   pkttest.VNICStats{Dropped: 1},
	}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var network pkttest.VNICNetwork
			if tc.network != nil {
				network = tc.network
			}
			vnic := pkttest.NewVNIC(tc.mtu, network)
			if tc.closed {
				vnic.Close()
			}

			pkts := makePacketList(tc.packet)
			defer pkts.DecRef()
			num, err := vnic.WritePackets(pkts)
			assert.Equal(t, 0, num)
			if tc.noNet {
				_, isNoNet := err.(*tcpip.ErrNoNet)
				assert.True(t, isNoNet)
			} else {
				assert.True(t, err == nil)
			}
			if tc.network != nil {
				assert.Empty(t, tc.network.Frames())
			}
			assert.Equal(t, tc.stats, vnic.Stats())
		})
	}
}

func TestVNICInjectFrame(t *testing.T) {
	ipv4 := []byte{0x45, 0x00}
	ipv6 := []byte{0x60, 0x00}

	cases := []struct {
		name      string
		mtu       uint32
		attach    bool
		closed    bool
		packet    []byte
		delivered bool
		stats     pkttest.VNICStats
	}{{
		name:      "ipv4",
		mtu:       pkttest.MTUEthernet,
		attach:    true,
		packet:    ipv4,
		delivered: true,
		stats:     pkttest.VNICStats{Received: 1},
	}, {
		name:      "ipv6",
		mtu:       pkttest.MTUEthernet,
		attach:    true,
		packet:    ipv6,
		delivered: true,
		stats:     pkttest.VNICStats{Received: 1},
	}, {
		name:   "empty_packet",
		mtu:    pkttest.MTUEthernet,
		attach: true,
	}, {
		name:   "unknown_version",
		mtu:    pkttest.MTUEthernet,
		attach: true,
		packet: []byte{0x70},
	}, {
		name:   "without_dispatcher",
		mtu:    pkttest.MTUEthernet,
		packet: ipv4,
	}, {
		name:   "closed",
		mtu:    pkttest.MTUEthernet,
		attach: true,
		closed: true,
		packet: ipv4,
	}, {
		name:   "larger_than_mtu",
		mtu:    1,
		attach: true,
		packet: ipv4,
		stats:  pkttest.VNICStats{Dropped: 1},
	}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			vnic := pkttest.NewVNIC(tc.mtu, nil)
			disp := &countingDispatcher{}
			if tc.attach {
				vnic.Attach(disp)
			}
			if tc.closed {
				vnic.Close()
			}
			assert.Equal(t, tc.delivered, vnic.InjectFrame(pkttest.VNICFrame{Packet: tc.packet}))
			if tc.delivered {
				assert.Equal(t, uint32(1), disp.count.Load())
			} else {
				assert.Zero(t, disp.count.Load())
			}
			assert.Equal(t, tc.stats, vnic.Stats())
		})
	}
}

func TestVNICLinkEndpoint(t *testing.T) {
	vnic := pkttest.NewVNIC(pkttest.MTUEthernet, nil)

	assert.Equal(t, header.ARPHardwareNone, vnic.ARPHardwareType())
	assert.Equal(t, uint16(0), vnic.MaxHeaderLength())
	assert.Equal(t, stack.LinkEndpointCapabilities(0), vnic.Capabilities())

	vnic.SetMTU(pkttest.MTUJumbo)
	assert.Equal(t, uint32(pkttest.MTUJumbo), vnic.MTU())
	vnic.SetLinkAddress(tcpip.LinkAddress("vnic0"))
	assert.Equal(t, tcpip.LinkAddress("vnic0"), vnic.LinkAddress())

	var closed atomic.Uint32
	vnic.SetOnCloseAction(func() { closed.Add(1) })
	assert.False(t, vnic.IsAttached())
	vnic.Attach(&countingDispatcher{})
	assert.True(t, vnic.IsAttached())

	vnic.Close()
	vnic.Close()
	assert.False(t, vnic.IsAttached())
	assert.Equal(t, uint32(1), closed.Load())

	// a closed VNIC refuses new dispatchers
	vnic.Attach(&countingDispatcher{})
	assert.False(t, vnic.IsAttached())
	require.NotPanics(t, vnic.Wait)
}
