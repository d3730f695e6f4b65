// SPDX-License-Identifier: GPL-3.0-or-later

package pkttest

import (
	"bytes"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// UDPDatagram is a UDP datagram extracted from a raw IP packet.
type UDPDatagram struct {
	// Src is the source endpoint.
	Src netip.AddrPort

	// Dst is the destination endpoint.
	Dst netip.AddrPort

	// Payload is the UDP payload.
	Payload []byte
}

// DissectUDP decodes a raw IPv4/IPv6 packet carrying UDP.
//
// It returns false if the packet is malformed or not UDP.
func DissectUDP(packet []byte) (UDPDatagram, bool) {
	// 1. select the first layer depending on the IP version
	if len(packet) < 1 {
		return UDPDatagram{}, false
	}
	var first gopacket.LayerType
	switch packet[0] >> 4 {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return UDPDatagram{}, false
	}

	// 2. decode without copying since we copy the payload later
	decoded := gopacket.NewPacket(packet, first, gopacket.NoCopy)
	netLayer := decoded.NetworkLayer()
	udpLayer, ok := decoded.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if netLayer == nil || !ok {
		return UDPDatagram{}, false
	}

	// 3. extract the endpoints
	srcIP, ok1 := netip.AddrFromSlice(netLayer.NetworkFlow().Src().Raw())
	dstIP, ok2 := netip.AddrFromSlice(netLayer.NetworkFlow().Dst().Raw())
	if !ok1 || !ok2 {
		return UDPDatagram{}, false
	}
	return UDPDatagram{
		Src:     netip.AddrPortFrom(srcIP, uint16(udpLayer.SrcPort)),
		Dst:     netip.AddrPortFrom(dstIP, uint16(udpLayer.DstPort)),
		Payload: bytes.Clone(nonNilBytes(udpLayer.Payload)),
	}, true
}
