// SPDX-License-Identifier: GPL-3.0-or-later

package pkttest

// Enumerate common MTU values.
const (
	// MTUEthernet is the MTU used by Ethernet.
	MTUEthernet = 1500

	// MTUMinimumIPv6 is the minimum MTU required by IPv6.
	MTUMinimumIPv6 = 1280

	// MTUJumbo is the MTU used by jumbo frames.
	MTUJumbo = 9000
)

// Enumerate the header sizes used by [MaxUDPPayload].
const (
	ipv4HeaderSize = 20
	ipv6HeaderSize = 40
	udpHeaderSize  = 8
)

// MaxUDPPayload returns the largest UDP payload that fits the given MTU
// without fragmentation.
func MaxUDPPayload(mtu uint32, ipv6 bool) int {
	overhead := ipv4HeaderSize + udpHeaderSize
	if ipv6 {
		overhead = ipv6HeaderSize + udpHeaderSize
	}
	return max(int(mtu)-overhead, 0)
}
