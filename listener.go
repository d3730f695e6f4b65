// SPDX-License-Identifier: GPL-3.0-or-later

package pkttest

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"syscall"
)

// ListenConfig is the [*Stack] counterpart of [net.ListenConfig].
//
// Only IP literal endpoints are supported. Construct using [NewListenConfig].
type ListenConfig struct {
	stack *Stack
}

// NewListenConfig creates a new [*ListenConfig] instance.
func NewListenConfig(stack *Stack) *ListenConfig {
	return &ListenConfig{stack: stack}
}

// ListenPacket returns a [*UDPConn] bound to address. The network must be "udp".
func (lc *ListenConfig) ListenPacket(ctx context.Context, network, address string) (net.PacketConn, error) {
	addr, err := parseStackEndpoint(network, address, "udp")
	if err != nil {
		return nil, err
	}
	pconn, err := lc.stack.ListenUDP(addr)
	if err != nil {
		return nil, err
	}
	return pconn, nil
}

// Listen returns a [*TCPListener] bound to address. The network must be "tcp".
func (lc *ListenConfig) Listen(ctx context.Context, network, address string) (net.Listener, error) {
	addr, err := parseStackEndpoint(network, address, "tcp")
	if err != nil {
		return nil, err
	}
	listener, err := lc.stack.ListenTCP(addr)
	if err != nil {
		return nil, err
	}
	return listener, nil
}

// parseStackEndpoint checks network against the allowed ones and
// parses address, which must be an IP literal with a port.
func parseStackEndpoint(network, address string, allowed ...string) (netip.AddrPort, error) {
	known := false
	for _, candidate := range allowed {
		known = known || network == candidate
	}
	if !known {
		return netip.AddrPort{}, fmt.Errorf("pkttest: network %q: %w", network, syscall.EPROTOTYPE)
	}
	addr, err := netip.ParseAddrPort(address)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("pkttest: address %q: %w", address, err)
	}
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()), nil
}
