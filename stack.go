//
// SPDX-License-Identifier: MIT
//
// Adapted from: https://github.com/ooni/netem/blob/061c5671b52a2c064cac1de5d464bb056f7ccaa8/gvisor.go
// Adapted from: https://github.com/WireGuard/wireguard-go
//

package pkttest

import (
	"context"
	"fmt"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

// Stack is a gVisor userspace TCP/IP stack with a single NIC.
//
// It creates the [*UDPConn], [*TCPConn], and [*TCPListener] that
// [*AsyncUDPSocket] and [*AsyncTCPSocket] run on.
//
// Construct using [NewStack] or [*Internet.NewStack].
type Stack struct {
	addrs []netip.Addr
	gs    *stack.Stack
}

const (
	// stackNICID is the ID of the single NIC.
	stackNICID = 1

	// stackListenBacklog is the backlog of TCP listeners.
	stackListenBacklog = 4096
)

// NewStack creates a [*Stack] on top of link (usually a [*VNIC]) and
// assigns it the given addresses.
func NewStack(link stack.LinkEndpoint, addrs ...netip.Addr) (*Stack, error) {
	gs := stack.New(stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{
			ipv4.NewProtocol,
			ipv6.NewProtocol,
		},
		TransportProtocols: []stack.TransportProtocolFactory{
			tcp.NewProtocol,
			udp.NewProtocol,
			icmp.NewProtocol4,
			icmp.NewProtocol6,
		},
		HandleLocal: true,
	})
	if err := stackConfigureNIC(gs, link, addrs); err != nil {
		gs.Destroy()
		return nil, err
	}
	return &Stack{addrs: append([]netip.Addr{}, addrs...), gs: gs}, nil
}

// stackConfigureNIC attaches link, assigns addrs, and routes
// everything through the NIC.
func stackConfigureNIC(gs *stack.Stack, link stack.LinkEndpoint, addrs []netip.Addr) error {
	if err := gs.CreateNIC(stackNICID, link); err != nil {
		return fmt.Errorf("pkttest: create NIC: %w", errorsFromTCPIP(err))
	}
	for _, addr := range addrs {
		paddr := tcpip.ProtocolAddress{
			Protocol:          stackNetworkProtocol(addr),
			AddressWithPrefix: tcpip.AddrFromSlice(addr.AsSlice()).WithPrefix(),
		}
		if err := gs.AddProtocolAddress(stackNICID, paddr, stack.AddressProperties{}); err != nil {
			return fmt.Errorf("pkttest: add address %s: %w", addr, errorsFromTCPIP(err))
		}
	}
	gs.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: stackNICID},
		{Destination: header.IPv6EmptySubnet, NIC: stackNICID},
	})
	return nil
}

// Addrs returns the configured addresses.
func (sx *Stack) Addrs() []netip.Addr {
	return append([]netip.Addr{}, sx.addrs...)
}

// ListenUDP returns a [*UDPConn] bound to addr.
func (sx *Stack) ListenUDP(addr netip.AddrPort) (*UDPConn, error) {
	ep, wq, err := sx.newEndpoint(udp.ProtocolNumber, addr)
	if err != nil {
		return nil, err
	}
	if terr := ep.Bind(stackFullAddress(addr)); terr != nil {
		ep.Close()
		return nil, stackError("bind", addr, terr)
	}
	return newUDPConn(wq, ep), nil
}

// DialUDP returns a [*UDPConn] connected to addr, bound to an
// ephemeral local port.
func (sx *Stack) DialUDP(addr netip.AddrPort) (*UDPConn, error) {
	ep, wq, err := sx.newEndpoint(udp.ProtocolNumber, addr)
	if err != nil {
		return nil, err
	}
	if terr := ep.Connect(stackFullAddress(addr)); terr != nil {
		ep.Close()
		return nil, stackError("connect", addr, terr)
	}
	return newUDPConn(wq, ep), nil
}

// ListenTCP returns a [*TCPListener] bound to addr.
func (sx *Stack) ListenTCP(addr netip.AddrPort) (*TCPListener, error) {
	ep, wq, err := sx.newEndpoint(tcp.ProtocolNumber, addr)
	if err != nil {
		return nil, err
	}
	if terr := ep.Bind(stackFullAddress(addr)); terr != nil {
		ep.Close()
		return nil, stackError("bind", addr, terr)
	}
	if terr := ep.Listen(stackListenBacklog); terr != nil {
		ep.Close()
		return nil, stackError("listen", addr, terr)
	}
	return newTCPListener(wq, ep), nil
}

// DialTCP returns a [*TCPConn] connected to addr. It blocks until the
// handshake completes, fails, or ctx is done.
func (sx *Stack) DialTCP(ctx context.Context, addr netip.AddrPort) (*TCPConn, error) {
	ep, wq, err := sx.newEndpoint(tcp.ProtocolNumber, addr)
	if err != nil {
		return nil, err
	}

	// the endpoint becomes writable once the handshake is over
	entry, connected := waiter.NewChannelEntry(waiter.WritableEvents)
	wq.EventRegister(&entry)
	defer wq.EventUnregister(&entry)

	terr := ep.Connect(stackFullAddress(addr))
	if _, started := terr.(*tcpip.ErrConnectStarted); started {
		select {
		case <-ctx.Done():
			ep.Close()
			return nil, ctx.Err()
		case <-connected:
		}
		terr = ep.LastError()
	}
	if terr != nil {
		ep.Close()
		return nil, stackError("connect", addr, terr)
	}
	return newTCPConn(wq, ep), nil
}

// newEndpoint creates a transport endpoint for the family of addr.
func (sx *Stack) newEndpoint(proto tcpip.TransportProtocolNumber,
	addr netip.AddrPort) (tcpip.Endpoint, *waiter.Queue, error) {
	wq := &waiter.Queue{}
	ep, terr := sx.gs.NewEndpoint(proto, stackNetworkProtocol(addr.Addr()), wq)
	if terr != nil {
		return nil, nil, stackError("socket", addr, terr)
	}
	return ep, wq, nil
}

// Close destroys the stack and waits for the NIC teardown to finish.
func (sx *Stack) Close() {
	sx.gs.Destroy()
}

// stackError wraps a [tcpip.Error] occurred while operating on addr.
func stackError(op string, addr netip.AddrPort, err tcpip.Error) error {
	return fmt.Errorf("pkttest: %s %s: %w", op, addr, errorsFromTCPIP(err))
}

// stackFullAddress converts addr for the single NIC. Unspecified
// addresses accept traffic for any configured address.
func stackFullAddress(addr netip.AddrPort) tcpip.FullAddress {
	return tcpip.FullAddress{
		NIC:  stackNICID,
		Addr: tcpip.AddrFromSlice(addr.Addr().AsSlice()),
		Port: addr.Port(),
	}
}

func stackNetworkProtocol(addr netip.Addr) tcpip.NetworkProtocolNumber {
	if addr.Is4() {
		return ipv4.ProtocolNumber
	}
	return ipv6.ProtocolNumber
}
