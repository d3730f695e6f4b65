// SPDX-License-Identifier: GPL-3.0-or-later

package pkttest

import (
	"context"
	"net"
)

// Connector is the [*Stack] counterpart of [net.Dialer] and the
// [Dialer] used by [DialAsyncTCPSocket].
//
// Only IP literal endpoints are supported. Construct using [NewConnector].
type Connector struct {
	stack *Stack
}

var _ Dialer = &Connector{}

// NewConnector creates a new [*Connector] instance.
func NewConnector(stack *Stack) *Connector {
	return &Connector{stack: stack}
}

// DialContext returns a [*TCPConn] when network is "tcp" and a
// connected [*UDPConn] when network is "udp".
func (c *Connector) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	addr, err := parseStackEndpoint(network, address, "tcp", "udp")
	if err != nil {
		return nil, err
	}
	var conn net.Conn
	switch network {
	case "udp":
		conn, err = c.stack.DialUDP(addr)
	default:
		conn, err = c.stack.DialTCP(ctx, addr)
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}
