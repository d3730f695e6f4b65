// SPDX-License-Identifier: GPL-3.0-or-later

package pkttest

import (
	"fmt"
	"net/netip"
)

// SocketState is the state of a [PacketSocket].
type SocketState int

// Enumerate the [SocketState] values.
const (
	// SocketStateClosed means the socket is closed or failed to connect.
	SocketStateClosed = SocketState(iota)

	// SocketStateBinding means the socket is acquiring a local address.
	SocketStateBinding

	// SocketStateBound means the socket has a local address.
	SocketStateBound

	// SocketStateConnecting means a connection attempt is in progress.
	SocketStateConnecting

	// SocketStateConnected means the socket has a default peer.
	SocketStateConnected
)

// String implements [fmt.Stringer].
func (s SocketState) String() string {
	switch s {
	case SocketStateClosed:
		return "closed"
	case SocketStateBinding:
		return "binding"
	case SocketStateBound:
		return "bound"
	case SocketStateConnecting:
		return "connecting"
	case SocketStateConnected:
		return "connected"
	default:
		return fmt.Sprintf("SocketState(%d)", int(s))
	}
}

// SocketOption is an option settable with [PacketSocket.SetOption].
type SocketOption int

// Enumerate the [SocketOption] values.
const (
	SocketOptionDontFragment = SocketOption(iota)
	SocketOptionRcvBuf
	SocketOptionSndBuf
	SocketOptionNoDelay
	SocketOptionIPv6Only
	SocketOptionDSCP
	SocketOptionRTPSendTimeExtnID
)

// String implements [fmt.Stringer].
func (o SocketOption) String() string {
	switch o {
	case SocketOptionDontFragment:
		return "DontFragment"
	case SocketOptionRcvBuf:
		return "RcvBuf"
	case SocketOptionSndBuf:
		return "SndBuf"
	case SocketOptionNoDelay:
		return "NoDelay"
	case SocketOptionIPv6Only:
		return "IPv6Only"
	case SocketOptionDSCP:
		return "DSCP"
	case SocketOptionRTPSendTimeExtnID:
		return "RTPSendTimeExtnID"
	default:
		return fmt.Sprintf("SocketOption(%d)", int(o))
	}
}

// PacketOptions contains per-send options.
//
// The zero value contains the default options.
type PacketOptions struct {
	// DSCP is the differentiated services code point (zero means unset).
	DSCP int

	// PacketID identifies the packet for send-side bookkeeping.
	PacketID int64
}

// PacketHandler is invoked by a [PacketSocket] for each received packet.
//
// The data slice is only valid during the call.
type PacketHandler func(sock PacketSocket, data []byte, addr netip.AddrPort, timestamp int64)

// ReadyToSendHandler is invoked by a [PacketSocket] when a send
// that previously failed because of buffer pressure may now succeed.
type ReadyToSendHandler func(sock PacketSocket)

// PacketSocket is the asynchronous packet socket driven by a [*Harness].
//
// Handlers may be invoked from a goroutine other than the one using
// the socket. Registering a handler replaces the previous one.
type PacketSocket interface {
	// LocalAddr returns the bound local address.
	LocalAddr() netip.AddrPort

	// RemoteAddr returns the default peer or the zero value.
	RemoteAddr() netip.AddrPort

	// Send sends data to the default peer.
	Send(data []byte, options PacketOptions) (int, error)

	// SendTo sends data to the given address.
	SendTo(data []byte, addr netip.AddrPort, options PacketOptions) (int, error)

	// State returns the current socket state.
	State() SocketState

	// Error returns the last error that occurred, if any.
	Error() error

	// SetOption sets a socket option.
	SetOption(opt SocketOption, value int) error

	// GetOption returns the value of a socket option.
	GetOption(opt SocketOption) (int, error)

	// OnReadPacket registers the packet-received handler.
	OnReadPacket(handler PacketHandler)

	// OnReadyToSend registers the ready-to-send handler.
	OnReadyToSend(handler ReadyToSendHandler)

	// Close closes the socket.
	Close() error
}
