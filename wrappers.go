// SPDX-License-Identifier: GPL-3.0-or-later

package pkttest

import (
	"fmt"
	"net"
	"sync"
	"syscall"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/waiter"
)

// endpointOptions exposes the socket options of a gVisor endpoint
// with the same method names the stdlib conns use.
type endpointOptions struct {
	ep tcpip.Endpoint
}

// SetReadBuffer sets the receive buffer size, clamped to the stack limits.
func (eo endpointOptions) SetReadBuffer(bytes int) error {
	if bytes < 0 {
		return syscall.EINVAL
	}
	opts := eo.ep.SocketOptions()
	lo, hi := opts.ReceiveBufferLimits()
	opts.SetReceiveBufferSize(min(max(int64(bytes), lo), hi), true)
	return nil
}

// ReadBuffer returns the effective receive buffer size.
func (eo endpointOptions) ReadBuffer() int {
	return int(eo.ep.SocketOptions().GetReceiveBufferSize())
}

// SetWriteBuffer sets the send buffer size, clamped to the stack limits.
func (eo endpointOptions) SetWriteBuffer(bytes int) error {
	if bytes < 0 {
		return syscall.EINVAL
	}
	opts := eo.ep.SocketOptions()
	lo, hi := opts.SendBufferLimits()
	opts.SetSendBufferSize(min(max(int64(bytes), lo), hi), true)
	return nil
}

// WriteBuffer returns the effective send buffer size.
func (eo endpointOptions) WriteBuffer() int {
	return int(eo.ep.SocketOptions().GetSendBufferSize())
}

// UDPConn is a gVisor UDP conn reporting stdlib errors.
//
// It implements [net.Conn] and [net.PacketConn]. Construct using
// [*Stack.ListenUDP] or [*Stack.DialUDP].
type UDPConn struct {
	*gonet.UDPConn
	endpointOptions
}

func newUDPConn(wq *waiter.Queue, ep tcpip.Endpoint) *UDPConn {
	return &UDPConn{
		UDPConn:         gonet.NewUDPConn(wq, ep),
		endpointOptions: endpointOptions{ep: ep},
	}
}

var (
	_ net.Conn       = &UDPConn{}
	_ net.PacketConn = &UDPConn{}
)

// Read implements [net.Conn].
func (c *UDPConn) Read(buff []byte) (int, error) {
	count, err := c.UDPConn.Read(buff)
	return count, errorsRemap(err)
}

// Write implements [net.Conn].
func (c *UDPConn) Write(data []byte) (int, error) {
	count, err := c.UDPConn.Write(data)
	return count, errorsRemap(err)
}

// ReadFrom implements [net.PacketConn].
func (c *UDPConn) ReadFrom(buff []byte) (int, net.Addr, error) {
	count, addr, err := c.UDPConn.ReadFrom(buff)
	return count, addr, errorsRemap(err)
}

// WriteTo implements [net.PacketConn].
func (c *UDPConn) WriteTo(data []byte, addr net.Addr) (int, error) {
	count, err := c.UDPConn.WriteTo(data, addr)
	return count, errorsRemap(err)
}

// TCPConn is a gVisor TCP conn reporting stdlib errors.
//
// Construct using [*Stack.DialTCP] or [*TCPListener.AcceptTCP].
type TCPConn struct {
	*gonet.TCPConn
	endpointOptions
}

func newTCPConn(wq *waiter.Queue, ep tcpip.Endpoint) *TCPConn {
	return &TCPConn{
		TCPConn:         gonet.NewTCPConn(wq, ep),
		endpointOptions: endpointOptions{ep: ep},
	}
}

var _ net.Conn = &TCPConn{}

// Read implements [net.Conn].
func (c *TCPConn) Read(buff []byte) (int, error) {
	count, err := c.TCPConn.Read(buff)
	return count, errorsRemap(err)
}

// Write implements [net.Conn].
func (c *TCPConn) Write(data []byte) (int, error) {
	count, err := c.TCPConn.Write(data)
	return count, errorsRemap(err)
}

// SetNoDelay controls whether Nagle's algorithm is disabled.
func (c *TCPConn) SetNoDelay(noDelay bool) error {
	c.ep.SocketOptions().SetDelayOption(!noDelay)
	return nil
}

// NoDelay returns whether Nagle's algorithm is disabled.
func (c *TCPConn) NoDelay() bool {
	return !c.ep.SocketOptions().GetDelayOption()
}

// TCPListener is a gVisor TCP listener returning [*TCPConn].
//
// Construct using [*Stack.ListenTCP].
type TCPListener struct {
	cancel    chan struct{}
	closeOnce sync.Once
	ep        tcpip.Endpoint
	wq        *waiter.Queue
}

func newTCPListener(wq *waiter.Queue, ep tcpip.Endpoint) *TCPListener {
	return &TCPListener{cancel: make(chan struct{}), ep: ep, wq: wq}
}

var _ net.Listener = &TCPListener{}

// Accept implements [net.Listener].
func (l *TCPListener) Accept() (net.Conn, error) {
	conn, err := l.AcceptTCP()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// AcceptTCP waits for the next incoming connection.
func (l *TCPListener) AcceptTCP() (*TCPConn, error) {
	entry, readable := waiter.NewChannelEntry(waiter.ReadableEvents)
	l.wq.EventRegister(&entry)
	defer l.wq.EventUnregister(&entry)
	for {
		ep, wq, terr := l.ep.Accept(nil)
		if _, wouldBlock := terr.(*tcpip.ErrWouldBlock); !wouldBlock {
			if terr != nil {
				return nil, fmt.Errorf("pkttest: accept: %w", errorsFromTCPIP(terr))
			}
			return newTCPConn(wq, ep), nil
		}
		select {
		case <-l.cancel:
			return nil, net.ErrClosed
		case <-readable:
		}
	}
}

// Addr implements [net.Listener].
func (l *TCPListener) Addr() net.Addr {
	fa, terr := l.ep.GetLocalAddress()
	if terr != nil {
		return &net.TCPAddr{}
	}
	return &net.TCPAddr{IP: net.IP(fa.Addr.AsSlice()), Port: int(fa.Port)}
}

// Close implements [net.Listener]. It interrupts pending accepts.
func (l *TCPListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.cancel)
		l.ep.Close()
	})
	return nil
}
