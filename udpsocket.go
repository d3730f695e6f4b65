// SPDX-License-Identifier: GPL-3.0-or-later

package pkttest

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"syscall"
)

// udpMaxDatagramSize is the size of the receive buffer.
const udpMaxDatagramSize = 65535

// AsyncUDPSocket adapts a [net.PacketConn] to the [PacketSocket] interface.
//
// A background goroutine reads datagrams, timestamps them using the
// configured [Clock], and notifies the registered handler.
//
// Construct using [NewAsyncUDPSocket].
type AsyncUDPSocket struct {
	// blocked is true after a write failed with a full buffer and
	// until the next successful one.
	blocked bool

	// clock is used to timestamp packets.
	clock Clock

	// conn is the underlying conn.
	conn net.PacketConn

	// lastErr is the last error that occurred.
	lastErr error

	// logger is the logger to use.
	logger Logger

	// mu provides mutual exclusion.
	mu sync.Mutex

	// notifier dispatches the notifications.
	notifier *socketNotifier

	// options contains the option values.
	options socketOptionTable

	// raddr is the default peer.
	raddr netip.AddrPort

	// state is the socket state.
	state SocketState

	// wg tracks the reader goroutine.
	wg sync.WaitGroup
}

var _ PacketSocket = &AsyncUDPSocket{}

// NewAsyncUDPSocket creates a new [*AsyncUDPSocket] owning conn and
// starts reading from it.
func NewAsyncUDPSocket(conn net.PacketConn, options ...AsyncSocketOption) *AsyncUDPSocket {
	cfg := newAsyncSocketConfig(options...)
	s := &AsyncUDPSocket{
		clock:    cfg.clock,
		conn:     conn,
		logger:   cfg.logger,
		notifier: &socketNotifier{loop: cfg.loop},
		state:    SocketStateBound,
	}
	s.wg.Go(s.readLoop)
	return s
}

// ListenAsyncUDPSocket binds a UDP conn to address on the given [*Stack]
// and wraps it into an [*AsyncUDPSocket].
func ListenAsyncUDPSocket(ctx context.Context, stack *Stack,
	address string, options ...AsyncSocketOption) (*AsyncUDPSocket, error) {
	pconn, err := NewListenConfig(stack).ListenPacket(ctx, "udp", address)
	if err != nil {
		return nil, err
	}
	return NewAsyncUDPSocket(pconn, options...), nil
}

// Connect sets the default peer used by [*AsyncUDPSocket.Send].
func (s *AsyncUDPSocket) Connect(addr netip.AddrPort) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SocketStateClosed {
		return net.ErrClosed
	}
	if !addr.IsValid() {
		return syscall.EINVAL
	}
	s.raddr = addr
	s.state = SocketStateConnected
	return nil
}

// LocalAddr implements [PacketSocket].
func (s *AsyncUDPSocket) LocalAddr() netip.AddrPort {
	return netAddrToAddrPort(s.conn.LocalAddr())
}

// RemoteAddr implements [PacketSocket].
func (s *AsyncUDPSocket) RemoteAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raddr
}

// Send implements [PacketSocket].
func (s *AsyncUDPSocket) Send(data []byte, options PacketOptions) (int, error) {
	raddr := s.RemoteAddr()
	if !raddr.IsValid() {
		return s.fail(0, syscall.ENOTCONN)
	}
	return s.SendTo(data, raddr, options)
}

// SendTo implements [PacketSocket].
func (s *AsyncUDPSocket) SendTo(data []byte, addr netip.AddrPort, options PacketOptions) (int, error) {
	count, err := s.conn.WriteTo(data, net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return s.fail(count, errorsRemap(err))
	}

	s.mu.Lock()
	wasBlocked := s.blocked
	s.blocked = false
	s.mu.Unlock()
	if wasBlocked {
		s.notifier.notifyReadyToSend(s)
	}
	return count, nil
}

// fail records err as the last error and marks the socket as blocked
// when err is a full-buffer condition.
func (s *AsyncUDPSocket) fail(count int, err error) (int, error) {
	s.mu.Lock()
	s.lastErr = err
	s.blocked = s.blocked || errorIsBlocking(err)
	s.mu.Unlock()
	return count, err
}

// State implements [PacketSocket].
func (s *AsyncUDPSocket) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Error implements [PacketSocket].
func (s *AsyncUDPSocket) Error() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// SetOption implements [PacketSocket].
//
// Buffer sizes are applied to conns that support resizing them, such as
// [*UDPConn]. The other options are only recorded.
func (s *AsyncUDPSocket) SetOption(opt SocketOption, value int) error {
	var err error
	switch opt {
	case SocketOptionRcvBuf:
		if c, ok := s.conn.(interface{ SetReadBuffer(int) error }); ok {
			err = c.SetReadBuffer(value)
		}
	case SocketOptionSndBuf:
		if c, ok := s.conn.(interface{ SetWriteBuffer(int) error }); ok {
			err = c.SetWriteBuffer(value)
		}
	}
	if err == nil {
		err = s.options.set(opt, value)
	}
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
	}
	return err
}

// GetOption implements [PacketSocket].
//
// Buffer sizes are read back from conns that report them, so the
// result reflects the clamping applied by the conn.
func (s *AsyncUDPSocket) GetOption(opt SocketOption) (int, error) {
	switch opt {
	case SocketOptionRcvBuf:
		if c, ok := s.conn.(interface{ ReadBuffer() int }); ok {
			return c.ReadBuffer(), nil
		}
	case SocketOptionSndBuf:
		if c, ok := s.conn.(interface{ WriteBuffer() int }); ok {
			return c.WriteBuffer(), nil
		}
	}
	return s.options.get(opt)
}

// OnReadPacket implements [PacketSocket].
func (s *AsyncUDPSocket) OnReadPacket(handler PacketHandler) {
	s.notifier.setPacketHandler(handler)
}

// OnReadyToSend implements [PacketSocket].
func (s *AsyncUDPSocket) OnReadyToSend(handler ReadyToSendHandler) {
	s.notifier.setReadyToSendHandler(handler)
}

// Close implements [PacketSocket].
//
// Close waits for the reader goroutine to terminate.
func (s *AsyncUDPSocket) Close() error {
	s.mu.Lock()
	s.state = SocketStateClosed
	s.mu.Unlock()
	err := s.conn.Close()
	s.wg.Wait()
	return err
}

func (s *AsyncUDPSocket) readLoop() {
	buffer := make([]byte, udpMaxDatagramSize)
	for {
		// 1. read the next datagram
		count, addr, err := s.conn.ReadFrom(buffer)
		if err != nil {
			err = errorsRemap(err)
			if !errors.Is(err, net.ErrClosed) && s.State() != SocketStateClosed {
				s.logger.Warnf("pkttest: udp %s: ReadFrom: %s", s.LocalAddr(), err.Error())
				s.mu.Lock()
				s.lastErr = err
				s.mu.Unlock()
			}
			return
		}

		// 2. timestamp and notify using A COPY OF the payload since
		// the handler may run later on the event loop
		timestamp := TimestampFromTime(s.clock.Now())
		data := bytes.Clone(buffer[:count])
		s.notifier.notifyPacket(s, data, netAddrToAddrPort(addr), timestamp)
	}
}
