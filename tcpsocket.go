// SPDX-License-Identifier: GPL-3.0-or-later

package pkttest

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"syscall"
)

// TCPMaxPacketSize is the largest packet an [*AsyncTCPSocket] can send.
const TCPMaxPacketSize = 0xffff

// tcpHeaderSize is the size of the big-endian length prefix.
const tcpHeaderSize = 2

// Dialer dials stream connections. The [*Connector] implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// AsyncTCPSocket carries packets over a stream connection.
//
// Each packet is framed with a 2-byte big-endian length prefix. A background
// goroutine reads frames, timestamps them using the configured [Clock], and
// notifies the registered handler.
//
// Construct using [NewAsyncTCPSocket] or [DialAsyncTCPSocket].
type AsyncTCPSocket struct {
	// blocked is true after a write failed with a full buffer and
	// until the next successful one.
	blocked bool

	// cancel interrupts a pending dial.
	cancel context.CancelFunc

	// clock is used to timestamp packets.
	clock Clock

	// conn is the underlying conn (nil while connecting).
	conn net.Conn

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

	// state is the socket state.
	state SocketState

	// wg tracks the background goroutines.
	wg sync.WaitGroup

	// wmu serializes writes so that frames never interleave.
	wmu sync.Mutex
}

var _ PacketSocket = &AsyncTCPSocket{}

// NewAsyncTCPSocket creates a connected [*AsyncTCPSocket] owning conn.
func NewAsyncTCPSocket(conn net.Conn, options ...AsyncSocketOption) *AsyncTCPSocket {
	s := newAsyncTCPSocket(options...)
	s.conn = conn
	s.state = SocketStateConnected
	s.wg.Go(s.readLoop)
	return s
}

// DialAsyncTCPSocket returns immediately an [*AsyncTCPSocket] in the
// [SocketStateConnecting] state and connects in the background.
//
// On success, the state becomes [SocketStateConnected]. On failure, it
// becomes [SocketStateClosed] and [*AsyncTCPSocket.Error] returns the error.
func DialAsyncTCPSocket(ctx context.Context, dialer Dialer, address string, options ...AsyncSocketOption) *AsyncTCPSocket {
	s := newAsyncTCPSocket(options...)
	s.state = SocketStateConnecting
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Go(func() {
		s.dial(ctx, dialer, address)
	})
	return s
}

func newAsyncTCPSocket(options ...AsyncSocketOption) *AsyncTCPSocket {
	cfg := newAsyncSocketConfig(options...)
	return &AsyncTCPSocket{
		cancel:   func() {},
		clock:    cfg.clock,
		logger:   cfg.logger,
		notifier: &socketNotifier{loop: cfg.loop},
	}
}

func (s *AsyncTCPSocket) dial(ctx context.Context, dialer Dialer, address string) {
	conn, err := dialer.DialContext(ctx, "tcp", address)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.logger.Debugf("pkttest: tcp: dial %s: %s", address, err.Error())
		s.lastErr = err
		s.state = SocketStateClosed
		return
	}
	if s.state == SocketStateClosed {
		_ = conn.Close() // closed while connecting
		return
	}
	s.conn = conn
	s.state = SocketStateConnected
	s.wg.Go(s.readLoop)
}

// LocalAddr implements [PacketSocket].
func (s *AsyncTCPSocket) LocalAddr() netip.AddrPort {
	conn := s.currentConn()
	if conn == nil {
		return netip.AddrPort{}
	}
	return netAddrToAddrPort(conn.LocalAddr())
}

// RemoteAddr implements [PacketSocket].
func (s *AsyncTCPSocket) RemoteAddr() netip.AddrPort {
	conn := s.currentConn()
	if conn == nil {
		return netip.AddrPort{}
	}
	return netAddrToAddrPort(conn.RemoteAddr())
}

func (s *AsyncTCPSocket) currentConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Send implements [PacketSocket].
func (s *AsyncTCPSocket) Send(data []byte, options PacketOptions) (int, error) {
	// 1. make sure we can send
	if len(data) > TCPMaxPacketSize {
		return s.fail(syscall.EMSGSIZE)
	}
	conn := s.currentConn()
	if conn == nil || s.State() != SocketStateConnected {
		return s.fail(syscall.ENOTCONN)
	}

	// 2. frame the packet
	frame := make([]byte, tcpHeaderSize+len(data))
	binary.BigEndian.PutUint16(frame, uint16(len(data)))
	copy(frame[tcpHeaderSize:], data)

	// 3. write the whole frame
	s.wmu.Lock()
	_, err := conn.Write(frame)
	s.wmu.Unlock()
	if err != nil {
		return s.fail(errorsRemap(err))
	}

	// 4. notify if we were previously blocked
	s.mu.Lock()
	wasBlocked := s.blocked
	s.blocked = false
	s.mu.Unlock()
	if wasBlocked {
		s.notifier.notifyReadyToSend(s)
	}
	return len(data), nil
}

// SendTo implements [PacketSocket].
//
// The address must be the connected peer.
func (s *AsyncTCPSocket) SendTo(data []byte, addr netip.AddrPort, options PacketOptions) (int, error) {
	if addr != s.RemoteAddr() {
		return s.fail(syscall.ENOTCONN)
	}
	return s.Send(data, options)
}

func (s *AsyncTCPSocket) fail(err error) (int, error) {
	s.mu.Lock()
	s.lastErr = err
	s.blocked = s.blocked || errorIsBlocking(err)
	s.mu.Unlock()
	return 0, err
}

// State implements [PacketSocket].
func (s *AsyncTCPSocket) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Error implements [PacketSocket].
func (s *AsyncTCPSocket) Error() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// SetOption implements [PacketSocket].
//
// NoDelay is applied to conns that support it, such as [*TCPConn].
// The other options are only recorded.
func (s *AsyncTCPSocket) SetOption(opt SocketOption, value int) error {
	var err error
	if opt == SocketOptionNoDelay {
		if c, ok := s.currentConn().(interface{ SetNoDelay(bool) error }); ok {
			err = c.SetNoDelay(value != 0)
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
// NoDelay is read back from conns that report it.
func (s *AsyncTCPSocket) GetOption(opt SocketOption) (int, error) {
	if opt == SocketOptionNoDelay {
		if c, ok := s.currentConn().(interface{ NoDelay() bool }); ok {
			if c.NoDelay() {
				return 1, nil
			}
			return 0, nil
		}
	}
	return s.options.get(opt)
}

// OnReadPacket implements [PacketSocket].
func (s *AsyncTCPSocket) OnReadPacket(handler PacketHandler) {
	s.notifier.setPacketHandler(handler)
}

// OnReadyToSend implements [PacketSocket].
func (s *AsyncTCPSocket) OnReadyToSend(handler ReadyToSendHandler) {
	s.notifier.setReadyToSendHandler(handler)
}

// Close implements [PacketSocket].
//
// Close interrupts a pending dial and waits for the background goroutines.
func (s *AsyncTCPSocket) Close() error {
	s.cancel()
	s.mu.Lock()
	s.state = SocketStateClosed
	conn := s.conn
	s.mu.Unlock()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.wg.Wait()
	return err
}

func (s *AsyncTCPSocket) readLoop() {
	conn := s.currentConn()
	raddr := netAddrToAddrPort(conn.RemoteAddr())
	reader := bufio.NewReader(conn)
	header := make([]byte, tcpHeaderSize)
	for {
		// 1. read the length prefix
		if _, err := io.ReadFull(reader, header); err != nil {
			s.readFailed(err)
			return
		}

		// 2. read the payload into a fresh buffer since the
		// handler may run later on the event loop
		data := make([]byte, binary.BigEndian.Uint16(header))
		if _, err := io.ReadFull(reader, data); err != nil {
			s.readFailed(err)
			return
		}

		// 3. timestamp and notify
		timestamp := TimestampFromTime(s.clock.Now())
		s.notifier.notifyPacket(s, data, raddr, timestamp)
	}
}

// readFailed closes the socket after a read error. EOF is a graceful close.
func (s *AsyncTCPSocket) readFailed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SocketStateClosed {
		return // we closed it ourselves
	}
	s.state = SocketStateClosed
	if !errors.Is(err, io.EOF) {
		s.lastErr = errorsRemap(err)
		s.logger.Debugf("pkttest: tcp: read: %s", err.Error())
	}
}
