// SPDX-License-Identifier: GPL-3.0-or-later

package pkttest

import (
	"bytes"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"
)

// VirtualNetwork is an in-memory datagram network driven by a [Clock].
//
// Each datagram is delivered by a timer scheduled on the clock, so with
// a [*SimulatedClock] delivery only happens while the clock is advanced
// and the whole network is deterministic.
//
// Construct using [NewVirtualNetwork].
type VirtualNetwork struct {
	// clock schedules deliveries and timestamps packets.
	clock Clock

	// delay is the one-way delay.
	delay time.Duration

	// filter decides whether to deliver a datagram.
	filter VirtualFilter

	// logger is the logger to use.
	logger Logger

	// mu provides mutual exclusion.
	mu sync.Mutex

	// nextPort is the next ephemeral port to try.
	nextPort uint16

	// sendBuffer is the default per-socket send buffer size.
	sendBuffer int

	// sockets maps bound addresses to sockets.
	sockets map[netip.AddrPort]*VirtualSocket
}

// VirtualFilter returns whether to deliver a datagram.
type VirtualFilter func(src, dst netip.AddrPort, payload []byte) bool

// VirtualNetworkOption is an option for [NewVirtualNetwork].
type VirtualNetworkOption func(cfg *virtualNetworkConfig)

type virtualNetworkConfig struct {
	delay      time.Duration
	filter     VirtualFilter
	logger     Logger
	sendBuffer int
}

// DefaultVirtualDelay is the default one-way delay of a [*VirtualNetwork].
const DefaultVirtualDelay = time.Millisecond

// virtualFirstEphemeralPort is the first port allocated when binding port zero.
const virtualFirstEphemeralPort = 49152

// VirtualNetworkOptionDelay sets the one-way delay. The default is [DefaultVirtualDelay].
func VirtualNetworkOptionDelay(delay time.Duration) VirtualNetworkOption {
	return func(cfg *virtualNetworkConfig) {
		cfg.delay = delay
	}
}

// VirtualNetworkOptionFilter sets a filter to drop datagrams.
func VirtualNetworkOptionFilter(filter VirtualFilter) VirtualNetworkOption {
	return func(cfg *virtualNetworkConfig) {
		cfg.filter = filter
	}
}

// VirtualNetworkOptionLogger sets the [Logger]. The default is [DefaultLogger].
func VirtualNetworkOptionLogger(logger Logger) VirtualNetworkOption {
	return func(cfg *virtualNetworkConfig) {
		cfg.logger = logger
	}
}

// VirtualNetworkOptionSendBuffer limits the number of bytes each socket may
// have in flight. When the limit would be exceeded, sending fails with
// EWOULDBLOCK and the socket later notifies it is ready to send. Zero, the
// default, means unlimited. [SocketOptionSndBuf] overrides it per socket.
func VirtualNetworkOptionSendBuffer(size int) VirtualNetworkOption {
	return func(cfg *virtualNetworkConfig) {
		cfg.sendBuffer = size
	}
}

// NewVirtualNetwork creates a new [*VirtualNetwork].
func NewVirtualNetwork(clock Clock, options ...VirtualNetworkOption) *VirtualNetwork {
	cfg := &virtualNetworkConfig{
		delay:      DefaultVirtualDelay,
		filter:     nil,
		logger:     DefaultLogger(),
		sendBuffer: 0,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return &VirtualNetwork{
		clock:      clock,
		delay:      cfg.delay,
		filter:     cfg.filter,
		logger:     cfg.logger,
		mu:         sync.Mutex{},
		nextPort:   virtualFirstEphemeralPort,
		sendBuffer: cfg.sendBuffer,
		sockets:    make(map[netip.AddrPort]*VirtualSocket),
	}
}

// Bind creates a [*VirtualSocket] bound to addr.
//
// A zero port selects an unused ephemeral port. Binding an address
// already in use fails with EADDRINUSE.
func (vn *VirtualNetwork) Bind(addr netip.AddrPort, options ...AsyncSocketOption) (*VirtualSocket, error) {
	if !addr.Addr().IsValid() {
		return nil, syscall.EINVAL
	}
	cfg := newAsyncSocketConfig(options...)

	vn.mu.Lock()
	defer vn.mu.Unlock()
	if addr.Port() == 0 {
		port, found := vn.allocatePortLocked(addr.Addr())
		if !found {
			return nil, syscall.EADDRNOTAVAIL
		}
		addr = netip.AddrPortFrom(addr.Addr(), port)
	}
	if _, found := vn.sockets[addr]; found {
		return nil, syscall.EADDRINUSE
	}
	sock := &VirtualSocket{
		laddr:    addr,
		network:  vn,
		notifier: &socketNotifier{loop: cfg.loop},
		state:    SocketStateBound,
	}
	vn.sockets[addr] = sock
	return sock, nil
}

func (vn *VirtualNetwork) allocatePortLocked(ipAddr netip.Addr) (uint16, bool) {
	for range 0xffff - virtualFirstEphemeralPort + 1 {
		port := vn.nextPort
		vn.nextPort++
		if vn.nextPort == 0 {
			vn.nextPort = virtualFirstEphemeralPort
		}
		if _, found := vn.sockets[netip.AddrPortFrom(ipAddr, port)]; !found {
			return port, true
		}
	}
	return 0, false
}

func (vn *VirtualNetwork) unbind(sock *VirtualSocket) {
	vn.mu.Lock()
	if vn.sockets[sock.laddr] == sock {
		delete(vn.sockets, sock.laddr)
	}
	vn.mu.Unlock()
}

// send schedules the delivery of A COPY OF payload and invokes done once
// the datagram has left the sender's buffer.
func (vn *VirtualNetwork) send(src, dst netip.AddrPort, payload []byte, done func()) {
	data := bytes.Clone(nonNilBytes(payload))
	vn.clock.AfterFunc(vn.delay, func() {
		done()
		vn.deliver(src, dst, data)
	})
}

func (vn *VirtualNetwork) deliver(src, dst netip.AddrPort, data []byte) {
	// 1. give the filter a chance to drop the datagram
	if vn.filter != nil && !vn.filter(src, dst, data) {
		vn.logger.Debugf("pkttest: vnet: %s -> %s: filtered %d bytes", src, dst, len(data))
		return
	}

	// 2. find the destination socket
	vn.mu.Lock()
	sock := vn.sockets[dst]
	vn.mu.Unlock()
	if sock == nil {
		vn.logger.Debugf("pkttest: vnet: %s -> %s: no such socket", src, dst)
		return
	}

	// 3. deliver the timestamped datagram
	sock.notifier.notifyPacket(sock, data, src, TimestampFromTime(vn.clock.Now()))
}

// VirtualSocket is a [PacketSocket] attached to a [*VirtualNetwork].
//
// Construct using [*VirtualNetwork.Bind].
type VirtualSocket struct {
	// blocked is true after a send failed with EWOULDBLOCK.
	blocked bool

	// inflight is the number of bytes sent but not yet delivered.
	inflight int

	// laddr is the bound address.
	laddr netip.AddrPort

	// lastErr is the last error that occurred.
	lastErr error

	// mu provides mutual exclusion.
	mu sync.Mutex

	// network is the network we're attached to.
	network *VirtualNetwork

	// notifier dispatches the notifications.
	notifier *socketNotifier

	// options contains the option values.
	options socketOptionTable

	// raddr is the default peer.
	raddr netip.AddrPort

	// state is the socket state.
	state SocketState
}

var _ PacketSocket = &VirtualSocket{}

// Connect sets the default peer used by [*VirtualSocket.Send].
func (s *VirtualSocket) Connect(addr netip.AddrPort) error {
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
func (s *VirtualSocket) LocalAddr() netip.AddrPort {
	return s.laddr
}

// RemoteAddr implements [PacketSocket].
func (s *VirtualSocket) RemoteAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raddr
}

// Send implements [PacketSocket].
func (s *VirtualSocket) Send(data []byte, options PacketOptions) (int, error) {
	raddr := s.RemoteAddr()
	if !raddr.IsValid() {
		return s.fail(syscall.ENOTCONN)
	}
	return s.SendTo(data, raddr, options)
}

// SendTo implements [PacketSocket].
func (s *VirtualSocket) SendTo(data []byte, addr netip.AddrPort, options PacketOptions) (int, error) {
	s.mu.Lock()
	if s.state == SocketStateClosed {
		s.mu.Unlock()
		return s.fail(net.ErrClosed)
	}
	if limit := s.sendBufferLocked(); limit > 0 && s.inflight+len(data) > limit {
		s.mu.Unlock()
		return s.fail(syscall.EWOULDBLOCK)
	}
	s.inflight += len(data)
	s.mu.Unlock()

	size := len(data)
	s.network.send(s.laddr, addr, data, func() {
		s.sent(size)
	})
	return size, nil
}

// sendBufferLocked returns the send buffer size, giving
// precedence to the value set using [SocketOptionSndBuf].
func (s *VirtualSocket) sendBufferLocked() int {
	if value, err := s.options.get(SocketOptionSndBuf); err == nil {
		return value
	}
	return s.network.sendBuffer
}

// sent releases size bytes of send buffer and notifies that we are
// ready to send if a previous send failed.
func (s *VirtualSocket) sent(size int) {
	s.mu.Lock()
	s.inflight -= size
	wasBlocked := s.blocked
	s.blocked = false
	s.mu.Unlock()
	if wasBlocked {
		s.notifier.notifyReadyToSend(s)
	}
}

func (s *VirtualSocket) fail(err error) (int, error) {
	s.mu.Lock()
	s.lastErr = err
	s.blocked = s.blocked || errorIsBlocking(err)
	s.mu.Unlock()
	return 0, err
}

// State implements [PacketSocket].
func (s *VirtualSocket) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Error implements [PacketSocket].
func (s *VirtualSocket) Error() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// SetOption implements [PacketSocket].
func (s *VirtualSocket) SetOption(opt SocketOption, value int) error {
	if err := s.options.set(opt, value); err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		return err
	}
	return nil
}

// GetOption implements [PacketSocket].
func (s *VirtualSocket) GetOption(opt SocketOption) (int, error) {
	return s.options.get(opt)
}

// OnReadPacket implements [PacketSocket].
func (s *VirtualSocket) OnReadPacket(handler PacketHandler) {
	s.notifier.setPacketHandler(handler)
}

// OnReadyToSend implements [PacketSocket].
func (s *VirtualSocket) OnReadyToSend(handler ReadyToSendHandler) {
	s.notifier.setReadyToSendHandler(handler)
}

// Close implements [PacketSocket].
//
// Datagrams already in flight towards this socket are discarded.
func (s *VirtualSocket) Close() error {
	s.mu.Lock()
	s.state = SocketStateClosed
	s.mu.Unlock()
	s.network.unbind(s)
	return nil
}
