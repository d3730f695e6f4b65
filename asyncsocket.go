// SPDX-License-Identifier: GPL-3.0-or-later

package pkttest

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"syscall"
)

// AsyncSocketOption is an option for [NewAsyncUDPSocket],
// [NewAsyncTCPSocket], and [DialAsyncTCPSocket].
type AsyncSocketOption func(cfg *asyncSocketConfig)

type asyncSocketConfig struct {
	clock  Clock
	logger Logger
	loop   *EventLoop
}

func newAsyncSocketConfig(options ...AsyncSocketOption) *asyncSocketConfig {
	cfg := &asyncSocketConfig{
		clock:  RealClock{},
		logger: DefaultLogger(),
		loop:   nil,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// AsyncSocketOptionClock sets the [Clock] used to timestamp received
// packets. The default is [RealClock].
func AsyncSocketOptionClock(clock Clock) AsyncSocketOption {
	return func(cfg *asyncSocketConfig) {
		cfg.clock = clock
	}
}

// AsyncSocketOptionEventLoop posts notifications to the given [*EventLoop]
// rather than invoking handlers from the socket's reader goroutine.
func AsyncSocketOptionEventLoop(loop *EventLoop) AsyncSocketOption {
	return func(cfg *asyncSocketConfig) {
		cfg.loop = loop
	}
}

// AsyncSocketOptionLogger sets the [Logger]. The default is [DefaultLogger].
func AsyncSocketOptionLogger(logger Logger) AsyncSocketOption {
	return func(cfg *asyncSocketConfig) {
		cfg.logger = logger
	}
}

// socketNotifier holds the handlers registered on a socket and
// dispatches notifications, possibly through an [*EventLoop].
type socketNotifier struct {
	loop    *EventLoop
	mu      sync.Mutex
	onPkt   PacketHandler
	onReady ReadyToSendHandler
}

func (sn *socketNotifier) setPacketHandler(handler PacketHandler) {
	sn.mu.Lock()
	sn.onPkt = handler
	sn.mu.Unlock()
}

func (sn *socketNotifier) setReadyToSendHandler(handler ReadyToSendHandler) {
	sn.mu.Lock()
	sn.onReady = handler
	sn.mu.Unlock()
}

// notifyPacket invokes the packet handler. The caller must not reuse data.
func (sn *socketNotifier) notifyPacket(sock PacketSocket, data []byte, addr netip.AddrPort, timestamp int64) {
	sn.dispatch(func() {
		sn.mu.Lock()
		handler := sn.onPkt
		sn.mu.Unlock()
		if handler != nil {
			handler(sock, data, addr, timestamp)
		}
	})
}

func (sn *socketNotifier) notifyReadyToSend(sock PacketSocket) {
	sn.dispatch(func() {
		sn.mu.Lock()
		handler := sn.onReady
		sn.mu.Unlock()
		if handler != nil {
			handler(sock)
		}
	})
}

func (sn *socketNotifier) dispatch(fn func()) {
	if sn.loop != nil {
		sn.loop.Post(fn)
		return
	}
	fn()
}

// socketOptionTable stores the socket option values.
type socketOptionTable struct {
	mu     sync.Mutex
	values map[SocketOption]int
}

// set records the value of a known option or fails with ENOPROTOOPT.
func (t *socketOptionTable) set(opt SocketOption, value int) error {
	if opt < SocketOptionDontFragment || opt > SocketOptionRTPSendTimeExtnID {
		return syscall.ENOPROTOOPT
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.values == nil {
		t.values = make(map[SocketOption]int)
	}
	t.values[opt] = value
	return nil
}

// get returns the value of a previously set option or fails with ENOPROTOOPT.
func (t *socketOptionTable) get(opt SocketOption) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	value, found := t.values[opt]
	if !found {
		return 0, syscall.ENOPROTOOPT
	}
	return value, nil
}

// errorIsBlocking returns whether err means the send buffer is full, in
// which case a ready-to-send notification follows the next successful send.
func errorIsBlocking(err error) bool {
	return errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.ENOBUFS)
}

// netAddrToAddrPort converts a UDP or TCP [net.Addr] to [netip.AddrPort].
func netAddrToAddrPort(addr net.Addr) netip.AddrPort {
	switch v := addr.(type) {
	case *net.UDPAddr:
		ap := v.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	case *net.TCPAddr:
		ap := v.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	case nil:
		return netip.AddrPort{}
	default:
		ap, _ := netip.ParseAddrPort(addr.String())
		return ap
	}
}
