// SPDX-License-Identifier: GPL-3.0-or-later

package pkttest

import (
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"
)

// Default timeouts used by [*Harness].
const (
	// DefaultTimeout bounds [*Harness.CheckNextPacket] and [*Harness.CheckConnState].
	DefaultTimeout = 5 * time.Second

	// DefaultNoPacketTimeout bounds [*Harness.CheckNoPacket].
	DefaultNoPacketTimeout = 1 * time.Second
)

// harnessQuantum is the amount of time advanced per polling iteration.
const harnessQuantum = time.Millisecond

// Harness drives a [PacketSocket] from a test.
//
// The harness collects the packets the socket notifies about and lets
// the test wait for them with a bounded timeout. When configured with a
// [*SimulatedClock], waiting fast-forwards the clock rather than sleeping.
//
// A harness belongs to a single consumer goroutine: only the socket
// notifications may run elsewhere.
//
// Construct using [NewHarness].
type Harness struct {
	// advancer lets time pass while waiting.
	advancer TimeAdvancer

	// clock is the clock used to compute deadlines.
	clock Clock

	// inbox contains the received packets.
	inbox *PacketInbox

	// logger is the logger to use.
	logger Logger

	// noPacketTimeout is the timeout used by CheckNoPacket.
	noPacketTimeout time.Duration

	// prevTimestamp is the last accepted packet timestamp.
	prevTimestamp int64

	// readyToSend counts the ready-to-send notifications.
	readyToSend atomic.Int64

	// sock is the socket we own.
	sock PacketSocket

	// timeout is the timeout used by CheckNextPacket and CheckConnState.
	timeout time.Duration
}

// HarnessOption is an option for [NewHarness].
type HarnessOption func(cfg *harnessConfig)

type harnessConfig struct {
	clock           *SimulatedClock
	logger          Logger
	loop            *EventLoop
	maxPackets      int
	noPacketTimeout time.Duration
	timeout         time.Duration
}

// HarnessOptionSimulatedClock makes the harness advance the given clock
// instead of waiting for real time to pass. The harness does not own it.
func HarnessOptionSimulatedClock(clock *SimulatedClock) HarnessOption {
	return func(cfg *harnessConfig) {
		cfg.clock = clock
	}
}

// HarnessOptionEventLoop sets the consumer's [*EventLoop], which the
// harness pumps while waiting. Use the same loop for the socket.
func HarnessOptionEventLoop(loop *EventLoop) HarnessOption {
	return func(cfg *harnessConfig) {
		cfg.loop = loop
	}
}

// HarnessOptionTimeout sets the timeout used by [*Harness.CheckNextPacket]
// and [*Harness.CheckConnState]. The default is [DefaultTimeout].
func HarnessOptionTimeout(timeout time.Duration) HarnessOption {
	return func(cfg *harnessConfig) {
		cfg.timeout = timeout
	}
}

// HarnessOptionNoPacketTimeout sets the timeout used by [*Harness.CheckNoPacket].
// The default is [DefaultNoPacketTimeout].
func HarnessOptionNoPacketTimeout(timeout time.Duration) HarnessOption {
	return func(cfg *harnessConfig) {
		cfg.noPacketTimeout = timeout
	}
}

// HarnessOptionLogger sets the [Logger]. The default is [DefaultLogger].
func HarnessOptionLogger(logger Logger) HarnessOption {
	return func(cfg *harnessConfig) {
		cfg.logger = logger
	}
}

// HarnessOptionMaxPackets caps the number of packets queued while the
// test is not consuming them. See [PacketInboxOptionMaxPackets].
func HarnessOptionMaxPackets(max int) HarnessOption {
	return func(cfg *harnessConfig) {
		cfg.maxPackets = max
	}
}

// NewHarness creates a [*Harness] taking ownership of sock.
//
// The harness registers itself as the socket packet and ready-to-send
// handler. Closing the harness closes the socket.
func NewHarness(sock PacketSocket, options ...HarnessOption) *Harness {
	runtimex.Assert(sock != nil)
	cfg := &harnessConfig{
		clock:           nil,
		logger:          DefaultLogger(),
		loop:            nil,
		maxPackets:      0,
		noPacketTimeout: DefaultNoPacketTimeout,
		timeout:         DefaultTimeout,
	}
	for _, opt := range options {
		opt(cfg)
	}

	h := &Harness{
		inbox:           NewPacketInbox(PacketInboxOptionMaxPackets(cfg.maxPackets)),
		logger:          cfg.logger,
		noPacketTimeout: cfg.noPacketTimeout,
		prevTimestamp:   TimestampUnset,
		sock:            sock,
		timeout:         cfg.timeout,
	}

	// select the time source once and for all
	if cfg.clock != nil {
		h.clock = cfg.clock
		h.advancer = SimulatedAdvancer{Clock: cfg.clock, Loop: cfg.loop}
	} else {
		h.clock = RealClock{}
		h.advancer = LoopAdvancer{Loop: cfg.loop}
	}

	sock.OnReadPacket(h.onPacket)
	sock.OnReadyToSend(h.onReadyToSend)
	return h
}

// LocalAddr returns the local address of the owned socket.
func (h *Harness) LocalAddr() netip.AddrPort {
	return h.sock.LocalAddr()
}

// Send sends data to the socket's default peer using default options.
func (h *Harness) Send(data []byte) (int, error) {
	return h.sock.Send(data, PacketOptions{})
}

// SendTo sends data to addr using default options.
func (h *Harness) SendTo(data []byte, addr netip.AddrPort) (int, error) {
	return h.sock.SendTo(data, addr, PacketOptions{})
}

// CheckConnState waits for the socket to reach the given state using the
// configured timeout and returns whether it did.
func (h *Harness) CheckConnState(state SocketState) bool {
	return h.WaitForState(state, h.timeout)
}

// WaitForState waits at most timeout for the socket to reach the given
// state and returns whether it did.
func (h *Harness) WaitForState(state SocketState, timeout time.Duration) bool {
	h.waitUntil(timeout, func() bool {
		return h.sock.State() == state
	})
	reached := h.sock.State() == state
	if !reached {
		h.logger.Debugf("pkttest: harness %s: state is %s after %s, want %s",
			h.sock.LocalAddr(), h.sock.State(), timeout, state)
	}
	return reached
}

// NextPacket waits at most timeout for a packet and returns the oldest one.
//
// It returns early as soon as a packet is available. A zero timeout does
// not advance time. Not receiving a packet is not an error: tests often
// need to verify that nothing arrives.
func (h *Harness) NextPacket(timeout time.Duration) (Packet, bool) {
	h.waitUntil(timeout, func() bool {
		return !h.inbox.Empty()
	})
	return h.inbox.TryDequeue()
}

// CheckNextPacket waits for the next packet using the configured timeout
// and returns whether its payload equals expected and its timestamp is
// not older than the one of the previous packet.
//
// When addr is not nil and a packet arrived, the sender address is
// written to addr regardless of the result.
func (h *Harness) CheckNextPacket(expected []byte, addr *netip.AddrPort) bool {
	pkt, found := h.NextPacket(h.timeout)
	if !found {
		h.logger.Debugf("pkttest: harness %s: no packet within %s", h.sock.LocalAddr(), h.timeout)
		return false
	}
	if addr != nil {
		*addr = pkt.Addr
	}
	if !pkt.Equal(expected) {
		h.logger.Debugf("pkttest: harness %s: got %d bytes from %s, want %d bytes",
			h.sock.LocalAddr(), len(pkt.Data), pkt.Addr, len(expected))
		return false
	}
	return h.CheckTimestamp(pkt.Timestamp)
}

// CheckTimestamp returns whether timestamp is set and not older than the
// last accepted timestamp. On success, timestamp becomes the new watermark.
func (h *Harness) CheckTimestamp(timestamp int64) bool {
	if timestamp == TimestampUnset {
		h.logger.Warnf("pkttest: harness %s: packet without timestamp", h.sock.LocalAddr())
		return false
	}
	if h.prevTimestamp != TimestampUnset && timestamp < h.prevTimestamp {
		h.logger.Warnf("pkttest: harness %s: timestamp %d older than %d",
			h.sock.LocalAddr(), timestamp, h.prevTimestamp)
		return false
	}
	h.prevTimestamp = timestamp
	return true
}

// CheckNoPacket returns whether no packet arrives within the configured
// no-packet timeout.
func (h *Harness) CheckNoPacket() bool {
	_, found := h.NextPacket(h.noPacketTimeout)
	return !found
}

// Error returns the last error of the owned socket.
func (h *Harness) Error() error {
	return h.sock.Error()
}

// SetOption sets an option of the owned socket.
func (h *Harness) SetOption(opt SocketOption, value int) error {
	return h.sock.SetOption(opt, value)
}

// GetOption returns an option of the owned socket.
func (h *Harness) GetOption(opt SocketOption) (int, error) {
	return h.sock.GetOption(opt)
}

// ReadyToSendCount returns the number of ready-to-send notifications.
func (h *Harness) ReadyToSendCount() int {
	return int(h.readyToSend.Load())
}

// Pending returns the number of received packets not consumed yet.
func (h *Harness) Pending() int {
	return h.inbox.Len()
}

// Close closes the owned socket and then discards the unconsumed packets,
// including any the socket delivered while closing.
func (h *Harness) Close() error {
	laddr := h.sock.LocalAddr()
	err := h.sock.Close()
	if count := h.inbox.Drain(); count > 0 {
		h.logger.Debugf("pkttest: harness %s: discarding %d unconsumed packets", laddr, count)
	}
	return err
}

// waitUntil advances time in small steps until cond is true or timeout
// has elapsed. The inbox lock is never held while advancing.
func (h *Harness) waitUntil(timeout time.Duration, cond func() bool) {
	deadline := h.clock.Now().Add(timeout)
	for h.clock.Now().Before(deadline) {
		if cond() {
			return
		}
		h.advancer.Advance(harnessQuantum)
	}
}

func (h *Harness) onPacket(sock PacketSocket, data []byte, addr netip.AddrPort, timestamp int64) {
	h.inbox.Enqueue(addr, data, timestamp)
}

func (h *Harness) onReadyToSend(sock PacketSocket) {
	h.readyToSend.Add(1)
}
