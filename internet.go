// SPDX-License-Identifier: GPL-3.0-or-later

package pkttest

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// Internet models a virtual internet connecting gVisor stacks.
//
// It gives [*AsyncUDPSocket] and [*AsyncTCPSocket] a real userspace
// TCP/IP implementation to run on top of, while keeping full control
// over which packets are delivered.
//
// Construct using [NewInternet].
type Internet struct {
	// clock stamps frames and schedules delayed deliveries.
	clock Clock

	// delay is the one-way delay applied by [*Internet.Route].
	delay time.Duration

	// delayed counts the frames waiting for their delay to expire.
	delayed atomic.Uint64

	// delivered counts the frames successfully delivered.
	delivered atomic.Uint64

	// dropped counts the frames dropped by the filter or lacking a route.
	dropped atomic.Uint64

	// filter decides whether to deliver a frame.
	filter InternetFilter

	// inflight is the channel receiving inflight packets.
	inflight chan VNICFrame

	// logger is the logger to use.
	logger Logger

	// mu provides mutual exclusion.
	mu sync.RWMutex

	// routes contains the known routes.
	routes map[netip.Addr]*VNIC
}

// InternetFilter returns whether [*Internet.Route] should deliver a frame.
type InternetFilter func(frame VNICFrame) bool

// InternetOption is an option for [NewInternet].
type InternetOption func(cfg *internetConfig)

// internetConfig is the internal type modified by [InternetOption].
type internetConfig struct {
	clock       Clock
	delay       time.Duration
	filter      InternetFilter
	logger      Logger
	maxInflight int
}

// DefaultMaxInflight is the default maximum number of inflight packets.
const DefaultMaxInflight = 1024

// InternetOptionMaxInflight sets the maximum number of inflight packets.
//
// The default is [DefaultMaxInflight] packets. When the channel is
// full, additional packets are silently dropped.
func InternetOptionMaxInflight(max int) InternetOption {
	return func(cfg *internetConfig) {
		cfg.maxInflight = max
	}
}

// InternetOptionFilter sets the filter used by [*Internet.Route].
//
// Use [DissectUDP] to inspect the frame.
func InternetOptionFilter(filter InternetFilter) InternetOption {
	return func(cfg *internetConfig) {
		cfg.filter = filter
	}
}

// InternetOptionClock sets the [Clock] used by the VNICs to stamp the
// frames they send and by [*Internet.Route] to delay them. The default
// is [RealClock].
func InternetOptionClock(clock Clock) InternetOption {
	return func(cfg *internetConfig) {
		cfg.clock = clock
	}
}

// InternetOptionDelay sets the one-way delay [*Internet.Route] applies
// before delivering a frame. The default is zero, which delivers at once.
//
// Under [RealClock] each delivery runs on its own timer goroutine, so
// frames sent back to back may be delivered out of order.
func InternetOptionDelay(delay time.Duration) InternetOption {
	return func(cfg *internetConfig) {
		cfg.delay = delay
	}
}

// InternetOptionLogger sets the [Logger]. The default is [DefaultLogger].
func InternetOptionLogger(logger Logger) InternetOption {
	return func(cfg *internetConfig) {
		cfg.logger = logger
	}
}

// NewInternet creates and returns a new [*Internet] instance.
func NewInternet(options ...InternetOption) *Internet {
	cfg := &internetConfig{
		clock:       RealClock{},
		delay:       0,
		filter:      nil,
		logger:      DefaultLogger(),
		maxInflight: DefaultMaxInflight,
	}
	for _, opt := range options {
		opt(cfg)
	}

	return &Internet{
		clock:    cfg.clock,
		delay:    cfg.delay,
		filter:   cfg.filter,
		inflight: make(chan VNICFrame, cfg.maxInflight),
		logger:   cfg.logger,
		mu:       sync.RWMutex{},
		routes:   make(map[netip.Addr]*VNIC),
	}
}

// NewVNIC constructs a new [*VNIC] attached to the [*Internet].
//
// The mtu parameter sets the MTU in bytes (e.g., [MTUEthernet]).
func (ix *Internet) NewVNIC(mtu uint32) *VNIC {
	return NewVNIC(mtu, internetVNICNetwork{ix: ix}, VNICOptionClock(ix.clock))
}

// AddRoute registers the given [*VNIC] to have the given addresses
// such that it is possible to route packets to it.
//
// This method fails if the claimed addresses are already in use.
func (ix *Internet) AddRoute(vnic *VNIC, addrs ...netip.Addr) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, addr := range addrs {
		if _, found := ix.routes[addr]; found {
			return fmt.Errorf("duplicate address detected: %s", addr.String())
		}
	}
	for _, addr := range addrs {
		ix.routes[addr] = vnic
	}
	return nil
}

// NewStack creates and attaches a [*Stack] to the [*Internet].
//
// The mtu parameter sets the MTU in bytes and addrs contains the
// IPv4/IPv6 addresses to configure.
func (ix *Internet) NewStack(mtu uint32, addrs ...netip.Addr) (*Stack, error) {
	vnic := ix.NewVNIC(mtu)
	if err := ix.AddRoute(vnic, addrs...); err != nil {
		return nil, err
	}
	stack, err := NewStack(vnic, addrs...)
	if err != nil {
		ix.removeRoutes(addrs...)
		return nil, err
	}
	return stack, nil
}

func (ix *Internet) removeRoutes(addrs ...netip.Addr) {
	ix.mu.Lock()
	for _, addr := range addrs {
		delete(ix.routes, addr)
	}
	ix.mu.Unlock()
}

// internetVNICNetwork adapts the [*Internet] to be a [VNICNetwork].
type internetVNICNetwork struct {
	ix *Internet
}

// Ensure that [internetVNICNetwork] implements [VNICNetwork].
var _ VNICNetwork = internetVNICNetwork{}

// SendFrame implements [VNICNetwork].
func (n internetVNICNetwork) SendFrame(frame VNICFrame) bool {
	select {
	case n.ix.inflight <- frame:
		return true
	default:
		return false
	}
}

// InFlight returns the channel where the in flight [VNICFrame] are posted.
func (ix *Internet) InFlight() <-chan VNICFrame {
	return ix.inflight
}

// Route delivers in flight frames until ctx is done.
//
// When trace is not nil, every frame is also captured with its transmit
// timestamp, including the frames the filter drops. With a delay, the
// delivery is scheduled on the clock, so under a [*SimulatedClock] the
// frames arrive only when the test advances time. Tests run Route in a
// background goroutine.
func (ix *Internet) Route(ctx context.Context, trace *PcapTrace) {
	for {
		select {
		case frame := <-ix.inflight:
			if trace != nil {
				trace.DumpFrame(frame)
			}
			ix.forward(frame)

		case <-ctx.Done():
			return
		}
	}
}

// forward applies the filter and the delay to a frame.
func (ix *Internet) forward(frame VNICFrame) {
	if ix.filter != nil && !ix.filter(frame) {
		ix.dropped.Add(1)
		return
	}
	if ix.delay <= 0 {
		ix.Deliver(frame)
		return
	}
	ix.delayed.Add(1)
	ix.clock.AfterFunc(ix.delay, func() {
		ix.delayed.Add(^uint64(0))
		ix.Deliver(frame)
	})
}

// Deliver routes a frame to the appropriate host based on destination IP.
//
// It parses the destination IP from the raw packet, looks up the registered
// host for that address, and injects the frame into that host stack.
//
// Returns false if the destination IP cannot be parsed, is not routable
// (no host registered for that address), or injection fails.
func (ix *Internet) Deliver(frame VNICFrame) bool {
	// 1. parse the destination IP from the raw packet
	dstIP, ok := internetParseDestinationIP(frame.Packet)
	if !ok {
		ix.dropped.Add(1)
		return false
	}

	// 2. look up the NIC for this destination
	ix.mu.RLock()
	nic := ix.routes[dstIP]
	ix.mu.RUnlock()

	// 3. drop if no route exists (including broadcast/multicast/unknown)
	if nic == nil || !nic.InjectFrame(frame) {
		ix.logger.Debugf("pkttest: internet: cannot deliver %d bytes to %s", len(frame.Packet), dstIP)
		ix.dropped.Add(1)
		return false
	}
	ix.delivered.Add(1)
	return true
}

// InternetStats contains the [*Internet] counters.
type InternetStats struct {
	// Delayed is the number of frames waiting for the link delay.
	Delayed uint64

	// Delivered is the number of frames delivered.
	Delivered uint64

	// Dropped is the number of frames dropped.
	Dropped uint64
}

// Stats returns the current [InternetStats].
func (ix *Internet) Stats() InternetStats {
	return InternetStats{
		Delayed:   ix.delayed.Load(),
		Delivered: ix.delivered.Load(),
		Dropped:   ix.dropped.Load(),
	}
}

// internetParseDestinationIP extracts the destination IP from a raw IP packet.
func internetParseDestinationIP(pkt []byte) (netip.Addr, bool) {
	if len(pkt) < 1 {
		return netip.Addr{}, false
	}

	version := pkt[0] >> 4
	switch version {
	case 4:
		// IPv4: destination is at bytes 16-19
		if len(pkt) < 20 {
			return netip.Addr{}, false
		}
		addr, ok := netip.AddrFromSlice(pkt[16:20])
		return addr, ok

	case 6:
		// IPv6: destination is at bytes 24-39
		if len(pkt) < 40 {
			return netip.Addr{}, false
		}
		addr, ok := netip.AddrFromSlice(pkt[24:40])
		return addr, ok

	default:
		return netip.Addr{}, false
	}
}
