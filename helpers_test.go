// SPDX-License-Identifier: GPL-3.0-or-later

package pkttest_test

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/bassosimone/pkttest"
	"github.com/stretchr/testify/require"
)

// newStandaloneStack creates a [*pkttest.Stack] whose NIC is not
// attached to any network.
func newStandaloneStack(t *testing.T, mtu uint32, addrs ...netip.Addr) *pkttest.Stack {
	t.Helper()
	vnic := pkttest.NewVNIC(mtu, nil)
	stack, err := pkttest.NewStack(vnic, addrs...)
	require.NoError(t, err)
	t.Cleanup(stack.Close)
	return stack
}

// routedInternet is an [*pkttest.Internet] routing in the background.
type routedInternet struct {
	*pkttest.Internet
	t *testing.T
}

// newRoutedInternet creates a [*pkttest.Internet] and routes packets
// until the test completes.
func newRoutedInternet(t *testing.T, options ...pkttest.InternetOption) *routedInternet {
	t.Helper()
	ix := pkttest.NewInternet(options...)
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Go(func() {
		ix.Route(ctx, nil)
	})
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return &routedInternet{Internet: ix, t: t}
}

// newStack creates a stack attached to the internet.
func (ri *routedInternet) newStack(addr string) *pkttest.Stack {
	ri.t.Helper()
	stack, err := ri.NewStack(pkttest.MTUEthernet, netip.MustParseAddr(addr))
	require.NoError(ri.t, err)
	ri.t.Cleanup(stack.Close)
	return stack
}

// newUDPHarness creates a harness owning a UDP socket bound to address.
func (ri *routedInternet) newUDPHarness(stack *pkttest.Stack, address string, options ...pkttest.HarnessOption) *pkttest.Harness {
	ri.t.Helper()
	sock, err := pkttest.ListenAsyncUDPSocket(context.Background(), stack, address)
	require.NoError(ri.t, err)
	options = append([]pkttest.HarnessOption{
		pkttest.HarnessOptionNoPacketTimeout(100 * time.Millisecond),
	}, options...)
	harness := pkttest.NewHarness(sock, options...)
	ri.t.Cleanup(func() { _ = harness.Close() })
	return harness
}

// simulatedStart is the start time of the simulated clocks used in tests.
var simulatedStart = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// virtualPair creates two harnesses bound on a [*pkttest.VirtualNetwork]
// driven by a shared [*pkttest.SimulatedClock].
func virtualPair(t *testing.T, options ...pkttest.VirtualNetworkOption) (
	*pkttest.SimulatedClock, *pkttest.VirtualNetwork, *pkttest.Harness, *pkttest.Harness) {
	t.Helper()
	clock := pkttest.NewSimulatedClock(simulatedStart)
	vnet := pkttest.NewVirtualNetwork(clock, options...)
	a := newVirtualHarness(t, clock, vnet, "10.0.0.1:1234")
	b := newVirtualHarness(t, clock, vnet, "10.0.0.2:5678")
	return clock, vnet, a, b
}

func newVirtualHarness(t *testing.T, clock *pkttest.SimulatedClock,
	vnet *pkttest.VirtualNetwork, address string) *pkttest.Harness {
	t.Helper()
	sock, err := vnet.Bind(netip.MustParseAddrPort(address))
	require.NoError(t, err)
	harness := pkttest.NewHarness(sock, pkttest.HarnessOptionSimulatedClock(clock))
	t.Cleanup(func() { _ = harness.Close() })
	return harness
}
