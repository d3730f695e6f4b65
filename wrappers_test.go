// SPDX-License-Identifier: GPL-3.0-or-later

package pkttest_test

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/bassosimone/pkttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnWrapperUDPIPv6DeadlinesAndAddrs(t *testing.T) {
	stack := newStandaloneStack(t, pkttest.MTUMinimumIPv6, netip.MustParseAddr("2001:db8::1"))

	connector := pkttest.NewConnector(stack)
	conn, err := connector.DialContext(context.Background(), "udp", "[2001:db8::2]:53")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	laddr, ok := conn.LocalAddr().(*net.UDPAddr)
	require.True(t, ok)
	assert.True(t, laddr.IP.Equal(net.ParseIP("2001:db8::1")))
	assert.NotZero(t, laddr.Port)

	raddr, ok := conn.RemoteAddr().(*net.UDPAddr)
	require.True(t, ok)
	assert.True(t, raddr.IP.Equal(net.ParseIP("2001:db8::2")))
	assert.Equal(t, 53, raddr.Port)

	buffer := make([]byte, 1)

	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Microsecond)))
	_, err = conn.Read(buffer)
	require.Error(t, err)
	neterr, ok := err.(net.Error)
	require.True(t, ok)
	assert.True(t, neterr.Timeout())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Microsecond)))
	_, err = conn.Read(buffer)
	require.Error(t, err)
	neterr, ok = err.(net.Error)
	require.True(t, ok)
	assert.True(t, neterr.Timeout())

	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(10*time.Microsecond)))
}

func TestPacketConnWrapperUDPIPv6DeadlinesAndAddrs(t *testing.T) {
	stack := newStandaloneStack(t, pkttest.MTUMinimumIPv6, netip.MustParseAddr("2001:db8::1"))

	listenCfg := pkttest.NewListenConfig(stack)
	pconn, err := listenCfg.ListenPacket(context.Background(), "udp", "[2001:db8::1]:53")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pconn.Close() })

	laddr, ok := pconn.LocalAddr().(*net.UDPAddr)
	require.True(t, ok)
	assert.True(t, laddr.IP.Equal(net.ParseIP("2001:db8::1")))
	assert.Equal(t, 53, laddr.Port)

	buffer := make([]byte, 1)

	require.NoError(t, pconn.SetDeadline(time.Now().Add(10*time.Microsecond)))
	_, _, err = pconn.ReadFrom(buffer)
	require.Error(t, err)
	neterr, ok := err.(net.Error)
	require.True(t, ok)
	assert.True(t, neterr.Timeout())

	require.NoError(t, pconn.SetReadDeadline(time.Now().Add(10*time.Microsecond)))
	_, _, err = pconn.ReadFrom(buffer)
	require.Error(t, err)
	neterr, ok = err.(net.Error)
	require.True(t, ok)
	assert.True(t, neterr.Timeout())

	require.NoError(t, pconn.SetWriteDeadline(time.Now().Add(10*time.Microsecond)))
}

func TestUDPConnBufferSizes(t *testing.T) {
	stack := newStandaloneStack(t, pkttest.MTUEthernet, netip.MustParseAddr("10.0.0.1"))
	conn, err := stack.ListenUDP(netip.MustParseAddrPort("10.0.0.1:53"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.SetReadBuffer(8192))
	assert.Equal(t, 8192, conn.ReadBuffer())
	require.NoError(t, conn.SetWriteBuffer(16384))
	assert.Equal(t, 16384, conn.WriteBuffer())

	// values beyond the stack limits are clamped
	require.NoError(t, conn.SetReadBuffer(1<<30))
	assert.Less(t, conn.ReadBuffer(), 1<<30)
	assert.Greater(t, conn.ReadBuffer(), 8192)
}

func TestTCPListenerCloseInterruptsAccept(t *testing.T) {
	stack := newStandaloneStack(t, pkttest.MTUEthernet, netip.MustParseAddr("10.0.0.1"))
	listener, err := stack.ListenTCP(netip.MustParseAddrPort("10.0.0.1:80"))
	require.NoError(t, err)

	accepted := make(chan error, 1)
	go func() {
		_, err := listener.AcceptTCP()
		accepted <- err
	}()
	require.NoError(t, listener.Close())
	require.NoError(t, listener.Close())

	select {
	case err := <-accepted:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("accept not interrupted")
	}
}
