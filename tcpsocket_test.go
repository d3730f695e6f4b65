// SPDX-License-Identifier: GPL-3.0-or-later

package pkttest_test

import (
	"bytes"
	"errors"
	"net"
	"net/netip"
	"syscall"
	"testing"
	"time"

	"github.com/bassosimone/pkttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tcpPair returns a client harness dialed with [pkttest.DialAsyncTCPSocket]
// and the server harness wrapping the accepted conn.
func tcpPair(t *testing.T) (client, server *pkttest.Harness) {
	t.Helper()
	ix := newRoutedInternet(t)
	serverStack := ix.newStack("10.0.0.1")
	clientStack := ix.newStack("10.0.0.2")

	listener, err := pkttest.NewListenConfig(serverStack).Listen(t.Context(), "tcp", "10.0.0.1:443")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	sock := pkttest.DialAsyncTCPSocket(t.Context(), pkttest.NewConnector(clientStack), "10.0.0.1:443")
	client = pkttest.NewHarness(sock, pkttest.HarnessOptionNoPacketTimeout(100*time.Millisecond))
	t.Cleanup(func() { _ = client.Close() })
	require.True(t, client.CheckConnState(pkttest.SocketStateConnected))

	select {
	case conn, ok := <-accepted:
		require.True(t, ok)
		server = pkttest.NewHarness(pkttest.NewAsyncTCPSocket(conn),
			pkttest.HarnessOptionNoPacketTimeout(100*time.Millisecond))
		t.Cleanup(func() { _ = server.Close() })
	case <-time.After(5 * time.Second):
		t.Fatal("accept timed out")
	}
	return client, server
}

func TestAsyncTCPSocketSendReceive(t *testing.T) {
	client, server := tcpPair(t)

	for _, payload := range []string{"hello", "", "world"} {
		count, err := client.Send([]byte(payload))
		require.NoError(t, err)
		assert.Equal(t, len(payload), count)
	}

	var addr netip.AddrPort
	assert.True(t, server.CheckNextPacket([]byte("hello"), &addr))
	assert.Equal(t, client.LocalAddr(), addr)
	assert.True(t, server.CheckNextPacket([]byte{}, nil))
	assert.True(t, server.CheckNextPacket([]byte("world"), nil))
	assert.True(t, server.CheckNoPacket())

	_, err := server.SendTo([]byte("reply"), client.LocalAddr())
	require.NoError(t, err)
	assert.True(t, client.CheckNextPacket([]byte("reply"), &addr))
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:443"), addr)
}

func TestAsyncTCPSocketLargePacket(t *testing.T) {
	client, server := tcpPair(t)

	payload := bytes.Repeat([]byte{0x55}, pkttest.TCPMaxPacketSize)
	_, err := client.Send(payload)
	require.NoError(t, err)
	assert.True(t, server.CheckNextPacket(payload, nil))

	_, err = client.Send(append(payload, 0x55))
	assert.True(t, errors.Is(err, syscall.EMSGSIZE))
	assert.True(t, errors.Is(client.Error(), syscall.EMSGSIZE))

	// EMSGSIZE does not block the socket
	_, err = client.Send([]byte("small"))
	require.NoError(t, err)
	assert.True(t, server.CheckNextPacket([]byte("small"), nil))
	assert.Equal(t, 0, client.ReadyToSendCount())
}

func TestAsyncTCPSocketNoDelay(t *testing.T) {
	client, server := tcpPair(t)

	for _, value := range []int{1, 0, 1} {
		require.NoError(t, client.SetOption(pkttest.SocketOptionNoDelay, value))
		got, err := client.GetOption(pkttest.SocketOptionNoDelay)
		require.NoError(t, err)
		assert.Equal(t, value, got)
	}

	// the option belongs to the client endpoint only
	require.NoError(t, server.SetOption(pkttest.SocketOptionNoDelay, 0))
	got, err := client.GetOption(pkttest.SocketOptionNoDelay)
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	_, err = client.Send([]byte("hello"))
	require.NoError(t, err)
	assert.True(t, server.CheckNextPacket([]byte("hello"), nil))
}

func TestAsyncTCPSocketSendToWrongAddress(t *testing.T) {
	client, _ := tcpPair(t)
	_, err := client.SendTo([]byte("hello"), netip.MustParseAddrPort("10.0.0.3:443"))
	assert.True(t, errors.Is(err, syscall.ENOTCONN))
}

func TestAsyncTCPSocketPeerClose(t *testing.T) {
	client, server := tcpPair(t)
	require.NoError(t, server.Close())

	// a graceful close is not an error
	assert.True(t, client.CheckConnState(pkttest.SocketStateClosed))
	assert.NoError(t, client.Error())

	_, err := client.Send([]byte("hello"))
	assert.True(t, errors.Is(err, syscall.ENOTCONN))
}

func TestDialAsyncTCPSocketRefused(t *testing.T) {
	ix := newRoutedInternet(t)
	ix.newStack("10.0.0.1")
	clientStack := ix.newStack("10.0.0.2")

	sock := pkttest.DialAsyncTCPSocket(t.Context(), pkttest.NewConnector(clientStack), "10.0.0.1:80")
	h := pkttest.NewHarness(sock)
	t.Cleanup(func() { _ = h.Close() })

	assert.True(t, h.CheckConnState(pkttest.SocketStateClosed))
	assert.True(t, errors.Is(h.Error(), syscall.ECONNREFUSED))
	assert.False(t, h.LocalAddr().IsValid())
}

func TestDialAsyncTCPSocketCloseWhileConnecting(t *testing.T) {
	ix := newRoutedInternet(t, pkttest.InternetOptionFilter(func(pkttest.VNICFrame) bool {
		return false // blackhole
	}))
	ix.newStack("10.0.0.1")
	clientStack := ix.newStack("10.0.0.2")

	sock := pkttest.DialAsyncTCPSocket(t.Context(), pkttest.NewConnector(clientStack), "10.0.0.1:80")
	assert.Equal(t, pkttest.SocketStateConnecting, sock.State())

	_, err := sock.Send([]byte("hello"), pkttest.PacketOptions{})
	assert.True(t, errors.Is(err, syscall.ENOTCONN))

	require.NoError(t, sock.Close())
	assert.Equal(t, pkttest.SocketStateClosed, sock.State())
}
