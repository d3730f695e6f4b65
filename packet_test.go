// SPDX-License-Identifier: GPL-3.0-or-later

package pkttest_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/bassosimone/pkttest"
	"github.com/stretchr/testify/assert"
)

func TestNewPacketCopiesPayload(t *testing.T) {
	addr := netip.MustParseAddrPort("[2001:db8::1]:443")
	payload := []byte("hello")
	pkt := pkttest.NewPacket(addr, payload, 17)
	payload[0] = 'J'

	assert.Equal(t, addr, pkt.Addr)
	assert.Equal(t, []byte("hello"), pkt.Data)
	assert.Equal(t, int64(17), pkt.Timestamp)
}

func TestPacketClone(t *testing.T) {
	pkt := pkttest.NewPacket(netip.MustParseAddrPort("10.0.0.1:53"), []byte("abc"), 1)
	clone := pkt.Clone()
	clone.Data[0] = 'X'
	assert.Equal(t, []byte("abc"), pkt.Data)
	assert.True(t, pkt.Equal([]byte("abc")))
	assert.False(t, pkt.Equal(clone.Data))
}

func TestPacketEqualEmpty(t *testing.T) {
	pkt := pkttest.NewPacket(netip.AddrPort{}, nil, pkttest.TimestampUnset)
	assert.NotNil(t, pkt.Data)
	assert.True(t, pkt.Equal(nil))
	assert.True(t, pkt.Equal([]byte{}))
}

func TestTimestampFromTime(t *testing.T) {
	t0 := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, int64(1500), pkttest.TimestampFromTime(t0.Add(1500*time.Microsecond))-
		pkttest.TimestampFromTime(t0))
	assert.Equal(t, pkttest.TimestampFromTime(t0), pkttest.TimestampFromTime(t0.Add(999*time.Nanosecond)))
}
