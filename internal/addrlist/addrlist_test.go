package addrlist

import (
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
)

func newAddr(ip string) *net.TCPAddr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: 6881}
}

func TestPushPop(t *testing.T) {
	al := New(Config{MaxItems: 2, MaxRetries: 3}, clock.NewMock())

	al.Push([]*net.TCPAddr{newAddr("1.1.1.1")}, Tracker)
	al.Push([]*net.TCPAddr{newAddr("1.1.1.1")}, Tracker)
	assert.Equal(t, 1, al.Len())

	al.Push([]*net.TCPAddr{newAddr("2.2.2.2"), newAddr("3.3.3.3")}, Manual)
	assert.Equal(t, 2, al.Len())

	// Manual source comes before tracker.
	assert.Equal(t, "2.2.2.2:6881", al.Pop().String())
	assert.Equal(t, "1.1.1.1:6881", al.Pop().String())
	assert.Nil(t, al.Pop())
	assert.Equal(t, 2, al.Len())
	assert.Len(t, al.Addrs(), 2)
}

func TestZeroPortIgnored(t *testing.T) {
	al := New(Config{}, clock.NewMock())
	al.Push([]*net.TCPAddr{{IP: net.IPv4(1, 2, 3, 4)}}, Tracker)
	assert.Equal(t, 0, al.Len())
}

func TestFailedBacksOffAndGivesUp(t *testing.T) {
	clk := clock.NewMock()
	al := New(Config{MaxRetries: 2, InitialInterval: time.Second, MaxInterval: time.Minute}, clk)
	a := newAddr("1.1.1.1")
	al.Push([]*net.TCPAddr{a}, Tracker)

	for i := 0; i < 2; i++ {
		assert.Equal(t, a, al.Pop())
		assert.True(t, al.Failed(a))
		assert.Nil(t, al.Pop(), "address must wait for backoff")
		assert.Equal(t, 0, al.Ready())
		clk.Add(2 * time.Minute)
		assert.Equal(t, 1, al.Ready())
	}
	assert.Equal(t, a, al.Pop())
	assert.False(t, al.Failed(a))
	assert.Equal(t, 0, al.Len())
}

func TestDisconnectedReturnsAfterDelay(t *testing.T) {
	clk := clock.NewMock()
	al := New(Config{MaxRetries: 1}, clk)
	a := newAddr("1.1.1.1")
	al.Push([]*net.TCPAddr{a}, Tracker)
	assert.Equal(t, a, al.Pop())
	al.Connected(a)
	al.Disconnected(a, time.Minute)
	assert.Nil(t, al.Pop())
	clk.Add(time.Minute)
	assert.Equal(t, a, al.Pop())
}
