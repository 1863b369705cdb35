package btconn

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	id1      = [20]byte{0x0C}
	id2      = [20]byte{0x0D}
	infoHash = [20]byte{0x0E}
)

func listen(t *testing.T) *net.TCPListener {
	l, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestHandshake(t *testing.T) {
	l := listen(t)
	type result struct {
		ext [8]byte
		id  [20]byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := net.Dial("tcp", l.Addr().String())
		if err != nil {
			done <- result{err: err}
			return
		}
		defer conn.Close()
		ext, id, err := Handshake(conn, 10*time.Second, Extensions(), infoHash, id1)
		done <- result{ext, id, err}
	}()
	conn, err := l.Accept()
	require.NoError(t, err)
	defer conn.Close()
	ext, id, ih, err := Accept(conn, 10*time.Second, func(ih [20]byte) bool { return ih == infoHash }, [8]byte{}, id2)
	require.NoError(t, err)
	assert.True(t, SupportsExtensions(ext))
	assert.Equal(t, id1, id)
	assert.Equal(t, infoHash, ih)

	r := <-done
	require.NoError(t, r.err)
	assert.False(t, SupportsExtensions(r.ext))
	assert.Equal(t, id2, r.id)
}

func TestAcceptUnknownInfoHash(t *testing.T) {
	l := listen(t)
	go func() {
		conn, err := net.Dial("tcp", l.Addr().String())
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = Handshake(conn, 10*time.Second, [8]byte{}, infoHash, id1)
	}()
	conn, err := l.Accept()
	require.NoError(t, err)
	defer conn.Close()
	_, _, _, err = Accept(conn, 10*time.Second, func([20]byte) bool { return false }, [8]byte{}, id2)
	assert.Equal(t, errInvalidInfoHash, err)
}

func TestOwnConnection(t *testing.T) {
	l := listen(t)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _, _ = Accept(conn, 10*time.Second, func([20]byte) bool { return true }, [8]byte{}, id1)
	}()
	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, _, err = Handshake(conn, 10*time.Second, [8]byte{}, infoHash, id1)
	assert.Equal(t, errOwnConnection, err)
}

func TestInvalidProtocol(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	go func() {
		b := make([]byte, handshakeLen)
		copy(b, "\x13BitTorrent protocoX")
		_, _ = c1.Write(b)
	}()
	_, _, _, err := Accept(c2, time.Second, func([20]byte) bool { return true }, [8]byte{}, id2)
	assert.Equal(t, errInvalidProtocol, err)
}
