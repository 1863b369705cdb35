package peerconn

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/kestrelbt/kestrel/internal/btconn"
	"github.com/kestrelbt/kestrel/internal/logger"
	"github.com/kestrelbt/kestrel/internal/peerprotocol"
	"github.com/kestrelbt/kestrel/internal/piece"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	infoHash = [20]byte{1}
	localID  = [20]byte{'-', 'K', 'S', '0', '1', '0', '0', '-'}
	remoteID = [20]byte{'-', 'T', 'R', '3', '0', '0', '0', '-'}
)

// remote is the other end of a connection speaking the wire protocol by hand.
type remote struct {
	t    *testing.T
	conn net.Conn
}

func (r *remote) send(id peerprotocol.MessageID, payload []byte) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(1+len(payload)))
	buf.WriteByte(byte(id))
	buf.Write(payload)
	_, err := r.conn.Write(buf.Bytes())
	require.NoError(r.t, err)
}

func (r *remote) read() (peerprotocol.MessageID, []byte) {
	for {
		var length uint32
		require.NoError(r.t, binary.Read(r.conn, binary.BigEndian, &length))
		if length == 0 {
			continue
		}
		b := make([]byte, length)
		_, err := io.ReadFull(r.conn, b)
		require.NoError(r.t, err)
		return peerprotocol.MessageID(b[0]), b[1:]
	}
}

func connect(t *testing.T) (*Conn, *remote) {
	l, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	acceptC := make(chan net.Conn, 1)
	go func() {
		nc, err := l.Accept()
		if err != nil {
			close(acceptC)
			return
		}
		_, _, _, err = btconn.Accept(nc, 5*time.Second, func(ih [20]byte) bool { return ih == infoHash }, btconn.Extensions(), remoteID)
		if err != nil {
			nc.Close()
			close(acceptC)
			return
		}
		acceptC <- nc
	}()

	c := NewOutgoing(l.Addr().(*net.TCPAddr), Config{}, nil, nil, logger.New("test"))
	assert.Equal(t, Connecting, c.State())
	require.NoError(t, c.Connect(context.Background(), infoHash, localID, [8]byte{}))
	assert.Equal(t, Connected, c.State())
	assert.Equal(t, remoteID, c.ID())
	assert.Equal(t, "TR3000", c.ClientName())
	assert.True(t, c.SupportsExtensions())
	assert.False(t, c.Incoming())

	nc := <-acceptC
	require.NotNil(t, nc)
	t.Cleanup(func() { nc.Close() })
	return c, &remote{t: t, conn: nc}
}

func TestRequestPipeline(t *testing.T) {
	c, r := connect(t)
	msgC := make(chan Message)
	disconnectC := make(chan *Conn, 1)
	go c.Run(msgC, disconnectC)
	defer c.Close()

	r.send(peerprotocol.Unchoke, nil)
	m := <-msgC
	assert.IsType(t, peerprotocol.UnchokeMessage{}, m.Message)
	c.OnUnchoked()
	assert.Equal(t, DefaultConfig.PipelineDepth, c.FreeSlots())

	for i := 0; i < DefaultConfig.PipelineDepth; i++ {
		require.NoError(t, c.SendRequest(peerprotocol.RequestMessage{Index: uint32(i), Begin: 0, Length: piece.BlockSize}))
	}
	err := c.SendRequest(peerprotocol.RequestMessage{Index: 99, Length: piece.BlockSize})
	var pfe *PipelineFullError
	require.True(t, errors.As(err, &pfe))
	assert.Equal(t, DefaultConfig.PipelineDepth, c.QueueDepth())

	id, payload := r.read()
	assert.Equal(t, peerprotocol.Request, id)
	assert.Equal(t, uint32(0), binary.BigEndian.Uint32(payload[0:4]))

	// Deliver block for request #0.
	data := make([]byte, 8+piece.BlockSize)
	binary.BigEndian.PutUint32(data[0:4], 0)
	r.send(peerprotocol.Piece, data)
	m = <-msgC
	pm, ok := m.Message.(Piece)
	require.True(t, ok)
	assert.Equal(t, piece.BlockSize, len(pm.Buffer.Data))
	pm.Buffer.Release()
	assert.True(t, c.CompleteRequest(0, 0, piece.BlockSize))
	assert.False(t, c.CompleteRequest(0, 0, piece.BlockSize))
	assert.Equal(t, int64(piece.BlockSize), c.BytesDownloaded())

	r.send(peerprotocol.Choke, nil)
	m = <-msgC
	assert.IsType(t, peerprotocol.ChokeMessage{}, m.Message)
	cancelled := c.OnChoked()
	assert.Len(t, cancelled, DefaultConfig.PipelineDepth-1)
	assert.Equal(t, 0, c.QueueDepth())
	assert.Equal(t, 0, c.FreeSlots())
}

func TestProtocolViolationCloses(t *testing.T) {
	c, r := connect(t)
	msgC := make(chan Message, 10)
	disconnectC := make(chan *Conn, 1)
	go c.Run(msgC, disconnectC)
	defer c.Close()

	have := make([]byte, 4)
	r.send(peerprotocol.Have, have)
	r.send(peerprotocol.Bitfield, []byte{0xff})

	select {
	case dc := <-disconnectC:
		assert.Equal(t, c, dc)
		var pe *PeerProtocolError
		assert.True(t, errors.As(dc.Err(), &pe))
		assert.Equal(t, Closed, c.State())
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not closed")
	}
}

func TestShutdownFlushesQueuedMessages(t *testing.T) {
	c, r := connect(t)
	msgC := make(chan Message, 10)
	go c.Run(msgC, make(chan *Conn, 1))

	c.SetInterested(true)
	c.Unchoke()
	done := make(chan struct{})
	go func() {
		c.Shutdown(5 * time.Second)
		close(done)
	}()
	id, _ := r.read()
	assert.Equal(t, peerprotocol.Interested, id)
	id, _ = r.read()
	assert.Equal(t, peerprotocol.Unchoke, id)
	<-done
	assert.Equal(t, Closed, c.State())
}

func TestConnectRefused(t *testing.T) {
	l, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	c := NewOutgoing(addr, Config{}, nil, nil, logger.New("test"))
	err = c.Connect(context.Background(), infoHash, localID, [8]byte{})
	var ne *NetworkError
	assert.True(t, errors.As(err, &ne))
	assert.Equal(t, Closed, c.State())
}
