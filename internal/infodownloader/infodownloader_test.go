package infodownloader

import (
	"crypto/sha1" // nolint: gosec
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPeer struct {
	size      uint32
	requested []uint32
}

func (p *testPeer) MetadataSize() uint32 { return p.size }

func (p *testPeer) RequestMetadataPiece(index uint32) {
	p.requested = append(p.requested, index)
}

func TestInfoDownloader(t *testing.T) {
	p := &testPeer{size: 10*pieceSize + 42}
	d, err := New(p)
	require.NoError(t, err)
	assert.Equal(t, uint32(11), d.numPieces())
	assert.False(t, d.Done())

	d.RequestBlocks(4)
	assert.Equal(t, []uint32{0, 1, 2, 3}, p.requested)
	d.RequestBlocks(4)
	assert.Equal(t, []uint32{0, 1, 2, 3}, p.requested)

	require.NoError(t, d.GotBlock(0, make([]byte, pieceSize)))
	assert.Error(t, d.GotBlock(0, make([]byte, pieceSize)), "duplicate piece")
	assert.Error(t, d.GotBlock(5, make([]byte, pieceSize)), "unrequested piece")
	assert.Error(t, d.GotBlock(11, make([]byte, pieceSize)), "index out of range")
	assert.Error(t, d.GotBlock(1, make([]byte, 10)), "wrong size")
	d.RequestBlocks(4)
	assert.Equal(t, []uint32{0, 1, 2, 3, 4}, p.requested)

	for i := uint32(1); i < 10; i++ {
		d.RequestBlocks(4)
		require.NoError(t, d.GotBlock(i, make([]byte, pieceSize)))
	}
	assert.False(t, d.Done())
	d.RequestBlocks(4)
	last := make([]byte, 42)
	last[41] = 1
	require.NoError(t, d.GotBlock(10, last))
	assert.True(t, d.Done())
	assert.Equal(t, byte(1), d.Bytes[len(d.Bytes)-1])

	sum := sha1.Sum(d.Bytes) // nolint: gosec
	assert.NoError(t, d.Verify(sum))
	assert.Equal(t, errHash, d.Verify([20]byte{}))
}

func TestSinglePiece(t *testing.T) {
	p := &testPeer{size: pieceSize}
	d, err := New(p)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), d.numPieces())
	d.RequestBlocks(2)
	assert.Equal(t, []uint32{0}, p.requested)
	require.NoError(t, d.GotBlock(0, make([]byte, pieceSize)))
	assert.True(t, d.Done())
}

func TestInvalidSize(t *testing.T) {
	_, err := New(&testPeer{})
	assert.Equal(t, errInvalidSize, err)
	_, err = New(&testPeer{size: MaxMetadataSize + 1})
	assert.Equal(t, errInvalidSize, err)
}

func TestReject(t *testing.T) {
	d, err := New(&testPeer{size: 1})
	require.NoError(t, err)
	assert.ErrorIs(t, d.GotReject(0), ErrRejected)
}
