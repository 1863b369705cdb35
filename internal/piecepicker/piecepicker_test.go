package piecepicker

import (
	"testing"

	"github.com/kestrelbt/kestrel/internal/bitfield"
	"github.com/kestrelbt/kestrel/internal/peerprotocol"
	"github.com/kestrelbt/kestrel/internal/piece"
	"github.com/kestrelbt/kestrel/internal/piecestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPeer struct {
	name string
}

func newStore(numPieces int) *piecestore.Store {
	pieces := make([]piece.Piece, numPieces)
	for i := range pieces {
		pieces[i] = piece.Piece{Index: uint32(i), Length: 2 * piece.BlockSize}
	}
	return piecestore.New(pieces, 0)
}

func have(pp *PiecePicker[*testPeer], pe *testPeer, pieces ...uint32) {
	bf := bitfield.New(pp.store.NumPieces())
	for _, i := range pieces {
		bf.Set(i)
	}
	pp.HandleBitfield(pe, bf)
}

func indexes(reqs []peerprotocol.RequestMessage) []uint32 {
	var ret []uint32
	for _, r := range reqs {
		ret = append(ret, r.Index)
	}
	return ret
}

func TestDisjointPeers(t *testing.T) {
	store := newStore(4)
	pp := New[*testPeer](store, 0, 2)
	a, b := &testPeer{"a"}, &testPeer{"b"}
	have(pp, a, 0, 1)
	have(pp, b, 2, 3)

	ra := pp.PickFor(a, 2)
	rb := pp.PickFor(b, 2)
	assert.Equal(t, []peerprotocol.RequestMessage{
		{Index: 0, Begin: 0, Length: piece.BlockSize},
		{Index: 0, Begin: piece.BlockSize, Length: piece.BlockSize},
	}, ra)
	assert.Equal(t, []uint32{2, 2}, indexes(rb))

	// B never gets pieces it does not have, even when A's pieces are missing.
	for _, i := range indexes(pp.PickFor(b, 10)) {
		assert.Contains(t, []uint32{2, 3}, i)
	}
	for _, i := range indexes(pp.PickFor(a, 10)) {
		assert.Contains(t, []uint32{0, 1}, i)
	}
	assert.Equal(t, uint32(4), pp.Available())
	assert.False(t, pp.Endgame())
}

func TestRarestFirst(t *testing.T) {
	store := newStore(3)
	pp := New[*testPeer](store, 0, 2)
	a, b, c := &testPeer{"a"}, &testPeer{"b"}, &testPeer{"c"}
	have(pp, a, 0, 1, 2)
	have(pp, b, 0, 1)
	have(pp, c, 0)

	assert.Equal(t, []uint32{2, 2, 1}, indexes(pp.PickFor(a, 3)))
	assert.Equal(t, 3, pp.Availability(0))
}

func TestPartialFirst(t *testing.T) {
	store := newStore(3)
	pp := New[*testPeer](store, 0, 2)
	a, b := &testPeer{"a"}, &testPeer{"b"}
	have(pp, a, 0, 1, 2)
	have(pp, b, 0, 1)

	// a takes one block of piece 2, the rarest.
	assert.Equal(t, []uint32{2}, indexes(pp.PickFor(a, 1)))
	// Piece 2 is now partial so it is finished before the others.
	assert.Equal(t, []uint32{2, 0}, indexes(pp.PickFor(a, 2)))
}

func TestNeverPicksCompleteOrVerifying(t *testing.T) {
	store := newStore(4)
	pp := New[*testPeer](store, 0, 2)
	a := &testPeer{"a"}
	have(pp, a, 0, 1, 2, 3)
	store.SetComplete(1)
	store.SetComplete(3)

	for _, i := range indexes(pp.PickFor(a, 100)) {
		assert.NotEqual(t, uint32(1), i)
		assert.NotEqual(t, uint32(3), i)
	}
	assert.Empty(t, pp.PickFor(a, 100))
	assert.True(t, pp.Interesting(a))
}

func TestEndgame(t *testing.T) {
	store := newStore(40)
	for i := uint32(0); i < 38; i++ {
		store.SetComplete(i)
	}
	pp := New[*testPeer](store, 0.05, 2)
	a, b, c := &testPeer{"a"}, &testPeer{"b"}, &testPeer{"c"}
	all := make([]uint32, 40)
	for i := range all {
		all[i] = uint32(i)
	}
	have(pp, a, all...)
	have(pp, b, all...)
	have(pp, c, all...)

	// 2 of 40 pieces left is not below the threshold.
	assert.False(t, pp.Endgame())
	assert.Len(t, pp.PickFor(a, 10), 4)
	assert.Empty(t, pp.PickFor(b, 10))

	store.SetComplete(38)
	require.True(t, pp.Endgame())

	// Blocks of piece 39 are requested again from b, but never twice from a.
	assert.Empty(t, pp.PickFor(a, 10))
	rb := pp.PickFor(b, 10)
	assert.Equal(t, []uint32{39, 39}, indexes(rb))
	assert.Equal(t, []*testPeer{a, b}, pp.RequestedFrom(39, 0))

	// Limited by max duplicate requests.
	assert.Empty(t, pp.PickFor(c, 10))

	// First arrival wins, the other requester must cancel.
	assert.Equal(t, []*testPeer{a}, pp.HandleBlock(b, 39, 0))
	assert.Empty(t, pp.RequestedFrom(39, 0))
	assert.Empty(t, pp.HandleBlock(a, 39, 0))
}

func TestCancelAndDisconnect(t *testing.T) {
	store := newStore(2)
	pp := New[*testPeer](store, 0, 2)
	a, b := &testPeer{"a"}, &testPeer{"b"}
	have(pp, a, 0)
	have(pp, b, 0)

	reqs := pp.PickFor(a, 2)
	require.Len(t, reqs, 2)
	assert.Empty(t, pp.PickFor(b, 2))

	pp.HandleCancel(a, 0, 0)
	assert.Equal(t, piecestore.Requested, store.State(0))
	assert.Equal(t, []peerprotocol.RequestMessage{reqs[0]}, pp.PickFor(b, 2))

	pp.HandleDisconnect(a)
	assert.Equal(t, 1, pp.Availability(0))
	assert.Equal(t, []*testPeer{b}, pp.RequestedFrom(0, 0))
	assert.Empty(t, pp.RequestedFrom(0, piece.BlockSize))
	assert.Len(t, store.NextMissingBlocks(0), 1)

	pp.HandleDisconnect(b)
	assert.Equal(t, uint32(0), pp.Available())
	assert.Equal(t, piecestore.Missing, store.State(0))
	assert.False(t, pp.Interesting(b))
}

func TestEndgameSkipsDeliveredBlocks(t *testing.T) {
	store := newStore(40)
	for i := uint32(0); i < 39; i++ {
		store.SetComplete(i)
	}
	pp := New[*testPeer](store, 0.05, 2)
	a, b, c := &testPeer{"a"}, &testPeer{"b"}, &testPeer{"c"}
	have(pp, a, 39)
	have(pp, b, 39)
	have(pp, c, 39)
	require.True(t, pp.Endgame())
	require.Len(t, pp.PickFor(a, 10), 2)

	// The first block has arrived from a and its write is pending.
	assert.Empty(t, pp.HandleBlock(a, 39, 0))
	assert.Equal(t, []peerprotocol.RequestMessage{
		{Index: 39, Begin: piece.BlockSize, Length: piece.BlockSize},
	}, pp.PickFor(b, 10))
	assert.Empty(t, pp.PickFor(c, 10))

	// The write is rejected, so the block is needed again.
	pp.HandleWriteDone(39, 0)
	store.MarkMissing(39, 0)
	assert.Equal(t, []peerprotocol.RequestMessage{
		{Index: 39, Begin: 0, Length: piece.BlockSize},
	}, pp.PickFor(c, 10))
}
