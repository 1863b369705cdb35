package piece

import (
	"os"
	"testing"

	"github.com/kestrelbt/kestrel/internal/filesection"
	"github.com/kestrelbt/kestrel/internal/metainfo"
	"github.com/stretchr/testify/assert"
)

func TestBlocks(t *testing.T) {
	cases := []struct {
		length uint32
		want   []Block
	}{
		{BlockSize, []Block{{0, 0, BlockSize}}},
		{2 * BlockSize, []Block{{0, 0, BlockSize}, {1, BlockSize, BlockSize}}},
		{2*BlockSize + 42, []Block{{0, 0, BlockSize}, {1, BlockSize, BlockSize}, {2, 2 * BlockSize, 42}}},
		{42, []Block{{0, 0, 42}}},
	}
	for _, c := range cases {
		p := Piece{Length: c.length}
		assert.Equal(t, len(c.want), p.NumBlocks())
		assert.Equal(t, c.want, p.Blocks())
		_, ok := p.GetBlock(uint32(len(c.want)))
		assert.False(t, ok)
	}
}

func TestFindBlock(t *testing.T) {
	p := Piece{Index: 1, Length: 2*BlockSize + 42}
	for _, c := range []struct {
		begin, length uint32
		ok            bool
	}{
		{0, BlockSize, true},
		{1, BlockSize, false},
		{BlockSize, 42, false},
		{2 * BlockSize, BlockSize, false},
		{2 * BlockSize, 42, true},
		{3 * BlockSize, 42, false},
	} {
		b, ok := p.FindBlock(c.begin, c.length)
		assert.Equal(t, c.ok, ok, "begin=%d length=%d", c.begin, c.length)
		if ok {
			assert.Equal(t, c.begin/BlockSize, b.Index)
		}
	}
}

func TestNewPiecesSpansFiles(t *testing.T) {
	info := &metainfo.Info{
		PieceLength: 4,
		NumPieces:   3,
		Pieces:      make([]byte, 3*20),
		TotalLength: 10,
		Layout: []metainfo.File{
			{Path: "a", Offset: 0, Length: 3},
			{Path: "empty", Offset: 3, Length: 0},
			{Path: "b", Offset: 3, Length: 7},
		},
	}
	files := []filesection.ReadWriterAt{os.Stdin, os.Stdout, os.Stderr}
	pieces := NewPieces(info, files)
	assert.Len(t, pieces, 3)
	assert.Equal(t, filesection.Sections{
		{File: os.Stdin, Offset: 0, Length: 3},
		{File: os.Stderr, Offset: 0, Length: 1},
	}, pieces[0].Data)
	assert.Equal(t, uint32(2), pieces[2].Length)
	assert.Equal(t, filesection.Sections{{File: os.Stderr, Offset: 5, Length: 2}}, pieces[2].Data)
}
