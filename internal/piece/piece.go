// Package piece splits torrent data into pieces and blocks.
package piece

import (
	"github.com/kestrelbt/kestrel/internal/filesection"
	"github.com/kestrelbt/kestrel/internal/metainfo"
)

// BlockSize is the size of a block requested from peers.
const BlockSize = 16 * 1024

// Piece of a torrent.
type Piece struct {
	Index uint32
	// Equal to the piece length of the torrent except for the last piece.
	Length uint32
	// Expected SHA-1 of the data.
	Hash []byte
	Data filesection.Sections
}

// Block is the unit of transfer between peers. Every block but the last one of a piece is BlockSize long.
type Block struct {
	// Position of the block in its piece.
	Index  uint32
	Begin  uint32
	Length uint32
}

// NewPieces returns the pieces of info mapped onto files.
// files must be in the same order as info.Layout.
func NewPieces(info *metainfo.Info, files []filesection.ReadWriterAt) []Piece {
	pieces := make([]Piece, info.NumPieces)
	// Position in the concatenated file data.
	var file int
	var pos int64
	for i := range pieces {
		p := &pieces[i]
		p.Index = uint32(i)
		p.Length = info.PieceLengthOf(p.Index)
		p.Hash = info.HashOf(p.Index)
		need := int64(p.Length)
		for need > 0 {
			// Zero length files take no space in any piece.
			for pos == info.Layout[file].Length {
				file++
				pos = 0
			}
			n := min(info.Layout[file].Length-pos, need)
			p.Data = append(p.Data, filesection.Section{File: files[file], Offset: pos, Length: n})
			pos += n
			need -= n
		}
	}
	return pieces
}

// NumBlocks returns the number of blocks in the piece.
func (p *Piece) NumBlocks() int {
	return int(NumBlocks(p.Length))
}

// NumBlocks returns the number of blocks in a piece of given length.
func NumBlocks(length uint32) uint32 {
	return (length + BlockSize - 1) / BlockSize
}

// GetBlock returns block i of the piece, or false if the piece has no such block.
func (p *Piece) GetBlock(i uint32) (Block, bool) {
	if i >= NumBlocks(p.Length) {
		return Block{}, false
	}
	begin := i * BlockSize
	return Block{Index: i, Begin: begin, Length: min(BlockSize, p.Length-begin)}, true
}

// FindBlock returns the block at offset begin if it has the given length.
func (p *Piece) FindBlock(begin, length uint32) (Block, bool) {
	if begin%BlockSize != 0 {
		return Block{}, false
	}
	b, ok := p.GetBlock(begin / BlockSize)
	if !ok || b.Length != length {
		return Block{}, false
	}
	return b, true
}

// Blocks returns all blocks of the piece in order.
func (p *Piece) Blocks() []Block {
	blocks := make([]Block, p.NumBlocks())
	for i := range blocks {
		blocks[i], _ = p.GetBlock(uint32(i))
	}
	return blocks
}
