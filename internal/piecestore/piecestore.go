// Package piecestore tracks the download state of every piece and block of a torrent.
//
// Each piece entry has its own lock. All mutations of a piece go through
// that lock, so blocks of the same piece delivered by different peers are
// applied one at a time and the hash check runs exactly once after the last
// block has been written.
package piecestore

import (
	"bytes"
	"crypto/sha1" // nolint: gosec
	"errors"
	"io"
	"sync"

	"github.com/kestrelbt/kestrel/internal/bitfield"
	"github.com/kestrelbt/kestrel/internal/piece"
	"github.com/willf/bitset"
)

// DefaultMaxCorruption is the number of consecutive hash mismatches after which a piece is given up.
const DefaultMaxCorruption = 3

var (
	// ErrInvalidPiece is returned for a piece index outside of the torrent.
	ErrInvalidPiece = errors.New("invalid piece index")
	// ErrInvalidBlock is returned when offset and length do not match a block of the piece.
	ErrInvalidBlock = errors.New("invalid block")
)

// PieceState is the download state of a piece.
type PieceState int

// Piece states.
const (
	Missing PieceState = iota
	Requested
	Verifying
	Complete
)

var pieceStateStrings = [...]string{"missing", "requested", "verifying", "complete"}

func (s PieceState) String() string { return pieceStateStrings[s] }

// BlockState is the download state of a block.
type BlockState int

// Block states.
const (
	BlockMissing BlockState = iota
	BlockRequested
	BlockReceived
)

// Status is the result of MarkBlockReceived.
type Status int

const (
	// StatusAccepted means the block is written and the piece still has missing blocks.
	StatusAccepted Status = iota
	// StatusDuplicate means the block was already received and the data is discarded.
	StatusDuplicate
	// StatusComplete means the block completed the piece and the piece hash matched.
	StatusComplete
	// StatusCorrupt means the block completed the piece but the hash did not match.
	// All blocks of the piece are back to missing.
	StatusCorrupt
)

// QueueEntry describes a piece that is being downloaded.
type QueueEntry struct {
	Index  uint32
	Blocks []BlockState
}

// Store holds the state of all pieces of one torrent.
type Store struct {
	pieces        []*entry
	maxCorruption int

	mu        sync.RWMutex
	completed *bitfield.Bitfield
}

type entry struct {
	mu         sync.Mutex
	piece      piece.Piece
	numBlocks  uint
	state      PieceState
	requested  *bitset.BitSet
	received   *bitset.BitSet
	corruption int
}

// New returns a Store for pieces. All pieces start as Missing.
func New(pieces []piece.Piece, maxCorruption int) *Store {
	if maxCorruption <= 0 {
		maxCorruption = DefaultMaxCorruption
	}
	s := &Store{
		pieces:        make([]*entry, len(pieces)),
		maxCorruption: maxCorruption,
		completed:     bitfield.New(uint32(len(pieces))),
	}
	for i := range pieces {
		n := uint(pieces[i].NumBlocks())
		s.pieces[i] = &entry{
			piece:     pieces[i],
			numBlocks: n,
			requested: bitset.New(n),
			received:  bitset.New(n),
		}
	}
	return s
}

// NumPieces returns the number of pieces in the torrent.
func (s *Store) NumPieces() uint32 {
	return uint32(len(s.pieces))
}

// Piece returns the layout of piece at index.
func (s *Store) Piece(index uint32) piece.Piece {
	return s.pieces[index].piece
}

// State returns the state of piece at index.
func (s *Store) State(index uint32) PieceState {
	e := s.pieces[index]
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// CompletionBitfield returns a copy of the bitfield of verified pieces.
func (s *Store) CompletionBitfield() *bitfield.Bitfield {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completed.Copy()
}

// NumComplete returns the number of verified pieces.
func (s *Store) NumComplete() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completed.Count()
}

// HasPiece reports whether piece at index is verified.
func (s *Store) HasPiece(index uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completed.Test(index)
}

// BytesComplete returns the total length of verified pieces.
func (s *Store) BytesComplete() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for i, e := range s.pieces {
		if s.completed.Test(uint32(i)) {
			n += int64(e.piece.Length)
		}
	}
	return n
}

// MarkRequested marks the block at begin as requested.
// Returns false if the block was not missing before the call.
func (s *Store) MarkRequested(index, begin uint32) bool {
	e, b, err := s.block(index, begin)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Complete || e.state == Verifying || e.received.Test(b) {
		return false
	}
	wasMissing := !e.requested.Test(b)
	e.requested.Set(b)
	e.updateState()
	return wasMissing
}

// MarkMissing returns a requested block to missing. Received blocks are not affected.
func (s *Store) MarkMissing(index, begin uint32) {
	e, b, err := s.block(index, begin)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Complete || e.state == Verifying {
		return
	}
	e.requested.Clear(b)
	e.updateState()
}

// NextMissingBlocks returns blocks of the piece that are neither requested nor received.
func (s *Store) NextMissingBlocks(index uint32) []piece.Block {
	return s.blocksWhere(index, func(e *entry, i uint) bool {
		return !e.requested.Test(i) && !e.received.Test(i)
	})
}

// RequestedBlocks returns blocks of the piece that are requested but not yet received.
func (s *Store) RequestedBlocks(index uint32) []piece.Block {
	return s.blocksWhere(index, func(e *entry, i uint) bool {
		return e.requested.Test(i) && !e.received.Test(i)
	})
}

func (s *Store) blocksWhere(index uint32, fn func(*entry, uint) bool) []piece.Block {
	if index >= uint32(len(s.pieces)) {
		return nil
	}
	e := s.pieces[index]
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Complete || e.state == Verifying {
		return nil
	}
	var blocks []piece.Block
	for i := uint(0); i < e.numBlocks; i++ {
		if fn(e, i) {
			b, _ := e.piece.GetBlock(uint32(i))
			blocks = append(blocks, b)
		}
	}
	return blocks
}

// MarkBlockReceived writes data of a block to storage and records it as received.
// When the block is the last missing block of the piece, the piece is read
// back, hashed and compared to the expected hash before this call returns.
func (s *Store) MarkBlockReceived(index, begin uint32, data []byte) (Status, error) {
	e, b, err := s.block(index, begin)
	if err != nil {
		return StatusAccepted, err
	}
	if blk, _ := e.piece.GetBlock(uint32(b)); blk.Length != uint32(len(data)) {
		return StatusAccepted, ErrInvalidBlock
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == Complete || e.received.Test(b) {
		return StatusDuplicate, nil
	}
	if _, err = e.piece.Data.WriteAt(data, int64(begin)); err != nil {
		e.requested.Clear(b)
		e.updateState()
		return StatusAccepted, &StorageError{Op: "write", Piece: index, Err: err}
	}
	e.received.Set(b)
	e.requested.Clear(b)
	if e.received.Count() < e.numBlocks {
		e.updateState()
		return StatusAccepted, nil
	}

	e.state = Verifying
	ok, err := e.verify()
	if err != nil {
		e.reset()
		return StatusAccepted, &StorageError{Op: "read", Piece: index, Err: err}
	}
	if !ok {
		e.reset()
		e.corruption++
		if e.corruption >= s.maxCorruption {
			return StatusCorrupt, &IntegrityError{Piece: index, Attempts: e.corruption}
		}
		return StatusCorrupt, nil
	}
	if err = e.sync(); err != nil {
		e.reset()
		return StatusAccepted, &StorageError{Op: "sync", Piece: index, Err: err}
	}
	e.state = Complete
	e.corruption = 0
	s.setCompleted(index)
	return StatusComplete, nil
}

// SetComplete marks the piece as verified without downloading it.
// Used after checking existing data or loading resume data.
func (s *Store) SetComplete(index uint32) {
	e := s.pieces[index]
	e.mu.Lock()
	e.state = Complete
	e.requested.ClearAll()
	for i := uint(0); i < e.numBlocks; i++ {
		e.received.Set(i)
	}
	e.mu.Unlock()
	s.setCompleted(index)
}

// Verify hashes the data of piece at index as it is on disk and marks the piece complete on match.
func (s *Store) Verify(index uint32) (bool, error) {
	e := s.pieces[index]
	e.mu.Lock()
	ok, err := e.verify()
	e.mu.Unlock()
	if err != nil || !ok {
		return false, err
	}
	s.SetComplete(index)
	return true, nil
}

// Corruption returns the consecutive hash mismatch count of piece at index.
func (s *Store) Corruption(index uint32) int {
	e := s.pieces[index]
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.corruption
}

// DownloadQueue returns the pieces with at least one requested or received block that are not complete.
func (s *Store) DownloadQueue() []QueueEntry {
	var q []QueueEntry
	for i, e := range s.pieces {
		e.mu.Lock()
		if e.state == Requested || e.state == Verifying {
			qe := QueueEntry{Index: uint32(i), Blocks: make([]BlockState, e.numBlocks)}
			for j := uint(0); j < e.numBlocks; j++ {
				switch {
				case e.received.Test(j):
					qe.Blocks[j] = BlockReceived
				case e.requested.Test(j):
					qe.Blocks[j] = BlockRequested
				}
			}
			q = append(q, qe)
		}
		e.mu.Unlock()
	}
	return q
}

// PartialBlocks returns the received block indexes of pieces that are not complete.
func (s *Store) PartialBlocks() map[uint32][]uint32 {
	m := make(map[uint32][]uint32)
	for i, e := range s.pieces {
		e.mu.Lock()
		if e.state != Complete && e.received.Any() {
			for j := uint(0); j < e.numBlocks; j++ {
				if e.received.Test(j) {
					m[uint32(i)] = append(m[uint32(i)], uint32(j))
				}
			}
		}
		e.mu.Unlock()
	}
	return m
}

// RestorePartial marks blocks of an incomplete piece as received.
// The blocks are trusted to be on disk; the piece hash is still checked when the piece completes.
func (s *Store) RestorePartial(index uint32, blocks []uint32) {
	if index >= uint32(len(s.pieces)) {
		return
	}
	e := s.pieces[index]
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Complete {
		return
	}
	for _, b := range blocks {
		// Leave at least one block missing so the piece goes through verification.
		if uint(b) < e.numBlocks && e.received.Count() < e.numBlocks-1 {
			e.received.Set(uint(b))
		}
	}
	e.updateState()
}

// ReadBlock reads a block of a complete piece into buf.
func (s *Store) ReadBlock(index, begin uint32, buf []byte) error {
	if index >= uint32(len(s.pieces)) {
		return ErrInvalidPiece
	}
	if !s.HasPiece(index) {
		return ErrInvalidPiece
	}
	e := s.pieces[index]
	if int64(begin)+int64(len(buf)) > int64(e.piece.Length) {
		return ErrInvalidBlock
	}
	if _, err := e.piece.Data.ReadAt(buf, int64(begin)); err != nil {
		return &StorageError{Op: "read", Piece: index, Err: err}
	}
	return nil
}

func (s *Store) block(index, begin uint32) (*entry, uint, error) {
	if index >= uint32(len(s.pieces)) {
		return nil, 0, ErrInvalidPiece
	}
	e := s.pieces[index]
	if begin%piece.BlockSize != 0 || uint(begin/piece.BlockSize) >= e.numBlocks {
		return nil, 0, ErrInvalidBlock
	}
	return e, uint(begin / piece.BlockSize), nil
}

func (s *Store) setCompleted(index uint32) {
	s.mu.Lock()
	s.completed.Set(index)
	s.mu.Unlock()
}

func (e *entry) updateState() {
	switch {
	case e.state == Complete:
	case e.requested.Any() || e.received.Any():
		e.state = Requested
	default:
		e.state = Missing
	}
}

func (e *entry) reset() {
	e.requested.ClearAll()
	e.received.ClearAll()
	e.state = Missing
}

func (e *entry) verify() (bool, error) {
	h := sha1.New() // nolint: gosec
	r := io.NewSectionReader(e.piece.Data, 0, int64(e.piece.Length))
	if _, err := io.Copy(h, r); err != nil {
		return false, err
	}
	return bytes.Equal(h.Sum(nil), e.piece.Hash), nil
}

type syncer interface {
	Sync() error
}

func (e *entry) sync() error {
	for _, f := range e.piece.Data.Files() {
		if sf, ok := f.(syncer); ok {
			if err := sf.Sync(); err != nil {
				return err
			}
		}
	}
	return nil
}
