package piecestore

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/kestrelbt/kestrel/internal/filesection"
	"github.com/kestrelbt/kestrel/internal/metainfo"
	"github.com/kestrelbt/kestrel/internal/piece"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memFile struct {
	mu       sync.Mutex
	b        []byte
	syncs    int
	writeErr error
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copy(p, f.b[off:]), nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	return copy(f.b[off:], p), nil
}

func (f *memFile) Sync() error {
	f.mu.Lock()
	f.syncs++
	f.mu.Unlock()
	return nil
}

const pieceLength = 2 * piece.BlockSize

// newStore returns a store for a 4-piece torrent with 2 blocks per piece.
func newStore(t *testing.T) (*Store, []byte, *memFile) {
	data := make([]byte, 4*pieceLength)
	for i := range data {
		data[i] = byte(i * 7)
	}
	ib, err := metainfo.NewInfoBytes("test", pieceLength, data)
	require.NoError(t, err)
	info, err := metainfo.NewInfo(ib)
	require.NoError(t, err)
	f := &memFile{b: make([]byte, len(data))}
	pieces := piece.NewPieces(info, []filesection.ReadWriterAt{f})
	return New(pieces, 0), data, f
}

func block(data []byte, index, begin uint32) []byte {
	off := index*pieceLength + begin
	return data[off : off+piece.BlockSize]
}

func TestCompletePiece(t *testing.T) {
	s, data, f := newStore(t)
	assert.Equal(t, Missing, s.State(1))
	assert.Len(t, s.NextMissingBlocks(1), 2)

	assert.True(t, s.MarkRequested(1, 0))
	assert.False(t, s.MarkRequested(1, 0))
	assert.Equal(t, Requested, s.State(1))
	assert.Equal(t, []piece.Block{{Index: 1, Begin: piece.BlockSize, Length: piece.BlockSize}}, s.NextMissingBlocks(1))

	st, err := s.MarkBlockReceived(1, 0, block(data, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, st)
	assert.Equal(t, []QueueEntry{{Index: 1, Blocks: []BlockState{BlockReceived, BlockMissing}}}, s.DownloadQueue())

	st, err = s.MarkBlockReceived(1, piece.BlockSize, block(data, 1, piece.BlockSize))
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, st)
	assert.Equal(t, Complete, s.State(1))
	assert.True(t, s.CompletionBitfield().Test(1))
	assert.Equal(t, 1, f.syncs)
	assert.Nil(t, s.NextMissingBlocks(1))
	assert.Empty(t, s.DownloadQueue())

	buf := make([]byte, piece.BlockSize)
	require.NoError(t, s.ReadBlock(1, piece.BlockSize, buf))
	assert.Equal(t, block(data, 1, piece.BlockSize), buf)
}

func TestDuplicateBlockIsDiscarded(t *testing.T) {
	s, data, _ := newStore(t)
	st, err := s.MarkBlockReceived(0, 0, block(data, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, st)

	garbage := bytes.Repeat([]byte{0xff}, piece.BlockSize)
	st, err = s.MarkBlockReceived(0, 0, garbage)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, st)

	st, err = s.MarkBlockReceived(0, piece.BlockSize, block(data, 0, piece.BlockSize))
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, st)

	st, err = s.MarkBlockReceived(0, piece.BlockSize, garbage)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, st)
	assert.Equal(t, Complete, s.State(0))
}

func TestHashMismatchResetsOnce(t *testing.T) {
	s, data, _ := newStore(t)
	bad := bytes.Repeat([]byte{1}, piece.BlockSize)

	_, err := s.MarkBlockReceived(2, 0, block(data, 2, 0))
	require.NoError(t, err)
	s.MarkRequested(2, piece.BlockSize)
	st, err := s.MarkBlockReceived(2, piece.BlockSize, bad)
	require.NoError(t, err)
	assert.Equal(t, StatusCorrupt, st)
	assert.Equal(t, Missing, s.State(2))
	assert.Len(t, s.NextMissingBlocks(2), 2)
	assert.Empty(t, s.RequestedBlocks(2))
	assert.Equal(t, 1, s.Corruption(2))
	assert.False(t, s.CompletionBitfield().Test(2))

	// Good data after a failed attempt completes the piece and clears the counter.
	_, err = s.MarkBlockReceived(2, 0, block(data, 2, 0))
	require.NoError(t, err)
	st, err = s.MarkBlockReceived(2, piece.BlockSize, block(data, 2, piece.BlockSize))
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, st)
	assert.Equal(t, 0, s.Corruption(2))
}

func TestIntegrityErrorAfterRepeatedMismatch(t *testing.T) {
	s, data, _ := newStore(t)
	bad := bytes.Repeat([]byte{1}, piece.BlockSize)
	var err error
	for i := 0; i < DefaultMaxCorruption; i++ {
		_, err = s.MarkBlockReceived(3, 0, block(data, 3, 0))
		require.NoError(t, err)
		var st Status
		st, err = s.MarkBlockReceived(3, piece.BlockSize, bad)
		assert.Equal(t, StatusCorrupt, st)
	}
	var ie *IntegrityError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, uint32(3), ie.Piece)
	assert.Equal(t, DefaultMaxCorruption, ie.Attempts)
	// Other pieces are unaffected.
	assert.Equal(t, Missing, s.State(0))
}

func TestStorageErrorReturnsBlockToMissing(t *testing.T) {
	s, data, f := newStore(t)
	f.writeErr = errors.New("disk full")
	s.MarkRequested(0, 0)
	_, err := s.MarkBlockReceived(0, 0, block(data, 0, 0))
	var se *StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "write", se.Op)
	assert.Equal(t, Missing, s.State(0))
}

func TestInvalidBlock(t *testing.T) {
	s, _, _ := newStore(t)
	_, err := s.MarkBlockReceived(9, 0, nil)
	assert.Equal(t, ErrInvalidPiece, err)
	_, err = s.MarkBlockReceived(0, 1, make([]byte, piece.BlockSize))
	assert.Equal(t, ErrInvalidBlock, err)
	_, err = s.MarkBlockReceived(0, 0, make([]byte, 10))
	assert.Equal(t, ErrInvalidBlock, err)
}

func TestConcurrentBlocksSamePiece(t *testing.T) {
	s, data, _ := newStore(t)
	var wg sync.WaitGroup
	results := make(chan Status, 8)
	for i := 0; i < 4; i++ {
		for _, begin := range []uint32{0, piece.BlockSize} {
			wg.Add(1)
			go func(begin uint32) {
				defer wg.Done()
				st, err := s.MarkBlockReceived(0, begin, block(data, 0, begin))
				assert.NoError(t, err)
				results <- st
			}(begin)
		}
	}
	wg.Wait()
	close(results)
	counts := make(map[Status]int)
	for st := range results {
		counts[st]++
	}
	assert.Equal(t, 1, counts[StatusComplete])
	assert.Equal(t, 1, counts[StatusAccepted])
	assert.Equal(t, 6, counts[StatusDuplicate])
}

func TestPartialRoundTrip(t *testing.T) {
	s, data, _ := newStore(t)
	_, err := s.MarkBlockReceived(1, piece.BlockSize, block(data, 1, piece.BlockSize))
	require.NoError(t, err)
	partial := s.PartialBlocks()
	assert.Equal(t, map[uint32][]uint32{1: {1}}, partial)

	s2, _, _ := newStore(t)
	for i, blocks := range partial {
		s2.RestorePartial(i, blocks)
	}
	assert.Equal(t, []piece.Block{{Index: 0, Begin: 0, Length: piece.BlockSize}}, s2.NextMissingBlocks(1))
}

func TestVerifyExistingData(t *testing.T) {
	s, data, f := newStore(t)
	copy(f.b, data[:pieceLength])
	ok, err := s.Verify(0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Verify(1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint32(1), s.NumComplete())
	assert.Equal(t, int64(pieceLength), s.BytesComplete())
}
