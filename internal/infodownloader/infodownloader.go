// Package infodownloader downloads the info dictionary of a torrent from a peer with the ut_metadata extension.
package infodownloader

import (
	"crypto/sha1" // nolint: gosec
	"errors"
	"fmt"
)

// Metadata is transferred in pieces of this size. Only the last one may be shorter.
const pieceSize = 16 * 1024

// MaxMetadataSize is the largest info dictionary accepted from peers.
const MaxMetadataSize = 10 * 1024 * 1024

var (
	errInvalidSize = errors.New("invalid metadata size")
	errHash        = errors.New("metadata hash does not match info hash")
	// ErrRejected is returned when the peer rejects a metadata request.
	ErrRejected = errors.New("peer rejected metadata request")
)

type pieceState uint8

const (
	pending pieceState = iota
	requested
	received
)

// Peer that has the metadata.
type Peer interface {
	MetadataSize() uint32
	RequestMetadataPiece(index uint32)
}

// InfoDownloader requests the pieces of the info dictionary from a single peer in order.
type InfoDownloader struct {
	Peer Peer
	// Filled as pieces arrive.
	Bytes []byte

	pieces   []pieceState
	next     uint32
	inFlight int
}

// New returns a downloader for the metadata of pe.
func New(pe Peer) (*InfoDownloader, error) {
	size := pe.MetadataSize()
	if size == 0 || size > MaxMetadataSize {
		return nil, errInvalidSize
	}
	n := (size + pieceSize - 1) / pieceSize
	return &InfoDownloader{
		Peer:   pe,
		Bytes:  make([]byte, size),
		pieces: make([]pieceState, n),
	}, nil
}

func (d *InfoDownloader) numPieces() uint32 { return uint32(len(d.pieces)) }

// pieceBounds returns the byte range of piece i in Bytes.
func (d *InfoDownloader) pieceBounds(i uint32) (begin, end uint32) {
	begin = i * pieceSize
	end = min(begin+pieceSize, uint32(len(d.Bytes)))
	return
}

// GotBlock must be called when the peer sends a metadata piece.
func (d *InfoDownloader) GotBlock(index uint32, data []byte) error {
	if index >= d.numPieces() {
		return fmt.Errorf("peer sent invalid metadata piece index: %d", index)
	}
	if d.pieces[index] != requested {
		return fmt.Errorf("peer sent unrequested metadata piece: %d", index)
	}
	begin, end := d.pieceBounds(index)
	if uint32(len(data)) != end-begin {
		return fmt.Errorf("peer sent metadata piece %d with invalid size: %d", index, len(data))
	}
	copy(d.Bytes[begin:end], data)
	d.pieces[index] = received
	d.inFlight--
	return nil
}

// GotReject must be called when the peer rejects a metadata request.
// The download from this peer cannot continue after that.
func (d *InfoDownloader) GotReject(index uint32) error {
	return fmt.Errorf("%w: piece %d", ErrRejected, index)
}

// RequestBlocks sends requests until queueLength of them are in flight.
func (d *InfoDownloader) RequestBlocks(queueLength int) {
	for d.next < d.numPieces() && d.inFlight < queueLength {
		d.Peer.RequestMetadataPiece(d.next)
		d.pieces[d.next] = requested
		d.inFlight++
		d.next++
	}
}

// Done returns true when all pieces are received.
func (d *InfoDownloader) Done() bool {
	return d.next == d.numPieces() && d.inFlight == 0
}

// Verify checks the downloaded bytes against the info hash of the torrent.
func (d *InfoDownloader) Verify(infoHash [20]byte) error {
	if sha1.Sum(d.Bytes) != infoHash { // nolint: gosec
		return errHash
	}
	return nil
}
