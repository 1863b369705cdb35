package torrent

import (
	"encoding/hex"
	"errors"

	"github.com/kestrelbt/kestrel/internal/peerconn"
	"github.com/kestrelbt/kestrel/internal/peerset"
	"github.com/kestrelbt/kestrel/internal/piecestore"
)

var (
	// ErrTorrentNotFound is returned when there is no torrent with the given info hash.
	ErrTorrentNotFound = errors.New("torrent not found")
	errClosed          = errors.New("engine is closed")
)

// InvalidTorrentError is returned from AddTorrent when the descriptor cannot be parsed.
type InvalidTorrentError struct {
	Descriptor string
	Err        error
}

func (e *InvalidTorrentError) Error() string {
	return "invalid torrent " + e.Descriptor + ": " + e.Err.Error()
}

func (e *InvalidTorrentError) Unwrap() error {
	return e.Err
}

// DuplicateTorrentError is returned from AddTorrent when the torrent is already added
// and AddOptions.DuplicateIsError is set.
type DuplicateTorrentError struct {
	InfoHash [20]byte
}

func (e *DuplicateTorrentError) Error() string {
	return "torrent already exists: " + hex.EncodeToString(e.InfoHash[:])
}

// Errors reported by the components of a torrent.
type (
	// IntegrityError moves the torrent to Error state.
	IntegrityError = piecestore.IntegrityError
	// StorageError pauses the torrent.
	StorageError = piecestore.StorageError
	// Peer errors close the connection only.
	PipelineFullError        = peerconn.PipelineFullError
	PeerProtocolError        = peerconn.PeerProtocolError
	NetworkError             = peerconn.NetworkError
	DuplicateConnectionError = peerset.DuplicateConnectionError
)
