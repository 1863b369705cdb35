package torrent

import (
	"encoding/json"
	"time"

	"github.com/kestrelbt/kestrel/internal/piecestore"
)

// State of a torrent.
type State int

// Torrent states.
const (
	Queued State = iota
	CheckingExistingData
	DownloadingMetadata
	Downloading
	Seeding
	Paused
	Error
)

var stateStrings = [...]string{
	Queued:               "queued",
	CheckingExistingData: "checking",
	DownloadingMetadata:  "downloading metadata",
	Downloading:          "downloading",
	Seeding:              "seeding",
	Paused:               "paused",
	Error:                "error",
}

func (s State) String() string { return stateStrings[s] }

// MarshalJSON encodes the state as its name.
func (s State) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// Status is a snapshot of a torrent.
type Status struct {
	State    State
	Name     string
	InfoHash string
	// Fraction of verified bytes, between 0 and 1.
	Progress float64
	// Set while the torrent is paused by a storage error or in Error state.
	Error error `json:"-"`

	PiecesTotal    uint32
	PiecesComplete uint32
	// Pieces checked so far in CheckingExistingData state.
	PiecesChecked uint32
	BytesTotal    int64
	BytesComplete int64
	BytesWasted   int64

	// Block bytes transferred, including previous runs saved in the resume record.
	TotalDownloaded int64
	TotalUploaded   int64
	DownloadRate    int64
	UploadRate      int64

	NumPeers int
	NumSeeds int

	// Time until the next regular announce. Zero if there is no tracker or it is being contacted.
	NextAnnounceETA time.Duration
	CurrentTracker  string
}

// PeerFlags of a peer connection.
type PeerFlags struct {
	// We want pieces the peer has.
	Interesting bool
	// We do not allow the peer to download from us.
	ChokedLocal bool
	// The peer wants pieces we have.
	RemoteInterested bool
	// The peer does not allow us to download.
	RemoteChoked       bool
	SupportsExtensions bool
	IsIncoming         bool
}

// PeerInfo describes a peer connection.
type PeerInfo struct {
	Addr            string
	Client          string
	DownloadRate    int64
	UploadRate      int64
	TotalDownloaded int64
	TotalUploaded   int64
	// Blocks requested from the peer and not received yet.
	QueueDepthDown int
	// Blocks requested by the peer and not sent yet.
	QueueDepthUp int
	ConnectedAt  time.Time
	Flags        PeerFlags
}

// BlockState is the download state of a block.
type BlockState = piecestore.BlockState

// Block states.
const (
	BlockMissing   = piecestore.BlockMissing
	BlockRequested = piecestore.BlockRequested
	BlockReceived  = piecestore.BlockReceived
)

// DownloadQueueEntry is a piece that is being downloaded.
type DownloadQueueEntry struct {
	PieceIndex uint32
	Blocks     []BlockState
}
