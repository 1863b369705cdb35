package torrent

import "github.com/kestrelbt/kestrel/internal/storage"

// AllocationMode selects how the files of a torrent are created on disk.
type AllocationMode = storage.AllocationMode

// Allocation modes.
const (
	AllocateFull    = storage.Full
	AllocateCompact = storage.Compact
)

// AddOptions contains options for adding a new torrent.
type AddOptions struct {
	// Directory to save the files in. Config.DataDir is used when empty.
	SavePath       string
	AllocationMode AllocationMode
	// Auto managed torrents wait in Queued state while Config.MaxActiveTorrents are active.
	AutoManaged bool
	// Return *DuplicateTorrentError if the torrent is already added.
	// Otherwise the existing torrent is returned.
	DuplicateIsError bool
	// Do not start the torrent after adding.
	Paused bool
}
