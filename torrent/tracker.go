package torrent

import "github.com/kestrelbt/kestrel/internal/tracker"

// Tracker protocols are implemented outside of this package and plugged in with Config.NewTracker.
type (
	Tracker          = tracker.Tracker
	AnnounceRequest  = tracker.AnnounceRequest
	AnnounceResponse = tracker.AnnounceResponse
	AnnounceEvent    = tracker.Event
	TrackerError     = tracker.Error
)

// Announce events.
const (
	EventNone      = tracker.EventNone
	EventCompleted = tracker.EventCompleted
	EventStarted   = tracker.EventStarted
	EventStopped   = tracker.EventStopped
)
