// Package tracker defines the contract between a torrent and the trackers it announces to.
// Tracker protocols live outside of this module and are plugged in through Tracker.
package tracker

import (
	"context"
	"net"
	"time"
)

// Tracker announces a torrent and returns peers of the swarm.
type Tracker interface {
	// Announce reports transfer counters and an optional event.
	// It must return promptly when ctx is cancelled.
	Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error)

	URL() string
}

type AnnounceRequest struct {
	Torrent Torrent
	Event   Event
	NumWant int
}

// AnnounceResponse carries the swarm counts and the peers returned by the tracker.
type AnnounceResponse struct {
	Interval    time.Duration
	MinInterval time.Duration
	Leechers    int32
	Seeders     int32
	Peers       []*net.TCPAddr
}

// Torrent is the state of the torrent at the time of the announce.
type Torrent struct {
	BytesUploaded   int64
	BytesDownloaded int64
	BytesLeft       int64
	InfoHash        [20]byte
	PeerID          [20]byte
	Port            int
}

// Error is a failure reported by the tracker itself, as opposed to a transport error.
// A positive RetryIn overrides the retry backoff of the announcer.
type Error struct {
	FailureReason string
	RetryIn       time.Duration
}

func (e *Error) Error() string { return e.FailureReason }
