package torrent

import (
	"encoding/hex"

	"github.com/kestrelbt/kestrel/internal/tracker"
)

func (t *Torrent) state() State {
	switch {
	case t.failed:
		return Error
	case t.paused:
		return Paused
	case !t.running:
		return Queued
	case t.verifier != nil:
		return CheckingExistingData
	case t.info == nil:
		return DownloadingMetadata
	case t.completed:
		return Seeding
	default:
		return Downloading
	}
}

func (t *Torrent) status() Status {
	s := Status{
		State:           t.state(),
		Name:            t.name,
		InfoHash:        hex.EncodeToString(t.infoHash[:]),
		Error:           t.lastError,
		BytesWasted:     t.bytesWasted,
		TotalDownloaded: t.totalDownloaded(),
		TotalUploaded:   t.totalUploaded(),
		NumPeers:        t.peers.NumActive(),
	}
	if t.info != nil {
		s.PiecesTotal = t.info.NumPieces
		s.BytesTotal = t.info.TotalLength
	}
	if t.store != nil {
		s.PiecesComplete = t.store.NumComplete()
		s.BytesComplete = t.store.BytesComplete()
	}
	if s.BytesTotal > 0 {
		s.Progress = float64(s.BytesComplete) / float64(s.BytesTotal)
	}
	if t.verifier != nil {
		s.PiecesChecked = t.verifier.Checked()
	}
	for _, pe := range t.peers.Snapshot() {
		s.DownloadRate += pe.DownloadSpeed()
		s.UploadRate += pe.UploadSpeed()
		if pe.Bitfield != nil && pe.Bitfield.All() {
			s.NumSeeds++
		}
	}
	return s
}

func (t *Torrent) totalDownloaded() int64 {
	n := t.bytesDownloaded
	for _, pe := range t.peers.Snapshot() {
		n += pe.BytesDownloaded()
	}
	return n
}

func (t *Torrent) totalUploaded() int64 {
	n := t.bytesUploaded
	for _, pe := range t.peers.Snapshot() {
		n += pe.BytesUploaded()
	}
	return n
}

func (t *Torrent) downloadQueue() []DownloadQueueEntry {
	if t.store == nil {
		return nil
	}
	q := t.store.DownloadQueue()
	ret := make([]DownloadQueueEntry, len(q))
	for i, qe := range q {
		ret[i] = DownloadQueueEntry{PieceIndex: qe.Index, Blocks: qe.Blocks}
	}
	return ret
}

// updateAnnounceStats publishes the transfer counters that announcers send to trackers.
func (t *Torrent) updateAnnounceStats() {
	s := &tracker.Torrent{
		InfoHash:        t.infoHash,
		PeerID:          t.engine.peerID,
		Port:            t.engine.port(),
		BytesDownloaded: t.totalDownloaded(),
		BytesUploaded:   t.totalUploaded(),
	}
	if t.info != nil {
		s.BytesLeft = t.info.TotalLength
		if t.store != nil {
			s.BytesLeft -= t.store.BytesComplete()
		}
	}
	t.announceStats.Store(s)
}

func (t *Torrent) loadAnnounceStats() tracker.Torrent {
	return *t.announceStats.Load()
}
