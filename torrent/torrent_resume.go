package torrent

import (
	"github.com/kestrelbt/kestrel/internal/resume"
)

// applyResumeRecord restores the counters and the piece state of a torrent loaded from the resume store.
func (t *Torrent) applyResumeRecord(rec *resume.Record) {
	if !rec.AddedAt.IsZero() {
		t.addedAt = rec.AddedAt.UTC()
	}
	t.bytesDownloaded = rec.BytesDownloaded
	t.bytesUploaded = rec.BytesUploaded
	if t.info == nil || len(rec.Bitfield) == 0 {
		return
	}
	bf, err := rec.CompletionBitfield()
	if err != nil || bf.Len() != t.info.NumPieces {
		t.log.Warningln("ignoring resume bitfield, existing data will be checked:", err)
		return
	}
	t.resumeBitfield = bf
	t.resumePartial = rec.Partial
}

func (t *Torrent) resumeRecord() *resume.Record {
	r := &resume.Record{
		InfoHash:        t.infoHash,
		Name:            t.name,
		SavePath:        t.savePath,
		AllocationMode:  t.allocation.String(),
		Trackers:        t.trackers,
		Paused:          t.paused || t.failed,
		AutoManaged:     t.autoManaged,
		BytesDownloaded: t.totalDownloaded(),
		BytesUploaded:   t.totalUploaded(),
		AddedAt:         t.addedAt,
	}
	if t.info != nil {
		r.Info = t.info.Bytes
		r.NumPieces = t.info.NumPieces
	}
	switch {
	case t.store != nil && t.verifier == nil && !t.needsCheck:
		r.Bitfield = t.store.CompletionBitfield().Bytes()
		r.Partial = t.store.PartialBlocks()
	case t.resumeBitfield != nil:
		// Files are not opened yet.
		r.Bitfield = t.resumeBitfield.Bytes()
		r.Partial = t.resumePartial
	}
	for _, addr := range t.addrList.Addrs() {
		if len(r.Peers) == maxResumePeers {
			break
		}
		r.Peers = append(r.Peers, addr.String())
	}
	return r
}
