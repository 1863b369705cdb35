package torrent

import (
	"context"
	"path/filepath"
	"sync/atomic"

	"github.com/kestrelbt/kestrel/internal/announcer"
	"github.com/kestrelbt/kestrel/internal/filesection"
	"github.com/kestrelbt/kestrel/internal/logger"
	"github.com/kestrelbt/kestrel/internal/peerconn"
	"github.com/kestrelbt/kestrel/internal/peerprotocol"
	"github.com/kestrelbt/kestrel/internal/piece"
	"github.com/kestrelbt/kestrel/internal/piecepicker"
	"github.com/kestrelbt/kestrel/internal/piecestore"
	"github.com/kestrelbt/kestrel/internal/storage"
	"github.com/kestrelbt/kestrel/internal/storage/filestorage"
	"github.com/kestrelbt/kestrel/internal/verifier"
)

// init decides how the torrent begins after it is added.
func (t *Torrent) init() {
	if t.paused {
		return
	}
	if t.autoManaged {
		t.enqueue()
		return
	}
	t.start()
}

func (t *Torrent) enqueue() {
	atomic.StoreInt32(&t.queueState, queueWaiting)
	t.engine.notifyQueue()
}

func (t *Torrent) dequeue() {
	if atomic.SwapInt32(&t.queueState, queueNone) != queueNone {
		t.engine.notifyQueue()
	}
}

func (t *Torrent) handleStartCommand() {
	if atomic.LoadInt32(&t.queueState) != queueActive || t.paused || t.failed {
		return
	}
	t.start()
}

func (t *Torrent) pause() {
	if t.paused || t.failed {
		return
	}
	t.log.Info("pausing torrent")
	t.paused = true
	t.stop(true)
	t.dequeue()
}

func (t *Torrent) resume() {
	if !t.paused || t.failed {
		return
	}
	t.log.Info("resuming torrent")
	t.paused = false
	t.lastError = nil
	if t.autoManaged {
		t.enqueue()
		return
	}
	t.start()
}

// stopWithError pauses the torrent after a storage error. Resume retries.
func (t *Torrent) stopWithError(err error) {
	t.log.Errorln("torrent is paused:", err)
	t.lastError = err
	t.paused = true
	t.stop(false)
	t.dequeue()
}

// fail moves the torrent to Error state. Only removing the torrent gets it out of there.
func (t *Torrent) fail(err error) {
	if t.failed {
		return
	}
	t.log.Errorln("torrent has failed:", err)
	t.lastError = err
	t.failed = true
	t.stop(false)
	t.dequeue()
}

func (t *Torrent) start() {
	if t.running || t.paused || t.failed {
		return
	}
	t.log.Info("starting torrent")
	t.running = true
	t.dialCtx, t.cancelDial = context.WithCancel(context.Background())
	if t.info != nil && t.store == nil {
		if err := t.openData(); err != nil {
			t.stopWithError(err)
			return
		}
	}
	t.startAnnouncers()
	if t.needsCheck {
		t.startVerifier()
		return
	}
	t.dialPeers()
}

// stop closes all connections and stops background work of the torrent.
// Queued messages are flushed to peers if graceful is set.
func (t *Torrent) stop(graceful bool) {
	if !t.running {
		return
	}
	t.log.Info("stopping torrent")
	t.running = false
	t.epoch++
	t.cancelDial()
	t.stopVerifier()
	t.stopAnnouncers()
	for pe := range t.infoDownloaders {
		delete(t.infoDownloaders, pe)
	}
	for _, pe := range t.peers.Snapshot() {
		t.closePeer(pe, graceful)
	}
	t.updateAnnounceStats()
}

// openData opens or creates the files of the torrent and prepares the piece state.
func (t *Torrent) openData() error {
	root := t.savePath
	if t.info.MultiFile() {
		root = filepath.Join(root, t.info.Name)
	}
	sto, err := filestorage.New(root, t.allocation)
	if err != nil {
		return &StorageError{Op: "open", Path: root, Err: err}
	}
	files := make([]storage.File, 0, len(t.info.Layout))
	sections := make([]filesection.ReadWriterAt, 0, len(t.info.Layout))
	var anyExists bool
	for _, f := range t.info.Layout {
		sf, exists, err := sto.Open(f.Path, f.Length)
		if err != nil {
			for _, of := range files {
				of.Close()
			}
			return &StorageError{Op: "open", Path: filepath.Join(root, f.Path), Err: err}
		}
		anyExists = anyExists || exists
		files = append(files, sf)
		sections = append(sections, sf)
	}
	t.storage = sto
	t.files = files
	t.pieces = piece.NewPieces(t.info, sections)
	t.store = piecestore.New(t.pieces, t.config.MaxCorruption)
	t.picker = piecepicker.New[*peerconn.Conn](t.store, t.config.EndgameThreshold, t.config.MaxDuplicateRequests)
	switch {
	case t.resumeBitfield != nil && anyExists:
		for i := uint32(0); i < t.resumeBitfield.Len(); i++ {
			if t.resumeBitfield.Test(i) {
				t.store.SetComplete(i)
			}
		}
		for i, blocks := range t.resumePartial {
			t.store.RestorePartial(i, blocks)
		}
		t.checkCompletion()
	case anyExists:
		t.needsCheck = true
	}
	t.resumeBitfield, t.resumePartial = nil, nil
	return nil
}

func (t *Torrent) closeFiles() {
	for _, f := range t.files {
		if err := f.Close(); err != nil {
			t.log.Errorln("cannot close file:", err)
		}
	}
	t.files = nil
}

func (t *Torrent) startVerifier() {
	t.log.Info("checking existing data")
	t.verifier = verifier.New()
	go t.verifier.Run(t.pieces, t.verifierResultC)
}

// stopVerifier interrupts a running check. The check starts over when the torrent is started again.
func (t *Torrent) stopVerifier() {
	if t.verifier != nil {
		t.verifier.Close()
		t.verifier = nil
	}
}

func (t *Torrent) handleVerificationDone(v *verifier.Verifier) {
	if v != t.verifier {
		return
	}
	t.verifier = nil
	if v.Error != nil {
		t.stopWithError(&StorageError{Op: "check", Path: t.storage.RootDir(), Err: v.Error})
		return
	}
	t.needsCheck = false
	for i := uint32(0); i < v.Bitfield.Len(); i++ {
		if v.Bitfield.Test(i) {
			t.store.SetComplete(i)
		}
	}
	t.log.Infof("check finished, have %d of %d pieces", t.store.NumComplete(), t.store.NumPieces())
	// Peers that connected during the check have not heard about our pieces.
	for _, pe := range t.peers.Snapshot() {
		for i := uint32(0); i < v.Bitfield.Len(); i++ {
			if v.Bitfield.Test(i) {
				pe.SendMessage(peerprotocol.HaveMessage{Index: i})
			}
		}
	}
	t.checkCompletion()
	t.updateAnnounceStats()
	for _, pe := range t.peers.Snapshot() {
		t.updateInterest(pe)
		t.fillRequests(pe)
	}
	t.dialPeers()
}

// checkCompletion switches to seeding after the last piece is verified.
func (t *Torrent) checkCompletion() {
	if t.completed || t.store == nil || t.store.NumComplete() < t.store.NumPieces() {
		return
	}
	t.log.Info("download completed")
	t.completed = true
	close(t.completeC)
	for _, pe := range t.peers.Snapshot() {
		pe.SetInterested(false)
		// There is nothing to exchange with another seed.
		if pe.Bitfield != nil && pe.Bitfield.All() {
			t.closePeer(pe, true)
		}
	}
}

func (t *Torrent) startAnnouncers() {
	if t.config.NewTracker == nil || len(t.announcers) > 0 {
		return
	}
	cfg := announcer.Config{
		NumWant:         t.config.TrackerNumWant,
		MinInterval:     t.config.TrackerMinAnnounceInterval,
		DefaultInterval: t.config.TrackerDefaultAnnounceInterval,
	}
	for _, u := range t.trackers {
		trk, err := t.config.NewTracker(u)
		if err != nil {
			t.log.Warningf("cannot create tracker for %s: %s", u, err)
			continue
		}
		an := announcer.New(trk, cfg, t.loadAnnounceStats, t.completeC, t.addrsFromTrackers, t.engine.clk, logger.New("announcer "+u))
		t.announcers = append(t.announcers, an)
		go an.Run()
	}
}

// stopAnnouncers sends stopped events in the background so that pausing does not wait for trackers.
func (t *Torrent) stopAnnouncers() {
	ans := t.announcers
	t.announcers = nil
	if len(ans) == 0 {
		return
	}
	t.workers.Add(1)
	go func() {
		defer t.workers.Done()
		for _, an := range ans {
			an.Close()
		}
	}()
}
