package torrent

import (
	"errors"
	"time"

	"github.com/kestrelbt/kestrel/internal/peerconn"
	"github.com/kestrelbt/kestrel/internal/peerprotocol"
	"github.com/kestrelbt/kestrel/internal/piecestore"
)

type writeResult struct {
	peer                 *peerconn.Conn
	index, begin, length uint32
	status               piecestore.Status
	err                  error
	epoch                uint64
}

// startWrite hands the block to a write worker. Workers of all torrents share the engine's write semaphore.
func (t *Torrent) startWrite(pe *peerconn.Conn, msg peerconn.Piece) {
	store, epoch := t.store, t.epoch
	sem := t.engine.writeSem
	t.workers.Add(1)
	go func() {
		defer t.workers.Done()
		defer msg.Buffer.Release()
		if !sem.WaitOrStop(t.closeC) {
			return
		}
		started := time.Now()
		status, err := store.MarkBlockReceived(msg.Index, msg.Begin, msg.Buffer.Data)
		sem.Signal()
		t.engine.metrics.WriteTime.UpdateSince(started)
		res := writeResult{
			peer:   pe,
			index:  msg.Index,
			begin:  msg.Begin,
			length: uint32(len(msg.Buffer.Data)),
			status: status,
			err:    err,
			epoch:  epoch,
		}
		select {
		case t.writeResultC <- res:
		case <-t.closeC:
		}
	}()
}

func (t *Torrent) handleWriteDone(res writeResult) {
	if t.picker != nil {
		t.picker.HandleWriteDone(res.index, res.begin)
	}
	if res.err != nil {
		t.handleWriteError(res)
		return
	}
	switch res.status {
	case piecestore.StatusComplete:
		t.handlePieceComplete(res.index)
	case piecestore.StatusCorrupt:
		t.log.Warningf("piece #%d failed hash check, attempt %d", res.index, t.store.Corruption(res.index))
		t.bytesWasted += int64(t.pieces[res.index].Length)
		t.engine.metrics.BytesWasted.Inc(int64(t.pieces[res.index].Length))
	case piecestore.StatusDuplicate:
		t.bytesWasted += int64(res.length)
		t.engine.metrics.BytesWasted.Inc(int64(res.length))
	}
	// Writes that were in flight while the torrent was paused only update the piece state.
	if res.epoch != t.epoch || !t.running {
		return
	}
	if res.status == piecestore.StatusCorrupt {
		t.fillAllRequests()
	}
}

func (t *Torrent) handleWriteError(res writeResult) {
	var ie *IntegrityError
	var se *StorageError
	switch {
	case errors.As(res.err, &ie):
		t.fail(res.err)
	case errors.As(res.err, &se):
		if t.paused || t.failed {
			t.log.Errorln("write failed while stopped:", res.err)
			return
		}
		t.stopWithError(res.err)
	default:
		// Block does not match the layout of the piece.
		res.peer.Logger().Errorf("invalid block: piece #%d begin %d length %d: %s", res.index, res.begin, res.length, res.err)
		t.store.MarkMissing(res.index, res.begin)
		t.closePeer(res.peer, false)
	}
}

func (t *Torrent) handlePieceComplete(index uint32) {
	t.log.Debugf("piece #%d is complete", index)
	for _, pe := range t.peers.Snapshot() {
		pe.SendMessage(peerprotocol.HaveMessage{Index: index})
		t.updateInterest(pe)
	}
	t.checkCompletion()
	t.updateAnnounceStats()
}
