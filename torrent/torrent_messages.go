package torrent

import (
	"github.com/kestrelbt/kestrel/internal/bitfield"
	"github.com/kestrelbt/kestrel/internal/peerconn"
	"github.com/kestrelbt/kestrel/internal/peerprotocol"
)

func (t *Torrent) handlePeerMessage(pm peerconn.Message) {
	pe := pm.Conn
	if !t.peers.Has(pe) {
		// Message of a connection that is being closed.
		if p, ok := pm.Message.(peerconn.Piece); ok {
			p.Buffer.Release()
		}
		return
	}
	switch msg := pm.Message.(type) {
	case peerprotocol.HaveMessage:
		if t.info == nil {
			pe.PendingHaves = append(pe.PendingHaves, msg.Index)
			break
		}
		if msg.Index >= t.info.NumPieces {
			pe.Logger().Errorln("unexpected piece index:", msg.Index)
			t.closePeer(pe, false)
			break
		}
		pe.Bitfield.Set(msg.Index)
		if t.picker != nil {
			t.picker.HandleHave(pe, msg.Index)
		}
		t.updateInterest(pe)
		t.fillRequests(pe)
	case peerprotocol.BitfieldMessage:
		if t.info == nil {
			pe.RawBitfield = msg.Data
			break
		}
		bf, err := bitfield.NewBytes(msg.Data, t.info.NumPieces)
		if err != nil {
			pe.Logger().Errorln("invalid bitfield:", err)
			t.closePeer(pe, false)
			break
		}
		pe.Bitfield = bf
		if t.picker != nil {
			t.picker.HandleBitfield(pe, bf)
		}
		if t.completed && bf.All() {
			t.closePeer(pe, true)
			break
		}
		t.updateInterest(pe)
		t.fillRequests(pe)
	case peerprotocol.ChokeMessage:
		for _, r := range pe.OnChoked() {
			if t.picker != nil {
				t.picker.HandleCancel(pe, r.Index, r.Begin)
			}
		}
		t.fillAllRequests()
	case peerprotocol.UnchokeMessage:
		pe.OnUnchoked()
		t.fillRequests(pe)
	case peerprotocol.InterestedMessage:
		pe.PeerInterested = true
		t.unchoker.FastUnchoke(chokePeer{pe})
	case peerprotocol.NotInterestedMessage:
		pe.PeerInterested = false
	case peerprotocol.RequestMessage:
		t.handleRequest(pe, msg)
	case peerprotocol.CancelMessage:
		if pe.CancelUpload(msg) {
			pe.UploadDone()
		}
	case peerconn.Piece:
		t.handlePiece(pe, msg)
	case peerconn.BlockUploaded:
		pe.UploadDone()
		t.engine.metrics.SpeedUpload.Mark(int64(msg.Length))
	case peerprotocol.ExtensionHandshakeMessage:
		t.handleExtensionHandshake(pe, msg)
	case peerprotocol.ExtensionMetadataMessage:
		t.handleMetadataMessage(pe, msg)
	default:
		pe.Logger().Debugf("unhandled message type: %T", msg)
	}
}

func (t *Torrent) handleRequest(pe *peerconn.Conn, msg peerprotocol.RequestMessage) {
	if t.store == nil {
		pe.Logger().Debugln("request received before info is known")
		t.closePeer(pe, false)
		return
	}
	if msg.Index >= t.info.NumPieces || uint64(msg.Begin)+uint64(msg.Length) > uint64(t.pieces[msg.Index].Length) {
		pe.Logger().Errorf("invalid request: piece #%d begin %d length %d", msg.Index, msg.Begin, msg.Length)
		t.closePeer(pe, false)
		return
	}
	if pe.AmChoking {
		return
	}
	if !t.store.HasPiece(msg.Index) {
		pe.Logger().Debugln("request for a piece we do not have:", msg.Index)
		return
	}
	if pe.UploadsQueued() >= t.config.MaxQueuedUploads {
		pe.Logger().Debugln("upload queue is full, dropping request")
		return
	}
	pe.QueueUpload()
	pe.SendPiece(msg, t.pieces[msg.Index].Data)
}

func (t *Torrent) handlePiece(pe *peerconn.Conn, msg peerconn.Piece) {
	length := uint32(len(msg.Buffer.Data))
	t.engine.metrics.SpeedDownload.Mark(int64(length))
	if t.store == nil || msg.Index >= t.info.NumPieces {
		msg.Buffer.Release()
		pe.Logger().Errorln("unexpected piece message for piece", msg.Index)
		t.closePeer(pe, false)
		return
	}
	if !pe.CompleteRequest(msg.Index, msg.Begin, length) {
		// Cancelled or choked before the block arrived.
		t.bytesWasted += int64(length)
		msg.Buffer.Release()
		return
	}
	req := peerprotocol.RequestMessage{Index: msg.Index, Begin: msg.Begin, Length: length}
	for _, loser := range t.picker.HandleBlock(pe, msg.Index, msg.Begin) {
		loser.CancelRequest(req)
	}
	t.startWrite(pe, msg)
	t.fillRequests(pe)
}
