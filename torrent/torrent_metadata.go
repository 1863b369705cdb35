package torrent

import (
	"github.com/kestrelbt/kestrel/internal/bitfield"
	"github.com/kestrelbt/kestrel/internal/infodownloader"
	"github.com/kestrelbt/kestrel/internal/metainfo"
	"github.com/kestrelbt/kestrel/internal/peerconn"
	"github.com/kestrelbt/kestrel/internal/peerprotocol"
)

// metadataPeer adapts a connection to the info downloader.
type metadataPeer struct {
	*peerconn.Conn
}

var _ infodownloader.Peer = metadataPeer{}

func (p metadataPeer) MetadataSize() uint32 {
	return uint32(p.ExtensionHandshake.MetadataSize)
}

func (p metadataPeer) RequestMetadataPiece(index uint32) {
	p.SendMessage(peerprotocol.ExtensionMessage{
		ExtendedMessageID: p.ExtensionHandshake.M[peerprotocol.ExtensionKeyMetadata],
		Payload: peerprotocol.ExtensionMetadataMessage{
			Type:  peerprotocol.ExtensionMetadataMessageTypeRequest,
			Piece: index,
		},
	})
}

func (t *Torrent) extensionHandshake() peerprotocol.ExtensionMessage {
	var size uint32
	if t.info != nil && !t.info.IsPrivate() {
		size = uint32(len(t.info.Bytes))
	}
	return peerprotocol.ExtensionMessage{
		ExtendedMessageID: peerprotocol.ExtensionIDHandshake,
		Payload:           peerprotocol.NewExtensionHandshake(size, clientVersion, t.config.MaxQueuedUploads),
	}
}

func (t *Torrent) handleExtensionHandshake(pe *peerconn.Conn, msg peerprotocol.ExtensionHandshakeMessage) {
	pe.ExtensionHandshake = &msg
	t.startInfoDownloaders()
}

func (t *Torrent) handleMetadataMessage(pe *peerconn.Conn, msg peerprotocol.ExtensionMetadataMessage) {
	switch msg.Type {
	case peerprotocol.ExtensionMetadataMessageTypeRequest:
		t.sendMetadataPiece(pe, msg.Piece)
	case peerprotocol.ExtensionMetadataMessageTypeData:
		id, ok := t.infoDownloaders[pe]
		if !ok {
			break
		}
		if err := id.GotBlock(msg.Piece, msg.Data); err != nil {
			pe.Logger().Errorln("invalid metadata block:", err)
			t.closePeer(pe, false)
			t.startInfoDownloaders()
			break
		}
		id.RequestBlocks(metadataRequestQueueLength)
		if !id.Done() {
			break
		}
		delete(t.infoDownloaders, pe)
		if err := id.Verify(t.infoHash); err != nil {
			pe.Logger().Errorln(err)
			t.closePeer(pe, false)
			t.startInfoDownloaders()
			break
		}
		t.handleMetadata(id.Bytes)
	case peerprotocol.ExtensionMetadataMessageTypeReject:
		id, ok := t.infoDownloaders[pe]
		if !ok {
			break
		}
		pe.Logger().Debugln(id.GotReject(msg.Piece))
		delete(t.infoDownloaders, pe)
		t.metadataRejected[pe] = struct{}{}
		t.startInfoDownloaders()
	}
}

// sendMetadataPiece serves the info dictionary to peers downloading it from us.
func (t *Torrent) sendMetadataPiece(pe *peerconn.Conn, index uint32) {
	if pe.ExtensionHandshake == nil {
		return
	}
	id, ok := pe.ExtensionHandshake.M[peerprotocol.ExtensionKeyMetadata]
	if !ok || id == 0 {
		return
	}
	reply := peerprotocol.ExtensionMetadataMessage{
		Type:  peerprotocol.ExtensionMetadataMessageTypeReject,
		Piece: index,
	}
	if t.info != nil && !t.info.IsPrivate() {
		size := uint32(len(t.info.Bytes))
		begin := uint64(index) * metadataBlockSize
		if begin < uint64(size) {
			end := begin + metadataBlockSize
			if end > uint64(size) {
				end = uint64(size)
			}
			reply.Type = peerprotocol.ExtensionMetadataMessageTypeData
			reply.TotalSize = int(size)
			reply.Data = t.info.Bytes[begin:end]
		}
	}
	pe.SendMessage(peerprotocol.ExtensionMessage{ExtendedMessageID: id, Payload: reply})
}

// startInfoDownloaders downloads the info dictionary from peers that advertise it.
func (t *Torrent) startInfoDownloaders() {
	if t.info != nil || !t.running {
		return
	}
	for _, pe := range t.peers.Snapshot() {
		if len(t.infoDownloaders) >= t.config.ParallelMetadataDownloads {
			return
		}
		if pe.ExtensionHandshake == nil {
			continue
		}
		if id, ok := pe.ExtensionHandshake.M[peerprotocol.ExtensionKeyMetadata]; !ok || id == 0 {
			continue
		}
		if _, ok := t.infoDownloaders[pe]; ok {
			continue
		}
		if _, ok := t.metadataRejected[pe]; ok {
			continue
		}
		id, err := infodownloader.New(metadataPeer{pe})
		if err != nil {
			pe.Logger().Debugln("cannot download metadata:", err)
			t.metadataRejected[pe] = struct{}{}
			continue
		}
		pe.Logger().Debugln("downloading metadata")
		t.infoDownloaders[pe] = id
		id.RequestBlocks(metadataRequestQueueLength)
	}
}

// handleMetadata continues a magnet download after the info dictionary is received and verified.
func (t *Torrent) handleMetadata(b []byte) {
	info, err := metainfo.NewInfo(b)
	if err != nil {
		t.fail(&InvalidTorrentError{Descriptor: t.name, Err: err})
		return
	}
	t.log.Infof("metadata received: %s", info.Name)
	t.info = info
	t.name = info.Name
	for pe := range t.infoDownloaders {
		delete(t.infoDownloaders, pe)
	}
	for pe := range t.metadataRejected {
		delete(t.metadataRejected, pe)
	}
	if err = t.openData(); err != nil {
		t.stopWithError(err)
		return
	}
	for _, pe := range t.peers.Snapshot() {
		t.applyPendingPieces(pe)
	}
	t.updateAnnounceStats()
	if t.needsCheck {
		t.startVerifier()
		return
	}
	t.fillAllRequests()
}

// applyPendingPieces applies the have and bitfield messages received before the info was known.
func (t *Torrent) applyPendingPieces(pe *peerconn.Conn) {
	n := t.info.NumPieces
	bf := bitfield.New(n)
	if pe.RawBitfield != nil {
		var err error
		bf, err = bitfield.NewBytes(pe.RawBitfield, n)
		if err != nil {
			pe.Logger().Errorln("invalid bitfield:", err)
			t.closePeer(pe, false)
			return
		}
	}
	for _, i := range pe.PendingHaves {
		if i >= n {
			pe.Logger().Errorln("unexpected piece index:", i)
			t.closePeer(pe, false)
			return
		}
		bf.Set(i)
	}
	pe.RawBitfield, pe.PendingHaves = nil, nil
	pe.Bitfield = bf
	t.picker.HandleBitfield(pe, bf)
	t.updateInterest(pe)
}
