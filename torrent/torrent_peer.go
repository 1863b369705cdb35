package torrent

import (
	"net"
	"time"

	"github.com/kestrelbt/kestrel/internal/addrlist"
	"github.com/kestrelbt/kestrel/internal/bitfield"
	"github.com/kestrelbt/kestrel/internal/logger"
	"github.com/kestrelbt/kestrel/internal/peerconn"
	"github.com/kestrelbt/kestrel/internal/peerprotocol"
	"github.com/kestrelbt/kestrel/internal/unchoker"
)

type connectResult struct {
	conn  *peerconn.Conn
	err   error
	epoch uint64
}

// peerShutdown is sent when a graceful close of an outgoing connection finishes.
type peerShutdown struct {
	addr  *net.TCPAddr
	delay time.Duration
}

// incomingConn is a connection that has completed the handshake for this torrent.
type incomingConn struct {
	conn net.Conn
	id   [20]byte
	ext  [8]byte
}

// chokePeer adapts a connection to the unchoker.
type chokePeer struct {
	*peerconn.Conn
}

var _ unchoker.Peer = chokePeer{}

func (p chokePeer) Choking() bool        { return p.AmChoking }
func (p chokePeer) Interested() bool     { return p.PeerInterested }
func (p chokePeer) Optimistic() bool     { return p.Conn.Optimistic }
func (p chokePeer) SetOptimistic(v bool) { p.Conn.Optimistic = v }

func (t *Torrent) chokePeers() []unchoker.Peer {
	peers := t.peers.Snapshot()
	ret := make([]unchoker.Peer, len(peers))
	for i, pe := range peers {
		ret[i] = chokePeer{pe}
	}
	return ret
}

func (t *Torrent) handleNewPeers(addrs []*net.TCPAddr, source addrlist.Source) {
	t.log.Debugf("received %d peers from %s", len(addrs), source)
	t.addrList.Push(addrs, source)
	t.dialPeers()
}

// dialPeers starts connecting to addresses until the connection limit or the dial rate is reached.
func (t *Torrent) dialPeers() {
	if !t.running || t.verifier != nil || t.completed {
		return
	}
	for t.peers.Len() < t.peers.Max() && t.addrList.Ready() > 0 {
		if !t.peers.AllowDial() {
			return
		}
		addr := t.addrList.Pop()
		if addr == nil {
			return
		}
		if err := t.peers.Admit(addr); err != nil {
			t.log.Debugln("not dialing:", err)
			continue
		}
		t.dial(addr)
	}
}

func (t *Torrent) dial(addr *net.TCPAddr) {
	pe := peerconn.NewOutgoing(addr, t.config.peerConfig(), t.peers.Download, t.peers.Upload, logger.New("peer -> "+addr.String()))
	ctx, epoch := t.dialCtx, t.epoch
	t.workers.Add(1)
	go func() {
		defer t.workers.Done()
		err := pe.Connect(ctx, t.infoHash, t.engine.peerID, t.engine.extensions)
		select {
		case t.connectResultC <- connectResult{conn: pe, err: err, epoch: epoch}:
		case <-t.closeC:
			pe.Close()
		}
	}()
}

func (t *Torrent) handleConnectResult(res connectResult) {
	addr := res.conn.Addr()
	if res.err != nil {
		t.peers.Release(addr)
		if res.epoch != t.epoch {
			t.addrList.Disconnected(addr, 0)
			return
		}
		res.conn.Logger().Debugln("cannot connect:", res.err)
		t.addrList.Failed(addr)
		t.dialPeers()
		return
	}
	if res.epoch != t.epoch || !t.running {
		t.peers.Release(addr)
		res.conn.Close()
		t.addrList.Disconnected(addr, 0)
		return
	}
	t.addPeer(res.conn)
}

func (t *Torrent) handleIncomingConn(ic incomingConn) {
	addr := ic.conn.RemoteAddr().(*net.TCPAddr)
	if !t.running || t.verifier != nil {
		ic.conn.Close()
		return
	}
	// Incoming connections may exceed the limit. Slow peers are evicted after the connection is added.
	if err := t.peers.AdmitOverflow(addr); err != nil {
		t.log.Debugln("rejecting incoming connection:", err)
		ic.conn.Close()
		return
	}
	pe := peerconn.NewIncoming(ic.conn, ic.id, ic.ext, t.config.peerConfig(), t.peers.Download, t.peers.Upload, logger.New("peer <- "+addr.String()))
	t.addPeer(pe)
}

// addPeer activates a connected peer and sends the first messages.
func (t *Torrent) addPeer(pe *peerconn.Conn) {
	if old, ok := t.peers.Stale(pe); ok {
		old.Logger().Debugln("peer has reconnected, closing old connection")
		t.closePeer(old, false)
	}
	if err := t.peers.Activate(pe); err != nil {
		pe.Logger().Debugln("cannot add peer:", err)
		t.peers.Release(pe.Addr())
		pe.Close()
		if !pe.Incoming() {
			t.addrList.Disconnected(pe.Addr(), t.config.PeerReconnectDelay)
		}
		return
	}
	pe.Logger().Debugln("connected, client:", pe.ClientName())
	if !pe.Incoming() {
		t.addrList.Connected(pe.Addr())
	}
	t.engine.metrics.Peers.Inc(1)
	go pe.Run(t.messages, t.peerDisconnectedC)

	if t.store != nil {
		pe.Bitfield = bitfield.New(t.info.NumPieces)
		if t.store.NumComplete() > 0 {
			pe.SendMessage(peerprotocol.BitfieldMessage{Data: t.store.CompletionBitfield().Bytes()})
		}
	}
	if pe.SupportsExtensions() {
		pe.SendMessage(t.extensionHandshake())
	}
	for _, ev := range t.peers.Evict(t.completed) {
		ev.Logger().Debugln("evicting peer")
		t.removePeer(ev, false)
	}
}

func (t *Torrent) handlePeerDisconnect(pe *peerconn.Conn) {
	if !t.peers.Has(pe) {
		return
	}
	pe.Logger().Debugln("disconnected:", pe.Err())
	t.closePeer(pe, false)
	t.startInfoDownloaders()
	t.dialPeers()
}

// closePeer removes the peer from the torrent and closes the connection.
func (t *Torrent) closePeer(pe *peerconn.Conn, graceful bool) {
	if !t.peers.Remove(pe) {
		return
	}
	t.removePeer(pe, graceful)
}

// removePeer cleans up a peer that is already removed from the peer set.
func (t *Torrent) removePeer(pe *peerconn.Conn, graceful bool) {
	if t.picker != nil {
		t.picker.HandleDisconnect(pe)
	}
	t.unchoker.HandleDisconnect(chokePeer{pe})
	delete(t.infoDownloaders, pe)
	delete(t.metadataRejected, pe)
	t.bytesDownloaded += pe.BytesDownloaded()
	t.bytesUploaded += pe.BytesUploaded()
	t.engine.metrics.Peers.Dec(1)
	delay := t.config.PeerReconnectDelay
	if !t.running {
		delay = 0
	}
	if !graceful {
		pe.Close()
		if !pe.Incoming() {
			t.addrList.Disconnected(pe.Addr(), delay)
		}
		return
	}
	// The address is not dialed again until the old connection is closed.
	// Otherwise the remote may still hold it and reject the new one as a duplicate.
	t.workers.Add(1)
	go func() {
		defer t.workers.Done()
		pe.Shutdown(t.config.PeerShutdownTimeout)
		if pe.Incoming() {
			return
		}
		select {
		case t.peerShutdownC <- peerShutdown{addr: pe.Addr(), delay: delay}:
		case <-t.closeC:
		}
	}()
}

func (t *Torrent) updateInterest(pe *peerconn.Conn) {
	if t.picker == nil {
		return
	}
	pe.SetInterested(!t.completed && t.picker.Interesting(pe))
}

// fillRequests sends requests to the peer until its pipeline is full.
func (t *Torrent) fillRequests(pe *peerconn.Conn) {
	if t.picker == nil || t.completed || !t.running || t.verifier != nil || !pe.AmInterested {
		return
	}
	for _, r := range t.picker.PickFor(pe, pe.FreeSlots()) {
		if err := pe.SendRequest(r); err != nil {
			t.picker.HandleCancel(pe, r.Index, r.Begin)
		}
	}
}

func (t *Torrent) fillAllRequests() {
	for _, pe := range t.peers.Snapshot() {
		t.fillRequests(pe)
	}
}

func (t *Torrent) peerInfos() []PeerInfo {
	peers := t.peers.Snapshot()
	ret := make([]PeerInfo, 0, len(peers))
	for _, pe := range peers {
		ret = append(ret, PeerInfo{
			Addr:            pe.Addr().String(),
			Client:          pe.ClientName(),
			DownloadRate:    pe.DownloadSpeed(),
			UploadRate:      pe.UploadSpeed(),
			TotalDownloaded: pe.BytesDownloaded(),
			TotalUploaded:   pe.BytesUploaded(),
			QueueDepthDown:  pe.QueueDepth(),
			QueueDepthUp:    pe.UploadsQueued(),
			ConnectedAt:     pe.ConnectedAt,
			Flags: PeerFlags{
				Interesting:        pe.AmInterested,
				ChokedLocal:        pe.AmChoking,
				RemoteInterested:   pe.PeerInterested,
				RemoteChoked:       pe.PeerChoking,
				SupportsExtensions: pe.SupportsExtensions(),
				IsIncoming:         pe.Incoming(),
			},
		})
	}
	return ret
}
