package torrent

import (
	"time"

	"github.com/kestrelbt/kestrel/internal/addrlist"
)

const (
	speedTickInterval          = 5 * time.Second
	unchokeInterval            = 10 * time.Second
	optimisticUnchokeInterval  = 30 * time.Second
	dialInterval               = time.Second
	metadataRequestQueueLength = 4
	metadataBlockSize          = 16 * 1024
	maxResumePeers             = 200
	clientVersion              = "Kestrel 0.1.0"
	peerIDPrefix               = "-KS0100-"
)

// Torrent event loop
func (t *Torrent) run() {
	defer close(t.doneC)

	speedTicker := time.NewTicker(speedTickInterval)
	defer speedTicker.Stop()
	unchokeTicker := time.NewTicker(unchokeInterval)
	defer unchokeTicker.Stop()
	optimisticUnchokeTicker := time.NewTicker(optimisticUnchokeInterval)
	defer optimisticUnchokeTicker.Stop()
	dialTicker := time.NewTicker(dialInterval)
	defer dialTicker.Stop()

	t.init()
	for {
		select {
		case <-t.closeC:
			t.shutdown()
			return
		case <-t.startCommandC:
			t.handleStartCommand()
		case <-t.pauseCommandC:
			t.pause()
		case <-t.resumeCommandC:
			t.resume()
		case <-t.announceCommandC:
			for _, an := range t.announcers {
				an.ForceAnnounce()
			}
		case addrs := <-t.addPeersCommandC:
			t.handleNewPeers(addrs, addrlist.Manual)
		case addrs := <-t.addrsFromTrackers:
			t.handleNewPeers(addrs, addrlist.Tracker)
		case req := <-t.statusCommandC:
			req.Response <- statusResponse{Status: t.status(), Announcers: t.announcers}
		case req := <-t.peersCommandC:
			req.Response <- t.peerInfos()
		case req := <-t.downloadQueueCommandC:
			req.Response <- t.downloadQueue()
		case req := <-t.resumeRecordCommandC:
			req.Response <- t.resumeRecord()
		case res := <-t.connectResultC:
			t.handleConnectResult(res)
		case ic := <-t.incomingConnC:
			t.handleIncomingConn(ic)
		case ps := <-t.peerShutdownC:
			t.addrList.Disconnected(ps.addr, ps.delay)
			t.dialPeers()
		case pe := <-t.peerDisconnectedC:
			t.handlePeerDisconnect(pe)
		case pm := <-t.messages:
			t.handlePeerMessage(pm)
		case res := <-t.writeResultC:
			t.handleWriteDone(res)
		case v := <-t.verifierResultC:
			t.handleVerificationDone(v)
		case <-speedTicker.C:
			t.tickSpeed()
		case <-unchokeTicker.C:
			t.unchoker.TickUnchoke(t.chokePeers(), t.completed)
		case <-optimisticUnchokeTicker.C:
			t.unchoker.TickOptimisticUnchoke(t.chokePeers())
		case <-dialTicker.C:
			t.dialPeers()
		}
	}
}

// shutdown stops the torrent, waits for its goroutines and closes the files.
func (t *Torrent) shutdown() {
	t.stop(true)
	t.workers.Wait()
	t.closeFiles()
}

func (t *Torrent) tickSpeed() {
	for _, pe := range t.peers.Snapshot() {
		pe.Tick()
	}
	t.updateAnnounceStats()
}
