// Package torrent runs BitTorrent downloads and uploads for a set of torrents in one engine.
package torrent

import (
	"context"
	"encoding/hex"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrelbt/kestrel/internal/addrlist"
	"github.com/kestrelbt/kestrel/internal/announcer"
	"github.com/kestrelbt/kestrel/internal/bitfield"
	"github.com/kestrelbt/kestrel/internal/infodownloader"
	"github.com/kestrelbt/kestrel/internal/logger"
	"github.com/kestrelbt/kestrel/internal/metainfo"
	"github.com/kestrelbt/kestrel/internal/peerconn"
	"github.com/kestrelbt/kestrel/internal/peerset"
	"github.com/kestrelbt/kestrel/internal/piece"
	"github.com/kestrelbt/kestrel/internal/piecepicker"
	"github.com/kestrelbt/kestrel/internal/piecestore"
	"github.com/kestrelbt/kestrel/internal/resume"
	"github.com/kestrelbt/kestrel/internal/storage"
	"github.com/kestrelbt/kestrel/internal/tracker"
	"github.com/kestrelbt/kestrel/internal/unchoker"
	"github.com/kestrelbt/kestrel/internal/verifier"
)

// Queue states of an auto managed torrent.
const (
	queueNone int32 = iota
	queueWaiting
	queueActive
)

// Torrent connects to peers and downloads files from swarm.
// All exported methods are safe to call from any goroutine.
// Fields are owned by the run loop unless noted otherwise.
type Torrent struct {
	engine      *Engine
	config      *Config
	infoHash    [20]byte
	addedAt     time.Time
	savePath    string
	allocation  AllocationMode
	autoManaged bool
	trackers    []string
	log         logger.Logger

	// Accessed by the engine queue manager.
	queueState int32

	name       string
	info       *metainfo.Info
	storage    storage.Storage
	files      []storage.File
	pieces     []piece.Piece
	store      *piecestore.Store
	picker     *piecepicker.PiecePicker[*peerconn.Conn]
	needsCheck bool
	verifier   *verifier.Verifier
	completed  bool
	completeC  chan struct{}

	// Restored from the resume record. Applied when the files are opened.
	resumeBitfield *bitfield.Bitfield
	resumePartial  map[uint32][]uint32

	peers            *peerset.PeerSet[*peerconn.Conn]
	addrList         *addrlist.AddrList
	unchoker         *unchoker.Unchoker
	infoDownloaders  map[*peerconn.Conn]*infodownloader.InfoDownloader
	metadataRejected map[*peerconn.Conn]struct{}
	announcers       []*announcer.Announcer

	running   bool
	paused    bool
	failed    bool
	lastError error
	// Incremented on every stop. Block writes started in an older epoch do not schedule new requests.
	epoch      uint64
	dialCtx    context.Context
	cancelDial context.CancelFunc

	// Counters of closed connections and previous runs.
	bytesDownloaded int64
	bytesUploaded   int64
	bytesWasted     int64

	// Read by announcers.
	announceStats atomic.Pointer[tracker.Torrent]

	messages          chan peerconn.Message
	peerDisconnectedC chan *peerconn.Conn
	connectResultC    chan connectResult
	peerShutdownC     chan peerShutdown
	incomingConnC     chan incomingConn
	writeResultC      chan writeResult
	verifierResultC   chan *verifier.Verifier
	addrsFromTrackers chan []*net.TCPAddr

	startCommandC         chan struct{}
	pauseCommandC         chan struct{}
	resumeCommandC        chan struct{}
	announceCommandC      chan struct{}
	addPeersCommandC      chan []*net.TCPAddr
	statusCommandC        chan statusRequest
	peersCommandC         chan peersRequest
	downloadQueueCommandC chan downloadQueueRequest
	resumeRecordCommandC  chan resumeRecordRequest

	// Goroutines started by the loop that may outlive a stop: dials, block writes, peer shutdowns, announcer stops.
	workers sync.WaitGroup

	closeOnce sync.Once
	closeC    chan struct{}
	doneC     chan struct{}
}

// torrentSpec is what is known about a torrent when it is added.
type torrentSpec struct {
	infoHash   [20]byte
	name       string
	info       *metainfo.Info
	trackers   []string
	peers      []*net.TCPAddr
	peerSource addrlist.Source
	record     *resume.Record
}

func newTorrent(e *Engine, spec *torrentSpec, opt *AddOptions) *Torrent {
	cfg := &e.config
	ih := hex.EncodeToString(spec.infoHash[:])
	name := spec.name
	if name == "" {
		name = ih
	}
	t := &Torrent{
		engine:      e,
		config:      cfg,
		infoHash:    spec.infoHash,
		addedAt:     time.Now().UTC(),
		savePath:    opt.SavePath,
		allocation:  opt.AllocationMode,
		autoManaged: opt.AutoManaged,
		trackers:    spec.trackers,
		log:         logger.New("torrent " + ih[:8]),
		name:        name,
		info:        spec.info,
		paused:      opt.Paused,
		completeC:   make(chan struct{}),
		peers: peerset.New[*peerconn.Conn](peerset.Config{
			MaxConnections: cfg.MaxConnections,
			DownloadLimit:  cfg.DownloadLimit,
			UploadLimit:    cfg.UploadLimit,
			DialRate:       cfg.DialRate,
			DialBurst:      int(cfg.DialRate),
		}, e.globalDownload, e.globalUpload, e.clk),
		addrList: addrlist.New(addrlist.Config{
			MaxItems:        cfg.MaxPeerAddresses,
			MaxRetries:      cfg.MaxPeerRetries,
			InitialInterval: cfg.PeerRetryInterval,
			MaxInterval:     cfg.PeerRetryMaxInterval,
		}, e.clk),
		unchoker:              unchoker.New(cfg.UnchokedPeers, cfg.OptimisticUnchokedPeers),
		infoDownloaders:       make(map[*peerconn.Conn]*infodownloader.InfoDownloader),
		metadataRejected:      make(map[*peerconn.Conn]struct{}),
		messages:              make(chan peerconn.Message),
		peerDisconnectedC:     make(chan *peerconn.Conn),
		connectResultC:        make(chan connectResult),
		peerShutdownC:         make(chan peerShutdown),
		incomingConnC:         make(chan incomingConn),
		writeResultC:          make(chan writeResult),
		verifierResultC:       make(chan *verifier.Verifier),
		addrsFromTrackers:     make(chan []*net.TCPAddr),
		startCommandC:         make(chan struct{}, 1),
		pauseCommandC:         make(chan struct{}),
		resumeCommandC:        make(chan struct{}),
		announceCommandC:      make(chan struct{}),
		addPeersCommandC:      make(chan []*net.TCPAddr),
		statusCommandC:        make(chan statusRequest),
		peersCommandC:         make(chan peersRequest),
		downloadQueueCommandC: make(chan downloadQueueRequest),
		resumeRecordCommandC:  make(chan resumeRecordRequest),
		closeC:                make(chan struct{}),
		doneC:                 make(chan struct{}),
	}
	if rec := spec.record; rec != nil {
		t.applyResumeRecord(rec)
	}
	t.addrList.Push(spec.peers, spec.peerSource)
	t.updateAnnounceStats()
	return t
}

// InfoHash returns the info hash of the torrent.
func (t *Torrent) InfoHash() [20]byte {
	return t.infoHash
}

// AddedAt returns the time the torrent is added to the engine.
func (t *Torrent) AddedAt() time.Time {
	return t.addedAt
}

// NotifyComplete returns a channel that is closed when all pieces are downloaded and verified.
func (t *Torrent) NotifyComplete() <-chan struct{} {
	return t.completeC
}

// Pause closes all peer connections and stops downloading and seeding.
// Pausing a torrent in Error state does nothing.
func (t *Torrent) Pause() {
	select {
	case t.pauseCommandC <- struct{}{}:
	case <-t.closeC:
	}
}

// Resume a paused torrent. Also clears the error of a torrent paused by a storage error.
func (t *Torrent) Resume() {
	select {
	case t.resumeCommandC <- struct{}{}:
	case <-t.closeC:
	}
}

// ForceReannounce makes all trackers announce now instead of waiting for their interval.
func (t *Torrent) ForceReannounce() {
	select {
	case t.announceCommandC <- struct{}{}:
	case <-t.closeC:
	}
}

// AddPeers adds addresses to dial. They are tried before the addresses learned from trackers.
func (t *Torrent) AddPeers(addrs []*net.TCPAddr) {
	select {
	case t.addPeersCommandC <- addrs:
	case <-t.closeC:
	}
}

type statusRequest struct {
	Response chan statusResponse
}

type statusResponse struct {
	Status     Status
	Announcers []*announcer.Announcer
}

// Status returns a snapshot of the torrent.
func (t *Torrent) Status() Status {
	req := statusRequest{Response: make(chan statusResponse, 1)}
	select {
	case t.statusCommandC <- req:
	case <-t.closeC:
		return Status{State: Paused, InfoHash: hex.EncodeToString(t.infoHash[:]), Error: errClosed}
	}
	resp := <-req.Response
	s := resp.Status
	// Announcers can be blocked sending peers to the loop, so they are asked here.
	for _, an := range resp.Announcers {
		as := an.Stats()
		if s.CurrentTracker != "" && as.Status != announcer.Working {
			continue
		}
		s.CurrentTracker = as.URL
		s.NextAnnounceETA = 0
		if !as.NextAnnounce.IsZero() {
			if d := time.Until(as.NextAnnounce); d > 0 {
				s.NextAnnounceETA = d
			}
		}
		if as.Status == announcer.Working {
			break
		}
	}
	return s
}

type peersRequest struct {
	Response chan []PeerInfo
}

// Peers returns the connected peers of the torrent.
func (t *Torrent) Peers() []PeerInfo {
	req := peersRequest{Response: make(chan []PeerInfo, 1)}
	select {
	case t.peersCommandC <- req:
		return <-req.Response
	case <-t.closeC:
		return nil
	}
}

type downloadQueueRequest struct {
	Response chan []DownloadQueueEntry
}

// DownloadQueue returns the pieces that have requested or received blocks but are not complete yet.
func (t *Torrent) DownloadQueue() []DownloadQueueEntry {
	req := downloadQueueRequest{Response: make(chan []DownloadQueueEntry, 1)}
	select {
	case t.downloadQueueCommandC <- req:
		return <-req.Response
	case <-t.closeC:
		return nil
	}
}

type resumeRecordRequest struct {
	Response chan *resume.Record
}

// SaveResume writes the resume record of the torrent to the engine's resume store.
func (t *Torrent) SaveResume() error {
	req := resumeRecordRequest{Response: make(chan *resume.Record, 1)}
	select {
	case t.resumeRecordCommandC <- req:
	case <-t.closeC:
		return errClosed
	}
	return t.engine.resume.Write(<-req.Response)
}

// close stops the torrent and waits until every goroutine it started has returned.
func (t *Torrent) close() {
	t.closeOnce.Do(func() {
		close(t.closeC)
	})
	<-t.doneC
}

// handleIncoming passes a handshaked connection to the loop.
func (t *Torrent) handleIncoming(ic incomingConn) {
	select {
	case t.incomingConnC <- ic:
	case <-t.closeC:
		ic.conn.Close()
	}
}

// notifyStart is called by the engine queue manager when an auto managed torrent may run.
func (t *Torrent) notifyStart() {
	select {
	case t.startCommandC <- struct{}{}:
	default:
	}
}
