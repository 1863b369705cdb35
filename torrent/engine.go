package torrent

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/kestrelbt/kestrel/internal/bandwidth"
	"github.com/kestrelbt/kestrel/internal/btconn"
	"github.com/kestrelbt/kestrel/internal/logger"
	"github.com/kestrelbt/kestrel/internal/resume"
	"github.com/kestrelbt/kestrel/internal/semaphore"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/sync/errgroup"
)

// Engine runs many torrents and accepts peer connections for them on a single port.
type Engine struct {
	config     Config
	log        logger.Logger
	clk        clock.Clock
	createdAt  time.Time
	peerID     [20]byte
	extensions [8]byte
	listener   net.Listener
	resume     resume.Store
	httpClient *http.Client
	rpc        *rpcServer
	metrics    *engineMetrics

	// Bounds the number of block writes in flight across all torrents.
	writeSem *semaphore.Semaphore

	globalDownload bandwidth.Group
	globalUpload   bandwidth.Group

	mTorrents sync.RWMutex
	torrents  map[[20]byte]*Torrent
	order     []*Torrent

	mHandshakes sync.Mutex
	handshakes  map[net.Conn]struct{}

	queueC    chan struct{}
	closeOnce sync.Once
	closeC    chan struct{}
	wg        sync.WaitGroup
}

// New returns an Engine that listens on the configured port and loads the torrents in the resume store.
func New(cfg Config) (*Engine, error) {
	var err error
	l := logger.New("engine")
	if cfg.MaxOpenFiles > 0 {
		if err = setNoFile(cfg.MaxOpenFiles); err != nil {
			l.Warningf("cannot change max open files limit: %s", err)
		}
	}
	cfg.DataDir, err = homedir.Expand(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	store, err := openResumeStore(&cfg)
	if err != nil {
		return nil, fmt.Errorf("cannot open resume store: %w", err)
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(cfg.ListenHost, strconv.Itoa(cfg.ListenPort)))
	if err != nil {
		store.Close()
		return nil, err
	}
	l.Infoln("listening peer connections on", listener.Addr().String())
	clk := clock.New()
	e := &Engine{
		config:     cfg,
		log:        l,
		clk:        clk,
		createdAt:  time.Now(),
		extensions: btconn.Extensions(),
		listener:   listener,
		resume:     store,
		httpClient: &http.Client{
			Timeout:   cfg.HTTPTimeout,
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment},
		},
		writeSem:   semaphore.New(cfg.ParallelWrites),
		torrents:   make(map[[20]byte]*Torrent),
		handshakes: make(map[net.Conn]struct{}),
		queueC:     make(chan struct{}, 1),
		closeC:     make(chan struct{}),
	}
	if b := bandwidth.New(cfg.GlobalDownloadLimit, clk); b != nil {
		e.globalDownload = bandwidth.Group{b}
	}
	if b := bandwidth.New(cfg.GlobalUploadLimit, clk); b != nil {
		e.globalUpload = bandwidth.Group{b}
	}
	copy(e.peerID[:], peerIDPrefix)
	if _, err = rand.Read(e.peerID[len(peerIDPrefix):]); err != nil {
		listener.Close()
		store.Close()
		return nil, err
	}
	e.initMetrics()
	if err = e.loadExistingTorrents(); err != nil {
		e.Close()
		return nil, err
	}
	e.wg.Add(2)
	go e.accept()
	go e.manageQueue()
	if cfg.RPCEnabled {
		e.rpc = newRPCServer(e)
		if err = e.rpc.Start(cfg.RPCHost, cfg.RPCPort); err != nil {
			e.Close()
			return nil, err
		}
	}
	return e, nil
}

func openResumeStore(cfg *Config) (resume.Store, error) {
	if cfg.ResumeDB != "" {
		path, err := homedir.Expand(cfg.ResumeDB)
		if err != nil {
			return nil, err
		}
		if err = os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, err
		}
		return resume.OpenBoltStore(path)
	}
	dir, err := homedir.Expand(cfg.ResumeDir)
	if err != nil {
		return nil, err
	}
	return resume.NewFileStore(dir)
}

// Addr returns the address peer connections are accepted on.
func (e *Engine) Addr() *net.TCPAddr {
	return e.listener.Addr().(*net.TCPAddr)
}

func (e *Engine) port() int {
	return e.Addr().Port
}

// GetTorrent returns the torrent with the info hash, or nil if it is not in the engine.
func (e *Engine) GetTorrent(infoHash [20]byte) *Torrent {
	e.mTorrents.RLock()
	defer e.mTorrents.RUnlock()
	return e.torrents[infoHash]
}

func (e *Engine) hasTorrent(infoHash [20]byte) bool {
	return e.GetTorrent(infoHash) != nil
}

// ListTorrents returns all torrents in the order they are added.
func (e *Engine) ListTorrents() []*Torrent {
	e.mTorrents.RLock()
	defer e.mTorrents.RUnlock()
	return append([]*Torrent(nil), e.order...)
}

// RemoveTorrent stops the torrent and removes it from the engine and the resume store.
// Downloaded files are deleted if deleteData is set.
func (e *Engine) RemoveTorrent(infoHash [20]byte, deleteData bool) error {
	e.mTorrents.Lock()
	t, ok := e.torrents[infoHash]
	if !ok {
		e.mTorrents.Unlock()
		return ErrTorrentNotFound
	}
	delete(e.torrents, infoHash)
	for i, ot := range e.order {
		if ot == t {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.mTorrents.Unlock()

	t.close()
	e.notifyQueue()
	t.log.Info("torrent is removed")
	if err := e.resume.Delete(infoHash); err != nil && !errors.Is(err, resume.ErrNotFound) {
		return err
	}
	if deleteData && t.storage != nil {
		names := make([]string, len(t.info.Layout))
		for i, f := range t.info.Layout {
			names[i] = f.Path
		}
		return t.storage.Remove(names)
	}
	return nil
}

// Close saves the resume records of all torrents, then stops them and releases the port.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.close()
	})
	return err
}

func (e *Engine) close() error {
	close(e.closeC)
	e.listener.Close()
	if e.rpc != nil {
		if err := e.rpc.Stop(e.config.RPCShutdownTimeout); err != nil {
			e.log.Errorln("cannot stop RPC server:", err)
		}
	}

	e.mHandshakes.Lock()
	for conn := range e.handshakes {
		conn.Close()
	}
	e.mHandshakes.Unlock()

	e.mTorrents.Lock()
	torrents := e.order
	e.torrents = make(map[[20]byte]*Torrent)
	e.order = nil
	e.mTorrents.Unlock()

	var g errgroup.Group
	for _, t := range torrents {
		t := t
		g.Go(func() error {
			err := t.SaveResume()
			t.close()
			return err
		})
	}
	err := g.Wait()
	e.wg.Wait()

	e.metrics.Close()
	e.httpClient.CloseIdleConnections()
	if cerr := e.resume.Close(); err == nil {
		err = cerr
	}
	e.log.Info("engine is closed")
	return err
}
