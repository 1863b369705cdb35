// Package peerconn implements a connection to a single peer of a torrent.
//
// A Conn goes through Connecting, Handshaking and Connected states and ends
// in Closed, which is terminal. Messages are read and written by separate
// goroutines; fields documented as owned by the torrent loop must only be
// accessed from a single goroutine.
package peerconn

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrelbt/kestrel/internal/bandwidth"
	"github.com/kestrelbt/kestrel/internal/bitfield"
	"github.com/kestrelbt/kestrel/internal/btconn"
	"github.com/kestrelbt/kestrel/internal/logger"
	"github.com/kestrelbt/kestrel/internal/peerprotocol"
	"github.com/rcrowley/go-metrics"
)

// State of a connection.
type State int32

// Connection states.
const (
	Connecting State = iota
	Handshaking
	Connected
	Closed
)

var stateStrings = [...]string{"connecting", "handshaking", "connected", "closed"}

func (s State) String() string { return stateStrings[s] }

// speedAlpha is the EWMA weight for a 5 second tick over a 5 second window.
const speedAlpha = 0.6321205588285577 // 1 - exp(-1)

// Config of a connection.
type Config struct {
	PipelineDepth    int
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	PieceTimeout     time.Duration
	KeepAlivePeriod  time.Duration
	MaxQueuedUploads int
}

// DefaultConfig is used when a zero Config is given.
var DefaultConfig = Config{
	PipelineDepth:    8,
	ConnectTimeout:   10 * time.Second,
	HandshakeTimeout: 10 * time.Second,
	ReadTimeout:      2 * time.Minute,
	PieceTimeout:     30 * time.Second,
	KeepAlivePeriod:  time.Minute,
	MaxQueuedUploads: 250,
}

// Conn is a connection to a peer.
type Conn struct {
	addr     *net.TCPAddr
	incoming bool
	config   Config
	log      logger.Logger

	downloadBuckets bandwidth.Group
	uploadBuckets   bandwidth.Group

	state int32
	conn  net.Conn
	id    [20]byte
	ext   [8]byte

	// Fields below are owned by the torrent loop.

	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool
	Optimistic     bool
	// Pieces the peer has. Nil until the torrent info is known.
	Bitfield *bitfield.Bitfield
	// Messages received before the torrent info is known.
	RawBitfield  []byte
	PendingHaves []uint32
	// Set after the peer sends an extension handshake.
	ExtensionHandshake *peerprotocol.ExtensionHandshakeMessage
	ConnectedAt        time.Time
	requests           []peerprotocol.RequestMessage
	uploadsQueued      int

	downloadSpeed   metrics.EWMA
	uploadSpeed     metrics.EWMA
	bytesDownloaded int64
	bytesUploaded   int64

	reader    *reader
	writer    *writer
	err       error
	running   int32
	closeOnce sync.Once
	closeC    chan struct{}
	doneC     chan struct{}
}

func newConn(addr *net.TCPAddr, incoming bool, cfg Config, down, up bandwidth.Group, l logger.Logger) *Conn {
	if cfg.PipelineDepth <= 0 {
		cfg = DefaultConfig
	}
	return &Conn{
		addr:            addr,
		incoming:        incoming,
		config:          cfg,
		log:             l,
		downloadBuckets: down,
		uploadBuckets:   up,
		AmChoking:       true,
		PeerChoking:     true,
		downloadSpeed:   metrics.NewEWMA(speedAlpha),
		uploadSpeed:     metrics.NewEWMA(speedAlpha),
		closeC:          make(chan struct{}),
		doneC:           make(chan struct{}),
	}
}

// NewOutgoing returns a Conn in Connecting state. Call Connect to dial the peer.
func NewOutgoing(addr *net.TCPAddr, cfg Config, down, up bandwidth.Group, l logger.Logger) *Conn {
	return newConn(addr, false, cfg, down, up, l)
}

// NewIncoming returns a Conn in Connected state for a connection that has already completed the handshake.
func NewIncoming(nc net.Conn, peerID [20]byte, ext [8]byte, cfg Config, down, up bandwidth.Group, l logger.Logger) *Conn {
	c := newConn(nc.RemoteAddr().(*net.TCPAddr), true, cfg, down, up, l)
	c.attach(nc, peerID, ext)
	return c
}

// Connect dials the peer and does the BitTorrent handshake for infoHash.
// On failure the Conn is Closed and the error is a *NetworkError or *PeerProtocolError.
// Cancel ctx to abort; Close must not be called while Connect is running.
func (c *Conn) Connect(ctx context.Context, infoHash, ourID [20]byte, ourExt [8]byte) error {
	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", c.addr.String())
	if err != nil {
		c.setState(Closed)
		return &NetworkError{Addr: c.addr, Err: err}
	}
	if !c.setStateFrom(Connecting, Handshaking) {
		nc.Close()
		return &NetworkError{Addr: c.addr, Err: net.ErrClosed}
	}
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()
	ext, id, err := btconn.Handshake(nc, c.config.HandshakeTimeout, ourExt, infoHash, ourID)
	if err != nil {
		nc.Close()
		c.setState(Closed)
		var pe btconn.ProtocolError
		if errors.As(err, &pe) {
			return &PeerProtocolError{Reason: pe.Error()}
		}
		return &NetworkError{Addr: c.addr, Err: err}
	}
	if !c.attach(nc, id, ext) {
		nc.Close()
		return &NetworkError{Addr: c.addr, Err: net.ErrClosed}
	}
	return nil
}

func (c *Conn) attach(nc net.Conn, id [20]byte, ext [8]byte) bool {
	c.conn = nc
	c.id = id
	c.ext = ext
	c.ConnectedAt = time.Now()
	c.reader = newReader(nc, c.log, c.config.ReadTimeout, c.config.PieceTimeout, c.downloadBuckets, c.countDownload)
	c.writer = newWriter(nc, c.log, c.config.MaxQueuedUploads, c.config.KeepAlivePeriod, c.uploadBuckets, c.countUpload)
	if c.incoming {
		return atomic.CompareAndSwapInt32(&c.state, int32(Connecting), int32(Connected))
	}
	return c.setStateFrom(Handshaking, Connected)
}

func (c *Conn) setState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
}

func (c *Conn) setStateFrom(from, to State) bool {
	return atomic.CompareAndSwapInt32(&c.state, int32(from), int32(to))
}

// State returns the current state of the connection.
func (c *Conn) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// Addr returns the address of the peer.
func (c *Conn) Addr() *net.TCPAddr {
	return c.addr
}

func (c *Conn) String() string {
	return c.addr.String()
}

// ID returns the peer id sent in handshake.
func (c *Conn) ID() [20]byte {
	return c.id
}

// ClientName returns a readable form of the client prefix in peer id.
func (c *Conn) ClientName() string {
	if c.id[0] == '-' && c.id[7] == '-' {
		return string(c.id[1:7])
	}
	return hex.EncodeToString(c.id[:4])
}

// Incoming reports whether the peer connected to us.
func (c *Conn) Incoming() bool {
	return c.incoming
}

// SupportsExtensions reports whether the peer advertised the extension protocol.
func (c *Conn) SupportsExtensions() bool {
	return btconn.SupportsExtensions(c.ext)
}

// Logger for the peer.
func (c *Conn) Logger() logger.Logger {
	return c.log
}

// Err returns the error that ended the connection, if any.
// Only valid after the Conn is reported as disconnected.
func (c *Conn) Err() error {
	return c.err
}

// Run starts receiving messages from the peer and sending queued messages.
// Received messages are sent to msgC. If the connection fails, c is sent to disconnectC.
// Run returns when the connection fails or Close is called.
func (c *Conn) Run(msgC chan<- Message, disconnectC chan<- *Conn) {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return
	}
	defer close(c.doneC)

	go c.reader.Run()
	go c.writer.Run()

	defer func() {
		c.conn.Close()
		close(c.reader.stopC)
		close(c.writer.stopC)
		<-c.reader.doneC
		<-c.writer.doneC
	}()

	for {
		var msg interface{}
		select {
		case msg = <-c.reader.messages:
		case msg = <-c.writer.messages:
		case <-c.reader.doneC:
			c.fail(disconnectC, c.reader.err)
			return
		case <-c.writer.doneC:
			c.fail(disconnectC, c.writer.err)
			return
		case <-c.closeC:
			return
		}
		select {
		case msgC <- Message{Conn: c, Message: msg}:
		case <-c.closeC:
			if pm, ok := msg.(Piece); ok {
				pm.Buffer.Release()
			}
			return
		}
	}
}

func (c *Conn) fail(disconnectC chan<- *Conn, err error) {
	c.err = err
	c.setState(Closed)
	select {
	case disconnectC <- c:
	case <-c.closeC:
	}
}

// Close the connection. Queued messages are discarded. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.setState(Closed)
		close(c.closeC)
		if c.conn != nil {
			c.conn.Close()
		}
	})
	if atomic.LoadInt32(&c.running) == 1 {
		<-c.doneC
	}
}

// Shutdown waits until queued messages are written, up to timeout, then closes the connection.
func (c *Conn) Shutdown(timeout time.Duration) {
	if c.State() == Connected && atomic.LoadInt32(&c.running) == 1 {
		f := flush{done: make(chan struct{})}
		c.writer.SendMessage(f)
		select {
		case <-f.done:
		case <-c.writer.doneC:
		case <-time.After(timeout):
		}
	}
	c.Close()
}

// SendMessage queues a message for sending. Does not block for network I/O.
func (c *Conn) SendMessage(msg peerprotocol.Message) {
	if c.writer == nil {
		return
	}
	select {
	case <-c.closeC:
	default:
		c.writer.SendMessage(msg)
	}
}

// SendPiece queues block data for uploading. Data is read from data just before it is written.
func (c *Conn) SendPiece(req peerprotocol.RequestMessage, data io.ReaderAt) {
	c.SendMessage(upload{RequestMessage: req, Data: data})
}

// CancelUpload removes a queued upload matching the peer's cancel message.
// Returns false if there is no such upload, for example when the block is already sent.
func (c *Conn) CancelUpload(cm peerprotocol.CancelMessage) bool {
	if c.writer == nil {
		return false
	}
	select {
	case <-c.closeC:
		return false
	default:
		return c.writer.CancelUpload(cm)
	}
}

func (c *Conn) countDownload(n int) {
	atomic.AddInt64(&c.bytesDownloaded, int64(n))
	c.downloadSpeed.Update(int64(n))
}

func (c *Conn) countUpload(n int) {
	atomic.AddInt64(&c.bytesUploaded, int64(n))
	c.uploadSpeed.Update(int64(n))
}

// Tick updates rate averages. Must be called every 5 seconds.
func (c *Conn) Tick() {
	c.downloadSpeed.Tick()
	c.uploadSpeed.Tick()
}

// DownloadSpeed returns bytes per second received from the peer.
func (c *Conn) DownloadSpeed() int64 {
	return int64(c.downloadSpeed.Rate())
}

// UploadSpeed returns bytes per second sent to the peer.
func (c *Conn) UploadSpeed() int64 {
	return int64(c.uploadSpeed.Rate())
}

// BytesDownloaded returns the total block bytes received from the peer.
func (c *Conn) BytesDownloaded() int64 {
	return atomic.LoadInt64(&c.bytesDownloaded)
}

// BytesUploaded returns the total block bytes sent to the peer.
func (c *Conn) BytesUploaded() int64 {
	return atomic.LoadInt64(&c.bytesUploaded)
}
