package peerconn

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/kestrelbt/kestrel/internal/bandwidth"
	"github.com/kestrelbt/kestrel/internal/logger"
	"github.com/kestrelbt/kestrel/internal/peerprotocol"
)

// Length prefix, id, index and begin of a piece message.
const pieceHeaderLen = 4 + 1 + 8

// upload is a piece message whose data is read just before it is written.
type upload struct {
	peerprotocol.RequestMessage
	Data io.ReaderAt
}

func (u upload) ID() peerprotocol.MessageID { return peerprotocol.Piece }

func (u upload) MarshalBinary() ([]byte, error) {
	b := make([]byte, 8, 8+u.Length)
	binary.BigEndian.PutUint32(b[0:4], u.Index)
	binary.BigEndian.PutUint32(b[4:8], u.Begin)
	b = b[:8+u.Length]
	_, err := u.Data.ReadAt(b[8:], int64(u.Begin))
	return b, err
}

// flush marks a point in the queue. done is closed when every message before it is written.
type flush struct {
	done chan struct{}
}

func (f flush) ID() peerprotocol.MessageID     { return 0 }
func (f flush) MarshalBinary() ([]byte, error) { return nil, nil }

// cancelRequest asks the writer to drop a queued upload. The number of dropped uploads is sent to removed.
type cancelRequest struct {
	msg     peerprotocol.CancelMessage
	removed chan int
}

// frame prepends the length prefix and the id to the payload of msg.
func frame(msg peerprotocol.Message) ([]byte, error) {
	payload, err := msg.MarshalBinary()
	if err != nil {
		return nil, err
	}
	b := make([]byte, 0, 5+len(payload))
	b = binary.BigEndian.AppendUint32(b, uint32(1+len(payload)))
	b = append(b, byte(msg.ID()))
	return append(b, payload...), nil
}

// writer queues outgoing messages and writes them in order from a separate goroutine.
// Queued uploads are dropped on choke and on cancel.
type writer struct {
	conn       net.Conn
	log        logger.Logger
	buckets    bandwidth.Group
	maxUploads int
	keepAlive  time.Duration
	onData     func(n int)
	queue      []peerprotocol.Message
	inC        chan peerprotocol.Message
	cancelC    chan cancelRequest
	outC       chan peerprotocol.Message
	messages   chan interface{}
	stopC      chan struct{}
	doneC      chan struct{}
	sendDoneC  chan struct{}
	// Set before sendDoneC is closed.
	err error
}

func newWriter(conn net.Conn, l logger.Logger, maxQueuedUploads int, keepAlivePeriod time.Duration, buckets bandwidth.Group, onData func(int)) *writer {
	return &writer{
		conn:       conn,
		log:        l,
		buckets:    buckets,
		maxUploads: maxQueuedUploads,
		keepAlive:  keepAlivePeriod,
		onData:     onData,
		inC:        make(chan peerprotocol.Message),
		cancelC:    make(chan cancelRequest),
		outC:       make(chan peerprotocol.Message),
		messages:   make(chan interface{}),
		stopC:      make(chan struct{}),
		doneC:      make(chan struct{}),
		sendDoneC:  make(chan struct{}),
	}
}

func (p *writer) SendMessage(msg peerprotocol.Message) {
	select {
	case p.inC <- msg:
	case <-p.doneC:
	}
}

// CancelUpload reports whether a queued upload matching msg is dropped.
// It returns false if the upload is already handed to the sender.
func (p *writer) CancelUpload(msg peerprotocol.CancelMessage) bool {
	req := cancelRequest{msg: msg, removed: make(chan int, 1)}
	select {
	case p.cancelC <- req:
	case <-p.doneC:
		return false
	}
	return <-req.removed > 0
}

// Run owns the queue. Messages at its head are handed to the sender goroutine one at a time.
func (p *writer) Run() {
	defer close(p.doneC)

	go p.send()

	for {
		var outC chan peerprotocol.Message
		var head peerprotocol.Message
		if len(p.queue) > 0 {
			outC, head = p.outC, p.queue[0]
		}
		select {
		case msg := <-p.inC:
			p.enqueue(msg)
		case outC <- head:
			p.queue[0] = nil
			p.queue = p.queue[1:]
		case req := <-p.cancelC:
			req.removed <- p.removeUploads(func(u upload) bool { return u.RequestMessage == req.msg.RequestMessage })
		case <-p.sendDoneC:
			return
		case <-p.stopC:
			<-p.sendDoneC
			return
		}
	}
}

func (p *writer) enqueue(msg peerprotocol.Message) {
	switch msg.(type) {
	case peerprotocol.ChokeMessage:
		p.removeUploads(func(upload) bool { return true })
	case upload:
		var n int
		for _, m := range p.queue {
			if _, ok := m.(upload); ok {
				n++
			}
		}
		if n >= p.maxUploads {
			p.log.Debugln("upload queue is full, dropping request")
			return
		}
	}
	p.queue = append(p.queue, msg)
}

func (p *writer) removeUploads(match func(upload) bool) int {
	kept := p.queue[:0]
	for _, m := range p.queue {
		if u, ok := m.(upload); ok && match(u) {
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(p.queue); i++ {
		p.queue[i] = nil
	}
	n := len(p.queue) - len(kept)
	p.queue = kept
	return n
}

func (p *writer) send() {
	defer close(p.sendDoneC)

	ticker := time.NewTicker(p.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case msg := <-p.outC:
			if !p.write(msg) {
				return
			}
		case <-ticker.C:
			if _, err := p.conn.Write([]byte{0, 0, 0, 0}); err != nil {
				p.err = err
				p.log.Debugf("cannot write keepalive message: %s", err)
				return
			}
		case <-p.stopC:
			return
		}
	}
}

// write sends a single message and reports whether the sender can continue.
func (p *writer) write(msg peerprotocol.Message) bool {
	if f, ok := msg.(flush); ok {
		close(f.done)
		return true
	}
	u, isUpload := msg.(upload)
	if isUpload && !p.buckets.Wait(int64(u.Length), p.stopC) {
		return false
	}
	b, err := frame(msg)
	if err != nil {
		p.err = err
		p.log.Errorf("cannot marshal message [%v]: %s", msg.ID(), err)
		return false
	}
	n, err := p.conn.Write(b)
	if isUpload && n > pieceHeaderLen {
		if p.onData != nil {
			p.onData(n - pieceHeaderLen)
		}
		select {
		case p.messages <- BlockUploaded{Length: u.Length}:
		case <-p.stopC:
			return false
		}
	}
	if err != nil {
		p.err = err
		p.log.Debugf("cannot write message [%v]: %s", msg.ID(), err)
		return false
	}
	return true
}
