package peerconn

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"github.com/kestrelbt/kestrel/internal/bandwidth"
	"github.com/kestrelbt/kestrel/internal/bufferpool"
	"github.com/kestrelbt/kestrel/internal/logger"
	"github.com/kestrelbt/kestrel/internal/peerprotocol"
	"github.com/kestrelbt/kestrel/internal/piece"
)

const (
	// Fits the header and payload of a request message.
	readBufferSize = 4 + 1 + 12
	// Large enough for bitfields of big torrents and metadata pieces.
	maxMessageLength = 1 << 20
)

// Payload sizes of the messages that have a fixed length.
var fixedLength = map[peerprotocol.MessageID]uint32{
	peerprotocol.Choke:         0,
	peerprotocol.Unchoke:       0,
	peerprotocol.Interested:    0,
	peerprotocol.NotInterested: 0,
	peerprotocol.Have:          4,
	peerprotocol.Request:       12,
	peerprotocol.Cancel:        12,
}

var blockPool = bufferpool.New(piece.BlockSize)

var errStopped = errors.New("reader stopped")

// reader decodes messages from the connection and sends them to the messages channel.
type reader struct {
	conn         net.Conn
	br           *bufio.Reader
	log          logger.Logger
	readTimeout  time.Duration
	pieceTimeout time.Duration
	buckets      bandwidth.Group
	onData       func(n int)
	messages     chan interface{}
	stopC        chan struct{}
	doneC        chan struct{}
	// Set before doneC is closed.
	err error
}

func newReader(conn net.Conn, l logger.Logger, readTimeout, pieceTimeout time.Duration, buckets bandwidth.Group, onData func(int)) *reader {
	return &reader{
		conn:         conn,
		br:           bufio.NewReaderSize(conn, readBufferSize),
		log:          l,
		readTimeout:  readTimeout,
		pieceTimeout: pieceTimeout,
		buckets:      buckets,
		onData:       onData,
		messages:     make(chan interface{}),
		stopC:        make(chan struct{}),
		doneC:        make(chan struct{}),
	}
}

func (p *reader) Run() {
	defer close(p.doneC)
	err := p.loop()
	if errors.Is(err, errStopped) {
		err = nil
	}
	p.err = err
	if err == nil || err == io.EOF {
		return
	}
	select {
	case <-p.stopC:
	default:
		p.log.Debugln("reader stopped:", err)
	}
}

func (p *reader) loop() error {
	var header [4]byte
	// Bitfield is only allowed before any other core message.
	first := true
	for {
		if err := p.conn.SetReadDeadline(time.Now().Add(p.readTimeout)); err != nil {
			return err
		}
		if _, err := io.ReadFull(p.br, header[:]); err != nil {
			return err
		}
		length := binary.BigEndian.Uint32(header[:])
		if length == 0 {
			// keep-alive
			continue
		}
		if length > maxMessageLength {
			return protocolErrorf("message length too big: %d", length)
		}
		b, err := p.br.ReadByte()
		if err != nil {
			return err
		}
		id := peerprotocol.MessageID(b)
		msg, err := p.decode(id, length-1, first)
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}
		if id <= peerprotocol.Port {
			first = false
		}
		select {
		case p.messages <- msg:
		case <-p.stopC:
			if pc, ok := msg.(Piece); ok {
				pc.Buffer.Release()
			}
			return errStopped
		}
	}
}

// decode reads the payload of a message. It returns nil for messages that are skipped.
func (p *reader) decode(id peerprotocol.MessageID, length uint32, first bool) (interface{}, error) {
	switch id {
	case peerprotocol.Piece:
		return p.readPiece(length)
	case peerprotocol.Bitfield:
		if !first {
			return nil, protocolErrorf("bitfield can only be sent after handshake")
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(p.br, data); err != nil {
			return nil, err
		}
		return peerprotocol.BitfieldMessage{Data: data}, nil
	case peerprotocol.Extension:
		data := make([]byte, length)
		if _, err := io.ReadFull(p.br, data); err != nil {
			return nil, err
		}
		var em peerprotocol.ExtensionMessage
		if err := em.UnmarshalBinary(data); err != nil {
			return nil, &PeerProtocolError{Reason: err.Error()}
		}
		return em.Payload, nil
	}
	want, ok := fixedLength[id]
	if !ok {
		p.log.Debugf("unhandled message type: %s, discarding %d bytes", id, length)
		_, err := io.CopyN(io.Discard, p.br, int64(length))
		return nil, err
	}
	if length != want {
		return nil, protocolErrorf("invalid %s message length: %d", id, length)
	}
	var buf [12]byte
	payload := buf[:length]
	if _, err := io.ReadFull(p.br, payload); err != nil {
		return nil, err
	}
	switch id {
	case peerprotocol.Choke:
		return peerprotocol.ChokeMessage{}, nil
	case peerprotocol.Unchoke:
		return peerprotocol.UnchokeMessage{}, nil
	case peerprotocol.Interested:
		return peerprotocol.InterestedMessage{}, nil
	case peerprotocol.NotInterested:
		return peerprotocol.NotInterestedMessage{}, nil
	case peerprotocol.Have:
		return peerprotocol.HaveMessage{Index: binary.BigEndian.Uint32(payload)}, nil
	}
	rm := peerprotocol.RequestMessage{
		Index:  binary.BigEndian.Uint32(payload[0:4]),
		Begin:  binary.BigEndian.Uint32(payload[4:8]),
		Length: binary.BigEndian.Uint32(payload[8:12]),
	}
	if rm.Length == 0 || rm.Length > piece.BlockSize {
		return nil, protocolErrorf("invalid request length: %d", rm.Length)
	}
	if id == peerprotocol.Cancel {
		return peerprotocol.CancelMessage{RequestMessage: rm}, nil
	}
	return rm, nil
}

// readPiece reads a block into a pooled buffer after waiting for download bandwidth.
func (p *reader) readPiece(length uint32) (interface{}, error) {
	if length < 8 {
		return nil, protocolErrorf("piece message too short: %d", length)
	}
	var hdr [8]byte
	if _, err := io.ReadFull(p.br, hdr[:]); err != nil {
		return nil, err
	}
	length -= 8
	if length == 0 || length > piece.BlockSize {
		return nil, protocolErrorf("invalid piece length: %d", length)
	}
	if !p.buckets.Wait(int64(length), p.stopC) {
		return nil, errStopped
	}
	buf := blockPool.Get(int(length))
	var read int
	for read < len(buf.Data) {
		if err := p.conn.SetReadDeadline(time.Now().Add(p.pieceTimeout)); err != nil {
			buf.Release()
			return nil, err
		}
		n, err := io.ReadFull(p.br, buf.Data[read:])
		read += n
		if n > 0 && p.onData != nil {
			p.onData(n)
		}
		if err == nil {
			break
		}
		// A slow peer gets another timeout period as long as it makes progress.
		var nerr net.Error
		if n > 0 && errors.As(err, &nerr) && nerr.Timeout() {
			continue
		}
		buf.Release()
		return nil, err
	}
	pm := peerprotocol.PieceMessage{
		Index: binary.BigEndian.Uint32(hdr[0:4]),
		Begin: binary.BigEndian.Uint32(hdr[4:8]),
	}
	return Piece{PieceMessage: pm, Buffer: buf}, nil
}
