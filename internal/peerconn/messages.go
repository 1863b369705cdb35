package peerconn

import (
	"github.com/kestrelbt/kestrel/internal/bufferpool"
	"github.com/kestrelbt/kestrel/internal/peerprotocol"
)

// Message is a message received from the peer of Conn.
type Message struct {
	Conn    *Conn
	Message interface{}
}

// Piece is a block of data received from the peer.
// Buffer must be released by the receiver.
type Piece struct {
	peerprotocol.PieceMessage
	Buffer bufferpool.Buffer
}

// BlockUploaded is reported after block data is written to the peer.
type BlockUploaded struct {
	Length uint32
}
