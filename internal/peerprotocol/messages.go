// Package peerprotocol defines the messages exchanged between peers after the handshake.
package peerprotocol

import (
	"encoding"
	"encoding/binary"
)

// Message is sent to a peer. The writer frames it with a length prefix and the id.
type Message interface {
	encoding.BinaryMarshaler
	ID() MessageID
}

// HaveMessage announces a newly verified piece.
type HaveMessage struct {
	Index uint32
}

func (m HaveMessage) ID() MessageID { return Have }

func (m HaveMessage) MarshalBinary() ([]byte, error) {
	return binary.BigEndian.AppendUint32(nil, m.Index), nil
}

// RequestMessage asks for Length bytes at offset Begin of piece Index.
type RequestMessage struct {
	Index, Begin, Length uint32
}

func (m RequestMessage) ID() MessageID { return Request }

func (m RequestMessage) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, 12)
	b = binary.BigEndian.AppendUint32(b, m.Index)
	b = binary.BigEndian.AppendUint32(b, m.Begin)
	b = binary.BigEndian.AppendUint32(b, m.Length)
	return b, nil
}

// CancelMessage withdraws a request. It has the same fields as the request.
type CancelMessage struct{ RequestMessage }

func (m CancelMessage) ID() MessageID { return Cancel }

// PieceMessage is the header of a block. The block data follows it on the wire.
type PieceMessage struct {
	Index, Begin uint32
}

// BitfieldMessage carries the raw bitfield of the sender. Spare bits at the end are zero.
type BitfieldMessage struct {
	Data []byte
}

func (m BitfieldMessage) ID() MessageID { return Bitfield }

func (m BitfieldMessage) MarshalBinary() ([]byte, error) { return m.Data, nil }

// noPayload is embedded by the messages that consist of the id only.
type noPayload struct{}

func (noPayload) MarshalBinary() ([]byte, error) { return nil, nil }

type (
	ChokeMessage         struct{ noPayload }
	UnchokeMessage       struct{ noPayload }
	InterestedMessage    struct{ noPayload }
	NotInterestedMessage struct{ noPayload }
)

func (ChokeMessage) ID() MessageID         { return Choke }
func (UnchokeMessage) ID() MessageID       { return Unchoke }
func (InterestedMessage) ID() MessageID    { return Interested }
func (NotInterestedMessage) ID() MessageID { return NotInterested }
