package peerprotocol

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/zeebo/bencode"
)

// Extended message ids that we advertise in the "m" dictionary of our extension handshake (BEP 10).
// Incoming extension messages are decoded with these ids.
const (
	ExtensionIDHandshake = iota
	ExtensionIDMetadata
)

// ExtensionKeyMetadata is the name of the metadata exchange extension (BEP 9).
const ExtensionKeyMetadata = "ut_metadata"

// Values of msg_type in metadata messages.
const (
	ExtensionMetadataMessageTypeRequest = iota
	ExtensionMetadataMessageTypeData
	ExtensionMetadataMessageTypeReject
)

var errEmptyExtension = errors.New("empty extension message")

// ExtensionMessage is a message with id 20.
// Payload is an ExtensionHandshakeMessage or an ExtensionMetadataMessage.
type ExtensionMessage struct {
	ExtendedMessageID uint8
	Payload           interface{}
}

func (m ExtensionMessage) ID() MessageID { return Extension }

// MarshalBinary encodes the extended id, the bencoded payload and the piece data of a metadata message.
func (m ExtensionMessage) MarshalBinary() ([]byte, error) {
	dict, err := bencode.EncodeBytes(m.Payload)
	if err != nil {
		return nil, err
	}
	b := make([]byte, 0, 1+len(dict))
	b = append(b, m.ExtendedMessageID)
	b = append(b, dict...)
	if mm, ok := m.Payload.(ExtensionMetadataMessage); ok {
		b = append(b, mm.Data...)
	}
	return b, nil
}

// UnmarshalBinary decodes an extension message sent to us.
func (m *ExtensionMessage) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return errEmptyExtension
	}
	m.ExtendedMessageID = data[0]
	var err error
	switch m.ExtendedMessageID {
	case ExtensionIDHandshake:
		m.Payload, err = decodeExtensionHandshake(data[1:])
	case ExtensionIDMetadata:
		m.Payload, err = decodeMetadataMessage(data[1:])
	default:
		err = fmt.Errorf("unknown extended message id: %d", m.ExtendedMessageID)
	}
	return err
}

func decodeExtensionHandshake(b []byte) (ExtensionHandshakeMessage, error) {
	var hs ExtensionHandshakeMessage
	if err := bencode.DecodeBytes(b, &hs); err != nil {
		return hs, err
	}
	hs.MetadataSize = max(hs.MetadataSize, 0)
	hs.RequestQueue = max(hs.RequestQueue, 0)
	return hs, nil
}

// decodeMetadataMessage decodes the dictionary. Bytes after the dictionary are the piece data.
func decodeMetadataMessage(b []byte) (ExtensionMetadataMessage, error) {
	var mm ExtensionMetadataMessage
	dec := bencode.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&mm); err != nil {
		return mm, err
	}
	mm.Data = b[dec.BytesParsed():]
	return mm, nil
}

// ExtensionHandshakeMessage is the payload of the extension handshake.
type ExtensionHandshakeMessage struct {
	// Extension names mapped to the ids the sender wants to receive them with.
	M            map[string]uint8 `bencode:"m"`
	V            string           `bencode:"v"`
	MetadataSize int              `bencode:"metadata_size,omitempty"`
	RequestQueue int              `bencode:"reqq"`
}

// NewExtensionHandshake returns our extension handshake. metadataSize is zero if we do not have the info dictionary.
func NewExtensionHandshake(metadataSize uint32, version string, requestQueueLength int) ExtensionHandshakeMessage {
	return ExtensionHandshakeMessage{
		M:            map[string]uint8{ExtensionKeyMetadata: ExtensionIDMetadata},
		V:            version,
		MetadataSize: int(metadataSize),
		RequestQueue: requestQueueLength,
	}
}

// ExtensionMetadataMessage requests, carries or rejects a 16 KiB piece of the info dictionary.
type ExtensionMetadataMessage struct {
	Type      int    `bencode:"msg_type"`
	Piece     uint32 `bencode:"piece"`
	TotalSize int    `bencode:"total_size,omitempty"`
	Data      []byte `bencode:"-"`
}
