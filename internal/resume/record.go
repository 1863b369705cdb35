// Package resume persists the state of a torrent so that it can continue
// after a restart without checking all of its data.
//
// A record is stored as:
//
//	magic "KSTR" | version uint16 | payload length uint32 | bencoded payload | CRC-32 (IEEE) of payload
//
// All integers are big endian. Readers ignore unknown dictionary keys in the
// payload and any bytes after the checksum.
package resume

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
	"time"

	"github.com/kestrelbt/kestrel/internal/bitfield"
	"github.com/zeebo/bencode"
)

// Version of the record format written by this package.
const Version = 1

const headerSize = 4 + 2 + 4

var magic = [4]byte{'K', 'S', 'T', 'R'}

var (
	// ErrNotFound is returned when there is no record for the torrent.
	ErrNotFound = errors.New("resume record not found")
	errMagic    = errors.New("invalid resume record magic")
	errVersion  = errors.New("unsupported resume record version")
	errTruncate = errors.New("resume record is truncated")
	errChecksum = errors.New("resume record checksum mismatch")
)

// Record is the persisted state of a torrent.
type Record struct {
	InfoHash       [20]byte
	Name           string
	SavePath       string
	AllocationMode string
	Trackers       []string
	// Bencoded info dictionary. Empty for magnet links until metadata is downloaded.
	Info []byte
	// Completion bitfield of NumPieces bits.
	Bitfield  []byte
	NumPieces uint32
	// Received blocks of incomplete pieces, by piece index.
	Partial map[uint32][]uint32
	// Known peer addresses in host:port form.
	Peers           []string
	Paused          bool
	AutoManaged     bool
	BytesDownloaded int64
	BytesUploaded   int64
	AddedAt         time.Time
}

// CompletionBitfield returns the bitfield of the record.
func (r *Record) CompletionBitfield() (*bitfield.Bitfield, error) {
	return bitfield.NewBytes(r.Bitfield, r.NumPieces)
}

type payload struct {
	InfoHash        []byte              `bencode:"info_hash"`
	Name            string              `bencode:"name"`
	SavePath        string              `bencode:"save_path"`
	AllocationMode  string              `bencode:"allocation_mode"`
	Trackers        []string            `bencode:"trackers"`
	Info            []byte              `bencode:"info"`
	Bitfield        []byte              `bencode:"bitfield"`
	NumPieces       uint32              `bencode:"num_pieces"`
	Partial         map[string][]uint32 `bencode:"partial"`
	Peers           []string            `bencode:"peers"`
	Paused          int64               `bencode:"paused"`
	AutoManaged     int64               `bencode:"auto_managed"`
	BytesDownloaded int64               `bencode:"bytes_downloaded"`
	BytesUploaded   int64               `bencode:"bytes_uploaded"`
	AddedAt         int64               `bencode:"added_at"`
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Encode returns the binary form of the record.
func Encode(r *Record) ([]byte, error) {
	p := payload{
		InfoHash:        r.InfoHash[:],
		Name:            r.Name,
		SavePath:        r.SavePath,
		AllocationMode:  r.AllocationMode,
		Trackers:        r.Trackers,
		Info:            r.Info,
		Bitfield:        r.Bitfield,
		NumPieces:       r.NumPieces,
		Partial:         make(map[string][]uint32, len(r.Partial)),
		Peers:           r.Peers,
		Paused:          boolToInt(r.Paused),
		AutoManaged:     boolToInt(r.AutoManaged),
		BytesDownloaded: r.BytesDownloaded,
		BytesUploaded:   r.BytesUploaded,
		AddedAt:         r.AddedAt.Unix(),
	}
	for i, blocks := range r.Partial {
		p.Partial[strconv.FormatUint(uint64(i), 10)] = blocks
	}
	if p.Trackers == nil {
		p.Trackers = []string{}
	}
	if p.Peers == nil {
		p.Peers = []string{}
	}
	b, err := bencode.EncodeBytes(p)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(headerSize + len(b) + 4)
	buf.Write(magic[:])
	_ = binary.Write(&buf, binary.BigEndian, uint16(Version))
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(b)))
	buf.Write(b)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(b))
	return buf.Bytes(), nil
}

// Decode parses a record written by Encode.
func Decode(b []byte) (*Record, error) {
	if len(b) < headerSize {
		return nil, errTruncate
	}
	if !bytes.Equal(b[:4], magic[:]) {
		return nil, errMagic
	}
	if v := binary.BigEndian.Uint16(b[4:6]); v == 0 {
		return nil, errVersion
	}
	length := binary.BigEndian.Uint32(b[6:10])
	b = b[headerSize:]
	if uint64(len(b)) < uint64(length)+4 {
		return nil, errTruncate
	}
	data := b[:length]
	if crc32.ChecksumIEEE(data) != binary.BigEndian.Uint32(b[length:length+4]) {
		return nil, errChecksum
	}
	var p payload
	if err := bencode.DecodeBytes(data, &p); err != nil {
		return nil, fmt.Errorf("invalid resume payload: %w", err)
	}
	if len(p.InfoHash) != 20 {
		return nil, fmt.Errorf("invalid info hash length: %d", len(p.InfoHash))
	}
	r := &Record{
		Name:            p.Name,
		SavePath:        p.SavePath,
		AllocationMode:  p.AllocationMode,
		Trackers:        p.Trackers,
		Info:            p.Info,
		Bitfield:        p.Bitfield,
		NumPieces:       p.NumPieces,
		Peers:           p.Peers,
		Paused:          p.Paused != 0,
		AutoManaged:     p.AutoManaged != 0,
		BytesDownloaded: p.BytesDownloaded,
		BytesUploaded:   p.BytesUploaded,
		AddedAt:         time.Unix(p.AddedAt, 0),
	}
	copy(r.InfoHash[:], p.InfoHash)
	if len(p.Partial) > 0 {
		r.Partial = make(map[uint32][]uint32, len(p.Partial))
		for k, blocks := range p.Partial {
			i, err := strconv.ParseUint(k, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid partial piece index: %q", k)
			}
			r.Partial[uint32(i)] = blocks
		}
	}
	return r, nil
}

// Store saves and loads records keyed by info hash.
type Store interface {
	Write(r *Record) error
	Read(infoHash [20]byte) (*Record, error)
	Delete(infoHash [20]byte) error
	List() ([]*Record, error)
	Close() error
}
