package metainfo

import (
	"crypto/sha1" // nolint: gosec
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/zeebo/bencode"
)

var (
	errInvalidPieceData   = errors.New("invalid piece data")
	errZeroPieceLength    = errors.New("torrent has zero piece length")
	errZeroPieces         = errors.New("torrent has zero pieces")
	errInvalidFileLength  = errors.New("invalid file length")
	errPathTraversal      = errors.New("file path escapes torrent directory")
	errEmptyTorrentName   = errors.New("torrent has empty name")
	errInvalidMultiSingle = errors.New("torrent has both length and files")
)

// Info contains the identity and layout of a torrent. Immutable once loaded.
type Info struct {
	Name        string
	PieceLength uint32
	// Concatenated SHA-1 hashes of pieces.
	Pieces []byte
	// Hash of Bytes, the info hash of the torrent.
	Hash        [20]byte
	TotalLength int64
	NumPieces   uint32
	// Bencoded info dictionary as received.
	Bytes  []byte
	Layout []File

	multiFile bool
	private   bool
}

// File is the position of a file in the concatenated torrent data.
type File struct {
	Path   string
	Offset int64
	Length int64
}

type fileDict struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// Fields are in key order.
type infoDict struct {
	Files       []fileDict         `bencode:"files,omitempty"`
	Length      int64              `bencode:"length"`
	Name        string             `bencode:"name"`
	PieceLength uint32             `bencode:"piece length"`
	Pieces      []byte             `bencode:"pieces"`
	Private     bencode.RawMessage `bencode:"private,omitempty"`
}

// NewInfo parses and validates a bencoded info dictionary.
func NewInfo(b []byte) (*Info, error) {
	var d infoDict
	if err := bencode.DecodeBytes(b, &d); err != nil {
		return nil, err
	}
	switch {
	case d.PieceLength == 0:
		return nil, errZeroPieceLength
	case len(d.Pieces) == 0:
		return nil, errZeroPieces
	case len(d.Pieces)%sha1.Size != 0:
		return nil, errInvalidPieceData
	case !validName(d.Name):
		return nil, errEmptyTorrentName
	case d.Length != 0 && len(d.Files) != 0:
		return nil, errInvalidMultiSingle
	}
	files := d.Files
	if len(files) == 0 {
		files = []fileDict{{Length: d.Length, Path: []string{d.Name}}}
	}
	layout, total, err := buildLayout(files)
	if err != nil {
		return nil, err
	}
	numPieces := uint32(len(d.Pieces) / sha1.Size)
	// Only the last piece may be shorter than the piece length, and it cannot be empty.
	if slack := int64(d.PieceLength)*int64(numPieces) - total; slack < 0 || slack >= int64(d.PieceLength) {
		return nil, errInvalidPieceData
	}
	return &Info{
		Name:        d.Name,
		PieceLength: d.PieceLength,
		Pieces:      d.Pieces,
		Hash:        sha1.Sum(b), // nolint: gosec
		TotalLength: total,
		NumPieces:   numPieces,
		Bytes:       b,
		Layout:      layout,
		multiFile:   len(d.Files) != 0,
		private:     parsePrivate(d.Private),
	}, nil
}

func validName(name string) bool {
	return strings.TrimSpace(name) != "" && name != ".." && !strings.ContainsAny(name, "/\\")
}

// buildLayout places files one after another and rejects paths that could leave the torrent directory.
func buildLayout(files []fileDict) ([]File, int64, error) {
	layout := make([]File, 0, len(files))
	var offset int64
	for _, f := range files {
		if f.Length < 0 {
			return nil, 0, errInvalidFileLength
		}
		for _, elem := range f.Path {
			switch strings.TrimSpace(elem) {
			case "", ".", "..":
				return nil, 0, fmt.Errorf("%w: %q", errPathTraversal, strings.Join(f.Path, "/"))
			}
		}
		layout = append(layout, File{Path: filepath.Join(f.Path...), Offset: offset, Length: f.Length})
		offset += f.Length
	}
	return layout, offset, nil
}

// parsePrivate accepts both the integer 1 and the string "1".
func parsePrivate(raw bencode.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var n int64
	if bencode.DecodeBytes(raw, &n) == nil {
		return n == 1
	}
	var s string
	if bencode.DecodeBytes(raw, &s) == nil {
		return s == "1"
	}
	return false
}

// MultiFile reports whether the torrent has a files list.
func (i *Info) MultiFile() bool {
	return i.multiFile
}

// HashOf returns the expected SHA-1 of piece at index.
func (i *Info) HashOf(index uint32) []byte {
	off := int(index) * sha1.Size
	return i.Pieces[off : off+sha1.Size]
}

// PieceLengthOf returns the length of piece at index.
func (i *Info) PieceLengthOf(index uint32) uint32 {
	if index != i.NumPieces-1 {
		return i.PieceLength
	}
	return uint32(i.TotalLength - int64(index)*int64(i.PieceLength))
}

// IsPrivate reports the private flag. Peers of private torrents come from trackers only.
func (i *Info) IsPrivate() bool {
	return i != nil && i.private
}

// NewInfoBytes builds a bencoded single-file info dictionary for data.
func NewInfoBytes(name string, pieceLength uint32, data []byte) ([]byte, error) {
	if pieceLength == 0 {
		return nil, errZeroPieceLength
	}
	d := infoDict{
		Name:        name,
		PieceLength: pieceLength,
		Length:      int64(len(data)),
	}
	for rest := data; len(rest) > 0; {
		n := min(len(rest), int(pieceLength))
		sum := sha1.Sum(rest[:n]) // nolint: gosec
		d.Pieces = append(d.Pieces, sum[:]...)
		rest = rest[n:]
	}
	return bencode.EncodeBytes(d)
}
