package resume

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrelbt/kestrel/internal/bitfield"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"
)

func newRecord() *Record {
	bf := bitfield.New(10)
	bf.Set(0)
	bf.Set(3)
	bf.Set(9)
	r := &Record{
		Name:            "test",
		SavePath:        "/tmp/downloads",
		AllocationMode:  "full",
		Trackers:        []string{"udp://tracker.example.com:6969"},
		Info:            []byte("d4:name4:teste"),
		Bitfield:        bf.Bytes(),
		NumPieces:       bf.Len(),
		Partial:         map[uint32][]uint32{4: {0, 2}},
		Peers:           []string{"1.2.3.4:6881", "[::1]:51413"},
		Paused:          true,
		AutoManaged:     true,
		BytesDownloaded: 1234,
		BytesUploaded:   99,
		AddedAt:         time.Unix(1700000000, 0),
	}
	r.InfoHash[0] = 0xab
	r.InfoHash[19] = 0xcd
	return r
}

func TestRoundTrip(t *testing.T) {
	r := newRecord()
	b, err := Encode(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("KSTR"), b[:4])

	r2, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, r, r2)

	bf, err := r2.CompletionBitfield()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), bf.Count())
	assert.True(t, bf.Test(9))
}

func TestForwardCompatible(t *testing.T) {
	// A newer writer adds a key and appends trailing bytes after the checksum.
	r := newRecord()
	b, err := Encode(r)
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, bencode.DecodeBytes(b[headerSize:len(b)-4], &m))
	m["future_field"] = "x"
	p, err := bencode.EncodeBytes(m)
	require.NoError(t, err)

	var buf bytes.Buffer
	buf.WriteString("KSTR")
	_ = binary.Write(&buf, binary.BigEndian, uint16(Version+1))
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(p)))
	buf.Write(p)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(p))
	buf.WriteString("trailing data")

	r2, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, r.Bitfield, r2.Bitfield)
	assert.Equal(t, r.Peers, r2.Peers)
}

func TestDecodeErrors(t *testing.T) {
	b, err := Encode(newRecord())
	require.NoError(t, err)

	_, err = Decode(b[:5])
	assert.Equal(t, errTruncate, err)
	_, err = Decode(b[:len(b)-1])
	assert.Equal(t, errTruncate, err)

	bad := append([]byte(nil), b...)
	bad[0] = 'X'
	_, err = Decode(bad)
	assert.Equal(t, errMagic, err)

	bad = append([]byte(nil), b...)
	bad[headerSize+2] ^= 0xff
	_, err = Decode(bad)
	assert.Equal(t, errChecksum, err)
}

func testStore(t *testing.T, s Store) {
	r := newRecord()
	_, err := s.Read(r.InfoHash)
	assert.Equal(t, ErrNotFound, err)

	require.NoError(t, s.Write(r))
	r.BytesDownloaded = 5000
	require.NoError(t, s.Write(r))

	r2, err := s.Read(r.InfoHash)
	require.NoError(t, err)
	assert.Equal(t, r, r2)

	records, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []*Record{r}, records)

	require.NoError(t, s.Delete(r.InfoHash))
	_, err = s.Read(r.InfoHash)
	assert.Equal(t, ErrNotFound, err)
	require.NoError(t, s.Delete(r.InfoHash))
	require.NoError(t, s.Close())
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(filepath.Join(dir, "resume"))
	require.NoError(t, err)
	testStore(t, s)

	// No temporary files are left behind.
	entries, err := os.ReadDir(filepath.Join(dir, "resume"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBoltStore(t *testing.T) {
	s, err := OpenBoltStore(filepath.Join(t.TempDir(), "resume.db"))
	require.NoError(t, err)
	testStore(t, s)
}
