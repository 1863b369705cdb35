package verifier

import (
	"bytes"
	"testing"

	"github.com/kestrelbt/kestrel/internal/filesection"
	"github.com/kestrelbt/kestrel/internal/metainfo"
	"github.com/kestrelbt/kestrel/internal/piece"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memFile struct {
	*bytes.Reader
}

func (f memFile) WriteAt(p []byte, off int64) (int, error) { return len(p), nil }

func TestVerifier(t *testing.T) {
	const pieceLength = 32 * 1024
	data := make([]byte, 3*pieceLength+100)
	for i := range data {
		data[i] = byte(i)
	}
	ib, err := metainfo.NewInfoBytes("test", pieceLength, data)
	require.NoError(t, err)
	info, err := metainfo.NewInfo(ib)
	require.NoError(t, err)

	// Corrupt the second piece on disk.
	disk := append([]byte(nil), data...)
	disk[pieceLength+5]++
	pieces := piece.NewPieces(info, []filesection.ReadWriterAt{memFile{bytes.NewReader(disk)}})

	v := New()
	resultC := make(chan *Verifier, 1)
	go v.Run(pieces, resultC)
	res := <-resultC
	require.NoError(t, res.Error)
	assert.Equal(t, uint32(4), res.Checked())
	assert.True(t, res.Bitfield.Test(0))
	assert.False(t, res.Bitfield.Test(1))
	assert.True(t, res.Bitfield.Test(2))
	assert.True(t, res.Bitfield.Test(3))
}

func TestVerifierClose(t *testing.T) {
	v := New()
	resultC := make(chan *Verifier)
	go v.Run(nil, resultC)
	v.Close()
	assert.Equal(t, uint32(0), v.Checked())
}
