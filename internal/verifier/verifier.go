// Package verifier hashes the pieces of a torrent that already exist on disk.
package verifier

import (
	"bytes"
	"crypto/sha1" // nolint: gosec
	"sync/atomic"

	"github.com/kestrelbt/kestrel/internal/bitfield"
	"github.com/kestrelbt/kestrel/internal/piece"
)

// Verifier checks pieces in index order. Results are read after it is received from the result channel.
type Verifier struct {
	// Pieces whose data matched their hash.
	Bitfield *bitfield.Bitfield
	// Read error that stopped the check.
	Error error

	checked atomic.Uint32
	closeC  chan struct{}
	doneC   chan struct{}
}

func New() *Verifier {
	return &Verifier{
		closeC: make(chan struct{}),
		doneC:  make(chan struct{}),
	}
}

// Close stops the check and waits for Run to return.
func (v *Verifier) Close() {
	close(v.closeC)
	<-v.doneC
}

// Checked returns the number of pieces checked so far. Safe to call from other goroutines.
func (v *Verifier) Checked() uint32 {
	return v.checked.Load()
}

func (v *Verifier) closed() bool {
	select {
	case <-v.closeC:
		return true
	default:
		return false
	}
}

// Run verifies all pieces and sends v to resultC when done.
// Nothing is sent if the verifier is closed before.
func (v *Verifier) Run(pieces []piece.Piece, resultC chan *Verifier) {
	defer close(v.doneC)

	v.Bitfield = bitfield.New(uint32(len(pieces)))
	var buf []byte
	for _, p := range pieces {
		if v.closed() {
			return
		}
		if cap(buf) < int(p.Length) {
			buf = make([]byte, p.Length)
		}
		buf = buf[:p.Length]
		if _, err := p.Data.ReadAt(buf, 0); err != nil {
			v.Error = err
			break
		}
		if sum := sha1.Sum(buf); bytes.Equal(sum[:], p.Hash) { // nolint: gosec
			v.Bitfield.Set(p.Index)
		}
		v.checked.Add(1)
	}
	select {
	case resultC <- v:
	case <-v.closeC:
	}
}
