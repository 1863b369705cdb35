// Package bitfield implements the piece-completion bit sequence sent in the
// bitfield message. Bit 0 is the most significant bit of the first byte.
package bitfield

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
)

// ErrInvalidLength is returned by NewBytes when the slice does not match the bit count.
var ErrInvalidLength = errors.New("invalid bitfield length")

// Bitfield is a fixed-length set of bits. Not safe for concurrent use.
type Bitfield struct {
	data []byte
	n    uint32
}

// New returns a Bitfield of n bits, all clear.
func New(n uint32) *Bitfield {
	return &Bitfield{data: make([]byte, NumBytes(n)), n: n}
}

// NewBytes wraps b without copying it.
// Spare bits in the last byte must be zero.
func NewBytes(b []byte, n uint32) (*Bitfield, error) {
	if uint32(len(b)) != NumBytes(n) {
		return nil, ErrInvalidLength
	}
	if spare := n % 8; spare != 0 && b[len(b)-1]<<spare != 0 {
		return nil, ErrInvalidLength
	}
	return &Bitfield{data: b, n: n}, nil
}

// NumBytes returns the number of bytes required to hold n bits.
func NumBytes(n uint32) uint32 {
	return (n + 7) / 8
}

// locate returns the byte index and the mask of bit i.
func (bf *Bitfield) locate(i uint32) (uint32, byte) {
	if i >= bf.n {
		panic(fmt.Sprintf("bitfield: index %d out of range [0, %d)", i, bf.n))
	}
	return i / 8, 0x80 >> (i % 8)
}

// Copy returns a deep copy.
func (bf *Bitfield) Copy() *Bitfield {
	return &Bitfield{data: append([]byte(nil), bf.data...), n: bf.n}
}

// Bytes returns the underlying bytes. Modifying them modifies the Bitfield.
func (bf *Bitfield) Bytes() []byte { return bf.data }

// Len returns the number of bits.
func (bf *Bitfield) Len() uint32 { return bf.n }

func (bf *Bitfield) Hex() string { return hex.EncodeToString(bf.data) }

// Set bit i. Panics if i is out of range.
func (bf *Bitfield) Set(i uint32) {
	idx, mask := bf.locate(i)
	bf.data[idx] |= mask
}

// Clear bit i. Panics if i is out of range.
func (bf *Bitfield) Clear(i uint32) {
	idx, mask := bf.locate(i)
	bf.data[idx] &^= mask
}

func (bf *Bitfield) SetTo(i uint32, value bool) {
	if value {
		bf.Set(i)
		return
	}
	bf.Clear(i)
}

func (bf *Bitfield) ClearAll() {
	clear(bf.data)
}

// Test reports whether bit i is set. Panics if i is out of range.
func (bf *Bitfield) Test(i uint32) bool {
	idx, mask := bf.locate(i)
	return bf.data[idx]&mask != 0
}

// Count returns the number of set bits.
func (bf *Bitfield) Count() uint32 {
	var c int
	for _, v := range bf.data {
		c += bits.OnesCount8(v)
	}
	return uint32(c)
}

// All reports whether every bit is set.
func (bf *Bitfield) All() bool {
	return bf.Count() == bf.n
}

// Or sets the bits that are set in o. Panics if lengths differ.
func (bf *Bitfield) Or(o *Bitfield) {
	if o.n != bf.n {
		panic("bitfield: length mismatch")
	}
	for i, v := range o.data {
		bf.data[i] |= v
	}
}
