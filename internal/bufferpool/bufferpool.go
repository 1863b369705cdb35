// Package bufferpool recycles block-sized byte slices between peer readers and disk writers.
package bufferpool

import "sync"

// Pool of byte slices that all have the same capacity.
type Pool struct {
	size int
	p    sync.Pool
}

// New returns a Pool of slices with capacity size.
func New(size int) *Pool {
	return &Pool{size: size}
}

// Get returns a Buffer with n bytes of Data. n must not exceed the size of the Pool.
func (p *Pool) Get(n int) Buffer {
	backing, _ := p.p.Get().(*[]byte)
	if backing == nil {
		b := make([]byte, p.size)
		backing = &b
	}
	return Buffer{Data: (*backing)[:n], backing: backing, pool: p}
}

// Buffer must be released by its last user. Data must not be used after Release.
type Buffer struct {
	Data    []byte
	backing *[]byte
	pool    *Pool
}

// Release returns the Buffer to its Pool. Release of a zero Buffer does nothing.
func (b Buffer) Release() {
	if b.pool != nil {
		b.pool.p.Put(b.backing)
	}
}
