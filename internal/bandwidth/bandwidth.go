// Package bandwidth limits transfer rates with token buckets shared by many connections.
package bandwidth

import (
	"github.com/andres-erbsen/clock"
	"github.com/juju/ratelimit"
)

// burstDivisor sets bucket capacity to rate/burstDivisor, the granularity of the limit.
const burstDivisor = 10

// Bucket is a token bucket of bytes. A nil *Bucket means unlimited.
// Bucket is safe for concurrent use.
type Bucket struct {
	b    *ratelimit.Bucket
	clk  clock.Clock
	rate int64
}

// New returns a Bucket that refills at bytesPerSecond.
// Returns nil for zero or negative values, which means unlimited.
func New(bytesPerSecond int64, clk clock.Clock) *Bucket {
	if bytesPerSecond <= 0 {
		return nil
	}
	if clk == nil {
		clk = clock.New()
	}
	capacity := bytesPerSecond / burstDivisor
	if capacity < 1 {
		capacity = 1
	}
	return &Bucket{
		b:    ratelimit.NewBucketWithRateAndClock(float64(bytesPerSecond), capacity, clk),
		clk:  clk,
		rate: bytesPerSecond,
	}
}

// Rate returns the configured rate in bytes per second, 0 if unlimited.
func (b *Bucket) Rate() int64 {
	if b == nil {
		return 0
	}
	return b.rate
}

// Wait takes n bytes from the bucket and blocks until they are available.
// Returns false if stopC is closed before that.
func (b *Bucket) Wait(n int64, stopC <-chan struct{}) bool {
	if b == nil {
		return true
	}
	d := b.b.Take(n)
	if d <= 0 {
		return true
	}
	t := b.clk.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stopC:
		return false
	}
}

// TakeAvailable takes up to n bytes without blocking and returns the amount taken.
func (b *Bucket) TakeAvailable(n int64) int64 {
	if b == nil {
		return n
	}
	return b.b.TakeAvailable(n)
}

// Group is an ordered set of buckets that all must grant a transfer, e.g. a torrent bucket and the global bucket.
type Group []*Bucket

// Wait waits on every bucket in g in order.
func (g Group) Wait(n int64, stopC <-chan struct{}) bool {
	for _, b := range g {
		if !b.Wait(n, stopC) {
			return false
		}
	}
	return true
}
