package bandwidth

import (
	"sync"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
)

func TestUnlimited(t *testing.T) {
	assert.Nil(t, New(0, nil))
	assert.Nil(t, New(-1, nil))

	var b *Bucket
	assert.True(t, b.Wait(1<<20, nil))
	assert.Equal(t, int64(100), b.TakeAvailable(100))
	assert.Equal(t, int64(0), b.Rate())
	assert.True(t, Group{nil, nil}.Wait(10, nil))
}

// Several peers draw from one bucket as fast as they can.
// The bytes granted within any one second window stay within the rate plus one burst.
func TestSharedBucketWindow(t *testing.T) {
	const (
		rate  = 10000
		peers = 4
		step  = 10 * time.Millisecond
		steps = 500
	)
	clk := clock.NewMock()
	b := New(rate, clk)

	granted := make([]int64, steps)
	for i := 0; i < steps; i++ {
		for p := 0; p < peers; p++ {
			granted[i] += b.TakeAvailable(512)
		}
		clk.Add(step)
	}

	window := int(time.Second / step)
	var total int64
	for i := 0; i < steps; i++ {
		total += granted[i]
		if i+window > steps {
			continue
		}
		var sum int64
		for _, g := range granted[i : i+window] {
			sum += g
		}
		assert.LessOrEqual(t, sum, int64(rate+rate/burstDivisor), "window starting at step %d", i)
	}
	assert.GreaterOrEqual(t, total, int64(rate*4))
}

// Same as above but through Group.Wait, which may run the bucket into debt and then sleeps on the clock.
func TestSharedBucketWaitWindow(t *testing.T) {
	const (
		rate  = 10000
		peers = 4
		chunk = 512
		step  = 10 * time.Millisecond
		steps = 500
	)
	clk := clock.NewMock()
	g := Group{New(rate, clk)}
	start := clk.Now()

	var mu sync.Mutex
	granted := make([]int64, steps+1)
	stopC := make(chan struct{})
	var wg sync.WaitGroup
	for p := 0; p < peers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for g.Wait(chunk, stopC) {
				mu.Lock()
				i := int(clk.Now().Sub(start) / step)
				if i < len(granted) {
					granted[i] += chunk
				}
				mu.Unlock()
				select {
				case <-stopC:
					return
				default:
				}
			}
		}()
	}
	for i := 0; i < steps; i++ {
		clk.Add(step)
	}
	close(stopC)
	wg.Wait()

	// A waiter may be released late, so allow one chunk per peer on top of the burst.
	limit := int64(rate + rate/burstDivisor + peers*chunk)
	window := int(time.Second / step)
	var total int64
	for i := 0; i < steps; i++ {
		total += granted[i]
		if i+window > steps {
			continue
		}
		var sum int64
		for _, n := range granted[i : i+window] {
			sum += n
		}
		assert.LessOrEqual(t, sum, limit, "window starting at step %d", i)
	}
	assert.GreaterOrEqual(t, total, int64(rate*4))
	assert.LessOrEqual(t, total, int64(rate*steps)*int64(step)/int64(time.Second)+limit)
}

func TestWaitStops(t *testing.T) {
	clk := clock.NewMock()
	b := New(1000, clk)
	b.TakeAvailable(1000)

	stopC := make(chan struct{})
	close(stopC)
	assert.False(t, b.Wait(500, stopC))
}
