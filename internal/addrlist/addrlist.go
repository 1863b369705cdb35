// Package addrlist keeps the addresses of peers that can be dialed.
//
// Addresses are ordered by the time they may be tried next, then by source
// priority. A failed dial schedules the address again with exponential
// backoff until the retry limit is reached.
package addrlist

import (
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff/v3"
	"github.com/google/btree"
)

// Source is where an address was learned from.
type Source int

// Address sources, highest priority first.
const (
	Manual Source = iota
	Resume
	Magnet
	Tracker
	Incoming
)

var sourceStrings = [...]string{"manual", "resume", "magnet", "tracker", "incoming"}

func (s Source) String() string { return sourceStrings[s] }

// Config of AddrList.
type Config struct {
	MaxItems        int
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// AddrList is not safe for concurrent use. It is owned by the torrent loop.
type AddrList struct {
	config Config
	clk    clock.Clock
	tree   *btree.BTree
	items  map[string]*peerAddr
	seq    uint64
}

type peerAddr struct {
	addr        *net.TCPAddr
	source      Source
	nextAttempt time.Time
	failures    int
	backoff     *backoff.ExponentialBackOff
	seq         uint64
	inTree      bool
}

var _ btree.Item = (*peerAddr)(nil)

func (p *peerAddr) Less(than btree.Item) bool {
	o := than.(*peerAddr)
	if !p.nextAttempt.Equal(o.nextAttempt) {
		return p.nextAttempt.Before(o.nextAttempt)
	}
	if p.source != o.source {
		return p.source < o.source
	}
	return p.seq < o.seq
}

// New returns an empty AddrList.
func New(cfg Config, clk clock.Clock) *AddrList {
	if clk == nil {
		clk = clock.New()
	}
	return &AddrList{
		config: cfg,
		clk:    clk,
		tree:   btree.New(2),
		items:  make(map[string]*peerAddr),
	}
}

// Len returns the number of known addresses, including ones that are in use.
func (d *AddrList) Len() int {
	return len(d.items)
}

// Ready returns the number of addresses that may be dialed now.
func (d *AddrList) Ready() int {
	now := d.clk.Now()
	var n int
	d.tree.Ascend(func(i btree.Item) bool {
		if i.(*peerAddr).nextAttempt.After(now) {
			return false
		}
		n++
		return true
	})
	return n
}

// Push adds addresses. Known addresses keep their retry state.
func (d *AddrList) Push(addrs []*net.TCPAddr, source Source) {
	now := d.clk.Now()
	for _, ad := range addrs {
		// 0 port is invalid
		if ad == nil || ad.Port == 0 {
			continue
		}
		key := ad.String()
		if p, ok := d.items[key]; ok {
			if source < p.source && p.inTree {
				d.tree.Delete(p)
				p.source = source
				d.tree.ReplaceOrInsert(p)
			}
			continue
		}
		if d.config.MaxItems > 0 && len(d.items) >= d.config.MaxItems {
			continue
		}
		d.seq++
		p := &peerAddr{
			addr:        ad,
			source:      source,
			nextAttempt: now,
			backoff:     d.newBackOff(),
			seq:         d.seq,
			inTree:      true,
		}
		d.items[key] = p
		d.tree.ReplaceOrInsert(p)
	}
}

func (d *AddrList) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.Clock = d.clk
	bo.MaxElapsedTime = 0
	if d.config.InitialInterval > 0 {
		bo.InitialInterval = d.config.InitialInterval
	}
	if d.config.MaxInterval > 0 {
		bo.MaxInterval = d.config.MaxInterval
	}
	bo.Reset()
	return bo
}

// Pop returns the next address that may be dialed now, or nil.
// The address stays known but is not returned again until Failed or Disconnected is called.
func (d *AddrList) Pop() *net.TCPAddr {
	item := d.tree.Min()
	if item == nil {
		return nil
	}
	p := item.(*peerAddr)
	if p.nextAttempt.After(d.clk.Now()) {
		return nil
	}
	d.tree.Delete(p)
	p.inTree = false
	return p.addr
}

// Failed records a failed dial to addr. The address is retried after a backoff
// interval or dropped after MaxRetries consecutive failures.
// Returns false if the address is dropped.
func (d *AddrList) Failed(addr *net.TCPAddr) bool {
	p, ok := d.items[addr.String()]
	if !ok {
		return false
	}
	if p.inTree {
		d.tree.Delete(p)
		p.inTree = false
	}
	p.failures++
	if d.config.MaxRetries >= 0 && p.failures > d.config.MaxRetries {
		delete(d.items, addr.String())
		return false
	}
	p.nextAttempt = d.clk.Now().Add(p.backoff.NextBackOff())
	p.inTree = true
	d.tree.ReplaceOrInsert(p)
	return true
}

// Connected records a successful connection, resetting the failure count.
func (d *AddrList) Connected(addr *net.TCPAddr) {
	p, ok := d.items[addr.String()]
	if !ok {
		return
	}
	p.failures = 0
	p.backoff.Reset()
}

// Disconnected makes addr available again after delay.
func (d *AddrList) Disconnected(addr *net.TCPAddr, delay time.Duration) {
	p, ok := d.items[addr.String()]
	if !ok {
		d.Push([]*net.TCPAddr{addr}, Incoming)
		p, ok = d.items[addr.String()]
		if !ok {
			return
		}
	}
	if p.inTree {
		d.tree.Delete(p)
	}
	p.nextAttempt = d.clk.Now().Add(delay)
	p.inTree = true
	d.tree.ReplaceOrInsert(p)
}

// Addrs returns all known addresses in dial order followed by those in use.
func (d *AddrList) Addrs() []*net.TCPAddr {
	addrs := make([]*net.TCPAddr, 0, len(d.items))
	d.tree.Ascend(func(i btree.Item) bool {
		addrs = append(addrs, i.(*peerAddr).addr)
		return true
	})
	for _, p := range d.items {
		if !p.inTree {
			addrs = append(addrs, p.addr)
		}
	}
	return addrs
}
