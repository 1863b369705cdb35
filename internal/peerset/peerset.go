// Package peerset keeps the live connections of a torrent.
package peerset

import (
	"encoding/hex"
	"errors"
	"net"

	"github.com/andres-erbsen/clock"
	"github.com/kestrelbt/kestrel/internal/bandwidth"
	"golang.org/x/time/rate"
)

// ErrAtCapacity is returned from Admit when the set is full.
var ErrAtCapacity = errors.New("peer set at capacity")

// DuplicateConnectionError is returned when a peer is already connected by address or peer id.
type DuplicateConnectionError struct {
	Addr string
	ID   [20]byte
}

func (e *DuplicateConnectionError) Error() string {
	if e.Addr != "" {
		return "duplicate connection to " + e.Addr
	}
	return "duplicate connection to peer id " + hex.EncodeToString(e.ID[:])
}

// Peer is a connection held in the set.
type Peer interface {
	Addr() *net.TCPAddr
	ID() [20]byte
	Incoming() bool
	DownloadSpeed() int64
	UploadSpeed() int64
}

// Config of PeerSet.
type Config struct {
	MaxConnections int

	// Bytes per second, zero or negative is unlimited.
	DownloadLimit int64
	UploadLimit   int64

	// Outgoing dials per second, zero or negative is unlimited.
	DialRate  float64
	DialBurst int
}

type entry[P Peer] struct {
	peer P
	seq  uint64
}

// PeerSet is owned by the torrent loop and is not safe for concurrent use.
// Buckets in Download and Upload are shared with connection goroutines.
type PeerSet[P Peer] struct {
	max     int
	pending map[string]struct{}
	peers   map[string]*entry[P]
	ids     map[[20]byte]string
	order   []*entry[P]
	seq     uint64

	// Download and Upload throttle every connection of the set.
	// The torrent bucket comes first, followed by the global buckets.
	Download bandwidth.Group
	Upload   bandwidth.Group

	dialLimiter *rate.Limiter
}

// New returns an empty PeerSet. Global buckets are chained after the set's own buckets.
func New[P Peer](cfg Config, globalDownload, globalUpload bandwidth.Group, clk clock.Clock) *PeerSet[P] {
	limit := rate.Inf
	if cfg.DialRate > 0 {
		limit = rate.Limit(cfg.DialRate)
	}
	burst := cfg.DialBurst
	if burst < 1 {
		burst = 1
	}
	return &PeerSet[P]{
		max:         cfg.MaxConnections,
		pending:     make(map[string]struct{}),
		peers:       make(map[string]*entry[P]),
		ids:         make(map[[20]byte]string),
		Download:    chain(bandwidth.New(cfg.DownloadLimit, clk), globalDownload),
		Upload:      chain(bandwidth.New(cfg.UploadLimit, clk), globalUpload),
		dialLimiter: rate.NewLimiter(limit, burst),
	}
}

func chain(b *bandwidth.Bucket, global bandwidth.Group) bandwidth.Group {
	g := make(bandwidth.Group, 0, len(global)+1)
	if b != nil {
		g = append(g, b)
	}
	for _, gb := range global {
		if gb != nil {
			g = append(g, gb)
		}
	}
	return g
}

// Len returns the number of connections, including those being established.
func (s *PeerSet[P]) Len() int {
	return len(s.pending) + len(s.peers)
}

// NumActive returns the number of activated connections.
func (s *PeerSet[P]) NumActive() int {
	return len(s.peers)
}

// NumPending returns the number of admitted connections that are not activated yet.
func (s *PeerSet[P]) NumPending() int {
	return len(s.pending)
}

// Max returns the connection limit.
func (s *PeerSet[P]) Max() int {
	return s.max
}

// SetMax changes the connection limit. Call Evict afterwards to shrink the set.
func (s *PeerSet[P]) SetMax(n int) {
	s.max = n
}

// Contains reports whether addr is pending or connected.
func (s *PeerSet[P]) Contains(addr *net.TCPAddr) bool {
	key := addr.String()
	if _, ok := s.pending[key]; ok {
		return true
	}
	_, ok := s.peers[key]
	return ok
}

// Admit reserves a slot for a connection to addr.
// The set is not modified if an error is returned.
func (s *PeerSet[P]) Admit(addr *net.TCPAddr) error {
	if s.Contains(addr) {
		return &DuplicateConnectionError{Addr: addr.String()}
	}
	if s.Len() >= s.max {
		return ErrAtCapacity
	}
	s.pending[addr.String()] = struct{}{}
	return nil
}

// AdmitOverflow reserves a slot even when the set is full.
// Used for incoming connections; the caller must Evict after activation.
func (s *PeerSet[P]) AdmitOverflow(addr *net.TCPAddr) error {
	if s.Contains(addr) {
		return &DuplicateConnectionError{Addr: addr.String()}
	}
	s.pending[addr.String()] = struct{}{}
	return nil
}

// Release gives back a slot reserved by Admit when the connection could not be established.
func (s *PeerSet[P]) Release(addr *net.TCPAddr) {
	delete(s.pending, addr.String())
}

// Activate moves an admitted connection into the set.
// Fails if another connection has the same peer id, in which case the slot is released.
func (s *PeerSet[P]) Activate(p P) error {
	key := p.Addr().String()
	if _, ok := s.peers[key]; ok {
		return &DuplicateConnectionError{Addr: key}
	}
	id := p.ID()
	if _, ok := s.ids[id]; ok {
		delete(s.pending, key)
		return &DuplicateConnectionError{ID: id}
	}
	delete(s.pending, key)
	s.seq++
	e := &entry[P]{peer: p, seq: s.seq}
	s.peers[key] = e
	s.ids[id] = key
	s.order = append(s.order, e)
	return nil
}

// Stale returns the connection that p supersedes.
// A peer that reconnects to us gets a new address while its old connection may still be in the set,
// for example when it has paused and resumed before we noticed the disconnect.
// Only an incoming connection can supersede another incoming one with the same peer id.
func (s *PeerSet[P]) Stale(p P) (P, bool) {
	var zero P
	if !p.Incoming() {
		return zero, false
	}
	key, ok := s.ids[p.ID()]
	if !ok || key == p.Addr().String() {
		return zero, false
	}
	e := s.peers[key]
	if !e.peer.Incoming() {
		return zero, false
	}
	return e.peer, true
}

// Remove deletes the connection from the set. Returns false if it is not in the set.
func (s *PeerSet[P]) Remove(p P) bool {
	key := p.Addr().String()
	e, ok := s.peers[key]
	if !ok {
		return false
	}
	delete(s.peers, key)
	delete(s.ids, p.ID())
	for i, oe := range s.order {
		if oe == e {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Has reports whether p is in the set.
func (s *PeerSet[P]) Has(p P) bool {
	e, ok := s.peers[p.Addr().String()]
	return ok && any(e.peer) == any(p)
}

// Snapshot returns the connections in the order they were activated.
func (s *PeerSet[P]) Snapshot() []P {
	ret := make([]P, len(s.order))
	for i, e := range s.order {
		ret[i] = e.peer
	}
	return ret
}

// Evict picks connections to close until the set is within its limit and removes them from the set.
// While leeching the peers that send us the least are picked, while seeding the peers that take the least from us.
// The most recently activated connection is never picked. Ties go to the oldest connection.
func (s *PeerSet[P]) Evict(seeding bool) []P {
	var evicted []P
	for s.Len() > s.max && len(s.order) > 1 {
		candidates := s.order[:len(s.order)-1]
		victim := candidates[0]
		for _, e := range candidates[1:] {
			if speed(e.peer, seeding) < speed(victim.peer, seeding) {
				victim = e
			}
		}
		s.Remove(victim.peer)
		evicted = append(evicted, victim.peer)
	}
	return evicted
}

func speed(p Peer, seeding bool) int64 {
	if seeding {
		return p.UploadSpeed()
	}
	return p.DownloadSpeed()
}

// AllowDial reports whether an outgoing connection may be started now.
func (s *PeerSet[P]) AllowDial() bool {
	return s.dialLimiter.Allow()
}
