// Package piecepicker decides which blocks to request from which peer.
package piecepicker

import (
	"sort"

	"github.com/kestrelbt/kestrel/internal/bitfield"
	"github.com/kestrelbt/kestrel/internal/peerprotocol"
	"github.com/kestrelbt/kestrel/internal/piece"
	"github.com/kestrelbt/kestrel/internal/piecestore"
)

/*

These are the things to consider when selecting a block for downloading:

  * Piece is complete or being verified
  * Peer has the piece
  * Piece has blocks received or requested already (partial)
  * Number of peers having the piece
  * Block is requested from another peer
  * Is endgame mode activated (only a few pieces are left)

Do not forget to re-check these when making changes.

*/

// DefaultEndgameThreshold is the fraction of incomplete pieces below which endgame mode is activated.
const DefaultEndgameThreshold = 0.05

// Store is the piece state consulted and updated by the picker.
type Store interface {
	NumPieces() uint32
	NumComplete() uint32
	State(index uint32) piecestore.PieceState
	NextMissingBlocks(index uint32) []piece.Block
	RequestedBlocks(index uint32) []piece.Block
	MarkRequested(index, begin uint32) bool
	MarkMissing(index, begin uint32)
}

// PiecePicker keeps track of piece availability among peers and of which peer each block is requested from.
// Not safe for concurrent use. It is owned by the torrent loop.
type PiecePicker[P comparable] struct {
	store                Store
	threshold            float64
	maxDuplicateRequests int

	having    []int
	available uint32
	bitfields map[P]*bitfield.Bitfield

	// Peers a block is requested from, in request order.
	requests     map[blockKey][]P
	peerRequests map[P]map[blockKey]struct{}
	// Blocks that have arrived and are not written to the store yet.
	delivered map[blockKey]struct{}
}

type blockKey struct {
	index, begin uint32
}

// New returns a PiecePicker over the pieces of store.
// Endgame is activated when the fraction of incomplete pieces is below threshold.
// In endgame a block is requested from at most maxDuplicateRequests peers.
func New[P comparable](store Store, threshold float64, maxDuplicateRequests int) *PiecePicker[P] {
	if threshold <= 0 {
		threshold = DefaultEndgameThreshold
	}
	if maxDuplicateRequests < 1 {
		maxDuplicateRequests = 1
	}
	return &PiecePicker[P]{
		store:                store,
		threshold:            threshold,
		maxDuplicateRequests: maxDuplicateRequests,
		having:               make([]int, store.NumPieces()),
		bitfields:            make(map[P]*bitfield.Bitfield),
		requests:             make(map[blockKey][]P),
		peerRequests:         make(map[P]map[blockKey]struct{}),
		delivered:            make(map[blockKey]struct{}),
	}
}

// Available returns the number of pieces that at least one peer has.
func (p *PiecePicker[P]) Available() uint32 {
	return p.available
}

// Availability returns the number of peers having the piece at index.
func (p *PiecePicker[P]) Availability(i uint32) int {
	return p.having[i]
}

// Endgame reports whether the picker requests blocks from more than one peer.
func (p *PiecePicker[P]) Endgame() bool {
	total := p.store.NumPieces()
	incomplete := total - p.store.NumComplete()
	if total == 0 || incomplete == 0 {
		return false
	}
	return float64(incomplete)/float64(total) < p.threshold
}

func (p *PiecePicker[P]) peerBitfield(pe P) *bitfield.Bitfield {
	bf, ok := p.bitfields[pe]
	if !ok {
		bf = bitfield.New(p.store.NumPieces())
		p.bitfields[pe] = bf
	}
	return bf
}

// HandleHave must be called when the peer announces a piece.
func (p *PiecePicker[P]) HandleHave(pe P, i uint32) {
	if i >= uint32(len(p.having)) {
		return
	}
	bf := p.peerBitfield(pe)
	if bf.Test(i) {
		return
	}
	bf.Set(i)
	p.addHaving(i)
}

// HandleBitfield must be called when the peer sends its bitfield.
func (p *PiecePicker[P]) HandleBitfield(pe P, b *bitfield.Bitfield) {
	for i := uint32(0); i < b.Len() && i < uint32(len(p.having)); i++ {
		if b.Test(i) {
			p.HandleHave(pe, i)
		}
	}
}

func (p *PiecePicker[P]) addHaving(i uint32) {
	p.having[i]++
	if p.having[i] == 1 {
		p.available++
	}
}

// HandleDisconnect must be called when the peer is gone.
// Blocks that were requested only from this peer are marked missing again.
func (p *PiecePicker[P]) HandleDisconnect(pe P) {
	if bf, ok := p.bitfields[pe]; ok {
		for i := uint32(0); i < bf.Len(); i++ {
			if bf.Test(i) {
				p.having[i]--
				if p.having[i] == 0 {
					p.available--
				}
			}
		}
		delete(p.bitfields, pe)
	}
	for k := range p.peerRequests[pe] {
		p.HandleCancel(pe, k.index, k.begin)
	}
	delete(p.peerRequests, pe)
}

// Interesting reports whether the peer has a piece that is not complete.
func (p *PiecePicker[P]) Interesting(pe P) bool {
	bf, ok := p.bitfields[pe]
	if !ok {
		return false
	}
	for i := uint32(0); i < bf.Len(); i++ {
		if bf.Test(i) && p.store.State(i) != piecestore.Complete {
			return true
		}
	}
	return false
}

// PickFor returns at most n block requests to send to the peer.
// The returned blocks are marked as requested in the store.
func (p *PiecePicker[P]) PickFor(pe P, n int) []peerprotocol.RequestMessage {
	if n <= 0 {
		return nil
	}
	candidates := p.candidates(pe)
	var reqs []peerprotocol.RequestMessage
	for _, i := range candidates {
		for _, b := range p.store.NextMissingBlocks(i) {
			if len(reqs) == n {
				return reqs
			}
			if !p.store.MarkRequested(i, b.Begin) {
				continue
			}
			p.addRequest(pe, i, b.Begin)
			reqs = append(reqs, peerprotocol.RequestMessage{Index: i, Begin: b.Begin, Length: b.Length})
		}
	}
	if len(reqs) == n || !p.Endgame() {
		return reqs
	}
	for _, i := range candidates {
		for _, b := range p.store.RequestedBlocks(i) {
			if len(reqs) == n {
				return reqs
			}
			k := blockKey{i, b.Begin}
			if _, ok := p.delivered[k]; ok {
				continue
			}
			if len(p.requests[k]) >= p.maxDuplicateRequests || p.requestedFrom(pe, k) {
				continue
			}
			p.addRequest(pe, i, b.Begin)
			reqs = append(reqs, peerprotocol.RequestMessage{Index: i, Begin: b.Begin, Length: b.Length})
		}
	}
	return reqs
}

// candidates returns indexes of pieces the peer has and that may still need blocks,
// partially downloaded pieces first, then rarest, then lowest index.
func (p *PiecePicker[P]) candidates(pe P) []uint32 {
	bf, ok := p.bitfields[pe]
	if !ok {
		return nil
	}
	type candidate struct {
		index   uint32
		partial bool
	}
	var cs []candidate
	for i := uint32(0); i < bf.Len(); i++ {
		if !bf.Test(i) {
			continue
		}
		switch p.store.State(i) {
		case piecestore.Complete, piecestore.Verifying:
			continue
		case piecestore.Requested:
			cs = append(cs, candidate{i, true})
		default:
			cs = append(cs, candidate{i, false})
		}
	}
	sort.Slice(cs, func(a, b int) bool {
		ca, cb := cs[a], cs[b]
		if ca.partial != cb.partial {
			return ca.partial
		}
		if p.having[ca.index] != p.having[cb.index] {
			return p.having[ca.index] < p.having[cb.index]
		}
		return ca.index < cb.index
	})
	ret := make([]uint32, len(cs))
	for i, c := range cs {
		ret[i] = c.index
	}
	return ret
}

func (p *PiecePicker[P]) requestedFrom(pe P, k blockKey) bool {
	_, ok := p.peerRequests[pe][k]
	return ok
}

func (p *PiecePicker[P]) addRequest(pe P, index, begin uint32) {
	k := blockKey{index, begin}
	p.requests[k] = append(p.requests[k], pe)
	m, ok := p.peerRequests[pe]
	if !ok {
		m = make(map[blockKey]struct{})
		p.peerRequests[pe] = m
	}
	m[k] = struct{}{}
}

func (p *PiecePicker[P]) removeRequest(pe P, k blockKey) bool {
	peers := p.requests[k]
	for i, rp := range peers {
		if rp == pe {
			peers = append(peers[:i], peers[i+1:]...)
			if len(peers) == 0 {
				delete(p.requests, k)
			} else {
				p.requests[k] = peers
			}
			delete(p.peerRequests[pe], k)
			return true
		}
	}
	return false
}

// HandleBlock must be called when a block arrives from the peer, before it is handed to the store.
// Returns the other peers the same block is requested from. Their requests must be cancelled.
// The block is not requested again until HandleWriteDone is called for it.
func (p *PiecePicker[P]) HandleBlock(pe P, index, begin uint32) (losers []P) {
	k := blockKey{index, begin}
	for _, rp := range p.requests[k] {
		if rp != pe {
			losers = append(losers, rp)
		}
		delete(p.peerRequests[rp], k)
	}
	delete(p.requests, k)
	p.delivered[k] = struct{}{}
	return losers
}

// HandleWriteDone must be called after the store has processed a block passed to HandleBlock,
// whether the write succeeded or not.
func (p *PiecePicker[P]) HandleWriteDone(index, begin uint32) {
	delete(p.delivered, blockKey{index, begin})
}

// HandleCancel must be called when the request of a block from the peer is dropped
// without receiving it (choke, reject, timeout). If no other peer is requested
// the same block, it becomes missing again.
func (p *PiecePicker[P]) HandleCancel(pe P, index, begin uint32) {
	k := blockKey{index, begin}
	if !p.removeRequest(pe, k) {
		return
	}
	if _, ok := p.requests[k]; !ok {
		p.store.MarkMissing(index, begin)
	}
}

// RequestedFrom returns the peers the block is requested from.
func (p *PiecePicker[P]) RequestedFrom(index, begin uint32) []P {
	return append([]P(nil), p.requests[blockKey{index, begin}]...)
}
