// Package unchoker selects the peers that are allowed to download from us.
package unchoker

import (
	"math/rand"
	"sort"
)

// Peer is a connection as seen by the Unchoker.
type Peer interface {
	// Choke and Unchoke send the message and update Choking.
	Choke()
	Unchoke()
	// Choking is true while we do not upload to the peer.
	Choking() bool
	// Interested is true while the remote wants our pieces.
	Interested() bool
	// Optimistic is the last value given to SetOptimistic.
	Optimistic() bool
	SetOptimistic(value bool)

	DownloadSpeed() int64
	UploadSpeed() int64
}

type slot uint8

const (
	regular slot = iota
	optimistic
)

// Unchoker implements tit-for-tat. Interested peers that give us the most are unchoked,
// or the peers that take the most while seeding. Optimistic slots go to random choked peers.
type Unchoker struct {
	maxRegular    int
	maxOptimistic int
	slots         map[Peer]slot
}

// New returns an Unchoker with the given number of regular and optimistic slots.
func New(maxRegular, maxOptimistic int) *Unchoker {
	return &Unchoker{
		maxRegular:    maxRegular,
		maxOptimistic: maxOptimistic,
		slots:         make(map[Peer]slot, maxRegular+maxOptimistic),
	}
}

// HandleDisconnect frees the slot of a closed peer.
func (u *Unchoker) HandleDisconnect(pe Peer) {
	delete(u.slots, pe)
}

// NumUnchoked returns the number of peers in regular and optimistic slots.
func (u *Unchoker) NumUnchoked() (numRegular, numOptimistic int) {
	for _, s := range u.slots {
		if s == optimistic {
			numOptimistic++
		} else {
			numRegular++
		}
	}
	return
}

// TickUnchoke reassigns the regular slots. It is called every 10 seconds.
// Optimistic peers keep their slot unless they rank high enough for a regular one.
func (u *Unchoker) TickUnchoke(peers []Peer, seeding bool) {
	ranked := make([]Peer, 0, len(peers))
	for _, pe := range peers {
		switch {
		case pe.Interested():
			ranked = append(ranked, pe)
		case !pe.Optimistic():
			u.choke(pe)
		}
	}
	speed := Peer.DownloadSpeed
	if seeding {
		speed = Peer.UploadSpeed
	}
	sort.SliceStable(ranked, func(i, j int) bool { return speed(ranked[i]) > speed(ranked[j]) })
	for i, pe := range ranked {
		if i < u.maxRegular {
			u.unchoke(pe, regular)
		} else if !pe.Optimistic() {
			u.choke(pe)
		}
	}
}

// TickOptimisticUnchoke is called every 30 seconds.
// Current optimistic peers are choked and random choked interested peers take their slots.
func (u *Unchoker) TickOptimisticUnchoke(peers []Peer) {
	var candidates []Peer
	for _, pe := range peers {
		if pe.Optimistic() {
			u.choke(pe)
		} else if pe.Choking() && pe.Interested() {
			candidates = append(candidates, pe)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > u.maxOptimistic {
		candidates = candidates[:u.maxOptimistic]
	}
	for _, pe := range candidates {
		u.unchoke(pe, optimistic)
	}
}

// FastUnchoke gives a newly interested peer a free slot without waiting for the next tick.
func (u *Unchoker) FastUnchoke(pe Peer) {
	if !pe.Choking() || !pe.Interested() {
		return
	}
	numRegular, numOptimistic := u.NumUnchoked()
	switch {
	case numRegular < u.maxRegular:
		u.unchoke(pe, regular)
	case numOptimistic < u.maxOptimistic:
		u.unchoke(pe, optimistic)
	}
}

func (u *Unchoker) choke(pe Peer) {
	if pe.Choking() {
		return
	}
	pe.Choke()
	pe.SetOptimistic(false)
	delete(u.slots, pe)
}

// unchoke puts pe in slot s. An optimistic peer may be promoted to a regular slot but never the reverse.
func (u *Unchoker) unchoke(pe Peer, s slot) {
	if !pe.Choking() {
		if s == regular && pe.Optimistic() {
			pe.SetOptimistic(false)
			u.slots[pe] = regular
		}
		return
	}
	pe.Unchoke()
	pe.SetOptimistic(s == optimistic)
	u.slots[pe] = s
}
