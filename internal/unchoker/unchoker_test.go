package unchoker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type testPeer struct {
	interested    bool
	choking       bool
	optimistic    bool
	downloadSpeed int64
	uploadSpeed   int64
}

func (p *testPeer) Choke()                   { p.choking = true }
func (p *testPeer) Unchoke()                 { p.choking = false }
func (p *testPeer) Choking() bool            { return p.choking }
func (p *testPeer) Interested() bool         { return p.interested }
func (p *testPeer) Optimistic() bool         { return p.optimistic }
func (p *testPeer) SetOptimistic(value bool) { p.optimistic = value }
func (p *testPeer) DownloadSpeed() int64     { return p.downloadSpeed }
func (p *testPeer) UploadSpeed() int64       { return p.uploadSpeed }

func asPeers(tps []*testPeer) []Peer {
	peers := make([]Peer, len(tps))
	for i := range tps {
		peers[i] = tps[i]
	}
	return peers
}

func TestTickUnchoke(t *testing.T) {
	testPeers := []*testPeer{
		{interested: true, choking: true},
		{interested: true, choking: true, downloadSpeed: 2},
		{interested: true, choking: true, downloadSpeed: 4},
		{choking: true},
	}
	u := New(2, 1)

	// Fastest 2 downloading peers are unchoked.
	u.TickUnchoke(asPeers(testPeers), false)
	assert.Equal(t, []*testPeer{
		{interested: true, choking: true},
		{interested: true, downloadSpeed: 2},
		{interested: true, downloadSpeed: 4},
		{choking: true},
	}, testPeers)

	// Nothing has changed. Same peers stay unchoked.
	u.TickUnchoke(asPeers(testPeers), false)
	assert.Equal(t, []*testPeer{
		{interested: true, choking: true},
		{interested: true, downloadSpeed: 2},
		{interested: true, downloadSpeed: 4},
		{choking: true},
	}, testPeers)

	// The only choked interested peer is unchoked optimistically.
	u.TickOptimisticUnchoke(asPeers(testPeers))
	assert.Equal(t, []*testPeer{
		{interested: true, optimistic: true},
		{interested: true, downloadSpeed: 2},
		{interested: true, downloadSpeed: 4},
		{choking: true},
	}, testPeers)
	regular, optimistic := u.NumUnchoked()
	assert.Equal(t, 2, regular)
	assert.Equal(t, 1, optimistic)

	// Optimistic peer turned out to be faster and takes a regular slot.
	testPeers[0].downloadSpeed = 3
	u.TickUnchoke(asPeers(testPeers), false)
	assert.Equal(t, []*testPeer{
		{interested: true, downloadSpeed: 3},
		{interested: true, choking: true, downloadSpeed: 2},
		{interested: true, downloadSpeed: 4},
		{choking: true},
	}, testPeers)
}

func TestSeedingUsesUploadSpeed(t *testing.T) {
	testPeers := []*testPeer{
		{interested: true, choking: true, downloadSpeed: 100, uploadSpeed: 1},
		{interested: true, choking: true, downloadSpeed: 0, uploadSpeed: 50},
	}
	u := New(1, 0)
	u.TickUnchoke(asPeers(testPeers), true)
	assert.True(t, testPeers[0].choking)
	assert.False(t, testPeers[1].choking)
}

func TestFastUnchoke(t *testing.T) {
	u := New(1, 1)
	p1 := &testPeer{interested: true, choking: true}
	p2 := &testPeer{interested: true, choking: true}
	p3 := &testPeer{interested: true, choking: true}
	u.FastUnchoke(p1)
	u.FastUnchoke(p2)
	u.FastUnchoke(p3)
	assert.False(t, p1.choking)
	assert.False(t, p2.choking)
	assert.True(t, p2.optimistic)
	assert.True(t, p3.choking)

	u.HandleDisconnect(p1)
	u.FastUnchoke(p3)
	assert.False(t, p3.choking)
}
