package magnet

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hash = "3b245504cf5f11bbdbe1201cea6a6bf45aee1bc0"

func TestParseHex(t *testing.T) {
	m, err := Parse("magnet:?xt=urn:btih:" + hash + "&dn=ubuntu&tr=udp%3A%2F%2Fa%3A1&tr=udp%3A%2F%2Fb%3A2&x.pe=1.2.3.4:6881")
	require.NoError(t, err)
	assert.Equal(t, hash, hex.EncodeToString(m.InfoHash[:]))
	assert.Equal(t, "ubuntu", m.Name)
	assert.Equal(t, [][]string{{"udp://a:1"}, {"udp://b:2"}}, m.Trackers)
	assert.Equal(t, []string{"1.2.3.4:6881"}, m.Peers)
}

func TestParseBase32(t *testing.T) {
	m, err := Parse("magnet:?xt=urn:btih:HMSFKBGPL4I3XW7BEAOOU2TL6RNO4G6A")
	require.NoError(t, err)
	assert.Equal(t, hash, hex.EncodeToString(m.InfoHash[:]))
}

func TestParseMultihash(t *testing.T) {
	// 0x11 sha1, 0x14 length 20
	m, err := Parse("magnet:?xt=urn:btmh:1114" + hash)
	require.NoError(t, err)
	assert.Equal(t, hash, hex.EncodeToString(m.InfoHash[:]))
}

func TestParseErrors(t *testing.T) {
	for _, s := range []string{
		"http://example.com",
		"magnet:?dn=x",
		"magnet:?xt=urn:btih:abcd",
		"magnet:?xt=urn:sha1:" + hash,
	} {
		_, err := Parse(s)
		assert.Error(t, err, s)
	}
}

func TestStringRoundTrip(t *testing.T) {
	m, err := Parse("magnet:?xt=urn:btih:" + hash + "&dn=a+b")
	require.NoError(t, err)
	m2, err := Parse(m.String())
	require.NoError(t, err)
	assert.Equal(t, m, m2)
}

func TestTrackerTiers(t *testing.T) {
	m, err := Parse("magnet:?xt=urn:btih:" + hash + "&tr.1=c&tr.1=d&tr.0=b&tr=a&tr.x=z")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}, {"b"}, {"c", "d"}}, m.Trackers)
}
