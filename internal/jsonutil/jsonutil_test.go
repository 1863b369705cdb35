package jsonutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCompactPretty(t *testing.T) {
	v := struct {
		State    string `json:"state"`
		Peers    int
		Hidden   string `json:"-"`
		internal int
	}{State: "seeding", Peers: 3, Hidden: "x", internal: 1}

	b, err := MarshalCompactPretty(v)
	require.NoError(t, err)
	lines := string(b)
	assert.Contains(t, lines, "state: ")
	assert.Contains(t, lines, "seeding")
	assert.Contains(t, lines, "Peers: ")
	assert.NotContains(t, lines, "Hidden")
	assert.NotContains(t, lines, "internal")
	assert.Less(t, strings.Index(lines, "state"), strings.Index(lines, "Peers"))
}
