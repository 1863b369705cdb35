package torrent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "config.yaml")

	// Missing file gives the defaults.
	c, err := LoadConfig(filename)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig.ListenPort, c.ListenPort)

	const data = `
listen-port: 7000
max-active-torrents: 2
peer-read-timeout: 30s
endgame-threshold: 0.1
log-level: debug
`
	require.NoError(t, os.WriteFile(filename, []byte(data), 0600))
	c, err = LoadConfig(filename)
	require.NoError(t, err)
	assert.Equal(t, 7000, c.ListenPort)
	assert.Equal(t, 2, c.MaxActiveTorrents)
	assert.Equal(t, 30*time.Second, c.PeerReadTimeout)
	assert.Equal(t, 0.1, c.EndgameThreshold)
	assert.Equal(t, "debug", c.LogLevel)
	// Unset keys keep their default values.
	assert.Equal(t, DefaultConfig.PipelineDepth, c.PipelineDepth)

	require.NoError(t, os.WriteFile(filename, []byte("listen-port: [1"), 0600))
	_, err = LoadConfig(filename)
	assert.Error(t, err)
}
