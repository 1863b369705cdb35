package torrent

import (
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegrityErrorFailsTorrent(t *testing.T) {
	defer leaktest.Check(t)()
	dir := t.TempDir()
	tt := newTestTorrent(t, dir, "file.bin", 4*testPieceLength)

	// The seed trusts its resume record, so it serves data that does not match the hashes.
	seedDir := filepath.Join(dir, "1")
	seedEngine, _ := startSeed(t, seedDir, tt)
	require.NoError(t, seedEngine.Close())
	garbage := make([]byte, len(tt.data))
	_, err := rand.Read(garbage)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(seedDir, "seed", tt.name), garbage, 0600))
	seedEngine = newTestEngine(t, seedDir)
	defer seedEngine.Close()
	seed := seedEngine.GetTorrent(tt.infoHash)
	require.NotNil(t, seed)
	waitState(t, seed, Seeding)

	cfg := newTestConfig(filepath.Join(dir, "2"))
	cfg.MaxCorruption = 1
	e, err := New(cfg)
	require.NoError(t, err)
	defer e.Close()
	tor, err := e.AddTorrent(tt.path, filepath.Join(dir, "download"), nil)
	require.NoError(t, err)
	tor.AddPeers([]*net.TCPAddr{seedEngine.Addr()})

	waitState(t, tor, Error)
	var ie *IntegrityError
	require.ErrorAs(t, tor.Status().Error, &ie)
	assert.Equal(t, 1, ie.Attempts)

	// Only removing the torrent gets it out of Error state.
	tor.Pause()
	tor.Resume()
	tor.AddPeers([]*net.TCPAddr{seedEngine.Addr()})
	tor.ForceReannounce()
	time.Sleep(100 * time.Millisecond)
	s := tor.Status()
	assert.Equal(t, Error, s.State)
	assert.Zero(t, s.NumPeers)
	assert.ErrorAs(t, s.Error, &ie)

	require.NoError(t, e.RemoveTorrent(tt.infoHash, false))
	assert.Nil(t, e.GetTorrent(tt.infoHash))
}

func TestStorageErrorPausesTorrent(t *testing.T) {
	defer leaktest.Check(t)()
	dir := t.TempDir()
	tt := newTestTorrent(t, dir, "file.bin", 2*testPieceLength)

	e := newTestEngine(t, dir)
	defer e.Close()

	// A regular file in place of the save directory makes opening the data fail.
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))
	tor, err := e.AddTorrent(tt.path, filepath.Join(blocker, "download"), nil)
	require.NoError(t, err)

	waitState(t, tor, Paused)
	var se *StorageError
	require.ErrorAs(t, tor.Status().Error, &se)
	assert.Equal(t, "open", se.Op)

	require.NoError(t, os.Remove(blocker))
	require.NoError(t, os.Mkdir(blocker, 0750))
	tor.Resume()
	waitState(t, tor, Downloading)
	assert.NoError(t, tor.Status().Error)

	// A failed block write pauses the torrent the same way.
	select {
	case tor.writeResultC <- writeResult{err: &StorageError{Op: "write", Piece: 1, Err: os.ErrPermission}}:
	case <-time.After(testTimeout):
		t.Fatal("torrent loop is not running")
	}
	waitState(t, tor, Paused)
	require.ErrorAs(t, tor.Status().Error, &se)
	assert.Equal(t, "write", se.Op)
	assert.ErrorIs(t, tor.Status().Error, os.ErrPermission)

	tor.Resume()
	waitState(t, tor, Downloading)
	assert.NoError(t, tor.Status().Error)
}
