package torrent

import (
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddTorrentURL(t *testing.T) {
	dir := t.TempDir()
	tt := newTestTorrent(t, dir, "file.bin", testPieceLength)
	b, err := os.ReadFile(tt.path)
	require.NoError(t, err)

	var failures int32 = 2
	mux := http.NewServeMux()
	mux.HandleFunc("/ok.torrent", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(b)
	})
	mux.HandleFunc("/flaky.torrent", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&failures, -1) >= 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(b)
	})
	mux.HandleFunc("/large.torrent", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := newTestConfig(dir)
	cfg.MaxTorrentSize = 1024
	e, err := New(cfg)
	require.NoError(t, err)
	defer e.Close()

	tor, err := e.AddTorrent(srv.URL+"/ok.torrent", "", &AddOptions{Paused: true})
	require.NoError(t, err)
	assert.Equal(t, tt.infoHash, tor.InfoHash())
	require.NoError(t, e.RemoveTorrent(tt.infoHash, false))

	tor, err = e.AddTorrent(srv.URL+"/flaky.torrent", "", &AddOptions{Paused: true})
	require.NoError(t, err)
	assert.Equal(t, tt.infoHash, tor.InfoHash())

	for _, path := range []string{"/missing.torrent", "/large.torrent"} {
		_, err = e.AddTorrent(srv.URL+path, "", nil)
		var ie *InvalidTorrentError
		assert.ErrorAs(t, err, &ie, path)
	}
	_, err = e.AddTorrent(srv.URL+"/large.torrent", "", nil)
	assert.ErrorIs(t, err, errTorrentTooLarge)
}
