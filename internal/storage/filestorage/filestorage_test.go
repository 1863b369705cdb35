package filestorage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kestrelbt/kestrel/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesAndReopens(t *testing.T) {
	dir := t.TempDir()
	for _, mode := range []storage.AllocationMode{storage.Full, storage.Compact} {
		s, err := New(dir, mode)
		require.NoError(t, err)
		name := filepath.Join(mode.String(), "a", "file.bin")

		f, exists, err := s.Open(name, 100)
		require.NoError(t, err)
		assert.False(t, exists)
		_, err = f.WriteAt([]byte("hello"), 10)
		require.NoError(t, err)
		require.NoError(t, f.Sync())
		require.NoError(t, f.Close())

		f, exists, err = s.Open(name, 100)
		require.NoError(t, err)
		assert.True(t, exists)
		buf := make([]byte, 5)
		_, err = f.ReadAt(buf, 10)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(buf))
		require.NoError(t, f.Close())

		fi, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, int64(100), fi.Size())

		require.NoError(t, s.Remove([]string{name}))
		_, err = os.Stat(filepath.Join(dir, mode.String()))
		assert.True(t, os.IsNotExist(err))
	}
}

func TestParseAllocationMode(t *testing.T) {
	m, err := storage.ParseAllocationMode("Compact")
	require.NoError(t, err)
	assert.Equal(t, storage.Compact, m)
	_, err = storage.ParseAllocationMode("sparse")
	assert.Error(t, err)
}
