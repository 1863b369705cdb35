package filesection

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var data = []string{"asdf", "a", "", "qwerty"}

func openFiles(t *testing.T) []*os.File {
	dir := t.TempDir()
	files := make([]*os.File, len(data))
	for i, s := range data {
		name := filepath.Join(dir, "file"+strconv.Itoa(i))
		require.NoError(t, os.WriteFile(name, []byte(s), 0600))
		f, err := os.OpenFile(name, os.O_RDWR, 0600)
		require.NoError(t, err)
		t.Cleanup(func() { f.Close() })
		files[i] = f
	}
	return files
}

func TestSections(t *testing.T) {
	f := openFiles(t)
	s := Sections{
		{f[0], 2, 2},
		{f[1], 0, 1},
		{f[2], 0, 0},
		{f[3], 0, 2},
	}
	assert.Equal(t, int64(5), s.Length())

	b := make([]byte, 5)
	n, err := s.ReadAt(b, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "dfaqw", string(b))

	b = make([]byte, 3)
	_, err = s.ReadAt(b, 1)
	require.NoError(t, err)
	assert.Equal(t, "faq", string(b))

	_, err = s.WriteAt([]byte("XYZ"), 2)
	require.NoError(t, err)
	b = make([]byte, 5)
	_, err = s.ReadAt(b, 0)
	require.NoError(t, err)
	assert.Equal(t, "dfXYZ", string(b))

	_, err = s.ReadAt(make([]byte, 2), 4)
	assert.Error(t, err)
}
