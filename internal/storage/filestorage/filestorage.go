// Package filestorage stores torrent data in regular files under a directory.
package filestorage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/kestrelbt/kestrel/internal/storage"
)

// FileStorage keeps torrent files under a destination directory.
type FileStorage struct {
	dest string
	mode storage.AllocationMode
}

// New returns a FileStorage rooted at dest.
func New(dest string, mode storage.AllocationMode) (*FileStorage, error) {
	var err error
	dest, err = filepath.Abs(dest)
	if err != nil {
		return nil, err
	}
	return &FileStorage{dest: dest, mode: mode}, nil
}

var _ storage.Storage = (*FileStorage)(nil)

// RootDir returns the absolute destination directory.
func (s *FileStorage) RootDir() string {
	return s.dest
}

// Open a file under the destination directory, creating it if needed.
// An existing file is resized to size. A new file is allocated according to the allocation mode.
func (s *FileStorage) Open(name string, size int64) (storage.File, bool, error) {
	path := filepath.Join(s.dest, filepath.Clean(name))
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, false, err
	}
	const perm = 0640
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, perm) // nolint: gosec
	exists := errors.Is(err, fs.ErrExist)
	if exists {
		f, err = os.OpenFile(path, os.O_RDWR, perm) // nolint: gosec
	}
	if err != nil {
		return nil, false, err
	}
	if err = s.prepare(f, size, exists); err != nil {
		_ = f.Close()
		return nil, false, err
	}
	// Pieces are read in random order.
	_ = disableReadAhead(f)
	return f, exists, nil
}

func (s *FileStorage) prepare(f *os.File, size int64, exists bool) error {
	if !exists {
		return allocate(f, size, s.mode)
	}
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() == size {
		return nil
	}
	return f.Truncate(size)
}

// Remove deletes the named files and any directories left empty under the destination.
func (s *FileStorage) Remove(names []string) error {
	var firstErr error
	dirs := make(map[string]struct{})
	for _, name := range names {
		p := filepath.Join(s.dest, filepath.Clean(name))
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
		for d := filepath.Dir(p); d != s.dest && len(d) > len(s.dest); d = filepath.Dir(d) {
			dirs[d] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(dirs))
	for d := range dirs {
		sorted = append(sorted, d)
	}
	// Deepest first so parents are empty when reached.
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	for _, d := range sorted {
		// Only succeeds for empty directories.
		_ = os.Remove(d)
	}
	return firstErr
}
