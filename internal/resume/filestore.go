package resume

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/uuid"
)

const fileExt = ".resume"

// FileStore keeps each record in its own file named <info hash in hex>.resume.
// Files are replaced atomically.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a FileStore in dir. The directory is created if missing.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(infoHash [20]byte) string {
	return filepath.Join(s.dir, hex.EncodeToString(infoHash[:])+fileExt)
}

// Write saves r by writing a temporary file, syncing it and renaming it over the old record.
func (s *FileStore) Write(r *Record) error {
	b, err := Encode(r)
	if err != nil {
		return err
	}
	u, err := uuid.NewV4()
	if err != nil {
		return err
	}
	tmp := filepath.Join(s.dir, "."+u.String()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
	if err != nil {
		return err
	}
	_, err = f.Write(b)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, s.path(r.InfoHash))
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return syncDir(s.dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Not all platforms support syncing a directory.
	_ = d.Sync()
	return nil
}

// Read returns the record of the torrent or ErrNotFound.
func (s *FileStore) Read(infoHash [20]byte) (*Record, error) {
	b, err := os.ReadFile(s.path(infoHash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return Decode(b)
}

// Delete removes the record of the torrent. Missing records are not an error.
func (s *FileStore) Delete(infoHash [20]byte) error {
	err := os.Remove(s.path(infoHash))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// List returns all records in the directory.
func (s *FileStore) List() ([]*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var records []*Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, err
		}
		r, err := Decode(b)
		if err != nil {
			return nil, &DecodeError{Key: strings.TrimSuffix(name, fileExt), Err: err}
		}
		records = append(records, r)
	}
	return records, nil
}

// Close does nothing. FileStore holds no open files.
func (s *FileStore) Close() error { return nil }
