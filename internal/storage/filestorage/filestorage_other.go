//go:build !linux

package filestorage

import (
	"os"

	"github.com/kestrelbt/kestrel/internal/storage"
)

func disableReadAhead(f *os.File) error {
	return nil
}

func allocate(f *os.File, size int64, _ storage.AllocationMode) error {
	return f.Truncate(size)
}
