package filestorage

import (
	"os"

	"github.com/kestrelbt/kestrel/internal/storage"
	"golang.org/x/sys/unix"
)

func disableReadAhead(f *os.File) error {
	return unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM)
}

func allocate(f *os.File, size int64, mode storage.AllocationMode) error {
	if mode == storage.Full && size > 0 {
		err := unix.Fallocate(int(f.Fd()), 0, 0, size)
		if err == nil {
			return nil
		}
		// Filesystem does not support fallocate, fall back to a sparse file.
		if err != unix.EOPNOTSUPP && err != unix.ENOSYS {
			return err
		}
	}
	return f.Truncate(size)
}
