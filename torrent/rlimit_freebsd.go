//go:build freebsd

package torrent

import "golang.org/x/sys/unix"

func setNoFile(value uint64) error {
	var rLimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
		return err
	}
	if rLimit.Cur >= int64(value) {
		return nil
	}
	rLimit.Cur = int64(value)
	if rLimit.Max < int64(value) {
		rLimit.Max = int64(value)
	}
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &rLimit)
}
