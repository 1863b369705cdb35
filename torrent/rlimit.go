//go:build !windows && !freebsd

package torrent

import "golang.org/x/sys/unix"

// setNoFile raises the open files limit of the process. A higher limit is left as is.
func setNoFile(value uint64) error {
	var rLimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
		return err
	}
	if rLimit.Cur >= value {
		return nil
	}
	rLimit.Cur = value
	if rLimit.Max < value {
		rLimit.Max = value
	}
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &rLimit)
}
