//go:build unix

package cache

import "golang.org/x/sys/unix"

// diskFreeSpace returns the bytes available to the process on the
// filesystem holding path.
func diskFreeSpace(path string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
