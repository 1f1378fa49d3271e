//go:build !unix

package cache

import "math"

// diskFreeSpace has no portable implementation here; reservations
// always succeed and writes fail at the filesystem instead.
func diskFreeSpace(path string) (int64, error) {
	return math.MaxInt64, nil
}
