//go:build linux
// +build linux

package ops

import (
	"golang.org/x/sys/unix"
)

// availableBytes returns the free space of the filesystem holding path.
// Assembling a raw disk roughly triples the source size in temp files, better
// to fail before elemental is halfway through a partition image.
func availableBytes(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
