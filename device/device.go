// Package device provides the block devices a filesystem can be mounted
// on: a memory-backed ramdisk and a host image file.
package device

import (
	"fmt"

	"github.com/rcore-os/rcore-fs/vfs"
)

// checkBlock validates a block request against the geometry of a device.
func checkBlock(id int, buf []byte, bsize, nblocks int) error {
	if id < 0 || id >= nblocks {
		return fmt.Errorf("block %d out of range [0, %d): %w", id, nblocks, vfs.EIO)
	}
	if len(buf) != bsize {
		return fmt.Errorf("buffer of %d bytes for %d byte block: %w", len(buf), bsize, vfs.EINVAL)
	}
	return nil
}
