package sfs

import (
	"fmt"
	"io"

	"github.com/rcore-os/rcore-fs/bcache"
	"github.com/rcore-os/rcore-fs/debug"
	"github.com/rcore-os/rcore-fs/vfs"
)

// BlockKind names the region of the disk a block belongs to.
func (fs *SimpleFileSystem) BlockKind(bnum int) string {
	sb := &fs.super
	switch {
	case bnum == 0:
		return "superblock"
	case bnum < int(sb.InodeTableStart):
		return "bitmap"
	case bnum < int(sb.dataStart()):
		return "inode table"
	case bnum < int(sb.Blocks):
		return "data"
	}
	return "out of range"
}

// Dump writes a listing of one block, as currently seen through the cache,
// to w. Inode table blocks are decoded record by record.
func (fs *SimpleFileSystem) Dump(w io.Writer, bnum int) error {
	if bnum < 0 || bnum >= int(fs.super.Blocks) {
		return fmt.Errorf("block %d: %w", bnum, vfs.EINVAL)
	}
	bp, err := fs.cache.GetBlock(bnum, bcache.NORMAL)
	if err != nil {
		return err
	}
	bp.RLock()
	data := make([]byte, len(bp.Data))
	copy(data, bp.Data)
	bp.RUnlock()
	fs.cache.PutBlock(bp, bcache.ONE_SHOT)

	kind := fs.BlockKind(bnum)
	fmt.Fprintf(w, "%s\n", kind)
	if kind != "inode table" {
		debug.PrintBlock(w, bnum, data)
		return nil
	}

	first := uint32(bnum-int(fs.super.InodeTableStart)) * INODES_PER_BLOCK
	for i := uint32(0); i < INODES_PER_BLOCK; i++ {
		d, err := decodeInode(data[i*INODE_SIZE:])
		if err != nil || d.Type == 0 {
			continue
		}
		fmt.Fprintf(w, "inode %d: %v nlinks=%d size=%d blocks=%d direct=%v indirect=%d\n",
			first+i, d.fileType(), d.Nlinks, d.Size, d.Blocks, d.Direct, d.Indirect)
	}
	return nil
}
