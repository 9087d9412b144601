package sfs

import (
	"fmt"

	"github.com/rcore-os/rcore-fs/bcache"
	"github.com/rcore-os/rcore-fs/vfs"
)

// allocBlock allocates a data block and returns its number. The block is
// zeroed in the cache, so stale disk contents never show through.
func (fs *SimpleFileSystem) allocBlock() (uint32, error) {
	fs.m.Lock()
	b := fs.freemap.alloc()
	if b == NO_BIT {
		fs.m.Unlock()
		fs.log.Warn("no space on device", "blocks", fs.super.Blocks)
		return NO_BLOCK, vfs.ENOSPC
	}
	fs.super.UnusedBlocks--
	fs.mapDirty = true
	fs.superDirty = true
	fs.m.Unlock()

	// A hit may hold whatever the block contained before it was freed
	bp, err := fs.cache.GetBlock(b, bcache.NO_READ)
	if err != nil {
		fs.freeBlock(uint32(b))
		return NO_BLOCK, err
	}
	bp.Lock()
	clear(bp.Data)
	bp.Dirty = true
	bp.Unlock()
	fs.cache.PutBlock(bp, bcache.PARTIAL_DATA_BLOCK)
	return uint32(b), nil
}

// freeBlock returns a data block to the free pool.
func (fs *SimpleFileSystem) freeBlock(b uint32) error {
	fs.m.Lock()
	defer fs.m.Unlock()
	if b < fs.super.dataStart() || b >= fs.super.Blocks {
		fs.log.Error("freeing block outside the data area", "block", b)
		return fmt.Errorf("freeing block %d: %w", b, vfs.ECORRUPT)
	}
	_, held := fs.held[b]
	if held || !fs.freemap.test(int(b)) {
		fs.log.Error("freeing free block", "block", b)
		return fmt.Errorf("freeing free block %d: %w", b, vfs.ECORRUPT)
	}
	if fs.holding {
		fs.held[b] = struct{}{}
		return nil
	}
	fs.clearBlock(b)
	return nil
}

// clearBlock is called with fs.m held.
func (fs *SimpleFileSystem) clearBlock(b uint32) {
	fs.freemap.clear(int(b))
	fs.super.UnusedBlocks++
	fs.mapDirty = true
	fs.superDirty = true
}

// holdFrees parks blocks freed from now on until releaseFrees, so that a
// bitmap written during a sync never frees a block that an inode record
// written earlier in the same sync still points to.
func (fs *SimpleFileSystem) holdFrees() {
	fs.m.Lock()
	fs.holding = true
	if fs.held == nil {
		fs.held = make(map[uint32]struct{})
	}
	fs.m.Unlock()
}

func (fs *SimpleFileSystem) releaseFrees() {
	fs.m.Lock()
	fs.releaseFreesLocked()
	fs.m.Unlock()
}

// releaseFreesLocked is called with fs.m held.
func (fs *SimpleFileSystem) releaseFreesLocked() {
	fs.holding = false
	for b := range fs.held {
		fs.clearBlock(b)
		delete(fs.held, b)
	}
}

// allocInode allocates an inode table slot.
func (fs *SimpleFileSystem) allocInode() (uint32, error) {
	fs.m.Lock()
	defer fs.m.Unlock()
	i := fs.imap.alloc()
	if i == NO_BIT {
		fs.log.Warn("out of inodes", "inodes", fs.super.Ninodes)
		return NO_INODE, vfs.ENOSPC
	}
	fs.super.FreeInodes--
	fs.superDirty = true
	return uint32(i), nil
}

func (fs *SimpleFileSystem) freeInode(inum uint32) error {
	fs.m.Lock()
	defer fs.m.Unlock()
	if inum <= NO_INODE || inum >= fs.super.Ninodes || !fs.imap.test(int(inum)) {
		fs.log.Error("freeing free inode", "inode", inum)
		return fmt.Errorf("freeing free inode %d: %w", inum, vfs.ECORRUPT)
	}
	fs.imap.clear(int(inum))
	fs.super.FreeInodes++
	fs.superDirty = true
	return nil
}

// validData reports whether b may appear as a block pointer.
func (fs *SimpleFileSystem) validData(b uint32) bool {
	return b >= fs.super.dataStart() && b < fs.super.Blocks
}
