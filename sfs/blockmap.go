package sfs

import (
	"encoding/binary"
	"fmt"

	"github.com/rcore-os/rcore-fs/bcache"
	"github.com/rcore-os/rcore-fs/vfs"
)

// The block map functions are called with the inode locked.

// readMap returns the block holding file block idx, or NO_BLOCK.
func (ip *Inode) readMap(idx int) (uint32, error) {
	fs := ip.fs
	if idx < NDIRECT {
		return ip.checkPointer(ip.disk.Direct[idx], idx)
	}
	excess := idx - NDIRECT
	if excess >= NINDIRECT {
		return NO_BLOCK, fmt.Errorf("file block %d: %w", idx, vfs.EINVAL)
	}

	ind, err := ip.checkPointer(ip.disk.Indirect, -1)
	if err != nil || ind == NO_BLOCK {
		return NO_BLOCK, err
	}
	bp, err := fs.cache.GetBlock(int(ind), bcache.NORMAL)
	if err != nil {
		return NO_BLOCK, err
	}
	bp.RLock()
	b := rd_indir(bp, excess)
	bp.RUnlock()
	fs.cache.PutBlock(bp, bcache.INDIRECT_BLOCK)
	return ip.checkPointer(b, idx)
}

func (ip *Inode) checkPointer(b uint32, idx int) (uint32, error) {
	if b != NO_BLOCK && !ip.fs.validData(b) {
		ip.fs.log.Error("illegal block number",
			"inode", ip.inum,
			"index", idx,
			"block", b,
		)
		return NO_BLOCK, fmt.Errorf("inode %d points at block %d: %w", ip.inum, b, vfs.ECORRUPT)
	}
	return b, nil
}

// writeMap stores b as file block idx, allocating the indirect block on
// first use.
func (ip *Inode) writeMap(idx int, b uint32) error {
	fs := ip.fs
	ip.markDirty()
	if idx < NDIRECT {
		ip.disk.Direct[idx] = b
		return nil
	}
	excess := idx - NDIRECT
	if excess >= NINDIRECT {
		return fmt.Errorf("file block %d: %w", idx, vfs.EINVAL)
	}

	if ip.disk.Indirect == NO_BLOCK {
		if b == NO_BLOCK {
			return nil
		}
		ind, err := fs.allocBlock()
		if err != nil {
			return err
		}
		ip.disk.Indirect = ind
	}
	bp, err := fs.cache.GetBlock(int(ip.disk.Indirect), bcache.NORMAL)
	if err != nil {
		return err
	}
	bp.Lock()
	wr_indir(bp, excess, b)
	bp.Dirty = true
	bp.Unlock()
	fs.cache.PutBlock(bp, bcache.INDIRECT_BLOCK)
	return nil
}

func rd_indir(bp *bcache.CacheBlock, index int) uint32 {
	return binary.LittleEndian.Uint32(bp.Data[index*4:])
}

func wr_indir(bp *bcache.CacheBlock, index int, b uint32) {
	binary.LittleEndian.PutUint32(bp.Data[index*4:], b)
}

// grow allocates zeroed blocks until the file has nblocks of them. On
// failure the file is put back the way it was.
func (ip *Inode) grow(nblocks int) error {
	old := int(ip.disk.Blocks)
	oldIndirect := ip.disk.Indirect
	for idx := old; idx < nblocks; idx++ {
		b, err := ip.fs.allocBlock()
		if err == nil {
			err = ip.writeMap(idx, b)
			if err != nil {
				ip.fs.freeBlock(b)
			}
		}
		if err != nil {
			ip.disk.Blocks = uint32(idx)
			ip.freeBlocks(old)
			if oldIndirect == NO_BLOCK && ip.disk.Indirect != NO_BLOCK {
				ip.fs.freeBlock(ip.disk.Indirect)
				ip.disk.Indirect = NO_BLOCK
			}
			return err
		}
		ip.disk.Blocks = uint32(idx + 1)
	}
	return nil
}

// freeBlocks releases every file block from index keep onwards, and the
// indirect block once nothing is left in it.
func (ip *Inode) freeBlocks(keep int) error {
	var first error
	nblocks := int(ip.disk.Blocks)
	for idx := keep; idx < nblocks; idx++ {
		b, err := ip.readMap(idx)
		if err == nil && b != NO_BLOCK {
			err = ip.fs.freeBlock(b)
		}
		if err == nil && (idx < NDIRECT || keep > NDIRECT) {
			err = ip.writeMap(idx, NO_BLOCK)
		}
		if err != nil && first == nil {
			first = err
		}
	}
	if keep < nblocks {
		ip.disk.Blocks = uint32(keep)
	}

	if keep <= NDIRECT && ip.disk.Indirect != NO_BLOCK {
		if err := ip.fs.freeBlock(ip.disk.Indirect); err != nil && first == nil {
			first = err
		}
		ip.disk.Indirect = NO_BLOCK
	}
	ip.markDirty()
	return first
}

// clearTail zeroes the bytes between the current size and the end of the
// last block, so that growing the file never exposes old data.
func (ip *Inode) clearTail() error {
	size := int(ip.disk.Size)
	off := size % BLOCK_SIZE
	if off == 0 {
		return nil
	}
	b, err := ip.readMap(size / BLOCK_SIZE)
	if err != nil || b == NO_BLOCK {
		return err
	}
	bp, err := ip.fs.cache.GetBlock(int(b), bcache.NORMAL)
	if err != nil {
		return err
	}
	bp.Lock()
	clear(bp.Data[off:])
	bp.Dirty = true
	bp.Unlock()
	ip.fs.cache.PutBlock(bp, bcache.PARTIAL_DATA_BLOCK)
	return nil
}

// resize changes the size of the file, allocating or freeing blocks so
// that exactly ceil(size/BLOCK_SIZE) of them remain.
func (ip *Inode) resize(size int64) error {
	if size < 0 || size > MAX_FILE_SIZE {
		return fmt.Errorf("size %d: %w", size, vfs.EINVAL)
	}
	nblocks := int((size + BLOCK_SIZE - 1) / BLOCK_SIZE)
	if size > int64(ip.disk.Size) {
		if err := ip.clearTail(); err != nil {
			return err
		}
		if err := ip.grow(nblocks); err != nil {
			return err
		}
	} else if err := ip.freeBlocks(nblocks); err != nil {
		return err
	}
	ip.disk.Size = uint32(size)
	ip.markDirty()
	return nil
}
