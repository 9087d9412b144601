package sfs

import (
	"fmt"
	"io"
	"sync"

	"github.com/rcore-os/rcore-fs/bcache"
	"github.com/rcore-os/rcore-fs/vfs"
)

// An Inode is the in-memory form of one file, directory or symbolic link.
// Every reference handed out by the filesystem is counted and must be
// given back with Release.
type Inode struct {
	sync.RWMutex // guards disk and dirty

	inum  uint32
	fs    *SimpleFileSystem
	disk  DiskInode
	dirty bool

	count int // references, guarded by the inode table mutex
	slot  *cacheSlot
}

var _ vfs.INode = (*Inode)(nil)

func (ip *Inode) Inum() uint32 { return ip.inum }

func (ip *Inode) FS() vfs.FileSystem { return ip.fs }

// markDirty is called with ip locked.
func (ip *Inode) markDirty() {
	ip.dirty = true
	ip.fs.itable.markDirty(ip)
}

// writeBack copies a dirty record into the inode table. Called with ip
// locked.
func (ip *Inode) writeBack() error {
	if !ip.dirty {
		ip.fs.itable.clean(ip)
		return nil
	}
	if err := ip.fs.writeInode(ip.inum, &ip.disk); err != nil {
		return err
	}
	ip.dirty = false
	ip.fs.itable.clean(ip)
	return nil
}

func (ip *Inode) isDir() bool {
	return ip.disk.fileType() == vfs.TypeDir
}

func (ip *Inode) Metadata() (vfs.Metadata, error) {
	ip.RLock()
	defer ip.RUnlock()
	return vfs.Metadata{
		Inode:   uint64(ip.inum),
		Type:    ip.disk.fileType(),
		Size:    int64(ip.disk.Size),
		Nlinks:  int(ip.disk.Nlinks),
		Blocks:  int(ip.disk.Blocks),
		BlkSize: BLOCK_SIZE,
	}, nil
}

// ReadAt reads from the file at offset. Fewer bytes than requested come
// back together with io.EOF.
func (ip *Inode) ReadAt(offset int64, buf []byte) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("offset %d: %w", offset, vfs.EINVAL)
	}
	ip.RLock()
	defer ip.RUnlock()
	if ip.isDir() {
		return 0, vfs.EISDIR
	}
	n, err := ip.read(offset, buf)
	if err == nil && n < len(buf) {
		err = io.EOF
	}
	return n, err
}

// WriteAt writes to the file at offset, growing it as needed.
func (ip *Inode) WriteAt(offset int64, buf []byte) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("offset %d: %w", offset, vfs.EINVAL)
	}
	ip.Lock()
	defer ip.Unlock()
	if ip.isDir() {
		return 0, vfs.EISDIR
	}
	return ip.write(offset, buf)
}

func (ip *Inode) Resize(size int64) error {
	ip.Lock()
	defer ip.Unlock()
	if ip.isDir() {
		return vfs.EISDIR
	}
	return ip.resize(size)
}

// Sync writes the inode record and then the whole filesystem.
func (ip *Inode) Sync() error {
	ip.Lock()
	err := ip.writeBack()
	ip.Unlock()
	if err != nil {
		return err
	}
	return ip.fs.Sync()
}

// Release gives back a reference obtained from the filesystem.
func (ip *Inode) Release() error {
	return ip.fs.itable.put(ip)
}

// read copies file data into buf, stopping at the end of the file.
func (ip *Inode) read(offset int64, buf []byte) (int, error) {
	size := int64(ip.disk.Size)
	if offset >= size {
		return 0, nil
	}
	if int64(len(buf)) > size-offset {
		buf = buf[:size-offset]
	}

	cache := ip.fs.cache
	n := 0
	for n < len(buf) {
		pos := offset + int64(n)
		off := int(pos % BLOCK_SIZE)
		chunk := min(BLOCK_SIZE-off, len(buf)-n)

		b, err := ip.readMap(int(pos / BLOCK_SIZE))
		if err != nil {
			return n, err
		}
		if b == NO_BLOCK {
			clear(buf[n : n+chunk])
			n += chunk
			continue
		}
		bp, err := cache.GetBlock(int(b), bcache.NORMAL)
		if err != nil {
			return n, err
		}
		bp.RLock()
		copy(buf[n:n+chunk], bp.Data[off:])
		bp.RUnlock()
		if off+chunk == BLOCK_SIZE {
			cache.PutBlock(bp, bcache.FULL_DATA_BLOCK)
		} else {
			cache.PutBlock(bp, bcache.PARTIAL_DATA_BLOCK)
		}
		n += chunk
	}
	return n, nil
}

// write copies buf into the file, allocating blocks up to the new end
// first.
func (ip *Inode) write(offset int64, buf []byte) (int, error) {
	end := offset + int64(len(buf))
	if end > MAX_FILE_SIZE {
		return 0, fmt.Errorf("write to %d past the maximum file size: %w", end, vfs.EINVAL)
	}
	if end > int64(ip.disk.Size) {
		if err := ip.resize(end); err != nil {
			return 0, err
		}
	}

	cache := ip.fs.cache
	n := 0
	for n < len(buf) {
		pos := offset + int64(n)
		off := int(pos % BLOCK_SIZE)
		chunk := min(BLOCK_SIZE-off, len(buf)-n)

		b, err := ip.readMap(int(pos / BLOCK_SIZE))
		if err == nil && b == NO_BLOCK {
			err = fmt.Errorf("inode %d has a hole at %d: %w", ip.inum, pos, vfs.ECORRUPT)
		}
		if err != nil {
			return n, err
		}

		// A whole block need not be read in
		mode := bcache.NORMAL
		if chunk == BLOCK_SIZE {
			mode = bcache.NO_READ
		}
		bp, err := cache.GetBlock(int(b), mode)
		if err != nil {
			return n, err
		}
		bp.Lock()
		copy(bp.Data[off:], buf[n:n+chunk])
		bp.Dirty = true
		bp.Unlock()
		if off+chunk == BLOCK_SIZE {
			cache.PutBlock(bp, bcache.FULL_DATA_BLOCK)
		} else {
			cache.PutBlock(bp, bcache.PARTIAL_DATA_BLOCK)
		}
		n += chunk
	}
	return n, nil
}
