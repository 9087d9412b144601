// Package sfs implements the Simple File System: a superblock, a free block
// bitmap, a table of fixed-size inodes with twelve direct pointers and one
// indirect pointer, and directories made of fixed-size entries. All device
// access goes through an LRU block cache.
package sfs

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/rcore-os/rcore-fs/bcache"
	"github.com/rcore-os/rcore-fs/debug"
	"github.com/rcore-os/rcore-fs/vfs"
)

const (
	DefaultCacheSlots = 128
	DefaultCacheHash  = 64
)

type SimpleFileSystem struct {
	dev    vfs.Device
	cache  *bcache.LRUCache
	log    *debug.Logger
	itable *inodeTable

	m          sync.Mutex // guards everything below
	super      SuperBlock
	freemap    *bitmap // one bit per block
	imap       *bitmap // one bit per inode slot
	superDirty bool
	mapDirty   bool

	// While a sync has written inode records but not yet the bitmap,
	// freed blocks stay allocated on the map and are parked here.
	holding bool
	held    map[uint32]struct{}

	renameMu sync.Mutex // serializes Move
	syncMu   sync.Mutex // serializes Sync

	opts options
}

type options struct {
	log        *debug.Logger
	cacheSlots int
	cacheHash  int
	ninodes    uint32
	label      string
}

type Option func(*options)

func WithLogger(log *debug.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithCacheSize sets the number of block cache slots and the size of its
// hash table, which must be a power of two.
func WithCacheSize(slots, hash int) Option {
	return func(o *options) {
		o.cacheSlots = slots
		o.cacheHash = hash
	}
}

// WithInodes sets the number of inode slots created by Create.
func WithInodes(n int) Option {
	return func(o *options) {
		o.ninodes = uint32(n)
	}
}

// WithLabel sets the volume label written by Create.
func WithLabel(label string) Option {
	return func(o *options) {
		o.label = label
	}
}

func newFileSystem(dev vfs.Device, opts []Option) (*SimpleFileSystem, error) {
	o := options{
		log:        debug.NoopLogger(),
		cacheSlots: DefaultCacheSlots,
		cacheHash:  DefaultCacheHash,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if dev.BlockSize() != BLOCK_SIZE {
		return nil, fmt.Errorf("device block size %d, need %d: %w", dev.BlockSize(), BLOCK_SIZE, vfs.EINVAL)
	}

	cache, err := bcache.NewLRUCache(dev, o.cacheSlots, o.cacheHash, bcache.WithLogger(o.log))
	if err != nil {
		return nil, err
	}
	fs := &SimpleFileSystem{
		dev:   dev,
		cache: cache,
		log:   o.log,
		opts:  o,
	}
	fs.itable = newInodeTable(fs)
	return fs, nil
}

// Create formats dev with an empty filesystem holding only the root
// directory, and returns it mounted.
func Create(dev vfs.Device, opts ...Option) (*SimpleFileSystem, error) {
	fs, err := newFileSystem(dev, opts)
	if err != nil {
		return nil, err
	}

	blocks := uint32(dev.NumBlocks())
	ninodes := fs.opts.ninodes
	if ninodes == 0 {
		ninodes = defaultInodes(blocks)
	}
	if ninodes <= ROOT_INODE {
		return nil, fmt.Errorf("%d inodes: %w", ninodes, vfs.EINVAL)
	}
	freemapBlocks, tableBlocks := geometry(blocks, ninodes)
	if 1+freemapBlocks+tableBlocks+1 > blocks {
		return nil, fmt.Errorf("%d blocks is too small for %d inodes: %w", blocks, ninodes, vfs.ENOSPC)
	}
	if len(fs.opts.label) >= LABEL_SIZE {
		return nil, fmt.Errorf("label %q: %w", fs.opts.label, vfs.ENAMETOOLONG)
	}

	fs.super = SuperBlock{
		Magic:            SFS_MAGIC,
		Blocks:           blocks,
		BlockSize:        BLOCK_SIZE,
		FreemapBlocks:    freemapBlocks,
		InodeTableStart:  1 + freemapBlocks,
		InodeTableBlocks: tableBlocks,
		Ninodes:          ninodes,
		RootInode:        ROOT_INODE,
		UUID:             uuid.New(),
	}
	copy(fs.super.Label[:], fs.opts.label)

	// Superblock, bitmap and inode table are allocated from the start
	fs.freemap = newBitmap(int(blocks))
	for b := 0; b < int(fs.super.dataStart()); b++ {
		fs.freemap.set(b)
	}
	fs.freemap.search = int(fs.super.dataStart())
	fs.imap = newBitmap(int(ninodes))
	fs.imap.set(NO_INODE)
	fs.imap.search = ROOT_INODE
	fs.super.UnusedBlocks = blocks - fs.super.dataStart()
	fs.super.FreeInodes = ninodes - 1
	fs.superDirty = true
	fs.mapDirty = true

	// Empty inode table
	for i := uint32(0); i < tableBlocks; i++ {
		bp, err := fs.cache.GetBlock(int(fs.super.InodeTableStart+i), bcache.NO_READ)
		if err != nil {
			return nil, err
		}
		bp.Lock()
		clear(bp.Data)
		bp.Dirty = true
		bp.Unlock()
		fs.cache.PutBlock(bp, bcache.INODE_BLOCK)
	}

	// The root directory is its own parent
	inum, err := fs.allocInode()
	if err != nil {
		return nil, err
	}
	if inum != ROOT_INODE {
		return nil, fmt.Errorf("root allocated as inode %d: %w", inum, vfs.ECORRUPT)
	}
	root := fs.itable.add(inum, DiskInode{Type: uint16(vfs.TypeDir)})
	root.Lock()
	err = root.initDir(root)
	root.Unlock()
	if err != nil {
		return nil, err
	}
	if err := root.Release(); err != nil {
		return nil, err
	}

	if err := fs.Sync(); err != nil {
		return nil, err
	}
	fs.log.Info("created filesystem",
		"blocks", blocks,
		"inodes", ninodes,
		"uuid", fs.super.UUID.String(),
	)
	return fs, nil
}

// Open mounts the filesystem stored on dev. The superblock must carry the
// right magic number and a layout that fits the device.
func Open(dev vfs.Device, opts ...Option) (*SimpleFileSystem, error) {
	fs, err := newFileSystem(dev, opts)
	if err != nil {
		return nil, err
	}

	bp, err := fs.cache.GetBlock(0, bcache.NORMAL)
	if err != nil {
		return nil, err
	}
	bp.RLock()
	fs.super, err = decodeSuper(bp.Data)
	bp.RUnlock()
	fs.cache.PutBlock(bp, bcache.SUPER_BLOCK)
	if err != nil {
		return nil, err
	}
	if err := fs.super.validate(dev); err != nil {
		fs.log.Error("mount failed", "error", err)
		return nil, err
	}

	// Load the free block bitmap
	fs.freemap = newBitmap(int(fs.super.Blocks))
	for i := uint32(0); i < fs.super.FreemapBlocks; i++ {
		bp, err := fs.cache.GetBlock(int(1+i), bcache.NORMAL)
		if err != nil {
			return nil, err
		}
		bp.RLock()
		fs.freemap.load(int(i)*BITS_PER_BLOCK, bp.Data)
		bp.RUnlock()
		fs.cache.PutBlock(bp, bcache.MAP_BLOCK)
	}
	fs.freemap.trim()
	for b := 0; b < int(fs.super.dataStart()); b++ {
		if !fs.freemap.test(b) {
			return nil, fmt.Errorf("metadata block %d marked free: %w", b, vfs.ECORRUPT)
		}
	}
	fs.freemap.search = int(fs.super.dataStart())

	// Rebuild the inode map from the inode table. Records that are in use
	// but have no links were still open at the last unmount.
	var orphans []uint32
	fs.imap = newBitmap(int(fs.super.Ninodes))
	fs.imap.set(NO_INODE)
	for i := uint32(0); i < fs.super.InodeTableBlocks; i++ {
		bp, err := fs.cache.GetBlock(int(fs.super.InodeTableStart+i), bcache.NORMAL)
		if err != nil {
			return nil, err
		}
		bp.RLock()
		for j := uint32(0); j < INODES_PER_BLOCK; j++ {
			inum := i*INODES_PER_BLOCK + j
			if inum == NO_INODE || inum >= fs.super.Ninodes {
				continue
			}
			d, err := decodeInode(bp.Data[j*INODE_SIZE:])
			if err != nil || d.Type == uint16(vfs.TypeInvalid) {
				continue
			}
			fs.imap.set(int(inum))
			if d.Nlinks == 0 && inum != ROOT_INODE {
				orphans = append(orphans, inum)
			}
		}
		bp.RUnlock()
		fs.cache.PutBlock(bp, bcache.INODE_BLOCK)
	}
	fs.imap.search = ROOT_INODE
	if !fs.imap.test(ROOT_INODE) {
		return nil, fmt.Errorf("root inode is free: %w", vfs.ECORRUPT)
	}

	// The bitmap is written before the superblock, so after an interrupted
	// sync the counters may lag behind; the maps win.
	if free := fs.super.Blocks - uint32(fs.freemap.count()); free != fs.super.UnusedBlocks {
		fs.log.Warn("free block count mismatch, using bitmap",
			"superblock", fs.super.UnusedBlocks,
			"bitmap", free,
		)
		fs.super.UnusedBlocks = free
		fs.superDirty = true
	}
	if free := fs.super.Ninodes - uint32(fs.imap.count()); free != fs.super.FreeInodes {
		fs.log.Warn("free inode count mismatch, using inode table",
			"superblock", fs.super.FreeInodes,
			"table", free,
		)
		fs.super.FreeInodes = free
		fs.superDirty = true
	}

	root, err := fs.itable.get(ROOT_INODE)
	if err != nil {
		return nil, err
	}
	defer root.Release()
	if root.disk.fileType() != vfs.TypeDir {
		return nil, fmt.Errorf("root inode is a %v: %w", root.disk.fileType(), vfs.ECORRUPT)
	}

	if len(orphans) > 0 {
		if err := fs.reclaimOrphans(orphans); err != nil {
			return nil, err
		}
	}

	fs.log.Debug("mounted filesystem",
		"blocks", fs.super.Blocks,
		"free", fs.super.UnusedBlocks,
		"uuid", fs.super.UUID.String(),
	)
	return fs, nil
}

// reclaimOrphans frees inodes that lost their last link while still open.
// Nobody can hold them across a remount, so dropping the reference taken
// here reclaims them.
func (fs *SimpleFileSystem) reclaimOrphans(orphans []uint32) error {
	for _, inum := range orphans {
		ip, err := fs.itable.get(inum)
		if err != nil {
			return err
		}
		if err := ip.Release(); err != nil {
			return fmt.Errorf("reclaiming inode %d: %w", inum, err)
		}
	}
	fs.log.Info("reclaimed orphaned inodes", "inodes", len(orphans))
	return fs.Sync()
}

// Root returns a reference to the root directory.
func (fs *SimpleFileSystem) Root() (vfs.INode, error) {
	return fs.itable.get(ROOT_INODE)
}

// Inode returns a reference to an inode by number.
func (fs *SimpleFileSystem) Inode(inum uint32) (*Inode, error) {
	fs.m.Lock()
	ok := inum != NO_INODE && inum < fs.super.Ninodes && fs.imap.test(int(inum))
	fs.m.Unlock()
	if !ok {
		return nil, fmt.Errorf("inode %d: %w", inum, vfs.ENOENT)
	}
	return fs.itable.get(inum)
}

// Sync writes the filesystem back to the device in dependency order:
// dirty inodes and the blocks they reference, then the free block bitmap,
// then the superblock. An interrupted sync can leak blocks but never leaves
// a referenced block marked free.
func (fs *SimpleFileSystem) Sync() error {
	fs.syncMu.Lock()
	defer fs.syncMu.Unlock()

	fs.holdFrees()
	n, err := fs.itable.flushAll()
	if err == nil {
		err = fs.cache.Sync()
	}
	if err == nil {
		err = fs.flushFreemap()
	}
	fs.releaseFrees()
	if err == nil {
		err = fs.flushSuper()
	}
	if err == nil {
		err = fs.cache.Sync()
	}
	_, dirty, _ := fs.cache.Stats()
	fs.log.LogSync(n, dirty, err)
	return err
}

func (fs *SimpleFileSystem) flushFreemap() error {
	fs.m.Lock()
	if !fs.mapDirty {
		fs.m.Unlock()
		return nil
	}
	bits := fs.freemap.snapshot()
	fs.mapDirty = false
	fs.releaseFreesLocked()
	fs.m.Unlock()

	for i := 0; i < int(fs.super.FreemapBlocks); i++ {
		err := fs.writeMetaBlock(1+i, func(data []byte) error {
			clear(data)
			if lo := i * BLOCK_SIZE; lo < len(bits) {
				copy(data, bits[lo:])
			}
			return nil
		}, bcache.MAP_BLOCK)
		if err != nil {
			fs.m.Lock()
			fs.mapDirty = true
			fs.m.Unlock()
			return err
		}
	}
	return nil
}

func (fs *SimpleFileSystem) flushSuper() error {
	fs.m.Lock()
	if !fs.superDirty {
		fs.m.Unlock()
		return nil
	}
	sb := fs.super
	fs.superDirty = false
	fs.m.Unlock()

	err := fs.writeMetaBlock(0, func(data []byte) error {
		clear(data)
		return sb.encode(data)
	}, bcache.SUPER_BLOCK)
	if err != nil {
		fs.m.Lock()
		fs.superDirty = true
		fs.m.Unlock()
	}
	return err
}

// writeMetaBlock rewrites a whole metadata block and writes it through to
// the device.
func (fs *SimpleFileSystem) writeMetaBlock(bnum int, fill func([]byte) error, btype bcache.BlockType) error {
	bp, err := fs.cache.GetBlock(bnum, bcache.NO_READ)
	if err != nil {
		return err
	}
	bp.Lock()
	err = fill(bp.Data)
	bp.Dirty = true
	bp.Unlock()
	fs.cache.PutBlock(bp, btype)
	if err != nil {
		return err
	}
	return fs.cache.Flush(bnum)
}

// Unmount syncs the filesystem. Inodes still referenced by callers stay
// usable, but are reported.
func (fs *SimpleFileSystem) Unmount() error {
	if err := fs.Sync(); err != nil {
		return err
	}
	if busy := fs.itable.busy(); busy > 0 {
		fs.log.Warn("unmounting with inodes in use", "inodes", busy)
	}
	fs.cache.Invalidate()
	return nil
}

func (fs *SimpleFileSystem) Info() vfs.FsInfo {
	fs.m.Lock()
	defer fs.m.Unlock()
	return vfs.FsInfo{
		Bsize:   BLOCK_SIZE,
		Blocks:  int(fs.super.Blocks),
		Bfree:   int(fs.super.UnusedBlocks),
		Files:   int(fs.super.Ninodes) - 1,
		Ffree:   int(fs.super.FreeInodes),
		Namemax: MAX_NAME_LEN,
	}
}

// Super returns a copy of the in-memory superblock.
func (fs *SimpleFileSystem) Super() SuperBlock {
	fs.m.Lock()
	defer fs.m.Unlock()
	return fs.super
}

func (fs *SimpleFileSystem) Device() vfs.Device { return fs.dev }

func (fs *SimpleFileSystem) Cache() *bcache.LRUCache { return fs.cache }
