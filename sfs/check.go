package sfs

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/rcore-os/rcore-fs/vfs"
)

// A Report is the outcome of a consistency check.
type Report struct {
	Blocks      uint64            // blocks in use, metadata included
	Inodes      uint64            // inodes reachable from the root
	Leaked      []uint32          // marked allocated but referenced by nothing
	Missing     []uint32          // referenced but marked free
	Duplicate   []uint32          // referenced more than once
	BadPointers int               // block pointers outside the data area
	BadEntries  int               // directory entries naming free or invalid inodes
	Unreachable []uint32          // allocated inodes no directory refers to
	LinkCounts  map[uint32][2]int // recorded and counted links, where they differ
	FreeBlocks  [2]uint32         // superblock and bitmap free block counts
	FreeInodes  [2]uint32         // superblock and inode map free inode counts
}

// Clean reports whether no problem was found.
func (r *Report) Clean() bool {
	return len(r.Leaked) == 0 && len(r.Missing) == 0 && len(r.Duplicate) == 0 &&
		r.BadPointers == 0 && r.BadEntries == 0 && len(r.Unreachable) == 0 &&
		len(r.LinkCounts) == 0 && r.FreeBlocks[0] == r.FreeBlocks[1] &&
		r.FreeInodes[0] == r.FreeInodes[1]
}

func (r *Report) String() string {
	return fmt.Sprintf("%d blocks, %d inodes, %d leaked, %d missing, %d duplicate, "+
		"%d bad pointers, %d bad entries, %d unreachable, %d bad link counts",
		r.Blocks, r.Inodes, len(r.Leaked), len(r.Missing), len(r.Duplicate),
		r.BadPointers, r.BadEntries, len(r.Unreachable), len(r.LinkCounts))
}

type checker struct {
	fs     *SimpleFileSystem
	r      *Report
	blocks *roaring.Bitmap // referenced blocks
	dups   *roaring.Bitmap
	inodes *roaring.Bitmap // reachable inodes
	links  map[uint32]int  // directory entries naming each inode
	nlinks map[uint32]int  // link counts of the inodes visited
}

// Check walks the directory tree from the root and compares what it finds
// with the free block bitmap, the inode map and the link counts. It should
// run on a quiet filesystem; concurrent changes show up as false reports.
func (fs *SimpleFileSystem) Check() (*Report, error) {
	sb := fs.Super()
	c := &checker{
		fs:     fs,
		r:      &Report{LinkCounts: make(map[uint32][2]int)},
		blocks: roaring.New(),
		dups:   roaring.New(),
		inodes: roaring.New(),
		links:  make(map[uint32]int),
		nlinks: make(map[uint32]int),
	}
	c.blocks.AddRange(0, uint64(sb.dataStart()))

	c.inodes.Add(ROOT_INODE)
	queue := []uint32{ROOT_INODE}
	for len(queue) > 0 {
		inum := queue[0]
		queue = queue[1:]
		next, err := c.visit(inum)
		if err != nil {
			return nil, err
		}
		queue = append(queue, next...)
	}

	// Inodes that are allocated but not in the tree. Unlinked inodes that
	// are still open are in use.
	fs.m.Lock()
	var allocated []uint32
	for i := ROOT_INODE + 1; i < int(sb.Ninodes); i++ {
		if fs.imap.test(i) && !c.inodes.Contains(uint32(i)) {
			allocated = append(allocated, uint32(i))
		}
	}
	fs.m.Unlock()
	unreachable := roaring.New()
	for _, inum := range allocated {
		if fs.itable.refs(inum) > 0 {
			if _, err := c.visit(inum); err != nil {
				return nil, err
			}
			continue
		}
		unreachable.Add(inum)
	}

	// Compare with the bitmap
	fs.m.Lock()
	marked := roaring.New()
	for b := 0; b < int(sb.Blocks); b++ {
		if fs.freemap.test(b) {
			marked.Add(uint32(b))
		}
	}
	c.r.FreeBlocks = [2]uint32{fs.super.UnusedBlocks, sb.Blocks - uint32(marked.GetCardinality())}
	c.r.FreeInodes = [2]uint32{fs.super.FreeInodes, sb.Ninodes - uint32(fs.imap.count())}
	fs.m.Unlock()

	c.r.Blocks = c.blocks.GetCardinality()
	c.r.Inodes = c.inodes.GetCardinality()
	c.r.Leaked = roaring.AndNot(marked, c.blocks).ToArray()
	c.r.Missing = roaring.AndNot(c.blocks, marked).ToArray()
	c.r.Duplicate = c.dups.ToArray()
	c.r.Unreachable = unreachable.ToArray()
	for inum, nlinks := range c.nlinks {
		if nlinks != c.links[inum] {
			c.r.LinkCounts[inum] = [2]int{nlinks, c.links[inum]}
		}
	}

	if !c.r.Clean() {
		fs.log.Warn("consistency check failed", "report", c.r.String())
	}
	return c.r, nil
}

// visit records the blocks and the link count of one inode and, for a
// directory, its entries. It returns the inodes to visit next.
func (c *checker) visit(inum uint32) ([]uint32, error) {
	ip, err := c.fs.itable.get(inum)
	if err != nil {
		return nil, err
	}
	defer ip.Release()
	ip.RLock()
	defer ip.RUnlock()

	if ip.disk.Indirect != NO_BLOCK {
		c.addBlock(ip.disk.Indirect)
	}
	for idx := 0; idx < int(ip.disk.Blocks); idx++ {
		b, err := ip.readMap(idx)
		if errors.Is(err, vfs.ECORRUPT) {
			c.r.BadPointers++
			continue
		}
		if err != nil {
			return nil, err
		}
		if b != NO_BLOCK {
			c.addBlock(b)
		}
	}
	c.nlinks[inum] = int(ip.disk.Nlinks)
	if !ip.isDir() {
		return nil, nil
	}

	var next []uint32
	err = ip.entries(func(name string, id uint32) bool {
		if !c.inUse(id) {
			c.r.BadEntries++
			return true
		}
		c.links[id]++
		if name != "." && name != ".." && c.inodes.CheckedAdd(id) {
			next = append(next, id)
		}
		return true
	})
	if err != nil && !errors.Is(err, vfs.ECORRUPT) {
		return nil, err
	}
	return next, nil
}

func (c *checker) addBlock(b uint32) {
	if !c.fs.validData(b) {
		c.r.BadPointers++
		return
	}
	if !c.blocks.CheckedAdd(b) {
		c.dups.Add(b)
	}
}

func (c *checker) inUse(inum uint32) bool {
	c.fs.m.Lock()
	defer c.fs.m.Unlock()
	return inum != NO_INODE && inum < c.fs.super.Ninodes && c.fs.imap.test(int(inum))
}

// Repair reclaims unreachable inodes, returns leaked blocks to the free
// pool and resets the free counts. These are the leftovers of an
// interrupted sync. Missing and duplicate blocks are not repaired.
func (fs *SimpleFileSystem) Repair(r *Report) (int, error) {
	fixed := 0
	for _, inum := range r.Unreachable {
		ip, err := fs.itable.get(inum)
		if err != nil {
			return fixed, err
		}
		ip.Lock()
		ip.disk.Nlinks = 0
		ip.markDirty()
		ip.Unlock()
		if err := ip.Release(); err != nil {
			return fixed, err
		}
		fixed++
	}

	// Reclaiming may have freed some of the leaked blocks already
	r, err := fs.Check()
	if err != nil {
		return fixed, err
	}
	for _, b := range r.Leaked {
		if err := fs.freeBlock(b); err != nil {
			return fixed, err
		}
		fixed++
	}

	fs.m.Lock()
	free := fs.super.Blocks - uint32(fs.freemap.count())
	ifree := fs.super.Ninodes - uint32(fs.imap.count())
	if free != fs.super.UnusedBlocks || ifree != fs.super.FreeInodes {
		fs.super.UnusedBlocks = free
		fs.super.FreeInodes = ifree
		fs.superDirty = true
		fixed++
	}
	fs.m.Unlock()

	if fixed > 0 {
		fs.log.Info("repaired filesystem", "fixes", fixed)
	}
	return fixed, fs.Sync()
}
