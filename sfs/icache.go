package sfs

import (
	"fmt"
	"runtime"
	"slices"
	"sync"
	"weak"

	"github.com/rcore-os/rcore-fs/bcache"
	"github.com/rcore-os/rcore-fs/vfs"
)

// The inode table maps inode numbers to in-memory inodes. It only holds
// weak references: an inode stays alive while some caller holds it or
// while it has changes that have not been written back, and the slot is
// dropped once the garbage collector reclaims it.
//
// Lock order: an inode lock may be held while taking the table mutex or
// the dirty set mutex, never the other way around.
type inodeTable struct {
	fs *SimpleFileSystem

	m     sync.Mutex // guards slots and Inode.count
	slots map[uint32]*cacheSlot

	dm    sync.Mutex
	dirty map[uint32]*Inode // strong references until written back
}

type cacheSlot struct {
	inode weak.Pointer[Inode]
	ready chan struct{} // non-nil while the record is being loaded
}

func newInodeTable(fs *SimpleFileSystem) *inodeTable {
	return &inodeTable{
		fs:    fs,
		slots: make(map[uint32]*cacheSlot),
		dirty: make(map[uint32]*Inode),
	}
}

// get returns a counted reference to an inode, loading its record on a
// miss. Concurrent callers for the same inode share a single load.
func (t *inodeTable) get(inum uint32) (*Inode, error) {
	for {
		t.m.Lock()
		if slot, ok := t.slots[inum]; ok {
			if slot.ready != nil {
				ready := slot.ready
				t.m.Unlock()
				<-ready
				continue
			}
			if ip := slot.inode.Value(); ip != nil {
				ip.count++
				t.m.Unlock()
				return ip, nil
			}
			delete(t.slots, inum)
		}

		// Claim the slot so that nobody else loads the same record
		slot := &cacheSlot{ready: make(chan struct{})}
		t.slots[inum] = slot
		t.m.Unlock()

		disk, err := t.fs.readInode(inum)

		t.m.Lock()
		ready := slot.ready
		slot.ready = nil
		if err != nil {
			delete(t.slots, inum)
			t.m.Unlock()
			close(ready)
			return nil, err
		}
		ip := t.install(slot, inum, disk)
		t.m.Unlock()
		close(ready)
		return ip, nil
	}
}

// add installs a freshly allocated inode. The new record is dirty.
func (t *inodeTable) add(inum uint32, disk DiskInode) *Inode {
	t.m.Lock()
	ip := t.install(&cacheSlot{}, inum, disk)
	t.slots[inum] = ip.slot
	t.m.Unlock()

	ip.Lock()
	ip.markDirty()
	ip.Unlock()
	return ip
}

// install is called with t.m held.
func (t *inodeTable) install(slot *cacheSlot, inum uint32, disk DiskInode) *Inode {
	ip := &Inode{
		inum:  inum,
		fs:    t.fs,
		disk:  disk,
		count: 1,
		slot:  slot,
	}
	slot.inode = weak.Make(ip)
	runtime.AddCleanup(ip, t.forget, cleanupArg{inum, slot})
	return ip
}

type cleanupArg struct {
	inum uint32
	slot *cacheSlot
}

// forget drops a slot whose inode has been garbage collected.
func (t *inodeTable) forget(arg cleanupArg) {
	t.m.Lock()
	if t.slots[arg.inum] == arg.slot {
		delete(t.slots, arg.inum)
	}
	t.m.Unlock()
}

// put drops a reference. When the last reference to an inode with no
// links goes away, the inode and its blocks are reclaimed.
func (t *inodeTable) put(ip *Inode) error {
	t.m.Lock()
	if ip.count <= 0 {
		t.m.Unlock()
		return fmt.Errorf("releasing unreferenced inode %d: %w", ip.inum, vfs.EINVAL)
	}
	ip.count--
	last := ip.count == 0
	t.m.Unlock()
	if !last {
		return nil
	}

	ip.RLock()
	nlinks := ip.disk.Nlinks
	ip.RUnlock()
	if nlinks > 0 {
		return nil
	}

	t.m.Lock()
	if ip.count > 0 {
		// Somebody picked it up again in the meantime
		t.m.Unlock()
		return nil
	}
	if t.slots[ip.inum] == ip.slot {
		delete(t.slots, ip.inum)
	}
	t.m.Unlock()
	return t.fs.reclaim(ip)
}

// dup adds a reference to an inode the caller already holds.
func (t *inodeTable) dup(ip *Inode) *Inode {
	t.m.Lock()
	ip.count++
	t.m.Unlock()
	return ip
}

// markDirty is called with ip locked.
func (t *inodeTable) markDirty(ip *Inode) {
	t.dm.Lock()
	t.dirty[ip.inum] = ip
	t.dm.Unlock()
}

// clean is called with ip locked.
func (t *inodeTable) clean(ip *Inode) {
	t.dm.Lock()
	if t.dirty[ip.inum] == ip {
		delete(t.dirty, ip.inum)
	}
	t.dm.Unlock()
}

// flushAll writes every dirty inode record into the block cache, in inode
// order, and returns the number written.
func (t *inodeTable) flushAll() (int, error) {
	t.dm.Lock()
	list := make([]*Inode, 0, len(t.dirty))
	for _, ip := range t.dirty {
		list = append(list, ip)
	}
	t.dm.Unlock()
	slices.SortFunc(list, func(a, b *Inode) int {
		return int(a.inum) - int(b.inum)
	})

	n := 0
	for _, ip := range list {
		ip.Lock()
		err := ip.writeBack()
		ip.Unlock()
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// refs returns the number of references to a cached inode.
func (t *inodeTable) refs(inum uint32) int {
	t.m.Lock()
	defer t.m.Unlock()
	if slot, ok := t.slots[inum]; ok {
		if ip := slot.inode.Value(); ip != nil {
			return ip.count
		}
	}
	return 0
}

// busy returns the number of inodes with outstanding references.
func (t *inodeTable) busy() int {
	t.m.Lock()
	defer t.m.Unlock()
	n := 0
	for _, slot := range t.slots {
		if ip := slot.inode.Value(); ip != nil && ip.count > 0 {
			n++
		}
	}
	return n
}

// readInode fetches an inode record from the inode table.
func (fs *SimpleFileSystem) readInode(inum uint32) (DiskInode, error) {
	fs.m.Lock()
	ok := inum != NO_INODE && inum < fs.super.Ninodes
	fs.m.Unlock()
	if !ok {
		return DiskInode{}, fmt.Errorf("inode %d out of range: %w", inum, vfs.ECORRUPT)
	}

	bnum, off := fs.super.inodeLocation(inum)
	bp, err := fs.cache.GetBlock(bnum, bcache.NORMAL)
	if err != nil {
		return DiskInode{}, fmt.Errorf("loading inode %d: %w", inum, err)
	}
	bp.RLock()
	disk, err := decodeInode(bp.Data[off:])
	bp.RUnlock()
	fs.cache.PutBlock(bp, bcache.INODE_BLOCK)
	if err != nil {
		return DiskInode{}, fmt.Errorf("decoding inode %d: %v: %w", inum, err, vfs.ECORRUPT)
	}
	return disk, nil
}

// writeInode copies an inode record into its inode table block.
func (fs *SimpleFileSystem) writeInode(inum uint32, disk *DiskInode) error {
	bnum, off := fs.super.inodeLocation(inum)
	bp, err := fs.cache.GetBlock(bnum, bcache.NORMAL)
	if err != nil {
		return fmt.Errorf("writing inode %d: %w", inum, err)
	}
	bp.Lock()
	err = disk.encode(bp.Data[off:])
	bp.Dirty = true
	bp.Unlock()
	fs.cache.PutBlock(bp, bcache.INODE_BLOCK)
	return err
}

// reclaim returns the blocks and the table slot of an inode that has no
// links and no references left.
func (fs *SimpleFileSystem) reclaim(ip *Inode) error {
	ip.Lock()
	err := ip.resize(0)
	ip.disk = DiskInode{}
	if werr := fs.writeInode(ip.inum, &ip.disk); err == nil {
		err = werr
	}
	ip.dirty = false
	fs.itable.clean(ip)
	ip.Unlock()

	if ferr := fs.freeInode(ip.inum); err == nil {
		err = ferr
	}
	fs.log.Debug("reclaimed inode", "inode", ip.inum, "error", err)
	return err
}
