package sfs

import (
	"errors"
	"fmt"
	"math"

	"github.com/rcore-os/rcore-fs/bcache"
	"github.com/rcore-os/rcore-fs/vfs"
)

type dirop int

const (
	LOOKUP   dirop = iota // search for 'name' and return inode # in 'inum'
	ENTER                 // add 'name' to the directory listing with inode # 'inum'
	DELETE                // remove 'name' from the directory listing
	IS_EMPTY              // return nil if only . and .. are in the dir, else ENOTEMPTY
)

// search_dir steps through the entries of a directory, one block at a
// time. It is called with dirp locked; for LOOKUP and IS_EMPTY a read lock
// is enough.
func (dirp *Inode) search_dir(name string, inum *uint32, op dirop) error {
	cache := dirp.fs.cache
	nslots := int(dirp.disk.Size / DIRENT_SIZE)
	free := -1 // first free slot, for the benefit of ENTER

	slot := 0
	for idx := 0; slot < nslots; idx++ {
		b, err := dirp.readMap(idx)
		if err == nil && b == NO_BLOCK {
			err = fmt.Errorf("directory %d has a hole: %w", dirp.inum, vfs.ECORRUPT)
		}
		if err != nil {
			return err
		}
		bp, err := cache.GetBlock(int(b), bcache.NORMAL)
		if err != nil {
			return err
		}
		if op == DELETE {
			bp.Lock()
		} else {
			bp.RLock()
		}

		var found error
		done := false
		for i := 0; i < DIRENTS_PER_BLOCK && slot < nslots; i, slot = i+1, slot+1 {
			ent := bp.Data[i*DIRENT_SIZE : (i+1)*DIRENT_SIZE]
			id := direntInum(ent)
			if id == NO_INODE {
				if free < 0 {
					free = slot
				}
				continue
			}
			ename := direntName(ent)
			if op == IS_EMPTY {
				if ename != "." && ename != ".." {
					found, done = vfs.ENOTEMPTY, true
					break
				}
				continue
			}
			if ename != name {
				continue
			}
			switch op {
			case ENTER:
				found = fmt.Errorf("%q: %w", name, vfs.EEXIST)
			case DELETE:
				*inum = id
				putDirent(ent, NO_INODE, "")
				bp.Dirty = true
			default:
				*inum = id
			}
			done = true
			break
		}

		if op == DELETE {
			bp.Unlock()
		} else {
			bp.RUnlock()
		}
		cache.PutBlock(bp, bcache.DIRECTORY_BLOCK)
		if done {
			return found
		}
	}

	// The whole directory has now been searched
	switch op {
	case IS_EMPTY:
		return nil
	case LOOKUP, DELETE:
		return fmt.Errorf("%q: %w", name, vfs.ENOENT)
	}

	// ENTER: use the first free slot or append a new one, which may extend
	// the directory by a block
	if free < 0 {
		free = nslots
	}
	var ent [DIRENT_SIZE]byte
	putDirent(ent[:], *inum, name)
	_, err := dirp.write(int64(free)*DIRENT_SIZE, ent[:])
	return err
}

// entries calls fn for every live entry, in directory order, until fn
// returns false.
func (dirp *Inode) entries(fn func(name string, inum uint32) bool) error {
	cache := dirp.fs.cache
	nslots := int(dirp.disk.Size / DIRENT_SIZE)
	slot := 0
	for idx := 0; slot < nslots; idx++ {
		b, err := dirp.readMap(idx)
		if err == nil && b == NO_BLOCK {
			err = fmt.Errorf("directory %d has a hole: %w", dirp.inum, vfs.ECORRUPT)
		}
		if err != nil {
			return err
		}
		bp, err := cache.GetBlock(int(b), bcache.NORMAL)
		if err != nil {
			return err
		}
		bp.RLock()
		more := true
		for i := 0; i < DIRENTS_PER_BLOCK && slot < nslots && more; i, slot = i+1, slot+1 {
			ent := bp.Data[i*DIRENT_SIZE : (i+1)*DIRENT_SIZE]
			if id := direntInum(ent); id != NO_INODE {
				more = fn(direntName(ent), id)
			}
		}
		bp.RUnlock()
		cache.PutBlock(bp, bcache.DIRECTORY_BLOCK)
		if !more {
			break
		}
	}
	return nil
}

// checkDir is called with dirp locked.
func (dirp *Inode) checkDir() error {
	if !dirp.isDir() {
		return vfs.ENOTDIR
	}
	if dirp.disk.Nlinks == 0 {
		return fmt.Errorf("directory %d has been removed: %w", dirp.inum, vfs.ENOENT)
	}
	return nil
}

// sameFS returns the sfs inode behind other, which must live on this
// filesystem.
func (ip *Inode) sameFS(other vfs.INode) (*Inode, error) {
	o, ok := other.(*Inode)
	if !ok || o.fs != ip.fs {
		return nil, vfs.EXDEV
	}
	return o, nil
}

func (ip *Inode) addLink() error {
	if ip.disk.Nlinks == math.MaxUint16 {
		return fmt.Errorf("inode %d has too many links: %w", ip.inum, vfs.EINVAL)
	}
	ip.disk.Nlinks++
	ip.markDirty()
	return nil
}

func (ip *Inode) dropLink() {
	if ip.disk.Nlinks > 0 {
		ip.disk.Nlinks--
	}
	ip.markDirty()
}

// Lookup finds name in the directory, "." and ".." included.
func (dirp *Inode) Lookup(name string) (vfs.INode, error) {
	if len(name) > MAX_NAME_LEN {
		return nil, fmt.Errorf("name of %d bytes: %w", len(name), vfs.ENAMETOOLONG)
	}
	dirp.RLock()
	defer dirp.RUnlock()
	if err := dirp.checkDir(); err != nil {
		return nil, err
	}
	var inum uint32
	if err := dirp.search_dir(name, &inum, LOOKUP); err != nil {
		return nil, err
	}
	// The entry cannot go away while the directory is locked
	if inum == dirp.inum {
		return dirp.fs.itable.dup(dirp), nil
	}
	return dirp.fs.itable.get(inum)
}

// Create makes a new file, directory or symbolic link in the directory.
func (dirp *Inode) Create(name string, typ vfs.FileType) (vfs.INode, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	switch typ {
	case vfs.TypeFile, vfs.TypeDir, vfs.TypeSymLink:
	default:
		return nil, fmt.Errorf("file type %v: %w", typ, vfs.EINVAL)
	}

	dirp.Lock()
	defer dirp.Unlock()
	if err := dirp.checkDir(); err != nil {
		return nil, err
	}
	var inum uint32
	if err := dirp.search_dir(name, &inum, LOOKUP); err == nil {
		return nil, fmt.Errorf("%q: %w", name, vfs.EEXIST)
	} else if !isNotFound(err) {
		return nil, err
	}

	inum, err := dirp.fs.allocInode()
	if err != nil {
		return nil, err
	}
	child := dirp.fs.itable.add(inum, DiskInode{Type: uint16(typ)})
	child.Lock()
	parentLinked := false
	err = child.addLink()
	if err == nil && typ == vfs.TypeDir {
		err = child.initDir(dirp)
		parentLinked = err == nil
	}
	if err == nil {
		err = dirp.search_dir(name, &inum, ENTER)
	}
	if err != nil {
		// Undo, and let Release reclaim the child
		if parentLinked {
			dirp.dropLink()
		}
		child.disk.Nlinks = 0
		child.Unlock()
		child.Release()
		return nil, err
	}
	child.Unlock()
	return child, nil
}

// initDir writes the "." and ".." entries of a new directory. Both ip and
// parent are locked by the caller.
func (ip *Inode) initDir(parent *Inode) error {
	inum := ip.inum
	if err := ip.search_dir(".", &inum, ENTER); err != nil {
		return err
	}
	if err := ip.addLink(); err != nil {
		return err
	}
	inum = parent.inum
	if err := ip.search_dir("..", &inum, ENTER); err != nil {
		return err
	}
	return parent.addLink()
}

// Link adds name as another entry for target, which must be a file or a
// symbolic link on the same filesystem.
func (dirp *Inode) Link(name string, target vfs.INode) error {
	t, err := dirp.sameFS(target)
	if err != nil {
		return err
	}
	if err := checkName(name); err != nil {
		return err
	}
	if t == dirp {
		return vfs.EISDIR
	}

	dirp.Lock()
	defer dirp.Unlock()
	if err := dirp.checkDir(); err != nil {
		return err
	}
	t.Lock()
	defer t.Unlock()
	if t.isDir() {
		return vfs.EISDIR
	}
	if t.disk.Nlinks == 0 {
		return fmt.Errorf("inode %d has been removed: %w", t.inum, vfs.ENOENT)
	}
	if t.disk.Nlinks == math.MaxUint16 {
		return fmt.Errorf("inode %d has too many links: %w", t.inum, vfs.EINVAL)
	}
	inum := t.inum
	if err := dirp.search_dir(name, &inum, ENTER); err != nil {
		return err
	}
	return t.addLink()
}

// Unlink removes name from the directory. Directories must be empty. The
// inode is reclaimed once its last link and last reference are gone.
func (dirp *Inode) Unlink(name string) error {
	if name == "." || name == ".." {
		return fmt.Errorf("%q: %w", name, vfs.EISDIR)
	}
	if err := checkName(name); err != nil {
		return err
	}

	dirp.Lock()
	child, err := dirp.unlinkLocked(name)
	dirp.Unlock()
	if err != nil {
		return err
	}
	return child.Release()
}

func (dirp *Inode) unlinkLocked(name string) (*Inode, error) {
	if err := dirp.checkDir(); err != nil {
		return nil, err
	}
	var inum uint32
	if err := dirp.search_dir(name, &inum, LOOKUP); err != nil {
		return nil, err
	}
	child, err := dirp.fs.itable.get(inum)
	if err != nil {
		return nil, err
	}

	child.Lock()
	if child.isDir() {
		err = child.search_dir("", nil, IS_EMPTY)
	}
	if err == nil {
		err = dirp.search_dir(name, &inum, DELETE)
	}
	if err == nil {
		child.dropLink()
		if child.isDir() {
			child.dropLink() // "."
			dirp.dropLink()  // ".."
		}
	}
	child.Unlock()
	if err != nil {
		child.Release()
		return nil, err
	}
	return child, nil
}

// Move renames oldName in this directory to newName in target. A
// directory may not be moved below itself, and newName must not exist.
func (dirp *Inode) Move(oldName string, target vfs.INode, newName string) error {
	t, err := dirp.sameFS(target)
	if err != nil {
		return err
	}
	if err := checkName(oldName); err != nil {
		return err
	}
	if err := checkName(newName); err != nil {
		return err
	}

	fs := dirp.fs
	fs.renameMu.Lock()
	defer fs.renameMu.Unlock()

	dirp.RLock()
	err = dirp.checkDir()
	var inum uint32
	if err == nil {
		err = dirp.search_dir(oldName, &inum, LOOKUP)
	}
	var child *Inode
	if err == nil {
		child, err = fs.itable.get(inum)
	}
	dirp.RUnlock()
	if err != nil {
		return err
	}
	defer child.Release()

	child.RLock()
	isDir := child.isDir()
	child.RUnlock()

	if t == dirp {
		if oldName == newName {
			return nil
		}
		dirp.Lock()
		defer dirp.Unlock()
		if err := dirp.checkDir(); err != nil {
			return err
		}
		if err := dirp.search_dir(newName, &inum, ENTER); err != nil {
			return err
		}
		var old uint32
		return dirp.search_dir(oldName, &old, DELETE)
	}

	t.RLock()
	targetDir := t.isDir()
	t.RUnlock()
	if !targetDir {
		return vfs.ENOTDIR
	}
	if isDir {
		if err := child.isAncestorOf(t); err != nil {
			return err
		}
	}

	// Enter the new name first, so a failure leaves the old one in place
	t.Lock()
	err = t.checkDir()
	if err == nil {
		err = t.search_dir(newName, &inum, ENTER)
	}
	if err == nil && isDir {
		err = t.addLink()
		if err != nil {
			var dummy uint32
			t.search_dir(newName, &dummy, DELETE)
		}
	}
	t.Unlock()
	if err != nil {
		return err
	}

	dirp.Lock()
	var old uint32
	err = dirp.search_dir(oldName, &old, LOOKUP)
	if err == nil && old != child.inum {
		err = fmt.Errorf("%q changed during rename: %w", oldName, vfs.ENOENT)
	}
	if err == nil {
		err = dirp.search_dir(oldName, &old, DELETE)
	}
	if err == nil && isDir {
		dirp.dropLink()
	}
	dirp.Unlock()
	if err != nil {
		t.Lock()
		var dummy uint32
		t.search_dir(newName, &dummy, DELETE)
		if isDir {
			t.dropLink()
		}
		t.Unlock()
		return err
	}

	if isDir {
		child.Lock()
		defer child.Unlock()
		parent := t.inum
		var dummy uint32
		if err := child.search_dir("..", &dummy, DELETE); err != nil {
			return err
		}
		return child.search_dir("..", &parent, ENTER)
	}
	return nil
}

// isAncestorOf fails with EINVAL if ip is dir or one of its ancestors.
func (ip *Inode) isAncestorOf(dir *Inode) error {
	fs := ip.fs
	cur := fs.itable.dup(dir)
	defer func() { cur.Release() }()
	for {
		if cur.inum == ip.inum {
			return fmt.Errorf("moving directory %d below itself: %w", ip.inum, vfs.EINVAL)
		}
		if cur.inum == ROOT_INODE {
			return nil
		}
		var parent uint32
		cur.RLock()
		err := cur.search_dir("..", &parent, LOOKUP)
		cur.RUnlock()
		if err != nil {
			return err
		}
		next, err := fs.itable.get(parent)
		if err != nil {
			return err
		}
		cur.Release()
		cur = next
	}
}

// Entries lists the names in the directory, "." and ".." included.
func (dirp *Inode) Entries() ([]string, error) {
	dirp.RLock()
	defer dirp.RUnlock()
	if err := dirp.checkDir(); err != nil {
		return nil, err
	}
	var names []string
	err := dirp.entries(func(name string, _ uint32) bool {
		names = append(names, name)
		return true
	})
	return names, err
}

// GetEntry returns the name of the index'th live entry.
func (dirp *Inode) GetEntry(index int) (string, error) {
	dirp.RLock()
	defer dirp.RUnlock()
	name, _, err := dirp.entryAt(index)
	return name, err
}

// GetEntryWithMetadata returns the name of entry index together with the
// metadata of the inode it names.
func (dirp *Inode) GetEntryWithMetadata(index int) (string, vfs.Metadata, error) {
	dirp.RLock()
	name, inum, err := dirp.entryAt(index)
	var ip *Inode
	if err == nil {
		// The entry cannot go away while the directory is locked
		ip, err = dirp.fs.itable.get(inum)
	}
	dirp.RUnlock()
	if err != nil {
		return "", vfs.Metadata{}, err
	}
	defer ip.Release()
	md, err := ip.Metadata()
	return name, md, err
}

// entryAt is called with dirp locked.
func (dirp *Inode) entryAt(index int) (string, uint32, error) {
	if index < 0 {
		return "", NO_INODE, fmt.Errorf("entry %d: %w", index, vfs.EINVAL)
	}
	if err := dirp.checkDir(); err != nil {
		return "", NO_INODE, err
	}
	var found string
	var inum uint32
	n := 0
	err := dirp.entries(func(name string, i uint32) bool {
		if n == index {
			found, inum = name, i
			return false
		}
		n++
		return true
	})
	if err != nil {
		return "", NO_INODE, err
	}
	if n != index || found == "" {
		return "", NO_INODE, fmt.Errorf("entry %d: %w", index, vfs.ENOENT)
	}
	return found, inum, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, vfs.ENOENT)
}
