// Package shim exposes the filesystem to a host that cannot call Go
// interfaces. The host sees a table of plain functions, opaque handles
// for every filesystem and inode, and integer return codes. Memory handed
// back to the host comes from its own allocator, diagnostics go to its
// own log, and no failure escapes a call as a panic.
package shim

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"

	rdebug "github.com/rcore-os/rcore-fs/debug"
	"github.com/rcore-os/rcore-fs/fs"
	"github.com/rcore-os/rcore-fs/sfs"
	"github.com/rcore-os/rcore-fs/vfs"
)

// DIRENT_SIZE is the stride of the offsets used by GetDirEntry.
const DIRENT_SIZE = 256

var (
	errBadHandle = errors.New("bad handle")
	errPanic     = errors.New("recovered panic")
)

// A Handle names a mounted filesystem or an inode reference. Zero is never
// a valid handle.
type Handle uint32

type handleEntry struct {
	fs    *sfs.SimpleFileSystem // set for filesystem handles
	inode vfs.INode             // set for inode handles
	owner Handle                // filesystem an inode handle belongs to
}

// Ops is the call table handed to the host.
type Ops struct {
	Format  func(dev *DeviceDesc, fsStore *Handle) int32
	Mount   func(dev *DeviceDesc, fsStore *Handle) int32
	Unmount func(fs Handle) int32
	Root    func(fs Handle, inodeStore *Handle) int32
	FsSync  func(fs Handle) int32
	FsInfo  func(fs Handle, info *Info) int32

	Read        func(ip Handle, buf *IoBuf) int32
	Write       func(ip Handle, buf *IoBuf) int32
	Fstat       func(ip Handle, st *Stat) int32
	Fsync       func(ip Handle) int32
	GetDirEntry func(ip Handle, buf *IoBuf) int32
	ListEntries func(ip Handle, out *[]byte) int32
	Reclaim     func(ip Handle) int32
	GetType     func(ip Handle, typeStore *uint32) int32
	TrySeek     func(ip Handle, pos int32) int32
	Truncate    func(ip Handle, length int32) int32
	Create      func(dir Handle, name []byte, mode uint32, excl bool, inodeStore *Handle) int32
	Lookup      func(dir Handle, path []byte, inodeStore *Handle) int32
	Link        func(dir Handle, name []byte, target Handle) int32
	Unlink      func(dir Handle, name []byte) int32
	Rename      func(dir Handle, oldName []byte, target Handle, newName []byte) int32
}

type Shim struct {
	host  Host
	log   *rdebug.Logger
	abort bool
	fsopt []sfs.Option

	m       sync.Mutex // guards handles and next
	handles map[Handle]*handleEntry
	next    Handle
}

type Option func(*Shim)

// WithLogLevel sets the lowest level passed to Host.Log.
func WithLogLevel(level slog.Level) Option {
	return func(s *Shim) {
		s.log = rdebug.NewLogger(newHostHandler(s.host.Log, level))
	}
}

// AbortOnPanic makes a recovered panic call Host.Abort before the call
// returns E_PANIC.
func AbortOnPanic() Option {
	return func(s *Shim) {
		s.abort = true
	}
}

// WithFSOptions passes extra options to every Format and Mount.
func WithFSOptions(opts ...sfs.Option) Option {
	return func(s *Shim) {
		s.fsopt = append(s.fsopt, opts...)
	}
}

func New(host Host, opts ...Option) *Shim {
	s := &Shim{
		host:    host,
		handles: make(map[Handle]*handleEntry),
	}
	s.log = rdebug.NewLogger(newHostHandler(host.Log, slog.LevelInfo))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Table returns the call table bound to s.
func (s *Shim) Table() *Ops {
	return &Ops{
		Format:      s.format,
		Mount:       s.mount,
		Unmount:     s.unmount,
		Root:        s.root,
		FsSync:      s.fsSync,
		FsInfo:      s.fsInfo,
		Read:        s.read,
		Write:       s.write,
		Fstat:       s.fstat,
		Fsync:       s.fsync,
		GetDirEntry: s.getDirEntry,
		ListEntries: s.listEntries,
		Reclaim:     s.reclaim,
		GetType:     s.getType,
		TrySeek:     s.trySeek,
		Truncate:    s.truncate,
		Create:      s.create,
		Lookup:      s.lookup,
		Link:        s.link,
		Unlink:      s.unlink,
		Rename:      s.rename,
	}
}

// Open returns the number of live handles.
func (s *Shim) Open() int {
	s.m.Lock()
	defer s.m.Unlock()
	return len(s.handles)
}

// guard runs fn, turning a panic into E_PANIC.
func (s *Shim) guard(op string, fn func() error) (code int32) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("%s: %v", op, r)
			s.log.Error("recovered panic", "op", op, "panic", r, "stack", string(debug.Stack()))
			if s.abort && s.host.Abort != nil {
				s.host.Abort(msg)
			}
			code = E_PANIC
		}
	}()
	err := fn()
	if err != nil {
		s.log.Debug("call failed", "op", op, "error", err)
	}
	return Code(err)
}

func (s *Shim) insert(e *handleEntry) Handle {
	s.m.Lock()
	defer s.m.Unlock()
	for {
		s.next++
		if s.next != 0 && s.handles[s.next] == nil {
			break
		}
	}
	s.handles[s.next] = e
	return s.next
}

func (s *Shim) lookupHandle(h Handle) (*handleEntry, error) {
	s.m.Lock()
	defer s.m.Unlock()
	e := s.handles[h]
	if e == nil {
		return nil, fmt.Errorf("handle %d: %w", h, errBadHandle)
	}
	return e, nil
}

func (s *Shim) fsHandle(h Handle) (*sfs.SimpleFileSystem, error) {
	e, err := s.lookupHandle(h)
	if err != nil {
		return nil, err
	}
	if e.fs == nil {
		return nil, fmt.Errorf("handle %d is not a filesystem: %w", h, errBadHandle)
	}
	return e.fs, nil
}

func (s *Shim) inodeHandle(h Handle) (*handleEntry, error) {
	e, err := s.lookupHandle(h)
	if err != nil {
		return nil, err
	}
	if e.inode == nil {
		return nil, fmt.Errorf("handle %d is not an inode: %w", h, errBadHandle)
	}
	return e, nil
}

// newInode wraps a reference taken on behalf of the host. A nil store
// drops the reference again.
func (s *Shim) newInode(owner Handle, ip vfs.INode, store *Handle) error {
	if store == nil {
		ip.Release()
		return fmt.Errorf("nil handle store: %w", vfs.EINVAL)
	}
	*store = s.insert(&handleEntry{inode: ip, owner: owner})
	return nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func (s *Shim) format(desc *DeviceDesc, store *Handle) int32 {
	return s.guard("format", func() error {
		return s.attach(desc, store, sfs.Create)
	})
}

func (s *Shim) mount(desc *DeviceDesc, store *Handle) int32 {
	return s.guard("mount", func() error {
		return s.attach(desc, store, sfs.Open)
	})
}

func (s *Shim) attach(desc *DeviceDesc, store *Handle,
	open func(vfs.Device, ...sfs.Option) (*sfs.SimpleFileSystem, error)) error {
	if desc == nil || desc.Read == nil || desc.Write == nil || store == nil {
		return fmt.Errorf("incomplete device description: %w", vfs.EINVAL)
	}
	opts := append([]sfs.Option{sfs.WithLogger(s.log)}, s.fsopt...)
	fsys, err := open(hostDevice{desc: desc}, opts...)
	if err != nil {
		return err
	}
	*store = s.insert(&handleEntry{fs: fsys})
	return nil
}

// unmount drops every inode handle still open on the filesystem before
// unmounting it.
func (s *Shim) unmount(h Handle) int32 {
	return s.guard("unmount", func() error {
		fsys, err := s.fsHandle(h)
		if err != nil {
			return err
		}
		var stale []vfs.INode
		s.m.Lock()
		for ih, e := range s.handles {
			if e.owner == h {
				stale = append(stale, e.inode)
				delete(s.handles, ih)
			}
		}
		delete(s.handles, h)
		s.m.Unlock()

		if len(stale) > 0 {
			s.log.Warn("unmount with open inodes", "count", len(stale))
		}
		for _, ip := range stale {
			ip.Release()
		}
		return fsys.Unmount()
	})
}

func (s *Shim) root(h Handle, store *Handle) int32 {
	return s.guard("root", func() error {
		fsys, err := s.fsHandle(h)
		if err != nil {
			return err
		}
		root, err := fsys.Root()
		if err != nil {
			return err
		}
		return s.newInode(h, root, store)
	})
}

func (s *Shim) fsSync(h Handle) int32 {
	return s.guard("fs sync", func() error {
		fsys, err := s.fsHandle(h)
		if err != nil {
			return err
		}
		return fsys.Sync()
	})
}

func (s *Shim) fsInfo(h Handle, info *Info) int32 {
	return s.guard("fs info", func() error {
		fsys, err := s.fsHandle(h)
		if err != nil {
			return err
		}
		fi := fsys.Info()
		*info = Info{
			Bsize:   uint32(fi.Bsize),
			Blocks:  uint32(fi.Blocks),
			Bfree:   uint32(fi.Bfree),
			Files:   uint32(fi.Files),
			Ffree:   uint32(fi.Ffree),
			Namemax: uint32(fi.Namemax),
		}
		return nil
	})
}

func (s *Shim) read(h Handle, buf *IoBuf) int32 {
	return s.guard("read", func() error {
		e, err := s.inodeHandle(h)
		if err != nil {
			return err
		}
		out, err := buf.window()
		if err != nil {
			return err
		}
		n, err := e.inode.ReadAt(int64(buf.Offset), out)
		buf.skip(n)
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	})
}

func (s *Shim) write(h Handle, buf *IoBuf) int32 {
	return s.guard("write", func() error {
		e, err := s.inodeHandle(h)
		if err != nil {
			return err
		}
		out, err := buf.window()
		if err != nil {
			return err
		}
		n, err := e.inode.WriteAt(int64(buf.Offset), out)
		buf.skip(n)
		return err
	})
}

func (s *Shim) fstat(h Handle, st *Stat) int32 {
	return s.guard("fstat", func() error {
		e, err := s.inodeHandle(h)
		if err != nil {
			return err
		}
		md, err := e.inode.Metadata()
		if err != nil {
			return err
		}
		*st = Stat{
			Mode:   modeOf(md.Type),
			Nlinks: uint32(md.Nlinks),
			Blocks: uint32(md.Blocks),
			Size:   uint32(md.Size),
		}
		return nil
	})
}

func (s *Shim) fsync(h Handle) int32 {
	return s.guard("fsync", func() error {
		e, err := s.inodeHandle(h)
		if err != nil {
			return err
		}
		return e.inode.Sync()
	})
}

// getDirEntry copies the name of entry Offset/DIRENT_SIZE, NUL-terminated,
// and moves the buffer on to the next entry.
func (s *Shim) getDirEntry(h Handle, buf *IoBuf) int32 {
	return s.guard("getdirentry", func() error {
		e, err := s.inodeHandle(h)
		if err != nil {
			return err
		}
		if buf.Offset < 0 || buf.Offset%DIRENT_SIZE != 0 {
			return fmt.Errorf("entry offset %d: %w", buf.Offset, vfs.EINVAL)
		}
		out, err := buf.window()
		if err != nil {
			return err
		}
		if len(out) < DIRENT_SIZE {
			return fmt.Errorf("buffer of %d bytes: %w", len(out), vfs.EINVAL)
		}
		name, err := e.inode.GetEntry(int(buf.Offset / DIRENT_SIZE))
		if err != nil {
			return err
		}
		clear(out[:DIRENT_SIZE])
		copy(out, name)
		buf.skip(DIRENT_SIZE)
		return nil
	})
}

// listEntries stores every name in the directory, each NUL-terminated, in
// memory from Host.Alloc, which the host frees. It returns the count.
func (s *Shim) listEntries(h Handle, out *[]byte) int32 {
	var count int
	code := s.guard("list entries", func() error {
		e, err := s.inodeHandle(h)
		if err != nil {
			return err
		}
		names, err := e.inode.Entries()
		if err != nil {
			return err
		}
		size := 0
		for _, name := range names {
			size += len(name) + 1
		}
		buf := s.host.alloc(size)
		if len(buf) < size {
			s.host.free(buf)
			return fmt.Errorf("host allocation of %d bytes failed: %w", size, vfs.ENOSPC)
		}
		pos := 0
		for _, name := range names {
			pos += copy(buf[pos:], name)
			buf[pos] = 0
			pos++
		}
		*out = buf[:size]
		count = len(names)
		return nil
	})
	if code != E_OK {
		return code
	}
	return int32(count)
}

// reclaim drops the host's reference and retires the handle.
func (s *Shim) reclaim(h Handle) int32 {
	return s.guard("reclaim", func() error {
		s.m.Lock()
		e := s.handles[h]
		if e == nil || e.inode == nil {
			s.m.Unlock()
			return fmt.Errorf("handle %d: %w", h, errBadHandle)
		}
		delete(s.handles, h)
		s.m.Unlock()
		return e.inode.Release()
	})
}

func (s *Shim) getType(h Handle, store *uint32) int32 {
	return s.guard("gettype", func() error {
		e, err := s.inodeHandle(h)
		if err != nil {
			return err
		}
		md, err := e.inode.Metadata()
		if err != nil {
			return err
		}
		*store = modeOf(md.Type)
		return nil
	})
}

// trySeek checks that pos is a usable position, growing the file to it if
// it lies past the end.
func (s *Shim) trySeek(h Handle, pos int32) int32 {
	return s.guard("tryseek", func() error {
		e, err := s.inodeHandle(h)
		if err != nil {
			return err
		}
		if pos < 0 {
			return fmt.Errorf("seek to %d: %w", pos, vfs.EINVAL)
		}
		md, err := e.inode.Metadata()
		if err != nil {
			return err
		}
		if int64(pos) > md.Size {
			return e.inode.Resize(int64(pos))
		}
		return nil
	})
}

func (s *Shim) truncate(h Handle, length int32) int32 {
	return s.guard("truncate", func() error {
		e, err := s.inodeHandle(h)
		if err != nil {
			return err
		}
		if length < 0 {
			return fmt.Errorf("truncate to %d: %w", length, vfs.EINVAL)
		}
		return e.inode.Resize(int64(length))
	})
}

// create makes name in dir with the type given by mode. Without excl an
// existing entry of the same type is returned instead.
func (s *Shim) create(h Handle, name []byte, mode uint32, excl bool, store *Handle) int32 {
	return s.guard("create", func() error {
		e, err := s.inodeHandle(h)
		if err != nil {
			return err
		}
		typ := typeOf(mode)
		if typ == vfs.TypeInvalid {
			return fmt.Errorf("mode %#o: %w", mode, vfs.EINVAL)
		}
		n := cstring(name)
		ip, err := e.inode.Create(n, typ)
		if errors.Is(err, vfs.EEXIST) && !excl {
			if ip, err = e.inode.Lookup(n); err == nil {
				var md vfs.Metadata
				if md, err = ip.Metadata(); err == nil && md.Type != typ {
					err = fmt.Errorf("%q is a %s: %w", n, md.Type, vfs.EEXIST)
				}
				if err != nil {
					ip.Release()
				}
			}
		}
		if err != nil {
			return err
		}
		return s.newInode(e.owner, ip, store)
	})
}

// lookup resolves a slash-separated path relative to dir, following
// symbolic links.
func (s *Shim) lookup(h Handle, path []byte, store *Handle) int32 {
	return s.guard("lookup", func() error {
		e, err := s.inodeHandle(h)
		if err != nil {
			return err
		}
		root, err := e.inode.FS().Root()
		if err != nil {
			return err
		}
		defer root.Release()
		ip, err := fs.LookupAt(root, e.inode, cstring(path))
		if err != nil {
			return err
		}
		return s.newInode(e.owner, ip, store)
	})
}

func (s *Shim) link(h Handle, name []byte, target Handle) int32 {
	return s.guard("link", func() error {
		e, err := s.inodeHandle(h)
		if err != nil {
			return err
		}
		t, err := s.inodeHandle(target)
		if err != nil {
			return err
		}
		return e.inode.Link(cstring(name), t.inode)
	})
}

func (s *Shim) unlink(h Handle, name []byte) int32 {
	return s.guard("unlink", func() error {
		e, err := s.inodeHandle(h)
		if err != nil {
			return err
		}
		return e.inode.Unlink(cstring(name))
	})
}

func (s *Shim) rename(h Handle, oldName []byte, target Handle, newName []byte) int32 {
	return s.guard("rename", func() error {
		e, err := s.inodeHandle(h)
		if err != nil {
			return err
		}
		t, err := s.inodeHandle(target)
		if err != nil {
			return err
		}
		return e.inode.Move(cstring(oldName), t.inode, cstring(newName))
	})
}
