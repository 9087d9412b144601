package fs

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rcore-os/rcore-fs/vfs"
)

var ErrClosed = errors.New("file already closed")

// A File is an open regular file with a current position. It is safe for
// concurrent use; every operation takes the file's mutex.
type File struct {
	m     sync.Mutex
	pos   int64
	inode vfs.INode // nil once closed
	name  string
}

// Open resolves path and wraps the result. Directories are refused.
func Open(root vfs.INode, path string) (*File, error) {
	ip, err := Lookup(root, path)
	if err != nil {
		return nil, err
	}
	f, err := NewFile(ip, path)
	if err != nil {
		ip.Release()
		return nil, err
	}
	return f, nil
}

// NewFile takes ownership of the reference ip.
func NewFile(ip vfs.INode, name string) (*File, error) {
	md, err := ip.Metadata()
	if err != nil {
		return nil, err
	}
	if md.Type == vfs.TypeDir {
		return nil, fmt.Errorf("%s: %w", name, vfs.EISDIR)
	}
	return &File{inode: ip, name: name}, nil
}

func (f *File) Name() string { return f.name }

func (f *File) Read(buf []byte) (int, error) {
	f.m.Lock()
	defer f.m.Unlock()

	if f.inode == nil {
		return 0, ErrClosed
	}
	n, err := f.inode.ReadAt(f.pos, buf)
	f.pos += int64(n)
	return n, err
}

func (f *File) Write(buf []byte) (int, error) {
	f.m.Lock()
	defer f.m.Unlock()

	if f.inode == nil {
		return 0, ErrClosed
	}
	n, err := f.inode.WriteAt(f.pos, buf)
	f.pos += int64(n)
	return n, err
}

func (f *File) ReadAt(buf []byte, off int64) (int, error) {
	f.m.Lock()
	defer f.m.Unlock()

	if f.inode == nil {
		return 0, ErrClosed
	}
	return f.inode.ReadAt(off, buf)
}

func (f *File) WriteAt(buf []byte, off int64) (int, error) {
	f.m.Lock()
	defer f.m.Unlock()

	if f.inode == nil {
		return 0, ErrClosed
	}
	return f.inode.WriteAt(off, buf)
}

// Seek sets the position for the next Read or Write. Seeking past the end
// is allowed; a later write fills the gap with zeros.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.m.Lock()
	defer f.m.Unlock()

	if f.inode == nil {
		return 0, ErrClosed
	}

	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = f.pos
	case io.SeekEnd:
		md, err := f.inode.Metadata()
		if err != nil {
			return 0, err
		}
		base = md.Size
	default:
		return 0, fmt.Errorf("bad whence %d: %w", whence, vfs.EINVAL)
	}
	if base+offset < 0 {
		return 0, fmt.Errorf("negative position: %w", vfs.EINVAL)
	}
	f.pos = base + offset
	return f.pos, nil
}

// Truncate resizes the file. The position is left alone.
func (f *File) Truncate(size int64) error {
	f.m.Lock()
	defer f.m.Unlock()

	if f.inode == nil {
		return ErrClosed
	}
	return f.inode.Resize(size)
}

func (f *File) Stat() (vfs.Metadata, error) {
	f.m.Lock()
	defer f.m.Unlock()

	if f.inode == nil {
		return vfs.Metadata{}, ErrClosed
	}
	return f.inode.Metadata()
}

func (f *File) Sync() error {
	f.m.Lock()
	defer f.m.Unlock()

	if f.inode == nil {
		return ErrClosed
	}
	return f.inode.Sync()
}

// Close drops the file's reference to its inode.
func (f *File) Close() error {
	f.m.Lock()
	defer f.m.Unlock()

	if f.inode == nil {
		return ErrClosed
	}
	err := f.inode.Release()
	f.inode = nil
	return err
}
