// Package vfs defines the capability sets shared by every filesystem
// backend: the storage Device, the FileSystem and the INode. Upper layers
// (path resolution, the foreign call table, the command line tools) depend
// only on these interfaces.
package vfs

// A Device is a random access store of fixed-size blocks.
type Device interface {
	// ReadBlock fills buf (exactly BlockSize bytes) with the contents of
	// block id.
	ReadBlock(id int, buf []byte) error
	// WriteBlock stores buf (exactly BlockSize bytes) as block id.
	WriteBlock(id int, buf []byte) error
	BlockSize() int
	NumBlocks() int
}

// A Syncer is a Device that can force written blocks to stable storage.
type Syncer interface {
	Sync() error
}

type FileSystem interface {
	// Root returns a new reference to the root directory.
	Root() (INode, error)
	// Sync writes every dirty structure back to the device.
	Sync() error
	Info() FsInfo
}

// An INode is one file, directory or symbolic link. Every INode returned
// by a FileSystem or by another INode is a reference owned by the caller,
// which must drop it with Release.
type INode interface {
	ReadAt(offset int64, buf []byte) (int, error)
	WriteAt(offset int64, buf []byte) (int, error)
	Resize(size int64) error
	Metadata() (Metadata, error)
	Sync() error

	// Directory operations, failing with ENOTDIR on anything else.
	Lookup(name string) (INode, error)
	Create(name string, typ FileType) (INode, error)
	Link(name string, target INode) error
	Unlink(name string) error
	Move(oldName string, target INode, newName string) error
	GetEntry(index int) (string, error)
	GetEntryWithMetadata(index int) (string, Metadata, error)
	Entries() ([]string, error)

	FS() FileSystem
	Release() error
}

type FileType uint16

const (
	TypeInvalid FileType = iota
	TypeFile
	TypeDir
	TypeSymLink
)

func (t FileType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDir:
		return "dir"
	case TypeSymLink:
		return "symlink"
	}
	return "invalid"
}

type Metadata struct {
	Inode   uint64
	Type    FileType
	Size    int64
	Nlinks  int
	Blocks  int // data blocks, not counting the indirect block
	BlkSize int
}

type FsInfo struct {
	Bsize   int // block size
	Blocks  int // total blocks
	Bfree   int // free blocks
	Files   int // total inodes
	Ffree   int // free inodes
	Namemax int // maximum name length
}
