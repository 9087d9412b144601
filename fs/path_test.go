package fs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcore-os/rcore-fs/device"
	"github.com/rcore-os/rcore-fs/sfs"
	"github.com/rcore-os/rcore-fs/testutils"
	"github.com/rcore-os/rcore-fs/vfs"
)

func newTestRoot(test *testing.T, blocks int) (*sfs.SimpleFileSystem, vfs.INode) {
	dev := device.NewMemoryDevice(sfs.BLOCK_SIZE, blocks)
	fs, err := sfs.Create(dev)
	if err != nil {
		testutils.FatalHere(test, "Failed when creating filesystem: %s", err)
	}
	root, err := fs.Root()
	if err != nil {
		testutils.FatalHere(test, "Failed when getting root inode: %s", err)
	}
	test.Cleanup(func() { root.Release() })
	return fs, root
}

func mkdir(test *testing.T, root vfs.INode, path string) {
	ip, err := MkdirAll(root, path)
	if err != nil {
		testutils.FatalHere(test, "Failed when making %s: %s", path, err)
	}
	ip.Release()
}

func writeFile(test *testing.T, root vfs.INode, path string, data []byte) {
	ip, err := CreateFile(root, path)
	if err != nil {
		testutils.FatalHere(test, "Failed when creating %s: %s", path, err)
	}
	defer ip.Release()
	if _, err := ip.WriteAt(0, data); err != nil {
		testutils.FatalHere(test, "Failed when writing %s: %s", path, err)
	}
}

func inum(test *testing.T, root vfs.INode, path string) uint64 {
	ip, err := Lookup(root, path)
	if err != nil {
		testutils.FatalHere(test, "Failed when looking up %s: %s", path, err)
	}
	defer ip.Release()
	md, err := ip.Metadata()
	require.NoError(test, err)
	return md.Inode
}

func TestLookupPaths(test *testing.T) {
	_, root := newTestRoot(test, 256)
	mkdir(test, root, "a/b/c")
	writeFile(test, root, "a/b/c/f", []byte("hello"))

	want := inum(test, root, "a/b/c/f")
	for _, path := range []string{
		"/a/b/c/f",
		"a//b/./c/f",
		"a/b/../b/c/f",
		"../../a/b/c/f",
	} {
		assert.Equal(test, want, inum(test, root, path), path)
	}

	rootInum := inum(test, root, "")
	assert.Equal(test, rootInum, inum(test, root, "/"))
	assert.Equal(test, rootInum, inum(test, root, ".."))
	assert.Equal(test, rootInum, inum(test, root, "a/.."))
}

func TestLookupErrors(test *testing.T) {
	_, root := newTestRoot(test, 256)
	mkdir(test, root, "d")
	writeFile(test, root, "d/f", nil)

	_, err := Lookup(root, "d/missing")
	assert.ErrorIs(test, err, vfs.ENOENT)
	_, err = Lookup(root, "d/f/x")
	assert.ErrorIs(test, err, vfs.ENOTDIR)

	_, _, err = LookupParent(root, "d/f/x")
	assert.ErrorIs(test, err, vfs.ENOTDIR)
	_, _, err = LookupParent(root, "/")
	assert.ErrorIs(test, err, vfs.EINVAL)
	_, _, err = LookupParent(root, "d/..")
	assert.ErrorIs(test, err, vfs.EINVAL)

	dirp, name, err := LookupParent(root, "/d/new/")
	require.NoError(test, err)
	defer dirp.Release()
	assert.Equal(test, "new", name)
}

func TestSymlinks(test *testing.T) {
	_, root := newTestRoot(test, 256)
	mkdir(test, root, "a/b")
	writeFile(test, root, "a/b/f", []byte("data"))

	require.NoError(test, Symlink(root, "a/b", "rel"))
	require.NoError(test, Symlink(root, "/a", "abs"))
	require.NoError(test, Symlink(root, "../b/f", "a/b/up"))
	require.NoError(test, Symlink(root, "rel", "chain"))

	want := inum(test, root, "a/b/f")
	assert.Equal(test, want, inum(test, root, "rel/f"))
	assert.Equal(test, want, inum(test, root, "abs/b/f"))
	assert.Equal(test, want, inum(test, root, "a/b/up"))
	assert.Equal(test, want, inum(test, root, "chain/f"))

	ip, err := LookupNoFollow(root, "rel")
	require.NoError(test, err)
	md, err := ip.Metadata()
	require.NoError(test, err)
	assert.Equal(test, vfs.TypeSymLink, md.Type)
	target, err := ReadLink(ip)
	require.NoError(test, err)
	assert.Equal(test, "a/b", target)
	ip.Release()

	// ".." after a followed link is taken from the link's target
	assert.Equal(test, want, inum(test, root, "abs/../a/b/f"))
	assert.Equal(test, want, inum(test, root, "rel/../b/f"))

	dir, err := Lookup(root, "a")
	require.NoError(test, err)
	_, err = ReadLink(dir)
	assert.ErrorIs(test, err, vfs.EINVAL)
	dir.Release()

	assert.ErrorIs(test, Symlink(root, "", "empty"), vfs.EINVAL)
	assert.ErrorIs(test, Symlink(root, "x", "rel"), vfs.EEXIST)
}

func TestSymlinkLoop(test *testing.T) {
	_, root := newTestRoot(test, 256)
	require.NoError(test, Symlink(root, "loop", "loop"))
	require.NoError(test, Symlink(root, "ping", "pong"))
	require.NoError(test, Symlink(root, "pong", "ping"))

	_, err := Lookup(root, "loop")
	assert.True(test, errors.Is(err, ErrTooManyLinks))
	assert.ErrorIs(test, err, vfs.EINVAL)
	_, err = Lookup(root, "ping/x")
	assert.ErrorIs(test, err, ErrTooManyLinks)

	// Without following, the link itself is found
	ip, err := LookupNoFollow(root, "loop")
	require.NoError(test, err)
	ip.Release()

	// A dangling link resolves to nothing
	require.NoError(test, Symlink(root, "nowhere", "dangling"))
	_, err = Lookup(root, "dangling")
	assert.ErrorIs(test, err, vfs.ENOENT)
}
