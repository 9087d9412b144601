package sfs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/rcore-os/rcore-fs/device"
	"github.com/rcore-os/rcore-fs/testutils"
	"github.com/rcore-os/rcore-fs/vfs"
)

func newTestFS(test *testing.T, blocks int, opts ...Option) (*SimpleFileSystem, *device.MemoryDevice) {
	dev := device.NewMemoryDevice(BLOCK_SIZE, blocks)
	fs, err := Create(dev, opts...)
	if err != nil {
		testutils.FatalHere(test, "Failed when creating filesystem: %s", err)
	}
	return fs, dev
}

func rootDir(test *testing.T, fs *SimpleFileSystem) *Inode {
	root, err := fs.Root()
	if err != nil {
		testutils.FatalHere(test, "Failed when getting root inode: %s", err)
	}
	return root.(*Inode)
}

func create(test *testing.T, dir *Inode, name string, typ vfs.FileType) *Inode {
	ip, err := dir.Create(name, typ)
	if err != nil {
		testutils.FatalHere(test, "Failed when creating %q: %s", name, err)
	}
	return ip.(*Inode)
}

func lookup(test *testing.T, dir *Inode, name string) *Inode {
	ip, err := dir.Lookup(name)
	if err != nil {
		testutils.FatalHere(test, "Failed when looking up %q: %s", name, err)
	}
	return ip.(*Inode)
}

func metadata(test *testing.T, ip vfs.INode) vfs.Metadata {
	md, err := ip.Metadata()
	if err != nil {
		testutils.FatalHere(test, "Failed when getting metadata: %s", err)
	}
	return md
}

// checkFreeCount verifies that the allocation maps and the superblock
// counters agree.
func (fs *SimpleFileSystem) checkFreeCount(test *testing.T) {
	test.Helper()
	fs.m.Lock()
	defer fs.m.Unlock()
	if used := uint32(fs.freemap.count()); used != fs.super.Blocks-fs.super.UnusedBlocks {
		testutils.ErrorHere(test, "Bitmap has %d blocks in use, superblock says %d",
			used, fs.super.Blocks-fs.super.UnusedBlocks)
	}
	if used := uint32(fs.imap.count()); used != fs.super.Ninodes-fs.super.FreeInodes {
		testutils.ErrorHere(test, "Inode map has %d inodes in use, superblock says %d",
			used, fs.super.Ninodes-fs.super.FreeInodes)
	}
}

func TestCreateLayout(test *testing.T) {
	fs, _ := newTestFS(test, 128, WithLabel("scratch"))
	sb := fs.Super()

	assert.Equal(test, uint32(SFS_MAGIC), sb.Magic)
	assert.Equal(test, uint32(128), sb.Blocks)
	assert.Equal(test, uint32(1), sb.FreemapBlocks)
	assert.Equal(test, uint32(2), sb.InodeTableStart)
	assert.Equal(test, uint32(1), sb.InodeTableBlocks)
	assert.Equal(test, uint32(64), sb.Ninodes)
	assert.Equal(test, "scratch", sb.LabelString())

	// Superblock, bitmap, inode table and the root directory block
	assert.Equal(test, uint32(124), sb.UnusedBlocks)
	assert.Equal(test, uint32(62), sb.FreeInodes)
	fs.checkFreeCount(test)

	root := rootDir(test, fs)
	defer root.Release()
	md := metadata(test, root)
	assert.Equal(test, vfs.TypeDir, md.Type)
	assert.Equal(test, 2, md.Nlinks)
	assert.Equal(test, int64(2*DIRENT_SIZE), md.Size)
	assert.Equal(test, uint64(ROOT_INODE), md.Inode)
	assert.Equal(test, uint32(3), root.disk.Direct[0])

	names, err := root.Entries()
	require.NoError(test, err)
	assert.Equal(test, []string{".", ".."}, names)

	info := fs.Info()
	assert.Equal(test, vfs.FsInfo{
		Bsize:   BLOCK_SIZE,
		Blocks:  128,
		Bfree:   124,
		Files:   63,
		Ffree:   62,
		Namemax: MAX_NAME_LEN,
	}, info)
}

func TestCreateArguments(test *testing.T) {
	_, err := Create(device.NewMemoryDevice(512, 128))
	assert.True(test, errors.Is(err, vfs.EINVAL), "got %v", err)

	_, err = Create(device.NewMemoryDevice(BLOCK_SIZE, 2))
	assert.True(test, errors.Is(err, vfs.ENOSPC), "got %v", err)

	_, err = Create(device.NewMemoryDevice(BLOCK_SIZE, 128), WithLabel("a label that is far too long for the field"))
	assert.True(test, errors.Is(err, vfs.ENAMETOOLONG), "got %v", err)

	fs, _ := newTestFS(test, 128, WithInodes(130))
	sb := fs.Super()
	assert.Equal(test, uint32(130), sb.Ninodes)
	assert.Equal(test, uint32(3), sb.InodeTableBlocks)
}

func TestOpenBadMagic(test *testing.T) {
	fs, dev := newTestFS(test, 128)
	require.NoError(test, fs.Unmount())

	require.NoError(test, dev.WriteBlock(0, make([]byte, BLOCK_SIZE)))
	_, err := Open(dev)
	if !errors.Is(err, vfs.ECORRUPT) {
		testutils.FatalHere(test, "Expected ECORRUPT, got: %v", err)
	}
}

func TestOpenBadGeometry(test *testing.T) {
	cases := []struct {
		name    string
		corrupt func(sb *SuperBlock)
	}{
		{"too many blocks", func(sb *SuperBlock) { sb.Blocks = 1000 }},
		{"inode count wraps the table size", func(sb *SuperBlock) {
			sb.Ninodes = 0xFFFFFFC1
			sb.InodeTableBlocks = 0
		}},
		{"inodes beyond the table", func(sb *SuperBlock) { sb.Ninodes = 2 * INODES_PER_BLOCK }},
		{"table covers the device", func(sb *SuperBlock) {
			sb.Ninodes = 128 * INODES_PER_BLOCK
			sb.InodeTableBlocks = 128
		}},
	}
	for _, c := range cases {
		test.Run(c.name, func(test *testing.T) {
			fs, dev := newTestFS(test, 128)
			require.NoError(test, fs.Unmount())

			block := make([]byte, BLOCK_SIZE)
			require.NoError(test, dev.ReadBlock(0, block))
			sb, err := decodeSuper(block)
			require.NoError(test, err)
			c.corrupt(&sb)
			require.NoError(test, sb.encode(block))
			require.NoError(test, dev.WriteBlock(0, block))

			_, err = Open(dev)
			assert.True(test, errors.Is(err, vfs.ECORRUPT), "got %v", err)
		})
	}
}

func TestOpenFreeRoot(test *testing.T) {
	fs, dev := newTestFS(test, 128)
	start := fs.Super().InodeTableStart
	require.NoError(test, fs.Unmount())

	block := make([]byte, BLOCK_SIZE)
	require.NoError(test, dev.ReadBlock(int(start), block))
	clear(block[ROOT_INODE*INODE_SIZE : (ROOT_INODE+1)*INODE_SIZE])
	require.NoError(test, dev.WriteBlock(int(start), block))

	_, err := Open(dev)
	assert.True(test, errors.Is(err, vfs.ECORRUPT), "got %v", err)
}

// An inode unlinked while still open is reclaimed by the next mount.
func TestOpenReclaimsOrphans(test *testing.T) {
	fs, dev := newTestFS(test, 128)
	before := fs.Super()
	root := rootDir(test, fs)
	file := create(test, root, "f", vfs.TypeFile)
	_, err := file.WriteAt(0, testutils.Pattern(3*BLOCK_SIZE))
	require.NoError(test, err)
	require.NoError(test, root.Unlink("f"))
	assert.Equal(test, 0, metadata(test, file).Nlinks)
	root.Release()

	// file is still held when the filesystem goes away
	require.NoError(test, fs.Unmount())

	fs, err = Open(dev)
	require.NoError(test, err)
	assert.Equal(test, before.UnusedBlocks, fs.Super().UnusedBlocks)
	assert.Equal(test, before.FreeInodes, fs.Super().FreeInodes)
	fs.checkFreeCount(test)
	report, err := fs.Check()
	require.NoError(test, err)
	assert.True(test, report.Clean(), "%s", report)

	// The reclaim is already on disk
	block := make([]byte, BLOCK_SIZE)
	require.NoError(test, dev.ReadBlock(0, block))
	sb, err := decodeSuper(block)
	require.NoError(test, err)
	assert.Equal(test, before.UnusedBlocks, sb.UnusedBlocks)
	assert.Equal(test, before.FreeInodes, sb.FreeInodes)

	_, err = fs.Inode(file.Inum())
	assert.True(test, errors.Is(err, vfs.ENOENT), "got %v", err)
}

// Blocks freed while a sync is between the inode table and the bitmap
// stay allocated on the map until the bitmap has been captured.
func TestFreeDuringSync(test *testing.T) {
	fs, _ := newTestFS(test, 128)
	b, err := fs.allocBlock()
	require.NoError(test, err)
	free := fs.Super().UnusedBlocks

	fs.holdFrees()
	require.NoError(test, fs.freeBlock(b))
	assert.True(test, fs.freemap.test(int(b)))
	assert.Equal(test, free, fs.Super().UnusedBlocks)
	err = fs.freeBlock(b)
	assert.True(test, errors.Is(err, vfs.ECORRUPT), "got %v", err)

	fs.releaseFrees()
	assert.False(test, fs.freemap.test(int(b)))
	assert.Equal(test, free+1, fs.Super().UnusedBlocks)
	fs.checkFreeCount(test)
}

func TestSyncWithConcurrentTruncate(test *testing.T) {
	fs, dev := newTestFS(test, 256)
	root := rootDir(test, fs)
	file := create(test, root, "f", vfs.TypeFile)
	root.Release()
	data := testutils.Pattern(20 * BLOCK_SIZE)

	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < 20; i++ {
			if _, err := file.WriteAt(0, data); err != nil {
				return err
			}
			if err := file.Resize(int64(i % 3 * BLOCK_SIZE)); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for i := 0; i < 20; i++ {
			if err := fs.Sync(); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(test, g.Wait())
	require.NoError(test, file.Release())
	require.NoError(test, fs.Unmount())

	fs, err := Open(dev)
	require.NoError(test, err)
	fs.checkFreeCount(test)
	report, err := fs.Check()
	require.NoError(test, err)
	assert.True(test, report.Clean(), "%s", report)
}

// A superblock that lags behind the bitmap is fixed up at mount time.
func TestOpenRecomputesFreeCounts(test *testing.T) {
	fs, dev := newTestFS(test, 128)
	require.NoError(test, fs.Unmount())

	block := make([]byte, BLOCK_SIZE)
	require.NoError(test, dev.ReadBlock(0, block))
	sb, err := decodeSuper(block)
	require.NoError(test, err)
	sb.UnusedBlocks = 5
	sb.FreeInodes = 7
	require.NoError(test, sb.encode(block))
	require.NoError(test, dev.WriteBlock(0, block))

	fs, err = Open(dev)
	require.NoError(test, err)
	assert.Equal(test, uint32(124), fs.Super().UnusedBlocks)
	assert.Equal(test, uint32(62), fs.Super().FreeInodes)
	fs.checkFreeCount(test)

	// The corrected counters are written back by the next sync
	require.NoError(test, fs.Sync())
	require.NoError(test, dev.ReadBlock(0, block))
	sb, err = decodeSuper(block)
	require.NoError(test, err)
	assert.Equal(test, uint32(124), sb.UnusedBlocks)
}

func TestRemountDurability(test *testing.T) {
	fs, dev := newTestFS(test, 256)
	root := rootDir(test, fs)
	dir := create(test, root, "dir", vfs.TypeDir)
	file := create(test, dir, "file", vfs.TypeFile)

	data := testutils.Pattern(20 * BLOCK_SIZE)
	n, err := file.WriteAt(0, data)
	require.NoError(test, err)
	require.Equal(test, len(data), n)
	require.NoError(test, file.Sync())
	uuid := fs.Super().UUID
	info := fs.Info()

	file.Release()
	dir.Release()
	root.Release()
	require.NoError(test, fs.Unmount())

	fs, err = Open(dev)
	require.NoError(test, err)
	assert.Equal(test, uuid, fs.Super().UUID)
	assert.Equal(test, info, fs.Info())
	fs.checkFreeCount(test)

	root = rootDir(test, fs)
	defer root.Release()
	dir = lookup(test, root, "dir")
	defer dir.Release()
	file = lookup(test, dir, "file")
	defer file.Release()

	buf := make([]byte, len(data))
	n, err = file.ReadAt(0, buf)
	require.NoError(test, err)
	assert.Equal(test, len(data), n)
	assert.Equal(test, data, buf)
	assert.Equal(test, 3, metadata(test, root).Nlinks)

	report, err := fs.Check()
	require.NoError(test, err)
	assert.True(test, report.Clean(), "%s", report)
}

// Sync writes data and inode blocks first, then the bitmap, and the
// superblock last.
func TestSyncWriteOrder(test *testing.T) {
	dev := testutils.NewCountingDevice(device.NewMemoryDevice(BLOCK_SIZE, 128))
	fs, err := Create(dev)
	require.NoError(test, err)

	root := rootDir(test, fs)
	defer root.Release()
	file := create(test, root, "file", vfs.TypeFile)
	defer file.Release()
	_, err = file.WriteAt(0, testutils.Pattern(3*BLOCK_SIZE))
	require.NoError(test, err)

	dev.WriteLog()
	require.NoError(test, fs.Sync())
	writes := dev.WriteLog()

	require.GreaterOrEqual(test, len(writes), 3)
	assert.Equal(test, []int{1, 0}, writes[len(writes)-2:])
	for _, b := range writes[:len(writes)-2] {
		assert.Greater(test, b, 1, "metadata block written early: %v", writes)
	}

	// Nothing left to write
	require.NoError(test, fs.Sync())
	assert.Empty(test, dev.WriteLog())
}

func TestSyncWriteError(test *testing.T) {
	dev := testutils.NewFailingDevice(device.NewMemoryDevice(BLOCK_SIZE, 128))
	fs, err := Create(dev)
	require.NoError(test, err)

	root := rootDir(test, fs)
	defer root.Release()
	file := create(test, root, "file", vfs.TypeFile)
	defer file.Release()
	_, err = file.WriteAt(0, []byte("hello"))
	require.NoError(test, err)

	dev.FailWrites.Store(true)
	err = fs.Sync()
	assert.True(test, errors.Is(err, vfs.EIO), "got %v", err)

	// Nothing was lost, the next sync writes everything
	dev.FailWrites.Store(false)
	require.NoError(test, fs.Sync())

	fs2, err := Open(dev.Device)
	require.NoError(test, err)
	root2 := rootDir(test, fs2)
	defer root2.Release()
	file2 := lookup(test, root2, "file")
	defer file2.Release()
	buf := make([]byte, 5)
	_, err = file2.ReadAt(0, buf)
	require.NoError(test, err)
	assert.Equal(test, "hello", string(buf))
}

func TestInodeCacheIdentity(test *testing.T) {
	fs, _ := newTestFS(test, 128)
	root := rootDir(test, fs)
	defer root.Release()
	other := rootDir(test, fs)
	defer other.Release()
	if root != other {
		testutils.ErrorHere(test, "Two in-memory copies of the root inode")
	}

	file := create(test, root, "file", vfs.TypeFile)
	again := lookup(test, root, "file")
	assert.Same(test, file, again)
	assert.Equal(test, 2, fs.itable.refs(file.inum))
	require.NoError(test, again.Release())
	require.NoError(test, file.Release())
	assert.Equal(test, 0, fs.itable.refs(file.inum))
	assert.Error(test, file.Release())

	_, err := fs.Inode(40)
	assert.True(test, errors.Is(err, vfs.ENOENT), "got %v", err)
	ip, err := fs.Inode(file.inum)
	require.NoError(test, err)
	assert.Equal(test, file.inum, ip.Inum())
	require.NoError(test, ip.Release())
}

func TestUnmountBusy(test *testing.T) {
	fs, _ := newTestFS(test, 128)
	root := rootDir(test, fs)
	assert.Equal(test, 1, fs.itable.busy())
	require.NoError(test, fs.Unmount())
	require.NoError(test, root.Release())
	assert.Equal(test, 0, fs.itable.busy())
}
