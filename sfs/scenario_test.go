package sfs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcore-os/rcore-fs/device"
	"github.com/rcore-os/rcore-fs/testutils"
	"github.com/rcore-os/rcore-fs/vfs"
)

// Format an empty 128 block device, write a file, remount and read it back.
func TestScenario(test *testing.T) {
	dev := device.NewMemoryDevice(BLOCK_SIZE, 128)

	fs, err := Create(dev)
	require.NoError(test, err)
	require.NoError(test, fs.Unmount())

	fs, err = Open(dev)
	require.NoError(test, err)
	root := rootDir(test, fs)
	file := create(test, root, "a", vfs.TypeFile)
	data := testutils.Pattern(10000)
	n, err := file.WriteAt(0, data)
	require.NoError(test, err)
	require.Equal(test, 10000, n)
	require.NoError(test, fs.Sync())
	require.NoError(test, file.Release())
	require.NoError(test, root.Release())
	require.NoError(test, fs.Unmount())

	fs, err = Open(dev)
	require.NoError(test, err)
	root = rootDir(test, fs)
	defer root.Release()
	file = lookup(test, root, "a")
	defer file.Release()

	md := metadata(test, file)
	require.Equal(test, int64(10000), md.Size)
	require.Equal(test, 3, md.Blocks)

	buf := make([]byte, md.Size)
	n, err = file.ReadAt(0, buf)
	require.NoError(test, err)
	require.Equal(test, 10000, n)
	if !bytes.Equal(data, buf) {
		testutils.FatalHere(test, "File contents differ after remount")
	}
	fs.checkFreeCount(test)
}
