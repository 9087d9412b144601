package sfs

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcore-os/rcore-fs/vfs"
)

func TestDump(test *testing.T) {
	fs, _ := newTestFS(test, 128)

	var buf bytes.Buffer
	require.NoError(test, fs.Dump(&buf, 2))
	assert.Contains(test, buf.String(), "inode table")
	assert.Contains(test, buf.String(), "inode 1: dir nlinks=2 size=512 blocks=1")

	buf.Reset()
	require.NoError(test, fs.Dump(&buf, 3))
	assert.Contains(test, buf.String(), "data\nblock 3 (4096 bytes)")
	assert.Contains(test, buf.String(), "2e 00 00") // "."

	assert.Equal(test, "superblock", fs.BlockKind(0))
	assert.Equal(test, "bitmap", fs.BlockKind(1))
	assert.Equal(test, "out of range", fs.BlockKind(128))
	assert.True(test, errors.Is(fs.Dump(&buf, 128), vfs.EINVAL))
}
