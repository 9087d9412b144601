package fs

import (
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcore-os/rcore-fs/testutils"
	"github.com/rcore-os/rcore-fs/vfs"
)

func TestFileReadWriteSeek(test *testing.T) {
	_, root := newTestRoot(test, 256)
	writeFile(test, root, "f", nil)

	f, err := Open(root, "/f")
	require.NoError(test, err)
	assert.Equal(test, "/f", f.Name())

	n, err := f.Write([]byte("hello, "))
	require.NoError(test, err)
	assert.Equal(test, 7, n)
	_, err = f.Write([]byte("world"))
	require.NoError(test, err)

	pos, err := f.Seek(0, io.SeekCurrent)
	require.NoError(test, err)
	assert.Equal(test, int64(12), pos)

	pos, err = f.Seek(-5, io.SeekEnd)
	require.NoError(test, err)
	assert.Equal(test, int64(7), pos)
	buf := make([]byte, 10)
	n, err = f.Read(buf)
	assert.ErrorIs(test, err, io.EOF)
	assert.Equal(test, "world", string(buf[:n]))

	_, err = f.Seek(-1, io.SeekStart)
	assert.ErrorIs(test, err, vfs.EINVAL)
	_, err = f.Seek(0, 7)
	assert.ErrorIs(test, err, vfs.EINVAL)

	// Writing past the end leaves a hole of zeros
	_, err = f.Seek(20, io.SeekStart)
	require.NoError(test, err)
	_, err = f.Write([]byte("!"))
	require.NoError(test, err)
	all, err := io.ReadAll(io.NewSectionReader(f, 0, 100))
	require.NoError(test, err)
	assert.Equal(test, append([]byte("hello, world\x00\x00\x00\x00\x00\x00\x00\x00"), '!'), all)

	require.NoError(test, f.Truncate(5))
	md, err := f.Stat()
	require.NoError(test, err)
	assert.Equal(test, int64(5), md.Size)
	require.NoError(test, f.Sync())

	require.NoError(test, f.Close())
	assert.ErrorIs(test, f.Close(), ErrClosed)
	_, err = f.Read(buf)
	assert.ErrorIs(test, err, ErrClosed)
	_, err = f.Write(buf)
	assert.ErrorIs(test, err, ErrClosed)
	_, err = f.Stat()
	assert.ErrorIs(test, err, ErrClosed)
}

func TestFileOpenErrors(test *testing.T) {
	_, root := newTestRoot(test, 256)
	mkdir(test, root, "d")

	_, err := Open(root, "d")
	assert.ErrorIs(test, err, vfs.EISDIR)
	_, err = Open(root, "nothing")
	assert.ErrorIs(test, err, vfs.ENOENT)
}

// Concurrent writers through one File each get a distinct range.
func TestFileSharedWriters(test *testing.T) {
	_, root := newTestRoot(test, 256)
	writeFile(test, root, "shared", nil)
	f, err := Open(root, "shared")
	require.NoError(test, err)
	defer f.Close()

	const WRITERS, CHUNK = 8, 1000
	var wg sync.WaitGroup
	for i := 0; i < WRITERS; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, CHUNK)
			for j := range buf {
				buf[j] = byte('a' + i)
			}
			if _, err := f.Write(buf); err != nil {
				testutils.ErrorHere(test, "Failed when writing: %s", err)
			}
		}()
	}
	wg.Wait()

	md, err := f.Stat()
	require.NoError(test, err)
	require.Equal(test, int64(WRITERS*CHUNK), md.Size)

	seen := make(map[byte]bool)
	buf := make([]byte, CHUNK)
	for off := int64(0); off < md.Size; off += CHUNK {
		_, err := f.ReadAt(buf, off)
		require.NoError(test, err)
		for _, c := range buf {
			require.Equal(test, buf[0], c, "chunk at %d is mixed", off)
		}
		assert.False(test, seen[buf[0]])
		seen[buf[0]] = true
	}
}
