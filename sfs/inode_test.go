package sfs

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcore-os/rcore-fs/testutils"
	"github.com/rcore-os/rcore-fs/vfs"
)

func TestReadWriteRoundTrip(test *testing.T) {
	cases := []struct {
		name   string
		offset int64
		length int
	}{
		{"direct", 100, 5000},
		{"direct aligned", 0, 3 * BLOCK_SIZE},
		{"boundary", (NDIRECT-1)*BLOCK_SIZE + 100, 2 * BLOCK_SIZE},
		{"indirect", (NDIRECT + 8) * BLOCK_SIZE, 10000},
		{"last block", MAX_FILE_SIZE - 10, 10},
	}

	fs, _ := newTestFS(test, 2048)
	root := rootDir(test, fs)
	defer root.Release()

	for _, c := range cases {
		test.Run(c.name, func(test *testing.T) {
			file := create(test, root, c.name, vfs.TypeFile)
			defer file.Release()

			data := testutils.Pattern(c.length)
			n, err := file.WriteAt(c.offset, data)
			require.NoError(test, err)
			require.Equal(test, c.length, n)
			assert.Equal(test, c.offset+int64(c.length), metadata(test, file).Size)

			buf := make([]byte, c.length)
			n, err = file.ReadAt(c.offset, buf)
			require.NoError(test, err)
			require.Equal(test, c.length, n)
			if !bytes.Equal(data, buf) {
				testutils.ErrorHere(test, "Data read back does not match")
			}

			// Every block up to the end is allocated
			md := metadata(test, file)
			assert.Equal(test, int((md.Size+BLOCK_SIZE-1)/BLOCK_SIZE), md.Blocks)
			fs.checkFreeCount(test)
		})
	}
}

// Growing a file never exposes old disk contents.
func TestGapReadsZero(test *testing.T) {
	// Every block of the device starts out filled with its own number
	fs, err := Create(testutils.NewTestDevice(test, BLOCK_SIZE, 256))
	require.NoError(test, err)
	root := rootDir(test, fs)
	defer root.Release()

	// Leave old data behind in some blocks
	junk := create(test, root, "junk", vfs.TypeFile)
	_, err = junk.WriteAt(0, bytes.Repeat([]byte{0xaa}, 20*BLOCK_SIZE))
	require.NoError(test, err)
	require.NoError(test, root.Unlink("junk"))
	require.NoError(test, junk.Release())

	file := create(test, root, "file", vfs.TypeFile)
	defer file.Release()
	_, err = file.WriteAt(0, []byte("start"))
	require.NoError(test, err)
	_, err = file.WriteAt(15*BLOCK_SIZE, []byte("end"))
	require.NoError(test, err)

	buf := make([]byte, 15*BLOCK_SIZE-5)
	n, err := file.ReadAt(5, buf)
	require.NoError(test, err)
	require.Equal(test, len(buf), n)
	assert.Equal(test, make([]byte, len(buf)), buf)

	// Shrink and grow again: the cut off bytes come back as zeros
	require.NoError(test, file.Resize(2))
	require.NoError(test, file.Resize(2*BLOCK_SIZE))
	buf = make([]byte, 2*BLOCK_SIZE)
	n, err = file.ReadAt(0, buf)
	require.NoError(test, err)
	require.Equal(test, len(buf), n)
	assert.Equal(test, "st", string(buf[:2]))
	assert.Equal(test, make([]byte, len(buf)-2), buf[2:])
	fs.checkFreeCount(test)
}

func TestReadAtEOF(test *testing.T) {
	fs, _ := newTestFS(test, 128)
	root := rootDir(test, fs)
	defer root.Release()
	file := create(test, root, "file", vfs.TypeFile)
	defer file.Release()

	_, err := file.WriteAt(0, []byte("0123456789"))
	require.NoError(test, err)

	buf := make([]byte, 8)
	n, err := file.ReadAt(6, buf)
	assert.Equal(test, 4, n)
	assert.Equal(test, io.EOF, err)
	assert.Equal(test, "6789", string(buf[:n]))

	n, err = file.ReadAt(10, buf)
	assert.Equal(test, 0, n)
	assert.Equal(test, io.EOF, err)

	n, err = file.ReadAt(100, buf)
	assert.Equal(test, 0, n)
	assert.Equal(test, io.EOF, err)

	n, err = file.ReadAt(0, nil)
	assert.Equal(test, 0, n)
	assert.NoError(test, err)
}

func TestResizeFreesIndirect(test *testing.T) {
	fs, _ := newTestFS(test, 256)
	root := rootDir(test, fs)
	defer root.Release()
	file := create(test, root, "file", vfs.TypeFile)
	defer file.Release()
	free := fs.Info().Bfree

	require.NoError(test, file.Resize((NDIRECT+1)*BLOCK_SIZE))
	assert.Equal(test, free-NDIRECT-2, fs.Info().Bfree)
	assert.NotEqual(test, uint32(NO_BLOCK), file.disk.Indirect)

	require.NoError(test, file.Resize(NDIRECT*BLOCK_SIZE))
	assert.Equal(test, free-NDIRECT, fs.Info().Bfree)
	assert.Equal(test, uint32(NO_BLOCK), file.disk.Indirect)

	require.NoError(test, file.Resize(BLOCK_SIZE+1))
	assert.Equal(test, free-2, fs.Info().Bfree)
	assert.Equal(test, 2, metadata(test, file).Blocks)

	require.NoError(test, file.Resize(0))
	assert.Equal(test, free, fs.Info().Bfree)
	assert.Equal(test, [NDIRECT]uint32{}, file.disk.Direct)
	fs.checkFreeCount(test)
}

func TestNoSpace(test *testing.T) {
	fs, _ := newTestFS(test, 128)
	root := rootDir(test, fs)
	defer root.Release()
	file := create(test, root, "file", vfs.TypeFile)
	defer file.Release()
	_, err := file.WriteAt(0, []byte("keep"))
	require.NoError(test, err)
	free := fs.Info().Bfree

	n, err := file.WriteAt(0, make([]byte, 200*BLOCK_SIZE))
	assert.Equal(test, 0, n)
	if !errors.Is(err, vfs.ENOSPC) {
		testutils.FatalHere(test, "Expected ENOSPC, got: %v", err)
	}

	// The failed write left everything as it was
	assert.Equal(test, free, fs.Info().Bfree)
	assert.Equal(test, int64(4), metadata(test, file).Size)
	buf := make([]byte, 4)
	_, err = file.ReadAt(0, buf)
	require.NoError(test, err)
	assert.Equal(test, "keep", string(buf))
	fs.checkFreeCount(test)

	// The space is still usable
	_, err = file.WriteAt(0, make([]byte, int(free)*BLOCK_SIZE-2*BLOCK_SIZE))
	require.NoError(test, err)
	fs.checkFreeCount(test)
}

func TestInvalidIO(test *testing.T) {
	fs, _ := newTestFS(test, 128)
	root := rootDir(test, fs)
	defer root.Release()
	file := create(test, root, "file", vfs.TypeFile)
	defer file.Release()

	_, err := file.WriteAt(-1, []byte("x"))
	assert.True(test, errors.Is(err, vfs.EINVAL), "got %v", err)
	_, err = file.ReadAt(-1, make([]byte, 1))
	assert.True(test, errors.Is(err, vfs.EINVAL), "got %v", err)
	_, err = file.WriteAt(MAX_FILE_SIZE, []byte("x"))
	assert.True(test, errors.Is(err, vfs.EINVAL), "got %v", err)
	assert.True(test, errors.Is(file.Resize(MAX_FILE_SIZE+1), vfs.EINVAL))
	assert.True(test, errors.Is(file.Resize(-1), vfs.EINVAL))

	_, err = root.ReadAt(0, make([]byte, 1))
	assert.True(test, errors.Is(err, vfs.EISDIR), "got %v", err)
	_, err = root.WriteAt(0, []byte("x"))
	assert.True(test, errors.Is(err, vfs.EISDIR), "got %v", err)
	assert.True(test, errors.Is(root.Resize(0), vfs.EISDIR))

	// Directory operations on a file
	_, err = file.Lookup("x")
	assert.True(test, errors.Is(err, vfs.ENOTDIR), "got %v", err)
	_, err = file.Entries()
	assert.True(test, errors.Is(err, vfs.ENOTDIR), "got %v", err)
}

// A corrupt block pointer is reported, not followed.
func TestBadPointer(test *testing.T) {
	fs, _ := newTestFS(test, 128)
	root := rootDir(test, fs)
	defer root.Release()
	file := create(test, root, "file", vfs.TypeFile)
	defer file.Release()
	_, err := file.WriteAt(0, []byte("data"))
	require.NoError(test, err)

	file.Lock()
	good := file.disk.Direct[0]
	file.disk.Direct[0] = 1 // the bitmap
	file.Unlock()

	_, err = file.ReadAt(0, make([]byte, 4))
	assert.True(test, errors.Is(err, vfs.ECORRUPT), "got %v", err)

	report, err := fs.Check()
	require.NoError(test, err)
	assert.Equal(test, 1, report.BadPointers)
	assert.Equal(test, []uint32{good}, report.Leaked)

	file.Lock()
	file.disk.Direct[0] = good
	file.Unlock()
}

func TestSymlinkContent(test *testing.T) {
	fs, _ := newTestFS(test, 128)
	root := rootDir(test, fs)
	defer root.Release()
	link := create(test, root, "link", vfs.TypeSymLink)
	defer link.Release()

	_, err := link.WriteAt(0, []byte("/some/where"))
	require.NoError(test, err)
	md := metadata(test, link)
	assert.Equal(test, vfs.TypeSymLink, md.Type)
	assert.Equal(test, int64(11), md.Size)
}
