//go:build unix

package device

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/rcore-os/rcore-fs/vfs"
)

// FileDevice is a block device backed by a host image file. The file is
// locked exclusively for as long as the device is open, so two mounts of
// the same image cannot interleave writes.
type FileDevice struct {
	file     *os.File
	filename string
	bsize    int
	nblocks  int
}

// NewFileDevice opens an existing image file. Its size must be a whole
// number of blocks.
func NewFileDevice(filename string, bsize int) (*FileDevice, error) {
	file, err := os.OpenFile(filename, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return newFileDevice(file, filename, bsize)
}

// CreateFileDevice creates (or truncates) an image file of nblocks
// zero-filled blocks.
func CreateFileDevice(filename string, bsize, nblocks int) (*FileDevice, error) {
	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	if err := file.Truncate(int64(bsize) * int64(nblocks)); err != nil {
		file.Close()
		return nil, err
	}
	return newFileDevice(file, filename, bsize)
}

func newFileDevice(file *os.File, filename string, bsize int) (*FileDevice, error) {
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		return nil, fmt.Errorf("locking %s: %w", filename, err)
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if bsize <= 0 || fi.Size()%int64(bsize) != 0 {
		file.Close()
		return nil, fmt.Errorf("%s: size %d is not a multiple of %d: %w", filename, fi.Size(), bsize, vfs.EINVAL)
	}

	dev := &FileDevice{
		file:     file,
		filename: filename,
		bsize:    bsize,
		nblocks:  int(fi.Size() / int64(bsize)),
	}
	return dev, nil
}

func (dev *FileDevice) ReadBlock(id int, buf []byte) error {
	if err := checkBlock(id, buf, dev.bsize, dev.nblocks); err != nil {
		return err
	}
	n, err := unix.Pread(int(dev.file.Fd()), buf, int64(id)*int64(dev.bsize))
	if err != nil {
		return fmt.Errorf("reading block %d of %s: %v: %w", id, dev.filename, err, vfs.EIO)
	}
	if n != len(buf) {
		return fmt.Errorf("short read of block %d of %s (%d bytes): %w", id, dev.filename, n, vfs.EIO)
	}
	return nil
}

func (dev *FileDevice) WriteBlock(id int, buf []byte) error {
	if err := checkBlock(id, buf, dev.bsize, dev.nblocks); err != nil {
		return err
	}
	n, err := unix.Pwrite(int(dev.file.Fd()), buf, int64(id)*int64(dev.bsize))
	if err != nil {
		return fmt.Errorf("writing block %d of %s: %v: %w", id, dev.filename, err, vfs.EIO)
	}
	if n != len(buf) {
		return fmt.Errorf("short write of block %d of %s (%d bytes): %w", id, dev.filename, n, vfs.EIO)
	}
	return nil
}

func (dev *FileDevice) BlockSize() int { return dev.bsize }

func (dev *FileDevice) NumBlocks() int { return dev.nblocks }

func (dev *FileDevice) Name() string { return dev.filename }

// Sync flushes the image file to stable storage.
func (dev *FileDevice) Sync() error {
	if err := unix.Fsync(int(dev.file.Fd())); err != nil {
		return fmt.Errorf("syncing %s: %v: %w", dev.filename, err, vfs.EIO)
	}
	return nil
}

// Close releases the lock and closes the image file.
func (dev *FileDevice) Close() error {
	unix.Flock(int(dev.file.Fd()), unix.LOCK_UN)
	return dev.file.Close()
}
