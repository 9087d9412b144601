package device

import (
	"fmt"
	"sync"

	"github.com/rcore-os/rcore-fs/vfs"
)

// MemoryDevice is a ramdisk: a byte slice split into fixed-size blocks.
type MemoryDevice struct {
	mu    sync.RWMutex
	data  []byte
	bsize int
}

// NewMemoryDevice creates a zero-filled ramdisk of nblocks blocks.
func NewMemoryDevice(bsize, nblocks int) *MemoryDevice {
	return &MemoryDevice{
		data:  make([]byte, bsize*nblocks),
		bsize: bsize,
	}
}

// NewRamdiskDevice wraps existing image data, which must be a whole
// number of blocks.
func NewRamdiskDevice(data []byte, bsize int) (*MemoryDevice, error) {
	if bsize <= 0 || len(data)%bsize != 0 {
		return nil, fmt.Errorf("image of %d bytes is not a multiple of %d: %w", len(data), bsize, vfs.EINVAL)
	}
	return &MemoryDevice{data: data, bsize: bsize}, nil
}

func (dev *MemoryDevice) ReadBlock(id int, buf []byte) error {
	if err := checkBlock(id, buf, dev.bsize, dev.NumBlocks()); err != nil {
		return err
	}
	dev.mu.RLock()
	copy(buf, dev.data[id*dev.bsize:])
	dev.mu.RUnlock()
	return nil
}

func (dev *MemoryDevice) WriteBlock(id int, buf []byte) error {
	if err := checkBlock(id, buf, dev.bsize, dev.NumBlocks()); err != nil {
		return err
	}
	dev.mu.Lock()
	copy(dev.data[id*dev.bsize:], buf)
	dev.mu.Unlock()
	return nil
}

func (dev *MemoryDevice) BlockSize() int { return dev.bsize }

func (dev *MemoryDevice) NumBlocks() int { return len(dev.data) / dev.bsize }

// Bytes returns a copy of the whole image.
func (dev *MemoryDevice) Bytes() []byte {
	dev.mu.RLock()
	defer dev.mu.RUnlock()
	out := make([]byte, len(dev.data))
	copy(out, dev.data)
	return out
}
