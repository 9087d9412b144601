package testutils

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rcore-os/rcore-fs/device"
	"github.com/rcore-os/rcore-fs/vfs"
)

//////////////////////////////////////////////////////////////////////////////
// A ramdisk device with a certain number of blocks with a given block size.
// Each block is filled with the bytes of the block number, so each byte in
// the first block contains a 0, the next block contains all 1, etc.
//////////////////////////////////////////////////////////////////////////////

func NewTestDevice(test testing.TB, bsize, blocks int) *device.MemoryDevice {
	data := make([]byte, bsize*blocks)
	for i := 0; i < blocks; i++ {
		for j := 0; j < bsize; j++ {
			data[(i*bsize)+j] = byte(i)
		}
	}
	dev, err := device.NewRamdiskDevice(data, bsize)
	if err != nil {
		FatalHere(test, "Failed when creating ramdisk device: %s", err)
	}
	return dev
}

//////////////////////////////////////////////////////////////////////////////
// A random access device that blocks on any read. It notifies of the block
// using the HasBlocked channel and waits to be unblocked on the Unblock
// channel.
//////////////////////////////////////////////////////////////////////////////

type BlockingDevice struct {
	vfs.Device
	HasBlocked chan bool
	Unblock    chan bool
}

func NewBlockingDevice(dev vfs.Device) *BlockingDevice {
	return &BlockingDevice{
		dev,
		make(chan bool),
		make(chan bool),
	}
}

func (dev *BlockingDevice) ReadBlock(id int, buf []byte) error {
	dev.HasBlocked <- true
	<-dev.Unblock
	return dev.Device.ReadBlock(id, buf)
}

//////////////////////////////////////////////////////////////////////////////
// A device that fails every read and/or write once armed.
//////////////////////////////////////////////////////////////////////////////

type FailingDevice struct {
	vfs.Device
	FailReads  atomic.Bool
	FailWrites atomic.Bool
}

func NewFailingDevice(dev vfs.Device) *FailingDevice {
	return &FailingDevice{Device: dev}
}

func (dev *FailingDevice) ReadBlock(id int, buf []byte) error {
	if dev.FailReads.Load() {
		return fmt.Errorf("injected read failure on block %d: %w", id, vfs.EIO)
	}
	return dev.Device.ReadBlock(id, buf)
}

func (dev *FailingDevice) WriteBlock(id int, buf []byte) error {
	if dev.FailWrites.Load() {
		return fmt.Errorf("injected write failure on block %d: %w", id, vfs.EIO)
	}
	return dev.Device.WriteBlock(id, buf)
}

//////////////////////////////////////////////////////////////////////////////
// A device that records the order of block writes and counts reads.
//////////////////////////////////////////////////////////////////////////////

type CountingDevice struct {
	vfs.Device

	mu     sync.Mutex
	Reads  int
	Writes []int
}

func NewCountingDevice(dev vfs.Device) *CountingDevice {
	return &CountingDevice{Device: dev}
}

func (dev *CountingDevice) ReadBlock(id int, buf []byte) error {
	dev.mu.Lock()
	dev.Reads++
	dev.mu.Unlock()
	return dev.Device.ReadBlock(id, buf)
}

func (dev *CountingDevice) WriteBlock(id int, buf []byte) error {
	dev.mu.Lock()
	dev.Writes = append(dev.Writes, id)
	dev.mu.Unlock()
	return dev.Device.WriteBlock(id, buf)
}

// WriteLog returns and clears the recorded write order.
func (dev *CountingDevice) WriteLog() []int {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	out := dev.Writes
	dev.Writes = nil
	return out
}

func (dev *CountingDevice) ReadCount() int {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.Reads
}
