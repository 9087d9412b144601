// Package bcache implements an LRU cache of device blocks with dirty
// tracking and explicit write-back.
package bcache

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rcore-os/rcore-fs/debug"
	"github.com/rcore-os/rcore-fs/vfs"
)

const NO_BLOCK = -1

// Modes for GetBlock
const (
	NORMAL  = 0 // read the block from the device on a miss
	NO_READ = 1 // the caller overwrites the whole block; zero-fill on a miss
)

// BlockType tells PutBlock where to place a released block on the LRU
// chain.
type BlockType int

const (
	ONE_SHOT BlockType = 0100 // unlikely to be needed again soon

	INODE_BLOCK        BlockType = 0
	DIRECTORY_BLOCK    BlockType = 1
	INDIRECT_BLOCK     BlockType = 2
	MAP_BLOCK          BlockType = 3
	SUPER_BLOCK        BlockType = 4
	FULL_DATA_BLOCK    BlockType = 5 | ONE_SHOT
	PARTIAL_DATA_BLOCK BlockType = 6
)

var ErrAllInUse = errors.New("all buffers in use")

// A CacheBlock is one block of device data held by the cache. Holders
// take the embedded lock while reading or mutating Data, and set Dirty
// while holding it after a mutation.
type CacheBlock struct {
	sync.RWMutex

	Blocknum int
	Data     []byte
	Dirty    bool

	buf *lru_buf
}

// An elaboration of the CacheBlock type, decorated with the members we need
// to handle the LRU cache policy. Everything here is guarded by the cache
// mutex.
type lru_buf struct {
	*CacheBlock

	count int      // the number of clients of this block
	next  *lru_buf // used to link all free bufs in a chain
	prev  *lru_buf // used to link all free bufs the other way

	b_hash *lru_buf // used to link all bufs for a hash mask together

	ready chan struct{} // non-nil while the block is being loaded
	err   error         // the outcome of the load, valid once ready closes
}

type LRUCache struct {
	dev   vfs.Device
	bsize int
	log   *debug.Logger

	m         sync.Mutex
	buf       []*lru_buf // static list of cache blocks
	buf_hash  []*lru_buf // the buffer hash table
	hash_mask int        // the mask for entries in the buffer hash table
	front     *lru_buf   // a pointer to the least recently used block
	rear      *lru_buf   // a pointer to the most recently used block
}

type Option func(*LRUCache)

func WithLogger(log *debug.Logger) Option {
	return func(c *LRUCache) {
		c.log = log
	}
}

// NewLRUCache creates a cache of numslots blocks over dev. numhash is the
// size of the hash table and must be a power of two.
func NewLRUCache(dev vfs.Device, numslots int, numhash int, opts ...Option) (*LRUCache, error) {
	if numslots < 2 {
		return nil, fmt.Errorf("cache needs at least 2 slots, got %d: %w", numslots, vfs.EINVAL)
	}
	if numhash <= 0 || numhash&(numhash-1) != 0 {
		return nil, fmt.Errorf("hash size %d is not a power of two: %w", numhash, vfs.EINVAL)
	}

	cache := &LRUCache{
		dev:      dev,
		bsize:    dev.BlockSize(),
		log:      debug.NoopLogger(),
		buf:      make([]*lru_buf, numslots),
		buf_hash: make([]*lru_buf, numhash),
	}
	for _, opt := range opts {
		opt(cache)
	}

	// Create all of the entries in buf ahead of time
	for i := 0; i < numslots; i++ {
		cache.buf[i] = new(lru_buf)
		cache.buf[i].CacheBlock = &CacheBlock{
			Blocknum: NO_BLOCK,
			Data:     make([]byte, cache.bsize),
		}
		cache.buf[i].buf = cache.buf[i]
	}

	for i := 1; i < numslots-1; i++ {
		cache.buf[i].prev = cache.buf[i-1]
		cache.buf[i].next = cache.buf[i+1]
	}

	cache.front = cache.buf[0]
	cache.front.next = cache.buf[1]

	cache.rear = cache.buf[numslots-1]
	cache.rear.prev = cache.buf[numslots-2]

	cache.hash_mask = numhash - 1

	return cache, nil
}

func (c *LRUCache) Device() vfs.Device { return c.dev }

func (c *LRUCache) BlockSize() int { return c.bsize }

// GetBlock returns the block bnum, pinned so that it cannot be evicted until
// it is handed back with PutBlock. On a miss the least recently used
// unpinned slot is recycled; if that slot is dirty it is written back
// first. Concurrent requests for a block that is being loaded wait for the
// one load.
func (c *LRUCache) GetBlock(bnum int, mode int) (*CacheBlock, error) {
	if bnum < 0 || bnum >= c.dev.NumBlocks() {
		return nil, fmt.Errorf("block %d out of range: %w", bnum, vfs.EIO)
	}

	c.m.Lock()
	for {
		// search for the desired block in the cache
		if bp := c.search(bnum); bp != nil {
			if bp.count == 0 {
				c.rm_lru(bp)
			}
			bp.count++
			ready := bp.ready
			c.m.Unlock()

			if ready != nil {
				// this block is being loaded by someone else
				<-ready
				if bp.err != nil {
					err := bp.err
					c.release(bp, 0)
					return nil, err
				}
			}
			return bp.CacheBlock, nil
		}

		// Desired block is not available on chain. Take oldest block ('front')
		bp := c.front
		if bp == nil {
			c.m.Unlock()
			c.log.Warn("all buffers in use", "block", bnum)
			return nil, ErrAllInUse
		}

		// If the block taken is dirty, make it clean by writing it to the
		// disk, then start over since the world may have changed meanwhile.
		if bp.Dirty {
			c.rm_lru(bp)
			bp.count++
			c.m.Unlock()

			err := c.writeBack(bp.CacheBlock)
			c.release(bp, 0)
			if err != nil {
				return nil, err
			}
			c.m.Lock()
			continue
		}

		c.rm_lru(bp)
		c.unhash(bp)
		bp.Blocknum = bnum
		bp.count = 1
		bp.err = nil
		bp.ready = make(chan struct{})
		c.hash(bp)
		c.m.Unlock()

		err := c.loadBlock(bp, mode)

		c.m.Lock()
		ready := bp.ready
		bp.ready = nil
		if err != nil {
			bp.err = err
			c.unhash(bp)
			bp.Blocknum = NO_BLOCK
		}
		close(ready)
		c.m.Unlock()

		if err != nil {
			c.release(bp, 0)
			return nil, err
		}
		return bp.CacheBlock, nil
	}
}

// loadBlock fills the slot 'bp', which the caller owns exclusively, with
// the block it has been assigned.
func (c *LRUCache) loadBlock(bp *lru_buf, mode int) error {
	if mode == NO_READ {
		clear(bp.Data)
		return nil
	}
	if err := c.dev.ReadBlock(bp.Blocknum, bp.Data); err != nil {
		c.log.Error("block read failed", "block", bp.Blocknum, "error", err)
		return err
	}
	return nil
}

// PutBlock returns a block to the list of available blocks. Depending on
// btype it may be put on the front or rear of the LRU chain. Blocks that are
// expected to be needed again shortly (e.g., partially full data blocks) go
// on the rear; blocks that are unlikely to be needed again shortly (e.g.,
// full data blocks) go on the front.
func (c *LRUCache) PutBlock(cb *CacheBlock, btype BlockType) {
	if cb == nil {
		return
	}
	c.release(cb.buf, btype)
}

func (c *LRUCache) release(bp *lru_buf, btype BlockType) {
	c.m.Lock()
	defer c.m.Unlock()

	bp.count--
	if bp.count > 0 { // block is still in use
		return
	}

	if btype&ONE_SHOT > 0 || bp.Blocknum == NO_BLOCK {
		// Block probably won't be needed quickly. Put it on the front of the
		// chain. It will be the next block to be evicted from the cache.
		bp.prev = nil
		bp.next = c.front
		if c.front == nil {
			c.rear = bp
		} else {
			c.front.prev = bp
		}
		c.front = bp
	} else {
		// Block probably will be needed quickly. Put it on rear of chain. It
		// will not be evicted from the cache for a long time.
		bp.prev = c.rear
		bp.next = nil
		if c.rear == nil {
			c.front = bp
		} else {
			c.rear.next = bp
		}
		c.rear = bp
	}
}

// writeBack writes a pinned block to the device if it is dirty. The data is
// copied under the block lock so writers are not held up by the device.
func (c *LRUCache) writeBack(cb *CacheBlock) error {
	cb.Lock()
	if !cb.Dirty {
		cb.Unlock()
		return nil
	}
	data := make([]byte, len(cb.Data))
	copy(data, cb.Data)
	cb.Dirty = false
	cb.Unlock()

	if err := c.dev.WriteBlock(cb.Blocknum, data); err != nil {
		c.log.Error("block write failed", "block", cb.Blocknum, "error", err)
		cb.Lock()
		cb.Dirty = true
		cb.Unlock()
		return err
	}
	return nil
}

// Flush writes block bnum back to the device if it is cached and dirty.
func (c *LRUCache) Flush(bnum int) error {
	c.m.Lock()
	bp := c.search(bnum)
	if bp == nil || bp.ready != nil {
		c.m.Unlock()
		return nil
	}
	c.pin(bp)
	c.m.Unlock()

	err := c.writeBack(bp.CacheBlock)
	c.release(bp, 0)
	return err
}

// Sync writes every dirty block back to the device, in block order, and
// then asks the device to commit them to stable storage if it can.
func (c *LRUCache) Sync() error {
	c.m.Lock()
	var cached []*lru_buf
	for _, bp := range c.buf {
		if bp.Blocknum == NO_BLOCK || bp.ready != nil {
			continue
		}
		// unpinned blocks cannot change under us; pinned ones may be
		// dirtied at any moment by their holders
		bp.RLock()
		dirty := bp.Dirty
		bp.RUnlock()
		if bp.count > 0 || dirty {
			c.pin(bp)
			cached = append(cached, bp)
		}
	}
	c.m.Unlock()
	slices.SortFunc(cached, func(a, b *lru_buf) int { return a.Blocknum - b.Blocknum })

	var first error
	nwritten := 0
	for _, bp := range cached {
		bp.RLock()
		d := bp.Dirty
		bp.RUnlock()
		if d {
			if err := c.writeBack(bp.CacheBlock); err != nil && first == nil {
				first = err
			}
			nwritten++
		}
		c.release(bp, 0)
	}
	c.log.Debug("cache synced", "blocks", nwritten)

	if first != nil {
		return first
	}
	if s, ok := c.dev.(vfs.Syncer); ok {
		return s.Sync()
	}
	return nil
}

// Invalidate forgets every clean, unpinned block so the next GetBlock
// rereads it from the device. It reports how many dirty or pinned blocks
// were kept.
func (c *LRUCache) Invalidate() int {
	c.m.Lock()
	defer c.m.Unlock()

	kept := 0
	for _, bp := range c.buf {
		if bp.Blocknum == NO_BLOCK {
			continue
		}
		if bp.count > 0 || bp.Dirty {
			kept++
			continue
		}
		c.unhash(bp)
		bp.Blocknum = NO_BLOCK
	}
	return kept
}

// Stats reports the number of cached, dirty and pinned slots.
func (c *LRUCache) Stats() (cached, dirty, pinned int) {
	c.m.Lock()
	defer c.m.Unlock()
	for _, bp := range c.buf {
		if bp.Blocknum == NO_BLOCK {
			continue
		}
		cached++
		if bp.count > 0 {
			pinned++
		}
		if bp.count == 0 && bp.Dirty {
			dirty++
		}
	}
	return
}

func (c *LRUCache) pin(bp *lru_buf) {
	if bp.count == 0 {
		c.rm_lru(bp)
	}
	bp.count++
}

func (c *LRUCache) search(bnum int) *lru_buf {
	for bp := c.buf_hash[bnum&c.hash_mask]; bp != nil; bp = bp.b_hash {
		if bp.Blocknum == bnum {
			return bp
		}
	}
	return nil
}

func (c *LRUCache) hash(bp *lru_buf) {
	b := bp.Blocknum & c.hash_mask
	bp.b_hash = c.buf_hash[b]
	c.buf_hash[b] = bp
}

// Remove the block from its hash chain
func (c *LRUCache) unhash(bp *lru_buf) {
	if bp.Blocknum == NO_BLOCK {
		return
	}
	b := bp.Blocknum & c.hash_mask
	prev_ptr := c.buf_hash[b]
	if prev_ptr == bp {
		c.buf_hash[b] = bp.b_hash
	} else {
		// The block is not on the front of its hash chain
		for prev_ptr != nil && prev_ptr.b_hash != nil {
			if prev_ptr.b_hash == bp {
				prev_ptr.b_hash = bp.b_hash // found it
				break
			}
			prev_ptr = prev_ptr.b_hash // keep looking
		}
	}
	bp.b_hash = nil
}

// Remove a block from its LRU chain
func (c *LRUCache) rm_lru(bp *lru_buf) {
	nextp := bp.next
	prevp := bp.prev
	if prevp != nil {
		prevp.next = nextp
	} else {
		c.front = nextp
	}

	if nextp != nil {
		nextp.prev = prevp
	} else {
		c.rear = prevp
	}
	bp.next = nil
	bp.prev = nil
}
