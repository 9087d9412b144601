package sfs

import "math/bits"

const NO_BIT = -1

// A bitmap is an in-memory allocation map. The free block map is loaded
// from and written back to the bitmap blocks on disk; the inode map is
// rebuilt from the inode table at mount time.
type bitmap struct {
	bits   []byte
	nbits  int
	search int // start searching for unallocated bits here
}

func newBitmap(nbits int) *bitmap {
	return &bitmap{
		bits:  make([]byte, (nbits+7)/8),
		nbits: nbits,
	}
}

func (m *bitmap) test(b int) bool {
	return m.bits[b/8]&(1<<uint(b%8)) != 0
}

func (m *bitmap) set(b int) {
	m.bits[b/8] |= 1 << uint(b%8)
}

func (m *bitmap) clear(b int) {
	m.bits[b/8] &^= 1 << uint(b%8)
}

// alloc allocates a bit and returns its number, or NO_BIT if the map is
// full. The search starts where the previous allocation left off and wraps
// around, so freed bits are not reused straight away.
func (m *bitmap) alloc() int {
	origin := m.search
	if origin >= m.nbits {
		origin = 0 // for robustness
	}

	// Iterate over all chunks plus one, because we start in the middle
	nchunks := len(m.bits)
	chunk := origin / 8
	for count := 0; count <= nchunks; count++ {
		num := m.bits[chunk]
		if num != 0xff {
			// Find the free bits of this chunk, skipping any that lie
			// before the origin on the first pass
			for bit := 0; bit < 8; bit++ {
				b := chunk*8 + bit
				if num&(1<<uint(bit)) != 0 || b >= m.nbits {
					continue
				}
				if count == 0 && b < origin {
					continue
				}
				m.set(b)
				m.search = b + 1
				return b
			}
		}
		chunk++
		if chunk >= nchunks {
			chunk = 0
		}
	}
	return NO_BIT
}

// count returns the number of allocated bits.
func (m *bitmap) count() int {
	n := 0
	for _, b := range m.bits {
		n += bits.OnesCount8(b)
	}
	return n
}

// load copies the on-disk representation of bits [start, start+8*len(data))
// into the map.
func (m *bitmap) load(start int, data []byte) {
	copy(m.bits[start/8:], data)
}

// snapshot returns a copy of the raw map.
func (m *bitmap) snapshot() []byte {
	out := make([]byte, len(m.bits))
	copy(out, m.bits)
	return out
}

// trim clears any stray bits past the end of the map.
func (m *bitmap) trim() {
	for b := m.nbits; b < len(m.bits)*8; b++ {
		m.clear(b)
	}
}
