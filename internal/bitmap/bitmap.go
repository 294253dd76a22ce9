// Package bitmap implements the free-object bitmaps of an ouichefs image.
//
// A set bit means the object is free. Index 0 is reserved in every bitmap as
// the "no such object" value, so Alloc never returns it and Free(0) panics.
package bitmap

import (
	"math/bits"
	"sync"

	"github.com/ouichefs/ouichefs/internal/blockdev"
	"github.com/ouichefs/ouichefs/internal/disklayout"
)

// Bitmap is an in-memory copy of a contiguous bitmap region, loaded on mount
// and written back block-by-block on sync.
type Bitmap struct {
	mu    sync.Mutex
	words []uint64
	nbits uint32

	// start/blocks name the on-disk region this bitmap mirrors.
	start  uint32
	blocks uint32
}

// Load reads the bitmap region [start, start+blocks) from dev. nbits is the
// number of valid bits; trailing bits of the last word are ignored.
func Load(dev *blockdev.Device, start, blocks, nbits uint32) (*Bitmap, error) {
	bm := &Bitmap{
		words:  make([]uint64, (int(nbits)+63)/64),
		nbits:  nbits,
		start:  start,
		blocks: blocks,
	}
	for i := uint32(0); i < blocks; i++ {
		buf, err := dev.ReadBlock(start + i)
		if err != nil {
			return nil, err
		}
		buf.Lock()
		base := int(i) * disklayout.BlockSize * 8
		for off, by := range buf.Data {
			bit := base + off*8
			if bit >= int(nbits) {
				break
			}
			bm.words[bit/64] |= uint64(by) << (uint(bit) % 64)
		}
		buf.Unlock()
	}
	bm.clearTail()
	return bm, nil
}

// New returns an all-free bitmap (except the reserved index 0) that is not
// backed by a device; Flush writes nothing for it.
func New(nbits uint32) *Bitmap {
	bm := &Bitmap{
		words: make([]uint64, (int(nbits)+63)/64),
		nbits: nbits,
	}
	for i := range bm.words {
		bm.words[i] = ^uint64(0)
	}
	bm.clearTail()
	bm.words[0] &^= 1 // index 0 is never handed out
	return bm
}

func (bm *Bitmap) clearTail() {
	if rem := bm.nbits % 64; rem != 0 {
		bm.words[len(bm.words)-1] &= (1 << rem) - 1
	}
}

// Alloc returns the lowest free index and marks it allocated, or 0 if the
// bitmap is exhausted. The scan runs without the lock; the clear is
// re-checked under the lock and retried if a racing Alloc took the bit.
func (bm *Bitmap) Alloc() uint32 {
	for {
		idx := bm.findFirst()
		if idx == 0 {
			return 0
		}
		bm.mu.Lock()
		w, b := idx/64, uint(idx%64)
		if bm.words[w]&(1<<b) != 0 {
			bm.words[w] &^= 1 << b
			bm.mu.Unlock()
			return idx
		}
		bm.mu.Unlock()
		// Raced with another allocator, rescan.
	}
}

func (bm *Bitmap) findFirst() uint32 {
	for w, word := range bm.words {
		if word == 0 {
			continue
		}
		idx := uint32(w*64 + bits.TrailingZeros64(word))
		if idx >= bm.nbits {
			return 0
		}
		return idx
	}
	return 0
}

// Free marks index i free again.
func (bm *Bitmap) Free(i uint32) {
	if i == 0 || i >= bm.nbits {
		panic("bitmap: Free of reserved or out-of-range index")
	}
	bm.mu.Lock()
	bm.words[i/64] |= 1 << (uint(i) % 64)
	bm.mu.Unlock()
}

// Test reports whether index i is free.
func (bm *Bitmap) Test(i uint32) bool {
	if i >= bm.nbits {
		return false
	}
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.words[i/64]&(1<<(uint(i)%64)) != 0
}

// Popcount returns the number of free indices.
func (bm *Bitmap) Popcount() uint32 {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	var n int
	for _, w := range bm.words {
		n += bits.OnesCount64(w)
	}
	return uint32(n)
}

// NBits returns the number of valid indices, including the reserved index 0.
func (bm *Bitmap) NBits() uint32 { return bm.nbits }

// Bytes serializes the bitmap into its on-disk byte representation, padded
// to whole blocks.
func (bm *Bitmap) Bytes() []byte {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	nblocks := bm.blocks
	if nblocks == 0 {
		nblocks = uint32((int(bm.nbits) + disklayout.BlockSize*8 - 1) / (disklayout.BlockSize * 8))
	}
	out := make([]byte, int(nblocks)*disklayout.BlockSize)
	for i, w := range bm.words {
		for j := 0; j < 8; j++ {
			out[i*8+j] = byte(w >> (8 * j))
		}
	}
	return out
}

// Flush writes the bitmap back to its device region.
func (bm *Bitmap) Flush(dev *blockdev.Device) error {
	raw := bm.Bytes()
	for i := uint32(0); i < bm.blocks; i++ {
		buf, err := dev.ReadBlock(bm.start + i)
		if err != nil {
			return err
		}
		buf.Lock()
		copy(buf.Data, raw[int(i)*disklayout.BlockSize:])
		buf.MarkDirty()
		buf.Unlock()
	}
	return nil
}
