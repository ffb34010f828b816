package driver

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/dargueta/yaf"
	c "github.com/dargueta/yaf/common"
	"github.com/dargueta/yaf/common/blockcache"
)

// bitmapAllocator hands out indices from one of the two on-disk bitmaps
// (inode or data). Bits are LSB-first within each byte, byte index growing
// with block offset; bit `i` lives in block `firstBlock + i/BitsPerBlock`.
//
// The mutex is the atomicity floor from the concurrency model: find-and-set
// must be atomic against every other caller so that two allocators can
// never be handed the same index. Dirty marking happens while the lock (and
// therefore the block) is held, before the allocator lets go of it.
type bitmapAllocator struct {
	mu         sync.Mutex
	image      *blockcache.BlockCache
	firstBlock c.LogicalBlock
	// blockCount is the number of blocks the bitmap spans on disk.
	blockCount uint32
	// totalBits is the number of indices actually backed by a table slot;
	// the bitmap's trailing padding bits are never valid.
	totalBits uint32
	// reservedLow indices are never handed out. The inode bitmap reserves
	// index 0 so that ReservedIno stays unallocatable even though mkfs
	// leaves its bit clear; the data bitmap reserves nothing (dno 0 is a
	// normal allocatable block, the sentinel only applies to inode block
	// lists).
	reservedLow uint32
}

func newBitmapAllocator(
	image *blockcache.BlockCache,
	firstBlock c.LogicalBlock,
	blockCount uint32,
	totalBits uint32,
	reservedLow uint32,
) *bitmapAllocator {
	return &bitmapAllocator{
		image:       image,
		firstBlock:  firstBlock,
		blockCount:  blockCount,
		totalBits:   totalBits,
		reservedLow: reservedLow,
	}
}

// Allocate finds the lowest clear bit, sets it, marks the containing block
// dirty, and returns the bit's global index. Returns
// [yaf.ErrNoSpaceOnDevice] when every valid index is taken.
func (alloc *bitmapAllocator) Allocate() (uint32, error) {
	alloc.mu.Lock()
	defer alloc.mu.Unlock()

	for blockIdx := uint32(0); blockIdx < alloc.blockCount; blockIdx++ {
		buffer, err := alloc.image.GetSlice(alloc.firstBlock+c.LogicalBlock(blockIdx), 1)
		if err != nil {
			return 0, yaf.CastToDriverError(err)
		}

		for byteIdx, b := range buffer {
			if b == 0xff {
				continue
			}

			bitIdx := uint(bits.TrailingZeros8(^b))
			index := blockIdx*BitsPerBlock + uint32(byteIdx)*8 + uint32(bitIdx)
			if index < alloc.reservedLow {
				// Mask the reserved bits off and rescan this byte.
				masked := b | byte((1<<(alloc.reservedLow-uint32(byteIdx)*8))-1)
				if masked == 0xff {
					continue
				}
				bitIdx = uint(bits.TrailingZeros8(^masked))
				index = blockIdx*BitsPerBlock + uint32(byteIdx)*8 + uint32(bitIdx)
			}
			if index >= alloc.totalBits {
				return 0, yaf.ErrNoSpaceOnDevice
			}

			buffer[byteIdx] |= 1 << bitIdx
			err = alloc.image.MarkBlockRangeDirty(
				alloc.firstBlock+c.LogicalBlock(blockIdx), 1)
			if err != nil {
				return 0, yaf.CastToDriverError(err)
			}
			return index, nil
		}
	}

	return 0, yaf.ErrNoSpaceOnDevice
}

// Free clears a previously allocated bit and marks the containing block
// dirty. Freeing a bit that is already clear is a double free, i.e. a bug
// in the caller, and panics.
func (alloc *bitmapAllocator) Free(index uint32) {
	alloc.mu.Lock()
	defer alloc.mu.Unlock()

	if index >= alloc.totalBits {
		panic(fmt.Sprintf(
			"bitmap free out of range: %d not in [0, %d)", index, alloc.totalBits))
	}

	block := alloc.firstBlock + c.LogicalBlock(index/BitsPerBlock)
	buffer, err := alloc.image.GetSlice(block, 1)
	if err != nil {
		panic(fmt.Sprintf("bitmap block %d unreadable while freeing bit %d: %s",
			block, index, err))
	}

	byteIdx := (index % BitsPerBlock) / 8
	mask := byte(1) << (index % 8)
	if buffer[byteIdx]&mask == 0 {
		panic(fmt.Sprintf("double free of bitmap bit %d", index))
	}

	buffer[byteIdx] &^= mask
	alloc.image.MarkBlockRangeDirty(block, 1)
}

// IsSet reports whether the bit at `index` is currently allocated.
func (alloc *bitmapAllocator) IsSet(index uint32) (bool, error) {
	alloc.mu.Lock()
	defer alloc.mu.Unlock()

	if index >= alloc.totalBits {
		return false, yaf.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf("bit %d not in [0, %d)", index, alloc.totalBits))
	}

	block := alloc.firstBlock + c.LogicalBlock(index/BitsPerBlock)
	buffer, err := alloc.image.GetSlice(block, 1)
	if err != nil {
		return false, yaf.CastToDriverError(err)
	}
	return buffer[(index%BitsPerBlock)/8]&(1<<(index%8)) != 0, nil
}

// FreeCount returns the number of allocatable indices currently
// unallocated. Reserved low indices are excluded even though their bits are
// clear on disk.
func (alloc *bitmapAllocator) FreeCount() (uint64, error) {
	alloc.mu.Lock()
	defer alloc.mu.Unlock()

	free := uint64(0)
	remaining := alloc.totalBits

	for blockIdx := uint32(0); blockIdx < alloc.blockCount && remaining > 0; blockIdx++ {
		buffer, err := alloc.image.GetSlice(alloc.firstBlock+c.LogicalBlock(blockIdx), 1)
		if err != nil {
			return 0, yaf.CastToDriverError(err)
		}

		bitsInBlock := uint32(BitsPerBlock)
		if remaining < bitsInBlock {
			bitsInBlock = remaining
		}

		wholeBytes := bitsInBlock / 8
		for _, b := range buffer[:wholeBytes] {
			free += uint64(8 - bits.OnesCount8(b))
		}
		if tail := bitsInBlock % 8; tail != 0 {
			b := buffer[wholeBytes] | ^byte((1<<tail)-1)
			free += uint64(8 - bits.OnesCount8(b))
		}
		remaining -= bitsInBlock
	}

	// Discount reserved indices whose bits are clear; they're not usable.
	if alloc.reservedLow > 0 {
		buffer, err := alloc.image.GetSlice(alloc.firstBlock, 1)
		if err != nil {
			return 0, yaf.CastToDriverError(err)
		}
		for index := uint32(0); index < alloc.reservedLow; index++ {
			if buffer[index/8]&(1<<(index%8)) == 0 {
				free--
			}
		}
	}

	return free, nil
}
