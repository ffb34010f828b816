// Package blockcache provides a buffered, block-oriented cache over backing
// storage. Consumers ask for a block (or a run of blocks) by index, get a
// byte slice they may mutate, mark the blocks dirty, and flush when they're
// done; only dirty blocks are ever written back.
//
// All block indices begin at 0.

package blockcache

import (
	"fmt"
	"io"
	"sync"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/yaf"
	c "github.com/dargueta/yaf/common"
	"github.com/xaionaro-go/bytesextra"
)

// FetchBlockCallback reads the contents of a single block from the backing
// storage into `buffer`. The following guarantees apply:
//
//   - `blockIndex` is in the range [0, TotalBlocks).
//   - `buffer` is always BytesPerBlock bytes.
type FetchBlockCallback func(blockIndex c.LogicalBlock, buffer []byte) error

// FlushBlockCallback writes the contents of `buffer` to a block in the
// backing storage. All restrictions and guarantees in [FetchBlockCallback]
// apply here too.
type FlushBlockCallback func(blockIndex c.LogicalBlock, buffer []byte) error

// ResizeCallback allocates or frees blocks in the backing storage so that at
// least `newTotalBlocks` are available once it returns. It must not modify
// the data in surviving blocks.
//
// Standard error conditions:
//
//   - [yaf.ErrFileTooLarge]: the object can't grow past a technical limit.
//   - [yaf.ErrNoSpaceOnDevice]: the volume is out of blocks.
//   - [yaf.ErrNotSupported]: the object can't be resized at all.
type ResizeCallback func(newTotalBlocks c.LogicalBlock) error

// BlockCache is the default implementation of [common.WritableDiskImage].
// Its bookkeeping is internally synchronized; callers that mutate returned
// slices are responsible for serializing access to the blocks themselves.
type BlockCache struct {
	mu sync.Mutex
	// loadedBlocks records which blocks are present in `data`.
	loadedBlocks bitmap.Bitmap
	// dirtyBlocks records which blocks in `data` have been modified and need
	// writing back. A dirty block is always also loaded.
	dirtyBlocks   bitmap.Bitmap
	fetch         FetchBlockCallback
	flush         FlushBlockCallback
	resize        ResizeCallback
	bytesPerBlock uint
	totalBlocks   uint
	data          []byte
}

var _ c.WritableDiskImage = (*BlockCache)(nil)
var _ c.BlockDeviceResizer = (*BlockCache)(nil)

// New creates an empty [BlockCache] backed by the three callbacks. Passing
// nil for `resizeCb` makes the cache fixed-size.
func New(
	bytesPerBlock uint,
	totalBlocks uint,
	fetchCb FetchBlockCallback,
	flushCb FlushBlockCallback,
	resizeCb ResizeCallback,
) *BlockCache {
	if resizeCb == nil {
		resizeCb = func(newTotalBlocks c.LogicalBlock) error {
			return yaf.ErrNotSupported.WithMessage(
				fmt.Sprintf(
					"resizing is not supported; size fixed at %d bytes",
					bytesPerBlock*totalBlocks,
				),
			)
		}
	}

	return &BlockCache{
		loadedBlocks:  bitmap.NewSlice(int(totalBlocks)),
		dirtyBlocks:   bitmap.NewSlice(int(totalBlocks)),
		data:          make([]byte, int(bytesPerBlock*totalBlocks)),
		fetch:         fetchCb,
		flush:         flushCb,
		resize:        resizeCb,
		bytesPerBlock: bytesPerBlock,
		totalBlocks:   totalBlocks,
	}
}

// WrapStream creates a [BlockCache] over any [io.ReadWriteSeeker]. To support
// resizing, `stream` must also implement [common.Truncator] and `allowResize`
// must be true.
func WrapStream(
	stream io.ReadWriteSeeker,
	bytesPerBlock uint,
	totalBlocks uint,
	allowResize bool,
) *BlockCache {
	seekTo := func(block c.LogicalBlock) error {
		if uint(block) >= totalBlocks {
			return yaf.ErrArgumentOutOfRange.WithMessage(
				fmt.Sprintf(
					"invalid block number: %d not in range [0, %d)",
					block,
					totalBlocks,
				),
			)
		}
		_, err := stream.Seek(int64(block)*int64(bytesPerBlock), io.SeekStart)
		return err
	}

	fetchCb := func(block c.LogicalBlock, buffer []byte) error {
		err := seekTo(block)
		if err != nil {
			return err
		}
		_, err = stream.Read(buffer)
		if err != nil && err != io.EOF {
			return err
		}
		return nil
	}

	flushCb := func(block c.LogicalBlock, buffer []byte) error {
		err := seekTo(block)
		if err != nil {
			return err
		}
		_, err = stream.Write(buffer)
		return err
	}

	var resizeCb ResizeCallback
	truncator, streamHasTruncate := stream.(c.Truncator)

	switch {
	case allowResize && streamHasTruncate:
		resizeCb = func(newTotalBlocks c.LogicalBlock) error {
			return truncator.Truncate(int64(newTotalBlocks) * int64(bytesPerBlock))
		}
	case allowResize:
		resizeCb = func(newTotalBlocks c.LogicalBlock) error {
			return yaf.ErrNotSupported
		}
	default:
		resizeCb = func(newTotalBlocks c.LogicalBlock) error {
			return yaf.ErrNotPermitted
		}
	}

	return New(bytesPerBlock, totalBlocks, fetchCb, flushCb, resizeCb)
}

// WrapStreamWithInferredSize is [WrapStream] with the total block count
// derived from the current size of the stream, rounded down to a whole
// number of blocks.
func WrapStreamWithInferredSize(
	stream io.ReadWriteSeeker,
	bytesPerBlock uint,
	allowResize bool,
) *BlockCache {
	eofOffset, _ := stream.Seek(0, io.SeekEnd)
	totalBlocks := uint(eofOffset) / bytesPerBlock
	stream.Seek(0, io.SeekStart)
	return WrapStream(stream, bytesPerBlock, totalBlocks, allowResize)
}

// WrapSlice creates a fixed-size [BlockCache] over an in-memory byte slice.
func WrapSlice(storage []byte, bytesPerBlock uint) *BlockCache {
	stream := bytesextra.NewReadWriteSeeker(storage)
	return WrapStream(stream, bytesPerBlock, uint(len(storage))/bytesPerBlock, false)
}

// BytesPerBlock returns the size of a single block, in bytes.
func (cache *BlockCache) BytesPerBlock() uint {
	return cache.bytesPerBlock
}

// TotalBlocks returns the size of the cache, in blocks.
func (cache *BlockCache) TotalBlocks() uint {
	return cache.totalBlocks
}

// Size gives the size of the cache, in bytes (not blocks!).
func (cache *BlockCache) Size() int64 {
	return int64(cache.bytesPerBlock) * int64(cache.totalBlocks)
}

// GetMinBlocksForSize gives the minimum number of blocks required to hold
// the given number of bytes.
func (cache *BlockCache) GetMinBlocksForSize(size uint) uint {
	return (size + cache.bytesPerBlock - 1) / cache.bytesPerBlock
}

// CheckBounds verifies that `bufferSize` bytes can be accessed in the cache
// starting from block `start`, and describes the exact violation if not.
func (cache *BlockCache) CheckBounds(start c.LogicalBlock, bufferSize uint) error {
	numBlocks := cache.GetMinBlocksForSize(bufferSize)

	if uint(start) >= cache.totalBlocks {
		return yaf.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf("block %d not in range [0, %d)", start, cache.totalBlocks),
		)
	}
	if uint(start)+numBlocks > cache.totalBlocks {
		return yaf.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf(
				"can't access %d bytes (%d blocks) starting at block %d;"+
					" requested range not in [0, %d)",
				bufferSize,
				numBlocks,
				start,
				cache.totalBlocks,
			),
		)
	}
	return nil
}

// GetSlice returns a slice pointing into the cache's storage, beginning at
// block `start` and continuing for `count` blocks. Any missing blocks are
// loaded first.
//
// If the returned slice is modified, the modified blocks MUST be marked as
// dirty with [BlockCache.MarkBlockRangeDirty].
func (cache *BlockCache) GetSlice(start c.LogicalBlock, count uint) ([]byte, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return cache.getSlice(start, count)
}

func (cache *BlockCache) getSlice(start c.LogicalBlock, count uint) ([]byte, error) {
	err := cache.loadBlockRange(start, count)
	if err != nil {
		return nil, err
	}

	startOffset := uint(start) * cache.bytesPerBlock
	endOffset := startOffset + (count * cache.bytesPerBlock)
	return cache.data[startOffset:endOffset], nil
}

// Data returns a slice of the entire cache's data, loading every block not
// yet present. The dirty-marking rule of [BlockCache.GetSlice] applies.
func (cache *BlockCache) Data() ([]byte, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	err := cache.loadBlockRange(0, cache.totalBlocks)
	if err != nil {
		return nil, err
	}
	return cache.data[:], nil
}

// loadBlockRange ensures all blocks in [start, start+count) are present in
// the cache, fetching any missing ones from storage.
func (cache *BlockCache) loadBlockRange(start c.LogicalBlock, count uint) error {
	if count == 0 {
		return nil
	}

	err := cache.CheckBounds(start, count*cache.bytesPerBlock)
	if err != nil {
		return err
	}

	for blockIndex := uint(start); blockIndex < uint(start)+count; blockIndex++ {
		// Dirty blocks are loaded by definition, so one bitmap check suffices.
		if cache.loadedBlocks.Get(int(blockIndex)) {
			continue
		}

		startByteOffset := blockIndex * cache.bytesPerBlock
		buffer := cache.data[startByteOffset : startByteOffset+cache.bytesPerBlock]

		err = cache.fetch(c.LogicalBlock(blockIndex), buffer)
		if err != nil {
			return yaf.CastToDriverError(err).WithMessage(
				fmt.Sprintf("failed to load block %d from source: %s", blockIndex, err),
			)
		}

		cache.loadedBlocks.Set(int(blockIndex), true)
		cache.dirtyBlocks.Set(int(blockIndex), false)
	}

	return nil
}

// flushBlockRange writes out all dirty blocks (and only dirty blocks) in the
// given range to the underlying storage and marks them clean.
func (cache *BlockCache) flushBlockRange(start c.LogicalBlock, count uint) error {
	if count == 0 {
		return nil
	}

	err := cache.CheckBounds(start, count*cache.bytesPerBlock)
	if err != nil {
		return err
	}

	for blockIndex := uint(start); blockIndex < uint(start)+count; blockIndex++ {
		// A block that was never loaded is clean by definition.
		if !cache.dirtyBlocks.Get(int(blockIndex)) {
			continue
		}

		startByteOffset := blockIndex * cache.bytesPerBlock
		buffer := cache.data[startByteOffset : startByteOffset+cache.bytesPerBlock]

		err = cache.flush(c.LogicalBlock(blockIndex), buffer)
		if err != nil {
			return yaf.CastToDriverError(err).WithMessage(
				fmt.Sprintf("failed to flush block %d to storage: %s", blockIndex, err),
			)
		}

		cache.dirtyBlocks.Set(int(blockIndex), false)
	}

	return nil
}

// LoadAll ensures every block is loaded from storage into the cache.
func (cache *BlockCache) LoadAll() error {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return cache.loadBlockRange(0, cache.totalBlocks)
}

// Flush writes all dirty blocks out to storage and marks them clean.
func (cache *BlockCache) Flush() error {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return cache.flushBlockRange(0, cache.totalBlocks)
}

// ReadAt fills `buffer` with data beginning at block `start`, loading any
// missing blocks first. `buffer` does not need to be an exact multiple of
// the size of one block.
//
// Attempting to read past the end of the cache results in an error, and
// `buffer` is left unmodified.
func (cache *BlockCache) ReadAt(buffer []byte, start c.LogicalBlock) (int, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	bufLen := uint(len(buffer))
	err := cache.CheckBounds(start, bufLen)
	if err != nil {
		return 0, err
	}

	numBlocks := cache.GetMinBlocksForSize(bufLen)
	sourceData, err := cache.getSlice(start, numBlocks)
	if err != nil {
		return 0, err
	}

	copy(buffer, sourceData)
	if bufLen < uint(len(sourceData)) {
		return int(bufLen), nil
	}
	return len(sourceData), nil
}

// WriteAt copies data into the cache from `buffer`, beginning at block
// `start`, and marks all touched blocks dirty. `buffer` does not need to be
// an exact multiple of the size of one block.
//
// Attempting to write past the end of the cache results in an error, and
// the cache is left unmodified.
func (cache *BlockCache) WriteAt(buffer []byte, start c.LogicalBlock) (int, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	bufLen := uint(len(buffer))

	err := cache.CheckBounds(start, bufLen)
	if err != nil {
		return 0, err
	}

	totalBlocks := cache.GetMinBlocksForSize(bufLen)
	targetByteSlice, err := cache.getSlice(start, totalBlocks)
	if err != nil {
		return 0, err
	}

	copy(targetByteSlice, buffer)

	for i := uint(0); i < totalBlocks; i++ {
		currentBlockIndex := int(start) + int(i)
		cache.loadedBlocks.Set(currentBlockIndex, true)
		cache.dirtyBlocks.Set(currentBlockIndex, true)
	}
	return len(buffer), nil
}

// Resize changes the number of blocks in the cache. Blocks are added to and
// removed from the end.
//
// Appended blocks are zero-filled and marked dirty, so flushing the cache
// writes them out; without that, a grown file could end with blocks of
// stale storage content.
func (cache *BlockCache) Resize(newTotalBlocks uint) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	err := cache.resize(c.LogicalBlock(newTotalBlocks))
	if err != nil {
		return err
	}

	newCacheData := make([]byte, uint(newTotalBlocks)*cache.bytesPerBlock)
	copy(newCacheData, cache.data)

	newDirtyBlocks := bitmap.Bitmap(bitmap.NewSlice(int(newTotalBlocks)))
	newLoadedBlocks := bitmap.Bitmap(bitmap.NewSlice(int(newTotalBlocks)))
	copy(newDirtyBlocks, cache.dirtyBlocks)
	copy(newLoadedBlocks, cache.loadedBlocks)

	for i := cache.totalBlocks; i < newTotalBlocks; i++ {
		newDirtyBlocks.Set(int(i), true)
		newLoadedBlocks.Set(int(i), true)
	}

	cache.data = newCacheData
	cache.dirtyBlocks = newDirtyBlocks
	cache.loadedBlocks = newLoadedBlocks
	cache.totalBlocks = newTotalBlocks
	return nil
}

// MarkBlockRangeDirty marks a range of blocks as modified. They will be
// written out to the backing storage on the next call to
// [BlockCache.Flush]. Marking an already-dirty block is a no-op.
func (cache *BlockCache) MarkBlockRangeDirty(start c.LogicalBlock, count uint) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	err := cache.CheckBounds(start, count*cache.bytesPerBlock)
	if err != nil {
		return err
	}

	for i := uint(0); i < count; i++ {
		bitIndex := int(start) + int(i)
		cache.dirtyBlocks.Set(bitIndex, true)
		cache.loadedBlocks.Set(bitIndex, true)
	}
	return nil
}
