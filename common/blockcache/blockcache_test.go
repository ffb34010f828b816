package blockcache_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/yaf"
	c "github.com/dargueta/yaf/common"
	"github.com/dargueta/yaf/common/blockcache"
	dt "github.com/dargueta/yaf/testing"
)

func TestReadAtReturnsBackingData(t *testing.T) {
	backing := dt.CreateRandomImage(512, 16, t)
	cache := dt.CreateDefaultCache(512, 16, false, backing, t)

	buffer := make([]byte, 1024)
	n, err := cache.ReadAt(buffer, 3)
	require.NoError(t, err)
	assert.Equal(t, 1024, n)
	assert.Equal(t, backing[3*512:5*512], buffer)
}

func TestReadAtOddSizedBuffer(t *testing.T) {
	backing := dt.CreateRandomImage(512, 16, t)
	cache := dt.CreateDefaultCache(512, 16, false, backing, t)

	// 700 bytes straddle two blocks.
	buffer := make([]byte, 700)
	n, err := cache.ReadAt(buffer, 1)
	require.NoError(t, err)
	assert.Equal(t, 700, n)
	assert.Equal(t, backing[512:512+700], buffer)
}

func TestReadAtOutOfBounds(t *testing.T) {
	cache := dt.CreateDefaultCache(512, 16, false, nil, t)

	buffer := make([]byte, 512)
	_, err := cache.ReadAt(buffer, 16)
	assert.True(t, errors.Is(err, yaf.ErrArgumentOutOfRange))

	// In bounds at the start but running off the end.
	bigBuffer := make([]byte, 2*512)
	_, err = cache.ReadAt(bigBuffer, 15)
	assert.True(t, errors.Is(err, yaf.ErrArgumentOutOfRange))
}

func TestWriteAtFlushGoesToBackingStorage(t *testing.T) {
	backing := dt.CreateRandomImage(512, 16, t)
	cache := dt.CreateDefaultCache(512, 16, true, backing, t)

	payload := []byte("some recognizable text")
	_, err := cache.WriteAt(payload, 7)
	require.NoError(t, err)

	assert.NotEqual(t, payload, backing[7*512:7*512+len(payload)],
		"writes must not reach the backing storage before a flush")

	require.NoError(t, cache.Flush())
	assert.Equal(t, payload, backing[7*512:7*512+len(payload)])
}

func TestGetSliceThenMarkDirtyPersists(t *testing.T) {
	backing := dt.CreateRandomImage(512, 16, t)
	cache := dt.CreateDefaultCache(512, 16, true, backing, t)

	slice, err := cache.GetSlice(2, 1)
	require.NoError(t, err)
	require.Len(t, slice, 512)

	slice[0] = 0xaa
	slice[511] = 0x55
	require.NoError(t, cache.MarkBlockRangeDirty(2, 1))
	require.NoError(t, cache.Flush())

	assert.EqualValues(t, 0xaa, backing[2*512])
	assert.EqualValues(t, 0x55, backing[2*512+511])
}

func TestFlushOnlyWritesDirtyBlocks(t *testing.T) {
	flushed := map[c.LogicalBlock]int{}

	fetch := func(block c.LogicalBlock, buffer []byte) error {
		return nil
	}
	flush := func(block c.LogicalBlock, buffer []byte) error {
		flushed[block]++
		return nil
	}

	cache := blockcache.New(512, 16, fetch, flush, nil)

	_, err := cache.WriteAt(make([]byte, 512), 4)
	require.NoError(t, err)
	_, err = cache.GetSlice(9, 1)
	require.NoError(t, err)

	require.NoError(t, cache.Flush())
	assert.Equal(t, map[c.LogicalBlock]int{4: 1}, flushed,
		"only the written block gets flushed, and exactly once")

	// A second flush with nothing new writes nothing.
	require.NoError(t, cache.Flush())
	assert.Equal(t, map[c.LogicalBlock]int{4: 1}, flushed)
}

func TestFetchHappensOncePerBlock(t *testing.T) {
	fetches := map[c.LogicalBlock]int{}
	fetch := func(block c.LogicalBlock, buffer []byte) error {
		fetches[block]++
		return nil
	}
	flush := func(block c.LogicalBlock, buffer []byte) error {
		return nil
	}

	cache := blockcache.New(512, 16, fetch, flush, nil)
	buffer := make([]byte, 512)

	for i := 0; i < 3; i++ {
		_, err := cache.ReadAt(buffer, 5)
		require.NoError(t, err)
	}
	assert.Equal(t, map[c.LogicalBlock]int{5: 1}, fetches)
}

func TestFlushErrorKeepsFailureClass(t *testing.T) {
	fetch := func(block c.LogicalBlock, buffer []byte) error {
		return nil
	}
	flush := func(block c.LogicalBlock, buffer []byte) error {
		return yaf.ErrNoSpaceOnDevice
	}

	cache := blockcache.New(512, 4, fetch, flush, nil)
	_, err := cache.WriteAt(make([]byte, 512), 0)
	require.NoError(t, err)

	err = cache.Flush()
	assert.True(t, errors.Is(err, yaf.ErrNoSpaceOnDevice),
		"the callback's failure class must survive the cache's wrapping")
}

func TestResizeGrowZeroFills(t *testing.T) {
	flushed := map[c.LogicalBlock][]byte{}
	fetch := func(block c.LogicalBlock, buffer []byte) error {
		t.Errorf("fetched block %d; grown blocks must never be fetched", block)
		return nil
	}
	flush := func(block c.LogicalBlock, buffer []byte) error {
		flushed[block] = append([]byte(nil), buffer...)
		return nil
	}
	resize := func(newTotalBlocks c.LogicalBlock) error {
		return nil
	}

	cache := blockcache.New(512, 0, fetch, flush, resize)
	require.NoError(t, cache.Resize(2))
	assert.EqualValues(t, 2, cache.TotalBlocks())

	require.NoError(t, cache.Flush())
	assert.Equal(t, make([]byte, 512), flushed[0])
	assert.Equal(t, make([]byte, 512), flushed[1])
}

func TestResizeNotSupported(t *testing.T) {
	cache := dt.CreateDefaultCache(512, 4, true, nil, t)
	err := cache.Resize(8)
	assert.True(t, errors.Is(err, yaf.ErrNotSupported))
}

func TestWrapSliceRoundTrip(t *testing.T) {
	storage := make([]byte, 8*512)
	cache := blockcache.WrapSlice(storage, 512)

	assert.EqualValues(t, 8, cache.TotalBlocks())
	assert.EqualValues(t, 512, cache.BytesPerBlock())
	assert.EqualValues(t, len(storage), cache.Size())

	payload := []byte("written through the cache")
	_, err := cache.WriteAt(payload, 6)
	require.NoError(t, err)
	require.NoError(t, cache.Flush())
	assert.Equal(t, payload, storage[6*512:6*512+len(payload)])
}

func TestGetMinBlocksForSize(t *testing.T) {
	cache := dt.CreateDefaultCache(512, 4, false, nil, t)
	assert.EqualValues(t, 0, cache.GetMinBlocksForSize(0))
	assert.EqualValues(t, 1, cache.GetMinBlocksForSize(1))
	assert.EqualValues(t, 1, cache.GetMinBlocksForSize(512))
	assert.EqualValues(t, 2, cache.GetMinBlocksForSize(513))
}
