package driver

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/yaf"
)

func TestInodeCodecRoundTrip(t *testing.T) {
	record := make([]byte, InodeSize)
	original := rawInode{
		Mode:   yaf.S_IFREG | 0o640,
		Uid:    1000,
		Gid:    100,
		Nlink:  2,
		Size:   8193,
		Atime:  1700000000,
		Mtime:  1700000001,
		Ctime:  1700000002,
		Blocks: [NumBlockPointers]uint32{7, 8, 9, 0, 0, 0, 0, 0},
	}
	encodeInode(rawInodeToInode(42, original), record)

	decoded := decodeInode(42, record)
	assert.Equal(t, original, inodeToRawInode(decoded),
		"an encode/decode cycle must be lossless")

	assert.EqualValues(t, 42, decoded.InodeNumber)
	assert.EqualValues(t, 8193, decoded.Size)
	assert.EqualValues(t, 2, decoded.Nlinks)
	assert.True(t, decoded.IsFile())
	assert.Equal(t, time.Unix(1700000001, 0), decoded.LastModified)
	assert.EqualValues(t, 3, decoded.countDataBlocks())
}

func TestInodeEncodingIsLittleEndian(t *testing.T) {
	record := make([]byte, InodeSize)
	inode := rawInodeToInode(1, rawInode{Mode: 0x01020304, Size: 0x0a0b0c0d})
	encodeInode(inode, record)

	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, record[0:4], "i_mode")
	assert.Equal(t, []byte{0x0d, 0x0c, 0x0b, 0x0a}, record[16:20], "i_size")
}

func TestInodeRecordLayout(t *testing.T) {
	record := make([]byte, InodeSize)
	raw := rawInode{
		Mode:  1,
		Uid:   2,
		Gid:   3,
		Nlink: 4,
		Size:  5,
		Atime: 6,
		Mtime: 7,
		Ctime: 8,
	}
	raw.Blocks[0] = 9
	raw.Blocks[NumBlockPointers-1] = 10
	encodeInode(rawInodeToInode(0, raw), record)

	// One little-endian u32 per field, in wire order.
	for i, expected := range []byte{1, 2, 3, 4, 5, 6, 7, 8, 9} {
		assert.EqualValues(t, expected, record[i*4],
			"field %d is not at offset %d", i, i*4)
	}
	assert.EqualValues(t, 10, record[InodeSize-4])
}

func TestGetInodeRangeCheck(t *testing.T) {
	driver := newFormattedDriver(t, referenceImageBlocks)

	_, err := driver.GetInode(driver.geo.MaxInodes())
	assert.True(t, errors.Is(err, yaf.ErrInvalidArgument))

	_, err = driver.GetInode(driver.geo.MaxInodes() + 17)
	assert.True(t, errors.Is(err, yaf.ErrInvalidArgument))
}

func TestGetInodeIsCached(t *testing.T) {
	driver := newFormattedDriver(t, referenceImageBlocks)

	first, err := driver.GetInode(RootIno)
	require.NoError(t, err)
	second, err := driver.GetInode(RootIno)
	require.NoError(t, err)
	assert.Same(t, first, second,
		"every path to an inode must observe the same in-memory state")
}

func TestNewInodeInitialization(t *testing.T) {
	driver := newFormattedDriver(t, referenceImageBlocks)
	root := driver.GetRootDirectory().Inode()

	before := time.Now()
	inode, err := driver.newInode(root, 0o640)
	require.NoError(t, err)

	assert.EqualValues(t, 2, inode.Ino())
	assert.EqualValues(t, 1, inode.Nlinks)
	assert.Zero(t, inode.Size)
	assert.Equal(t, root.Uid, inode.Uid, "ownership is inherited from the parent")
	assert.Equal(t, root.Gid, inode.Gid)
	assert.False(t, inode.LastModified.Before(before.Truncate(time.Second)))
	for i := 0; i < NumBlockPointers; i++ {
		assert.EqualValues(t, ReservedDno, inode.blocks[i])
	}

	set, err := driver.inodeAlloc.IsSet(inode.Ino())
	require.NoError(t, err)
	assert.True(t, set, "a fresh inode must claim its bitmap bit")
}

func TestChmodChownChtimes(t *testing.T) {
	driver := newFormattedDriver(t, referenceImageBlocks)
	_, err := driver.Open("/f", yaf.O_RDWR|yaf.O_CREATE, 0o644)
	require.NoError(t, err)

	handle, err := driver.resolve("/f")
	require.NoError(t, err)

	require.NoError(t, handle.Chmod(0o600))
	statAfterChmod := handle.Stat()
	assert.EqualValues(t, 0o600, statAfterChmod.ModeFlags.Perm())
	assert.True(t, statAfterChmod.IsFile(), "chmod must not change the object type")

	require.NoError(t, handle.Chown(12, 34))
	assert.EqualValues(t, 12, handle.Stat().Uid)
	assert.EqualValues(t, 34, handle.Stat().Gid)

	accessed := time.Unix(1600000000, 0)
	modified := time.Unix(1600000001, 0)
	require.NoError(t, handle.Chtimes(accessed, modified))
	assert.Equal(t, accessed, handle.Stat().LastAccessed)
	assert.Equal(t, modified, handle.Stat().LastModified)
}

func TestTimestampSerialization(t *testing.T) {
	moment := time.Unix(1234567890, 0)
	assert.Equal(t, moment, DeserializeTimestamp(SerializeTimestamp(moment)))
	assert.EqualValues(t, 0, SerializeTimestamp(time.Unix(0, 0)))
}
