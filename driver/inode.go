package driver

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dargueta/yaf"
	"github.com/noxer/bytewriter"
)

// rawInode is the 64-byte on-disk inode record. Field order is the wire
// order; every field is little-endian on disk.
type rawInode struct {
	Mode   uint32
	Uid    uint32
	Gid    uint32
	Nlink  uint32
	Size   uint32
	Atime  uint32
	Mtime  uint32
	Ctime  uint32
	Blocks [NumBlockPointers]uint32
}

// Inode is the in-memory form of an inode. On top of the decoded record it
// carries the block list in host byte order for direct indexing, the raw
// mode word (so unknown mode bits survive a round trip), and a dirty flag
// driving write-back. Field updates are serialized by the driver's
// directory lock and by the allocators' locks.
type Inode struct {
	yaf.FileStat
	rawMode uint32
	blocks  [NumBlockPointers]uint32
	dirty   bool
}

// Ino returns the inode's number.
func (inode *Inode) Ino() uint32 {
	return uint32(inode.InodeNumber)
}

// countDataBlocks gives the number of leading block-list slots that are
// backed by allocated data blocks. Directories derive it from their size,
// because a directory may legitimately own data block 0 and the sentinel
// only has meaning for regular files.
func (inode *Inode) countDataBlocks() int {
	if inode.IsDir() {
		return int((inode.Size + BlockSize - 1) / BlockSize)
	}

	k := 0
	for k < NumBlockPointers && inode.blocks[k] != ReservedDno {
		k++
	}
	return k
}

func SerializeTimestamp(tstamp time.Time) uint32 {
	return uint32(tstamp.Unix())
}

func DeserializeTimestamp(tstamp uint32) time.Time {
	return time.Unix(int64(tstamp), 0)
}

// rawInodeToInode builds the in-memory form of an on-disk record.
func rawInodeToInode(ino uint32, raw rawInode) *Inode {
	inode := &Inode{
		rawMode: raw.Mode,
		blocks:  raw.Blocks,
		FileStat: yaf.FileStat{
			InodeNumber:  uint64(ino),
			Nlinks:       uint64(raw.Nlink),
			ModeFlags:    yaf.FileModeFromRaw(raw.Mode),
			Uid:          raw.Uid,
			Gid:          raw.Gid,
			Size:         int64(raw.Size),
			BlockSize:    BlockSize,
			LastAccessed: DeserializeTimestamp(raw.Atime),
			LastModified: DeserializeTimestamp(raw.Mtime),
			LastChanged:  DeserializeTimestamp(raw.Ctime),
		},
	}
	inode.NumBlocks = int64(inode.countDataBlocks())
	return inode
}

// inodeToRawInode is the inverse of [rawInodeToInode].
func inodeToRawInode(inode *Inode) rawInode {
	return rawInode{
		Mode:   inode.rawMode,
		Uid:    inode.Uid,
		Gid:    inode.Gid,
		Nlink:  uint32(inode.Nlinks),
		Size:   uint32(inode.Size),
		Atime:  SerializeTimestamp(inode.LastAccessed),
		Mtime:  SerializeTimestamp(inode.LastModified),
		Ctime:  SerializeTimestamp(inode.LastChanged),
		Blocks: inode.blocks,
	}
}

// decodeInode parses one 64-byte record.
func decodeInode(ino uint32, data []byte) *Inode {
	var raw rawInode
	binary.Read(bytes.NewReader(data), binary.LittleEndian, &raw)
	return rawInodeToInode(ino, raw)
}

// encodeInode renders the inode into `data`, which must be at least 64
// bytes.
func encodeInode(inode *Inode, data []byte) {
	raw := inodeToRawInode(inode)
	binary.Write(bytewriter.New(data), binary.LittleEndian, &raw)
}

////////////////////////////////////////////////////////////////////////////////
// Inode cache

// inodeCache keeps one in-memory inode per inode number so that every path
// to the same file observes the same state.
type inodeCache struct {
	mu      sync.Mutex
	entries map[uint32]*Inode
}

func newInodeCache() *inodeCache {
	return &inodeCache{entries: make(map[uint32]*Inode)}
}

func (cache *inodeCache) remove(ino uint32) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	delete(cache.entries, ino)
}

// forEach visits every cached inode. The order is unspecified.
func (cache *inodeCache) forEach(visit func(inode *Inode) error) error {
	cache.mu.Lock()
	inodes := make([]*Inode, 0, len(cache.entries))
	for _, inode := range cache.entries {
		inodes = append(inodes, inode)
	}
	cache.mu.Unlock()

	for _, inode := range inodes {
		if err := visit(inode); err != nil {
			return err
		}
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Lifecycle

// GetInode returns the in-memory inode for `ino`, reading and decoding the
// on-disk record on first use.
func (driver *Driver) GetInode(ino uint32) (*Inode, error) {
	if ino >= driver.geo.MaxInodes() {
		return nil, yaf.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"inode %d is out of bounds for [0, %d)", ino, driver.geo.MaxInodes()),
		)
	}

	driver.icache.mu.Lock()
	defer driver.icache.mu.Unlock()

	if inode, ok := driver.icache.entries[ino]; ok {
		return inode, nil
	}

	block, offset := driver.geo.InodeBlock(ino)
	buffer, err := driver.image.GetSlice(block, 1)
	if err != nil {
		return nil, yaf.CastToDriverError(err)
	}

	inode := decodeInode(ino, buffer[offset:offset+InodeSize])
	driver.icache.entries[ino] = inode
	return inode, nil
}

// newInode allocates a fresh inode for an object being created in `parent`.
// The new inode starts with one link, no data, and ownership inherited from
// the parent directory. Failures release the allocated inode number.
func (driver *Driver) newInode(parent *Inode, mode os.FileMode) (*Inode, error) {
	ino, err := driver.inodeAlloc.Allocate()
	if err != nil {
		return nil, yaf.CastToDriverError(err).WithMessage("inode table is full")
	}

	now := time.Now()
	inode := &Inode{
		rawMode: yaf.FileModeToRaw(mode),
		FileStat: yaf.FileStat{
			InodeNumber:  uint64(ino),
			Nlinks:       1,
			ModeFlags:    mode,
			Uid:          parent.Uid,
			Gid:          parent.Gid,
			Size:         0,
			BlockSize:    BlockSize,
			LastAccessed: now,
			LastModified: now,
			LastChanged:  now,
			CreatedAt:    now,
		},
		dirty: true,
	}

	if err := driver.writeInode(inode); err != nil {
		driver.inodeAlloc.Free(ino)
		return nil, err
	}

	driver.icache.mu.Lock()
	driver.icache.entries[ino] = inode
	driver.icache.mu.Unlock()
	return inode, nil
}

// writeInode encodes the inode back into its slot in the inode table and
// marks the containing block dirty.
func (driver *Driver) writeInode(inode *Inode) error {
	block, offset := driver.geo.InodeBlock(inode.Ino())
	buffer, err := driver.image.GetSlice(block, 1)
	if err != nil {
		return yaf.CastToDriverError(err)
	}

	encodeInode(inode, buffer[offset:offset+InodeSize])
	if err := driver.image.MarkBlockRangeDirty(block, 1); err != nil {
		return yaf.CastToDriverError(err)
	}
	inode.dirty = false
	return nil
}

// evictInode is the end of an inode's life: once its link count reaches
// zero, every data block it owns is returned to the data bitmap and its
// inode number is returned to the inode bitmap. The stale record is left in
// the table; the bitmap alone gates validity.
func (driver *Driver) evictInode(inode *Inode) error {
	count := inode.countDataBlocks()
	for i := 0; i < count; i++ {
		driver.dataAlloc.Free(inode.blocks[i])
		inode.blocks[i] = ReservedDno
	}

	driver.inodeAlloc.Free(inode.Ino())
	driver.icache.remove(inode.Ino())
	return nil
}
