package driver

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/dargueta/yaf"
)

// rawDentry is the 32-byte on-disk directory entry. The name is NUL-padded
// and not NUL-terminated when it uses all 24 bytes. An entry whose inode
// number is [ReservedIno] is a tombstone: a free slot inside an occupied
// directory block, reusable by a later create.
type rawDentry struct {
	Ino     uint32
	NameLen uint32
	Name    [MaxNameLength]byte
}

func decodeDentry(data []byte) rawDentry {
	var dentry rawDentry
	dentry.Ino = binary.LittleEndian.Uint32(data[0:4])
	dentry.NameLen = binary.LittleEndian.Uint32(data[4:8])
	copy(dentry.Name[:], data[8:DentrySize])
	return dentry
}

func encodeDentry(dentry rawDentry, data []byte) {
	binary.LittleEndian.PutUint32(data[0:4], dentry.Ino)
	binary.LittleEndian.PutUint32(data[4:8], dentry.NameLen)
	copy(data[8:DentrySize], dentry.Name[:])
}

// dentryBlock returns the cached data block holding the dentry at logical
// byte offset `doff` within the directory, plus the entry's offset inside
// that block.
func (driver *Driver) dentryBlock(dir *Inode, doff int64) ([]byte, uint, error) {
	slot := int(doff / BlockSize)
	buffer, err := driver.image.GetSlice(driver.geo.DataBlock(dir.blocks[slot]), 1)
	if err != nil {
		return nil, 0, yaf.CastToDriverError(err)
	}
	return buffer, uint(doff % BlockSize), nil
}

// checkName validates a directory-entry name: nonempty, at most 24 bytes,
// and free of the separator.
func checkName(name string) error {
	if len(name) == 0 || name == "." || name == ".." {
		return yaf.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%q is not a usable entry name", name))
	}
	if len(name) > MaxNameLength {
		return yaf.ErrNameTooLong.WithMessage(
			fmt.Sprintf(
				"entry name must be at most %d bytes, got %d",
				MaxNameLength,
				len(name),
			),
		)
	}
	if bytes.ContainsRune([]byte(name), '/') {
		return yaf.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("entry name %q contains a path separator", name))
	}
	return nil
}

// matchesName reports whether a live dentry refers to `name`. Both the
// stored length and the stored bytes must agree.
func (dentry *rawDentry) matchesName(name string) bool {
	if dentry.NameLen != uint32(len(name)) {
		return false
	}
	return bytes.Equal(dentry.Name[:len(name)], []byte(name))
}

// findDentry scans the directory in entry order for a live dentry named
// `name`, returning its inode number and its byte offset within the
// directory. Tombstones are skipped. Returns [yaf.ErrNotFound] on a miss.
func (driver *Driver) findDentry(dir *Inode, name string) (uint32, int64, error) {
	if err := checkName(name); err != nil {
		return ReservedIno, 0, err
	}

	for doff := int64(0); doff < dir.Size; doff += DentrySize {
		buffer, offset, err := driver.dentryBlock(dir, doff)
		if err != nil {
			return ReservedIno, 0, err
		}

		dentry := decodeDentry(buffer[offset : offset+DentrySize])
		if dentry.Ino == ReservedIno {
			continue
		}
		if dentry.matchesName(name) {
			return dentry.Ino, doff, nil
		}
	}

	return ReservedIno, 0, yaf.ErrNotFound.WithMessage(
		fmt.Sprintf("no entry named %q", name))
}

// Lookup resolves `name` within the directory `dir` and returns the named
// object's inode. The directory's access time is refreshed.
func (driver *Driver) Lookup(dir *Inode, name string) (*Inode, error) {
	if !dir.IsDir() {
		return nil, yaf.ErrNotADirectory
	}

	driver.dirMu.RLock()
	ino, _, err := driver.findDentry(dir, name)
	driver.dirMu.RUnlock()
	if err != nil {
		return nil, err
	}

	inode, err := driver.GetInode(ino)
	if err != nil {
		return nil, err
	}

	driver.touchAccessed(dir)
	return inode, nil
}

// findFreeSlot returns the byte offset of a dentry slot that a create may
// fill: the first tombstone if one exists, otherwise a freshly carved slot
// at the end of the directory. Carving a slot grows the directory size by
// one entry and, on a block boundary, allocates and installs a new data
// block first. The returned slot is always reserved (tombstoned), so a
// caller that fails partway leaves the directory consistent.
func (driver *Driver) findFreeSlot(dir *Inode) (int64, error) {
	for doff := int64(0); doff < dir.Size; doff += DentrySize {
		buffer, offset, err := driver.dentryBlock(dir, doff)
		if err != nil {
			return 0, err
		}
		if binary.LittleEndian.Uint32(buffer[offset:offset+4]) == ReservedIno {
			return doff, nil
		}
	}

	if dir.Size/DentrySize >= MaxDentries {
		return 0, yaf.ErrNoSpaceOnDevice.WithMessage(
			fmt.Sprintf("directory is full (%d entries)", MaxDentries))
	}

	if dir.Size%BlockSize == 0 {
		// Crossing into a new block: back the next slot range with storage.
		dno, err := driver.dataAlloc.Allocate()
		if err != nil {
			return 0, yaf.CastToDriverError(err)
		}
		dir.blocks[dir.Size/BlockSize] = dno
	}

	doff := dir.Size
	buffer, offset, err := driver.dentryBlock(dir, doff)
	if err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint32(buffer[offset:offset+4], ReservedIno)
	driver.image.MarkBlockRangeDirty(driver.geo.DataBlock(dir.blocks[doff/BlockSize]), 1)

	dir.Size += DentrySize
	dir.dirty = true
	return doff, nil
}

// writeDentry fills the slot at `doff` and marks its block dirty.
func (driver *Driver) writeDentry(dir *Inode, doff int64, ino uint32, name string) error {
	buffer, offset, err := driver.dentryBlock(dir, doff)
	if err != nil {
		return err
	}

	dentry := rawDentry{Ino: ino, NameLen: uint32(len(name))}
	copy(dentry.Name[:], name)
	encodeDentry(dentry, buffer[offset:offset+DentrySize])
	return yaf.CastToDriverError(driver.image.MarkBlockRangeDirty(
		driver.geo.DataBlock(dir.blocks[doff/BlockSize]), 1))
}

// Create makes a new object named `name` in the directory `dir`. Directory
// creation is requested through the mode's [os.ModeDir] bit. The parent's
// link count grows only for subdirectories, so a directory's link count is
// one (its own dentry) plus its number of child directories.
func (driver *Driver) Create(dir *Inode, name string, mode os.FileMode) (*Inode, error) {
	if !dir.IsDir() {
		return nil, yaf.ErrNotADirectory
	}
	if err := checkName(name); err != nil {
		return nil, err
	}

	driver.dirMu.Lock()
	defer driver.dirMu.Unlock()

	if _, _, err := driver.findDentry(dir, name); err == nil {
		return nil, yaf.ErrExists.WithMessage(
			fmt.Sprintf("%q already exists", name))
	}

	doff, err := driver.findFreeSlot(dir)
	if err != nil {
		return nil, err
	}

	// The slot is already reserved as a tombstone; if inode allocation
	// fails the directory keeps a reusable hole instead of a dangling
	// reference.
	inode, err := driver.newInode(dir, mode)
	if err != nil {
		driver.writeInode(dir)
		return nil, err
	}

	if err := driver.writeDentry(dir, doff, inode.Ino(), name); err != nil {
		return nil, err
	}

	now := time.Now()
	dir.LastModified = now
	dir.LastChanged = now
	if mode.IsDir() {
		dir.Nlinks++
	}
	if err := driver.writeInode(dir); err != nil {
		return nil, err
	}
	return inode, nil
}

// isDirEmpty reports whether the directory holds no live entries.
func (driver *Driver) isDirEmpty(dir *Inode) (bool, error) {
	for doff := int64(0); doff < dir.Size; doff += DentrySize {
		buffer, offset, err := driver.dentryBlock(dir, doff)
		if err != nil {
			return false, err
		}
		if binary.LittleEndian.Uint32(buffer[offset:offset+4]) != ReservedIno {
			return false, nil
		}
	}
	return true, nil
}

// removeDentry tombstones the named entry and applies the shared
// bookkeeping for unlink and rmdir: parent timestamps, parent link count
// for directory removal, and the target's link-count decrement. At zero
// links the target's storage is released; the stale record in the inode
// table is gated off by the bitmap alone.
func (driver *Driver) removeDentry(dir *Inode, name string, target *Inode) error {
	_, doff, err := driver.findDentry(dir, name)
	if err != nil {
		return err
	}

	buffer, offset, err := driver.dentryBlock(dir, doff)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buffer[offset:offset+4], ReservedIno)
	if err := driver.image.MarkBlockRangeDirty(
		driver.geo.DataBlock(dir.blocks[doff/BlockSize]), 1); err != nil {
		return yaf.CastToDriverError(err)
	}

	now := time.Now()
	dir.LastModified = now
	dir.LastChanged = now
	if target.IsDir() {
		dir.Nlinks--
	}
	if err := driver.writeInode(dir); err != nil {
		return err
	}

	target.Nlinks--
	target.LastChanged = now
	if target.Nlinks > 0 {
		return driver.writeInode(target)
	}
	return driver.evictInode(target)
}

// Unlink removes the regular file named `name` from `dir`.
func (driver *Driver) Unlink(dir *Inode, name string) error {
	if !dir.IsDir() {
		return yaf.ErrNotADirectory
	}

	driver.dirMu.Lock()
	defer driver.dirMu.Unlock()

	ino, _, err := driver.findDentry(dir, name)
	if err != nil {
		return err
	}
	target, err := driver.GetInode(ino)
	if err != nil {
		return err
	}
	if target.IsDir() {
		return yaf.ErrIsADirectory.WithMessage(
			fmt.Sprintf("%q is a directory; remove it with Rmdir", name))
	}

	return driver.removeDentry(dir, name, target)
}

// Rmdir removes the empty directory named `name` from `dir`. A directory
// with child directories is detected cheaply through its link count; one
// holding only regular files needs the scan.
func (driver *Driver) Rmdir(dir *Inode, name string) error {
	if !dir.IsDir() {
		return yaf.ErrNotADirectory
	}

	driver.dirMu.Lock()
	defer driver.dirMu.Unlock()

	ino, _, err := driver.findDentry(dir, name)
	if err != nil {
		return err
	}
	target, err := driver.GetInode(ino)
	if err != nil {
		return err
	}
	if !target.IsDir() {
		return yaf.ErrNotADirectory.WithMessage(
			fmt.Sprintf("%q is not a directory", name))
	}

	if target.Nlinks > 1 {
		return yaf.ErrDirectoryNotEmpty.WithMessage(
			fmt.Sprintf("%q still contains directories", name))
	}
	empty, err := driver.isDirEmpty(target)
	if err != nil {
		return err
	}
	if !empty {
		return yaf.ErrDirectoryNotEmpty.WithMessage(
			fmt.Sprintf("%q still contains entries", name))
	}

	return driver.removeDentry(dir, name, target)
}

// Link adds a second name for `target` inside `dir`. Directories cannot be
// hard-linked.
func (driver *Driver) Link(dir *Inode, name string, target *Inode) error {
	if !dir.IsDir() {
		return yaf.ErrNotADirectory
	}
	if target.IsDir() {
		return yaf.ErrNotPermitted.WithMessage("cannot hard-link a directory")
	}
	if err := checkName(name); err != nil {
		return err
	}

	driver.dirMu.Lock()
	defer driver.dirMu.Unlock()

	if _, _, err := driver.findDentry(dir, name); err == nil {
		return yaf.ErrExists.WithMessage(fmt.Sprintf("%q already exists", name))
	}

	doff, err := driver.findFreeSlot(dir)
	if err != nil {
		return err
	}
	if err := driver.writeDentry(dir, doff, target.Ino(), name); err != nil {
		return err
	}

	now := time.Now()
	target.Nlinks++
	target.LastChanged = now
	if err := driver.writeInode(target); err != nil {
		return err
	}

	dir.LastModified = now
	dir.LastChanged = now
	return driver.writeInode(dir)
}

////////////////////////////////////////////////////////////////////////////////
// Iteration

// dotsOffset is the cursor bias for the two synthetic entries: cursor
// positions 0 and 1 emit "." and "..", and position n >= 2 maps to byte
// offset n-2 in the directory's logical dentry stream.
const dotsOffset = 2

// iterateDirectory walks the directory from cursor position `pos`, calling
// `emit` once per visible entry. "." and ".." are synthesized (they are
// never stored); after them, the cursor must land on an entry boundary.
// The cursor advances one dentry per slot whether or not the slot is
// tombstoned, and the final position is returned.
func (driver *Driver) iterateDirectory(
	dir *Inode,
	parentIno uint32,
	pos int64,
	emit func(name string, ino uint32, mode os.FileMode) bool,
) (int64, error) {
	if !dir.IsDir() {
		return pos, yaf.ErrNotADirectory
	}

	driver.dirMu.RLock()
	defer driver.dirMu.RUnlock()

	if pos == 0 {
		if !emit(".", dir.Ino(), os.ModeDir) {
			return pos, nil
		}
		pos = 1
	}
	if pos == 1 {
		if !emit("..", parentIno, os.ModeDir) {
			return pos, nil
		}
		pos = dotsOffset
	}

	doff := pos - dotsOffset
	if doff%DentrySize != 0 {
		return pos, yaf.ErrNotFound.WithMessage(
			fmt.Sprintf("cursor %d is not on an entry boundary", pos))
	}

	for doff < dir.Size {
		buffer, offset, err := driver.dentryBlock(dir, doff)
		if err != nil {
			return doff + dotsOffset, err
		}

		dentry := decodeDentry(buffer[offset : offset+DentrySize])
		doff += DentrySize

		if dentry.Ino == ReservedIno {
			continue
		}
		name := string(dentry.Name[:dentry.NameLen])
		if !emit(name, dentry.Ino, 0) {
			break
		}
	}

	return doff + dotsOffset, nil
}

func (driver *Driver) touchAccessed(inode *Inode) {
	if !driver.currentMountFlags.CanWrite() ||
		driver.currentMountFlags&yaf.MountFlagsPreserveTimestamps != 0 {
		return
	}
	inode.LastAccessed = time.Now()
	inode.dirty = true
}
