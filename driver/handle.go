package driver

import (
	"fmt"
	"os"
	"time"

	"github.com/dargueta/yaf"
)

// Handle is a reference to one object on the filesystem, reached through
// its parent directory. The root directory is its own parent.
type Handle struct {
	driver *Driver
	inode  *Inode
	parent *Inode
	name   string
}

// Stat returns the object's status as it appears on disk.
func (handle *Handle) Stat() yaf.FileStat {
	return handle.inode.FileStat
}

// Name returns the object's name without any path component. The root
// directory, which has no stored name, returns "/".
func (handle *Handle) Name() string {
	return handle.name
}

// Inode exposes the object's inode to callers that work at the inode
// layer.
func (handle *Handle) Inode() *Inode {
	return handle.inode
}

// Open opens the object for byte-level I/O. Directories can't be opened
// this way; use [Handle.ListDir] or [Handle.ReadDirAt] instead.
func (handle *Handle) Open(flags yaf.IOFlags) (*File, error) {
	return handle.driver.OpenFile(handle.inode, handle.name, flags)
}

// Chmod replaces the permission bits of the object.
func (handle *Handle) Chmod(mode os.FileMode) error {
	if !handle.driver.currentMountFlags.CanWrite() {
		return yaf.ErrReadOnlyFileSystem
	}

	inode := handle.inode
	inode.rawMode = (inode.rawMode &^ 0o7777) | (yaf.FileModeToRaw(mode) & 0o7777)
	inode.ModeFlags = yaf.FileModeFromRaw(inode.rawMode)
	inode.LastChanged = time.Now()
	return handle.driver.writeInode(inode)
}

// Chown changes the owning user and group of the object.
func (handle *Handle) Chown(uid, gid int) error {
	if !handle.driver.currentMountFlags.CanWrite() {
		return yaf.ErrReadOnlyFileSystem
	}

	inode := handle.inode
	inode.Uid = uint32(uid)
	inode.Gid = uint32(gid)
	inode.LastChanged = time.Now()
	return handle.driver.writeInode(inode)
}

// Chtimes changes the access and modification times of the object.
func (handle *Handle) Chtimes(lastAccessed, lastModified time.Time) error {
	if !handle.driver.currentMountFlags.CanWrite() {
		return yaf.ErrReadOnlyFileSystem
	}

	inode := handle.inode
	inode.LastAccessed = lastAccessed
	inode.LastModified = lastModified
	inode.LastChanged = time.Now()
	return handle.driver.writeInode(inode)
}

// ListDir returns the names of the directory's live entries, in entry
// order, without "." and "..".
func (handle *Handle) ListDir() ([]string, error) {
	names := []string{}
	_, err := handle.driver.iterateDirectory(
		handle.inode,
		handle.parentIno(),
		dotsOffset,
		func(name string, ino uint32, mode os.FileMode) bool {
			names = append(names, name)
			return true
		},
	)
	if err != nil {
		return nil, err
	}
	return names, nil
}

// ReadDirAt reads directory entries beginning at cursor position `pos`.
// Position 0 yields the synthetic "." and ".." entries first. The returned
// cursor resumes the listing exactly where this call stopped; at the end of
// the directory it points one past the final slot.
func (handle *Handle) ReadDirAt(pos int64) ([]yaf.DirectoryEntry, int64, error) {
	entries := []yaf.DirectoryEntry{}

	next, err := handle.driver.iterateDirectory(
		handle.inode,
		handle.parentIno(),
		pos,
		func(name string, ino uint32, mode os.FileMode) bool {
			stat := yaf.FileStat{InodeNumber: uint64(ino), ModeFlags: mode}
			if inode, inodeErr := handle.driver.GetInode(ino); inodeErr == nil {
				stat = inode.FileStat
			}
			entries = append(entries, &dirEntry{name: name, stat: stat})
			return true
		},
	)
	if err != nil {
		return nil, pos, err
	}
	return entries, next, nil
}

func (handle *Handle) parentIno() uint32 {
	if handle.parent == nil {
		return RootIno
	}
	return handle.parent.Ino()
}

////////////////////////////////////////////////////////////////////////////////
// Directory entries

type dirEntry struct {
	name string
	stat yaf.FileStat
}

func (entry *dirEntry) Name() string {
	return entry.name
}

func (entry *dirEntry) IsDir() bool {
	return entry.stat.ModeFlags.IsDir()
}

func (entry *dirEntry) Type() os.FileMode {
	return entry.stat.ModeFlags.Type()
}

func (entry *dirEntry) Info() (os.FileInfo, error) {
	return &fileInfo{name: entry.name, stat: entry.stat}, nil
}

func (entry *dirEntry) Stat() yaf.FileStat {
	return entry.stat
}

// fileInfo adapts a [yaf.FileStat] to [os.FileInfo].
type fileInfo struct {
	name string
	stat yaf.FileStat
}

func (info *fileInfo) Name() string {
	return info.name
}

func (info *fileInfo) Size() int64 {
	return info.stat.Size
}

func (info *fileInfo) Mode() os.FileMode {
	return info.stat.ModeFlags
}

func (info *fileInfo) ModTime() time.Time {
	return info.stat.LastModified
}

func (info *fileInfo) IsDir() bool {
	return info.stat.ModeFlags.IsDir()
}

func (info *fileInfo) Sys() any {
	return &info.stat
}

// String implements [fmt.Stringer] for debugging output.
func (info *fileInfo) String() string {
	return fmt.Sprintf("%s %8d %s", info.Mode(), info.Size(), info.Name())
}
