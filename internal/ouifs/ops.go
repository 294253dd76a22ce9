package ouifs

import (
	"golang.org/x/sys/unix"

	"github.com/ouichefs/ouichefs/internal/disklayout"
)

// Public file operations. Every mutating operation holds the read side of
// the freeze lock for its full duration, so a snapshot operation observes
// either none or all of it.

func (fs *FS) opBegin() error {
	if err := fs.checkUsable(); err != nil {
		return err
	}
	fs.freeze.RLock()
	return nil
}

func (fs *FS) opEnd() { fs.freeze.RUnlock() }

// Lookup finds name in the directory parent of the live state.
func (fs *FS) Lookup(parent uint32, name string) (uint32, error) {
	if err := fs.opBegin(); err != nil {
		return 0, err
	}
	defer fs.opEnd()
	return fs.lookupSlot(0, parent, name)
}

// LookupAt is Lookup in snapshot slot snap (read-only views, export).
func (fs *FS) LookupAt(snap int, parent uint32, name string) (uint32, error) {
	if err := fs.opBegin(); err != nil {
		return 0, err
	}
	defer fs.opEnd()
	return fs.lookupSlot(snap, parent, name)
}

// Readdir lists the directory parent of the live state.
func (fs *FS) Readdir(parent uint32) ([]disklayout.DirEntry, error) {
	if err := fs.opBegin(); err != nil {
		return nil, err
	}
	defer fs.opEnd()
	return fs.readdirSlot(0, parent)
}

// ReaddirAt is Readdir in snapshot slot snap.
func (fs *FS) ReaddirAt(snap int, parent uint32) ([]disklayout.DirEntry, error) {
	if err := fs.opBegin(); err != nil {
		return nil, err
	}
	defer fs.opEnd()
	return fs.readdirSlot(snap, parent)
}

// Stat returns a copy of ino's live inode-data.
func (fs *FS) Stat(ino uint32) (*disklayout.InodeData, error) {
	if err := fs.opBegin(); err != nil {
		return nil, err
	}
	defer fs.opEnd()
	return fs.inodeDataAt(ino, 0)
}

// StatAt is Stat in snapshot slot snap.
func (fs *FS) StatAt(snap int, ino uint32) (*disklayout.InodeData, error) {
	if err := fs.opBegin(); err != nil {
		return nil, err
	}
	defer fs.opEnd()
	return fs.inodeDataAt(ino, snap)
}

// CreateFile creates a regular file with the given permission bits.
func (fs *FS) CreateFile(parent uint32, name string, perm uint32) (uint32, error) {
	if err := fs.opBegin(); err != nil {
		return 0, err
	}
	defer fs.opEnd()
	return fs.create(parent, name, unix.S_IFREG|perm&07777)
}

// Mkdir creates a directory with the given permission bits.
func (fs *FS) Mkdir(parent uint32, name string, perm uint32) (uint32, error) {
	if err := fs.opBegin(); err != nil {
		return 0, err
	}
	defer fs.opEnd()
	return fs.create(parent, name, unix.S_IFDIR|perm&07777)
}

// Unlink removes the file name from parent.
func (fs *FS) Unlink(parent uint32, name string) error {
	if err := fs.opBegin(); err != nil {
		return err
	}
	defer fs.opEnd()
	return fs.unlink(parent, name)
}

// Rmdir removes the empty directory name from parent.
func (fs *FS) Rmdir(parent uint32, name string) error {
	if err := fs.opBegin(); err != nil {
		return err
	}
	defer fs.opEnd()
	return fs.rmdir(parent, name)
}

// Rename moves oldName in oldParent to newName in newParent.
func (fs *FS) Rename(oldParent uint32, oldName string, newParent uint32, newName string) error {
	if err := fs.opBegin(); err != nil {
		return err
	}
	defer fs.opEnd()
	return fs.rename(oldParent, oldName, newParent, newName)
}

// ReadAt reads from ino's live copy at off.
func (fs *FS) ReadAt(ino uint32, p []byte, off int64) (int, error) {
	if err := fs.opBegin(); err != nil {
		return 0, err
	}
	defer fs.opEnd()
	return fs.readAtSlot(0, ino, p, off)
}

// ReadAtSlot reads from ino as seen by snapshot slot snap.
func (fs *FS) ReadAtSlot(snap int, ino uint32, p []byte, off int64) (int, error) {
	if err := fs.opBegin(); err != nil {
		return 0, err
	}
	defer fs.opEnd()
	return fs.readAtSlot(snap, ino, p, off)
}

// WriteAt writes to ino's live copy at off, copying shared blocks first.
func (fs *FS) WriteAt(ino uint32, p []byte, off int64) (int, error) {
	if err := fs.opBegin(); err != nil {
		return 0, err
	}
	defer fs.opEnd()
	return fs.writeAt(ino, p, off)
}

// Truncate sets ino's live size to length.
func (fs *FS) Truncate(ino uint32, length int64) error {
	if err := fs.opBegin(); err != nil {
		return err
	}
	defer fs.opEnd()
	return fs.truncate(ino, length)
}

// Reflink shares src's data blocks into dst without copying. Both files
// become copy-on-write on their next overlapping write.
func (fs *FS) Reflink(src, dst uint32) error {
	if err := fs.opBegin(); err != nil {
		return err
	}
	defer fs.opEnd()
	return fs.reflink(src, dst)
}

// FileBlock resolves logical block iblk of ino in snapshot slot snap, 0 for
// a hole. Exposed for tests asserting physical block sharing.
func (fs *FS) FileBlock(snap int, ino uint32, iblk int) (uint32, error) {
	if err := fs.opBegin(); err != nil {
		return 0, err
	}
	defer fs.opEnd()
	return fs.fileBlockAt(snap, ino, iblk)
}

// SetAttr updates mode, uid/gid and size of ino's live copy. Nil fields are
// left alone.
func (fs *FS) SetAttr(ino uint32, mode *uint32, uid, gid *uint32, size *int64) error {
	if err := fs.opBegin(); err != nil {
		return err
	}
	defer fs.opEnd()
	if size != nil {
		if err := fs.truncate(ino, *size); err != nil {
			return err
		}
	}
	if mode == nil && uid == nil && gid == nil {
		return nil
	}
	idx, entry, err := fs.inodeDataForWrite(ino)
	if err != nil {
		return err
	}
	if mode != nil {
		entry.Mode = entry.Mode&unix.S_IFMT | *mode&07777
	}
	if uid != nil {
		entry.Uid = *uid
	}
	if gid != nil {
		entry.Gid = *gid
	}
	entry.Ctime = timespecNow()
	return fs.writeInodeData(idx, entry)
}
