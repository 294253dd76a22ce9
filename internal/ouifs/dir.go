package ouifs

import (
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/ouichefs/ouichefs/internal/disklayout"
)

// inodeDataAt resolves ino's inode-data entry in snapshot slot snap,
// read-only. Returns ErrNotFound if the inode does not exist there.
func (fs *FS) inodeDataAt(ino uint32, snap int) (*disklayout.InodeData, error) {
	rec, err := fs.readInode(ino)
	if err != nil {
		return nil, err
	}
	idx := rec.IData[snap]
	if idx == 0 {
		return nil, xerrors.Errorf("inode %d absent in slot %d: %w", ino, snap, ErrNotFound)
	}
	return fs.readInodeData(idx)
}

type dirBlock [disklayout.MaxSubfiles]disklayout.DirEntry

func (fs *FS) readDirBlock(b uint32) (*dirBlock, error) {
	buf, err := fs.dev.ReadBlock(b)
	if err != nil {
		return nil, err
	}
	var db dirBlock
	buf.Lock()
	err = disklayout.Unmarshal(buf.Data, &db)
	buf.Unlock()
	if err != nil {
		return nil, err
	}
	return &db, nil
}

func (fs *FS) writeDirBlock(b uint32, db *dirBlock) error {
	buf, err := fs.dev.ReadBlock(b)
	if err != nil {
		return err
	}
	buf.Lock()
	disklayout.Marshal(buf.Data, db)
	buf.MarkDirty()
	buf.Unlock()
	return nil
}

// count returns the number of live entries. Entries are contiguous from the
// front; inode 0 marks the end.
func (db *dirBlock) count() int {
	for i := range db {
		if db[i].Inode == 0 {
			return i
		}
	}
	return len(db)
}

func (db *dirBlock) find(name string) int {
	for i := range db {
		if db[i].Inode == 0 {
			return -1
		}
		if db[i].Name() == name {
			return i
		}
	}
	return -1
}

func checkName(name string) error {
	if name == "" || len(name) >= disklayout.FilenameLen {
		return xerrors.Errorf("filename %q: %w", name, ErrInvalidArgument)
	}
	return nil
}

// dirBlockForWrite makes parent's live inode-data exclusively owned and its
// directory block private, the precondition of every directory mutation.
func (fs *FS) dirBlockForWrite(parent uint32) (uint32, *disklayout.InodeData, error) {
	pidx, pentry, err := fs.inodeDataForWrite(parent)
	if err != nil {
		return 0, nil, err
	}
	if pentry.Mode&unix.S_IFMT != unix.S_IFDIR {
		return 0, nil, xerrors.Errorf("inode %d is not a directory: %w", parent, ErrInvalidArgument)
	}
	nb, err := fs.CowBlock(pentry.IndexBlock, KindDir)
	if err != nil {
		return 0, nil, err
	}
	if nb != pentry.IndexBlock {
		pentry.IndexBlock = nb
		if err := fs.writeInodeData(pidx, pentry); err != nil {
			return 0, nil, err
		}
	}
	return pidx, pentry, nil
}

// lookupSlot finds name in directory parent as seen by snapshot slot snap.
func (fs *FS) lookupSlot(snap int, parent uint32, name string) (uint32, error) {
	pentry, err := fs.inodeDataAt(parent, snap)
	if err != nil {
		return 0, err
	}
	if pentry.Mode&unix.S_IFMT != unix.S_IFDIR {
		return 0, xerrors.Errorf("inode %d is not a directory: %w", parent, ErrInvalidArgument)
	}
	db, err := fs.readDirBlock(pentry.IndexBlock)
	if err != nil {
		return 0, err
	}
	i := db.find(name)
	if i < 0 {
		return 0, xerrors.Errorf("%q: %w", name, ErrNotFound)
	}
	return db[i].Inode, nil
}

// readdirSlot lists directory parent as seen by snapshot slot snap.
func (fs *FS) readdirSlot(snap int, parent uint32) ([]disklayout.DirEntry, error) {
	pentry, err := fs.inodeDataAt(parent, snap)
	if err != nil {
		return nil, err
	}
	if pentry.Mode&unix.S_IFMT != unix.S_IFDIR {
		return nil, xerrors.Errorf("inode %d is not a directory: %w", parent, ErrInvalidArgument)
	}
	db, err := fs.readDirBlock(pentry.IndexBlock)
	if err != nil {
		return nil, err
	}
	n := db.count()
	out := make([]disklayout.DirEntry, n)
	copy(out, db[:n])
	return out, nil
}

// create allocates a new inode of the given mode and inserts it into parent.
func (fs *FS) create(parent uint32, name string, mode uint32) (uint32, error) {
	if err := checkName(name); err != nil {
		return 0, err
	}
	pidx, pentry, err := fs.dirBlockForWrite(parent)
	if err != nil {
		return 0, err
	}
	db, err := fs.readDirBlock(pentry.IndexBlock)
	if err != nil {
		return 0, err
	}
	if db.find(name) >= 0 {
		return 0, xerrors.Errorf("%q: %w", name, ErrExist)
	}
	slot := db.count()
	if slot == disklayout.MaxSubfiles {
		return 0, xerrors.Errorf("directory %d is full: %w", parent, ErrTooBig)
	}

	ino, err := fs.allocInode()
	if err != nil {
		return 0, err
	}
	idx, entry, err := fs.getInodeData(ino, true, false)
	if err != nil {
		fs.freeInode(ino)
		return 0, err
	}
	index, err := fs.AllocBlock()
	if err != nil {
		fs.putInodeData(ino, 0)
		return 0, err
	}
	now := timespecNow()
	entry.Mode = mode
	entry.NLink = 1
	if mode&unix.S_IFMT == unix.S_IFDIR {
		entry.NLink = 2
	}
	entry.IndexBlock = index
	entry.Blocks = 1
	entry.Atime, entry.Mtime, entry.Ctime = now, now, now
	if err := fs.writeInodeData(idx, entry); err != nil {
		fs.putInodeData(ino, 0)
		return 0, err
	}

	db[slot].Inode = ino
	db[slot].SetName(name)
	if err := fs.writeDirBlock(pentry.IndexBlock, db); err != nil {
		fs.putInodeData(ino, 0)
		return 0, err
	}
	pentry.Size = uint32((slot + 1) * disklayout.DirEntrySize)
	pentry.Mtime = now
	pentry.Ctime = now
	if err := fs.writeInodeData(pidx, pentry); err != nil {
		return 0, err
	}
	return ino, nil
}

// removeEntry removes name from parent's directory block, keeping the
// remaining entries contiguous. With dropRef set, the child also loses its
// live inode-data reference (unlink/rmdir); a cross-directory rename keeps
// it.
func (fs *FS) removeEntry(parent uint32, name string, dropRef bool) error {
	pidx, pentry, err := fs.dirBlockForWrite(parent)
	if err != nil {
		return err
	}
	db, err := fs.readDirBlock(pentry.IndexBlock)
	if err != nil {
		return err
	}
	i := db.find(name)
	if i < 0 {
		return xerrors.Errorf("%q: %w", name, ErrNotFound)
	}
	target := db[i].Inode

	n := db.count()
	copy(db[i:], db[i+1:n])
	db[n-1] = disklayout.DirEntry{}
	if err := fs.writeDirBlock(pentry.IndexBlock, db); err != nil {
		return err
	}
	now := timespecNow()
	pentry.Size = uint32((n - 1) * disklayout.DirEntrySize)
	pentry.Mtime = now
	pentry.Ctime = now
	if err := fs.writeInodeData(pidx, pentry); err != nil {
		return err
	}
	if dropRef {
		return fs.putInodeData(target, 0)
	}
	return nil
}

// unlink removes the file name from parent.
func (fs *FS) unlink(parent uint32, name string) error {
	target, err := fs.lookupSlot(0, parent, name)
	if err != nil {
		return err
	}
	tentry, err := fs.inodeDataAt(target, 0)
	if err != nil {
		return err
	}
	if tentry.Mode&unix.S_IFMT == unix.S_IFDIR {
		return xerrors.Errorf("%q is a directory: %w", name, ErrInvalidArgument)
	}
	return fs.removeEntry(parent, name, true)
}

// rmdir removes the empty directory name from parent.
func (fs *FS) rmdir(parent uint32, name string) error {
	target, err := fs.lookupSlot(0, parent, name)
	if err != nil {
		return err
	}
	tentry, err := fs.inodeDataAt(target, 0)
	if err != nil {
		return err
	}
	if tentry.Mode&unix.S_IFMT != unix.S_IFDIR {
		return xerrors.Errorf("%q is not a directory: %w", name, ErrInvalidArgument)
	}
	db, err := fs.readDirBlock(tentry.IndexBlock)
	if err != nil {
		return err
	}
	if db.count() > 0 {
		return xerrors.Errorf("%q: %w", name, ErrNotEmpty)
	}
	return fs.removeEntry(parent, name, true)
}

// rename moves oldName in oldParent to newName in newParent. Within one
// directory the filename is overwritten in place in the CoW'd block; across
// directories the new entry is inserted first and the old one removed only
// after that succeeded.
func (fs *FS) rename(oldParent uint32, oldName string, newParent uint32, newName string) error {
	if err := checkName(newName); err != nil {
		return err
	}
	target, err := fs.lookupSlot(0, oldParent, oldName)
	if err != nil {
		return err
	}

	// An existing destination is replaced, provided it is replaceable.
	if existing, err := fs.lookupSlot(0, newParent, newName); err == nil {
		if existing == target {
			return nil
		}
		eentry, err := fs.inodeDataAt(existing, 0)
		if err != nil {
			return err
		}
		if eentry.Mode&unix.S_IFMT == unix.S_IFDIR {
			edb, err := fs.readDirBlock(eentry.IndexBlock)
			if err != nil {
				return err
			}
			if edb.count() > 0 {
				return xerrors.Errorf("%q: %w", newName, ErrNotEmpty)
			}
		}
		if err := fs.removeEntry(newParent, newName, true); err != nil {
			return err
		}
	}

	if oldParent == newParent {
		pidx, pentry, err := fs.dirBlockForWrite(oldParent)
		if err != nil {
			return err
		}
		db, err := fs.readDirBlock(pentry.IndexBlock)
		if err != nil {
			return err
		}
		i := db.find(oldName)
		if i < 0 {
			return xerrors.Errorf("%q: %w", oldName, ErrNotFound)
		}
		db[i].SetName(newName)
		if err := fs.writeDirBlock(pentry.IndexBlock, db); err != nil {
			return err
		}
		now := timespecNow()
		pentry.Mtime = now
		pentry.Ctime = now
		return fs.writeInodeData(pidx, pentry)
	}

	pidx, pentry, err := fs.dirBlockForWrite(newParent)
	if err != nil {
		return err
	}
	db, err := fs.readDirBlock(pentry.IndexBlock)
	if err != nil {
		return err
	}
	slot := db.count()
	if slot == disklayout.MaxSubfiles {
		return xerrors.Errorf("directory %d is full: %w", newParent, ErrTooBig)
	}
	db[slot].Inode = target
	db[slot].SetName(newName)
	if err := fs.writeDirBlock(pentry.IndexBlock, db); err != nil {
		return err
	}
	now := timespecNow()
	pentry.Size = uint32((slot + 1) * disklayout.DirEntrySize)
	pentry.Mtime = now
	pentry.Ctime = now
	if err := fs.writeInodeData(pidx, pentry); err != nil {
		return err
	}
	return fs.removeEntry(oldParent, oldName, false)
}

func timespecNow() disklayout.Timespec {
	now := time.Now()
	return disklayout.Timespec{Sec: now.Unix(), Nsec: uint32(now.Nanosecond())}
}
