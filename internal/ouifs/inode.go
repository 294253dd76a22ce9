package ouifs

import (
	"golang.org/x/xerrors"

	"github.com/ouichefs/ouichefs/internal/disklayout"
)

// inodeLoc returns the inode store block and the byte offset of inode ino.
func (fs *FS) inodeLoc(ino uint32) (block uint32, off int) {
	return fs.sb.IstoreStart() + ino/disklayout.InodesPerBlock,
		int(ino%disklayout.InodesPerBlock) * disklayout.InodeSize
}

func (fs *FS) checkIno(ino uint32) error {
	if ino == 0 || ino >= fs.sb.NrInodes {
		return xerrors.Errorf("inode %d out of range: %w", ino, ErrInvalidArgument)
	}
	return nil
}

// readInode decodes inode ino from the inode store.
func (fs *FS) readInode(ino uint32) (*disklayout.Inode, error) {
	if err := fs.checkIno(ino); err != nil {
		return nil, err
	}
	block, off := fs.inodeLoc(ino)
	buf, err := fs.dev.ReadBlock(block)
	if err != nil {
		return nil, err
	}
	var rec disklayout.Inode
	buf.Lock()
	err = disklayout.Unmarshal(buf.Data[off:off+disklayout.InodeSize], &rec)
	buf.Unlock()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// writeInode encodes inode ino back into the inode store.
func (fs *FS) writeInode(ino uint32, rec *disklayout.Inode) error {
	if err := fs.checkIno(ino); err != nil {
		return err
	}
	block, off := fs.inodeLoc(ino)
	buf, err := fs.dev.ReadBlock(block)
	if err != nil {
		return err
	}
	buf.Lock()
	disklayout.Marshal(buf.Data[off:off+disklayout.InodeSize], rec)
	buf.MarkDirty()
	buf.Unlock()
	return nil
}

// allocInode draws a fresh inode number. The record in the store is already
// all-zero: either never used, or cleared when the inode died.
func (fs *FS) allocInode() (uint32, error) {
	ino := fs.ifree.Alloc()
	if ino == 0 {
		return 0, xerrors.Errorf("allocating inode: %w", ErrNoSpace)
	}
	fs.sbMu.Lock()
	fs.sb.NrFreeInodes--
	fs.sbMu.Unlock()
	return ino, nil
}

// freeInode returns ino to the bitmap. Callers clear the record first.
func (fs *FS) freeInode(ino uint32) {
	fs.ifree.Free(ino)
	fs.sbMu.Lock()
	fs.sb.NrFreeInodes++
	fs.sbMu.Unlock()
}

// InodeAllocated reports whether ino is currently allocated. Exposed to the
// consistency checker and the snapshot sweep.
func (fs *FS) InodeAllocated(ino uint32) bool {
	if ino == 0 || ino >= fs.sb.NrInodes {
		return false
	}
	return !fs.ifree.Test(ino)
}
