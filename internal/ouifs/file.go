package ouifs

import (
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/ouichefs/ouichefs/internal/disklayout"
)

type indexBlock [disklayout.IndexEntriesPerBlock]uint32

func (fs *FS) readIndexBlock(b uint32) (*indexBlock, error) {
	buf, err := fs.dev.ReadBlock(b)
	if err != nil {
		return nil, err
	}
	var ib indexBlock
	buf.Lock()
	err = disklayout.Unmarshal(buf.Data, &ib)
	buf.Unlock()
	if err != nil {
		return nil, err
	}
	return &ib, nil
}

func (fs *FS) writeIndexBlock(b uint32, ib *indexBlock) error {
	buf, err := fs.dev.ReadBlock(b)
	if err != nil {
		return err
	}
	buf.Lock()
	disklayout.Marshal(buf.Data, ib)
	buf.MarkDirty()
	buf.Unlock()
	return nil
}

func checkRegular(entry *disklayout.InodeData, ino uint32) error {
	if entry.Mode&unix.S_IFMT != unix.S_IFREG {
		return xerrors.Errorf("inode %d is not a regular file: %w", ino, ErrInvalidArgument)
	}
	return nil
}

// fileBlockForWrite maps logical block iblk of ino to a data block the
// caller may write: the inode-data is detached if shared, the index block
// is CoW'd if shared, and the data block itself is allocated or CoW'd.
func (fs *FS) fileBlockForWrite(ino uint32, iblk int) (uint32, error) {
	if iblk < 0 || iblk >= disklayout.IndexEntriesPerBlock {
		return 0, xerrors.Errorf("logical block %d beyond the index block: %w", iblk, ErrTooBig)
	}
	idx, entry, err := fs.inodeDataForWrite(ino)
	if err != nil {
		return 0, err
	}
	if err := checkRegular(entry, ino); err != nil {
		return 0, err
	}
	nb, err := fs.CowBlock(entry.IndexBlock, KindIndex)
	if err != nil {
		return 0, err
	}
	if nb != entry.IndexBlock {
		entry.IndexBlock = nb
		if err := fs.writeInodeData(idx, entry); err != nil {
			return 0, err
		}
	}
	ib, err := fs.readIndexBlock(entry.IndexBlock)
	if err != nil {
		return 0, err
	}
	switch b := ib[iblk]; {
	case b == 0:
		nb, err := fs.AllocBlock()
		if err != nil {
			return 0, err
		}
		ib[iblk] = nb
		if err := fs.writeIndexBlock(entry.IndexBlock, ib); err != nil {
			return 0, err
		}
		entry.Blocks++
		if err := fs.writeInodeData(idx, entry); err != nil {
			return 0, err
		}
		return nb, nil
	default:
		nb, err := fs.CowBlock(b, KindData)
		if err != nil {
			return 0, err
		}
		if nb != b {
			ib[iblk] = nb
			if err := fs.writeIndexBlock(entry.IndexBlock, ib); err != nil {
				return 0, err
			}
		}
		return nb, nil
	}
}

// fileBlockAt maps logical block iblk of ino in snapshot slot snap, 0 for a
// hole.
func (fs *FS) fileBlockAt(snap int, ino uint32, iblk int) (uint32, error) {
	if iblk < 0 || iblk >= disklayout.IndexEntriesPerBlock {
		return 0, nil
	}
	entry, err := fs.inodeDataAt(ino, snap)
	if err != nil {
		return 0, err
	}
	if err := checkRegular(entry, ino); err != nil {
		return 0, err
	}
	ib, err := fs.readIndexBlock(entry.IndexBlock)
	if err != nil {
		return 0, err
	}
	return ib[iblk], nil
}

// readAtSlot reads from ino as seen by snapshot slot snap. Holes read as
// zeroes, like on any sparse file.
func (fs *FS) readAtSlot(snap int, ino uint32, p []byte, off int64) (int, error) {
	entry, err := fs.inodeDataAt(ino, snap)
	if err != nil {
		return 0, err
	}
	if err := checkRegular(entry, ino); err != nil {
		return 0, err
	}
	size := int64(entry.Size)
	if off >= size {
		return 0, nil
	}
	if max := size - off; int64(len(p)) > max {
		p = p[:max]
	}
	ib, err := fs.readIndexBlock(entry.IndexBlock)
	if err != nil {
		return 0, err
	}
	read := 0
	for read < len(p) {
		iblk := int((off + int64(read)) / disklayout.BlockSize)
		boff := int((off + int64(read)) % disklayout.BlockSize)
		n := disklayout.BlockSize - boff
		if n > len(p)-read {
			n = len(p) - read
		}
		if b := ib[iblk]; b == 0 {
			for i := read; i < read+n; i++ {
				p[i] = 0
			}
		} else {
			buf, err := fs.dev.ReadBlock(b)
			if err != nil {
				return read, err
			}
			buf.Lock()
			copy(p[read:read+n], buf.Data[boff:])
			buf.Unlock()
		}
		read += n
	}
	return read, nil
}

// writeAt writes p at off into ino's live copy, growing the file as needed.
func (fs *FS) writeAt(ino uint32, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, xerrors.Errorf("negative offset: %w", ErrInvalidArgument)
	}
	if off+int64(len(p)) > disklayout.MaxFilesize {
		return 0, xerrors.Errorf("write beyond the maximum file size: %w", ErrTooBig)
	}
	written := 0
	for written < len(p) {
		pos := off + int64(written)
		iblk := int(pos / disklayout.BlockSize)
		boff := int(pos % disklayout.BlockSize)
		n := disklayout.BlockSize - boff
		if n > len(p)-written {
			n = len(p) - written
		}
		b, err := fs.fileBlockForWrite(ino, iblk)
		if err != nil {
			return written, err
		}
		buf, err := fs.dev.ReadBlock(b)
		if err != nil {
			return written, err
		}
		buf.Lock()
		copy(buf.Data[boff:boff+n], p[written:written+n])
		buf.MarkDirty()
		buf.Unlock()
		written += n
	}

	if written == 0 {
		return 0, nil
	}
	idx, entry, err := fs.inodeDataForWrite(ino)
	if err != nil {
		return written, err
	}
	now := timespecNow()
	if end := uint32(off) + uint32(written); end > entry.Size {
		entry.Size = end
	}
	entry.Mtime = now
	entry.Ctime = now
	return written, fs.writeInodeData(idx, entry)
}

// truncate sets ino's live size to length, releasing every data block past
// the end.
func (fs *FS) truncate(ino uint32, length int64) error {
	if length < 0 || length > disklayout.MaxFilesize {
		return xerrors.Errorf("truncate to %d: %w", length, ErrTooBig)
	}
	idx, entry, err := fs.inodeDataForWrite(ino)
	if err != nil {
		return err
	}
	if err := checkRegular(entry, ino); err != nil {
		return err
	}
	nb, err := fs.CowBlock(entry.IndexBlock, KindIndex)
	if err != nil {
		return err
	}
	if nb != entry.IndexBlock {
		entry.IndexBlock = nb
	}
	ib, err := fs.readIndexBlock(entry.IndexBlock)
	if err != nil {
		return err
	}
	first := int(length / disklayout.BlockSize)
	if length%disklayout.BlockSize != 0 {
		first++
	}
	for iblk := first; iblk < disklayout.IndexEntriesPerBlock; iblk++ {
		if ib[iblk] == 0 {
			continue
		}
		if err := fs.PutBlock(ib[iblk], KindData); err != nil {
			return err
		}
		ib[iblk] = 0
		entry.Blocks--
	}
	if err := fs.writeIndexBlock(entry.IndexBlock, ib); err != nil {
		return err
	}
	// A shortened tail block keeps stale bytes beyond the new end; they
	// are masked by Size on read and overwritten on append.
	now := timespecNow()
	entry.Size = uint32(length)
	entry.Mtime = now
	entry.Ctime = now
	return fs.writeInodeData(idx, entry)
}

// reflink makes dst share src's data blocks. With both files considered in
// full and dst empty, the index block itself is shared; otherwise the
// blocks are shared pairwise through dst's (CoW'd) index block. Subsequent
// writers on either side trigger the usual per-block CoW.
func (fs *FS) reflink(src, dst uint32) error {
	if src == dst {
		return xerrors.Errorf("reflink onto itself: %w", ErrInvalidArgument)
	}
	_, sentry, err := fs.getInodeData(src, false, false)
	if err != nil {
		return err
	}
	if err := checkRegular(sentry, src); err != nil {
		return err
	}
	didx, dentry, err := fs.inodeDataForWrite(dst)
	if err != nil {
		return err
	}
	if err := checkRegular(dentry, dst); err != nil {
		return err
	}

	if dentry.Size == 0 {
		// Whole-file fast path: swap the index block pointer.
		if err := fs.GetBlock(sentry.IndexBlock); err != nil {
			return err
		}
		if err := fs.PutBlock(dentry.IndexBlock, KindIndex); err != nil {
			return err
		}
		dentry.IndexBlock = sentry.IndexBlock
		dentry.Size = sentry.Size
		dentry.Blocks = sentry.Blocks
		now := timespecNow()
		dentry.Mtime = now
		dentry.Ctime = now
		return fs.writeInodeData(didx, dentry)
	}

	nb, err := fs.CowBlock(dentry.IndexBlock, KindIndex)
	if err != nil {
		return err
	}
	if nb != dentry.IndexBlock {
		dentry.IndexBlock = nb
	}
	sib, err := fs.readIndexBlock(sentry.IndexBlock)
	if err != nil {
		return err
	}
	dib, err := fs.readIndexBlock(dentry.IndexBlock)
	if err != nil {
		return err
	}
	for i := range sib {
		if sib[i] == dib[i] {
			continue
		}
		if sib[i] != 0 {
			if err := fs.GetBlock(sib[i]); err != nil {
				return err
			}
		}
		if dib[i] != 0 {
			if err := fs.PutBlock(dib[i], KindData); err != nil {
				return err
			}
			dentry.Blocks--
		}
		if sib[i] != 0 {
			dentry.Blocks++
		}
		dib[i] = sib[i]
	}
	if err := fs.writeIndexBlock(dentry.IndexBlock, dib); err != nil {
		return err
	}
	now := timespecNow()
	dentry.Size = sentry.Size
	dentry.Mtime = now
	dentry.Ctime = now
	return fs.writeInodeData(didx, dentry)
}
