package ouifs

import (
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/ouichefs/ouichefs/internal/disklayout"
)

// The inode-data store allocates 80-byte metadata records densely out of
// data blocks. A record index resolves through the inode-data index: groups
// of disklayout.InodeDataPerBlock consecutive indices share one hosting
// block, named by one 32-bit slot of the index region.

// idataIndexLoc returns the index-region block and the slot offset naming
// the hosting block of entry idx.
func (fs *FS) idataIndexLoc(idx uint32) (block uint32, slot int) {
	group := idx / disklayout.InodeDataPerBlock
	return fs.sb.InodeDataIndexStart() + group/disklayout.IndexEntriesPerBlock,
		int(group % disklayout.IndexEntriesPerBlock)
}

// idataHostingBlock resolves entry idx to its hosting data block, or 0 if
// the group has no block yet.
func (fs *FS) idataHostingBlock(idx uint32) (uint32, error) {
	block, slot := fs.idataIndexLoc(idx)
	buf, err := fs.dev.ReadBlock(block)
	if err != nil {
		return 0, err
	}
	buf.Lock()
	defer buf.Unlock()
	var b uint32
	if err := disklayout.Unmarshal(buf.Data[slot*4:slot*4+4], &b); err != nil {
		return 0, err
	}
	return b, nil
}

func (fs *FS) setIdataHostingBlock(idx, b uint32) error {
	block, slot := fs.idataIndexLoc(idx)
	buf, err := fs.dev.ReadBlock(block)
	if err != nil {
		return err
	}
	buf.Lock()
	disklayout.Marshal(buf.Data[slot*4:slot*4+4], &b)
	buf.MarkDirty()
	buf.Unlock()
	return nil
}

// readInodeData decodes entry idx.
func (fs *FS) readInodeData(idx uint32) (*disklayout.InodeData, error) {
	if idx == 0 {
		return nil, xerrors.Errorf("inode-data index 0: %w", ErrCorrupt)
	}
	host, err := fs.idataHostingBlock(idx)
	if err != nil {
		return nil, err
	}
	if host == 0 {
		return nil, xerrors.Errorf("inode-data %d has no hosting block: %w", idx, ErrCorrupt)
	}
	buf, err := fs.dev.ReadBlock(host)
	if err != nil {
		return nil, err
	}
	off := int(idx%disklayout.InodeDataPerBlock) * disklayout.InodeDataSize
	var rec disklayout.InodeData
	buf.Lock()
	err = disklayout.Unmarshal(buf.Data[off:off+disklayout.InodeDataSize], &rec)
	buf.Unlock()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// writeInodeData encodes entry idx back into its hosting block.
func (fs *FS) writeInodeData(idx uint32, rec *disklayout.InodeData) error {
	host, err := fs.idataHostingBlock(idx)
	if err != nil {
		return err
	}
	if host == 0 {
		return xerrors.Errorf("inode-data %d has no hosting block: %w", idx, ErrCorrupt)
	}
	buf, err := fs.dev.ReadBlock(host)
	if err != nil {
		return err
	}
	off := int(idx%disklayout.InodeDataPerBlock) * disklayout.InodeDataSize
	buf.Lock()
	disklayout.Marshal(buf.Data[off:off+disklayout.InodeDataSize], rec)
	buf.MarkDirty()
	buf.Unlock()
	return nil
}

// allocInodeData draws a fresh entry index, allocating the group's hosting
// block on first use. The new entry starts with refcount 1 and is otherwise
// zero; the caller fills it in.
func (fs *FS) allocInodeData() (uint32, error) {
	idx := fs.idfree.Alloc()
	if idx == 0 {
		return 0, xerrors.Errorf("allocating inode-data: %w", ErrNoSpace)
	}
	host, err := fs.idataHostingBlock(idx)
	if err != nil {
		fs.idfree.Free(idx)
		return 0, err
	}
	if host == 0 {
		host, err = fs.AllocBlock()
		if err != nil {
			fs.idfree.Free(idx)
			return 0, err
		}
		if err := fs.setIdataHostingBlock(idx, host); err != nil {
			fs.PutBlock(host, KindInodeData)
			fs.idfree.Free(idx)
			return 0, err
		}
	}
	rec := disklayout.InodeData{Refcount: 1}
	if err := fs.writeInodeData(idx, &rec); err != nil {
		fs.idfree.Free(idx)
		return 0, err
	}
	fs.sbMu.Lock()
	fs.sb.NrFreeInodeData--
	fs.sbMu.Unlock()
	return idx, nil
}

// getInodeData resolves ino's live inode-data entry.
//
// With allocate set, a fresh entry is allocated and installed as the live
// entry (the previous index, if any, is left to the caller).
//
// With cow set (and allocate clear), a shared entry is detached: the old
// entry loses one reference and a fresh entry becomes the live one. The
// caller is expected to overwrite the returned entry fully, so no content
// copy happens here.
func (fs *FS) getInodeData(ino uint32, allocate, cow bool) (uint32, *disklayout.InodeData, error) {
	rec, err := fs.readInode(ino)
	if err != nil {
		return 0, nil, err
	}
	idx := rec.IData[0]

	if allocate {
		nidx, err := fs.allocInodeData()
		if err != nil {
			return 0, nil, err
		}
		rec.IData[0] = nidx
		if err := fs.writeInode(ino, rec); err != nil {
			return 0, nil, err
		}
		entry, err := fs.readInodeData(nidx)
		if err != nil {
			return 0, nil, err
		}
		return nidx, entry, nil
	}

	if idx == 0 {
		return 0, nil, xerrors.Errorf("inode %d does not exist in the live slot: %w", ino, ErrNotFound)
	}
	entry, err := fs.readInodeData(idx)
	if err != nil {
		return 0, nil, err
	}
	if entry.Refcount == 0 {
		return 0, nil, xerrors.Errorf("inode %d resolves to dead inode-data %d: %w", ino, idx, ErrCorrupt)
	}

	if cow && entry.Refcount > 1 {
		// Detach: the snapshots keep the old entry, the live slot gets
		// a fresh one.
		entry.Refcount--
		if err := fs.writeInodeData(idx, entry); err != nil {
			return 0, nil, err
		}
		return fs.getInodeData(ino, true, true)
	}
	return idx, entry, nil
}

// inodeDataForWrite returns ino's live inode-data entry, exclusively owned:
// a shared entry is detached first and its content carried over. Mutate the
// returned copy and persist it with writeInodeData.
func (fs *FS) inodeDataForWrite(ino uint32) (uint32, *disklayout.InodeData, error) {
	idx, entry, err := fs.getInodeData(ino, false, false)
	if err != nil {
		return 0, nil, err
	}
	if entry.Refcount == 1 {
		return idx, entry, nil
	}
	nidx, fresh, err := fs.getInodeData(ino, false, true)
	if err != nil {
		return 0, nil, err
	}
	*fresh = *entry
	fresh.Refcount = 1
	if err := fs.writeInodeData(nidx, fresh); err != nil {
		return 0, nil, err
	}
	return nidx, fresh, nil
}

// linkInodeData shares ino's inode-data entry of slot from into slot to.
// Sharing propagates through both layers: the entry's refcount and its
// index block's refcount both rise.
func (fs *FS) linkInodeData(ino uint32, from, to int) error {
	rec, err := fs.readInode(ino)
	if err != nil {
		return err
	}
	idx := rec.IData[from]
	if idx == 0 {
		return xerrors.Errorf("inode %d has no inode-data in slot %d: %w", ino, from, ErrCorrupt)
	}
	entry, err := fs.readInodeData(idx)
	if err != nil {
		return err
	}
	if entry.Refcount == 0xFF {
		return xerrors.Errorf("inode-data %d refcount overflow: %w", idx, ErrCorrupt)
	}
	entry.Refcount++
	if err := fs.writeInodeData(idx, entry); err != nil {
		return err
	}
	if entry.IndexBlock != 0 {
		if err := fs.GetBlock(entry.IndexBlock); err != nil {
			return err
		}
	}
	rec.IData[to] = idx
	return fs.writeInode(ino, rec)
}

// putInodeData drops ino's reference of snapshot slot snap. A dead entry is
// cleared; an emptied hosting block returns to the allocator and its index
// slot is cleared; a fully dead inode returns its number to the bitmap.
func (fs *FS) putInodeData(ino uint32, snap int) error {
	rec, err := fs.readInode(ino)
	if err != nil {
		return err
	}
	idx := rec.IData[snap]
	if idx == 0 {
		return nil
	}
	rec.IData[snap] = 0
	if err := fs.writeInode(ino, rec); err != nil {
		return err
	}

	entry, err := fs.readInodeData(idx)
	if err != nil {
		return err
	}
	if entry.Refcount == 0 {
		return xerrors.Errorf("put of dead inode-data %d: %w", idx, ErrCorrupt)
	}
	entry.Refcount--
	if entry.Refcount > 0 {
		if err := fs.writeInodeData(idx, entry); err != nil {
			return err
		}
		// The slot's share of the index block goes away with the slot.
		if entry.IndexBlock != 0 {
			if err := fs.PutBlock(entry.IndexBlock, indexKindFor(entry)); err != nil {
				return err
			}
		}
		return fs.maybeFreeInode(ino, rec)
	}

	// Last reference: release the index block, clear the entry.
	if entry.IndexBlock != 0 {
		if err := fs.PutBlock(entry.IndexBlock, indexKindFor(entry)); err != nil {
			return err
		}
	}
	if err := fs.writeInodeData(idx, &disklayout.InodeData{}); err != nil {
		return err
	}
	fs.idfree.Free(idx)
	fs.sbMu.Lock()
	fs.sb.NrFreeInodeData++
	fs.sbMu.Unlock()

	if err := fs.maybeReleaseHostingBlock(idx); err != nil {
		return err
	}
	return fs.maybeFreeInode(ino, rec)
}

// maybeReleaseHostingBlock frees the hosting block of idx's group if no
// record in it is live anymore.
func (fs *FS) maybeReleaseHostingBlock(idx uint32) error {
	host, err := fs.idataHostingBlock(idx)
	if err != nil {
		return err
	}
	if host == 0 {
		return nil
	}
	buf, err := fs.dev.ReadBlock(host)
	if err != nil {
		return err
	}
	buf.Lock()
	empty := true
	for _, b := range buf.Data {
		if b != 0 {
			empty = false
			break
		}
	}
	buf.Unlock()
	if !empty {
		return nil
	}
	if err := fs.setIdataHostingBlock(idx, 0); err != nil {
		return err
	}
	return fs.PutBlock(host, KindInodeData)
}

func (fs *FS) maybeFreeInode(ino uint32, rec *disklayout.Inode) error {
	if !rec.Dead() {
		return nil
	}
	fs.freeInode(ino)
	return nil
}

// indexKindFor returns how the entry's index block cascades on release.
func indexKindFor(entry *disklayout.InodeData) BlockKind {
	if entry.Mode&unix.S_IFMT == unix.S_IFDIR {
		return KindDir
	}
	return KindIndex
}
