package ouifs

import (
	"golang.org/x/xerrors"

	"github.com/ouichefs/ouichefs/internal/blockdev"
	"github.com/ouichefs/ouichefs/internal/disklayout"
)

// BlockKind tags what a data block holds. Kinds differ only in how PutBlock
// cascades when the last reference drops.
type BlockKind int

const (
	// KindData is raw file content.
	KindData BlockKind = iota

	// KindIndex is a file index block: an array of data block numbers.
	// Releasing it releases every referenced data block.
	KindIndex

	// KindDir is a directory block. Entries hold inode numbers, not block
	// references, so no block-level cascade is needed; the snapshot
	// manager's full-inode sweep releases the children's inode-data
	// (see (*FS).SnapshotDelete).
	KindDir

	// KindInodeData is a block hosting inode-data records. It is released
	// by the inode-data store once all of its records are dead.
	KindInodeData
)

// refcountBuf returns the metadata buffer and byte offset holding the
// refcount of data block b.
func (fs *FS) refcountBuf(b uint32) (*blockBuf, error) {
	if b < fs.sb.DataStart() || b >= fs.sb.NrBlocks {
		return nil, xerrors.Errorf("block %d outside the data region: %w", b, ErrCorrupt)
	}
	mb, off := fs.sb.MetaBlockFor(b)
	buf, err := fs.dev.ReadBlock(mb)
	if err != nil {
		return nil, err
	}
	return &blockBuf{buf: buf, off: off}, nil
}

// blockBuf is a located refcount byte. The metadata block lock is held only
// for the read-modify-write span, never across recursion into another
// refcount in the same metadata block.
type blockBuf struct {
	buf *blockdev.Buffer
	off uint32
}

// Refcount returns the current refcount of data block b. Exposed to the
// consistency checker and tests.
func (fs *FS) Refcount(b uint32) (uint8, error) {
	rb, err := fs.refcountBuf(b)
	if err != nil {
		return 0, err
	}
	rb.buf.Lock()
	defer rb.buf.Unlock()
	return rb.buf.Data[rb.off], nil
}

// AllocBlock draws a block from the block bitmap and sets its refcount
// to 1. Freed blocks are zeroed on release, so the block comes back clean.
func (fs *FS) AllocBlock() (uint32, error) {
	b := fs.bfree.Alloc()
	if b == 0 {
		return 0, xerrors.Errorf("allocating data block: %w", ErrNoSpace)
	}
	rb, err := fs.refcountBuf(b)
	if err != nil {
		fs.bfree.Free(b)
		return 0, err
	}
	rb.buf.Lock()
	if rb.buf.Data[rb.off] != 0 {
		rb.buf.Unlock()
		fs.bfree.Free(b)
		return 0, xerrors.Errorf("fresh block %d has refcount %d: %w", b, rb.buf.Data[rb.off], ErrCorrupt)
	}
	rb.buf.Data[rb.off] = 1
	rb.buf.MarkDirty()
	rb.buf.Unlock()

	fs.sbMu.Lock()
	fs.sb.NrFreeBlocks--
	fs.sbMu.Unlock()
	return b, nil
}

// GetBlock takes an additional reference on data block b. Overflowing the
// 8-bit refcount is a fatal invariant violation; the bounded snapshot table
// prevents it in correct use.
func (fs *FS) GetBlock(b uint32) error {
	rb, err := fs.refcountBuf(b)
	if err != nil {
		return err
	}
	rb.buf.Lock()
	defer rb.buf.Unlock()
	rc := rb.buf.Data[rb.off]
	if rc == 0 {
		return xerrors.Errorf("get of unreferenced block %d: %w", b, ErrCorrupt)
	}
	if rc == 0xFF {
		return xerrors.Errorf("refcount overflow on block %d: %w", b, ErrCorrupt)
	}
	rb.buf.Data[rb.off] = rc + 1
	rb.buf.MarkDirty()
	return nil
}

// PutBlock drops one reference from data block b. When the last reference
// goes away the block cascades according to kind, is zeroed and returns to
// the bitmap.
func (fs *FS) PutBlock(b uint32, kind BlockKind) error {
	rb, err := fs.refcountBuf(b)
	if err != nil {
		return err
	}
	rb.buf.Lock()
	rc := rb.buf.Data[rb.off]
	if rc == 0 {
		rb.buf.Unlock()
		return xerrors.Errorf("put of unreferenced block %d: %w", b, ErrCorrupt)
	}
	rb.buf.Data[rb.off] = rc - 1
	rb.buf.MarkDirty()
	rb.buf.Unlock()
	if rc > 1 {
		return nil
	}

	// Last reference gone. The metadata lock is released above: the
	// cascade below may touch refcounts in the same metadata block.
	if kind == KindIndex {
		buf, err := fs.dev.ReadBlock(b)
		if err != nil {
			return err
		}
		var entries [disklayout.IndexEntriesPerBlock]uint32
		buf.Lock()
		err = disklayout.Unmarshal(buf.Data, &entries)
		buf.Unlock()
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e == 0 {
				continue
			}
			if err := fs.PutBlock(e, KindData); err != nil {
				return err
			}
		}
	}

	buf, err := fs.dev.ReadBlock(b)
	if err != nil {
		return err
	}
	buf.Lock()
	for i := range buf.Data {
		buf.Data[i] = 0
	}
	buf.MarkDirty()
	buf.Unlock()

	fs.bfree.Free(b)
	fs.sbMu.Lock()
	fs.sb.NrFreeBlocks++
	fs.sbMu.Unlock()
	return nil
}

// CowBlock returns a block the caller may mutate without becoming visible
// through any snapshot: b itself if exclusively owned, otherwise a fresh
// copy. For index blocks the copy takes a reference on every entry, since
// the referenced blocks are now reachable through both b and the copy.
//
// This is the sole primitive that preserves snapshot immutability when a
// writer is about to mutate a shared block.
func (fs *FS) CowBlock(b uint32, kind BlockKind) (uint32, error) {
	rb, err := fs.refcountBuf(b)
	if err != nil {
		return 0, err
	}
	rb.buf.Lock()
	rc := rb.buf.Data[rb.off]
	rb.buf.Unlock()
	if rc == 0 {
		return 0, xerrors.Errorf("cow of unreferenced block %d: %w", b, ErrCorrupt)
	}
	if rc == 1 {
		return b, nil
	}

	nb, err := fs.AllocBlock()
	if err != nil {
		return 0, err
	}
	src, err := fs.dev.ReadBlock(b)
	if err != nil {
		fs.PutBlock(nb, KindData)
		return 0, err
	}
	dst, err := fs.dev.ReadBlock(nb)
	if err != nil {
		fs.PutBlock(nb, KindData)
		return 0, err
	}
	src.Lock()
	data := make([]byte, disklayout.BlockSize)
	copy(data, src.Data)
	src.Unlock()
	dst.Lock()
	copy(dst.Data, data)
	dst.MarkDirty()
	dst.Unlock()

	// Drop the writer's reference on the original; the remaining
	// references belong to the snapshots still sharing it.
	rb.buf.Lock()
	rb.buf.Data[rb.off]--
	rb.buf.MarkDirty()
	rb.buf.Unlock()

	if kind == KindIndex {
		var entries [disklayout.IndexEntriesPerBlock]uint32
		if err := disklayout.Unmarshal(data, &entries); err != nil {
			return 0, err
		}
		for _, e := range entries {
			if e == 0 {
				continue
			}
			if err := fs.GetBlock(e); err != nil {
				return 0, err
			}
		}
	}
	return nb, nil
}
