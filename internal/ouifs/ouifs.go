// Package ouifs implements the snapshotting block store: a fixed-layout
// block device with bitmap allocators, per-block reference counts, a
// copy-on-write engine, an inode-data sharing layer, directory and file
// index operations and a bounded snapshot table.
//
// The freeze protocol is modeled as a reader-writer lock: every operation
// that dirties state holds the reader side for its full duration, snapshot
// operations take the writer side (see snapshot.go).
package ouifs

import (
	"sync"

	"golang.org/x/xerrors"

	"github.com/ouichefs/ouichefs/internal/bitmap"
	"github.com/ouichefs/ouichefs/internal/blockdev"
	"github.com/ouichefs/ouichefs/internal/disklayout"
)

// RootIno is the inode number of the root directory. Inode 0 is reserved.
const RootIno = 1

// FS is a mounted ouichefs file system. Its lifecycle is bound to
// Mount/Close; all other components receive it by reference.
type FS struct {
	dev     *blockdev.Device
	adapter VFSAdapter

	// sbMu guards sb (free counters and the snapshot table).
	sbMu sync.Mutex
	sb   disklayout.Superblock

	ifree  *bitmap.Bitmap
	bfree  *bitmap.Bitmap
	idfree *bitmap.Bitmap

	// freeze serializes snapshot operations against everything else:
	// mutating file operations hold the read side, snapshot create/
	// delete/restore hold the write side.
	freeze sync.RWMutex

	// damaged is set when a restore failed half-way; every subsequent
	// operation returns ErrCorrupt and the mount must be aborted.
	damagedMu sync.Mutex
	damaged   bool
}

// Mount loads the superblock and the three bitmaps from dev and resolves the
// root inode of the live slot. adapter may be NopAdapter for offline use.
func Mount(dev *blockdev.Device, adapter VFSAdapter) (*FS, error) {
	buf, err := dev.ReadBlock(0)
	if err != nil {
		return nil, err
	}
	fs := &FS{dev: dev, adapter: adapter}
	buf.Lock()
	err = disklayout.Unmarshal(buf.Data, &fs.sb)
	buf.Unlock()
	if err != nil {
		return nil, err
	}
	if fs.sb.Magic != disklayout.Magic {
		return nil, xerrors.Errorf("invalid magic %#x (not an ouichefs image?)", fs.sb.Magic)
	}
	if fs.sb.NrBlocks != dev.NrBlocks() {
		return nil, xerrors.Errorf("superblock says %d blocks, device has %d: %w",
			fs.sb.NrBlocks, dev.NrBlocks(), ErrCorrupt)
	}

	if fs.ifree, err = bitmap.Load(dev, fs.sb.IfreeStart(), fs.sb.NrIfreeBlocks, fs.sb.NrInodes); err != nil {
		return nil, xerrors.Errorf("loading inode bitmap: %w", err)
	}
	if fs.bfree, err = bitmap.Load(dev, fs.sb.BfreeStart(), fs.sb.NrBfreeBlocks, fs.sb.NrBlocks); err != nil {
		return nil, xerrors.Errorf("loading block bitmap: %w", err)
	}
	// The number of inode-data entries is bounded by both the bitmap
	// region and the capacity of the inode-data index.
	nidata := fs.sb.NrInodeDataBitmapBlocks * disklayout.BlockSize * 8
	if c := fs.sb.NrInodeDataIndexBlocks * disklayout.IndexEntriesPerBlock * disklayout.InodeDataPerBlock; c < nidata {
		nidata = c
	}
	if fs.idfree, err = bitmap.Load(dev, fs.sb.InodeDataBitmapStart(), fs.sb.NrInodeDataBitmapBlocks, nidata); err != nil {
		return nil, xerrors.Errorf("loading inode-data bitmap: %w", err)
	}

	root, err := fs.readInode(RootIno)
	if err != nil {
		return nil, xerrors.Errorf("resolving root inode: %w", err)
	}
	if root.IData[0] == 0 {
		return nil, xerrors.Errorf("root inode has no live inode-data: %w", ErrCorrupt)
	}
	return fs, nil
}

// Device returns the underlying block device.
func (fs *FS) Device() *blockdev.Device { return fs.dev }

// Superblock returns a copy of the in-memory superblock.
func (fs *FS) Superblock() disklayout.Superblock {
	fs.sbMu.Lock()
	defer fs.sbMu.Unlock()
	return fs.sb
}

func (fs *FS) setDamaged() {
	fs.damagedMu.Lock()
	fs.damaged = true
	fs.damagedMu.Unlock()
}

func (fs *FS) checkUsable() error {
	fs.damagedMu.Lock()
	defer fs.damagedMu.Unlock()
	if fs.damaged {
		return ErrCorrupt
	}
	return nil
}

// Sync writes back the superblock fields managed by the core (free counts
// and snapshot table; the rest of block 0 is preserved), then the three
// bitmap regions, then the dirty buffers. With wait set it also waits for
// the device flush.
func (fs *FS) Sync(wait bool) error {
	buf, err := fs.dev.ReadBlock(0)
	if err != nil {
		return err
	}
	fs.sbMu.Lock()
	sb := fs.sb
	fs.sbMu.Unlock()

	buf.Lock()
	disklayout.Marshal(buf.Data[:disklayout.Size(&sb)], &sb)
	buf.MarkDirty()
	buf.Unlock()

	if err := fs.ifree.Flush(fs.dev); err != nil {
		return err
	}
	if err := fs.bfree.Flush(fs.dev); err != nil {
		return err
	}
	if err := fs.idfree.Flush(fs.dev); err != nil {
		return err
	}
	return fs.dev.Sync(wait)
}

// Close syncs and releases the device. The FS must not be used afterwards.
func (fs *FS) Close() error {
	if err := fs.Sync(true); err != nil {
		fs.dev.Close()
		return err
	}
	return fs.dev.Close()
}

// StatFS returns totals for the statfs(2)-style numbers the host exposes.
func (fs *FS) StatFS() (blocks, freeBlocks, inodes, freeInodes uint64) {
	fs.sbMu.Lock()
	defer fs.sbMu.Unlock()
	return uint64(fs.sb.NrBlocks), uint64(fs.sb.NrFreeBlocks),
		uint64(fs.sb.NrInodes), uint64(fs.sb.NrFreeInodes)
}
