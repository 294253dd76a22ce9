package ouifs

import (
	"fmt"
	"time"

	"golang.org/x/xerrors"

	"github.com/ouichefs/ouichefs/internal/disklayout"
)

// Snapshot operations run with the whole file system frozen: the write side
// of fs.freeze excludes every mutating operation, in-flight writes have
// drained when Lock returns, and the dirty buffers are flushed before the
// sweep reads them.

func (fs *FS) freezeFS() error {
	fs.freeze.Lock()
	if err := fs.checkUsable(); err != nil {
		fs.freeze.Unlock()
		return err
	}
	if err := fs.Sync(false); err != nil {
		fs.freeze.Unlock()
		return xerrors.Errorf("freezing: %w", ErrBusy)
	}
	return nil
}

func (fs *FS) thawFS() {
	fs.freeze.Unlock()
}

// slotByID returns the slot index holding id, or -1.
func (fs *FS) slotByID(id uint32) int {
	for k := 1; k < disklayout.SnapMax; k++ {
		if fs.sb.Snapshots[k].ID == id {
			return k
		}
	}
	return -1
}

// pickSnapshotID returns the smallest positive id absent from the table.
func (fs *FS) pickSnapshotID() uint32 {
	present := make(map[uint32]bool, disklayout.SnapMax)
	for k := 1; k < disklayout.SnapMax; k++ {
		if id := fs.sb.Snapshots[k].ID; id != 0 {
			present[id] = true
		}
	}
	for id := uint32(1); ; id++ {
		if !present[id] {
			return id
		}
	}
}

// SnapshotCreate takes a snapshot of the live state into the lowest empty
// slot and returns its id. With idHint non-zero that id is used, provided
// no live snapshot holds it already.
//
// An I/O error mid-create leaves the slot unset: the snapshot does not
// become live, and any refcount increments already taken survive as extra
// references (declared capacity loss, not corruption).
func (fs *FS) SnapshotCreate(idHint uint32) (uint32, error) {
	if err := fs.freezeFS(); err != nil {
		return 0, err
	}
	defer fs.thawFS()

	fs.sbMu.Lock()
	slot := -1
	for k := 1; k < disklayout.SnapMax; k++ {
		if fs.sb.Snapshots[k].ID == 0 {
			slot = k
			break
		}
	}
	if slot == -1 {
		fs.sbMu.Unlock()
		return 0, xerrors.Errorf("snapshot table full: %w", ErrNoSpace)
	}
	id := idHint
	if id != 0 && fs.slotByID(id) != -1 {
		fs.sbMu.Unlock()
		return 0, xerrors.Errorf("snapshot id %d already in use: %w", id, ErrExist)
	}
	if id == 0 {
		id = fs.pickSnapshotID()
	}
	fs.sbMu.Unlock()

	for ino := uint32(1); ino < fs.sb.NrInodes; ino++ {
		if !fs.InodeAllocated(ino) {
			continue
		}
		rec, err := fs.readInode(ino)
		if err != nil {
			return 0, err
		}
		if rec.IData[0] == 0 {
			continue
		}
		if err := fs.linkInodeData(ino, 0, slot); err != nil {
			return 0, err
		}
	}

	fs.sbMu.Lock()
	fs.sb.Snapshots[slot] = disklayout.SnapshotSlot{Created: time.Now().Unix(), ID: id}
	fs.sbMu.Unlock()
	if err := fs.Sync(true); err != nil {
		return 0, err
	}
	return id, nil
}

// SnapshotDelete removes the snapshot with the given id. The live snapshot
// (id 0) cannot be deleted.
//
// Every allocated inode drops its slot-k inode-data reference; the
// directory blocks of the snapshot need no recursive walk, because the
// sweep already visits every inode the directories could name.
func (fs *FS) SnapshotDelete(id uint32) error {
	if id == 0 {
		return xerrors.Errorf("cannot delete the live snapshot: %w", ErrInvalidArgument)
	}
	if err := fs.freezeFS(); err != nil {
		return err
	}
	defer fs.thawFS()

	fs.sbMu.Lock()
	slot := fs.slotByID(id)
	fs.sbMu.Unlock()
	if slot == -1 {
		return xerrors.Errorf("snapshot %d: %w", id, ErrNotFound)
	}

	for ino := uint32(1); ino < fs.sb.NrInodes; ino++ {
		if !fs.InodeAllocated(ino) {
			continue
		}
		if err := fs.putInodeData(ino, slot); err != nil {
			return err
		}
	}

	fs.sbMu.Lock()
	fs.sb.Snapshots[slot] = disklayout.SnapshotSlot{}
	fs.sbMu.Unlock()
	return fs.Sync(true)
}

// SnapshotRestore replaces the live state with a writable copy of the
// snapshot with the given id; the snapshot itself survives unchanged.
//
// An I/O error mid-restore leaves the live slot indeterminate: the mount is
// marked damaged, every subsequent operation fails with ErrCorrupt, and the
// caller must abort the mount.
func (fs *FS) SnapshotRestore(id uint32) error {
	if id == 0 {
		return xerrors.Errorf("cannot restore the live snapshot: %w", ErrInvalidArgument)
	}
	if err := fs.freezeFS(); err != nil {
		return err
	}
	defer fs.thawFS()

	fs.sbMu.Lock()
	slot := fs.slotByID(id)
	fs.sbMu.Unlock()
	if slot == -1 {
		return xerrors.Errorf("snapshot %d: %w", id, ErrNotFound)
	}

	for ino := uint32(1); ino < fs.sb.NrInodes; ino++ {
		if !fs.InodeAllocated(ino) {
			continue
		}
		if err := fs.putInodeData(ino, 0); err != nil {
			fs.setDamaged()
			return xerrors.Errorf("restore of snapshot %d: %w", id, err)
		}
		if !fs.InodeAllocated(ino) {
			// The inode existed only in the live slot; dropping it
			// released the number.
			continue
		}
		rec, err := fs.readInode(ino)
		if err != nil {
			fs.setDamaged()
			return xerrors.Errorf("restore of snapshot %d: %w", id, err)
		}
		if rec.IData[slot] == 0 {
			continue
		}
		if err := fs.linkInodeData(ino, slot, 0); err != nil {
			fs.setDamaged()
			return xerrors.Errorf("restore of snapshot %d: %w", id, err)
		}
	}

	// Bring the host's caches in line with the restored state. Inodes
	// that did not exist in the snapshot become stale: cached handles
	// must not accept further writes.
	fs.adapter.ShrinkDentryCache()
	fs.adapter.ForeachCachedInode(func(ino uint32) {
		rec, err := fs.readInode(ino)
		if err != nil || rec.IData[0] == 0 {
			fs.adapter.MarkStale(ino)
			return
		}
		fs.adapter.InvalidatePageCache(ino)
		fs.adapter.RefillInodeMetadata(ino)
	})
	fs.adapter.EvictUnusedInodes()

	if err := fs.Sync(true); err != nil {
		fs.setDamaged()
		return err
	}
	return nil
}

// SnapshotList formats one line per live snapshot into buf, in slot order,
// skipping the live slot: "<id>: DD.MM.YY HH:MM:SS\n". It returns the
// number of bytes written; buf is at most one page.
func (fs *FS) SnapshotList(buf []byte) int {
	fs.freeze.RLock()
	defer fs.freeze.RUnlock()
	fs.sbMu.Lock()
	defer fs.sbMu.Unlock()

	n := 0
	for k := 1; k < disklayout.SnapMax; k++ {
		s := fs.sb.Snapshots[k]
		if s.ID == 0 {
			continue
		}
		t := time.Unix(s.Created, 0).UTC()
		line := fmt.Sprintf("%d: %02d.%02d.%02d %02d:%02d:%02d\n",
			s.ID, t.Day(), int(t.Month()), t.Year()%100,
			t.Hour(), t.Minute(), t.Second())
		if n+len(line) > len(buf) {
			break
		}
		n += copy(buf[n:], line)
	}
	return n
}

// Snapshots returns the live snapshot descriptors in slot order, skipping
// empty slots and the live slot.
func (fs *FS) Snapshots() []disklayout.SnapshotSlot {
	fs.sbMu.Lock()
	defer fs.sbMu.Unlock()
	var out []disklayout.SnapshotSlot
	for k := 1; k < disklayout.SnapMax; k++ {
		if fs.sb.Snapshots[k].ID != 0 {
			out = append(out, fs.sb.Snapshots[k])
		}
	}
	return out
}

// SlotByID resolves a snapshot id to its slot index for read-only views
// (export). Returns -1 if absent.
func (fs *FS) SlotByID(id uint32) int {
	fs.sbMu.Lock()
	defer fs.sbMu.Unlock()
	return fs.slotByID(id)
}
