package ouifs

// VFSAdapter is the contract the snapshot manager relies on to keep the
// host's caches coherent across snapshot operations. The FUSE server
// implements it; library users that drive the core directly can pass
// NopAdapter.
//
// All methods are invoked with the file system frozen: no other writer is
// active and all dirty buffers have been flushed.
type VFSAdapter interface {
	// ForeachCachedInode invokes fn for every inode the host currently
	// has cached.
	ForeachCachedInode(fn func(ino uint32))

	// InvalidatePageCache drops cached file contents for ino.
	InvalidatePageCache(ino uint32)

	// RefillInodeMetadata re-reads ino's metadata from the live slot.
	RefillInodeMetadata(ino uint32)

	// MarkStale marks ino dead after a restore removed it: cached handles
	// stay readable-as-error, further writes fail.
	MarkStale(ino uint32)

	// ShrinkDentryCache drops cached directory entries.
	ShrinkDentryCache()

	// EvictUnusedInodes evicts inodes without live references.
	EvictUnusedInodes()
}

// NopAdapter is a VFSAdapter for offline use (mkfs, fsck, tests, the
// snapshot CLI operating on an unmounted image).
type NopAdapter struct{}

func (NopAdapter) ForeachCachedInode(func(ino uint32)) {}
func (NopAdapter) InvalidatePageCache(uint32)          {}
func (NopAdapter) RefillInodeMetadata(uint32)          {}
func (NopAdapter) MarkStale(uint32)                    {}
func (NopAdapter) ShrinkDentryCache()                  {}
func (NopAdapter) EvictUnusedInodes()                  {}
