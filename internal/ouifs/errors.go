package ouifs

import "errors"

var (
	// ErrInvalidArgument is returned for out-of-range ids, names exceeding
	// the fixed filename length and operations aimed at the live snapshot.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned when a snapshot id or directory entry does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoSpace is returned when the snapshot table or one of the three
	// allocation bitmaps is exhausted.
	ErrNoSpace = errors.New("no space left")

	// ErrTooBig is returned when a file outgrows its index block or a
	// directory its directory block.
	ErrTooBig = errors.New("too big")

	// ErrBusy is returned when the file system cannot be frozen. An image
	// locked by another process is reported by blockdev.Open with the
	// wrapped flock error, not with ErrBusy.
	ErrBusy = errors.New("busy")

	// ErrExist is returned when creating a name that already exists.
	ErrExist = errors.New("file exists")

	// ErrNotEmpty is returned when removing or replacing a non-empty
	// directory.
	ErrNotEmpty = errors.New("directory not empty")

	// ErrStale stands for a handle whose inode no longer exists after a
	// snapshot restore; mapError translates it to ESTALE. The core does
	// not return it: the FUSE layer answers writes and attribute changes
	// on stale inodes with ESTALE directly.
	ErrStale = errors.New("stale handle")

	// ErrCorrupt reports an on-disk invariant violation. Once raised by a
	// restore, the mount is unusable and must be aborted.
	ErrCorrupt = errors.New("file system corrupt")
)
