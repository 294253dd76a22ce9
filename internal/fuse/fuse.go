// Package fuse exposes a mounted ouichefs image through FUSE. It is the
// host-VFS adapter of the storage core: file operations are translated to
// core operations, and the snapshot manager's cache-coherence contract is
// implemented on top of the kernel's FUSE cache controls.
//
// The root directory contains a virtual control file (".ouichefs-ctl"):
// reading it lists the snapshots, writing "create", "create <id>",
// "delete <id>" or "restore <id>" to it runs the corresponding snapshot
// operation on the mounted file system.
package fuse

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/ouichefs/ouichefs/internal/blockdev"
	"github.com/ouichefs/ouichefs/internal/ouifs"
)

const help = `ouichefs mount [-flags] <image> <mountpoint>

Mount an ouichefs image as a FUSE file system.

Example:
  % ouichefs mount /tmp/fs.img /mnt/ouichefs
`

// CtlName is the virtual snapshot control file in the root directory.
const CtlName = ".ouichefs-ctl"

// ctlInode is outside the on-disk inode space (inode numbers are 32 bit).
const ctlInode fuseops.InodeID = 1 << 48

type fuseFS struct {
	fuseutil.NotImplementedFileSystem

	fs  *ouifs.FS
	dev *blockdev.Device

	// known tracks inodes the kernel has resolved and may still address;
	// stale marks those which no longer exist after a snapshot restore.
	// Cached kernel handles on stale inodes must not accept further
	// writes.
	staleMu sync.Mutex
	known   map[uint32]bool
	stale   map[uint32]bool

	// ctlBuf holds the listing produced at ctl-file open time, so
	// sequential reads see a consistent snapshot table.
	ctlMu  sync.Mutex
	ctlBuf []byte
}

// Mount mounts the image per args and returns a join function which blocks
// until the file system is unmounted.
func Mount(ctx context.Context, args []string) (join func(context.Context) error, _ error) {
	fset := flag.NewFlagSet("mount", flag.ExitOnError)
	var (
		allowOther = fset.Bool("allow_other", false, "allow all users to access the mount")
	)
	fset.Usage = func() {
		fmt.Fprint(os.Stderr, help)
		fmt.Fprintf(os.Stderr, "Flags for ouichefs %s:\n", fset.Name())
		fset.PrintDefaults()
	}
	fset.Parse(args)
	if fset.NArg() != 2 {
		return nil, xerrors.Errorf("syntax: mount <image> <mountpoint>")
	}
	image, mountpoint := fset.Arg(0), fset.Arg(1)

	dev, err := blockdev.Open(image)
	if err != nil {
		return nil, err
	}
	ffs := &fuseFS{dev: dev, known: make(map[uint32]bool), stale: make(map[uint32]bool)}
	ffs.fs, err = ouifs.Mount(dev, (*vfsAdapter)(ffs))
	if err != nil {
		dev.Close()
		return nil, err
	}

	server := fuseutil.NewFileSystemServer(ffs)
	options := map[string]string{}
	if *allowOther {
		options["allow_other"] = ""
	}
	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName:  "ouichefs",
		Options: options,
	})
	if err != nil {
		ffs.fs.Close()
		return nil, err
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	go func() {
		<-ch
		syscall.Unmount(mountpoint, 0)
		// The following os.Exit is typically unreached because the above
		// unmount causes mfs.Join to return.
		os.Exit(128 + int(syscall.SIGINT))
	}()

	return func(ctx context.Context) error {
		err := mfs.Join(ctx)
		if cerr := ffs.fs.Close(); err == nil {
			err = cerr
		}
		return err
	}, nil
}

// vfsAdapter implements ouifs.VFSAdapter on the FUSE layer. FUSE keeps the
// page and dentry caches in the kernel; with attribute and entry caching
// disabled (we never set expiration times), invalidation reduces to
// tracking stale inodes.
type vfsAdapter fuseFS

func (a *vfsAdapter) ForeachCachedInode(fn func(ino uint32)) {
	a.staleMu.Lock()
	inos := make([]uint32, 0, len(a.known))
	for ino := range a.known {
		inos = append(inos, ino)
	}
	a.staleMu.Unlock()
	for _, ino := range inos {
		fn(ino)
	}
}

func (a *vfsAdapter) InvalidatePageCache(uint32) {}

func (a *vfsAdapter) RefillInodeMetadata(ino uint32) {
	a.staleMu.Lock()
	delete(a.stale, ino)
	a.staleMu.Unlock()
}

func (a *vfsAdapter) MarkStale(ino uint32) {
	a.staleMu.Lock()
	a.stale[ino] = true
	a.staleMu.Unlock()
}

func (a *vfsAdapter) ShrinkDentryCache() {}

func (a *vfsAdapter) EvictUnusedInodes() {
	a.staleMu.Lock()
	for ino := range a.stale {
		delete(a.known, ino)
	}
	a.staleMu.Unlock()
}

func (fs *fuseFS) isStale(ino uint32) bool {
	fs.staleMu.Lock()
	defer fs.staleMu.Unlock()
	return fs.stale[ino]
}

func (fs *fuseFS) remember(ino uint32) {
	fs.staleMu.Lock()
	fs.known[ino] = true
	fs.staleMu.Unlock()
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case xerrors.Is(err, ouifs.ErrNotFound):
		return fuse.ENOENT
	case xerrors.Is(err, ouifs.ErrExist):
		return fuse.EEXIST
	case xerrors.Is(err, ouifs.ErrInvalidArgument):
		return fuse.EINVAL
	case xerrors.Is(err, ouifs.ErrNotEmpty):
		return fuse.ENOTEMPTY
	case xerrors.Is(err, ouifs.ErrNoSpace):
		return syscall.ENOSPC
	case xerrors.Is(err, ouifs.ErrTooBig):
		return syscall.EFBIG
	case xerrors.Is(err, ouifs.ErrStale):
		return syscall.ESTALE
	case xerrors.Is(err, ouifs.ErrBusy):
		return syscall.EBUSY
	default:
		log.Println(err)
		return fuse.EIO
	}
}

func osMode(mode uint32) os.FileMode {
	m := os.FileMode(mode & 0777)
	if mode&unix.S_IFMT == unix.S_IFDIR {
		m |= os.ModeDir
	}
	return m
}

func (fs *fuseFS) attributes(ino uint32) (fuseops.InodeAttributes, error) {
	entry, err := fs.fs.Stat(ino)
	if err != nil {
		return fuseops.InodeAttributes{}, err
	}
	return fuseops.InodeAttributes{
		Size:  uint64(entry.Size),
		Nlink: entry.NLink,
		Mode:  osMode(entry.Mode),
		Uid:   entry.Uid,
		Gid:   entry.Gid,
		Atime: time.Unix(entry.Atime.Sec, int64(entry.Atime.Nsec)),
		Mtime: time.Unix(entry.Mtime.Sec, int64(entry.Mtime.Nsec)),
		Ctime: time.Unix(entry.Ctime.Sec, int64(entry.Ctime.Nsec)),
	}, nil
}

func (fs *fuseFS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	blocks, freeBlocks, inodes, freeInodes := fs.fs.StatFS()
	op.BlockSize = 4096
	op.IoSize = 4096
	op.Blocks = blocks
	op.BlocksFree = freeBlocks
	op.BlocksAvailable = freeBlocks
	op.Inodes = inodes
	op.InodesFree = freeInodes
	return nil
}

func (fs *fuseFS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	if op.Parent == fuseops.RootInodeID && op.Name == CtlName {
		op.Entry.Child = ctlInode
		op.Entry.Attributes = fuseops.InodeAttributes{
			Nlink: 1,
			Mode:  0600,
			Size:  4096,
		}
		return nil
	}
	ino, err := fs.fs.Lookup(uint32(op.Parent), op.Name)
	if err != nil {
		return mapError(err)
	}
	attrs, err := fs.attributes(ino)
	if err != nil {
		return mapError(err)
	}
	fs.remember(ino)
	op.Entry.Child = fuseops.InodeID(ino)
	op.Entry.Attributes = attrs
	return nil
}

func (fs *fuseFS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	if op.Inode == ctlInode {
		op.Attributes = fuseops.InodeAttributes{Nlink: 1, Mode: 0600, Size: 4096}
		return nil
	}
	attrs, err := fs.attributes(uint32(op.Inode))
	if err != nil {
		return mapError(err)
	}
	op.Attributes = attrs
	return nil
}

func (fs *fuseFS) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	if op.Inode == ctlInode {
		return nil // size/time updates on the control file are meaningless
	}
	ino := uint32(op.Inode)
	if fs.isStale(ino) {
		return syscall.ESTALE
	}
	var mode *uint32
	if op.Mode != nil {
		m := uint32(op.Mode.Perm())
		mode = &m
	}
	var size *int64
	if op.Size != nil {
		s := int64(*op.Size)
		size = &s
	}
	if err := fs.fs.SetAttr(ino, mode, nil, nil, size); err != nil {
		return mapError(err)
	}
	attrs, err := fs.attributes(ino)
	if err != nil {
		return mapError(err)
	}
	op.Attributes = attrs
	return nil
}

func (fs *fuseFS) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	ino, err := fs.fs.Mkdir(uint32(op.Parent), op.Name, uint32(op.Mode.Perm()))
	if err != nil {
		return mapError(err)
	}
	attrs, err := fs.attributes(ino)
	if err != nil {
		return mapError(err)
	}
	fs.remember(ino)
	op.Entry.Child = fuseops.InodeID(ino)
	op.Entry.Attributes = attrs
	return nil
}

func (fs *fuseFS) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	ino, err := fs.fs.CreateFile(uint32(op.Parent), op.Name, uint32(op.Mode.Perm()))
	if err != nil {
		return mapError(err)
	}
	attrs, err := fs.attributes(ino)
	if err != nil {
		return mapError(err)
	}
	fs.remember(ino)
	op.Entry.Child = fuseops.InodeID(ino)
	op.Entry.Attributes = attrs
	return nil
}

func (fs *fuseFS) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	return mapError(fs.fs.Rmdir(uint32(op.Parent), op.Name))
}

func (fs *fuseFS) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	return mapError(fs.fs.Unlink(uint32(op.Parent), op.Name))
}

func (fs *fuseFS) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	return mapError(fs.fs.Rename(uint32(op.OldParent), op.OldName,
		uint32(op.NewParent), op.NewName))
}

func (fs *fuseFS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	_, err := fs.fs.Stat(uint32(op.Inode))
	return mapError(err)
}

func (fs *fuseFS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	dents, err := fs.fs.Readdir(uint32(op.Inode))
	if err != nil {
		return mapError(err)
	}
	if op.Offset > fuseops.DirOffset(len(dents)) {
		return fuse.EIO
	}
	for idx, de := range dents[op.Offset:] {
		typ := fuseutil.DT_File
		if entry, err := fs.fs.Stat(de.Inode); err == nil && entry.Mode&unix.S_IFMT == unix.S_IFDIR {
			typ = fuseutil.DT_Directory
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: op.Offset + fuseops.DirOffset(idx) + 1, // (opaque) offset of the next entry
			Inode:  fuseops.InodeID(de.Inode),
			Name:   de.Name(),
			Type:   typ,
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *fuseFS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	if op.Inode == ctlInode {
		buf := make([]byte, 4096)
		n := fs.fs.SnapshotList(buf)
		fs.ctlMu.Lock()
		fs.ctlBuf = buf[:n]
		fs.ctlMu.Unlock()
		op.UseDirectIO = true
		return nil
	}
	_, err := fs.fs.Stat(uint32(op.Inode))
	return mapError(err)
}

func (fs *fuseFS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	if op.Inode == ctlInode {
		fs.ctlMu.Lock()
		buf := fs.ctlBuf
		fs.ctlMu.Unlock()
		if op.Offset >= int64(len(buf)) {
			return nil
		}
		op.BytesRead = copy(op.Dst, buf[op.Offset:])
		return nil
	}
	var err error
	op.BytesRead, err = fs.fs.ReadAt(uint32(op.Inode), op.Dst, op.Offset)
	return mapError(err)
}

func (fs *fuseFS) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	if op.Inode == ctlInode {
		return fs.ctlCommand(strings.TrimSpace(string(op.Data)))
	}
	ino := uint32(op.Inode)
	if fs.isStale(ino) {
		return syscall.ESTALE
	}
	_, err := fs.fs.WriteAt(ino, op.Data, op.Offset)
	return mapError(err)
}

func (fs *fuseFS) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil // writes go through to the buffer cache immediately
}

func (fs *fuseFS) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return mapError(fs.fs.Sync(true))
}

func (fs *fuseFS) Destroy() {
	// Join closes the FS after unmount.
}

// ctlCommand runs one snapshot command written to the control file.
func (fs *fuseFS) ctlCommand(cmd string) error {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return fuse.EINVAL
	}
	argID := func() (uint32, error) {
		if len(fields) != 2 {
			return 0, fuse.EINVAL
		}
		id, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil || id == 0 {
			return 0, fuse.EINVAL
		}
		return uint32(id), nil
	}
	switch fields[0] {
	case "create":
		var hint uint32
		if len(fields) == 2 {
			id, err := argID()
			if err != nil {
				return err
			}
			hint = id
		} else if len(fields) != 1 {
			return fuse.EINVAL
		}
		id, err := fs.fs.SnapshotCreate(hint)
		if err != nil {
			return mapError(err)
		}
		log.Printf("created snapshot %d", id)
		return nil
	case "delete":
		id, err := argID()
		if err != nil {
			return err
		}
		return mapError(fs.fs.SnapshotDelete(id))
	case "restore":
		id, err := argID()
		if err != nil {
			return err
		}
		if err := fs.fs.SnapshotRestore(id); err != nil {
			if xerrors.Is(err, ouifs.ErrCorrupt) {
				// The in-memory state is indeterminate; abort the mount.
				log.Printf("restore failed, aborting mount: %v", err)
				return mapError(err)
			}
			return mapError(err)
		}
		return nil
	default:
		return fuse.EINVAL
	}
}
