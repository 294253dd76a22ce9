// Package blockdev provides buffered 4 KiB block access to a file-backed
// image. Buffers are cached per block number, carry a dirty flag and a
// per-buffer lock, and are written back in block order on Sync.
package blockdev

import (
	"os"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/ouichefs/ouichefs/internal/disklayout"
)

// Device is an open image file. A Device takes an exclusive flock on the
// image so that two processes cannot mutate the same image concurrently.
type Device struct {
	f       *os.File
	nblocks uint32

	mu   sync.Mutex
	bufs map[uint32]*Buffer
}

// Buffer is one cached 4 KiB block. Lock/Unlock guard Data and the dirty
// flag; MarkDirty must be called with the buffer locked.
type Buffer struct {
	dev *Device

	// Nr is the block number within the device.
	Nr uint32

	// Data is exactly disklayout.BlockSize bytes.
	Data []byte

	mu    sync.Mutex
	dirty bool
}

func (b *Buffer) Lock()   { b.mu.Lock() }
func (b *Buffer) Unlock() { b.mu.Unlock() }

// MarkDirty records that Data diverged from disk. The buffer is written back
// on the next Device.Sync (or its own Sync).
func (b *Buffer) MarkDirty() { b.dirty = true }

// Sync writes the buffer back if dirty. Callers must not hold the buffer
// lock.
func (b *Buffer) Sync() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.syncLocked()
}

func (b *Buffer) syncLocked() error {
	if !b.dirty {
		return nil
	}
	if _, err := b.dev.f.WriteAt(b.Data, int64(b.Nr)*disklayout.BlockSize); err != nil {
		return xerrors.Errorf("writing block %d: %w", b.Nr, err)
	}
	b.dirty = false
	return nil
}

// Open opens the image at path for read-write access and acquires an
// exclusive lock on it. A second opener gets an error without blocking.
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, xerrors.Errorf("locking %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size()%disklayout.BlockSize != 0 {
		f.Close()
		return nil, xerrors.Errorf("image size %d is not a multiple of the block size", fi.Size())
	}
	return &Device{
		f:       f,
		nblocks: uint32(fi.Size() / disklayout.BlockSize),
		bufs:    make(map[uint32]*Buffer),
	}, nil
}

// NrBlocks returns the number of blocks of the device.
func (d *Device) NrBlocks() uint32 { return d.nblocks }

// ReadBlock returns the cached buffer for block nr, reading it from disk on
// first access.
func (d *Device) ReadBlock(nr uint32) (*Buffer, error) {
	if nr >= d.nblocks {
		return nil, xerrors.Errorf("block %d out of range (device has %d blocks)", nr, d.nblocks)
	}
	d.mu.Lock()
	if b, ok := d.bufs[nr]; ok {
		d.mu.Unlock()
		return b, nil
	}
	d.mu.Unlock()

	data := make([]byte, disklayout.BlockSize)
	if _, err := d.f.ReadAt(data, int64(nr)*disklayout.BlockSize); err != nil {
		return nil, xerrors.Errorf("reading block %d: %w", nr, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	// Another reader may have raced us here; keep the buffer that won.
	if b, ok := d.bufs[nr]; ok {
		return b, nil
	}
	b := &Buffer{dev: d, Nr: nr, Data: data}
	d.bufs[nr] = b
	return b, nil
}

// Forget drops the cached buffer for block nr without writing it back.
func (d *Device) Forget(nr uint32) {
	d.mu.Lock()
	delete(d.bufs, nr)
	d.mu.Unlock()
}

// Sync writes all dirty buffers back in block order. If wait is set, the
// file is fsync'ed afterwards.
func (d *Device) Sync(wait bool) error {
	d.mu.Lock()
	nrs := make([]uint32, 0, len(d.bufs))
	for nr, b := range d.bufs {
		if b.dirty {
			nrs = append(nrs, nr)
		}
	}
	d.mu.Unlock()
	sort.Slice(nrs, func(i, j int) bool { return nrs[i] < nrs[j] })

	for _, nr := range nrs {
		d.mu.Lock()
		b, ok := d.bufs[nr]
		d.mu.Unlock()
		if !ok {
			continue
		}
		if err := b.Sync(); err != nil {
			return err
		}
	}
	if wait {
		if err := unix.Fsync(int(d.f.Fd())); err != nil {
			return xerrors.Errorf("fsync: %w", err)
		}
	}
	return nil
}

// Close syncs all dirty buffers and releases the image lock.
func (d *Device) Close() error {
	if err := d.Sync(true); err != nil {
		d.f.Close()
		return err
	}
	if err := unix.Flock(int(d.f.Fd()), unix.LOCK_UN); err != nil {
		d.f.Close()
		return err
	}
	return d.f.Close()
}
