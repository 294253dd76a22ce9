// Package disklayout defines the on-disk format of an ouichefs image.
//
// All multi-byte fields are little-endian. The image is a sequence of
// contiguous regions of 4 KiB blocks:
//
//	superblock · inode store · inode bitmap · block bitmap ·
//	inode-data bitmap · inode-data index · metadata (refcount) blocks ·
//	data blocks
//
// Region sizes are stored in the superblock and are authoritative.
package disklayout

import (
	"bytes"
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

const (
	// Magic is stored at offset 0 of block 0 ("WICH" when read as bytes).
	Magic = 0x48434957

	// BlockSize is the fixed size of every on-disk block in bytes.
	BlockSize = 4096

	// SnapMax is the number of slots in the snapshot table, including the
	// always-live slot 0. The per-block refcount is a single byte, so
	// SnapMax must stay ≤ 255.
	SnapMax = 32

	// MaxFilesize limits regular files to what a single index block can
	// map: BlockSize/4 block numbers of BlockSize bytes each (4 MiB).
	MaxFilesize = (BlockSize / 4) * BlockSize

	// FilenameLen is the fixed size of a directory entry name, including
	// the terminating NUL.
	FilenameLen = 28

	// MaxSubfiles is the number of entries a directory block can hold.
	MaxSubfiles = 128

	// InodeSize is the size of one inode record: a snapshot-indexed array
	// of inode-data entry indices.
	InodeSize = SnapMax * 4

	// InodesPerBlock is the number of inode records per inode store block.
	InodesPerBlock = BlockSize / InodeSize

	// InodeDataSize is the size of one inode-data record.
	InodeDataSize = 80

	// InodeDataPerBlock is the number of inode-data records per data block.
	InodeDataPerBlock = BlockSize / InodeDataSize

	// IndexEntriesPerBlock is the number of 32-bit block numbers in a file
	// index block, and likewise the number of entries per inode-data index
	// block.
	IndexEntriesPerBlock = BlockSize / 4

	// RefcountsPerBlock is the number of single-byte data block refcounts
	// per metadata block.
	RefcountsPerBlock = BlockSize
)

// SnapshotSlot is one entry of the snapshot table embedded in the superblock.
// ID 0 marks an empty slot; slot 0 always holds the live snapshot with ID 0.
type SnapshotSlot struct {
	// Created is the creation time in seconds since the UNIX epoch.
	// Always 0 for the live slot.
	Created int64

	// ID is the externally visible snapshot id. IDs are never reused while
	// their slot is live.
	ID uint32
}

// Superblock is the record stored in block 0.
//
// NrFreeInodes, NrFreeBlocks and NrFreeInodeData mirror the popcount of the
// corresponding bitmap at every sync point.
type Superblock struct {
	Magic uint32

	// Total number of blocks of the image, including all metadata regions.
	NrBlocks uint32

	// Number of inode records in the inode store.
	NrInodes uint32

	// Region sizes, in blocks, in on-disk order.
	NrIstoreBlocks          uint32
	NrIfreeBlocks           uint32
	NrBfreeBlocks           uint32
	NrInodeDataBitmapBlocks uint32
	NrInodeDataIndexBlocks  uint32
	NrMetaBlocks            uint32

	// Free object counts.
	NrFreeInodes    uint32
	NrFreeBlocks    uint32
	NrFreeInodeData uint32

	Snapshots [SnapMax]SnapshotSlot
}

// Region start offsets, in blocks. The superblock occupies block 0.

func (sb *Superblock) IstoreStart() uint32 { return 1 }

func (sb *Superblock) IfreeStart() uint32 { return sb.IstoreStart() + sb.NrIstoreBlocks }

func (sb *Superblock) BfreeStart() uint32 { return sb.IfreeStart() + sb.NrIfreeBlocks }

func (sb *Superblock) InodeDataBitmapStart() uint32 {
	return sb.BfreeStart() + sb.NrBfreeBlocks
}

func (sb *Superblock) InodeDataIndexStart() uint32 {
	return sb.InodeDataBitmapStart() + sb.NrInodeDataBitmapBlocks
}

func (sb *Superblock) MetaStart() uint32 {
	return sb.InodeDataIndexStart() + sb.NrInodeDataIndexBlocks
}

func (sb *Superblock) DataStart() uint32 { return sb.MetaStart() + sb.NrMetaBlocks }

// NrDataBlocks is the number of blocks in the data region.
func (sb *Superblock) NrDataBlocks() uint32 { return sb.NrBlocks - sb.DataStart() }

// MetaBlockFor returns the metadata block number and the byte offset within
// it which hold the refcount for data block b (a block number relative to
// the start of the image).
func (sb *Superblock) MetaBlockFor(b uint32) (block uint32, off uint32) {
	rel := b - sb.DataStart()
	return sb.MetaStart() + rel/RefcountsPerBlock, rel % RefcountsPerBlock
}

// Timespec is an on-disk timestamp.
type Timespec struct {
	Sec  int64
	Nsec uint32
}

// InodeData is the 80-byte per-snapshot metadata record of an inode. Records
// are allocated densely out of data blocks, addressed through the inode-data
// index, and shared between snapshot slots via Refcount.
type InodeData struct {
	Mode  uint32
	Uid   uint32
	Gid   uint32
	Size  uint32
	Atime Timespec
	Mtime Timespec
	Ctime Timespec

	// Blocks is the number of data blocks attributed to the inode,
	// including its index block.
	Blocks uint32

	NLink uint32

	// IndexBlock names the file index block of a regular file, or the
	// directory block of a directory. 0 means not yet allocated.
	IndexBlock uint32

	// Refcount is the number of inode-record slots pointing at this
	// record. Bounded by SnapMax.
	Refcount uint8

	_ [15]uint8
}

// Inode is one record of the inode store: for each snapshot slot, the index
// of the inode-data entry this inode resolves to in that snapshot, or 0 if
// the inode does not exist there. An inode is dead iff all entries are zero.
type Inode struct {
	IData [SnapMax]uint32
}

// Dead reports whether no snapshot references the inode.
func (ino *Inode) Dead() bool {
	for _, idx := range ino.IData {
		if idx != 0 {
			return false
		}
	}
	return true
}

// DirEntry is one slot of a directory block. Inode 0 marks the end of the
// listing; live entries are kept contiguous from the front.
type DirEntry struct {
	Inode    uint32
	Filename [FilenameLen]byte
}

// Name returns the entry name without NUL padding.
func (d *DirEntry) Name() string {
	if i := bytes.IndexByte(d.Filename[:], 0); i >= 0 {
		return string(d.Filename[:i])
	}
	return string(d.Filename[:])
}

// SetName stores name NUL-padded. Callers validate the length beforehand.
func (d *DirEntry) SetName(name string) {
	d.Filename = [FilenameLen]byte{}
	copy(d.Filename[:], name)
}

// DirEntrySize is the on-disk size of one directory entry.
const DirEntrySize = 4 + FilenameLen

// Each record must fit the block that hosts it. Negative array lengths make
// these fail to compile when a record outgrows its block.
var (
	_ [BlockSize - 12*4 - SnapMax*12]struct{}               // superblock
	_ [BlockSize - InodesPerBlock*InodeSize]struct{}        // inode store block
	_ [BlockSize - InodeDataPerBlock*InodeDataSize]struct{} // inode-data block
	_ [BlockSize - MaxSubfiles*DirEntrySize]struct{}        // directory block
	_ [255 - SnapMax]struct{}                               // refcounts fit a byte
)

func init() {
	// The encoded sizes must match the constants the region layout is
	// computed from.
	if got := binary.Size(&InodeData{}); got != InodeDataSize {
		panic("InodeData record size mismatch")
	}
	if got := binary.Size(&Inode{}); got != InodeSize {
		panic("Inode record size mismatch")
	}
	if got := binary.Size(&DirEntry{}); got != DirEntrySize {
		panic("DirEntry record size mismatch")
	}
	if got := binary.Size(&Superblock{}); got > BlockSize {
		panic("Superblock record does not fit one block")
	}
}

// Marshal encodes v little-endian into b, which must be large enough.
func Marshal(b []byte, v interface{}) {
	w := bytes.NewBuffer(b[:0])
	if err := binary.Write(w, binary.LittleEndian, v); err != nil {
		// All record types are fixed-size; binary.Write cannot fail on them.
		panic(err)
	}
}

// Unmarshal decodes v little-endian from b.
func Unmarshal(b []byte, v interface{}) error {
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, v); err != nil {
		return xerrors.Errorf("decoding %T: %w", v, err)
	}
	return nil
}

// Size returns the encoded size of v.
func Size(v interface{}) int { return binary.Size(v) }

// ReadSuperblock decodes and validates a superblock from r.
func ReadSuperblock(r io.ReaderAt) (*Superblock, error) {
	buf := make([]byte, BlockSize)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return nil, xerrors.Errorf("reading superblock: %w", err)
	}
	var sb Superblock
	if err := Unmarshal(buf, &sb); err != nil {
		return nil, err
	}
	if got, want := sb.Magic, uint32(Magic); got != want {
		return nil, xerrors.Errorf("invalid magic (not an ouichefs image?): got %x, want %x", got, want)
	}
	return &sb, nil
}
