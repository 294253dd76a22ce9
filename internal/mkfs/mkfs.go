// Package mkfs writes empty ouichefs images: the fixed region layout of
// disklayout with a root directory as the only object. The formatter is
// offline tooling; a formatted image is mounted through ouifs.
package mkfs

import (
	"io"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/ouichefs/ouichefs/internal/disklayout"
)

// MinSize is the smallest image Format accepts (100 blocks). At that size
// the metadata regions take 7 blocks and leave the rest as data region.
const MinSize = 100 * disklayout.BlockSize

// Layout computes the region sizes for an image of the given byte size.
func Layout(size int64) (*disklayout.Superblock, error) {
	if size < MinSize {
		return nil, xerrors.Errorf("image size %d below minimum %d", size, MinSize)
	}
	nblocks := uint32(size / disklayout.BlockSize)

	// One inode per eight blocks keeps the store small. A file with data
	// costs at least two blocks (index block and one data block), so an
	// image filled with such small files runs out of inodes before it
	// runs out of data blocks.
	ninodes := nblocks / 8
	if ninodes < disklayout.InodesPerBlock {
		ninodes = disklayout.InodesPerBlock
	}
	// Every inode can hold one inode-data entry per snapshot slot, so
	// this bound never produces a spurious "no space".
	nidata := ninodes * disklayout.SnapMax

	bitsPerBlock := uint32(disklayout.BlockSize * 8)
	sb := &disklayout.Superblock{
		Magic:                   disklayout.Magic,
		NrBlocks:                nblocks,
		NrInodes:                ninodes,
		NrIstoreBlocks:          ceil(ninodes, disklayout.InodesPerBlock),
		NrIfreeBlocks:           ceil(ninodes, bitsPerBlock),
		NrBfreeBlocks:           ceil(nblocks, bitsPerBlock),
		NrInodeDataBitmapBlocks: ceil(nidata, bitsPerBlock),
		NrInodeDataIndexBlocks: ceil(ceil(nidata, disklayout.InodeDataPerBlock),
			disklayout.IndexEntriesPerBlock),
		NrMetaBlocks: ceil(nblocks, disklayout.RefcountsPerBlock),
	}
	if sb.DataStart()+2 >= nblocks {
		return nil, xerrors.Errorf("image size %d leaves no data region", size)
	}
	return sb, nil
}

func ceil(n, per uint32) uint32 { return (n + per - 1) / per }

// Format writes an empty file system of the given size to w: superblock,
// bitmaps with the reserved index 0 and the root allocations taken, the
// root inode with one inode-data entry and an empty directory block.
func Format(w io.WriteSeeker, size int64, mkfsTime time.Time) (*disklayout.Superblock, error) {
	sb, err := Layout(size)
	if err != nil {
		return nil, err
	}

	// The root directory occupies the first two data blocks: the block
	// hosting its inode-data entry, and its (empty) directory block.
	hostBlock := sb.DataStart()
	dirBlock := sb.DataStart() + 1

	sb.NrFreeInodes = sb.NrInodes - 2 // index 0, root
	sb.NrFreeBlocks = sb.NrDataBlocks() - 2
	nidata := sb.NrInodes * disklayout.SnapMax
	sb.NrFreeInodeData = nidata - 2 // index 0, root entry

	block := make([]byte, disklayout.BlockSize)

	// Superblock.
	disklayout.Marshal(block[:disklayout.Size(sb)], sb)
	if err := writeBlock(w, 0, block); err != nil {
		return nil, err
	}

	// Inode store: all dead except the root, whose live slot names
	// inode-data entry 1.
	zero(block)
	root := disklayout.Inode{}
	root.IData[0] = 1
	off := int(ouifsRootIno%disklayout.InodesPerBlock) * disklayout.InodeSize
	disklayout.Marshal(block[off:off+disklayout.InodeSize], &root)
	if err := writeBlock(w, sb.IstoreStart(), block); err != nil {
		return nil, err
	}
	zero(block)
	for b := sb.IstoreStart() + 1; b < sb.IfreeStart(); b++ {
		if err := writeBlock(w, b, block); err != nil {
			return nil, err
		}
	}

	// Bitmaps. 1 = free; index 0 is reserved everywhere.
	if err := writeBitmap(w, sb.IfreeStart(), sb.NrIfreeBlocks, sb.NrInodes, 0, ouifsRootIno); err != nil {
		return nil, err
	}
	if err := writeBitmap(w, sb.BfreeStart(), sb.NrBfreeBlocks, sb.NrBlocks,
		sb.DataStart(), hostBlock, dirBlock); err != nil {
		return nil, err
	}
	if err := writeBitmap(w, sb.InodeDataBitmapStart(), sb.NrInodeDataBitmapBlocks, nidata, 0, 1); err != nil {
		return nil, err
	}

	// Inode-data index: group 0 resolves to the hosting block.
	zero(block)
	disklayout.Marshal(block[:4], &hostBlock)
	if err := writeBlock(w, sb.InodeDataIndexStart(), block); err != nil {
		return nil, err
	}
	zero(block)
	for b := sb.InodeDataIndexStart() + 1; b < sb.MetaStart(); b++ {
		if err := writeBlock(w, b, block); err != nil {
			return nil, err
		}
	}

	// Metadata region: the two root blocks carry one reference each.
	zero(block)
	block[hostBlock-sb.DataStart()] = 1
	block[dirBlock-sb.DataStart()] = 1
	if err := writeBlock(w, sb.MetaStart(), block); err != nil {
		return nil, err
	}
	zero(block)
	for b := sb.MetaStart() + 1; b < sb.DataStart(); b++ {
		if err := writeBlock(w, b, block); err != nil {
			return nil, err
		}
	}

	// Hosting block: inode-data entry 1 is the root directory.
	zero(block)
	now := disklayout.Timespec{Sec: mkfsTime.Unix(), Nsec: uint32(mkfsTime.Nanosecond())}
	rootData := disklayout.InodeData{
		Mode:       unix.S_IFDIR | 0755,
		NLink:      2,
		IndexBlock: dirBlock,
		Blocks:     1,
		Atime:      now,
		Mtime:      now,
		Ctime:      now,
		Refcount:   1,
	}
	eoff := 1 * disklayout.InodeDataSize
	disklayout.Marshal(block[eoff:eoff+disklayout.InodeDataSize], &rootData)
	if err := writeBlock(w, hostBlock, block); err != nil {
		return nil, err
	}

	// Empty root directory block, then extend the image to full size so
	// the device sees every block (the tail stays sparse where the file
	// system supports it).
	zero(block)
	if err := writeBlock(w, dirBlock, block); err != nil {
		return nil, err
	}
	if _, err := w.Seek(int64(sb.NrBlocks)*disklayout.BlockSize-1, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte{0}); err != nil {
		return nil, err
	}
	return sb, nil
}

// ouifsRootIno mirrors ouifs.RootIno. Inode 0 is reserved.
const ouifsRootIno = 1

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func writeBlock(w io.WriteSeeker, nr uint32, data []byte) error {
	if _, err := w.Seek(int64(nr)*disklayout.BlockSize, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return xerrors.Errorf("writing block %d: %w", nr, err)
	}
	return nil
}

// writeBitmap writes a bitmap region of nbits bits, all free except indices
// [0, reservedBelow) and the listed taken indices.
func writeBitmap(w io.WriteSeeker, start, blocks, nbits, reservedBelow uint32, taken ...uint32) error {
	raw := make([]byte, int(blocks)*disklayout.BlockSize)
	for i := uint32(0); i < nbits; i++ {
		raw[i/8] |= 1 << (i % 8)
	}
	// Trailing bits beyond nbits stay zero (allocated), so the allocator
	// never hands them out.
	for i := uint32(0); i < reservedBelow && i < nbits; i++ {
		raw[i/8] &^= 1 << (i % 8)
	}
	raw[0] &^= 1 // index 0 is never handed out
	for _, i := range taken {
		raw[i/8] &^= 1 << (i % 8)
	}
	for b := uint32(0); b < blocks; b++ {
		if err := writeBlock(w, start+b, raw[int(b)*disklayout.BlockSize:int(b+1)*disklayout.BlockSize]); err != nil {
			return err
		}
	}
	return nil
}
