package disklayout

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRegionOffsets(t *testing.T) {
	t.Parallel()
	sb := Superblock{
		NrBlocks:                12800,
		NrInodes:                1600,
		NrIstoreBlocks:          50,
		NrIfreeBlocks:           1,
		NrBfreeBlocks:           1,
		NrInodeDataBitmapBlocks: 2,
		NrInodeDataIndexBlocks:  1,
		NrMetaBlocks:            4,
	}
	if got, want := sb.IstoreStart(), uint32(1); got != want {
		t.Errorf("IstoreStart = %d, want %d", got, want)
	}
	if got, want := sb.IfreeStart(), uint32(51); got != want {
		t.Errorf("IfreeStart = %d, want %d", got, want)
	}
	if got, want := sb.DataStart(), uint32(60); got != want {
		t.Errorf("DataStart = %d, want %d", got, want)
	}
	if got, want := sb.NrDataBlocks(), uint32(12740); got != want {
		t.Errorf("NrDataBlocks = %d, want %d", got, want)
	}

	block, off := sb.MetaBlockFor(sb.DataStart())
	if block != sb.MetaStart() || off != 0 {
		t.Errorf("MetaBlockFor(first data block) = (%d, %d)", block, off)
	}
	block, off = sb.MetaBlockFor(sb.DataStart() + RefcountsPerBlock + 7)
	if block != sb.MetaStart()+1 || off != 7 {
		t.Errorf("MetaBlockFor(second group) = (%d, %d)", block, off)
	}
}

func TestSuperblockRoundTrip(t *testing.T) {
	t.Parallel()
	sb := Superblock{
		Magic:          Magic,
		NrBlocks:       4242,
		NrInodes:       512,
		NrIstoreBlocks: 16,
		NrFreeInodes:   510,
	}
	sb.Snapshots[3] = SnapshotSlot{Created: 1700000000, ID: 9}

	buf := make([]byte, BlockSize)
	Marshal(buf[:Size(&sb)], &sb)
	var got Superblock
	if err := Unmarshal(buf, &got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(sb, got); diff != "" {
		t.Errorf("superblock round trip: diff (-want +got):\n%s", diff)
	}
}

func TestInodeDataRoundTrip(t *testing.T) {
	t.Parallel()
	entry := InodeData{
		Mode:       0100644,
		Uid:        1000,
		Gid:        1000,
		Size:       4097,
		Atime:      Timespec{Sec: 1700000000, Nsec: 12345},
		Blocks:     3,
		NLink:      1,
		IndexBlock: 77,
		Refcount:   2,
	}
	buf := make([]byte, InodeDataSize)
	Marshal(buf, &entry)
	var got InodeData
	if err := Unmarshal(buf, &got); err != nil {
		t.Fatal(err)
	}
	if got != entry {
		t.Errorf("inode-data round trip: got %+v, want %+v", got, entry)
	}
}

func TestDirEntryNames(t *testing.T) {
	t.Parallel()
	var de DirEntry
	de.SetName("hello")
	if got := de.Name(); got != "hello" {
		t.Errorf("Name = %q", got)
	}
	// A name of exactly FilenameLen-1 bytes fills the field minus the NUL.
	long := "abcdefghijklmnopqrstuvwxyz0"
	de.SetName(long)
	if got := de.Name(); got != long {
		t.Errorf("Name = %q, want %q", got, long)
	}
	// Shorter names clear the previous content.
	de.SetName("x")
	if got := de.Name(); got != "x" {
		t.Errorf("Name = %q after overwrite", got)
	}
}

func TestInodeDead(t *testing.T) {
	t.Parallel()
	var ino Inode
	if !ino.Dead() {
		t.Error("zero inode should be dead")
	}
	ino.IData[SnapMax-1] = 7
	if ino.Dead() {
		t.Error("inode with a live slot reported dead")
	}
}
