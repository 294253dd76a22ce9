package ouifs_test

import (
	"bytes"
	"fmt"
	"testing"

	"golang.org/x/xerrors"

	"github.com/ouichefs/ouichefs/internal/disklayout"
	"github.com/ouichefs/ouichefs/internal/ouifs"
)

func TestWriteRead(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t)

	content := bytes.Repeat([]byte("data\n"), 10)
	ino := writeFile(t, fs, ouifs.RootIno, "a", content)
	if got := readFile(t, fs, ino); !bytes.Equal(got, content) {
		t.Errorf("read back %q, want %q", got, content)
	}

	// Overwrite a range crossing a block boundary.
	big := bytes.Repeat([]byte("x"), 2*disklayout.BlockSize+17)
	if _, err := fs.WriteAt(ino, big, 100); err != nil {
		t.Fatal(err)
	}
	entry, err := fs.Stat(ino)
	if err != nil {
		t.Fatal(err)
	}
	if want := uint32(100 + len(big)); entry.Size != want {
		t.Errorf("size = %d, want %d", entry.Size, want)
	}
	buf := make([]byte, len(big))
	if _, err := fs.ReadAt(ino, buf, 100); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, big) {
		t.Errorf("overwritten range reads back wrong")
	}
	checkClean(t, fs)
}

func TestSparseReadsZero(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t)

	ino := writeFile(t, fs, ouifs.RootIno, "sparse", nil)
	// Write one byte in the third block; the first two stay holes.
	if _, err := fs.WriteAt(ino, []byte{7}, 2*disklayout.BlockSize); err != nil {
		t.Fatal(err)
	}
	got := readFile(t, fs, ino)
	want := make([]byte, 2*disklayout.BlockSize+1)
	want[2*disklayout.BlockSize] = 7
	if !bytes.Equal(got, want) {
		t.Errorf("sparse file reads back wrong")
	}
	if b, err := fs.FileBlock(0, ino, 0); err != nil || b != 0 {
		t.Errorf("hole block = %d (err %v), want 0", b, err)
	}
	checkClean(t, fs)
}

func TestMaxFilesize(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t)

	ino := writeFile(t, fs, ouifs.RootIno, "big", nil)
	if _, err := fs.WriteAt(ino, []byte{1}, disklayout.MaxFilesize); !xerrors.Is(err, ouifs.ErrTooBig) {
		t.Errorf("write beyond the file size cap: err = %v, want ErrTooBig", err)
	}
	// The last in-range byte is still writable.
	if _, err := fs.WriteAt(ino, []byte{1}, disklayout.MaxFilesize-1); err != nil {
		t.Errorf("write of the last byte: %v", err)
	}
}

func TestTruncateFreesBlocks(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t)

	content := bytes.Repeat([]byte("y"), 5*disklayout.BlockSize)
	ino := writeFile(t, fs, ouifs.RootIno, "t", content)
	sb := fs.Superblock()
	if err := fs.Truncate(ino, disklayout.BlockSize+1); err != nil {
		t.Fatal(err)
	}
	// Blocks 2..4 go away, blocks 0 and 1 stay.
	if got, want := fs.Superblock().NrFreeBlocks, sb.NrFreeBlocks+3; got != want {
		t.Errorf("nr_free_blocks = %d after truncate, want %d", got, want)
	}
	got := readFile(t, fs, ino)
	if len(got) != disklayout.BlockSize+1 {
		t.Fatalf("size after truncate = %d", len(got))
	}
	if !bytes.Equal(got, content[:disklayout.BlockSize+1]) {
		t.Errorf("truncated content reads back wrong")
	}
	checkClean(t, fs)
}

// TestReflinkCoW shares blocks between two files and verifies that
// overwriting the copy diverges physically while the source stays intact.
func TestReflinkCoW(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t)

	content := bytes.Repeat([]byte("data\n"), 10)
	a := writeFile(t, fs, ouifs.RootIno, "a", content)
	b := writeFile(t, fs, ouifs.RootIno, "b", nil)
	if err := fs.Reflink(a, b); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, fs, b); !bytes.Equal(got, content) {
		t.Fatalf("b reads %q after reflink, want %q", got, content)
	}
	ba, err := fs.FileBlock(0, a, 0)
	if err != nil {
		t.Fatal(err)
	}
	bb, err := fs.FileBlock(0, b, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ba != bb {
		t.Fatalf("reflink did not share the first block: %d vs %d", ba, bb)
	}
	checkClean(t, fs)

	// Overwrite the first block of b.
	if _, err := fs.WriteAt(b, []byte("DATA!"), 0); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, fs, a); !bytes.Equal(got, content) {
		t.Errorf("a changed after overwriting its reflink copy")
	}
	bb2, err := fs.FileBlock(0, b, 0)
	if err != nil {
		t.Fatal(err)
	}
	if bb2 == ba {
		t.Errorf("overwritten block of b still shares a's physical block %d", ba)
	}
	checkClean(t, fs)
}

func TestDirOps(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t)

	sub, err := fs.Mkdir(ouifs.RootIno, "sub", 0755)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, fs, sub, "one", []byte("1"))
	writeFile(t, fs, sub, "two", []byte("2"))

	if _, err := fs.CreateFile(sub, "one", 0644); !xerrors.Is(err, ouifs.ErrExist) {
		t.Errorf("duplicate create: err = %v, want ErrExist", err)
	}
	if _, err := fs.CreateFile(sub, "this filename is much too long for them", 0644); !xerrors.Is(err, ouifs.ErrInvalidArgument) {
		t.Errorf("long filename: err = %v, want ErrInvalidArgument", err)
	}
	if err := fs.Rmdir(ouifs.RootIno, "sub"); !xerrors.Is(err, ouifs.ErrNotEmpty) {
		t.Errorf("rmdir of a non-empty directory: err = %v, want ErrNotEmpty", err)
	}

	// Rename within the directory, then across directories.
	if err := fs.Rename(sub, "one", sub, "eins"); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Lookup(sub, "one"); !xerrors.Is(err, ouifs.ErrNotFound) {
		t.Errorf("old name still resolves after rename")
	}
	if err := fs.Rename(sub, "eins", ouifs.RootIno, "eins"); err != nil {
		t.Fatal(err)
	}
	ino, err := fs.Lookup(ouifs.RootIno, "eins")
	if err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, fs, ino); string(got) != "1" {
		t.Errorf("moved file reads %q, want %q", got, "1")
	}
	checkClean(t, fs)

	if err := fs.Unlink(sub, "two"); err != nil {
		t.Fatal(err)
	}
	if err := fs.Rmdir(ouifs.RootIno, "sub"); err != nil {
		t.Fatal(err)
	}
	if err := fs.Unlink(ouifs.RootIno, "eins"); err != nil {
		t.Fatal(err)
	}
	dents, err := fs.Readdir(ouifs.RootIno)
	if err != nil {
		t.Fatal(err)
	}
	if len(dents) != 0 {
		t.Errorf("root still has %d entries", len(dents))
	}
	checkClean(t, fs)
}

// TestFillAndFree writes 64 single-block files into the root directory,
// deletes half, and verifies the allocator bookkeeping down to the zeroing
// of freed blocks (which checkClean asserts).
func TestFillAndFree(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t)

	const n = 64
	inos := make(map[string]uint32, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("f%03d", i)
		inos[name] = writeFile(t, fs, ouifs.RootIno, name, []byte(name))
	}
	checkClean(t, fs)
	for i := 0; i < n; i += 2 {
		if err := fs.Unlink(ouifs.RootIno, fmt.Sprintf("f%03d", i)); err != nil {
			t.Fatal(err)
		}
	}
	checkClean(t, fs)
	for i := 1; i < n; i += 2 {
		name := fmt.Sprintf("f%03d", i)
		ino, err := fs.Lookup(ouifs.RootIno, name)
		if err != nil {
			t.Fatal(err)
		}
		if got := readFile(t, fs, ino); string(got) != name {
			t.Errorf("%s reads %q", name, got)
		}
	}
}
