package ouifs_test

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/xerrors"

	"github.com/ouichefs/ouichefs/internal/disklayout"
	"github.com/ouichefs/ouichefs/internal/ouifs"
)

func snapshotLines(fs *ouifs.FS) []string {
	buf := make([]byte, 4096)
	n := fs.SnapshotList(buf)
	if n == 0 {
		return nil
	}
	return strings.Split(strings.TrimSuffix(string(buf[:n]), "\n"), "\n")
}

// TestSnapshotCreateList covers the basic lifecycle: two snapshots around a
// file modification, listed in slot order with auto-assigned ids 1 and 2.
func TestSnapshotCreateList(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t)

	a := writeFile(t, fs, ouifs.RootIno, "a", []byte("hello"))
	id1, err := fs.SnapshotCreate(0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.WriteAt(a, []byte("world"), 0); err != nil {
		t.Fatal(err)
	}
	id2, err := fs.SnapshotCreate(0)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != 1 || id2 != 2 {
		t.Errorf("auto ids = %d, %d, want 1, 2", id1, id2)
	}

	var want []string
	for _, s := range fs.Snapshots() {
		ts := time.Unix(s.Created, 0).UTC()
		want = append(want, fmt.Sprintf("%d: %02d.%02d.%02d %02d:%02d:%02d",
			s.ID, ts.Day(), int(ts.Month()), ts.Year()%100,
			ts.Hour(), ts.Minute(), ts.Second()))
	}
	if diff := cmp.Diff(want, snapshotLines(fs)); diff != "" {
		t.Errorf("snapshot listing: diff (-want +got):\n%s", diff)
	}

	if got := readFile(t, fs, a); string(got) != "world" {
		t.Errorf("a reads %q, want %q", got, "world")
	}
	checkClean(t, fs)
}

// TestSnapshotDeletePreservesLive deletes the older snapshot and verifies
// the live state and the younger snapshot survive.
func TestSnapshotDeletePreservesLive(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t)

	a := writeFile(t, fs, ouifs.RootIno, "a", []byte("hello"))
	if _, err := fs.SnapshotCreate(0); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.WriteAt(a, []byte("world"), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.SnapshotCreate(0); err != nil {
		t.Fatal(err)
	}

	if err := fs.SnapshotDelete(1); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, fs, a); string(got) != "world" {
		t.Errorf("a reads %q after delete, want %q", got, "world")
	}
	lines := snapshotLines(fs)
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "2: ") {
		t.Errorf("listing after delete = %q, want a single id-2 line", lines)
	}
	checkClean(t, fs)

	if err := fs.SnapshotDelete(1); !xerrors.Is(err, ouifs.ErrNotFound) {
		t.Errorf("double delete: err = %v, want ErrNotFound", err)
	}
	if err := fs.SnapshotDelete(0); !xerrors.Is(err, ouifs.ErrInvalidArgument) {
		t.Errorf("delete of the live snapshot: err = %v, want ErrInvalidArgument", err)
	}
}

// TestSnapshotRestoreAfterUnlink restores a snapshot taken before a file
// was removed and another created: the removed file comes back with its
// content, the new file is gone.
func TestSnapshotRestoreAfterUnlink(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t)

	writeFile(t, fs, ouifs.RootIno, "x", []byte("A"))
	id, err := fs.SnapshotCreate(5)
	if err != nil {
		t.Fatal(err)
	}
	if id != 5 {
		t.Fatalf("SnapshotCreate(5) = %d", id)
	}
	if err := fs.Unlink(ouifs.RootIno, "x"); err != nil {
		t.Fatal(err)
	}
	writeFile(t, fs, ouifs.RootIno, "y", []byte("B"))
	checkClean(t, fs)

	if err := fs.SnapshotRestore(5); err != nil {
		t.Fatal(err)
	}
	x, err := fs.Lookup(ouifs.RootIno, "x")
	if err != nil {
		t.Fatalf("x absent after restore: %v", err)
	}
	if got := readFile(t, fs, x); string(got) != "A" {
		t.Errorf("x reads %q after restore, want %q", got, "A")
	}
	if _, err := fs.Lookup(ouifs.RootIno, "y"); !xerrors.Is(err, ouifs.ErrNotFound) {
		t.Errorf("y still resolves after restore: err = %v", err)
	}
	checkClean(t, fs)

	// The restored snapshot itself survives.
	if lines := snapshotLines(fs); len(lines) != 1 || !strings.HasPrefix(lines[0], "5: ") {
		t.Errorf("listing after restore = %q", lines)
	}
}

// TestSnapshotImmutability writes through the live state after a snapshot
// and verifies the snapshot still reads the old content, then restores and
// compares byte-for-byte.
func TestSnapshotImmutability(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t)

	old := []byte(strings.Repeat("old content\n", 800)) // spans 3 blocks
	a := writeFile(t, fs, ouifs.RootIno, "a", old)
	id, err := fs.SnapshotCreate(0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.WriteAt(a, []byte("NEW"), 0); err != nil {
		t.Fatal(err)
	}
	if err := fs.Truncate(a, 5); err != nil {
		t.Fatal(err)
	}
	checkClean(t, fs)

	if err := fs.SnapshotRestore(id); err != nil {
		t.Fatal(err)
	}
	a2, err := fs.Lookup(ouifs.RootIno, "a")
	if err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, fs, a2); string(got) != string(old) {
		t.Errorf("restored content differs: %d bytes, want %d", len(got), len(old))
	}
	checkClean(t, fs)
}

// TestRestoreNonDestruction verifies snapshots survive restores: jumping
// back to an older snapshot and forward again ends at the newer state.
func TestRestoreNonDestruction(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t)

	f := writeFile(t, fs, ouifs.RootIno, "f", []byte("v1"))
	idA, err := fs.SnapshotCreate(0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.WriteAt(f, []byte("v2"), 0); err != nil {
		t.Fatal(err)
	}
	idB, err := fs.SnapshotCreate(0)
	if err != nil {
		t.Fatal(err)
	}

	if err := fs.SnapshotRestore(idA); err != nil {
		t.Fatal(err)
	}
	f1, err := fs.Lookup(ouifs.RootIno, "f")
	if err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, fs, f1); string(got) != "v1" {
		t.Errorf("after restore(A): f = %q, want v1", got)
	}
	if err := fs.SnapshotRestore(idB); err != nil {
		t.Fatal(err)
	}
	f2, err := fs.Lookup(ouifs.RootIno, "f")
	if err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, fs, f2); string(got) != "v2" {
		t.Errorf("after restore(B): f = %q, want v2", got)
	}
	checkClean(t, fs)
}

// TestSnapshotExhaustion creates snapshots until the table is full, then
// verifies that deleting one frees a slot and the fresh snapshot gets the
// smallest absent id.
func TestSnapshotExhaustion(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t)

	writeFile(t, fs, ouifs.RootIno, "a", []byte("x"))
	for i := 1; i < disklayout.SnapMax; i++ {
		id, err := fs.SnapshotCreate(0)
		if err != nil {
			t.Fatalf("snapshot %d: %v", i, err)
		}
		if id != uint32(i) {
			t.Fatalf("snapshot %d got id %d", i, id)
		}
	}
	if _, err := fs.SnapshotCreate(0); !xerrors.Is(err, ouifs.ErrNoSpace) {
		t.Fatalf("snapshot beyond the table: err = %v, want ErrNoSpace", err)
	}
	checkClean(t, fs)

	if err := fs.SnapshotDelete(7); err != nil {
		t.Fatal(err)
	}
	id, err := fs.SnapshotCreate(0)
	if err != nil {
		t.Fatal(err)
	}
	if id != 7 {
		t.Errorf("id after delete/create = %d, want 7 (smallest absent)", id)
	}
	checkClean(t, fs)

	// Free a slot so that the duplicate id, not the full table, is what
	// the next create trips over.
	if err := fs.SnapshotDelete(31); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.SnapshotCreate(3); !xerrors.Is(err, ouifs.ErrExist) {
		t.Errorf("duplicate id hint: err = %v, want ErrExist", err)
	}
}

// TestSnapshotOfDirectoryTree snapshots a tree with subdirectories and
// deletes it live; the snapshot still resolves the whole tree, and deleting
// the snapshot releases everything.
func TestSnapshotOfDirectoryTree(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t)

	sub, err := fs.Mkdir(ouifs.RootIno, "sub", 0755)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, fs, sub, "f", []byte("deep"))
	id, err := fs.SnapshotCreate(0)
	if err != nil {
		t.Fatal(err)
	}

	if err := fs.Unlink(sub, "f"); err != nil {
		t.Fatal(err)
	}
	if err := fs.Rmdir(ouifs.RootIno, "sub"); err != nil {
		t.Fatal(err)
	}
	checkClean(t, fs)

	slot := fs.SlotByID(id)
	if slot == -1 {
		t.Fatal("snapshot vanished")
	}
	sub2, err := fs.LookupAt(slot, ouifs.RootIno, "sub")
	if err != nil {
		t.Fatalf("sub absent in snapshot: %v", err)
	}
	f, err := fs.LookupAt(slot, sub2, "f")
	if err != nil {
		t.Fatalf("sub/f absent in snapshot: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := fs.ReadAtSlot(slot, f, buf, 0); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "deep" {
		t.Errorf("snapshot reads %q, want %q", buf, "deep")
	}

	if err := fs.SnapshotDelete(id); err != nil {
		t.Fatal(err)
	}
	checkClean(t, fs)
}
