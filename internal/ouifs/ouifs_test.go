package ouifs_test

import (
	"context"
	"crypto/sha256"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ouichefs/ouichefs/internal/blockdev"
	"github.com/ouichefs/ouichefs/internal/mkfs"
	"github.com/ouichefs/ouichefs/internal/ouifs"
)

const testImageSize = 50 * 1024 * 1024

func newTestImage(t *testing.T, size int64) string {
	t.Helper()
	img := filepath.Join(t.TempDir(), "fs.img")
	f, err := os.Create(img)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mkfs.Format(f, size, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return img
}

func mountImage(t *testing.T, img string) *ouifs.FS {
	t.Helper()
	dev, err := blockdev.Open(img)
	if err != nil {
		t.Fatal(err)
	}
	fs, err := ouifs.Mount(dev, ouifs.NopAdapter{})
	if err != nil {
		dev.Close()
		t.Fatal(err)
	}
	return fs
}

func newTestFS(t *testing.T) *ouifs.FS {
	t.Helper()
	fs := mountImage(t, newTestImage(t, testImageSize))
	t.Cleanup(func() { fs.Close() })
	return fs
}

// checkClean fails the test if any file system invariant is violated.
func checkClean(t *testing.T, fs *ouifs.FS) {
	t.Helper()
	report, err := fs.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	for _, p := range report.Problems {
		t.Errorf("invariant violation: %s", p)
	}
}

func writeFile(t *testing.T, fs *ouifs.FS, parent uint32, name string, content []byte) uint32 {
	t.Helper()
	ino, err := fs.CreateFile(parent, name, 0644)
	if err != nil {
		t.Fatalf("CreateFile(%s): %v", name, err)
	}
	if _, err := fs.WriteAt(ino, content, 0); err != nil {
		t.Fatalf("WriteAt(%s): %v", name, err)
	}
	return ino
}

func readFile(t *testing.T, fs *ouifs.FS, ino uint32) []byte {
	t.Helper()
	entry, err := fs.Stat(ino)
	if err != nil {
		t.Fatalf("Stat(%d): %v", ino, err)
	}
	buf := make([]byte, entry.Size)
	n, err := fs.ReadAt(ino, buf, 0)
	if err != nil {
		t.Fatalf("ReadAt(%d): %v", ino, err)
	}
	return buf[:n]
}

func TestMountFreshImage(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t)

	dents, err := fs.Readdir(ouifs.RootIno)
	if err != nil {
		t.Fatal(err)
	}
	if len(dents) != 0 {
		t.Fatalf("fresh root directory has %d entries, want 0", len(dents))
	}
	entry, err := fs.Stat(ouifs.RootIno)
	if err != nil {
		t.Fatal(err)
	}
	if entry.NLink != 2 {
		t.Errorf("root nlink = %d, want 2", entry.NLink)
	}
	checkClean(t, fs)
}

func TestMountRejectsBadMagic(t *testing.T) {
	t.Parallel()
	img := newTestImage(t, testImageSize)
	f, err := os.OpenFile(img, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt([]byte{0, 0, 0, 0}, 0); err != nil {
		t.Fatal(err)
	}
	f.Close()

	dev, err := blockdev.Open(img)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()
	if _, err := ouifs.Mount(dev, ouifs.NopAdapter{}); err == nil {
		t.Fatal("Mount accepted an image with a corrupt magic")
	}
}

// TestRoundTrip verifies that unmount/mount cycles do not change the image:
// the superblock and all reachable blocks hash to identical values.
func TestRoundTrip(t *testing.T) {
	t.Parallel()
	img := newTestImage(t, testImageSize)

	fs := mountImage(t, img)
	writeFile(t, fs, ouifs.RootIno, "a", []byte("hello"))
	dir, err := fs.Mkdir(ouifs.RootIno, "sub", 0755)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, fs, dir, "b", []byte("world"))
	if _, err := fs.SnapshotCreate(0); err != nil {
		t.Fatal(err)
	}
	checkClean(t, fs)
	if err := fs.Close(); err != nil {
		t.Fatal(err)
	}

	hash := func() [sha256.Size]byte {
		b, err := ioutil.ReadFile(img)
		if err != nil {
			t.Fatal(err)
		}
		return sha256.Sum256(b)
	}
	before := hash()

	fs = mountImage(t, img)
	checkClean(t, fs)
	a, err := fs.Lookup(ouifs.RootIno, "a")
	if err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, fs, a); string(got) != "hello" {
		t.Errorf("a reads %q after remount, want %q", got, "hello")
	}
	if err := fs.Close(); err != nil {
		t.Fatal(err)
	}

	if after := hash(); after != before {
		t.Errorf("image hash changed across a read-only mount cycle")
	}
}
