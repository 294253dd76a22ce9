package blockdev

import (
	"bytes"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/ouichefs/ouichefs/internal/disklayout"
)

func newImage(t *testing.T, blocks int) string {
	t.Helper()
	img := filepath.Join(t.TempDir(), "img")
	if err := ioutil.WriteFile(img, make([]byte, blocks*disklayout.BlockSize), 0644); err != nil {
		t.Fatal(err)
	}
	return img
}

func TestReadWriteSync(t *testing.T) {
	t.Parallel()
	img := newImage(t, 8)
	dev, err := Open(img)
	if err != nil {
		t.Fatal(err)
	}
	if got := dev.NrBlocks(); got != 8 {
		t.Fatalf("NrBlocks = %d, want 8", got)
	}

	buf, err := dev.ReadBlock(3)
	if err != nil {
		t.Fatal(err)
	}
	buf.Lock()
	copy(buf.Data, "hello block device")
	buf.MarkDirty()
	buf.Unlock()

	// The write is not on disk until Sync.
	raw, err := ioutil.ReadFile(img)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte("hello")) {
		t.Error("dirty buffer reached the disk before Sync")
	}
	if err := dev.Sync(true); err != nil {
		t.Fatal(err)
	}
	raw, err = ioutil.ReadFile(img)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw[3*disklayout.BlockSize:3*disklayout.BlockSize+18], []byte("hello block device")) {
		t.Error("synced data not found at the expected offset")
	}
	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestBufferIdentity(t *testing.T) {
	t.Parallel()
	img := newImage(t, 4)
	dev, err := Open(img)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	a, err := dev.ReadBlock(2)
	if err != nil {
		t.Fatal(err)
	}
	b, err := dev.ReadBlock(2)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("two reads of the same block returned different buffers")
	}
}

func TestOpenRejectsUnalignedImages(t *testing.T) {
	t.Parallel()
	img := filepath.Join(t.TempDir(), "img")
	if err := ioutil.WriteFile(img, make([]byte, disklayout.BlockSize+1), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(img); err == nil {
		t.Error("Open accepted an image that is not a multiple of the block size")
	}
}

func TestOpenLocksImage(t *testing.T) {
	t.Parallel()
	img := newImage(t, 4)
	dev, err := Open(img)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Open(img); err == nil {
		t.Error("second Open of a locked image succeeded")
	}
	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}
	dev2, err := Open(img)
	if err != nil {
		t.Fatalf("Open after Close: %v", err)
	}
	dev2.Close()
}

func TestReadBlockOutOfRange(t *testing.T) {
	t.Parallel()
	img := newImage(t, 4)
	dev, err := Open(img)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()
	if _, err := dev.ReadBlock(4); err == nil {
		t.Error("ReadBlock beyond the device succeeded")
	}
}
