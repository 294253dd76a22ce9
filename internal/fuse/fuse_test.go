package fuse

import (
	"os"
	"syscall"
	"testing"

	"github.com/jacobsa/fuse"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/ouichefs/ouichefs/internal/ouifs"
)

func TestMapError(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		in   error
		want error
	}{
		{nil, nil},
		{ouifs.ErrNotFound, fuse.ENOENT},
		{xerrors.Errorf("lookup: %w", ouifs.ErrNotFound), fuse.ENOENT},
		{ouifs.ErrExist, fuse.EEXIST},
		{ouifs.ErrNotEmpty, fuse.ENOTEMPTY},
		{ouifs.ErrNoSpace, syscall.ENOSPC},
		{ouifs.ErrTooBig, syscall.EFBIG},
		{ouifs.ErrStale, syscall.ESTALE},
		{ouifs.ErrInvalidArgument, fuse.EINVAL},
		{xerrors.New("unexpected"), fuse.EIO},
	} {
		if got := mapError(tt.in); got != tt.want {
			t.Errorf("mapError(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestOsMode(t *testing.T) {
	t.Parallel()
	if got := osMode(unix.S_IFDIR | 0755); got != os.ModeDir|0755 {
		t.Errorf("osMode(dir) = %v", got)
	}
	if got := osMode(unix.S_IFREG | 0644); got != 0644 {
		t.Errorf("osMode(file) = %v", got)
	}
}
