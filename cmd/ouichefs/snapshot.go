package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/mattn/go-isatty"
	"golang.org/x/xerrors"

	"github.com/ouichefs/ouichefs/internal/blockdev"
	"github.com/ouichefs/ouichefs/internal/fuse"
	"github.com/ouichefs/ouichefs/internal/ouifs"
)

const snapshotHelp = `ouichefs snapshot <image> create [id]
ouichefs snapshot <image> delete <id>
ouichefs snapshot <image> restore <id>
ouichefs snapshot <image> list

Manage the snapshots of an unmounted ouichefs image. For a mounted image,
use the control file in the root directory of the mount instead, e.g.:
  % echo create > /mnt/ouichefs/` + fuse.CtlName + `
`

// withImage runs fn on a freshly mounted, otherwise unused image.
func withImage(image string, fn func(fs *ouifs.FS) error) error {
	dev, err := blockdev.Open(image)
	if err != nil {
		return err
	}
	fs, err := ouifs.Mount(dev, ouifs.NopAdapter{})
	if err != nil {
		dev.Close()
		return err
	}
	if err := fn(fs); err != nil {
		fs.Close()
		return err
	}
	return fs.Close()
}

func parseID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil || id == 0 {
		return 0, xerrors.Errorf("invalid snapshot id %q: %w", s, ouifs.ErrInvalidArgument)
	}
	return uint32(id), nil
}

func cmdsnapshot(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("snapshot", flag.ExitOnError)
	fset.Usage = func() {
		fmt.Fprint(os.Stderr, snapshotHelp)
	}
	fset.Parse(args)
	if fset.NArg() < 2 {
		return xerrors.Errorf("syntax: snapshot <image> <create|delete|restore|list> [id]")
	}
	image, verb, rest := fset.Arg(0), fset.Arg(1), fset.Args()[2:]

	switch verb {
	case "create":
		var hint uint32
		if len(rest) == 1 {
			id, err := parseID(rest[0])
			if err != nil {
				return err
			}
			hint = id
		} else if len(rest) != 0 {
			return xerrors.Errorf("syntax: snapshot <image> create [id]")
		}
		return withImage(image, func(fs *ouifs.FS) error {
			id, err := fs.SnapshotCreate(hint)
			if err != nil {
				return err
			}
			log.Printf("created snapshot %d", id)
			return nil
		})
	case "delete":
		if len(rest) != 1 {
			return xerrors.Errorf("syntax: snapshot <image> delete <id>")
		}
		id, err := parseID(rest[0])
		if err != nil {
			return err
		}
		return withImage(image, func(fs *ouifs.FS) error {
			return fs.SnapshotDelete(id)
		})
	case "restore":
		if len(rest) != 1 {
			return xerrors.Errorf("syntax: snapshot <image> restore <id>")
		}
		id, err := parseID(rest[0])
		if err != nil {
			return err
		}
		return withImage(image, func(fs *ouifs.FS) error {
			return fs.SnapshotRestore(id)
		})
	case "list":
		return withImage(image, func(fs *ouifs.FS) error {
			buf := make([]byte, 4096)
			n := fs.SnapshotList(buf)
			if isatty.IsTerminal(os.Stdout.Fd()) && n > 0 {
				fmt.Printf("snapshots of %s:\n", image)
			}
			os.Stdout.Write(buf[:n])
			return nil
		})
	default:
		return xerrors.Errorf("unknown snapshot command %q", verb)
	}
}
