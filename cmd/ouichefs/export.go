package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"time"

	"github.com/cavaliercoder/go-cpio"
	"github.com/google/renameio"
	"github.com/klauspost/pgzip"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/ouichefs/ouichefs/internal/disklayout"
	"github.com/ouichefs/ouichefs/internal/ouifs"
)

const exportHelp = `ouichefs export [-flags] <image>

Dump a snapshot (or the live state) of an ouichefs image as a cpio archive
and atomically write it to -output.

Example:
  % ouichefs export -snapshot 2 -gzip -output backup.cpio.gz /tmp/fs.img
`

func cmdexport(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("export", flag.ExitOnError)
	var (
		snapshot = fset.Uint("snapshot", 0, "snapshot id to export (0 = live state)")
		gzip     = fset.Bool("gzip", false, "gzip the archive")
		output   = fset.String("output", "", "output path (required)")
	)
	fset.Usage = func() {
		fmt.Fprint(os.Stderr, exportHelp)
		fmt.Fprintf(os.Stderr, "Flags for ouichefs %s:\n", fset.Name())
		fset.PrintDefaults()
	}
	fset.Parse(args)
	if fset.NArg() != 1 || *output == "" {
		return xerrors.Errorf("syntax: export -output <file> <image>")
	}

	return withImage(fset.Arg(0), func(fs *ouifs.FS) error {
		slot := 0
		if *snapshot != 0 {
			slot = fs.SlotByID(uint32(*snapshot))
			if slot == -1 {
				return xerrors.Errorf("snapshot %d: %w", *snapshot, ouifs.ErrNotFound)
			}
		}

		out, err := renameio.TempFile("", *output)
		if err != nil {
			return err
		}
		defer out.Cleanup()

		start := time.Now()
		var w io.Writer = out
		var zw *pgzip.Writer
		if *gzip {
			zw = pgzip.NewWriter(out)
			w = zw
		}
		wr := cpio.NewWriter(w)
		if err := exportDir(fs, wr, slot, ouifs.RootIno, "."); err != nil {
			return err
		}
		if err := wr.Close(); err != nil {
			return err
		}
		if zw != nil {
			if err := zw.Close(); err != nil {
				return err
			}
		}
		if err := out.CloseAtomicallyReplace(); err != nil {
			return err
		}
		log.Printf("exported to %s in %v", *output, time.Since(start))
		return nil
	})
}

// exportDir writes the directory tree rooted at ino into the archive.
func exportDir(fs *ouifs.FS, wr *cpio.Writer, slot int, ino uint32, dir string) error {
	dents, err := fs.ReaddirAt(slot, ino)
	if err != nil {
		return err
	}
	for i := range dents {
		name := path.Join(dir, dents[i].Name())
		entry, err := fs.StatAt(slot, dents[i].Inode)
		if err != nil {
			return err
		}
		switch entry.Mode & unix.S_IFMT {
		case unix.S_IFDIR:
			if err := wr.WriteHeader(&cpio.Header{
				Name:    name,
				Mode:    cpio.ModeDir | cpio.FileMode(entry.Mode&07777),
				ModTime: time.Unix(entry.Mtime.Sec, int64(entry.Mtime.Nsec)),
			}); err != nil {
				return err
			}
			if err := exportDir(fs, wr, slot, dents[i].Inode, name); err != nil {
				return err
			}
		case unix.S_IFREG:
			if err := wr.WriteHeader(&cpio.Header{
				Name:    name,
				Mode:    cpio.FileMode(entry.Mode & 07777),
				Size:    int64(entry.Size),
				ModTime: time.Unix(entry.Mtime.Sec, int64(entry.Mtime.Nsec)),
			}); err != nil {
				return err
			}
			buf := make([]byte, disklayout.BlockSize)
			for off := int64(0); off < int64(entry.Size); off += int64(len(buf)) {
				n, err := fs.ReadAtSlot(slot, dents[i].Inode, buf, off)
				if err != nil {
					return err
				}
				if n == 0 {
					break
				}
				if _, err := wr.Write(buf[:n]); err != nil {
					return err
				}
			}
		default:
			return xerrors.Errorf("inode %d has unsupported mode %o: %w",
				dents[i].Inode, entry.Mode, ouifs.ErrCorrupt)
		}
	}
	return nil
}
