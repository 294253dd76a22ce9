package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/mattn/go-isatty"
	"golang.org/x/xerrors"

	"github.com/ouichefs/ouichefs/internal/ouifs"
)

const fsckHelp = `ouichefs fsck <image>

Verify the invariants of an unmounted ouichefs image: block and inode-data
refcounts against the reachable reference graph, free counters against the
bitmaps, and zeroing of freed blocks.
`

func cmdfsck(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("fsck", flag.ExitOnError)
	fset.Usage = func() {
		fmt.Fprint(os.Stderr, fsckHelp)
	}
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.Errorf("syntax: fsck <image>")
	}

	return withImage(fset.Arg(0), func(fs *ouifs.FS) error {
		report, err := fs.Check(ctx)
		if err != nil {
			return err
		}
		if len(report.Problems) == 0 {
			if isatty.IsTerminal(os.Stdout.Fd()) {
				fmt.Printf("%s: clean\n", fset.Arg(0))
			}
			return nil
		}
		for _, p := range report.Problems {
			log.Printf("%s: %s", fset.Arg(0), p)
		}
		return xerrors.Errorf("%d problems found", len(report.Problems))
	})
}
