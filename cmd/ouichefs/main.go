package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"golang.org/x/xerrors"

	"github.com/ouichefs/ouichefs"
	"github.com/ouichefs/ouichefs/internal/fuse"
)

var debug = flag.Bool("debug", false, "enable debug mode: format error messages with additional detail")

func funcmain() error {
	flag.Parse()

	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"mkfs": {cmdmkfs},
		"mount": {func(ctx context.Context, args []string) error {
			join, err := fuse.Mount(ctx, args)
			if err != nil {
				return err
			}
			if err := join(ctx); err != nil {
				return xerrors.Errorf("Join: %w", err)
			}
			return nil
		}},
		"snapshot": {cmdsnapshot},
		"export":   {cmdexport},
		"fsck":     {cmdfsck},
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "ouichefs [-flags] <command> [-flags] <args>\n")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintf(os.Stderr, "Image commands:\n")
		fmt.Fprintf(os.Stderr, "\tmkfs     - format an empty ouichefs image\n")
		fmt.Fprintf(os.Stderr, "\tmount    - mount an image as a FUSE file system\n")
		fmt.Fprintf(os.Stderr, "\tfsck     - verify the invariants of an image\n")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintf(os.Stderr, "Snapshot commands:\n")
		fmt.Fprintf(os.Stderr, "\tsnapshot - create/delete/restore/list snapshots\n")
		fmt.Fprintf(os.Stderr, "\texport   - dump a snapshot as a cpio archive\n")
		os.Exit(2)
	}
	verb, args := args[0], args[1:]

	ctx, canc := ouichefs.InterruptibleContext()
	defer canc()
	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: ouichefs <command> [options]\n")
		os.Exit(2)
	}
	if err := v.fn(ctx, args); err != nil {
		if *debug {
			return fmt.Errorf("%s: %+v", verb, err)
		}
		return fmt.Errorf("%s: %v", verb, err)
	}

	return ouichefs.RunAtExit()
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
