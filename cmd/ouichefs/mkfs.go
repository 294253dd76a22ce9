package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/ouichefs/ouichefs/internal/mkfs"
)

const mkfsHelp = `ouichefs mkfs -size <bytes> <image>

Format an empty ouichefs image and atomically write it to the specified
path. Sizes accept K, M and G suffixes.

Example:
  % ouichefs mkfs -size 50M /tmp/fs.img
`

// parseSize parses a byte count with an optional K/M/G suffix.
func parseSize(s string) (int64, error) {
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1024, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult, s = 1024*1024, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		mult, s = 1024*1024*1024, strings.TrimSuffix(s, "G")
	}
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, xerrors.Errorf("invalid size %q: %w", s, err)
	}
	return n * mult, nil
}

func cmdmkfs(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("mkfs", flag.ExitOnError)
	var (
		size = fset.String("size", "50M", "image size in bytes (K/M/G suffixes accepted)")
	)
	fset.Usage = func() {
		fmt.Fprint(os.Stderr, mkfsHelp)
		fmt.Fprintf(os.Stderr, "Flags for ouichefs %s:\n", fset.Name())
		fset.PrintDefaults()
	}
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.Errorf("syntax: mkfs -size <bytes> <image>")
	}
	bytes, err := parseSize(*size)
	if err != nil {
		return err
	}

	out, err := renameio.TempFile("", fset.Arg(0))
	if err != nil {
		return err
	}
	defer out.Cleanup()
	sb, err := mkfs.Format(out, bytes, time.Now())
	if err != nil {
		return err
	}
	if err := out.CloseAtomicallyReplace(); err != nil {
		return err
	}
	log.Printf("formatted %s: %d blocks, %d inodes, data region at block %d",
		fset.Arg(0), sb.NrBlocks, sb.NrInodes, sb.DataStart())
	return nil
}
