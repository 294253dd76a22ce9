package ouifs

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ouichefs/ouichefs/internal/disklayout"
)

// CheckReport collects invariant violations found by Check. An empty
// Problems list means the image is consistent.
type CheckReport struct {
	Problems []string
}

func (r *CheckReport) problemf(format string, args ...interface{}) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// Check verifies the global invariants of the file system:
//
//   - every data block's refcount equals the number of live references to
//     it, computed by walking every allocated inode across every slot;
//   - every inode-data entry's refcount equals the number of inode slots
//     naming it;
//   - the superblock free counts equal the popcount of their bitmaps;
//   - free data blocks are zeroed.
//
// Check takes the read side of the freeze lock: snapshot operations are
// excluded while it runs, other file operations are not.
func (fs *FS) Check(ctx context.Context) (*CheckReport, error) {
	if err := fs.opBegin(); err != nil {
		return nil, err
	}
	defer fs.opEnd()

	report := &CheckReport{}

	// Walk the inode table in shards, collecting per-entry slot counts.
	const shards = 4
	var (
		mu        sync.Mutex
		entryRefs = make(map[uint32]int)
	)
	eg, gctx := errgroup.WithContext(ctx)
	per := (fs.sb.NrInodes + shards - 1) / shards
	for s := uint32(0); s < shards; s++ {
		lo, hi := s*per, (s+1)*per
		if lo == 0 {
			lo = 1
		}
		if hi > fs.sb.NrInodes {
			hi = fs.sb.NrInodes
		}
		if lo >= hi {
			continue
		}
		eg.Go(func() error {
			local := make(map[uint32]int)
			for ino := lo; ino < hi; ino++ {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if !fs.InodeAllocated(ino) {
					continue
				}
				rec, err := fs.readInode(ino)
				if err != nil {
					return err
				}
				for slot := 0; slot < disklayout.SnapMax; slot++ {
					if idx := rec.IData[slot]; idx != 0 {
						local[idx]++
					}
				}
			}
			mu.Lock()
			for idx, n := range local {
				entryRefs[idx] += n
			}
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	// Verify entry refcounts and accumulate expected block references:
	// each entry contributes its share count to its index block, each
	// distinct file index block contributes one reference per mapped
	// data block, each hosting block in the inode-data index contributes
	// one reference from its index slot.
	expected := make(map[uint32]int)
	indexBlocks := make(map[uint32]bool) // block -> is directory
	for idx, refs := range entryRefs {
		entry, err := fs.readInodeData(idx)
		if err != nil {
			return nil, err
		}
		if int(entry.Refcount) != refs {
			report.problemf("inode-data %d: refcount %d, expected %d", idx, entry.Refcount, refs)
		}
		if entry.IndexBlock != 0 {
			expected[entry.IndexBlock] += refs
			indexBlocks[entry.IndexBlock] = entry.Mode&unix.S_IFMT == unix.S_IFDIR
		}
	}
	for b, isDir := range indexBlocks {
		if isDir {
			continue
		}
		ib, err := fs.readIndexBlock(b)
		if err != nil {
			return nil, err
		}
		for _, e := range ib {
			if e != 0 {
				expected[e]++
			}
		}
	}
	groups := fs.sb.NrInodeDataIndexBlocks * disklayout.IndexEntriesPerBlock
	for g := uint32(0); g < groups; g++ {
		host, err := fs.idataHostingBlock(g * disklayout.InodeDataPerBlock)
		if err != nil {
			return nil, err
		}
		if host != 0 {
			expected[host]++
		}
	}

	// Compare against the metadata region and the block bitmap, and
	// verify freed blocks read back as zeroes.
	for b := fs.sb.DataStart(); b < fs.sb.NrBlocks; b++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		rc, err := fs.Refcount(b)
		if err != nil {
			return nil, err
		}
		want := expected[b]
		if int(rc) != want {
			report.problemf("block %d: refcount %d, expected %d", b, rc, want)
		}
		free := fs.bfree.Test(b)
		if free != (want == 0) {
			report.problemf("block %d: bitmap says free=%v, references say %d", b, free, want)
		}
		if free {
			buf, err := fs.dev.ReadBlock(b)
			if err != nil {
				return nil, err
			}
			buf.Lock()
			zero := true
			for _, by := range buf.Data {
				if by != 0 {
					zero = false
					break
				}
			}
			buf.Unlock()
			if !zero {
				report.problemf("block %d: free but not zeroed", b)
			}
		}
	}

	// Free counters against bitmap popcounts.
	fs.sbMu.Lock()
	sb := fs.sb
	fs.sbMu.Unlock()
	if got := fs.ifree.Popcount(); got != sb.NrFreeInodes {
		report.problemf("nr_free_inodes %d, inode bitmap popcount %d", sb.NrFreeInodes, got)
	}
	if got := fs.bfree.Popcount(); got != sb.NrFreeBlocks {
		report.problemf("nr_free_blocks %d, block bitmap popcount %d", sb.NrFreeBlocks, got)
	}
	if got := fs.idfree.Popcount(); got != sb.NrFreeInodeData {
		report.problemf("nr_free_inode_data %d, inode-data bitmap popcount %d", sb.NrFreeInodeData, got)
	}

	return report, nil
}
