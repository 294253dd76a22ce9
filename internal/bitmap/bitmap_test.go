package bitmap

import (
	"sync"
	"testing"
)

func TestAllocFree(t *testing.T) {
	t.Parallel()
	bm := New(128)

	// Index 0 is reserved, so the first allocation yields 1.
	if got := bm.Alloc(); got != 1 {
		t.Fatalf("first Alloc = %d, want 1", got)
	}
	if got := bm.Alloc(); got != 2 {
		t.Fatalf("second Alloc = %d, want 2", got)
	}
	if bm.Test(1) {
		t.Error("allocated index reported free")
	}
	bm.Free(1)
	if !bm.Test(1) {
		t.Error("freed index reported allocated")
	}
	// First-fit: the freed low index is preferred over fresh ones.
	if got := bm.Alloc(); got != 1 {
		t.Errorf("Alloc after Free = %d, want 1", got)
	}
}

func TestExhaustion(t *testing.T) {
	t.Parallel()
	bm := New(8)
	for i := 1; i < 8; i++ {
		if got := bm.Alloc(); got != uint32(i) {
			t.Fatalf("Alloc = %d, want %d", got, i)
		}
	}
	if got := bm.Alloc(); got != 0 {
		t.Errorf("Alloc on an exhausted bitmap = %d, want 0", got)
	}
	bm.Free(5)
	if got := bm.Alloc(); got != 5 {
		t.Errorf("Alloc after Free(5) = %d, want 5", got)
	}
}

func TestPopcount(t *testing.T) {
	t.Parallel()
	bm := New(1000)
	if got := bm.Popcount(); got != 999 {
		t.Fatalf("fresh Popcount = %d, want 999", got)
	}
	for i := 0; i < 10; i++ {
		bm.Alloc()
	}
	if got := bm.Popcount(); got != 989 {
		t.Errorf("Popcount after 10 allocations = %d, want 989", got)
	}
}

// TestConcurrentAlloc exercises the optimistic first-fit path: concurrent
// allocators must never hand out the same index twice.
func TestConcurrentAlloc(t *testing.T) {
	t.Parallel()
	const n = 512
	bm := New(n + 1)

	var (
		mu   sync.Mutex
		seen = make(map[uint32]bool)
		wg   sync.WaitGroup
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				idx := bm.Alloc()
				if idx == 0 {
					return
				}
				mu.Lock()
				if seen[idx] {
					t.Errorf("index %d handed out twice", idx)
				}
				seen[idx] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != n {
		t.Errorf("allocated %d distinct indices, want %d", len(seen), n)
	}
}

func TestFreePanics(t *testing.T) {
	t.Parallel()
	bm := New(8)
	defer func() {
		if recover() == nil {
			t.Error("Free(0) did not panic")
		}
	}()
	bm.Free(0)
}
