package alloc

import (
	"errors"
	"testing"

	"github.com/vexfs/vexfs/internal/blockdev"
	"github.com/vexfs/vexfs/internal/superblock"
)

func newTestAllocator(t *testing.T, size int64) (*Allocator, *superblock.Superblock, blockdev.Device) {
	t.Helper()
	dev := blockdev.NewMemDevice(size)
	sb, err := superblock.Format(dev, superblock.FormatOptions{BlockSize: 4096})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	a, err := Bootstrap(dev, sb)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return a, sb, dev
}

func TestReserveFreeRoundTrip(t *testing.T) {
	a, sb, _ := newTestAllocator(t, 1<<20)
	before := sb.FreeBlocks()

	blocks, err := a.Reserve(4, 0, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if len(blocks) != 4 {
		t.Fatalf("got %d blocks, want 4", len(blocks))
	}
	if sb.FreeBlocks() != before-4 {
		t.Errorf("FreeBlocks = %d, want %d", sb.FreeBlocks(), before-4)
	}

	if err := a.Free(blocks); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if sb.FreeBlocks() != before {
		t.Errorf("FreeBlocks after free = %d, want %d", sb.FreeBlocks(), before)
	}
}

func TestReserveContiguous(t *testing.T) {
	a, _, _ := newTestAllocator(t, 1<<20)
	blocks, err := a.Reserve(8, 0, true)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	for i := 1; i < len(blocks); i++ {
		if blocks[i] != blocks[i-1]+1 {
			t.Fatalf("blocks not contiguous: %v", blocks)
		}
	}
}

func TestReserveNoSpace(t *testing.T) {
	a, _, _ := newTestAllocator(t, 64*1024) // tiny device, few data blocks
	total := a.geom.TotalBlocks - a.geom.FirstDataBlock
	if _, err := a.Reserve(int(total)+1, 0, false); !errors.Is(err, ErrNoSpace()) {
		t.Fatalf("Reserve over-capacity: err = %v, want ErrNoSpace", err)
	}
}

func TestReserveNoContiguousSpace(t *testing.T) {
	a, _, _ := newTestAllocator(t, 64*1024)
	total := int(a.geom.TotalBlocks - a.geom.FirstDataBlock)
	// Fragment the free space: reserve every other block.
	for i := 0; i < total; i += 2 {
		if _, err := a.Reserve(1, a.geom.FirstDataBlock+uint64(i), false); err != nil {
			t.Fatalf("Reserve(%d): %v", i, err)
		}
	}
	if _, err := a.Reserve(2, 0, true); !errors.Is(err, ErrNoContiguousSpace()) {
		t.Fatalf("Reserve contiguous on fragmented device: err = %v, want ErrNoContiguousSpace", err)
	}
}

func TestFreeUnallocatedIsFatal(t *testing.T) {
	a, _, _ := newTestAllocator(t, 1<<20)
	if err := a.Free([]uint64{a.geom.FirstDataBlock}); err == nil {
		t.Fatal("Free of an unallocated block succeeded, want error")
	}
}

func TestVerifyAfterCommit(t *testing.T) {
	a, _, dev := newTestAllocator(t, 1<<20)
	if _, err := a.Reserve(10, 0, false); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := a.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	report := a.Verify()
	if !report.Consistent {
		t.Errorf("Verify not consistent after commit: %+v", report)
	}

	reloaded, err := Load(dev, a.sb)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	reloadedReport := reloaded.Verify()
	if !reloadedReport.Consistent {
		t.Errorf("Verify not consistent after reload: %+v", reloadedReport)
	}
}
