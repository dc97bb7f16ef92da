package fsck

import (
	"testing"
	"time"

	"github.com/vexfs/vexfs/internal/alloc"
	"github.com/vexfs/vexfs/internal/blockdev"
	"github.com/vexfs/vexfs/internal/inode"
	"github.com/vexfs/vexfs/internal/superblock"
)

func TestRunCleanFilesystemReportsNoMismatches(t *testing.T) {
	dev := blockdev.NewMemDevice(1 << 20)
	sb, err := superblock.Format(dev, superblock.FormatOptions{BlockSize: 4096, TotalInodes: 32})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	a, err := alloc.Bootstrap(dev, sb)
	if err != nil {
		t.Fatalf("alloc.Bootstrap: %v", err)
	}
	im, err := inode.Bootstrap(dev, sb, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("inode.Bootstrap: %v", err)
	}

	n, err := im.Alloc(inode.ModeFile | 0644)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	ino := &inode.Inode{Number: n, Mode: inode.ModeFile | 0644}
	blocks, err := a.Reserve(2, 0, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := im.UpdateExtents(a, ino, blocks); err != nil {
		t.Fatalf("UpdateExtents: %v", err)
	}
	if err := im.Write(ino); err != nil {
		t.Fatalf("Write: %v", err)
	}

	report, err := Run(sb, a, im)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Mismatches) != 0 {
		t.Errorf("Mismatches = %v, want none", report.Mismatches)
	}
	if report.Unorderable {
		t.Error("clean filesystem reported an unorderable reference graph")
	}
	if !report.FreeBlocks.Consistent {
		t.Errorf("FreeBlocks report = %+v, want consistent", report.FreeBlocks)
	}
}

func TestRunFlagsBlockReferencedButNotAllocated(t *testing.T) {
	dev := blockdev.NewMemDevice(1 << 20)
	sb, err := superblock.Format(dev, superblock.FormatOptions{BlockSize: 4096, TotalInodes: 32})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	a, err := alloc.Bootstrap(dev, sb)
	if err != nil {
		t.Fatalf("alloc.Bootstrap: %v", err)
	}
	im, err := inode.Bootstrap(dev, sb, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("inode.Bootstrap: %v", err)
	}

	n, err := im.Alloc(inode.ModeFile | 0644)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	ino := &inode.Inode{Number: n, Mode: inode.ModeFile | 0644}
	blocks, err := a.Reserve(1, 0, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := im.UpdateExtents(a, ino, blocks); err != nil {
		t.Fatalf("UpdateExtents: %v", err)
	}
	if err := im.Write(ino); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Simulate corruption: free the block behind the allocator's back.
	if err := a.Free(blocks); err != nil {
		t.Fatalf("Free: %v", err)
	}

	report, err := Run(sb, a, im)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Mismatches) != 1 || report.Mismatches[0].Inode != n || report.Mismatches[0].Block != blocks[0] {
		t.Errorf("Mismatches = %v, want [{%d %d}]", report.Mismatches, n, blocks[0])
	}
}

func TestDumpBitmapSnapshotRoundTripsThroughCompression(t *testing.T) {
	dev := blockdev.NewMemDevice(1 << 20)
	sb, err := superblock.Format(dev, superblock.FormatOptions{BlockSize: 4096, TotalInodes: 32})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	a, err := alloc.Bootstrap(dev, sb)
	if err != nil {
		t.Fatalf("alloc.Bootstrap: %v", err)
	}
	snap, err := DumpBitmapSnapshot(a.Bitmap())
	if err != nil {
		t.Fatalf("DumpBitmapSnapshot: %v", err)
	}
	if len(snap) == 0 {
		t.Error("DumpBitmapSnapshot returned empty output")
	}
}
