package inode

import (
	"testing"
	"time"

	"github.com/vexfs/vexfs/internal/alloc"
	"github.com/vexfs/vexfs/internal/blockdev"
	"github.com/vexfs/vexfs/internal/superblock"
)

func newTestMgr(t *testing.T) (*Mgr, *alloc.Allocator, *superblock.Superblock) {
	t.Helper()
	dev := blockdev.NewMemDevice(1 << 20)
	sb, err := superblock.Format(dev, superblock.FormatOptions{BlockSize: 4096, TotalInodes: 64})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	a, err := alloc.Bootstrap(dev, sb)
	if err != nil {
		t.Fatalf("alloc.Bootstrap: %v", err)
	}
	m, err := Bootstrap(dev, sb, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("inode.Bootstrap: %v", err)
	}
	return m, a, sb
}

func TestBootstrapCreatesRoot(t *testing.T) {
	m, _, _ := newTestMgr(t)
	root, err := m.Read(RootInode)
	if err != nil {
		t.Fatalf("Read(root): %v", err)
	}
	if !root.IsDir() {
		t.Errorf("root inode is not a directory: mode=%#x", root.Mode)
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	m, _, sb := newTestMgr(t)
	before := sb.FreeInodes()

	n, err := m.Alloc(ModeFile | 0644)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if n == RootInode {
		t.Fatalf("Alloc returned root inode number")
	}
	if sb.FreeInodes() != before-1 {
		t.Errorf("FreeInodes = %d, want %d", sb.FreeInodes(), before-1)
	}

	if err := m.Free(n); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if sb.FreeInodes() != before {
		t.Errorf("FreeInodes after free = %d, want %d", sb.FreeInodes(), before)
	}
}

func TestFreeRootRefused(t *testing.T) {
	m, _, _ := newTestMgr(t)
	if err := m.Free(RootInode); err == nil {
		t.Fatal("Free(root) succeeded, want error")
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	m, _, _ := newTestMgr(t)
	n, err := m.Alloc(ModeFile | 0644)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	ino := &Inode{
		Number: n,
		Mode:   ModeFile | 0644,
		Nlink:  1,
		Size:   12345,
		Flags:  FlagVectorObject,
	}
	ino.Direct[0] = 42
	if err := m.Write(ino); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := m.Read(n)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Size != 12345 || got.Direct[0] != 42 || !got.IsVector() {
		t.Errorf("Read = %+v, mismatched written fields", got)
	}
}

func TestUpdateExtentsOverflowsToIndirect(t *testing.T) {
	m, a, _ := newTestMgr(t)
	n, err := m.Alloc(ModeFile | 0644)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	ino := &Inode{Number: n, Mode: ModeFile | 0644}

	blocks, err := a.Reserve(DirectPointers+5, 0, false)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := m.UpdateExtents(a, ino, blocks); err != nil {
		t.Fatalf("UpdateExtents: %v", err)
	}
	if ino.SingleIndirect == 0 {
		t.Fatal("expected SingleIndirect to be populated")
	}

	got, err := m.Extents(ino)
	if err != nil {
		t.Fatalf("Extents: %v", err)
	}
	if len(got) != len(blocks) {
		t.Fatalf("Extents returned %d blocks, want %d", len(got), len(blocks))
	}
}

func TestReadInvalidInodeZero(t *testing.T) {
	m, _, _ := newTestMgr(t)
	if _, err := m.Read(0); err == nil {
		t.Fatal("Read(0) succeeded, want error")
	}
}
