package directory

import (
	"strconv"
	"testing"
	"time"

	"github.com/vexfs/vexfs/internal/alloc"
	"github.com/vexfs/vexfs/internal/blockdev"
	"github.com/vexfs/vexfs/internal/inode"
	"github.com/vexfs/vexfs/internal/superblock"
)

func newTestMgr(t *testing.T) (*Mgr, *alloc.Allocator, *inode.Mgr) {
	t.Helper()
	dev := blockdev.NewMemDevice(1 << 23)
	sb, err := superblock.Format(dev, superblock.FormatOptions{BlockSize: 4096, TotalInodes: 2048})
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
	return New(dev, sb, im), a, im
}

func collect(t *testing.T, m *Mgr, root *inode.Inode, parent uint32) []Entry {
	t.Helper()
	var entries []Entry
	c := Cursor{}
	for {
		e, next, err := m.Iterate(root, parent, c)
		if err == ErrEndOfDirectory {
			break
		}
		if err != nil {
			t.Fatalf("Iterate: %v", err)
		}
		entries = append(entries, e)
		c = next
	}
	return entries
}

func TestIterateEmptyDirSynthesizesDotEntries(t *testing.T) {
	m, _, im := newTestMgr(t)
	root, err := im.Read(inode.RootInode)
	if err != nil {
		t.Fatalf("Read(root): %v", err)
	}
	entries := collect(t, m, root, inode.RootInode)
	if len(entries) != 2 || entries[0].Name != "." || entries[1].Name != ".." {
		t.Fatalf("entries = %+v, want [. ..]", entries)
	}
}

func TestInsertLookupIterate(t *testing.T) {
	m, a, im := newTestMgr(t)
	root, err := im.Read(inode.RootInode)
	if err != nil {
		t.Fatalf("Read(root): %v", err)
	}

	childNum, err := im.Alloc(inode.ModeFile | 0644)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := m.Insert(a, root, "hello.txt", childNum, FTRegular); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	gotIno, gotType, err := m.Lookup(root, "hello.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if gotIno != childNum || gotType != FTRegular {
		t.Errorf("Lookup = (%d, %d), want (%d, %d)", gotIno, gotType, childNum, FTRegular)
	}

	entries := collect(t, m, root, inode.RootInode)
	if len(entries) != 3 {
		t.Fatalf("entries = %+v, want 3 entries", entries)
	}
	if entries[2].Name != "hello.txt" || entries[2].Inode != childNum {
		t.Errorf("entries[2] = %+v, want hello.txt/%d", entries[2], childNum)
	}
}

func TestInsertDuplicateRejected(t *testing.T) {
	m, a, im := newTestMgr(t)
	root, _ := im.Read(inode.RootInode)
	childNum, _ := im.Alloc(inode.ModeFile | 0644)
	if err := m.Insert(a, root, "dup", childNum, FTRegular); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := m.Insert(a, root, "dup", childNum, FTRegular); err == nil {
		t.Fatal("second Insert of same name succeeded, want error")
	}
}

func TestRemoveThenLookupFails(t *testing.T) {
	m, a, im := newTestMgr(t)
	root, _ := im.Read(inode.RootInode)
	childNum, _ := im.Alloc(inode.ModeFile | 0644)
	if err := m.Insert(a, root, "gone", childNum, FTRegular); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := m.Remove(root, "gone"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, _, err := m.Lookup(root, "gone"); err == nil {
		t.Fatal("Lookup after Remove succeeded, want error")
	}
}

func TestRemoveReclaimsSpaceForInsert(t *testing.T) {
	m, a, im := newTestMgr(t)
	root, _ := im.Read(inode.RootInode)
	childNum, _ := im.Alloc(inode.ModeFile | 0644)

	if err := m.Insert(a, root, "a", childNum, FTRegular); err != nil {
		t.Fatalf("Insert a: %v", err)
	}
	if err := m.Remove(root, "a"); err != nil {
		t.Fatalf("Remove a: %v", err)
	}
	// Re-inserting a same-sized name should reuse the tombstoned slot
	// rather than growing the inode's extent list.
	before, err := im.Extents(root)
	if err != nil {
		t.Fatalf("Extents: %v", err)
	}
	if err := m.Insert(a, root, "b", childNum, FTRegular); err != nil {
		t.Fatalf("Insert b: %v", err)
	}
	after, err := im.Extents(root)
	if err != nil {
		t.Fatalf("Extents: %v", err)
	}
	if len(after) != len(before) {
		t.Errorf("extents grew from %d to %d blocks on a reused-slot insert", len(before), len(after))
	}
}

func TestIsEmpty(t *testing.T) {
	m, a, im := newTestMgr(t)
	root, _ := im.Read(inode.RootInode)

	empty, err := m.IsEmpty(root, inode.RootInode)
	if err != nil {
		t.Fatalf("IsEmpty: %v", err)
	}
	if !empty {
		t.Fatal("fresh directory reported non-empty")
	}

	childNum, _ := im.Alloc(inode.ModeFile | 0644)
	if err := m.Insert(a, root, "x", childNum, FTRegular); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	empty, err = m.IsEmpty(root, inode.RootInode)
	if err != nil {
		t.Fatalf("IsEmpty: %v", err)
	}
	if empty {
		t.Fatal("directory with an entry reported empty")
	}
}

func TestInsertAcrossManyEntriesSpillsToNewBlock(t *testing.T) {
	m, a, im := newTestMgr(t)
	root, _ := im.Read(inode.RootInode)

	names := make([]string, 0, 400)
	for i := 0; i < 400; i++ {
		names = append(names, "file-"+strconv.Itoa(i))
	}
	for _, name := range names {
		n, err := im.Alloc(inode.ModeFile | 0644)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		if err := m.Insert(a, root, name, n, FTRegular); err != nil {
			t.Fatalf("Insert(%s): %v", name, err)
		}
	}

	blocks, err := im.Extents(root)
	if err != nil {
		t.Fatalf("Extents: %v", err)
	}
	if len(blocks) < 2 {
		t.Fatalf("expected directory to spill across multiple blocks, got %d", len(blocks))
	}

	entries := collect(t, m, root, inode.RootInode)
	if len(entries) != len(names)+2 {
		t.Fatalf("got %d entries, want %d", len(entries), len(names)+2)
	}
}
