package vector

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/vexfs/vexfs/internal/alloc"
	"github.com/vexfs/vexfs/internal/blockdev"
	"github.com/vexfs/vexfs/internal/inode"
	"github.com/vexfs/vexfs/internal/superblock"
)

func newTestEnv(t *testing.T) (*Mgr, *alloc.Allocator, *inode.Mgr) {
	t.Helper()
	dev := blockdev.NewMemDevice(1 << 22)
	sb, err := superblock.Format(dev, superblock.FormatOptions{BlockSize: 4096, TotalInodes: 256, VectorsEnabled: true})
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

func f32Bytes(vals ...float32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func newFileInode(t *testing.T, im *inode.Mgr) *inode.Inode {
	t.Helper()
	n, err := im.Alloc(inode.ModeFile | 0644)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	return &inode.Inode{Number: n, Mode: inode.ModeFile | 0644}
}

func TestPromoteThenAppendGet(t *testing.T) {
	m, a, im := newTestEnv(t)
	ino := newFileInode(t, im)
	if err := im.Write(ino); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := m.Promote(a, ino, 4, superblock.ElementF32, 16, 0); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if !ino.IsVector() {
		t.Fatal("inode not marked vector after Promote")
	}

	v := f32Bytes(1, 2, 3, 4)
	off, err := m.Append(a, ino, v, 42)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if off != 0 {
		t.Errorf("first Append offset = %d, want 0", off)
	}

	got, err := m.Get(ino, 42)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, v) {
		t.Errorf("Get = %v, want %v", got, v)
	}
}

func TestPromoteRejectsNonEmpty(t *testing.T) {
	m, a, im := newTestEnv(t)
	ino := newFileInode(t, im)
	ino.Size = 10
	if err := im.Write(ino); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.Promote(a, ino, 4, superblock.ElementF32, 16, 0); err == nil {
		t.Fatal("Promote on non-empty file succeeded, want error")
	}
}

func TestAppendDimensionMismatch(t *testing.T) {
	m, a, im := newTestEnv(t)
	ino := newFileInode(t, im)
	if err := m.Promote(a, ino, 4, superblock.ElementF32, 16, 0); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if _, err := m.Append(a, ino, f32Bytes(1, 2, 3), 1); err == nil {
		t.Fatal("Append with wrong dimension succeeded, want error")
	}
}

func TestAppendDuplicateIDRejected(t *testing.T) {
	m, a, im := newTestEnv(t)
	ino := newFileInode(t, im)
	if err := m.Promote(a, ino, 2, superblock.ElementF32, 16, 0); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if _, err := m.Append(a, ino, f32Bytes(1, 2), 7); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := m.Append(a, ino, f32Bytes(3, 4), 7); err == nil {
		t.Fatal("Append with duplicate id succeeded, want error")
	}
}

func TestDeleteThenGetFails(t *testing.T) {
	m, a, im := newTestEnv(t)
	ino := newFileInode(t, im)
	if err := m.Promote(a, ino, 2, superblock.ElementF32, 16, 0); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if _, err := m.Append(a, ino, f32Bytes(1, 2), 9); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := m.Delete(ino, 9); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(ino, 9); err == nil {
		t.Fatal("Get after Delete succeeded, want error")
	}
}

func TestBatchAppendAllOrNothing(t *testing.T) {
	m, a, im := newTestEnv(t)
	ino := newFileInode(t, im)
	if err := m.Promote(a, ino, 2, superblock.ElementF32, 16, 0); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	vectors := [][]byte{f32Bytes(1, 1), f32Bytes(2, 2), f32Bytes(3, 3)}
	ids := []uint64{1, 2, 3}
	if err := m.BatchAppend(a, ino, vectors, ids, BatchAppendOnly); err != nil {
		t.Fatalf("BatchAppend: %v", err)
	}
	for i, id := range ids {
		got, err := m.Get(ino, id)
		if err != nil {
			t.Fatalf("Get(%d): %v", id, err)
		}
		if !bytes.Equal(got, vectors[i]) {
			t.Errorf("Get(%d) = %v, want %v", id, got, vectors[i])
		}
	}
}

func TestBatchAppendUpsertReusesSlot(t *testing.T) {
	m, a, im := newTestEnv(t)
	ino := newFileInode(t, im)
	if err := m.Promote(a, ino, 2, superblock.ElementF32, 16, 0); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if _, err := m.Append(a, ino, f32Bytes(1, 1), 5); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := m.BatchAppend(a, ino, [][]byte{f32Bytes(9, 9)}, []uint64{5}, BatchUpsert); err != nil {
		t.Fatalf("BatchAppend upsert: %v", err)
	}
	got, err := m.Get(ino, 5)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, f32Bytes(9, 9)) {
		t.Errorf("Get after upsert = %v, want [9 9]", got)
	}
	if ino.Size != 1 {
		t.Errorf("Size after upsert = %d, want 1", ino.Size)
	}
}

func TestCompactReclaimsTombstones(t *testing.T) {
	m, a, im := newTestEnv(t)
	ino := newFileInode(t, im)
	if err := m.Promote(a, ino, 2, superblock.ElementF32, 16, 0); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	for id := uint64(0); id < 4; id++ {
		if _, err := m.Append(a, ino, f32Bytes(float32(id), float32(id)), id); err != nil {
			t.Fatalf("Append(%d): %v", id, err)
		}
	}
	if err := m.Delete(ino, 0); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := m.Delete(ino, 2); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := m.Compact(a, ino); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if ino.Size != 2 {
		t.Errorf("Size after compact = %d, want 2", ino.Size)
	}
	for _, id := range []uint64{1, 3} {
		got, err := m.Get(ino, id)
		if err != nil {
			t.Fatalf("Get(%d) after compact: %v", id, err)
		}
		want := f32Bytes(float32(id), float32(id))
		if !bytes.Equal(got, want) {
			t.Errorf("Get(%d) after compact = %v, want %v", id, got, want)
		}
	}
	for _, id := range []uint64{0, 2} {
		if _, err := m.Get(ino, id); err == nil {
			t.Errorf("Get(%d) after compact succeeded, want error (tombstoned)", id)
		}
	}
}

// TestAppendGrowsIDMapPastSingleBlock exercises the id-map growth path:
// at the default 4096-byte block size the header block holds only 169
// entries, so appending well past that must spill the map into
// additional extents rather than failing with a capacity error,
// matching spec.md §8 S4's 10,000-vector scenario.
func TestAppendGrowsIDMapPastSingleBlock(t *testing.T) {
	m, a, im := newTestEnv(t)
	ino := newFileInode(t, im)
	if err := m.Promote(a, ino, 1, superblock.ElementF32, 4, 0); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	const n = 300
	for id := uint64(0); id < n; id++ {
		if _, err := m.Append(a, ino, f32Bytes(float32(id)), id); err != nil {
			t.Fatalf("Append(%d): %v", id, err)
		}
	}

	h, err := m.HeaderOf(ino)
	if err != nil {
		t.Fatalf("HeaderOf: %v", err)
	}
	if h.IDMapBlockCount <= 1 {
		t.Errorf("IDMapBlockCount = %d, want > 1 after %d appends", h.IDMapBlockCount, n)
	}
	if h.IDMapEntryCount != n {
		t.Errorf("IDMapEntryCount = %d, want %d", h.IDMapEntryCount, n)
	}

	ids, err := m.IDs(ino)
	if err != nil {
		t.Fatalf("IDs: %v", err)
	}
	if len(ids) != n {
		t.Fatalf("IDs returned %d entries, want %d", len(ids), n)
	}
	for id := uint64(0); id < n; id++ {
		got, err := m.Get(ino, id)
		if err != nil {
			t.Fatalf("Get(%d): %v", id, err)
		}
		want := f32Bytes(float32(id))
		if !bytes.Equal(got, want) {
			t.Errorf("Get(%d) = %v, want %v", id, got, want)
		}
	}
}

// TestBatchAppendGrowsIDMapPastSingleBlock is the BatchAppend analog of
// TestAppendGrowsIDMapPastSingleBlock: a single batch larger than one
// header block's capacity must still commit atomically.
func TestBatchAppendGrowsIDMapPastSingleBlock(t *testing.T) {
	m, a, im := newTestEnv(t)
	ino := newFileInode(t, im)
	if err := m.Promote(a, ino, 1, superblock.ElementF32, 4, 0); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	const n = 250
	vectors := make([][]byte, n)
	ids := make([]uint64, n)
	for i := 0; i < n; i++ {
		vectors[i] = f32Bytes(float32(i))
		ids[i] = uint64(i)
	}
	if err := m.BatchAppend(a, ino, vectors, ids, BatchAppendOnly); err != nil {
		t.Fatalf("BatchAppend: %v", err)
	}

	h, err := m.HeaderOf(ino)
	if err != nil {
		t.Fatalf("HeaderOf: %v", err)
	}
	if h.IDMapBlockCount <= 1 {
		t.Errorf("IDMapBlockCount = %d, want > 1 after a %d-entry batch", h.IDMapBlockCount, n)
	}
	for i, id := range ids {
		got, err := m.Get(ino, id)
		if err != nil {
			t.Fatalf("Get(%d): %v", id, err)
		}
		if !bytes.Equal(got, vectors[i]) {
			t.Errorf("Get(%d) = %v, want %v", id, got, vectors[i])
		}
	}
}

// TestCompactShrinksIDMapBackDown checks Compact frees id-map extents no
// longer needed once most entries are tombstoned, rather than keeping
// the map permanently at its high-water-mark size.
func TestCompactShrinksIDMapBackDown(t *testing.T) {
	m, a, im := newTestEnv(t)
	ino := newFileInode(t, im)
	if err := m.Promote(a, ino, 1, superblock.ElementF32, 4, 0); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	const n = 300
	for id := uint64(0); id < n; id++ {
		if _, err := m.Append(a, ino, f32Bytes(float32(id)), id); err != nil {
			t.Fatalf("Append(%d): %v", id, err)
		}
	}
	for id := uint64(1); id < n; id++ {
		if err := m.Delete(ino, id); err != nil {
			t.Fatalf("Delete(%d): %v", id, err)
		}
	}
	if err := m.Compact(a, ino); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	h, err := m.HeaderOf(ino)
	if err != nil {
		t.Fatalf("HeaderOf: %v", err)
	}
	if h.IDMapBlockCount != 1 {
		t.Errorf("IDMapBlockCount after compacting down to 1 entry = %d, want 1", h.IDMapBlockCount)
	}
	if got, err := m.Get(ino, 0); err != nil || !bytes.Equal(got, f32Bytes(0)) {
		t.Errorf("Get(0) after compact = (%v, %v), want ([0], nil)", got, err)
	}
}

func TestIDsReturnsOnlyLive(t *testing.T) {
	m, a, im := newTestEnv(t)
	ino := newFileInode(t, im)
	if err := m.Promote(a, ino, 1, superblock.ElementF32, 16, 0); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	for id := uint64(0); id < 3; id++ {
		if _, err := m.Append(a, ino, f32Bytes(float32(id)), id); err != nil {
			t.Fatalf("Append(%d): %v", id, err)
		}
	}
	if err := m.Delete(ino, 1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ids, err := m.IDs(ino)
	if err != nil {
		t.Fatalf("IDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 2 {
		t.Errorf("IDs = %v, want [0 2]", ids)
	}
}
