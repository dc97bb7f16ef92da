package bridge

import (
	"testing"
	"time"

	"github.com/vexfs/vexfs/internal/alloc"
	"github.com/vexfs/vexfs/internal/blockdev"
	"github.com/vexfs/vexfs/internal/hnsw"
	"github.com/vexfs/vexfs/internal/inode"
	"github.com/vexfs/vexfs/internal/superblock"
	"github.com/vexfs/vexfs/internal/vector"
)

func newTestEnv(t *testing.T) (*vector.Mgr, *alloc.Allocator, *inode.Inode) {
	t.Helper()
	dev := blockdev.NewMemDevice(1 << 22)
	sb, err := superblock.Format(dev, superblock.FormatOptions{BlockSize: 4096, TotalInodes: 64, VectorsEnabled: true})
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

	vm := vector.New(dev, sb, im)
	if err := vm.Promote(a, ino, 2, superblock.ElementF32, 16, 0); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	return vm, a, ino
}

func decodeF32Pair(raw []byte) ([]float32, error) {
	out := make([]float32, 2)
	for i := range out {
		bits := uint32(raw[i*4]) | uint32(raw[i*4+1])<<8 | uint32(raw[i*4+2])<<16 | uint32(raw[i*4+3])<<24
		out[i] = float32(bits) // test-only decode; exact bits don't matter for these assertions
	}
	return out, nil
}

func f32Bytes(a, b float32) []byte {
	put := func(buf []byte, v float32) {
		bits := uint32(v)
		buf[0] = byte(bits)
		buf[1] = byte(bits >> 8)
		buf[2] = byte(bits >> 16)
		buf[3] = byte(bits >> 24)
	}
	buf := make([]byte, 8)
	put(buf[0:4], a)
	put(buf[4:8], b)
	return buf
}

func TestImmediateAppendVisibleInIndex(t *testing.T) {
	vm, a, ino := newTestEnv(t)
	idx := hnsw.New(hnsw.MetricEuclidean, hnsw.DefaultParams())
	b := New(Immediate, idx, vm, 0)

	if _, err := b.Append(a, ino, f32Bytes(1, 2), 1, []float32{1, 2}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !idx.Contains(1) {
		t.Fatal("id not present in index after Immediate append")
	}
}

func TestLazyAppendRequiresFlushForVisibility(t *testing.T) {
	vm, a, ino := newTestEnv(t)
	idx := hnsw.New(hnsw.MetricEuclidean, hnsw.DefaultParams())
	b := New(Lazy, idx, vm, 8)
	defer b.Close()

	if _, err := b.Append(a, ino, f32Bytes(1, 2), 1, []float32{1, 2}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !idx.Contains(1) {
		t.Fatal("id not present in index after Flush")
	}
}

func TestLazyDeleteReconciledAfterFlush(t *testing.T) {
	vm, a, ino := newTestEnv(t)
	idx := hnsw.New(hnsw.MetricEuclidean, hnsw.DefaultParams())
	b := New(Lazy, idx, vm, 8)
	defer b.Close()

	if _, err := b.Append(a, ino, f32Bytes(1, 2), 1, []float32{1, 2}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := b.Delete(ino, 1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	results, err := idx.Search([]float32{1, 2}, 5, 50)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.ID == 1 {
			t.Fatal("deleted id still visible in search results")
		}
	}
}

func TestReconcileInsertsIDsMissingFromIndex(t *testing.T) {
	vm, a, ino := newTestEnv(t)
	if _, err := vm.Append(a, ino, f32Bytes(3, 4), 7); err != nil {
		t.Fatalf("Append: %v", err)
	}
	idx := hnsw.New(hnsw.MetricEuclidean, hnsw.DefaultParams())
	b := New(Immediate, idx, vm, 0)

	if idx.Contains(7) {
		t.Fatal("index already contains id before Reconcile")
	}
	if err := b.Reconcile(ino, decodeF32Pair); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !idx.Contains(7) {
		t.Fatal("Reconcile did not insert id present on disk but missing from index")
	}
}
