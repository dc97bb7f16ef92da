// Package fsck implements the consistency checker that supplements
// BlockAllocator.verify() (spec.md §4.2's verify(), exercised by §8's
// P3): it cross-checks the free-block counter against the bitmap (I1),
// confirms every block an inode references is marked allocated (I3),
// and reports its findings (counts and any unallocated references) in
// human-readable form for diagnosis.
//
// The reference graph itself is modeled the way distri's batch scheduler
// models its package dependency graph (internal/batch/batch.go): a
// gonum simple.DirectedGraph with one node per inode/block and a
// topological pass, since an inode-to-block reference graph is, like a
// package dependency graph, required to be acyclic.
package fsck

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/vexfs/vexfs/internal/alloc"
	"github.com/vexfs/vexfs/internal/inode"
	"github.com/vexfs/vexfs/internal/superblock"
)

// refNode is one node of the inode/block reference graph: inodes get
// positive ids 1..TotalInodes (matching their real inode number), blocks
// get ids offset by TotalInodes+1 so the two id spaces never collide.
type refNode struct {
	id      int64
	isBlock bool
	inode   uint32
	block   uint64
}

func (n refNode) ID() int64 { return n.id }

// Mismatch describes one inode referencing a block the allocator bitmap
// does not show as allocated (I3).
type Mismatch struct {
	Inode uint32
	Block uint64
}

// Report is the structured result of Run.
type Report struct {
	FreeBlocks  alloc.VerifyReport
	Mismatches  []Mismatch
	InodesSeen  int
	BlocksSeen  int
	Unorderable bool // true if the reference graph unexpectedly contains a cycle (corruption)
}

func (r Report) String() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "free blocks: recorded=%d computed=%d consistent=%v\n",
		r.FreeBlocks.RecordedFreeBlocks, r.FreeBlocks.ComputedFreeBlocks, r.FreeBlocks.Consistent)
	fmt.Fprintf(&b, "inodes checked: %d, blocks referenced: %d\n", r.InodesSeen, r.BlocksSeen)
	if r.Unorderable {
		fmt.Fprintln(&b, "reference graph is not a DAG (corruption: a block is referenced cyclically)")
	}
	for _, m := range r.Mismatches {
		fmt.Fprintf(&b, "inode %d references block %d, which the bitmap shows free\n", m.Inode, m.Block)
	}
	return b.String()
}

// Run walks every live inode in im (1..TotalInodes, skipping free slots),
// resolves its extents, and checks each referenced block against a's
// bitmap, building the reference graph along the way.
func Run(sb *superblock.Superblock, a *alloc.Allocator, im *inode.Mgr) (Report, error) {
	geom := sb.Geometry()
	g := simple.NewDirectedGraph()

	report := Report{FreeBlocks: a.Verify()}

	blockNodeID := func(blk uint64) int64 { return int64(geom.TotalInodes) + 1 + int64(blk) }

	for n := uint32(1); n <= geom.TotalInodes; n++ {
		ino, err := im.Read(n)
		if err != nil {
			return Report{}, xerrors.Errorf("fsck: read inode %d: %w", n, err)
		}
		if ino.Mode == 0 {
			continue // free slot
		}
		report.InodesSeen++

		inodeNode := refNode{id: int64(n), inode: n}
		if g.Node(inodeNode.ID()) == nil {
			g.AddNode(inodeNode)
		}

		extents, err := im.Extents(ino)
		if err != nil {
			return Report{}, xerrors.Errorf("fsck: extents(%d): %w", n, err)
		}
		for _, blk := range extents {
			report.BlocksSeen++
			blockNode := refNode{id: blockNodeID(blk), isBlock: true, block: blk}
			if g.Node(blockNode.ID()) == nil {
				g.AddNode(blockNode)
			}
			g.SetEdge(g.NewEdge(inodeNode, blockNode))

			if !a.IsAllocated(blk) {
				report.Mismatches = append(report.Mismatches, Mismatch{Inode: n, Block: blk})
			}
		}
	}

	sort.Slice(report.Mismatches, func(i, j int) bool {
		if report.Mismatches[i].Inode != report.Mismatches[j].Inode {
			return report.Mismatches[i].Inode < report.Mismatches[j].Inode
		}
		return report.Mismatches[i].Block < report.Mismatches[j].Block
	})

	if _, err := topo.Sort(g); err != nil {
		if _, ok := err.(topo.Unorderable); ok {
			report.Unorderable = true
		} else {
			return Report{}, xerrors.Errorf("fsck: topo sort: %w", err)
		}
	}

	return report, nil
}

// ensure refNode satisfies graph.Node at compile time.
var _ graph.Node = refNode{}

// DumpBitmapSnapshot zstd-compresses bitmap for inclusion in a support
// bundle when Run reports a Corrupt-worthy mismatch; this is the
// diagnostic-snapshot path noted in SPEC_FULL.md's DOMAIN STACK table
// (compression is never applied to live vector data, which must stay
// raw and SIMD-addressable).
func DumpBitmapSnapshot(bitmap []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, xerrors.Errorf("fsck: dump_bitmap_snapshot: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(bitmap, nil), nil
}
