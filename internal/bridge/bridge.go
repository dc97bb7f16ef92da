// Package bridge implements StorageBridge (spec.md §4.7): it reconciles
// vector persistence in VectorExtentMgr with the in-memory HNSWIndex,
// in either IMMEDIATE or LAZY mode.
//
// The LAZY queue follows spec.md §5's "single mutex + condition
// variable; bounded capacity provides backpressure" directly, rather
// than a buffered channel, so Enqueue can block a producer precisely at
// capacity instead of racing on a channel's internal buffer count. The
// background drain loop is run under an errgroup.Group so Close can
// wait for in-flight work to finish and observe its error, the same
// shape distri's batch scheduler uses to supervise its worker pool
// (internal/batch/batch.go's eg.Go-per-worker loop).
package bridge

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/vexfs/vexfs/internal/hnsw"
	"github.com/vexfs/vexfs/internal/inode"
	"github.com/vexfs/vexfs/internal/vector"
)

// Mode selects how vector writes are reconciled with the index.
type Mode int

const (
	// Immediate performs the HNSW structural update synchronously with
	// every append/delete; the call returns only once both have
	// succeeded (spec.md §4.7).
	Immediate Mode = iota
	// Lazy commits to disk synchronously but enqueues the index update
	// for a background worker, applying backpressure once the queue is
	// full.
	Lazy
)

// job is one pending index mutation, queued only in Lazy mode.
type job struct {
	inodeNum uint32
	id       uint64
	vec      []float32
	isDelete bool
}

// Bridge is the live StorageBridge for a single vector-object inode's
// index; the Filesystem façade keeps one Bridge per promoted inode.
type Bridge struct {
	mode   Mode
	index  *hnsw.Index
	vecMgr *vector.Mgr

	queueMu  sync.Mutex
	queueCnd *sync.Cond
	queue    []job
	capacity int
	closed   bool

	eg     *errgroup.Group
	cancel context.CancelFunc
}

// New constructs a Bridge over index for inode reads/appends made
// through vecMgr. queueCapacity is ignored in Immediate mode.
func New(mode Mode, index *hnsw.Index, vecMgr *vector.Mgr, queueCapacity int) *Bridge {
	if queueCapacity <= 0 {
		queueCapacity = 1024
	}
	b := &Bridge{
		mode:     mode,
		index:    index,
		vecMgr:   vecMgr,
		capacity: queueCapacity,
	}
	b.queueCnd = sync.NewCond(&b.queueMu)

	if mode == Lazy {
		ctx, cancel := context.WithCancel(context.Background())
		b.cancel = cancel
		eg, ctx := errgroup.WithContext(ctx)
		b.eg = eg
		eg.Go(func() error { return b.drainLoop(ctx) })
	}
	return b
}

// Append writes vectorBytes/id through vecMgr and reconciles the index
// per the configured mode, returning the new entry's byte offset from
// VectorExtentMgr.Append.
func (b *Bridge) Append(a allocator, ino *inode.Inode, vectorBytes []byte, id uint64, decoded []float32) (uint64, error) {
	off, err := b.vecMgr.Append(a, ino, vectorBytes, id)
	if err != nil {
		return 0, err
	}

	switch b.mode {
	case Immediate:
		if err := b.index.Insert(id, decoded); err != nil {
			// Roll back the committed append so the id-map and the
			// index cannot disagree (spec.md §4.7's IMMEDIATE
			// rollback-on-index-failure rule).
			if delErr := b.vecMgr.Delete(ino, id); delErr != nil {
				return 0, xerrors.Errorf("bridge: append: index insert failed (%v) and rollback failed: %w", err, delErr)
			}
			return 0, xerrors.Errorf("bridge: append: index insert failed, append rolled back: %w", err)
		}
	case Lazy:
		if err := b.enqueue(job{inodeNum: ino.Number, id: id, vec: decoded}); err != nil {
			return 0, err
		}
	}
	return off, nil
}

// Delete removes id through vecMgr and reconciles the index.
func (b *Bridge) Delete(ino *inode.Inode, id uint64) error {
	if err := b.vecMgr.Delete(ino, id); err != nil {
		return err
	}
	switch b.mode {
	case Immediate:
		if err := b.index.Delete(id); err != nil {
			return xerrors.Errorf("bridge: delete: index delete failed after committed storage delete: %w", err)
		}
		return nil
	case Lazy:
		return b.enqueue(job{inodeNum: ino.Number, id: id, isDelete: true})
	}
	return nil
}

// BatchAppend writes vectors/ids through vecMgr.BatchAppend, then
// reconciles the index for the whole batch at once: Append/Delete exist
// for the single-item control-interface calls, this is their
// vector_append(inode, vectors, ids, flags) batch counterpart.
func (b *Bridge) BatchAppend(a allocator, ino *inode.Inode, vectorBytes [][]byte, ids []uint64, decoded [][]float32, flags uint32) error {
	if err := b.vecMgr.BatchAppend(a, ino, vectorBytes, ids, flags); err != nil {
		return err
	}
	pairs := make([]hnsw.IDVector, len(ids))
	for i, id := range ids {
		pairs[i] = hnsw.IDVector{ID: id, Vector: decoded[i]}
	}
	upsert := flags&vector.BatchUpsert != 0

	switch b.mode {
	case Immediate:
		anyReplaced := false
		for _, p := range pairs {
			if upsert && b.index.Contains(p.ID) {
				if err := b.index.Delete(p.ID); err != nil && err != hnsw.ErrNotFound() {
					return xerrors.Errorf("bridge: batch_append: upsert delete(%d): %w", p.ID, err)
				}
				anyReplaced = true
			}
		}
		if anyReplaced {
			// A single compaction pass after all the upserted ids are
			// tombstoned is far cheaper than one pass per id.
			if err := b.index.CompactTombstones(); err != nil {
				return xerrors.Errorf("bridge: batch_append: upsert compact: %w", err)
			}
		}
		for _, p := range pairs {
			if err := b.index.Insert(p.ID, p.Vector); err != nil && err != hnsw.ErrExists() {
				return xerrors.Errorf("bridge: batch_append: index insert(%d) failed after committed storage write: %w", p.ID, err)
			}
		}
	case Lazy:
		for _, p := range pairs {
			if err := b.enqueue(job{inodeNum: ino.Number, id: p.ID, vec: p.Vector}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Bridge) enqueue(j job) error {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	for len(b.queue) >= b.capacity && !b.closed {
		b.queueCnd.Wait()
	}
	if b.closed {
		return xerrors.New("bridge: enqueue after close")
	}
	b.queue = append(b.queue, j)
	b.queueCnd.Broadcast()
	return nil
}

func (b *Bridge) dequeue() (job, bool) {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	for len(b.queue) == 0 && !b.closed {
		b.queueCnd.Wait()
	}
	if len(b.queue) == 0 {
		return job{}, false
	}
	j := b.queue[0]
	b.queue = b.queue[1:]
	b.queueCnd.Broadcast()
	return j, true
}

func (b *Bridge) drainLoop(ctx context.Context) error {
	for {
		j, ok := b.dequeue()
		if !ok {
			return nil
		}
		if j.isDelete {
			if err := b.index.Delete(j.id); err != nil && err != hnsw.ErrNotFound() {
				return xerrors.Errorf("bridge: lazy drain: delete %d: %w", j.id, err)
			}
			continue
		}
		if err := b.index.Insert(j.id, j.vec); err != nil && err != hnsw.ErrExists() {
			return xerrors.Errorf("bridge: lazy drain: insert %d: %w", j.id, err)
		}
	}
}

// Flush blocks until every currently-queued job has been drained,
// satisfying spec.md §5's "a caller requiring visibility MUST invoke a
// flush operation" for LAZY mode. It is a no-op in Immediate mode.
func (b *Bridge) Flush() error {
	if b.mode != Lazy {
		return nil
	}
	b.queueMu.Lock()
	for len(b.queue) > 0 {
		b.queueCnd.Wait()
	}
	b.queueMu.Unlock()
	return nil
}

// Close drains the queue (per spec.md §4.7's "on graceful shutdown, the
// queue is drained before unmount clears clean_unmount") and stops the
// background worker.
func (b *Bridge) Close() error {
	if b.mode != Lazy {
		return nil
	}
	if err := b.Flush(); err != nil {
		return err
	}
	b.queueMu.Lock()
	b.closed = true
	b.queueCnd.Broadcast()
	b.queueMu.Unlock()
	err := b.eg.Wait()
	b.cancel()
	return err
}

// Rebuild discards the index and reconstructs it from every live id in
// vecMgr's id-map for ino, the crash-recovery and vector_rebuild_index
// path of spec.md §4.7.
func (b *Bridge) Rebuild(ino *inode.Inode, decode func(raw []byte) ([]float32, error)) error {
	ids, err := b.vecMgr.IDs(ino)
	if err != nil {
		return err
	}
	pairs := make([]hnsw.IDVector, 0, len(ids))
	for _, id := range ids {
		raw, err := b.vecMgr.Get(ino, id)
		if err != nil {
			return xerrors.Errorf("bridge: rebuild: get(%d): %w", id, err)
		}
		vec, err := decode(raw)
		if err != nil {
			return xerrors.Errorf("bridge: rebuild: decode(%d): %w", id, err)
		}
		pairs = append(pairs, hnsw.IDVector{ID: id, Vector: vec})
	}
	return b.index.Rebuild(pairs)
}

// Reconcile implements mount-time crash recovery (spec.md §4.7): it
// inserts into idx every id present in vecMgr's id-map for ino but
// absent from the (volatile, freshly-started) index, via rebuild
// semantics. It is safe to call unconditionally at mount, including
// after a clean unmount (it is a no-op when the index already holds
// every id).
func (b *Bridge) Reconcile(ino *inode.Inode, decode func(raw []byte) ([]float32, error)) error {
	ids, err := b.vecMgr.IDs(ino)
	if err != nil {
		return err
	}
	var missing []hnsw.IDVector
	for _, id := range ids {
		if idx := b.index; idx.Contains(id) {
			continue
		}
		raw, err := b.vecMgr.Get(ino, id)
		if err != nil {
			continue
		}
		vec, err := decode(raw)
		if err != nil {
			continue
		}
		missing = append(missing, hnsw.IDVector{ID: id, Vector: vec})
	}
	for _, p := range missing {
		if err := b.index.Insert(p.ID, p.Vector); err != nil && err != hnsw.ErrExists() {
			return xerrors.Errorf("bridge: reconcile: insert(%d): %w", p.ID, err)
		}
	}
	return nil
}

// allocator is the subset of *alloc.Allocator that Append needs,
// declared locally so this package does not import internal/alloc just
// for a type name used in one parameter position.
type allocator interface {
	Reserve(n int, hint uint64, contiguous bool) ([]uint64, error)
	Free(blocks []uint64) error
}
