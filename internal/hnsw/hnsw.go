// Package hnsw implements HNSWIndex (spec.md §4.6): an in-memory
// approximate nearest-neighbor index over vector ids, a layered graph
// with greedy descent and bounded best-first search.
//
// Concurrency follows spec.md §5: a fine-grained lock per node guards
// its neighbor lists, a single lock guards the entry point, and a global
// atomic version counter is bumped on every structural change. All graph
// traversals are iterative (searchLayer, greedyDescend), matching the
// spec's stack-discipline requirement.
package hnsw

import (
	"container/heap"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// Params configures level assignment and neighbor caps.
type Params struct {
	M              int // per-layer neighbor cap for levels > 0
	Mmax0          int // neighbor cap at level 0
	EfConstruction int
}

// DefaultParams returns the spec's default configuration (I8): M=16,
// Mmax0=2M.
func DefaultParams() Params {
	return Params{M: 16, Mmax0: 32, EfConstruction: 200}
}

// Result is one (id, distance) pair returned by Search.
type Result struct {
	ID       uint64
	Distance float64
}

// IDVector pairs a vector id with its decoded vector, the input shape
// Rebuild consumes.
type IDVector struct {
	ID     uint64
	Vector []float32
}

var (
	errExists   = xerrors.New("hnsw: id already present")
	errNotFound = xerrors.New("hnsw: id not found")
)

// ErrExists and ErrNotFound let callers use errors.Is against the
// sentinel values returned by Insert/Delete.
func ErrExists() error   { return errExists }
func ErrNotFound() error { return errNotFound }

type node struct {
	id    uint64
	vec   []float64
	level int

	mu        sync.RWMutex
	neighbors [][]uint64 // one slice per layer, 0..level

	tombstoned int32  // atomic bool
	version    uint64 // atomic, bumped on neighbor list mutation
}

func (n *node) isTombstoned() bool { return atomic.LoadInt32(&n.tombstoned) != 0 }
func (n *node) tombstone()         { atomic.StoreInt32(&n.tombstoned, 1) }

func (n *node) neighborsAt(layer int) []uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if layer >= len(n.neighbors) {
		return nil
	}
	out := make([]uint64, len(n.neighbors[layer]))
	copy(out, n.neighbors[layer])
	return out
}

func (n *node) setNeighborsAt(layer int, ids []uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.neighbors[layer] = ids
	atomic.AddUint64(&n.version, 1)
}

func (n *node) addNeighborAt(layer int, id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.neighbors[layer] = append(n.neighbors[layer], id)
	atomic.AddUint64(&n.version, 1)
}

// Index is the live HNSWIndex.
type Index struct {
	metric Metric
	params Params
	mL     float64

	nodesMu sync.RWMutex
	nodes   map[uint64]*node

	entryMu    sync.Mutex
	entryID    uint64
	entryLevel int
	hasEntry   bool

	version int64 // atomic, global structural version counter

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// New constructs an empty Index. A zero-value Params selects
// DefaultParams().
func New(metric Metric, params Params) *Index {
	if params.M == 0 {
		params = DefaultParams()
	}
	return &Index{
		metric: metric,
		params: params,
		mL:     1 / math.Log(2),
		nodes:  make(map[uint64]*node),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Version returns the current structural version counter, for callers
// that want to detect concurrent modification during a long traversal
// (spec.md §5).
func (idx *Index) Version() int64 { return atomic.LoadInt64(&idx.version) }

func (idx *Index) getNode(id uint64) (*node, bool) {
	idx.nodesMu.RLock()
	defer idx.nodesMu.RUnlock()
	n, ok := idx.nodes[id]
	return n, ok
}

func (idx *Index) distanceVec(a, b []float64) float64 {
	return distance(idx.metric, a, b)
}

func (idx *Index) assignLevel() int {
	idx.rndMu.Lock()
	u := idx.rnd.Float64()
	idx.rndMu.Unlock()
	if u <= 0 {
		u = math.SmallestNonzeroFloat64
	}
	return int(math.Floor(-math.Log(u) * idx.mL))
}

type candEntry struct {
	id   uint64
	vec  []float64
	dist float64
}

type byDistAsc []candEntry

func (h byDistAsc) Len() int            { return len(h) }
func (h byDistAsc) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h byDistAsc) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *byDistAsc) Push(x interface{}) { *h = append(*h, x.(candEntry)) }
func (h *byDistAsc) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

type byDistDesc []candEntry

func (h byDistDesc) Len() int            { return len(h) }
func (h byDistDesc) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h byDistDesc) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *byDistDesc) Push(x interface{}) { *h = append(*h, x.(candEntry)) }
func (h *byDistDesc) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// searchLayer runs bounded best-first search at layer starting from
// entry, returning up to ef candidates sorted by ascending distance to
// q (spec.md §4.6's insert step 3 and search step 2).
func (idx *Index) searchLayer(entry uint64, q []float64, ef int, layer int) []candEntry {
	entryNode, ok := idx.getNode(entry)
	if !ok {
		return nil
	}
	visited := map[uint64]bool{entry: true}
	ed := idx.distanceVec(entryNode.vec, q)

	candidates := &byDistAsc{{id: entry, vec: entryNode.vec, dist: ed}}
	heap.Init(candidates)
	results := &byDistDesc{{id: entry, vec: entryNode.vec, dist: ed}}
	heap.Init(results)

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(candEntry)
		if results.Len() >= ef && c.dist > (*results)[0].dist {
			break
		}
		cn, ok := idx.getNode(c.id)
		if !ok {
			continue
		}
		for _, nbrID := range cn.neighborsAt(layer) {
			if visited[nbrID] {
				continue
			}
			visited[nbrID] = true
			nn, ok := idx.getNode(nbrID)
			if !ok {
				continue
			}
			d := idx.distanceVec(nn.vec, q)
			if results.Len() < ef {
				heap.Push(candidates, candEntry{id: nbrID, vec: nn.vec, dist: d})
				heap.Push(results, candEntry{id: nbrID, vec: nn.vec, dist: d})
			} else if d < (*results)[0].dist {
				heap.Push(candidates, candEntry{id: nbrID, vec: nn.vec, dist: d})
				heap.Push(results, candEntry{id: nbrID, vec: nn.vec, dist: d})
				heap.Pop(results)
			}
		}
	}

	out := make([]candEntry, len(*results))
	copy(out, *results)
	sort.Slice(out, func(i, j int) bool { return out[i].dist < out[j].dist })
	return out
}

// selectNeighborsHeuristic implements the pruning heuristic of spec.md
// §4.6 step 3: a candidate is added only if no already-selected neighbor
// is strictly closer to it than it is to the query.
func (idx *Index) selectNeighborsHeuristic(candidates []candEntry, m int) []candEntry {
	var selected []candEntry
	for _, c := range candidates {
		if len(selected) >= m {
			break
		}
		good := true
		for _, s := range selected {
			if idx.distanceVec(c.vec, s.vec) < c.dist {
				good = false
				break
			}
		}
		if good {
			selected = append(selected, c)
		}
	}
	return selected
}

func (idx *Index) greedyDescend(cur uint64, q []float64, layer int) uint64 {
	for {
		cn, ok := idx.getNode(cur)
		if !ok {
			return cur
		}
		curDist := idx.distanceVec(cn.vec, q)
		improved := false
		for _, nbrID := range cn.neighborsAt(layer) {
			nn, ok := idx.getNode(nbrID)
			if !ok {
				continue
			}
			d := idx.distanceVec(nn.vec, q)
			if d < curDist {
				cur, curDist = nbrID, d
				improved = true
			}
		}
		if !improved {
			return cur
		}
	}
}

func (idx *Index) capAt(layer int) int {
	if layer == 0 {
		return idx.params.Mmax0
	}
	return idx.params.M
}

func (idx *Index) trimNeighbors(n *node, layer int) {
	ids := n.neighborsAt(layer)
	cands := make([]candEntry, 0, len(ids))
	for _, id := range ids {
		nn, ok := idx.getNode(id)
		if !ok {
			continue
		}
		cands = append(cands, candEntry{id: id, vec: nn.vec, dist: idx.distanceVec(n.vec, nn.vec)})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	selected := idx.selectNeighborsHeuristic(cands, idx.capAt(layer))
	newIDs := make([]uint64, len(selected))
	for i, s := range selected {
		newIDs[i] = s.id
	}
	n.setNeighborsAt(layer, newIDs)
}

// Insert adds id/vector to the index (spec.md §4.6's insert). Structural
// edges are computed locally and only published to each endpoint's
// neighbor list once selection succeeds, so a failure partway through
// (an unexpected missing node) leaves no partial edges from the new
// node's perspective — its own lists are only set at the end of each
// layer's processing.
func (idx *Index) Insert(id uint64, vector []float32) error {
	if _, ok := idx.getNode(id); ok {
		return errExists
	}
	q := toFloat64(vector)
	level := idx.assignLevel()
	n := &node{id: id, vec: q, level: level, neighbors: make([][]uint64, level+1)}

	idx.entryMu.Lock()
	hadEntry := idx.hasEntry
	entryID, entryLevel := idx.entryID, idx.entryLevel
	if !hadEntry {
		idx.entryID, idx.entryLevel, idx.hasEntry = id, level, true
	}
	idx.entryMu.Unlock()

	idx.nodesMu.Lock()
	idx.nodes[id] = n
	idx.nodesMu.Unlock()
	atomic.AddInt64(&idx.version, 1)

	if !hadEntry {
		return nil
	}

	cur := entryID
	for lv := entryLevel; lv > level; lv-- {
		cur = idx.greedyDescend(cur, q, lv)
	}

	top := level
	if entryLevel < top {
		top = entryLevel
	}
	for lv := top; lv >= 0; lv-- {
		cands := idx.searchLayer(cur, q, idx.params.EfConstruction, lv)
		selected := idx.selectNeighborsHeuristic(cands, idx.capAt(lv))
		ids := make([]uint64, len(selected))
		for i, s := range selected {
			ids[i] = s.id
		}
		n.setNeighborsAt(lv, ids)

		for _, s := range selected {
			nb, ok := idx.getNode(s.id)
			if !ok {
				continue
			}
			nb.addNeighborAt(lv, id)
			if len(nb.neighborsAt(lv)) > idx.capAt(lv) {
				idx.trimNeighbors(nb, lv)
			}
		}
		if len(cands) > 0 {
			cur = cands[0].id
		}
	}

	if level > entryLevel {
		idx.entryMu.Lock()
		idx.entryID, idx.entryLevel = id, level
		idx.entryMu.Unlock()
	}
	return nil
}

// Search returns up to k (id, distance) pairs ordered by ascending
// distance, ties broken by smaller id (spec.md §4.6's search).
// Tombstoned ids are excluded from the result but are still traversed.
func (idx *Index) Search(query []float32, k, ef int) ([]Result, error) {
	idx.entryMu.Lock()
	hadEntry, entryID, entryLevel := idx.hasEntry, idx.entryID, idx.entryLevel
	idx.entryMu.Unlock()
	if !hadEntry {
		return nil, nil
	}

	q := toFloat64(query)
	cur := entryID
	for lv := entryLevel; lv > 0; lv-- {
		cur = idx.greedyDescend(cur, q, lv)
	}

	effEf := ef
	if k > effEf {
		effEf = k
	}
	cands := idx.searchLayer(cur, q, effEf, 0)

	results := make([]Result, 0, len(cands))
	for _, c := range cands {
		nn, ok := idx.getNode(c.id)
		if !ok || nn.isTombstoned() {
			continue
		}
		results = append(results, Result{ID: c.id, Distance: c.dist})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Delete soft-deletes id: the node is tombstoned so Search skips it, but
// it remains in the graph (and is still traversed) to preserve
// connectivity until CompactTombstones runs.
func (idx *Index) Delete(id uint64) error {
	n, ok := idx.getNode(id)
	if !ok {
		return errNotFound
	}
	n.tombstone()
	atomic.AddInt64(&idx.version, 1)
	return nil
}

func containsID(ids []uint64, id uint64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// CompactTombstones hard-deletes every tombstoned node (spec.md §4.6's
// delete/compaction step): each neighbor loses its edge to the removed
// node and, where degree allows, is reconnected to one of the removed
// node's other neighbors.
func (idx *Index) CompactTombstones() error {
	idx.nodesMu.RLock()
	var toRemove []uint64
	for id, n := range idx.nodes {
		if n.isTombstoned() {
			toRemove = append(toRemove, id)
		}
	}
	idx.nodesMu.RUnlock()

	for _, id := range toRemove {
		n, ok := idx.getNode(id)
		if !ok {
			continue
		}
		for lv := 0; lv <= n.level; lv++ {
			neighbors := n.neighborsAt(lv)
			for _, uID := range neighbors {
				u, ok := idx.getNode(uID)
				if !ok {
					continue
				}
				u.setNeighborsAt(lv, removeID(u.neighborsAt(lv), id))

				cap := idx.capAt(lv)
				for _, wID := range neighbors {
					if wID == uID || wID == id {
						continue
					}
					w, ok := idx.getNode(wID)
					if !ok || w.isTombstoned() || len(w.neighborsAt(lv)) >= cap {
						continue
					}
					if len(u.neighborsAt(lv)) >= cap || containsID(u.neighborsAt(lv), wID) {
						break
					}
					u.addNeighborAt(lv, wID)
					if !containsID(w.neighborsAt(lv), uID) {
						w.addNeighborAt(lv, uID)
					}
					break
				}
			}
		}
		idx.nodesMu.Lock()
		delete(idx.nodes, id)
		idx.nodesMu.Unlock()
	}

	idx.entryMu.Lock()
	if idx.hasEntry {
		if _, ok := idx.getNode(idx.entryID); !ok {
			idx.pickNewEntryLocked()
		}
	}
	idx.entryMu.Unlock()
	atomic.AddInt64(&idx.version, 1)
	return nil
}

func removeID(ids []uint64, id uint64) []uint64 {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// pickNewEntryLocked must be called with entryMu held; it scans the
// remaining nodes for the highest-level non-tombstoned survivor.
func (idx *Index) pickNewEntryLocked() {
	idx.nodesMu.RLock()
	defer idx.nodesMu.RUnlock()
	best := uint64(0)
	bestLevel := -1
	found := false
	for id, n := range idx.nodes {
		if n.isTombstoned() {
			continue
		}
		if n.level > bestLevel {
			best, bestLevel, found = id, n.level, true
		}
	}
	if !found {
		idx.hasEntry = false
		return
	}
	idx.entryID, idx.entryLevel = best, bestLevel
}

// Rebuild discards the current graph and reinserts every (id, vector)
// pair, fanning the work out across an errgroup bounded by GOMAXPROCS
// (spec.md §4.6's rebuild); Insert's own locking makes concurrent
// insertion from multiple goroutines safe.
func (idx *Index) Rebuild(pairs []IDVector) error {
	idx.nodesMu.Lock()
	idx.nodes = make(map[uint64]*node)
	idx.nodesMu.Unlock()
	idx.entryMu.Lock()
	idx.hasEntry = false
	idx.entryMu.Unlock()

	if len(pairs) == 0 {
		return nil
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > len(pairs) {
		workers = len(pairs)
	}
	if workers < 1 {
		workers = 1
	}

	var g errgroup.Group
	chunk := (len(pairs) + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * chunk
		if start >= len(pairs) {
			break
		}
		end := start + chunk
		if end > len(pairs) {
			end = len(pairs)
		}
		sub := pairs[start:end]
		g.Go(func() error {
			for _, p := range sub {
				if err := idx.Insert(p.ID, p.Vector); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Len returns the number of nodes currently in the graph (including
// tombstoned, not-yet-compacted ones).
func (idx *Index) Len() int {
	idx.nodesMu.RLock()
	defer idx.nodesMu.RUnlock()
	return len(idx.nodes)
}

// Contains reports whether id is currently present in the graph
// (tombstoned or not). StorageBridge's mount-time reconciliation
// (spec.md §4.7) uses this to find ids on disk that the freshly started,
// empty index has not yet seen.
func (idx *Index) Contains(id uint64) bool {
	_, ok := idx.getNode(id)
	return ok
}
