// Package vector implements VectorExtentMgr (spec.md §4.5): layering
// vector-typed objects over regular inodes with SIMD-aligned, optionally
// contiguous, storage and an id→offset map that accelerates lookups.
package vector

import (
	"encoding/binary"
	"sort"

	"golang.org/x/xerrors"

	"github.com/vexfs/vexfs/internal/alloc"
	"github.com/vexfs/vexfs/internal/blockdev"
	"github.com/vexfs/vexfs/internal/inode"
	"github.com/vexfs/vexfs/internal/superblock"
)

// headerSize is the fixed, marshaled size of Header.
const headerSize = 4 + 4 + 4 + 4 + 4 + 4

// idMapEntrySize is the fixed, marshaled size of one id-map entry: id(8) +
// offset(8) + flags(1), padded to an 8-byte boundary.
const idMapEntrySize = 24

const tombstoneFlag uint8 = 1 << 0

// Promote flag bits, mirrored from the inode package's Flag* constants so
// callers of Promote don't need to import internal/inode for these.
const (
	FlagNormalized = inode.FlagNormalized
	FlagQuantized  = inode.FlagQuantized
	FlagIndexed    = inode.FlagIndexed
)

var (
	errNotVector         = xerrors.New("vector: not a vector object")
	errAlreadyVector     = xerrors.New("vector: already a vector object")
	errPromoteNotEmpty   = xerrors.New("vector: promote requires an empty file")
	errDimensionMismatch = xerrors.New("vector: dimension mismatch")
	errIDExists          = xerrors.New("vector: id already present")
	errIDNotFound        = xerrors.New("vector: id not found")
)

// ErrNotVector, ErrAlreadyVector, ErrPromoteNotEmpty, ErrDimensionMismatch,
// ErrIDExists and ErrIDNotFound let callers use errors.Is against this
// package's failure sentinels.
func ErrNotVector() error         { return errNotVector }
func ErrAlreadyVector() error     { return errAlreadyVector }
func ErrPromoteNotEmpty() error   { return errPromoteNotEmpty }
func ErrDimensionMismatch() error { return errDimensionMismatch }
func ErrIDExists() error          { return errIDExists }
func ErrIDNotFound() error        { return errIDNotFound }

// Header is VectorObjectHeader (spec.md §3, §6): stored at the start of
// the vector object's first extent block. The id-map itself is not
// confined to this one block: IDMapBlockCount names how many of the
// object's leading extents (this header block included) hold id-map
// entries, so the map grows across additional extents exactly the way
// DirectoryMgr grows a directory across additional blocks (spec.md
// §4.4), rather than being capped at whatever fits in a single block.
type Header struct {
	Dim             uint32
	ElementType     uint32
	Alignment       uint32
	Flags           uint32
	IDMapBlockCount uint32 // extents (including this header block) devoted to the id-map
	IDMapEntryCount uint32 // total entries (live + tombstoned) across all id-map blocks
}

type idMapEntry struct {
	ID     uint64
	Offset uint64
	Flags  uint8
}

func elementSize(elementType uint32) int {
	switch elementType {
	case superblock.ElementF32:
		return 4
	case superblock.ElementF16, superblock.ElementBF16:
		return 2
	case superblock.ElementI8:
		return 1
	default:
		return 4
	}
}

func align(n int, alignment uint32) int {
	if alignment == 0 {
		return n
	}
	a := int(alignment)
	return (n + a - 1) / a * a
}

// Mgr is the live VectorExtentMgr, sharing dev/sb/InodeMgr with the rest
// of the mounted filesystem.
type Mgr struct {
	dev   blockdev.Device
	sb    *superblock.Superblock
	geom  superblock.Geometry
	inode *inode.Mgr
}

// New constructs a VectorExtentMgr.
func New(dev blockdev.Device, sb *superblock.Superblock, im *inode.Mgr) *Mgr {
	return &Mgr{dev: dev, sb: sb, geom: sb.Geometry(), inode: im}
}

// mapCapacity returns how many id-map entries fit across mapBlockCount
// id-map extents: the header block reserves headerSize bytes for the
// Header itself, every additional id-map block is entries end to end.
func (m *Mgr) mapCapacity(mapBlockCount int) int {
	if mapBlockCount <= 0 {
		return 0
	}
	bs := int(m.geom.BlockSize)
	n := (bs - headerSize) / idMapEntrySize
	if mapBlockCount > 1 {
		n += (mapBlockCount - 1) * (bs / idMapEntrySize)
	}
	return n
}

func marshalHeader(h Header) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:], h.Dim)
	binary.LittleEndian.PutUint32(buf[4:], h.ElementType)
	binary.LittleEndian.PutUint32(buf[8:], h.Alignment)
	binary.LittleEndian.PutUint32(buf[12:], h.Flags)
	binary.LittleEndian.PutUint32(buf[16:], h.IDMapBlockCount)
	binary.LittleEndian.PutUint32(buf[20:], h.IDMapEntryCount)
	return buf
}

func unmarshalHeader(buf []byte) Header {
	return Header{
		Dim:             binary.LittleEndian.Uint32(buf[0:]),
		ElementType:     binary.LittleEndian.Uint32(buf[4:]),
		Alignment:       binary.LittleEndian.Uint32(buf[8:]),
		Flags:           binary.LittleEndian.Uint32(buf[12:]),
		IDMapBlockCount: binary.LittleEndian.Uint32(buf[16:]),
		IDMapEntryCount: binary.LittleEndian.Uint32(buf[20:]),
	}
}

func marshalEntry(e idMapEntry) []byte {
	buf := make([]byte, idMapEntrySize)
	binary.LittleEndian.PutUint64(buf[0:], e.ID)
	binary.LittleEndian.PutUint64(buf[8:], e.Offset)
	buf[16] = e.Flags
	return buf
}

func unmarshalEntry(buf []byte) idMapEntry {
	return idMapEntry{
		ID:     binary.LittleEndian.Uint64(buf[0:]),
		Offset: binary.LittleEndian.Uint64(buf[8:]),
		Flags:  buf[16],
	}
}

func (m *Mgr) readHeaderBlock(blk uint64) ([]byte, error) {
	buf := make([]byte, m.geom.BlockSize)
	if _, err := m.dev.ReadAt(buf, int64(blk)*int64(m.geom.BlockSize)); err != nil {
		return nil, xerrors.Errorf("vector: reading header block %d: %w", blk, err)
	}
	return buf, nil
}

// writeHeaderAndMap marshals h and entries across mapBlocks: mapBlocks[0]
// (the header block) holds the Header followed by as many entries as fit
// after it, every subsequent block in mapBlocks holds entries end to end.
// Callers must have already grown mapBlocks (via ensureMapCapacity) to
// hold len(entries).
func (m *Mgr) writeHeaderAndMap(mapBlocks []uint64, h Header, entries []idMapEntry) error {
	h.IDMapBlockCount = uint32(len(mapBlocks))
	h.IDMapEntryCount = uint32(len(entries))

	bs := int(m.geom.BlockSize)
	idx := 0
	for i, blk := range mapBlocks {
		buf := make([]byte, bs)
		off := 0
		if i == 0 {
			copy(buf, marshalHeader(h))
			off = headerSize
		}
		for off+idMapEntrySize <= bs && idx < len(entries) {
			copy(buf[off:], marshalEntry(entries[idx]))
			off += idMapEntrySize
			idx++
		}
		if _, err := m.dev.WriteAt(buf, int64(blk)*int64(m.geom.BlockSize)); err != nil {
			return xerrors.Errorf("vector: writing id-map block %d: %w", blk, err)
		}
	}
	if idx < len(entries) {
		return xerrors.New("vector: id-map blocks insufficient for entry count")
	}
	return nil
}

// ensureMapCapacity grows mapBlocks (via a) so the id-map can hold at
// least neededEntries, reserving one block at a time the same way
// DirectoryMgr.Insert reserves a new block once no existing one has room
// (directory.go's "no existing block has room" path) — a vector object's
// id-map capacity is therefore bounded by device space, not by what fits
// in the single block Promote originally reserves.
func (m *Mgr) ensureMapCapacity(a *alloc.Allocator, mapBlocks []uint64, neededEntries int) ([]uint64, error) {
	for m.mapCapacity(len(mapBlocks)) < neededEntries {
		newBlk, err := a.Reserve(1, 0, false)
		if err != nil {
			return nil, err
		}
		mapBlocks = append(mapBlocks, newBlk[0])
	}
	return mapBlocks, nil
}

// readIDMap decodes h.IDMapEntryCount entries, reading mapBlocks[0]
// (already loaded as headerBuf) followed by the rest of mapBlocks as
// needed.
func (m *Mgr) readIDMap(headerBuf []byte, mapBlocks []uint64, h Header) ([]idMapEntry, error) {
	entries := make([]idMapEntry, 0, h.IDMapEntryCount)
	remaining := int(h.IDMapEntryCount)
	buf := headerBuf
	off := headerSize
	for i, blk := range mapBlocks {
		if i > 0 {
			var err error
			buf, err = m.readHeaderBlock(blk)
			if err != nil {
				return nil, err
			}
			off = 0
		}
		for remaining > 0 && off+idMapEntrySize <= len(buf) {
			entries = append(entries, unmarshalEntry(buf[off:]))
			off += idMapEntrySize
			remaining--
		}
	}
	return entries, nil
}

// loadHeader reads ino's header block (and any additional id-map blocks
// it names) and decodes the header, the full id-map and the extents
// devoted to each.
func (m *Mgr) loadHeader(ino *inode.Inode) ([]uint64, Header, []idMapEntry, error) {
	extents, err := m.inode.Extents(ino)
	if err != nil {
		return nil, Header{}, nil, err
	}
	if len(extents) == 0 {
		return nil, Header{}, nil, xerrors.New("vector: object has no header block")
	}
	headerBuf, err := m.readHeaderBlock(extents[0])
	if err != nil {
		return nil, Header{}, nil, err
	}
	h := unmarshalHeader(headerBuf)
	mapBlockCount := int(h.IDMapBlockCount)
	if mapBlockCount < 1 {
		mapBlockCount = 1
	}
	if mapBlockCount > len(extents) {
		return nil, Header{}, nil, xerrors.New("vector: id-map block count exceeds extents")
	}
	// Copied out of extents rather than sliced: callers grow mapBlocks
	// with append, which must never alias (and risk overwriting) the
	// data-block entries that follow it in extents' backing array.
	mapBlocks := append([]uint64(nil), extents[:mapBlockCount]...)

	entries, err := m.readIDMap(headerBuf, mapBlocks, h)
	if err != nil {
		return nil, Header{}, nil, err
	}
	return mapBlocks, h, entries, nil
}

// Promote sets the VECTOR_OBJECT inode flag and writes a fresh
// VectorObjectHeader. ino must be empty (no extents, size 0).
func (m *Mgr) Promote(a *alloc.Allocator, ino *inode.Inode, dim, elementType, alignment, flags uint32) error {
	unlock := m.inode.Lock(ino.Number)
	defer unlock()

	if ino.IsVector() {
		return errAlreadyVector
	}
	extents, err := m.inode.Extents(ino)
	if err != nil {
		return err
	}
	if len(extents) != 0 || ino.Size != 0 {
		return errPromoteNotEmpty
	}

	blocks, err := a.Reserve(1, 0, false)
	if err != nil {
		return err
	}
	h := Header{Dim: dim, ElementType: elementType, Alignment: alignment, Flags: flags}
	if err := m.writeHeaderAndMap(blocks, h, nil); err != nil {
		return err
	}
	if err := m.inode.UpdateExtents(a, ino, blocks); err != nil {
		return err
	}

	ino.Flags |= inode.FlagVectorObject
	ino.Flags |= flags
	ino.VectorDim = dim
	ino.ElementType = elementType
	ino.SimdAlignment = alignment
	ino.Size = 0
	return m.inode.Write(ino)
}

// dataBlocksOf returns the extents backing the data region, i.e. every
// extent after the mapBlockCount leading id-map extents.
func dataBlocksOf(extents []uint64, mapBlockCount int) []uint64 {
	if len(extents) <= mapBlockCount {
		return nil
	}
	return extents[mapBlockCount:]
}

func (m *Mgr) readRegion(blocks []uint64, offset int64, length int) ([]byte, error) {
	out := make([]byte, length)
	bs := int64(m.geom.BlockSize)
	remaining := length
	pos := 0
	for remaining > 0 {
		bi := offset / bs
		bo := offset % bs
		if int(bi) >= len(blocks) {
			return nil, xerrors.New("vector: read past end of data region")
		}
		n := int(bs - bo)
		if n > remaining {
			n = remaining
		}
		if _, err := m.dev.ReadAt(out[pos:pos+n], int64(blocks[bi])*bs+bo); err != nil {
			return nil, xerrors.Errorf("vector: reading data region: %w", err)
		}
		pos += n
		offset += int64(n)
		remaining -= n
	}
	return out, nil
}

func (m *Mgr) writeRegion(blocks []uint64, offset int64, data []byte) error {
	bs := int64(m.geom.BlockSize)
	remaining := len(data)
	pos := 0
	for remaining > 0 {
		bi := offset / bs
		bo := offset % bs
		if int(bi) >= len(blocks) {
			return xerrors.New("vector: write past end of data region")
		}
		n := int(bs - bo)
		if n > remaining {
			n = remaining
		}
		if _, err := m.dev.WriteAt(data[pos:pos+n], int64(blocks[bi])*bs+bo); err != nil {
			return xerrors.Errorf("vector: writing data region: %w", err)
		}
		pos += n
		offset += int64(n)
		remaining -= n
	}
	return nil
}

// ensureCapacity grows blocks (via a) so the data region covers at least
// neededBytes, reserving a contiguous run when a single vector's stride
// exceeds half the block size (spec.md I6).
func (m *Mgr) ensureCapacity(a *alloc.Allocator, blocks []uint64, neededBytes int64, contiguous bool) ([]uint64, error) {
	bs := int64(m.geom.BlockSize)
	neededBlocks := int((neededBytes + bs - 1) / bs)
	missing := neededBlocks - len(blocks)
	if missing <= 0 {
		return blocks, nil
	}
	newBlocks, err := a.Reserve(missing, 0, contiguous)
	if err != nil {
		return nil, err
	}
	return append(blocks, newBlocks...), nil
}

// Append validates and stores vectorBytes under id, returning its byte
// offset within the data region.
func (m *Mgr) Append(a *alloc.Allocator, ino *inode.Inode, vectorBytes []byte, id uint64) (uint64, error) {
	unlock := m.inode.Lock(ino.Number)
	defer unlock()

	if !ino.IsVector() {
		return 0, errNotVector
	}
	want := int(ino.VectorDim) * elementSize(ino.ElementType)
	if len(vectorBytes) != want {
		return 0, errDimensionMismatch
	}

	mapBlocks, h, entries, err := m.loadHeader(ino)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if e.ID == id && e.Flags&tombstoneFlag == 0 {
			return 0, errIDExists
		}
	}

	stride := align(want, ino.SimdAlignment)
	slot := len(entries)
	offset := uint64(slot) * uint64(stride)

	extents, err := m.inode.Extents(ino)
	if err != nil {
		return 0, err
	}
	oldMapBlockCount := len(mapBlocks)
	blocks := dataBlocksOf(extents, oldMapBlockCount)

	mapBlocks, err = m.ensureMapCapacity(a, mapBlocks, len(entries)+1)
	if err != nil {
		return 0, err
	}
	blocks, err = m.ensureCapacity(a, blocks, int64(offset)+int64(stride), stride > int(m.geom.BlockSize)/2)
	if err != nil {
		return 0, err
	}
	if err := m.writeRegion(blocks, int64(offset), vectorBytes); err != nil {
		return 0, err
	}

	allExtents := append(append([]uint64(nil), mapBlocks...), blocks...)
	if err := m.inode.UpdateExtents(a, ino, allExtents); err != nil {
		return 0, err
	}

	entries = append(entries, idMapEntry{ID: id, Offset: offset})
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	if err := m.writeHeaderAndMap(mapBlocks, h, entries); err != nil {
		return 0, err
	}
	ino.Size++
	if err := m.inode.Write(ino); err != nil {
		return 0, err
	}
	return offset, nil
}

func findEntry(entries []idMapEntry, id uint64) (int, bool) {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].ID >= id })
	if i < len(entries) && entries[i].ID == id {
		return i, true
	}
	return 0, false
}

// Get returns the stored bytes for id.
func (m *Mgr) Get(ino *inode.Inode, id uint64) ([]byte, error) {
	unlock := m.inode.RLock(ino.Number)
	defer unlock()

	if !ino.IsVector() {
		return nil, errNotVector
	}
	mapBlocks, _, entries, err := m.loadHeader(ino)
	if err != nil {
		return nil, err
	}
	i, ok := findEntry(entries, id)
	if !ok || entries[i].Flags&tombstoneFlag != 0 {
		return nil, errIDNotFound
	}

	want := int(ino.VectorDim) * elementSize(ino.ElementType)
	extents, err := m.inode.Extents(ino)
	if err != nil {
		return nil, err
	}
	blocks := dataBlocksOf(extents, len(mapBlocks))
	return m.readRegion(blocks, int64(entries[i].Offset), want)
}

// Delete tombstones id in the id-map; space is reclaimed by Compact.
func (m *Mgr) Delete(ino *inode.Inode, id uint64) error {
	unlock := m.inode.Lock(ino.Number)
	defer unlock()

	if !ino.IsVector() {
		return errNotVector
	}
	mapBlocks, h, entries, err := m.loadHeader(ino)
	if err != nil {
		return err
	}
	i, ok := findEntry(entries, id)
	if !ok || entries[i].Flags&tombstoneFlag != 0 {
		return errIDNotFound
	}
	entries[i].Flags |= tombstoneFlag
	if err := m.writeHeaderAndMap(mapBlocks, h, entries); err != nil {
		return err
	}
	ino.Size--
	return m.inode.Write(ino)
}

// BatchAppend flag bits.
const (
	BatchAppendOnly uint32 = 1 << iota
	BatchUpsert
)

// BatchAppend atomically appends a batch of vectors: either all are
// persisted or none are (spec.md §4.5). With BatchUpsert set, an id that
// already exists has its entry's offset updated in place rather than
// failing with Exists.
func (m *Mgr) BatchAppend(a *alloc.Allocator, ino *inode.Inode, vectors [][]byte, ids []uint64, flags uint32) error {
	if len(vectors) != len(ids) {
		return xerrors.New("vector: batch_append: vectors/ids length mismatch")
	}
	unlock := m.inode.Lock(ino.Number)
	defer unlock()

	if !ino.IsVector() {
		return errNotVector
	}
	want := int(ino.VectorDim) * elementSize(ino.ElementType)
	for _, v := range vectors {
		if len(v) != want {
			return errDimensionMismatch
		}
	}

	mapBlocks, h, entries, err := m.loadHeader(ino)
	if err != nil {
		return err
	}
	upsert := flags&BatchUpsert != 0

	scratch := append([]idMapEntry(nil), entries...)
	stride := align(want, ino.SimdAlignment)

	// offsetFor[i] is where vectors[i] is written: either a fresh slot
	// at the end of the id-map, or (for an upsert / a revived
	// tombstone) the slot the id already occupies, reused in place so
	// the data region never grows for those ids.
	offsetFor := make([]uint64, len(ids))
	becomesLive := make([]bool, len(ids)) // true unless this id was already live before the batch
	newSlots := 0
	for i, id := range ids {
		if idx, ok := findEntry(scratch, id); ok {
			wasTombstoned := scratch[idx].Flags&tombstoneFlag != 0
			if !wasTombstoned && !upsert {
				return errIDExists
			}
			offsetFor[i] = scratch[idx].Offset
			scratch[idx].Flags &^= tombstoneFlag
			becomesLive[i] = wasTombstoned
			continue
		}
		slot := len(scratch) + newSlots
		offsetFor[i] = uint64(slot) * uint64(stride)
		newSlots++
		becomesLive[i] = true
	}

	extents, err := m.inode.Extents(ino)
	if err != nil {
		return err
	}
	blocks := dataBlocksOf(extents, len(mapBlocks))

	mapBlocks, err = m.ensureMapCapacity(a, mapBlocks, len(scratch)+newSlots)
	if err != nil {
		return err
	}
	neededBytes := int64(len(scratch)+newSlots) * int64(stride)
	blocks, err = m.ensureCapacity(a, blocks, neededBytes, stride > int(m.geom.BlockSize)/2)
	if err != nil {
		return err
	}
	for i, off := range offsetFor {
		if err := m.writeRegion(blocks, int64(off), vectors[i]); err != nil {
			return err
		}
	}

	allExtents := append(append([]uint64(nil), mapBlocks...), blocks...)
	if err := m.inode.UpdateExtents(a, ino, allExtents); err != nil {
		return err
	}

	liveDelta := int64(0)
	for i, id := range ids {
		if _, ok := findEntry(scratch, id); !ok {
			scratch = append(scratch, idMapEntry{ID: id, Offset: offsetFor[i]})
		}
		if becomesLive[i] {
			liveDelta++
		}
	}
	sort.Slice(scratch, func(i, j int) bool { return scratch[i].ID < scratch[j].ID })
	if err := m.writeHeaderAndMap(mapBlocks, h, scratch); err != nil {
		return err
	}
	ino.Size += uint64(liveDelta)
	return m.inode.Write(ino)
}

// Compact rewrites extents to eliminate tombstones: live vectors are
// copied into a fresh, densely packed data region, the id-map is
// renumbered (and shrunk back to as few blocks as the live set needs),
// and the old data blocks are freed. The swap happens only after the new
// region is fully written (temp-extent + pointer swap).
func (m *Mgr) Compact(a *alloc.Allocator, ino *inode.Inode) error {
	unlock := m.inode.Lock(ino.Number)
	defer unlock()

	if !ino.IsVector() {
		return errNotVector
	}
	mapBlocks, h, entries, err := m.loadHeader(ino)
	if err != nil {
		return err
	}
	want := int(ino.VectorDim) * elementSize(ino.ElementType)
	stride := align(want, ino.SimdAlignment)

	extents, err := m.inode.Extents(ino)
	if err != nil {
		return err
	}
	oldBlocks := dataBlocksOf(extents, len(mapBlocks))

	var live []idMapEntry
	for _, e := range entries {
		if e.Flags&tombstoneFlag == 0 {
			live = append(live, e)
		}
	}

	// Copy out of mapBlocks before slicing/growing: newMapBlocks and
	// freedMapBlocks must not alias the same backing array, or growing
	// the former in place would clobber the blocks the latter still
	// needs to free.
	freedMapBlocks := append([]uint64(nil), mapBlocks[1:]...)
	newMapBlocks := append([]uint64(nil), mapBlocks[0])
	newMapBlocks, err = m.ensureMapCapacity(a, newMapBlocks, len(live))
	if err != nil {
		return err
	}

	var newBlocks []uint64
	if len(live) > 0 {
		newBlocks, err = m.ensureCapacity(a, nil, int64(len(live))*int64(stride), stride > int(m.geom.BlockSize)/2)
		if err != nil {
			return err
		}
	}

	for i, e := range live {
		buf, err := m.readRegion(oldBlocks, int64(e.Offset), want)
		if err != nil {
			return err
		}
		newOffset := int64(i) * int64(stride)
		if err := m.writeRegion(newBlocks, newOffset, buf); err != nil {
			return err
		}
		live[i].Offset = uint64(newOffset)
	}

	allExtents := append(append([]uint64(nil), newMapBlocks...), newBlocks...)
	if err := m.inode.UpdateExtents(a, ino, allExtents); err != nil {
		return err
	}
	if err := m.writeHeaderAndMap(newMapBlocks, h, live); err != nil {
		return err
	}
	if len(oldBlocks) > 0 {
		if err := a.Free(oldBlocks); err != nil {
			return err
		}
	}
	if len(freedMapBlocks) > 0 {
		if err := a.Free(freedMapBlocks); err != nil {
			return err
		}
	}
	ino.Size = uint64(len(live))
	return m.inode.Write(ino)
}

// HeaderOf returns the decoded VectorObjectHeader for ino, for callers
// that need dim/element type without re-deriving it from the inode
// fields.
func (m *Mgr) HeaderOf(ino *inode.Inode) (Header, error) {
	_, h, _, err := m.loadHeader(ino)
	return h, err
}

// IDs returns the id of every live entry currently in ino's id-map, in
// ascending id order. Used by StorageBridge's crash-recovery walk and
// its index rebuild.
func (m *Mgr) IDs(ino *inode.Inode) ([]uint64, error) {
	unlock := m.inode.RLock(ino.Number)
	defer unlock()
	_, _, entries, err := m.loadHeader(ino)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(entries))
	for _, e := range entries {
		if e.Flags&tombstoneFlag == 0 {
			ids = append(ids, e.ID)
		}
	}
	return ids, nil
}
