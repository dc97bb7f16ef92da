// Package inode implements InodeMgr (spec.md §4.3): inode number
// allocation, inode table I/o, attribute updates and extent-pointer
// management.
package inode

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/vexfs/vexfs/internal/alloc"
	"github.com/vexfs/vexfs/internal/blockdev"
	"github.com/vexfs/vexfs/internal/superblock"
)

// RootInode is the fixed inode number of the filesystem root, created by
// format and never freed (spec.md §4.3).
const RootInode uint32 = 1

// DirectPointers is the length of an inode's direct block pointer array
// (spec.md §3's "D, default 12").
const DirectPointers = 12

// Mode bits. The low 12 bits are POSIX permission bits; the type is
// stored in the high bits, mirroring the teacher's squashfs inode header
// split of type vs. mode (squashfs.inodeHeader / regInodeHeader).
const (
	ModeTypeMask = 0xF000
	ModeFile     = 0x8000
	ModeDir      = 0x4000
	ModeSymlink  = 0xA000
	ModePerm     = 0x0FFF
)

// Inode flag bits (spec.md §3).
const (
	FlagVectorObject uint32 = 1 << iota
	FlagNormalized
	FlagQuantized
	FlagIndexed
)

// Inode is the in-memory representation of one on-disk inode-table slot.
type Inode struct {
	Number uint32

	Mode   uint32
	Nlink  uint32
	Uid    uint32
	Gid    uint32
	Size   uint64 // byte count, or vector count for vector objects
	Blocks uint64 // block count (VFS sectors)

	Atime uint32
	Mtime uint32
	Ctime uint32

	Flags uint32

	Direct         [DirectPointers]uint64
	SingleIndirect uint64
	DoubleIndirect uint64
	TripleIndirect uint64

	// Vector-object fields, meaningful only when FlagVectorObject is set
	// (spec.md §3).
	VectorDim            uint32
	ElementType          uint32
	SimdAlignment        uint32
	IndexMetadataPointer uint64
}

// IsDir reports whether the inode is a directory.
func (i *Inode) IsDir() bool { return i.Mode&ModeTypeMask == ModeDir }

// IsVector reports whether the inode has been promoted to a vector object.
func (i *Inode) IsVector() bool { return i.Flags&FlagVectorObject != 0 }

// isFree reports whether this slot represents a free inode: mode==0 is
// the on-disk sentinel (spec.md §4.3's "Initialization semantics").
func (i *Inode) isFree() bool { return i.Mode == 0 }

const onDiskInodeSize = superblock.InodeSlotSize

// Mgr is the live InodeMgr: inode-number allocation over an in-memory
// bitmap shadow, plus inode-table block I/O through dev.
type Mgr struct {
	dev  blockdev.Device
	sb   *superblock.Superblock
	geom superblock.Geometry

	bitmapMu sync.Mutex // inode bitmap has its own mutex, per spec.md §5
	bitmap   []byte

	locksMu sync.Mutex
	locks   map[uint32]*sync.RWMutex

	dirtyMu sync.Mutex
	dirty   map[uint32]bool // inode numbers written since the last Flush
}

// Bootstrap creates an InodeMgr for a freshly formatted device, allocating
// and writing the root inode (a directory).
func Bootstrap(dev blockdev.Device, sb *superblock.Superblock, now time.Time) (*Mgr, error) {
	m := newMgr(dev, sb)

	n, err := m.Alloc(ModeDir | 0755)
	if err != nil {
		return nil, err
	}
	if n != RootInode {
		return nil, xerrors.Errorf("inode: bootstrap: root got inode %d, want %d", n, RootInode)
	}
	root := &Inode{
		Number: n,
		Mode:   ModeDir | 0755,
		Nlink:  2, // "." and the entry in its own parent (itself, for root)
		Atime:  uint32(now.Unix()),
		Mtime:  uint32(now.Unix()),
		Ctime:  uint32(now.Unix()),
	}
	if err := m.Write(root); err != nil {
		return nil, err
	}
	if err := m.flushBitmap(); err != nil {
		return nil, err
	}
	return m, nil
}

// Load reconstructs an InodeMgr by reading the persisted inode bitmap.
func Load(dev blockdev.Device, sb *superblock.Superblock) (*Mgr, error) {
	m := newMgr(dev, sb)
	bitmapBytes := int64(m.geom.InodeTableStart-m.geom.InodeBitmapStart) * int64(m.geom.BlockSize)
	if bitmapBytes > int64(len(m.bitmap)) {
		bitmapBytes = int64(len(m.bitmap))
	}
	buf := make([]byte, bitmapBytes)
	if _, err := dev.ReadAt(buf, int64(m.geom.InodeBitmapStart)*int64(m.geom.BlockSize)); err != nil {
		return nil, xerrors.Errorf("inode: load: %w", err)
	}
	copy(m.bitmap, buf)
	return m, nil
}

func newMgr(dev blockdev.Device, sb *superblock.Superblock) *Mgr {
	geom := sb.Geometry()
	return &Mgr{
		dev:    dev,
		sb:     sb,
		geom:   geom,
		bitmap: make([]byte, (uint64(geom.TotalInodes)+7)/8),
		locks:  make(map[uint32]*sync.RWMutex),
		dirty:  make(map[uint32]bool),
	}
}

func (m *Mgr) lockFor(n uint32) *sync.RWMutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[n]
	if !ok {
		l = &sync.RWMutex{}
		m.locks[n] = l
	}
	return l
}

// Lock acquires the write lock for inode number n. Callers (e.g.
// internal/directory) use this to serialize insert/remove on a directory
// inode, per spec.md §5.
func (m *Mgr) Lock(n uint32) func() {
	l := m.lockFor(n)
	l.Lock()
	return l.Unlock
}

// RLock acquires the read lock for inode number n.
func (m *Mgr) RLock(n uint32) func() {
	l := m.lockFor(n)
	l.RLock()
	return l.RUnlock
}

func (m *Mgr) bitSet(n uint32) bool {
	idx := n - 1
	return m.bitmap[idx/8]&(1<<(idx%8)) != 0
}

func (m *Mgr) setBit(n uint32, v bool) {
	idx := n - 1
	if v {
		m.bitmap[idx/8] |= 1 << (idx % 8)
	} else {
		m.bitmap[idx/8] &^= 1 << (idx % 8)
	}
}

// Alloc sets the first zero bit in the inode bitmap and returns the
// corresponding (1-based) inode number.
func (m *Mgr) Alloc(mode uint32) (uint32, error) {
	m.bitmapMu.Lock()
	defer m.bitmapMu.Unlock()

	for n := uint32(1); n <= m.geom.TotalInodes; n++ {
		if !m.bitSet(n) {
			m.setBit(n, true)
			m.sb.AdjustFreeInodes(-1)
			return n, nil
		}
	}
	return 0, errNoInodes
}

// Free clears the bit for inode_number. InodeMgr MUST refuse to free
// inode 1 (the root), per spec.md §4.3.
func (m *Mgr) Free(n uint32) error {
	if n == RootInode {
		return xerrors.New("inode: free: refusing to free the root inode")
	}
	m.bitmapMu.Lock()
	defer m.bitmapMu.Unlock()
	if n == 0 || n > m.geom.TotalInodes {
		return xerrors.Errorf("inode: free: invalid inode number %d", n)
	}
	if !m.bitSet(n) {
		return xerrors.Errorf("inode: free: inode %d already free (corruption)", n)
	}
	m.setBit(n, false)
	m.sb.AdjustFreeInodes(1)
	// The on-disk slot is zeroed lazily, on the next Write of that slot
	// (spec.md §4.3); callers normally write a zero Inode right after
	// Free to make the invariant mode==0 hold immediately.
	return nil
}

// slotOffset computes (block, offset) for inode number n, per spec.md
// §4.3 and §6. InodeMgr rejects n==0.
func (m *Mgr) slotOffset(n uint32) (block uint64, offset uint64, err error) {
	if n == 0 {
		return 0, 0, xerrors.New("inode: invalid inode number 0")
	}
	perBlock := uint64(m.geom.BlockSize) / onDiskInodeSize
	idx := uint64(n - 1)
	block = m.geom.InodeTableStart + idx/perBlock
	offset = (idx % perBlock) * onDiskInodeSize
	return block, offset, nil
}

// Read loads the inode at inode_number from the inode table.
func (m *Mgr) Read(n uint32) (*Inode, error) {
	block, offset, err := m.slotOffset(n)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, onDiskInodeSize)
	if _, err := m.dev.ReadAt(buf, int64(block)*int64(m.geom.BlockSize)+int64(offset)); err != nil {
		return nil, xerrors.Errorf("inode: read(%d): %w", n, err)
	}
	ino, err := unmarshal(buf)
	if err != nil {
		return nil, xerrors.Errorf("inode: read(%d): %w", n, err)
	}
	ino.Number = n
	return ino, nil
}

// Write writes ino's slot to the inode table immediately and records it
// as dirty; Flush provides the durability barrier (a device Sync).
func (m *Mgr) Write(ino *Inode) error {
	block, offset, err := m.slotOffset(ino.Number)
	if err != nil {
		return err
	}
	buf := marshal(ino)
	if _, err := m.dev.WriteAt(buf, int64(block)*int64(m.geom.BlockSize)+int64(offset)); err != nil {
		return xerrors.Errorf("inode: write(%d): %w", ino.Number, err)
	}
	m.dirtyMu.Lock()
	m.dirty[ino.Number] = true
	m.dirtyMu.Unlock()
	return nil
}

// Flush is a no-op beyond Sync: Write already issues the WriteAt
// immediately (spec.md §4.3 allows deferring to "fsync or periodic
// flush"; this implementation chooses immediate WriteAt with a deferred
// fsync, the cheapest option that still lets Flush provide a durability
// barrier).
func (m *Mgr) Flush() error {
	m.dirtyMu.Lock()
	m.dirty = make(map[uint32]bool)
	m.dirtyMu.Unlock()
	return m.dev.Sync()
}

func (m *Mgr) flushBitmap() error {
	bs := int64(m.geom.BlockSize)
	for blk := m.geom.InodeBitmapStart; blk < m.geom.InodeTableStart; blk++ {
		rel := blk - m.geom.InodeBitmapStart
		start := rel * uint64(bs)
		end := start + uint64(bs)
		if end > uint64(len(m.bitmap)) {
			end = uint64(len(m.bitmap))
		}
		buf := make([]byte, bs)
		if start < uint64(len(m.bitmap)) {
			copy(buf, m.bitmap[start:end])
		}
		if _, err := m.dev.WriteAt(buf, int64(blk)*bs); err != nil {
			return xerrors.Errorf("inode: flushBitmap: %w", err)
		}
	}
	return m.dev.Sync()
}

// CommitBitmap persists the inode bitmap; callers invoke this after
// Alloc/Free calls they want durable (mirroring BlockAllocator.Commit).
func (m *Mgr) CommitBitmap() error {
	m.bitmapMu.Lock()
	defer m.bitmapMu.Unlock()
	return m.flushBitmap()
}

// UpdateExtents assigns direct block pointers for ino from newBlocks,
// allocating indirect blocks from a (the BlockAllocator) on overflow
// beyond DirectPointers entries.
//
// This implementation supports a single level of indirection, sufficient
// for the vector/file extent sizes exercised by this repository; double
// and triple indirect pointers are reserved fields (spec.md §3) written
// as zero when unused.
func (m *Mgr) UpdateExtents(a *alloc.Allocator, ino *Inode, newBlocks []uint64) error {
	direct := newBlocks
	var indirect []uint64
	if len(direct) > DirectPointers {
		indirect = direct[DirectPointers:]
		direct = direct[:DirectPointers]
	}
	for i := 0; i < DirectPointers; i++ {
		if i < len(direct) {
			ino.Direct[i] = direct[i]
		} else {
			ino.Direct[i] = 0
		}
	}

	if len(indirect) == 0 {
		ino.SingleIndirect = 0
		ino.Blocks = uint64(len(newBlocks)) * uint64(m.geom.BlockSize) / 512
		return nil
	}

	pointersPerBlock := uint64(m.geom.BlockSize) / 8
	if uint64(len(indirect)) > pointersPerBlock {
		return xerrors.New("inode: update_extents: double/triple indirect blocks are not implemented")
	}

	var indirectBlock uint64
	if ino.SingleIndirect != 0 {
		indirectBlock = ino.SingleIndirect
	} else {
		blocks, err := a.Reserve(1, 0, false)
		if err != nil {
			return xerrors.Errorf("inode: update_extents: allocating indirect block: %w", err)
		}
		indirectBlock = blocks[0]
	}

	buf := make([]byte, m.geom.BlockSize)
	for i, blk := range indirect {
		binary.LittleEndian.PutUint64(buf[i*8:], blk)
	}
	if _, err := m.dev.WriteAt(buf, int64(indirectBlock)*int64(m.geom.BlockSize)); err != nil {
		return xerrors.Errorf("inode: update_extents: writing indirect block: %w", err)
	}
	ino.SingleIndirect = indirectBlock
	ino.Blocks = uint64(len(newBlocks)) * uint64(m.geom.BlockSize) / 512
	return nil
}

// Extents returns the full list of data blocks referenced by ino,
// resolving its single indirect block if present.
func (m *Mgr) Extents(ino *Inode) ([]uint64, error) {
	var blocks []uint64
	for _, d := range ino.Direct {
		if d != 0 {
			blocks = append(blocks, d)
		}
	}
	if ino.SingleIndirect == 0 {
		return blocks, nil
	}
	buf := make([]byte, m.geom.BlockSize)
	if _, err := m.dev.ReadAt(buf, int64(ino.SingleIndirect)*int64(m.geom.BlockSize)); err != nil {
		return nil, xerrors.Errorf("inode: extents: reading indirect block: %w", err)
	}
	for i := 0; i+8 <= len(buf); i += 8 {
		v := binary.LittleEndian.Uint64(buf[i:])
		if v != 0 {
			blocks = append(blocks, v)
		}
	}
	return blocks, nil
}

func marshal(ino *Inode) []byte {
	var buf bytes.Buffer
	w := func(v interface{}) { binary.Write(&buf, binary.LittleEndian, v) }
	w(ino.Mode)
	w(ino.Nlink)
	w(ino.Uid)
	w(ino.Gid)
	w(ino.Size)
	w(ino.Blocks)
	w(ino.Atime)
	w(ino.Mtime)
	w(ino.Ctime)
	w(ino.Flags)
	for _, d := range ino.Direct {
		w(d)
	}
	w(ino.SingleIndirect)
	w(ino.DoubleIndirect)
	w(ino.TripleIndirect)
	w(ino.VectorDim)
	w(ino.ElementType)
	w(ino.SimdAlignment)
	w(ino.IndexMetadataPointer)

	out := make([]byte, onDiskInodeSize)
	copy(out, buf.Bytes())
	return out
}

func unmarshal(buf []byte) (*Inode, error) {
	r := bytes.NewReader(buf)
	rd := func(v interface{}) error { return binary.Read(r, binary.LittleEndian, v) }

	ino := &Inode{}
	fields := []interface{}{
		&ino.Mode, &ino.Nlink, &ino.Uid, &ino.Gid,
		&ino.Size, &ino.Blocks,
		&ino.Atime, &ino.Mtime, &ino.Ctime, &ino.Flags,
	}
	for _, f := range fields {
		if err := rd(f); err != nil {
			return nil, err
		}
	}
	for i := range ino.Direct {
		if err := rd(&ino.Direct[i]); err != nil {
			return nil, err
		}
	}
	tail := []interface{}{
		&ino.SingleIndirect, &ino.DoubleIndirect, &ino.TripleIndirect,
		&ino.VectorDim, &ino.ElementType, &ino.SimdAlignment,
		&ino.IndexMetadataPointer,
	}
	for _, f := range tail {
		if err := rd(f); err != nil {
			return nil, err
		}
	}
	return ino, nil
}

var errNoInodes = xerrors.New("inode: no free inodes")

// ErrNoInodes lets callers match Alloc's failure with errors.Is.
func ErrNoInodes() error { return errNoInodes }
