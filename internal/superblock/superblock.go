// Package superblock implements SuperblockMgr (spec.md §4.1): parsing,
// validating and rewriting the VexFS superblock, geometry allocation at
// format time, and the clean-unmount bit that gates mount-time recovery.
//
// The on-disk layout mirrors the teacher's squashfs superblock: a single
// fixed-offset, little-endian struct with no padding between fields,
// written with encoding/binary (squashfs.superblock in
// internal/squashfs/writer.go is the model this is grounded on).
package superblock

import (
	"bytes"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/mod/semver"
	"golang.org/x/xerrors"

	"github.com/vexfs/vexfs/internal/blockdev"
	"github.com/vexfs/vexfs/internal/chk"
)

// Magic is the canonical 32-bit little-endian VexFS magic value, preserved
// across this implementation for on-disk compatibility (spec.md §6).
const Magic uint32 = 0x58465658 // stored little-endian as the bytes "XVFX"

// Version is the on-disk format version written by Format. Compatibility
// is evaluated with golang.org/x/mod/semver against CompatMin..CompatMax,
// encoded as "vMAJOR.0.0" the way the teacher compares distri package
// versions in cmd/distri/bump.go.
const Version uint32 = 1

// CompatMin and CompatMax bound the versions this implementation can
// mount. Both are inclusive.
const (
	CompatMin = "v1.0.0"
	CompatMax = "v1.0.0"
)

// DefaultBlockSize is the block size chosen when none is specified at
// format time.
const DefaultBlockSize uint32 = 4096

// Feature flag bits (feature_flags, spec.md §3).
const (
	FeatureVectorsEnabled uint32 = 1 << iota
	FeatureChecksumsEnabled
)

// Element type tags for default_element_type / VectorObjectHeader.
const (
	ElementF32 uint32 = iota
	ElementF16
	ElementBF16
	ElementI8
)

// payloadSize is the fixed byte size of the marshaled superblock fields,
// not counting the trailing CRC32C checksum slot.
const payloadSize = 4 + 4 + 4 + 8 + 8 + 4 + 4 + 8 + 8 + 8 + 8 + 4 + 4 + 4 + 16 + 4 + 4

// onDiskSize is the fixed byte size of block 0's superblock region: the
// payload plus a reserved trailing checksum slot, written and read
// unconditionally so the on-disk layout does not shift depending on
// whether checksums_enabled is set. It is always less than
// DefaultBlockSize; the remainder of block 0 is zero-padded.
const onDiskSize = payloadSize + 4

// Superblock is the in-memory, live representation of the on-disk
// superblock. Counters that are read far more often than they are written
// (FreeBlocks, FreeInodes, MountCount) are plain fields guarded by
// atomic.*, matching spec.md §5's "atomic counters with acquire/release
// semantics for reads". Structural fields (geometry, flags, UUID) never
// change after format and need no synchronization.
type Superblock struct {
	mu sync.Mutex // serializes flush() and feature updates, per spec.md §5

	Magic       uint32
	Version     uint32
	BlockSize   uint32
	TotalBlocks uint64

	freeBlocks int64 // atomic
	freeInodes int64 // atomic

	TotalInodes      uint32
	FirstDataBlock   uint64
	InodeTableStart  uint64
	BlockBitmapStart uint64
	InodeBitmapStart uint64
	FeatureFlags     uint32

	mountCount   int64 // atomic
	cleanUnmount int32 // atomic, 0 or 1

	UUID               [16]byte
	DefaultVectorDim    uint32
	DefaultElementType uint32

	// readOnly is the latch set by MarkReadOnly. No code path in this
	// repository calls MarkReadOnly or consults ReadOnly, so a Corrupt
	// error does not make the session read-only.
	readOnly int32 // atomic
}

// Geometry is the format-time layout contract (spec.md §4.1's "allocate
// geometry") consumed by an external mkfs collaborator as well as by
// Format in this package.
type Geometry struct {
	BlockSize        uint32
	TotalBlocks      uint64
	TotalInodes      uint32
	BlockBitmapStart uint64
	InodeBitmapStart uint64
	InodeTableStart  uint64
	FirstDataBlock   uint64
	BlockBitmapBlocks uint64
	InodeBitmapBlocks uint64
	InodeTableBlocks  uint64
}

// InodeSlotSize is the fixed size in bytes of one inode-table slot,
// shared with internal/inode.
const InodeSlotSize = 256

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// AllocateGeometry computes the fixed regions of a VexFS image of
// deviceSize bytes with the given blockSize, sized to hold at least
// totalInodes inodes. Block 0 is always the superblock; the bitmap,
// inode-table and data regions are laid out immediately after it in the
// order given in spec.md §6.
func AllocateGeometry(deviceSize int64, blockSize uint32, totalInodes uint32) (Geometry, error) {
	if blockSize == 0 || blockSize&(blockSize-1) != 0 {
		return Geometry{}, xerrors.New("superblock: block size must be a power of two")
	}
	if deviceSize <= int64(blockSize) {
		return Geometry{}, xerrors.New("superblock: device too small")
	}
	totalBlocks := uint64(deviceSize) / uint64(blockSize)

	blockBitmapBlocks := ceilDiv(totalBlocks, uint64(blockSize)*8)
	inodeBitmapBlocks := ceilDiv(uint64(totalInodes), uint64(blockSize)*8)
	perInodeBlock := uint64(blockSize) / InodeSlotSize
	inodeTableBlocks := ceilDiv(uint64(totalInodes), perInodeBlock)

	blockBitmapStart := uint64(1) // block 0 is the superblock
	inodeBitmapStart := blockBitmapStart + blockBitmapBlocks
	inodeTableStart := inodeBitmapStart + inodeBitmapBlocks
	firstDataBlock := inodeTableStart + inodeTableBlocks

	if firstDataBlock >= totalBlocks {
		return Geometry{}, xerrors.New("superblock: device too small to hold metadata regions")
	}

	return Geometry{
		BlockSize:         blockSize,
		TotalBlocks:       totalBlocks,
		TotalInodes:       totalInodes,
		BlockBitmapStart:  blockBitmapStart,
		InodeBitmapStart:  inodeBitmapStart,
		InodeTableStart:   inodeTableStart,
		FirstDataBlock:    firstDataBlock,
		BlockBitmapBlocks: blockBitmapBlocks,
		InodeBitmapBlocks: inodeBitmapBlocks,
		InodeTableBlocks:  inodeTableBlocks,
	}, nil
}

// FormatOptions configures Format.
type FormatOptions struct {
	BlockSize          uint32
	TotalInodes        uint32
	VectorsEnabled     bool
	ChecksumsEnabled   bool
	DefaultVectorDim   uint32
	DefaultElementType uint32
	UUID               [16]byte
	Now                time.Time
}

// Format writes a fresh superblock (and zeroes the bitmap/inode-table
// regions) to dev, sized to dev.Size(). The returned Superblock has
// clean_unmount set to false; callers mount immediately after formatting
// and are expected to call MarkClean before the first graceful unmount.
func Format(dev blockdev.Device, opt FormatOptions) (*Superblock, error) {
	bs := opt.BlockSize
	if bs == 0 {
		bs = DefaultBlockSize
	}
	ti := opt.TotalInodes
	if ti == 0 {
		ti = uint32(dev.Size() / int64(bs) / 4)
		if ti == 0 {
			ti = 16
		}
	}
	geom, err := AllocateGeometry(dev.Size(), bs, ti)
	if err != nil {
		return nil, xerrors.Errorf("superblock: format: %w", err)
	}

	flags := uint32(0)
	if opt.VectorsEnabled {
		flags |= FeatureVectorsEnabled
	}
	if opt.ChecksumsEnabled {
		flags |= FeatureChecksumsEnabled
	}

	sb := &Superblock{
		Magic:              Magic,
		Version:            Version,
		BlockSize:          geom.BlockSize,
		TotalBlocks:        geom.TotalBlocks,
		TotalInodes:        geom.TotalInodes,
		FirstDataBlock:     geom.FirstDataBlock,
		InodeTableStart:    geom.InodeTableStart,
		BlockBitmapStart:   geom.BlockBitmapStart,
		InodeBitmapStart:   geom.InodeBitmapStart,
		FeatureFlags:       flags,
		UUID:               opt.UUID,
		DefaultVectorDim:   opt.DefaultVectorDim,
		DefaultElementType: opt.DefaultElementType,
	}
	// All data blocks start free; internal/alloc.Bootstrap marks the
	// metadata region (blocks [0, FirstDataBlock)) allocated in the
	// bitmap without touching this counter, since those blocks were never
	// counted among the total in the first place (I1 only relates
	// free_blocks to the data-block bitmap).
	sb.freeBlocks = int64(geom.TotalBlocks - geom.FirstDataBlock)
	sb.freeInodes = int64(geom.TotalInodes) // the caller's Alloc of inode 1 (root) takes this down by one
	sb.cleanUnmount = 0

	// Zero the bitmap and inode-table regions so mode==0 / bit==0 hold
	// for every slot/bit, matching "zero-initialized" in spec.md §4.3.
	zero := make([]byte, bs)
	for blk := geom.BlockBitmapStart; blk < geom.FirstDataBlock; blk++ {
		if _, err := dev.WriteAt(zero, int64(blk)*int64(bs)); err != nil {
			return nil, xerrors.Errorf("superblock: format: zeroing block %d: %w", blk, err)
		}
	}

	if err := sb.Flush(dev); err != nil {
		return nil, err
	}
	return sb, nil
}

// Load reads and validates the superblock from block 0 of dev.
func Load(dev blockdev.Device) (*Superblock, error) {
	buf := make([]byte, onDiskSize)
	if _, err := dev.ReadAt(buf, 0); err != nil {
		return nil, xerrors.Errorf("superblock: load: %w", err)
	}

	var magic uint32
	r := bytes.NewReader(buf)
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, xerrors.Errorf("superblock: load: %w", err)
	}
	if magic != Magic {
		return nil, badMagicErr(magic)
	}

	sb := &Superblock{}
	if err := sb.unmarshal(buf); err != nil {
		return nil, err
	}

	if !semver.IsValid(encodeVersion(sb.Version)) {
		return nil, unsupportedVersionErr(sb.Version)
	}
	if semver.Compare(encodeVersion(sb.Version), CompatMin) < 0 ||
		semver.Compare(encodeVersion(sb.Version), CompatMax) > 0 {
		return nil, unsupportedVersionErr(sb.Version)
	}

	if sb.FeatureFlags&FeatureChecksumsEnabled != 0 {
		if !chk.Verify(buf[:payloadSize+4]) {
			return nil, corruptErr("checksum mismatch")
		}
	}

	atomic.AddInt64(&sb.mountCount, 1)
	return sb, nil
}

func encodeVersion(v uint32) string {
	major := v
	return "v" + itoa(major) + ".0.0"
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var digits []byte
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	return string(digits)
}

// BadMagicError, UnsupportedVersionError and CorruptError let callers use
// errors.As without importing the vexfs root package's Kind taxonomy into
// this lower-level package (which the root package's errors.go wraps at
// the boundary).
type BadMagicError struct{ Got uint32 }

func (e *BadMagicError) Error() string {
	return xerrors.Errorf("superblock: bad magic: got %#x, want %#x", e.Got, Magic).Error()
}

func badMagicErr(got uint32) error { return &BadMagicError{Got: got} }

type UnsupportedVersionError struct{ Got uint32 }

func (e *UnsupportedVersionError) Error() string {
	return xerrors.Errorf("superblock: unsupported version %d (support %s..%s)", e.Got, CompatMin, CompatMax).Error()
}

func unsupportedVersionErr(got uint32) error { return &UnsupportedVersionError{Got: got} }

type CorruptError struct{ Reason string }

func (e *CorruptError) Error() string { return "superblock: corrupt: " + e.Reason }

func corruptErr(reason string) error { return &CorruptError{Reason: reason} }

func (sb *Superblock) marshal() []byte {
	var buf bytes.Buffer
	w := func(v interface{}) { binary.Write(&buf, binary.LittleEndian, v) }
	w(sb.Magic)
	w(sb.Version)
	w(sb.BlockSize)
	w(sb.TotalBlocks)
	w(uint64(atomic.LoadInt64(&sb.freeBlocks)))
	w(sb.TotalInodes)
	w(uint32(atomic.LoadInt64(&sb.freeInodes)))
	w(sb.FirstDataBlock)
	w(sb.InodeTableStart)
	w(sb.BlockBitmapStart)
	w(sb.InodeBitmapStart)
	w(sb.FeatureFlags)
	w(uint32(atomic.LoadInt64(&sb.mountCount)))
	w(uint32(atomic.LoadInt32(&sb.cleanUnmount)))
	buf.Write(sb.UUID[:])
	w(sb.DefaultVectorDim)
	w(sb.DefaultElementType)
	return buf.Bytes()
}

func (sb *Superblock) unmarshal(buf []byte) error {
	r := bytes.NewReader(buf)
	rd := func(v interface{}) error { return binary.Read(r, binary.LittleEndian, v) }

	var freeBlocks uint64
	var freeInodes, mountCount, cleanUnmount uint32

	if err := rd(&sb.Magic); err != nil {
		return err
	}
	if err := rd(&sb.Version); err != nil {
		return err
	}
	if err := rd(&sb.BlockSize); err != nil {
		return err
	}
	if err := rd(&sb.TotalBlocks); err != nil {
		return err
	}
	if err := rd(&freeBlocks); err != nil {
		return err
	}
	if err := rd(&sb.TotalInodes); err != nil {
		return err
	}
	if err := rd(&freeInodes); err != nil {
		return err
	}
	if err := rd(&sb.FirstDataBlock); err != nil {
		return err
	}
	if err := rd(&sb.InodeTableStart); err != nil {
		return err
	}
	if err := rd(&sb.BlockBitmapStart); err != nil {
		return err
	}
	if err := rd(&sb.InodeBitmapStart); err != nil {
		return err
	}
	if err := rd(&sb.FeatureFlags); err != nil {
		return err
	}
	if err := rd(&mountCount); err != nil {
		return err
	}
	if err := rd(&cleanUnmount); err != nil {
		return err
	}
	if _, err := r.Read(sb.UUID[:]); err != nil {
		return err
	}
	if err := rd(&sb.DefaultVectorDim); err != nil {
		return err
	}
	if err := rd(&sb.DefaultElementType); err != nil {
		return err
	}

	sb.freeBlocks = int64(freeBlocks)
	sb.freeInodes = int64(freeInodes)
	sb.mountCount = int64(mountCount)
	sb.cleanUnmount = int32(cleanUnmount)
	return nil
}

// Flush writes sb to block 0 of dev atomically: the whole block is
// marshaled, checksummed (the CRC32C is always written; Load verifies it
// only when checksums_enabled is set) and written with a single WriteAt
// followed by Sync, matching spec.md §4.1 ("written to a single block;
// callers must ensure it is written before returning success to sync").
func (sb *Superblock) Flush(dev blockdev.Device) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	buf := chk.Append(sb.marshal())
	block := make([]byte, sb.blockSizeOrDefault())
	copy(block, buf)

	if _, err := dev.WriteAt(block, 0); err != nil {
		return xerrors.Errorf("superblock: flush: %w", err)
	}
	return dev.Sync()
}

func (sb *Superblock) blockSizeOrDefault() uint32 {
	if sb.BlockSize == 0 {
		return DefaultBlockSize
	}
	return sb.BlockSize
}

// MarkDirty clears the clean_unmount bit. Callers invoke this as soon as
// the filesystem starts accepting mutating operations after mount/format.
func (sb *Superblock) MarkDirty(dev blockdev.Device) error {
	atomic.StoreInt32(&sb.cleanUnmount, 0)
	return sb.Flush(dev)
}

// MarkClean sets the clean_unmount bit. Per spec.md §4.1 this MUST be the
// last persistent write performed on a graceful unmount.
func (sb *Superblock) MarkClean(dev blockdev.Device) error {
	atomic.StoreInt32(&sb.cleanUnmount, 1)
	return sb.Flush(dev)
}

// CleanUnmount reports the current value of the clean_unmount flag.
func (sb *Superblock) CleanUnmount() bool {
	return atomic.LoadInt32(&sb.cleanUnmount) != 0
}

// FreeBlocks returns the live free-block counter (I1).
func (sb *Superblock) FreeBlocks() uint64 { return uint64(atomic.LoadInt64(&sb.freeBlocks)) }

// FreeInodes returns the live free-inode counter (I2).
func (sb *Superblock) FreeInodes() uint64 { return uint64(atomic.LoadInt64(&sb.freeInodes)) }

// AdjustFreeBlocks atomically applies delta (positive or negative) to the
// free-block counter. Called by BlockAllocator's Reserve and Free as they
// update the in-memory bitmap.
func (sb *Superblock) AdjustFreeBlocks(delta int64) {
	atomic.AddInt64(&sb.freeBlocks, delta)
}

// AdjustFreeInodes atomically applies delta to the free-inode counter.
func (sb *Superblock) AdjustFreeInodes(delta int64) {
	atomic.AddInt64(&sb.freeInodes, delta)
}

// SetFreeBlocks forcibly sets the free-block counter (I1). Neither
// BlockAllocator.Verify nor fsck calls it; both only report the counts.
func (sb *Superblock) SetFreeBlocks(v uint64) {
	atomic.StoreInt64(&sb.freeBlocks, int64(v))
}

// SetFreeInodes forcibly sets the free-inode counter (I2).
func (sb *Superblock) SetFreeInodes(v uint64) {
	atomic.StoreInt64(&sb.freeInodes, int64(v))
}

// VectorsEnabled reports the vectors_enabled feature flag.
func (sb *Superblock) VectorsEnabled() bool {
	return sb.FeatureFlags&FeatureVectorsEnabled != 0
}

// ChecksumsEnabled reports the checksums_enabled feature flag.
func (sb *Superblock) ChecksumsEnabled() bool {
	return sb.FeatureFlags&FeatureChecksumsEnabled != 0
}

// MarkReadOnly flips the session-lifetime read-only latch. The latch is
// only recorded: no operation in this repository checks it, and nothing
// here calls MarkReadOnly when a Corrupt error is observed.
func (sb *Superblock) MarkReadOnly() {
	atomic.StoreInt32(&sb.readOnly, 1)
}

// ReadOnly reports whether MarkReadOnly has been called this session.
func (sb *Superblock) ReadOnly() bool {
	return atomic.LoadInt32(&sb.readOnly) != 0
}

// Geometry reconstructs the Geometry this superblock was formatted with,
// except that the region-size fields (BlockBitmapBlocks,
// InodeBitmapBlocks, InodeTableBlocks) are left zero.
func (sb *Superblock) Geometry() Geometry {
	return Geometry{
		BlockSize:        sb.BlockSize,
		TotalBlocks:      sb.TotalBlocks,
		TotalInodes:      sb.TotalInodes,
		BlockBitmapStart: sb.BlockBitmapStart,
		InodeBitmapStart: sb.InodeBitmapStart,
		InodeTableStart:  sb.InodeTableStart,
		FirstDataBlock:   sb.FirstDataBlock,
	}
}
