// Package vexfs implements the VexFS core: a block-backed filesystem that
// stores ordinary files and directories alongside first-class vector
// embeddings, and an in-memory approximate-nearest-neighbor index kept in
// sync with the on-disk vector data.
//
// This file is the top-level façade (the Filesystem handle and the
// control interface of spec.md §6); the on-disk managers live in
// internal/. Kind/Error (errors.go) classify every failure this package
// and its collaborators can return.
package vexfs

import (
	"encoding/binary"
	"errors"
	"math"
	"time"

	"golang.org/x/xerrors"

	"github.com/vexfs/vexfs/internal/alloc"
	"github.com/vexfs/vexfs/internal/blockdev"
	"github.com/vexfs/vexfs/internal/bridge"
	"github.com/vexfs/vexfs/internal/directory"
	"github.com/vexfs/vexfs/internal/fsck"
	"github.com/vexfs/vexfs/internal/hnsw"
	"github.com/vexfs/vexfs/internal/inode"
	"github.com/vexfs/vexfs/internal/superblock"
	"github.com/vexfs/vexfs/internal/vector"
)

// vectorIndex bundles a promoted inode's HNSWIndex with the Bridge that
// keeps it synchronized with VectorExtentMgr (spec.md §4.6/§4.7's pairing
// of one index per vector-object inode).
type vectorIndex struct {
	br  *bridge.Bridge
	idx *hnsw.Index
}

// MountOptions configures Mount and Format beyond the on-disk geometry.
// Metric/Params apply uniformly to every vector-object inode's HNSWIndex:
// spec.md's on-disk format has no per-inode metric field, so this
// implementation treats the distance function as a mount-time, not a
// per-object, choice (an Open Question resolved this way; see DESIGN.md).
type MountOptions struct {
	Metric        hnsw.Metric
	Params        hnsw.Params
	BridgeMode    bridge.Mode
	QueueCapacity int
}

func (o MountOptions) withDefaults() MountOptions {
	if o.Params == (hnsw.Params{}) {
		o.Params = hnsw.DefaultParams()
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 1024
	}
	return o
}

// Filesystem is a single mounted VexFS instance: the live on-disk managers
// plus one in-memory HNSWIndex/Bridge pair per promoted vector inode.
type Filesystem struct {
	dev     blockdev.Device
	sb      *superblock.Superblock
	allocr  *alloc.Allocator
	inodes  *inode.Mgr
	dirs    *directory.Mgr
	vectors *vector.Mgr

	opts MountOptions

	bridges map[uint32]*vectorIndex
}

// Format initializes a fresh VexFS image on dev and returns a mounted
// Filesystem ready to accept operations, mirroring the teacher's
// format-then-mount-in-process workflow for in-memory images (S1, S2, S6).
func Format(dev blockdev.Device, fsOpt superblock.FormatOptions, opt MountOptions) (*Filesystem, error) {
	opt = opt.withDefaults()
	if fsOpt.Now.IsZero() {
		fsOpt.Now = time.Now()
	}

	sb, err := superblock.Format(dev, fsOpt)
	if err != nil {
		return nil, wrap("Filesystem.Format", err)
	}
	a, err := alloc.Bootstrap(dev, sb)
	if err != nil {
		return nil, wrap("Filesystem.Format", err)
	}
	im, err := inode.Bootstrap(dev, sb, fsOpt.Now)
	if err != nil {
		return nil, wrap("Filesystem.Format", err)
	}

	fs := &Filesystem{
		dev:     dev,
		sb:      sb,
		allocr:  a,
		inodes:  im,
		dirs:    directory.New(dev, sb, im),
		vectors: vector.New(dev, sb, im),
		opts:    opt,
		bridges: make(map[uint32]*vectorIndex),
	}
	if err := sb.MarkDirty(dev); err != nil {
		return nil, wrap("Filesystem.Format", err)
	}
	return fs, nil
}

// Mount loads an existing VexFS image from dev. If the image was not
// cleanly unmounted, it runs fsck.Run as a diagnostic pass (spec.md §4.2's
// verify(), exercised by §8's P3) before reconciling every vector-object
// inode's HNSWIndex against its on-disk id-map (spec.md §4.7's crash
// recovery), which happens unconditionally since the index itself never
// survives a restart regardless of how the filesystem was last closed.
func Mount(dev blockdev.Device, opt MountOptions) (*Filesystem, error) {
	opt = opt.withDefaults()

	sb, err := superblock.Load(dev)
	if err != nil {
		return nil, wrap("Filesystem.Mount", err)
	}
	a, err := alloc.Load(dev, sb)
	if err != nil {
		return nil, wrap("Filesystem.Mount", err)
	}
	im, err := inode.Load(dev, sb)
	if err != nil {
		return nil, wrap("Filesystem.Mount", err)
	}

	fs := &Filesystem{
		dev:     dev,
		sb:      sb,
		allocr:  a,
		inodes:  im,
		dirs:    directory.New(dev, sb, im),
		vectors: vector.New(dev, sb, im),
		opts:    opt,
		bridges: make(map[uint32]*vectorIndex),
	}

	if !sb.CleanUnmount() {
		report, err := fsck.Run(sb, a, im)
		if err != nil {
			return nil, wrap("Filesystem.Mount", err)
		}
		// An unclean unmount is expected after a crash; the report is a
		// diagnostic, not itself a mount failure (spec.md §7 reserves
		// Corrupt for checksum/structural failures fsck does not find).
		_ = report
	}

	if err := fs.rebuildAllIndexes(); err != nil {
		return nil, wrap("Filesystem.Mount", err)
	}
	if err := sb.MarkDirty(dev); err != nil {
		return nil, wrap("Filesystem.Mount", err)
	}
	return fs, nil
}

// rebuildAllIndexes scans every live inode and, for each promoted vector
// object, constructs a fresh HNSWIndex/Bridge pair and reconciles it
// against the on-disk id-map.
func (fs *Filesystem) rebuildAllIndexes() error {
	geom := fs.sb.Geometry()
	for n := uint32(1); n <= geom.TotalInodes; n++ {
		ino, err := fs.inodes.Read(n)
		if err != nil {
			return err
		}
		if ino.Mode == 0 || !ino.IsVector() {
			continue
		}
		vi := fs.newVectorIndex()
		if err := vi.br.Reconcile(ino, fs.decodeFor(ino)); err != nil {
			return err
		}
		fs.bridges[n] = vi
	}
	return nil
}

func (fs *Filesystem) newVectorIndex() *vectorIndex {
	idx := hnsw.New(fs.opts.Metric, fs.opts.Params)
	br := bridge.New(fs.opts.BridgeMode, idx, fs.vectors, fs.opts.QueueCapacity)
	return &vectorIndex{br: br, idx: idx}
}

// Sync flushes every pending mutation to dev: the inode table, the block
// bitmap and superblock counters, and (in LAZY bridge mode) every pending
// HNSWIndex update, matching spec.md §5's "a caller requiring visibility
// MUST invoke a flush operation".
func (fs *Filesystem) Sync() error {
	if err := fs.inodes.Flush(); err != nil {
		return wrap("Filesystem.Sync", err)
	}
	if err := fs.allocr.Commit(); err != nil {
		return wrap("Filesystem.Sync", err)
	}
	for _, vi := range fs.bridges {
		if err := vi.br.Flush(); err != nil {
			return wrap("Filesystem.Sync", err)
		}
	}
	return nil
}

// Unmount flushes all pending state, stops every bridge's background
// worker, marks the superblock cleanly unmounted (spec.md §4.1's "this
// MUST be the last persistent write") and closes the device.
func (fs *Filesystem) Unmount() error {
	if err := fs.Sync(); err != nil {
		return err
	}
	for _, vi := range fs.bridges {
		if err := vi.br.Close(); err != nil {
			return wrap("Filesystem.Unmount", err)
		}
	}
	if err := fs.sb.MarkClean(fs.dev); err != nil {
		return wrap("Filesystem.Unmount", err)
	}
	return fs.dev.Close()
}

func now() time.Time { return time.Now() }

// CreateFile creates a regular file named name inside the directory
// parentInode, returning its new inode number.
func (fs *Filesystem) CreateFile(parentInode uint32, name string, mode uint32) (uint32, error) {
	return fs.createChild(parentInode, name, inode.ModeFile|mode, directory.FTRegular, 1)
}

// Mkdir creates a subdirectory named name inside parentInode.
func (fs *Filesystem) Mkdir(parentInode uint32, name string, mode uint32) (uint32, error) {
	return fs.createChild(parentInode, name, inode.ModeDir|mode, directory.FTDirectory, 2)
}

func (fs *Filesystem) createChild(parentInode uint32, name string, mode uint32, ft uint8, nlink uint32) (uint32, error) {
	parent, err := fs.inodes.Read(parentInode)
	if err != nil {
		return 0, wrap("Filesystem.createChild", err)
	}
	if !parent.IsDir() {
		return 0, E("Filesystem.createChild", KindInvalid, xerrors.New("parent is not a directory"))
	}

	n, err := fs.inodes.Alloc(mode)
	if err != nil {
		return 0, wrap("Filesystem.createChild", err)
	}
	t := uint32(now().Unix())
	child := &inode.Inode{Number: n, Mode: mode, Nlink: nlink, Atime: t, Mtime: t, Ctime: t}
	if err := fs.inodes.Write(child); err != nil {
		fs.inodes.Free(n)
		return 0, wrap("Filesystem.createChild", err)
	}

	if err := fs.dirs.Insert(fs.allocr, parent, name, n, ft); err != nil {
		fs.inodes.Free(n)
		zero := &inode.Inode{Number: n}
		fs.inodes.Write(zero)
		return 0, wrap("Filesystem.createChild", err)
	}

	if ft == directory.FTDirectory {
		// A new subdirectory's own ".." entry points back at parent,
		// so parent's link count gains one (spec.md's I4: a
		// directory's link count equals 2 plus one per direct child
		// subdirectory).
		parent.Nlink++
		if err := fs.inodes.Write(parent); err != nil {
			return 0, wrap("Filesystem.createChild", err)
		}
	}
	return n, nil
}

// Unlink removes name from parentInode's directory and frees the child
// inode and its data blocks. VexFS's control interface has no hardlink
// operation, so every regular file has exactly one directory entry and
// Unlink always retires the inode immediately.
func (fs *Filesystem) Unlink(parentInode uint32, name string) error {
	parent, err := fs.inodes.Read(parentInode)
	if err != nil {
		return wrap("Filesystem.Unlink", err)
	}
	childNum, _, err := fs.dirs.Lookup(parent, name)
	if err != nil {
		return wrap("Filesystem.Unlink", err)
	}
	child, err := fs.inodes.Read(childNum)
	if err != nil {
		return wrap("Filesystem.Unlink", err)
	}
	if child.IsDir() {
		return E("Filesystem.Unlink", KindInvalid, xerrors.New("refusing to unlink a directory, use Rmdir"))
	}
	if err := fs.dirs.Remove(parent, name); err != nil {
		return wrap("Filesystem.Unlink", err)
	}
	return fs.retireInode(child)
}

// Rmdir removes an empty subdirectory named name from parentInode.
func (fs *Filesystem) Rmdir(parentInode uint32, name string) error {
	parent, err := fs.inodes.Read(parentInode)
	if err != nil {
		return wrap("Filesystem.Rmdir", err)
	}
	childNum, _, err := fs.dirs.Lookup(parent, name)
	if err != nil {
		return wrap("Filesystem.Rmdir", err)
	}
	child, err := fs.inodes.Read(childNum)
	if err != nil {
		return wrap("Filesystem.Rmdir", err)
	}
	if !child.IsDir() {
		return E("Filesystem.Rmdir", KindInvalid, xerrors.New("not a directory"))
	}
	empty, err := fs.dirs.IsEmpty(child, parentInode)
	if err != nil {
		return wrap("Filesystem.Rmdir", err)
	}
	if !empty {
		return E("Filesystem.Rmdir", KindNotEmpty, nil)
	}
	if err := fs.dirs.Remove(parent, name); err != nil {
		return wrap("Filesystem.Rmdir", err)
	}
	// The removed subdirectory no longer contributes a ".." back-link to
	// parent (spec.md's I4, the mirror of createChild's increment).
	parent.Nlink--
	if err := fs.inodes.Write(parent); err != nil {
		return wrap("Filesystem.Rmdir", err)
	}
	return fs.retireInode(child)
}

// retireInode frees child's data blocks (and its vector bridge, if any)
// and its inode-table slot.
func (fs *Filesystem) retireInode(child *inode.Inode) error {
	if child.IsVector() {
		if vi, ok := fs.bridges[child.Number]; ok {
			vi.br.Close()
			delete(fs.bridges, child.Number)
		}
	}
	extents, err := fs.inodes.Extents(child)
	if err != nil {
		return wrap("Filesystem.retireInode", err)
	}
	if len(extents) > 0 {
		if err := fs.allocr.Free(extents); err != nil {
			return wrap("Filesystem.retireInode", err)
		}
	}
	if err := fs.inodes.Free(child.Number); err != nil {
		return wrap("Filesystem.retireInode", err)
	}
	zero := &inode.Inode{Number: child.Number}
	return fs.inodes.Write(zero)
}

// Lookup resolves name inside parentInode's directory.
func (fs *Filesystem) Lookup(parentInode uint32, name string) (uint32, error) {
	parent, err := fs.inodes.Read(parentInode)
	if err != nil {
		return 0, wrap("Filesystem.Lookup", err)
	}
	n, _, err := fs.dirs.Lookup(parent, name)
	if err != nil {
		return 0, wrap("Filesystem.Lookup", err)
	}
	return n, nil
}

// Read returns up to length bytes from inodeNumber's data starting at
// offset, clipped to the file's current size.
func (fs *Filesystem) Read(inodeNumber uint32, offset int64, length int) ([]byte, error) {
	ino, err := fs.inodes.Read(inodeNumber)
	if err != nil {
		return nil, wrap("Filesystem.Read", err)
	}
	if ino.IsVector() {
		return nil, E("Filesystem.Read", KindInvalid, xerrors.New("use VectorGet for a vector object"))
	}
	if offset < 0 || offset >= int64(ino.Size) {
		return []byte{}, nil
	}
	if offset+int64(length) > int64(ino.Size) {
		length = int(int64(ino.Size) - offset)
	}
	blocks, err := fs.inodes.Extents(ino)
	if err != nil {
		return nil, wrap("Filesystem.Read", err)
	}
	out, err := fs.readBlocks(blocks, offset, length)
	if err != nil {
		return nil, wrap("Filesystem.Read", err)
	}
	return out, nil
}

// Write stores data at offset in inodeNumber's data region, growing the
// file (and allocating blocks) as needed, and returns the number of bytes
// written.
func (fs *Filesystem) Write(inodeNumber uint32, offset int64, data []byte) (int, error) {
	ino, err := fs.inodes.Read(inodeNumber)
	if err != nil {
		return 0, wrap("Filesystem.Write", err)
	}
	if ino.IsVector() {
		return 0, E("Filesystem.Write", KindInvalid, xerrors.New("use VectorAppend for a vector object"))
	}

	bs := int64(fs.sb.Geometry().BlockSize)
	blocks, err := fs.inodes.Extents(ino)
	if err != nil {
		return 0, wrap("Filesystem.Write", err)
	}
	neededBlocks := int((offset + int64(len(data)) + bs - 1) / bs)
	if missing := neededBlocks - len(blocks); missing > 0 {
		newBlocks, err := fs.allocr.Reserve(missing, 0, false)
		if err != nil {
			return 0, wrap("Filesystem.Write", err)
		}
		blocks = append(blocks, newBlocks...)
		if err := fs.inodes.UpdateExtents(fs.allocr, ino, blocks); err != nil {
			return 0, wrap("Filesystem.Write", err)
		}
	}
	if err := fs.writeBlocks(blocks, offset, data); err != nil {
		return 0, wrap("Filesystem.Write", err)
	}
	if end := uint64(offset + int64(len(data))); end > ino.Size {
		ino.Size = end
	}
	ino.Mtime = uint32(now().Unix())
	if err := fs.inodes.Write(ino); err != nil {
		return 0, wrap("Filesystem.Write", err)
	}
	return len(data), nil
}

func (fs *Filesystem) readBlocks(blocks []uint64, offset int64, length int) ([]byte, error) {
	out := make([]byte, length)
	bs := int64(fs.sb.Geometry().BlockSize)
	remaining, pos := length, 0
	for remaining > 0 {
		bi, bo := offset/bs, offset%bs
		if int(bi) >= len(blocks) {
			return nil, xerrors.New("vexfs: read past end of extents")
		}
		n := int(bs - bo)
		if n > remaining {
			n = remaining
		}
		if _, err := fs.dev.ReadAt(out[pos:pos+n], int64(blocks[bi])*bs+bo); err != nil {
			return nil, err
		}
		pos += n
		offset += int64(n)
		remaining -= n
	}
	return out, nil
}

func (fs *Filesystem) writeBlocks(blocks []uint64, offset int64, data []byte) error {
	bs := int64(fs.sb.Geometry().BlockSize)
	remaining, pos := len(data), 0
	for remaining > 0 {
		bi, bo := offset/bs, offset%bs
		if int(bi) >= len(blocks) {
			return xerrors.New("vexfs: write past end of extents")
		}
		n := int(bs - bo)
		if n > remaining {
			n = remaining
		}
		if _, err := fs.dev.WriteAt(data[pos:pos+n], int64(blocks[bi])*bs+bo); err != nil {
			return err
		}
		pos += n
		offset += int64(n)
		remaining -= n
	}
	return nil
}

// VectorPromote turns an existing, empty file inode into a vector object
// with the given descriptor, and attaches a fresh HNSWIndex/Bridge pair.
func (fs *Filesystem) VectorPromote(inodeNumber uint32, dim, elementType, alignment, flags uint32) error {
	ino, err := fs.inodes.Read(inodeNumber)
	if err != nil {
		return wrap("Filesystem.VectorPromote", err)
	}
	if err := fs.vectors.Promote(fs.allocr, ino, dim, elementType, alignment, flags); err != nil {
		return wrap("Filesystem.VectorPromote", err)
	}
	fs.bridges[inodeNumber] = fs.newVectorIndex()
	return nil
}

// VectorAppend appends a batch of vectors/ids to inodeNumber's data and
// inserts them into its HNSWIndex per the configured Bridge mode.
func (fs *Filesystem) VectorAppend(inodeNumber uint32, vectors [][]byte, ids []uint64, flags uint32) error {
	ino, vi, err := fs.vectorState(inodeNumber)
	if err != nil {
		return err
	}
	decoded := make([][]float32, len(vectors))
	for i, raw := range vectors {
		v, err := decodeVector(ino.ElementType, raw)
		if err != nil {
			return wrap("Filesystem.VectorAppend", err)
		}
		decoded[i] = v
	}
	if err := vi.br.BatchAppend(fs.allocr, ino, vectors, ids, decoded, flags); err != nil {
		return wrap("Filesystem.VectorAppend", err)
	}
	return nil
}

// VectorGet returns the stored bytes for id under inodeNumber.
func (fs *Filesystem) VectorGet(inodeNumber uint32, id uint64) ([]byte, error) {
	ino, err := fs.inodes.Read(inodeNumber)
	if err != nil {
		return nil, wrap("Filesystem.VectorGet", err)
	}
	raw, err := fs.vectors.Get(ino, id)
	if err != nil {
		return nil, wrap("Filesystem.VectorGet", err)
	}
	return raw, nil
}

// VectorDelete removes id from inodeNumber's vector data and its
// HNSWIndex.
func (fs *Filesystem) VectorDelete(inodeNumber uint32, id uint64) error {
	ino, vi, err := fs.vectorState(inodeNumber)
	if err != nil {
		return err
	}
	if err := vi.br.Delete(ino, id); err != nil {
		return wrap("Filesystem.VectorDelete", err)
	}
	return nil
}

// VectorSearch runs an approximate k-nearest-neighbor search against
// inodeNumber's HNSWIndex.
func (fs *Filesystem) VectorSearch(inodeNumber uint32, query []float32, k, ef int) ([]hnsw.Result, error) {
	_, vi, err := fs.vectorState(inodeNumber)
	if err != nil {
		return nil, err
	}
	results, err := vi.idx.Search(query, k, ef)
	if err != nil {
		return nil, wrap("Filesystem.VectorSearch", err)
	}
	return results, nil
}

// VectorRebuildIndex discards and reconstructs inodeNumber's HNSWIndex
// from its on-disk id-map (spec.md §4.7's vector_rebuild_index).
func (fs *Filesystem) VectorRebuildIndex(inodeNumber uint32) error {
	ino, vi, err := fs.vectorState(inodeNumber)
	if err != nil {
		return err
	}
	if err := vi.br.Rebuild(ino, fs.decodeFor(ino)); err != nil {
		return wrap("Filesystem.VectorRebuildIndex", err)
	}
	return nil
}

func (fs *Filesystem) vectorState(inodeNumber uint32) (*inode.Inode, *vectorIndex, error) {
	ino, err := fs.inodes.Read(inodeNumber)
	if err != nil {
		return nil, nil, wrap("Filesystem.vectorState", err)
	}
	if !ino.IsVector() {
		return nil, nil, E("Filesystem.vectorState", KindInvalid, vector.ErrNotVector())
	}
	vi, ok := fs.bridges[inodeNumber]
	if !ok {
		return nil, nil, E("Filesystem.vectorState", KindInvalid, xerrors.New("vector inode has no attached index"))
	}
	return ino, vi, nil
}

func (fs *Filesystem) decodeFor(ino *inode.Inode) func([]byte) ([]float32, error) {
	return func(raw []byte) ([]float32, error) { return decodeVector(ino.ElementType, raw) }
}

// decodeVector converts raw on-disk vector bytes into the float32 slice
// HNSWIndex operates on. Only ElementF32 is supported: F16/BF16/I8
// quantized storage is a recognized on-disk format (spec.md §3) but
// decoding them into index-ready vectors is out of scope for this
// implementation (see DESIGN.md).
func decodeVector(elementType uint32, raw []byte) ([]float32, error) {
	if elementType != superblock.ElementF32 {
		return nil, E("decodeVector", KindElementTypeMismatch, xerrors.Errorf("element type %d not supported by the in-memory index", elementType))
	}
	if len(raw)%4 != 0 {
		return nil, E("decodeVector", KindCorrupt, xerrors.New("vector byte length is not a multiple of 4"))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

// EncodeF32 packs a float32 vector into its little-endian on-disk byte
// representation, the counterpart callers use to build the vectorBytes
// arguments to VectorPromote/VectorAppend.
func EncodeF32(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(x))
	}
	return out
}

// wrap classifies a lower-level error into a VexFS *Error, or returns nil
// if err is nil. op names the failing Filesystem method.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return E(op, classify(err), err)
}

// classify maps collaborator sentinel errors onto the Kind taxonomy
// (spec.md §7) via errors.Is/errors.As, which both see through the
// xerrors %w-wrapped chains every collaborator package constructs.
func classify(err error) Kind {
	switch {
	case errors.Is(err, directory.ErrNotFound()), errors.Is(err, vector.ErrIDNotFound()), errors.Is(err, hnsw.ErrNotFound()):
		return KindNotFound
	case errors.Is(err, directory.ErrExists()), errors.Is(err, vector.ErrIDExists()), errors.Is(err, hnsw.ErrExists()):
		return KindExists
	case errors.Is(err, alloc.ErrNoSpace()):
		return KindNoSpace
	case errors.Is(err, alloc.ErrNoContiguousSpace()):
		return KindNoContiguousSpace
	case errors.Is(err, inode.ErrNoInodes()):
		return KindNoInodes
	case errors.Is(err, vector.ErrDimensionMismatch()):
		return KindDimensionMismatch
	case errors.Is(err, vector.ErrAlreadyVector()):
		return KindAlreadyVector
	case errors.Is(err, vector.ErrPromoteNotEmpty()):
		return KindNotEmpty
	case errors.Is(err, vector.ErrNotVector()):
		return KindInvalid
	}
	var badMagic *superblock.BadMagicError
	if errors.As(err, &badMagic) {
		return KindBadMagic
	}
	var unsupported *superblock.UnsupportedVersionError
	if errors.As(err, &unsupported) {
		return KindUnsupportedVersion
	}
	var corrupt *superblock.CorruptError
	if errors.As(err, &corrupt) {
		return KindCorrupt
	}
	var vexErr *Error
	if errors.As(err, &vexErr) {
		return vexErr.Kind
	}
	return KindOther
}
