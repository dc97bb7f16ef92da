// Package directory implements DirectoryMgr (spec.md §4.4): variable-length
// record directories stored as plain data blocks owned by a directory
// inode, with an iterator that synthesizes "." and ".." so traversal never
// depends on a host name cache (spec.md §9's rationale).
package directory

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/vexfs/vexfs/internal/alloc"
	"github.com/vexfs/vexfs/internal/blockdev"
	"github.com/vexfs/vexfs/internal/inode"
	"github.com/vexfs/vexfs/internal/superblock"
)

// NameMax is the longest permitted entry name.
const NameMax = 255

// recordHeaderSize is the fixed part of a directory record: inode(32) +
// rec_len(16) + name_len(8) + file_type(8), per spec.md §6.
const recordHeaderSize = 4 + 2 + 1 + 1

// File type tags stored in a directory record's file_type field.
const (
	FTRegular uint8 = 1 + iota
	FTDirectory
	FTSymlink
)

func align4(n int) int { return (n + 3) &^ 3 }

func requiredLen(nameLen int) int { return align4(recordHeaderSize + nameLen) }

// Entry is one resolved directory entry, as returned by Iterate and
// Lookup's callers.
type Entry struct {
	Name     string
	Inode    uint32
	FileType uint8
}

// Cursor is the opaque iteration position used by Iterate. The zero value
// starts iteration from the beginning.
type Cursor struct {
	stage  int // 0: emit ".", 1: emit "..", 2: walking real records
	block  int
	offset int
}

// ErrEndOfDirectory is returned by Iterate once every entry (including
// the synthesized "." and "..") has been produced.
var ErrEndOfDirectory = xerrors.New("directory: end of directory")

var (
	errNotFound = xerrors.New("directory: not found")
	errExists   = xerrors.New("directory: entry already exists")
)

// ErrNotFound and ErrExists let callers use errors.Is against Lookup's
// and Insert's/Remove's failure sentinels.
func ErrNotFound() error { return errNotFound }
func ErrExists() error   { return errExists }

// Mgr is the live DirectoryMgr.
type Mgr struct {
	dev   blockdev.Device
	sb    *superblock.Superblock
	geom  superblock.Geometry
	inode *inode.Mgr
}

// New constructs a DirectoryMgr sharing dev/sb/InodeMgr with the rest of
// the mounted filesystem.
func New(dev blockdev.Device, sb *superblock.Superblock, im *inode.Mgr) *Mgr {
	return &Mgr{dev: dev, sb: sb, geom: sb.Geometry(), inode: im}
}

// InitDir is a no-op: a freshly created directory inode has no extents,
// and "." / ".." are always synthesized by Iterate (spec.md §4.4, §9).
// It exists so callers have a single, explicitly named place documenting
// that contract instead of relying on zero-value behavior silently.
func (m *Mgr) InitDir(dirInode *inode.Inode) error {
	return nil
}

type record struct {
	inode    uint32
	recLen   uint16
	nameLen  uint8
	fileType uint8
	name     string
	offset   int // byte offset within the block
}

func decodeBlock(buf []byte) []record {
	var recs []record
	off := 0
	for off+recordHeaderSize <= len(buf) {
		recLen := binary.LittleEndian.Uint16(buf[off+4:])
		if recLen == 0 {
			break
		}
		r := record{
			inode:    binary.LittleEndian.Uint32(buf[off:]),
			recLen:   recLen,
			nameLen:  buf[off+6],
			fileType: buf[off+7],
			offset:   off,
		}
		nameEnd := off + recordHeaderSize + int(r.nameLen)
		if nameEnd > len(buf) {
			break
		}
		r.name = string(buf[off+recordHeaderSize : nameEnd])
		recs = append(recs, r)
		off += int(recLen)
	}
	return recs
}

func encodeBlock(recs []record, blockSize int) []byte {
	buf := make([]byte, blockSize)
	for _, r := range recs {
		off := r.offset
		binary.LittleEndian.PutUint32(buf[off:], r.inode)
		binary.LittleEndian.PutUint16(buf[off+4:], r.recLen)
		buf[off+6] = r.nameLen
		buf[off+7] = r.fileType
		copy(buf[off+recordHeaderSize:], r.name)
	}
	return buf
}

func (m *Mgr) readBlock(blockNum uint64) ([]byte, error) {
	buf := make([]byte, m.geom.BlockSize)
	if _, err := m.dev.ReadAt(buf, int64(blockNum)*int64(m.geom.BlockSize)); err != nil {
		return nil, xerrors.Errorf("directory: reading block %d: %w", blockNum, err)
	}
	return buf, nil
}

func (m *Mgr) writeBlock(blockNum uint64, buf []byte) error {
	if _, err := m.dev.WriteAt(buf, int64(blockNum)*int64(m.geom.BlockSize)); err != nil {
		return xerrors.Errorf("directory: writing block %d: %w", blockNum, err)
	}
	return nil
}

func validName(name string) error {
	if len(name) == 0 {
		return xerrors.New("directory: empty name")
	}
	if len(name) > NameMax {
		return xerrors.New("directory: name too long")
	}
	return nil
}

// Lookup performs a linear scan of dirInode's directory blocks for name,
// respecting tombstones.
func (m *Mgr) Lookup(dirInode *inode.Inode, name string) (uint32, uint8, error) {
	if err := validName(name); err != nil {
		return 0, 0, err
	}
	unlock := m.inode.RLock(dirInode.Number)
	defer unlock()

	blocks, err := m.inode.Extents(dirInode)
	if err != nil {
		return 0, 0, err
	}
	for _, blk := range blocks {
		buf, err := m.readBlock(blk)
		if err != nil {
			return 0, 0, err
		}
		for _, r := range decodeBlock(buf) {
			if r.inode == 0 {
				continue // tombstone
			}
			if r.name == "." || r.name == ".." {
				continue // tolerate on-disk images that stored these (spec.md §9)
			}
			if r.name == name {
				return r.inode, r.fileType, nil
			}
		}
	}
	return 0, 0, errNotFound
}

// Insert appends a new directory entry. It fails if name already exists.
func (m *Mgr) Insert(a *alloc.Allocator, dirInode *inode.Inode, name string, childInode uint32, fileType uint8) error {
	if err := validName(name); err != nil {
		return err
	}
	unlock := m.inode.Lock(dirInode.Number)
	defer unlock()

	blocks, err := m.inode.Extents(dirInode)
	if err != nil {
		return err
	}
	need := requiredLen(len(name))

	for _, blk := range blocks {
		buf, err := m.readBlock(blk)
		if err != nil {
			return err
		}
		recs := decodeBlock(buf)
		for _, r := range recs {
			if r.inode != 0 && r.name == name {
				return errExists
			}
		}
		if ok, newRecs := tryInsert(recs, need, int(m.geom.BlockSize)); ok {
			newRecs = placeEntry(newRecs, childInode, name, fileType, need)
			if err := m.writeBlock(blk, encodeBlock(newRecs, int(m.geom.BlockSize))); err != nil {
				return err
			}
			return nil
		}
	}

	// No existing block has room: allocate a new one.
	newBlk, err := a.Reserve(1, 0, false)
	if err != nil {
		return err
	}
	recs := []record{{inode: childInode, recLen: uint16(need), nameLen: uint8(len(name)), fileType: fileType, name: name, offset: 0}}
	if err := m.writeBlock(newBlk[0], encodeBlock(recs, int(m.geom.BlockSize))); err != nil {
		return err
	}
	blocks = append(blocks, newBlk[0])
	if err := m.inode.UpdateExtents(a, dirInode, blocks); err != nil {
		return err
	}
	return m.inode.Write(dirInode)
}

// tryInsert reports whether an existing block (already decoded into recs)
// has a slot of at least need bytes, either a tombstone big enough to
// reuse/split or trailing free space after the last record. It does not
// mutate recs; placeEntry performs the actual splice once a slot is
// confirmed.
func tryInsert(recs []record, need int, blockSize int) (bool, []record) {
	for _, r := range recs {
		if r.inode == 0 && int(r.recLen) >= need {
			return true, recs
		}
	}
	tail := blockSize
	if len(recs) > 0 {
		last := recs[len(recs)-1]
		tail = blockSize - (last.offset + int(last.recLen))
	}
	if tail-recordHeaderSize >= need {
		return true, recs
	}
	return false, recs
}

// placeEntry performs the actual insertion chosen by tryInsert: reuse or
// split a tombstone, or append into trailing free space.
func placeEntry(recs []record, childInode uint32, name string, fileType uint8, need int) []record {
	for i, r := range recs {
		if r.inode != 0 || int(r.recLen) < need {
			continue
		}
		leftover := int(r.recLen) - need
		if leftover >= recordHeaderSize {
			newEntry := record{inode: childInode, recLen: uint16(need), nameLen: uint8(len(name)), fileType: fileType, name: name, offset: r.offset}
			tomb := record{inode: 0, recLen: uint16(leftover), nameLen: 0, fileType: 0, name: "", offset: r.offset + need}
			out := make([]record, 0, len(recs)+1)
			out = append(out, recs[:i]...)
			out = append(out, newEntry, tomb)
			out = append(out, recs[i+1:]...)
			return out
		}
		// Reuse the whole tombstone span, carrying its slack.
		recs[i] = record{inode: childInode, recLen: r.recLen, nameLen: uint8(len(name)), fileType: fileType, name: name, offset: r.offset}
		return recs
	}
	off := 0
	if len(recs) > 0 {
		last := recs[len(recs)-1]
		off = last.offset + int(last.recLen)
	}
	return append(recs, record{inode: childInode, recLen: uint16(need), nameLen: uint8(len(name)), fileType: fileType, name: name, offset: off})
}

// Remove tombstones the record matching name: its inode field is set to
// 0, and the record never changes offset (spec.md §4.4). Tombstones that
// directly follow it are merged into it; a tombstone directly before it
// is left separate.
func (m *Mgr) Remove(dirInode *inode.Inode, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	unlock := m.inode.Lock(dirInode.Number)
	defer unlock()

	blocks, err := m.inode.Extents(dirInode)
	if err != nil {
		return err
	}
	for _, blk := range blocks {
		buf, err := m.readBlock(blk)
		if err != nil {
			return err
		}
		recs := decodeBlock(buf)
		for i, r := range recs {
			if r.inode == 0 || r.name != name {
				continue
			}
			recs[i].inode = 0
			recs[i].nameLen = 0
			recs[i].fileType = 0
			recs[i].name = ""
			recs = coalesceTombstones(recs, i)
			return m.writeBlock(blk, encodeBlock(recs, int(m.geom.BlockSize)))
		}
	}
	return errNotFound
}

// coalesceTombstones absorbs the record immediately following recs[i] into
// it if that record is also a tombstone, dropping it from the slice so
// decodeBlock never has to special-case adjacent tombstones.
func coalesceTombstones(recs []record, i int) []record {
	for i+1 < len(recs) && recs[i+1].inode == 0 {
		recs[i].recLen += recs[i+1].recLen
		recs = append(recs[:i+1], recs[i+2:]...)
	}
	return recs
}

// IsEmpty reports whether dirInode's directory contains only "." and "..".
func (m *Mgr) IsEmpty(dirInode *inode.Inode, parentInode uint32) (bool, error) {
	c := Cursor{}
	for {
		e, next, err := m.Iterate(dirInode, parentInode, c)
		if err == ErrEndOfDirectory {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if e.Name != "." && e.Name != ".." {
			return false, nil
		}
		c = next
	}
}

// Iterate returns the entry at cursor and the cursor for the next call.
// It synthesizes "." (position 0) and ".." (position 1) regardless of
// on-disk contents, then walks real records, skipping tombstones and any
// on-disk "." / ".." entries (spec.md §4.4, §9).
func (m *Mgr) Iterate(dirInode *inode.Inode, parentInode uint32, cursor Cursor) (Entry, Cursor, error) {
	switch cursor.stage {
	case 0:
		return Entry{Name: ".", Inode: dirInode.Number, FileType: FTDirectory}, Cursor{stage: 1}, nil
	case 1:
		return Entry{Name: "..", Inode: parentInode, FileType: FTDirectory}, Cursor{stage: 2}, nil
	}

	unlock := m.inode.RLock(dirInode.Number)
	blocks, err := m.inode.Extents(dirInode)
	unlock()
	if err != nil {
		return Entry{}, cursor, err
	}

	block, offset := cursor.block, cursor.offset
	for block < len(blocks) {
		unlock := m.inode.RLock(dirInode.Number)
		buf, err := m.readBlock(blocks[block])
		unlock()
		if err != nil {
			return Entry{}, cursor, err
		}
		recs := decodeBlock(buf)
		for _, r := range recs {
			if r.offset < offset {
				continue
			}
			next := Cursor{stage: 2, block: block, offset: r.offset + int(r.recLen)}
			if r.inode == 0 || r.name == "." || r.name == ".." {
				offset = r.offset + int(r.recLen)
				continue
			}
			return Entry{Name: r.name, Inode: r.inode, FileType: r.fileType}, next, nil
		}
		block++
		offset = 0
	}
	return Entry{}, cursor, ErrEndOfDirectory
}
