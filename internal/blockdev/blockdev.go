// Package blockdev provides the storage substrate every persistent VexFS
// manager reads and writes through. It plays the role that a plain
// io.ReaderAt/io.WriteSeeker plays in squashfs.Reader/squashfs.Writer,
// generalized to a read-write, syncable device so SuperblockMgr,
// BlockAllocator, InodeMgr and DirectoryMgr can all share one seam.
package blockdev

import (
	"io"
	"os"

	"golang.org/x/exp/mmap"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/google/renameio"
	"github.com/orcaman/writerseeker"
)

// Device is the minimal interface the core needs from the backing store.
// A Device deals purely in bytes at arbitrary offsets; block-size framing
// is the caller's concern (internal/superblock owns the geometry).
type Device interface {
	io.ReaderAt
	io.WriterAt
	// Sync flushes any buffered writes so that a subsequent crash cannot
	// lose data already acknowledged by WriteAt.
	Sync() error
	// Size returns the current addressable size of the device in bytes.
	Size() int64
	// Close releases any resources (file descriptors, mappings) held by
	// the device. Devices are not required to support further use after
	// Close.
	Close() error
}

// MemDevice is an in-memory Device, used by tests and by in-memory mounts
// (format-then-use-without-touching-disk workflows). Its contents live in
// a byte slice that grows when a write extends past the end; the
// writerseeker.WriterSeeker it also holds is created but never read or
// written.
type MemDevice struct {
	ws   *writerseeker.WriterSeeker
	data []byte
}

// NewMemDevice returns a Device backed entirely by memory, pre-sized to
// size bytes (zero-filled).
func NewMemDevice(size int64) *MemDevice {
	return &MemDevice{
		ws:   writerseeker.NewWriterSeeker(),
		data: make([]byte, size),
	}
}

func (d *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(d.data)) {
		return 0, xerrors.Errorf("blockdev: ReadAt offset %d out of range (size %d)", off, len(d.data))
	}
	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (d *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(d.data)) {
		grown := make([]byte, end)
		copy(grown, d.data)
		d.data = grown
	}
	return copy(d.data[off:], p), nil
}

func (d *MemDevice) Sync() error { return nil }

func (d *MemDevice) Size() int64 { return int64(len(d.data)) }

func (d *MemDevice) Close() error { return nil }

// Bytes returns the device's current backing storage. Callers must treat
// the result as read-only; it is used to hand a freshly formatted
// in-memory image to WriteFileAtomic.
func (d *MemDevice) Bytes() []byte { return d.data }

// WriteFileAtomic persists data to path atomically: it is written to a
// temporary file in the same directory and renamed into place only once
// the write and an fsync succeed, the same atomic-replace pattern
// internal/install uses when extracting package contents onto disk.
// cmd/vexfsck's format subcommand uses this so a crash mid-format can
// never leave a partially written image at the target path.
func WriteFileAtomic(path string, data []byte) error {
	t, err := renameio.TempFile("", path)
	if err != nil {
		return xerrors.Errorf("blockdev: write_file_atomic: %w", err)
	}
	defer t.Cleanup()
	if _, err := t.Write(data); err != nil {
		return xerrors.Errorf("blockdev: write_file_atomic: %w", err)
	}
	return t.CloseAtomicallyReplace()
}

// FileDevice is a Device backed by a real file on the host filesystem. It
// uses an mmap.ReaderAt for reads (as internal/install does when serving
// package contents out of a mounted squashfs image) and plain WriteAt plus
// unix.Fdatasync for writes, falling back to (*os.File).Sync on platforms
// where Fdatasync is unavailable.
type FileDevice struct {
	f    *os.File
	rd   *mmap.ReaderAt
	size int64
}

// OpenFileDevice opens path (which must already exist, e.g. an image
// written by cmd/vexfsck format) for reading and writing.
func OpenFileDevice(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, xerrors.Errorf("blockdev: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("blockdev: stat %s: %w", path, err)
	}
	rd, err := mmap.Open(path)
	if err != nil {
		// mmap is a read-path optimization; a device that cannot be
		// mapped (e.g. a block special file) still works via f.ReadAt.
		rd = nil
	}
	return &FileDevice{f: f, rd: rd, size: fi.Size()}, nil
}

// CreateFileDevice creates (or truncates) path to size bytes and returns a
// Device backed by it.
func CreateFileDevice(path string, size int64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, xerrors.Errorf("blockdev: create %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, xerrors.Errorf("blockdev: truncate %s: %w", path, err)
	}
	return &FileDevice{f: f, size: size}, nil
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	if d.rd != nil {
		return d.rd.ReadAt(p, off)
	}
	return d.f.ReadAt(p, off)
}

func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	return d.f.WriteAt(p, off)
}

func (d *FileDevice) Sync() error {
	if err := unix.Fdatasync(int(d.f.Fd())); err != nil {
		if err == unix.ENOSYS || err == unix.EINVAL {
			return d.f.Sync()
		}
		return xerrors.Errorf("blockdev: fdatasync: %w", err)
	}
	return nil
}

func (d *FileDevice) Size() int64 { return d.size }

func (d *FileDevice) Close() error {
	if d.rd != nil {
		d.rd.Close()
	}
	return d.f.Close()
}
