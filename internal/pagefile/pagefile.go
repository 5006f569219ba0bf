// Package pagefile owns the on-disk file set (spec §6): one data file
// per size class (so each class grows independently by simple append
// rather than splicing regions within one concatenated file), plus the
// tear-safe two-slot metadata file (metadata.go) and helpers shared with
// internal/wal's segment files.
//
// Page data files, the metadata file, and WAL segments all go through
// github.com/cockroachdb/pebble/vfs, the same as internal/wal — so a
// test exercising vfs.NewMem() against an Engine genuinely keeps every
// durable write off the real filesystem, not just the WAL and metadata.
// See sync_unix.go / sync_other.go for the durable-sync split, which
// falls back to the vfs.File's own Sync when the concrete file isn't a
// real *os.File (i.e. under an in-memory FS).
package pagefile

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/dbcore/pagestore/internal/dberrors"
)

const dataFilePrefix = "data.class"

// Set is the open per-size-class data file handles for one database
// directory.
type Set struct {
	fs  vfs.FS
	dir string

	mu         sync.Mutex
	classFiles []vfs.File
	classSizes []int
}

// Open opens (creating as needed) the data directory's per-class data
// files against fs.
func Open(fs vfs.FS, dir string, sizeClasses []int) (*Set, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, dberrors.Wrap(dberrors.ErrOutOfSpace, err)
	}
	s := &Set{fs: fs, dir: dir}
	for class, sz := range sizeClasses {
		path := s.classPath(class)
		f, err := openOrCreate(fs, path)
		if err != nil {
			s.Close()
			return nil, dberrors.Wrap(dberrors.ErrOutOfSpace, err)
		}
		s.classFiles = append(s.classFiles, f)
		s.classSizes = append(s.classSizes, sz)
	}
	return s, nil
}

// openOrCreate mirrors internal/wal's openOrCreateSegment: vfs.FS has no
// combined O_RDWR|O_CREATE call, so an existing class file is opened as
// is and a missing one is created from scratch.
func openOrCreate(fs vfs.FS, path string) (vfs.File, error) {
	if f, err := fs.Open(path); err == nil {
		return f, nil
	}
	return fs.Create(path)
}

func (s *Set) classPath(class int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%d.dat", dataFilePrefix, class))
}

// ReadPage reads the page at slot index `slot` of the given class into
// buf (len(buf) must equal the class's page size). A slot at or past the
// end of the file, never written, reads back as an all-zero page.
func (s *Set) ReadPage(class int, slot uint64, buf []byte) error {
	s.mu.Lock()
	f := s.classFiles[class]
	sz := s.classSizes[class]
	s.mu.Unlock()

	off := int64(slot) * int64(sz)
	n, err := f.ReadAt(buf, off)
	if err == io.EOF && n == 0 {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	if err != nil && n != len(buf) {
		return dberrors.Wrap(dberrors.ErrCorruption, err)
	}
	return nil
}

// WritePage issues a single positioned write of buf (len(buf) must
// equal the class's page size) at slot index `slot`, extending the file
// if slot is beyond its current size (spec §4.2: "a single aligned
// write equal to the page size").
func (s *Set) WritePage(class int, slot uint64, buf []byte) error {
	s.mu.Lock()
	f := s.classFiles[class]
	sz := s.classSizes[class]
	s.mu.Unlock()

	off := int64(slot) * int64(sz)
	if _, err := f.WriteAt(buf, off); err != nil {
		return dberrors.Wrap(dberrors.ErrOutOfSpace, err)
	}
	return nil
}

// SyncClass durably syncs the data file backing one size class.
func (s *Set) SyncClass(class int) error {
	s.mu.Lock()
	f := s.classFiles[class]
	s.mu.Unlock()
	return dberrors.Wrap(dberrors.ErrOutOfSpace, durableSync(f))
}

// PageCount returns the current size, in pages, of one class's file.
func (s *Set) PageCount(class int) (uint64, error) {
	s.mu.Lock()
	f := s.classFiles[class]
	sz := s.classSizes[class]
	s.mu.Unlock()
	info, err := f.Stat()
	if err != nil {
		return 0, dberrors.Wrap(dberrors.ErrCorruption, err)
	}
	return uint64(info.Size()) / uint64(sz), nil
}

func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range s.classFiles {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Set) Dir() string { return s.dir }
