// Package patchio reads the raw bytes of one patch out of an open array
// file: a recursive descent over the spatial axes that issues one contiguous
// positioned read per in-bounds row, plus the two backends (pread-based and
// mmap-based) that supply those reads.
package patchio

import (
	"io"
	"os"

	"github.com/grailbio/base/log"
	"github.com/pkg/errors"
)

// Source is the positioned-read backend ReadPatch pulls bytes from. Both
// FileSource and MappedSource implement it.
type Source interface {
	io.ReaderAt
	// Size returns the total byte length of the array data region (i.e. the
	// file length minus the header). ReadPatch checks every computed read
	// against it before calling ReadAt, so a truncated or corrupt file fails
	// with a clean patchio error rather than an OS-level short read.
	Size() int64
	Close() error
}

// FileSource is a Source backed by a plain *os.File, reading with ReadAt
// (pread(2)) so that concurrent patch reads against the same handle need no
// external locking or seek-state tracking.
type FileSource struct {
	f    *os.File
	size int64
}

// OpenFileSource opens path and reports its data-region size as the file's
// total length minus headerLen.
func OpenFileSource(path string, headerLen int64) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "patchio: open")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "patchio: stat")
	}
	return &FileSource{f: f, size: info.Size() - headerLen}, nil
}

// ReadAt implements io.ReaderAt. off is an absolute file offset (already
// inclusive of the header length).
func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.f.ReadAt(p, off)
}

// Size implements Source.
func (s *FileSource) Size() int64 { return s.size }

// Close implements Source.
func (s *FileSource) Close() error {
	log.Debug.Printf("patchio: closing file source %s", s.f.Name())
	return s.f.Close()
}
