//go:build linux || darwin

package patchio

import (
	"os"

	"github.com/grailbio/base/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MappedSource is a Source backed by a read-only mmap of the whole file.
// It trades the per-call syscall overhead of FileSource's ReadAt for page
// faults on first touch, which pays off for patchers that re-read
// overlapping regions of the same file many times (e.g. scanning nearby
// pnum values in a loop).
type MappedSource struct {
	f    *os.File
	data []byte
	base int64 // offset of the array data region within data (the header length)
}

// OpenMappedSource mmaps path read-only and advises the kernel the whole
// mapping will be read randomly, since patch access does not follow file
// order.
func OpenMappedSource(path string, headerLen int64) (*MappedSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "patchio: open")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "patchio: stat")
	}
	size := info.Size()
	if size == 0 {
		f.Close()
		return nil, errors.New("patchio: cannot map empty file")
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "patchio: mmap")
	}
	if err := unix.Madvise(data, unix.MADV_RANDOM); err != nil {
		log.Error.Printf("patchio: madvise MADV_RANDOM failed (continuing): %v", err)
	}
	return &MappedSource{f: f, data: data, base: headerLen}, nil
}

// ReadAt implements io.ReaderAt. off is an absolute file offset (already
// inclusive of the header length).
func (s *MappedSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(s.data)) {
		return 0, errors.Errorf("patchio: offset %d out of range [0, %d)", off, len(s.data))
	}
	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, errors.Errorf("patchio: short read at offset %d: got %d of %d bytes", off, n, len(p))
	}
	return n, nil
}

// Size implements Source.
func (s *MappedSource) Size() int64 { return int64(len(s.data)) - s.base }

// Close implements Source.
func (s *MappedSource) Close() error {
	log.Debug.Printf("patchio: unmapping file source %s", s.f.Name())
	if err := unix.Munmap(s.data); err != nil {
		s.f.Close()
		return errors.Wrap(err, "patchio: munmap")
	}
	return s.f.Close()
}
