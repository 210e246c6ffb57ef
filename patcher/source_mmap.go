//go:build linux || darwin

package patcher

import "github.com/grailbio/npypatch/patchio"

// WithMappedSource selects the mmap-based patchio.MappedSource backend
// instead of the default pread-based FileSource. Worthwhile for callers who
// re-read overlapping regions of the same file many times (e.g. scanning
// nearby pnum values in a loop) and are willing to pay the address-space
// cost of mapping the whole file.
func WithMappedSource() Option {
	return WithSource(func(path string, headerLen int64) (patchio.Source, error) {
		return patchio.OpenMappedSource(path, headerLen)
	})
}
