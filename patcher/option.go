package patcher

import "github.com/grailbio/npypatch/patchio"

// SourceOpener opens a patchio.Source backed by the file at path, whose
// array data begins headerLen bytes in. Passing one to WithSource lets a
// caller swap out the default FileSource backend.
type SourceOpener func(path string, headerLen int64) (patchio.Source, error)

// Option configures a Patcher at construction time.
type Option func(*options)

type options struct {
	openSource SourceOpener
}

func defaultOptions() options {
	return options{
		openSource: func(path string, headerLen int64) (patchio.Source, error) {
			return patchio.OpenFileSource(path, headerLen)
		},
	}
}

// WithSource overrides the backend a Patcher uses to read patch bytes. The
// default opens a pread-based patchio.FileSource; see WithMappedSource for
// the mmap-based alternative.
func WithSource(opener SourceOpener) Option {
	return func(o *options) { o.openSource = opener }
}
