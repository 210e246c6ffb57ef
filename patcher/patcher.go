// Package patcher implements the typed, random-access patch-extraction
// facade: given an on-disk N-dimensional array file, a patch shape/stride,
// an optional explicit padding request, a linear patch ordinal, and a list
// of leading-axis indices, it returns the concatenated elements of the
// requested patch for each selected index, substituting zero for any
// out-of-bounds region.
//
// A Patcher is not safe for concurrent use; run one Patcher per goroutine
// to parallelize across patches.
package patcher

import (
	"context"
	"encoding/binary"
	"os"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/npypatch/npyhdr"
	"github.com/grailbio/npypatch/patchgeom"
	"github.com/grailbio/npypatch/patchio"
	"github.com/pkg/errors"
)

// Patcher reads patches of type T out of .npy files whose element type
// matches T. Construct with New or one of the typed constructors
// (NewInt32, NewInt64, NewFloat32, NewFloat64).
type Patcher[T Elem] struct {
	wantKind   npyhdr.Kind
	elemSize   int64
	openSource SourceOpener

	path   string
	src    patchio.Source
	header npyhdr.Header
	order  binary.ByteOrder

	plan    patchgeom.Plan
	firstQ  int64 // qidx[0] of the last resolved call, for the StreamStart accessor's q-rebase
}

// New constructs a Patcher for element type T. T must be one of the four
// types in the Elem constraint; this is enforced at compile time. By
// default the Patcher reads through a pread-based patchio.FileSource; pass
// WithSource (or WithMappedSource) to use a different backend.
func New[T Elem](opts ...Option) *Patcher[T] {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Patcher[T]{
		wantKind:   kindOf[T](),
		elemSize:   elemSize[T](),
		openSource: o.openSource,
	}
}

// NewInt32 constructs a Patcher[int32].
func NewInt32(opts ...Option) *Patcher[int32] { return New[int32](opts...) }

// NewInt64 constructs a Patcher[int64].
func NewInt64(opts ...Option) *Patcher[int64] { return New[int64](opts...) }

// NewFloat32 constructs a Patcher[float32].
func NewFloat32(opts ...Option) *Patcher[float32] { return New[float32](opts...) }

// NewFloat64 constructs a Patcher[float64].
func NewFloat64(opts ...Option) *Patcher[float64] { return New[float64](opts...) }

// Close releases the currently open file handle, if any.
func (p *Patcher[T]) Close() error {
	if p.src == nil {
		return nil
	}
	err := p.src.Close()
	p.src = nil
	p.path = ""
	return err
}

// GetPatch reads one patch from fpath for every index in qidx, in the order
// given, and returns the concatenated elements as a single []T of length
// len(qidx) * product(pshape).
func (p *Patcher[T]) GetPatch(ctx context.Context, fpath string, qidx []int64, pshape, pstride, paddingRequest []int64, pnum int64) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapError(FileAccess, "context cancelled before read", err)
	}

	plan, err := p.resolve(fpath, qidx, pshape, pstride, paddingRequest, pnum)
	if err != nil {
		return nil, err
	}

	patchBytes := p.elemSize
	for _, s := range pshape {
		patchBytes *= s
	}
	buf := make([]byte, int64(len(qidx))*patchBytes)
	for i, q := range qidx {
		leadingOffset := p.header.StreamStartBase + q*plan.DataStrides[0]
		dst := buf[int64(i)*patchBytes : int64(i+1)*patchBytes]
		if err := patchio.ReadPatch(p.src, leadingOffset, plan, dst); err != nil {
			return nil, wrapError(FileAccess, "reading patch bytes", err)
		}
	}

	out := make([]T, int64(len(qidx))*patchElemCount(pshape))
	decodeInto(buf, p.order, out)

	p.plan = plan
	if len(qidx) > 0 {
		p.firstQ = qidx[0]
	}
	return out, nil
}

// DebugVars runs the geometry planner for the given arguments and caches the
// result for the accessor methods below, without performing any I/O.
func (p *Patcher[T]) DebugVars(ctx context.Context, fpath string, qidx []int64, pshape, pstride, paddingRequest []int64, pnum int64) error {
	if err := ctx.Err(); err != nil {
		return wrapError(FileAccess, "context cancelled before planning", err)
	}
	plan, err := p.resolve(fpath, qidx, pshape, pstride, paddingRequest, pnum)
	if err != nil {
		return err
	}
	p.plan = plan
	if len(qidx) > 0 {
		p.firstQ = qidx[0]
	}
	return nil
}

// resolve opens fpath (if it differs from the currently cached path),
// validates qidx/pshape/pstride/paddingRequest/pnum against the header, and
// computes the geometry plan. On any error the currently cached plan is left
// untouched.
func (p *Patcher[T]) resolve(fpath string, qidx []int64, pshape, pstride, paddingRequest []int64, pnum int64) (patchgeom.Plan, error) {
	if p.src == nil || p.path != fpath {
		if err := p.open(fpath); err != nil {
			return patchgeom.Plan{}, err
		}
	}

	n := p.header.Shape[0]
	for _, q := range qidx {
		if q < 0 || q >= n {
			return patchgeom.Plan{}, newError(QidxOutOfRange, errors.Errorf("qidx %d out of range [0, %d)", q, n).Error())
		}
	}

	plan, err := patchgeom.Compute(p.header.Shape, pshape, pstride, paddingRequest, pnum, p.elemSize, p.header.StreamStartBase)
	if err != nil {
		return patchgeom.Plan{}, classifyGeomError(err)
	}
	return plan, nil
}

func (p *Patcher[T]) open(fpath string) error {
	if p.src != nil {
		log.Debug.Printf("patcher: switching file %s -> %s, closing previous handle", p.path, fpath)
		if err := p.src.Close(); err != nil {
			log.Error.Printf("patcher: error closing previous file %s: %v", p.path, err)
		}
		p.src = nil
		p.path = ""
	}

	header, err := parseHeader(fpath, p.wantKind)
	if err != nil {
		return err
	}

	src, err := p.openSource(fpath, header.StreamStartBase)
	if err != nil {
		return wrapError(FileAccess, "open "+fpath, err)
	}

	p.src = src
	p.path = fpath
	p.header = header
	p.order = byteOrderOf(header.ByteOrder)
	return nil
}

// parseHeader opens fpath just long enough to read and validate its .npy
// header against wantKind, then closes it; the caller reopens through the
// Patcher's configured SourceOpener for the actual patch reads.
func parseHeader(fpath string, wantKind npyhdr.Kind) (npyhdr.Header, error) {
	f, err := os.Open(fpath)
	if err != nil {
		return npyhdr.Header{}, wrapError(FileAccess, "open "+fpath, err)
	}
	defer f.Close()

	header, err := npyhdr.Parse(f, wantKind)
	if err != nil {
		if strings.Contains(err.Error(), "does not match requested type") {
			return npyhdr.Header{}, wrapError(TypeMismatch, "parse header of "+fpath, err)
		}
		return npyhdr.Header{}, wrapError(HeaderInvalid, "parse header of "+fpath, err)
	}
	return header, nil
}

func byteOrderOf(o npyhdr.ByteOrder) binary.ByteOrder {
	if o == npyhdr.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func patchElemCount(pshape []int64) int64 {
	n := int64(1)
	for _, s := range pshape {
		n *= s
	}
	return n
}

// classifyGeomError maps a patchgeom error into the patcher error taxonomy.
// patchgeom reports every failure as a single sentinel-wrapped error; the
// message text distinguishes which invariant was violated, since patchgeom
// itself has no dependency on patcher's Kind enum.
func classifyGeomError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "pnum"):
		return wrapError(PnumOutOfRange, "pnum validation", err)
	case strings.Contains(msg, "padding_request length"):
		// Wrong-length padding_request is a shape-of-arguments problem, not
		// an out-of-range padding value.
		return wrapError(ShapeMismatch, "padding_request length validation", err)
	case strings.Contains(msg, "padding"):
		return wrapError(PaddingInvalid, "padding validation", err)
	default:
		return wrapError(ShapeMismatch, "shape/pstride validation", err)
	}
}
