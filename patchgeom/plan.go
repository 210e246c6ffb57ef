// Package patchgeom computes the geometry of one patch extraction: resolved
// padding, patch-grid extents, the multi-index of a linear patch ordinal,
// on-disk/patch byte strides, and the per-axis clip windows needed to read
// the patch's in-bounds bytes. It performs no I/O; every function here is a
// pure function of its inputs, so it is safe to call from multiple
// goroutines even though the patcher package that owns the file handle is
// not.
package patchgeom

import "github.com/pkg/errors"

// Plan is the complete derived geometry for one (shape, pshape, pstride,
// padding, pnum) request, as described in the spec's Data Model (§3).
type Plan struct {
	// N is the spatial rank (len(Shape) - 1).
	N int
	// Shape is the full on-disk shape, axis 0 (leading) first.
	Shape []int64
	// PShape, PStride are the caller's requested patch shape and stride,
	// length N.
	PShape, PStride []int64
	// Padding is the resolved length-2N padding actually applied:
	// (lo_1, hi_1, lo_2, hi_2, ...).
	Padding []int64
	// Grid holds the per-axis patch-grid extents G_i, length N.
	Grid []int64
	// PNum is the linear patch ordinal this plan was computed for.
	PNum int64
	// PNumMulti is the row-major decomposition of PNum into per-axis grid
	// coordinates, length N.
	PNumMulti []int64
	// DataStrides are the on-disk array's byte strides, length N+1.
	DataStrides []int64
	// PatchStrides are the output patch's byte strides (contiguous,
	// row-major over the N spatial axes), length N.
	PatchStrides []int64
	// ShiftLengths is, per spatial axis, the in-bounds run length of this
	// specific patch (ClipHi[i]-ClipLo[i]) expressed in bytes
	// ((ClipHi[i]-ClipLo[i]) * DataStrides[i+1]). For the innermost axis this
	// equals the byte length of each contiguous read the block reader issues.
	// Retained for debug readback; the block reader recomputes offsets
	// geometrically rather than using this incrementally.
	ShiftLengths []int64
	// ElemSize is the per-element byte size E, carried through so
	// StreamStart can be expressed in bytes.
	ElemSize int64
	// StreamStartBase is the file offset of the first array element
	// (immediately after the header).
	StreamStartBase int64
	// StreamStart is the absolute file offset of the first in-bounds
	// element of this patch, for leading-axis index 0. Callers rebase for a
	// specific q by adding q*DataStrides[0].
	StreamStart int64
	// ClipLo, ClipHi are the per-axis in-bounds window
	// [ClipLo[i], ClipHi[i]) of the on-disk array that this patch reads
	// from, in on-disk element coordinates. Equal bounds mean the patch is
	// entirely out of bounds on that axis (all zero).
	ClipLo, ClipHi []int64
	// Start is the per-axis start_i = g_i*pstride_i - lo_i (may be
	// negative), in on-disk element coordinates.
	Start []int64
}

// errInvalid is returned (wrapped with context) for any geometry violation;
// callers map this to their own error taxonomy (patcher.ShapeMismatch /
// PaddingInvalid / PnumOutOfRange as appropriate).
var errInvalid = errors.New("patchgeom: invalid request")

// Compute derives the full Plan for one patch request. shape is the file's
// full on-disk shape (leading axis first); pshape/pstride are the spatial
// patch shape/stride; paddingRequest is either empty (auto-pad) or exactly
// 2*len(pshape) non-negative values; pnum is the linear patch ordinal.
func Compute(shape, pshape, pstride, paddingRequest []int64, pnum int64, elemSize, streamStartBase int64) (Plan, error) {
	n := len(pshape)
	if n == 0 {
		return Plan{}, errors.Wrap(errInvalid, "pshape must be non-empty")
	}
	if len(shape) != n+1 {
		return Plan{}, errors.Wrapf(errInvalid, "shape rank %d must be pshape rank %d + 1", len(shape), n)
	}
	if len(pstride) != n {
		return Plan{}, errors.Wrapf(errInvalid, "pstride length %d must equal pshape length %d", len(pstride), n)
	}
	for i := 0; i < n; i++ {
		if pshape[i] <= 0 {
			return Plan{}, errors.Wrapf(errInvalid, "pshape[%d]=%d must be positive", i, pshape[i])
		}
		if pstride[i] <= 0 {
			return Plan{}, errors.Wrapf(errInvalid, "pstride[%d]=%d must be positive", i, pstride[i])
		}
	}
	if len(paddingRequest) != 0 && len(paddingRequest) != 2*n {
		return Plan{}, errors.Wrapf(errInvalid, "padding_request length %d must be 0 or %d", len(paddingRequest), 2*n)
	}

	padding, err := resolvePadding(shape, pshape, pstride, paddingRequest)
	if err != nil {
		return Plan{}, err
	}

	grid := make([]int64, n)
	for i := 0; i < n; i++ {
		extent := shape[i+1] + padding[2*i] + padding[2*i+1] - pshape[i]
		grid[i] = ceilDiv(extent, pstride[i]) + 1
	}

	total := int64(1)
	for _, g := range grid {
		total *= g
	}
	if pnum < 0 || pnum >= total {
		return Plan{}, errors.Wrapf(errInvalid, "pnum %d out of range [0, %d)", pnum, total)
	}
	multi := decomposeRowMajor(pnum, grid)

	dataStrides := stridesOf(shape, elemSize)
	patchStrides := stridesOf(pshape, elemSize)

	start := make([]int64, n)
	clipLo := make([]int64, n)
	clipHi := make([]int64, n)
	for i := 0; i < n; i++ {
		start[i] = multi[i]*pstride[i] - padding[2*i]
		lo := start[i]
		if lo < 0 {
			lo = 0
		}
		hi := start[i] + pshape[i]
		if hi > shape[i+1] {
			hi = shape[i+1]
		}
		if hi < lo {
			hi = lo
		}
		clipLo[i] = lo
		clipHi[i] = hi
	}

	shifts := make([]int64, n)
	for i := 0; i < n; i++ {
		shifts[i] = (clipHi[i] - clipLo[i]) * dataStrides[i+1]
	}

	streamStart := streamStartBase
	inBounds := true
	for i := 0; i < n; i++ {
		if clipLo[i] >= clipHi[i] {
			inBounds = false
		}
		streamStart += clipLo[i] * dataStrides[i+1]
	}
	if !inBounds {
		// stream_start is only meaningful when the patch has at least one
		// in-bounds element; callers must check ClipLo/ClipHi before using
		// StreamStart to issue a read.
		streamStart = streamStartBase
	}

	return Plan{
		N:               n,
		Shape:           append([]int64(nil), shape...),
		PShape:          append([]int64(nil), pshape...),
		PStride:         append([]int64(nil), pstride...),
		Padding:         padding,
		Grid:            grid,
		PNum:            pnum,
		PNumMulti:       multi,
		DataStrides:     dataStrides,
		PatchStrides:    patchStrides,
		ShiftLengths:    shifts,
		ElemSize:        elemSize,
		StreamStartBase: streamStartBase,
		StreamStart:     streamStart,
		ClipLo:          clipLo,
		ClipHi:          clipHi,
		Start:           start,
	}, nil
}

// resolvePadding implements §4.2's padding resolution rule. An explicit
// padding_request of length 2N, even if every entry is zero, is used
// verbatim ("explicit zero padding" per the spec's Open Question (a)); only
// a zero-length request triggers auto-pad.
func resolvePadding(shape, pshape, pstride, paddingRequest []int64) ([]int64, error) {
	n := len(pshape)
	if len(paddingRequest) == 2*n {
		padding := append([]int64(nil), paddingRequest...)
		for i := 0; i < n; i++ {
			lo, hi := padding[2*i], padding[2*i+1]
			if lo < 0 || hi < 0 {
				return nil, errors.Wrapf(errInvalid, "padding[%d] must be non-negative, got (%d, %d)", i, lo, hi)
			}
			if lo >= pshape[i] || hi >= pshape[i] {
				return nil, errors.Wrapf(errInvalid, "padding on axis %d: (%d, %d) must each be < pshape[%d]=%d", i, lo, hi, i, pshape[i])
			}
		}
		return padding, nil
	}

	padding := make([]int64, 2*n)
	for i := 0; i < n; i++ {
		s := shape[i+1]
		// Minimum (lo, hi) with 0 <= lo, hi < pshape[i] such that
		// s + lo + hi is a multiple of pstride[i] and >= pshape[i],
		// biased low (lo gets the ceiling share, hi the floor share).
		total := int64(0)
		for s+total < pshape[i] || (s+total)%pstride[i] != 0 {
			total++
		}
		// Low-biased: when total is odd, the extra unit of padding goes to
		// the low side first (lo = ceil(total/2), hi = floor(total/2)).
		hi := total / 2
		lo := total - hi
		padding[2*i] = lo
		padding[2*i+1] = hi
	}
	return padding, nil
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// decomposeRowMajor expands a linear ordinal into per-axis coordinates,
// last axis varying fastest.
func decomposeRowMajor(pnum int64, grid []int64) []int64 {
	n := len(grid)
	multi := make([]int64, n)
	rem := pnum
	for i := n - 1; i >= 0; i-- {
		multi[i] = rem % grid[i]
		rem /= grid[i]
	}
	return multi
}

// stridesOf computes byte strides for a row-major array of the given shape:
// strides[k] = elemSize * product(shape[k+1:]).
func stridesOf(shape []int64, elemSize int64) []int64 {
	n := len(shape)
	strides := make([]int64, n)
	acc := elemSize
	for i := n - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}
