package patcher

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeNpy synthesizes a well-formed little-endian .npy file at path with
// the given element descriptor (e.g. "<f8") and shape, and row-major element
// bytes supplied by elems (already encoded). Only used to build test
// fixtures; this package does not itself write .npy files.
func writeNpy(t *testing.T, path, descr string, shape []int64, elems []byte) {
	t.Helper()
	shapeParts := make([]string, len(shape))
	for i, s := range shape {
		shapeParts[i] = fmt.Sprintf("%d", s)
	}
	shapeStr := ""
	for i, s := range shapeParts {
		if i > 0 {
			shapeStr += ", "
		}
		shapeStr += s
	}
	if len(shape) == 1 {
		shapeStr += ","
	}
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", descr, shapeStr)

	const lenFieldSize = 2
	const alignment = 64
	total := 8 + lenFieldSize + len(dict) + 1
	pad := 0
	if rem := total % alignment; rem != 0 {
		pad = alignment - rem
	}
	for i := 0; i < pad; i++ {
		dict += " "
	}
	dict += "\n"

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte{0x93, 'N', 'U', 'M', 'P', 'Y', 1, 0})
	require.NoError(t, err)
	require.NoError(t, binary.Write(f, binary.LittleEndian, uint16(len(dict))))
	_, err = f.WriteString(dict)
	require.NoError(t, err)
	_, err = f.Write(elems)
	require.NoError(t, err)
}

// writeNpyHeaderOnly synthesizes a well-formed .npy header for shape/descr
// and truncates the file to its full declared size, without writing actual
// element bytes. Used only for geometry-accessor tests that never read patch
// data (DebugVars performs no I/O), so a large shape can be exercised without
// materializing megabytes of fixture content.
func writeNpyHeaderOnly(t *testing.T, path, descr string, shape []int64, elemSize int64) {
	t.Helper()
	shapeParts := make([]string, len(shape))
	for i, s := range shape {
		shapeParts[i] = fmt.Sprintf("%d", s)
	}
	shapeStr := ""
	for i, s := range shapeParts {
		if i > 0 {
			shapeStr += ", "
		}
		shapeStr += s
	}
	if len(shape) == 1 {
		shapeStr += ","
	}
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", descr, shapeStr)

	const lenFieldSize = 2
	const alignment = 64
	total := 8 + lenFieldSize + len(dict) + 1
	pad := 0
	if rem := total % alignment; rem != 0 {
		pad = alignment - rem
	}
	for i := 0; i < pad; i++ {
		dict += " "
	}
	dict += "\n"

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte{0x93, 'N', 'U', 'M', 'P', 'Y', 1, 0})
	require.NoError(t, err)
	require.NoError(t, binary.Write(f, binary.LittleEndian, uint16(len(dict))))
	_, err = f.WriteString(dict)
	require.NoError(t, err)

	headerLen := int64(8 + lenFieldSize + len(dict))
	elemCount := int64(1)
	for _, s := range shape {
		elemCount *= s
	}
	require.NoError(t, f.Truncate(headerLen+elemCount*elemSize))
}

func float64Bytes(vs ...float64) []byte {
	buf := make([]byte, 8*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

func float32Bytes(vs ...float32) []byte {
	buf := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func int32Bytes(vs ...int32) []byte {
	buf := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	}
	return buf
}

func arangeFloat64(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}

// TestGetPatchExactTiling reproduces S1: a patch exactly matching the
// array's spatial shape returns the array unchanged, with no padding.
func TestGetPatchExactTiling(t *testing.T) {
	path := filepath.Join(t.TempDir(), "one.npy")
	writeNpy(t, path, "<f8", []int64{1, 3, 3}, float64Bytes(arangeFloat64(9)...))

	p := NewFloat64()
	defer p.Close()

	got, err := p.GetPatch(context.Background(), path, []int64{0}, []int64{3, 3}, []int64{3, 3}, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, arangeFloat64(9), got)

	require.NoError(t, p.DebugVars(context.Background(), path, []int64{0}, []int64{3, 3}, []int64{3, 3}, nil, 0))
	assert.Equal(t, []int64{0, 0, 0, 0}, p.Padding())
}

// TestGetPatchAutoPadEdge reproduces S2's shape: a 3x3 patch tiled with
// stride 3 against a 5x5 on-disk array needs one unit of low-biased auto-pad
// per axis, and pnum 1 selects a patch that straddles the low edge of the
// row axis while sitting entirely in-bounds on the column axis.
func TestGetPatchAutoPadEdge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "two.npy")
	writeNpy(t, path, "<f4", []int64{1, 5, 5}, float32Bytes(
		0, 1, 2, 3, 4,
		5, 6, 7, 8, 9,
		10, 11, 12, 13, 14,
		15, 16, 17, 18, 19,
		20, 21, 22, 23, 24,
	))

	p := NewFloat32()
	defer p.Close()

	got, err := p.GetPatch(context.Background(), path, []int64{0}, []int64{3, 3}, []int64{3, 3}, nil, 1)
	require.NoError(t, err)
	want := []float32{
		0, 0, 0,
		2, 3, 4,
		7, 8, 9,
	}
	assert.Equal(t, want, got)

	require.NoError(t, p.DebugVars(context.Background(), path, []int64{0}, []int64{3, 3}, []int64{3, 3}, nil, 1))
	assert.Equal(t, []int64{1, 0, 1, 0}, p.Padding())
}

// TestGetPatchMultipleQidx reproduces S3's qidx fan-out: the same patch
// geometry applied independently to three leading-axis indices, each
// producing its own block in the returned slice, in request order.
func TestGetPatchMultipleQidx(t *testing.T) {
	path := filepath.Join(t.TempDir(), "three.npy")
	elems := make([]float64, 0, 3*9)
	for q := 0; q < 3; q++ {
		for i := 0; i < 9; i++ {
			elems = append(elems, float64(q*100+i))
		}
	}
	writeNpy(t, path, "<f8", []int64{3, 3, 3}, float64Bytes(elems...))

	p := NewFloat64()
	defer p.Close()

	got, err := p.GetPatch(context.Background(), path, []int64{2, 0, 1}, []int64{3, 3}, []int64{3, 3}, nil, 0)
	require.NoError(t, err)
	require.Len(t, got, 27)
	assert.Equal(t, float64(200), got[0])
	assert.Equal(t, float64(0), got[9])
	assert.Equal(t, float64(100), got[18])
}

// TestGetPatchNonDividingStrideTrailingZeroFill reproduces S6: an explicit
// padding request together with a patch shape that does not evenly divide
// the array extent forces a ceiling-division grid, and the last patch along
// that axis is zero-filled past the in-bounds data.
func TestGetPatchNonDividingStrideTrailingZeroFill(t *testing.T) {
	path := filepath.Join(t.TempDir(), "six.npy")
	writeNpy(t, path, "<i4", []int64{1, 10}, int32Bytes(0, 1, 2, 3, 4, 5, 6, 7, 8, 9))

	p := NewInt32()
	defer p.Close()

	got, err := p.GetPatch(context.Background(), path, []int64{0}, []int64{4}, []int64{4}, []int64{0, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int32{8, 9, 0, 0}, got)
}

// TestGetPatchPaddingInvalid reproduces S7: an explicit padding value that is
// not strictly less than pshape on its axis is a fatal PaddingInvalid error.
func TestGetPatchPaddingInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seven.npy")
	writeNpy(t, path, "<f8", []int64{1, 3, 3}, float64Bytes(arangeFloat64(9)...))

	p := NewFloat64()
	defer p.Close()

	_, err := p.GetPatch(context.Background(), path, []int64{0}, []int64{3, 3}, []int64{3, 3}, []int64{3, 0, 0, 0}, 0)
	require.Error(t, err)
	assert.True(t, IsKind(err, PaddingInvalid))
}

// TestGetPatchPnumOutOfRange reproduces S8: a pnum at or beyond the resolved
// patch grid's total size is a fatal PnumOutOfRange error.
func TestGetPatchPnumOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eight.npy")
	writeNpy(t, path, "<f8", []int64{1, 3, 3}, float64Bytes(arangeFloat64(9)...))

	p := NewFloat64()
	defer p.Close()

	_, err := p.GetPatch(context.Background(), path, []int64{0}, []int64{3, 3}, []int64{3, 3}, nil, 1)
	require.Error(t, err)
	assert.True(t, IsKind(err, PnumOutOfRange))
}

func TestGetPatchTypeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mismatch.npy")
	writeNpy(t, path, "<f8", []int64{1, 3, 3}, float64Bytes(arangeFloat64(9)...))

	p := NewInt32()
	defer p.Close()

	_, err := p.GetPatch(context.Background(), path, []int64{0}, []int64{3, 3}, []int64{3, 3}, nil, 0)
	require.Error(t, err)
	assert.True(t, IsKind(err, TypeMismatch))
}

func TestGetPatchQidxOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qidx.npy")
	writeNpy(t, path, "<f8", []int64{1, 3, 3}, float64Bytes(arangeFloat64(9)...))

	p := NewFloat64()
	defer p.Close()

	_, err := p.GetPatch(context.Background(), path, []int64{5}, []int64{3, 3}, []int64{3, 3}, nil, 0)
	require.Error(t, err)
	assert.True(t, IsKind(err, QidxOutOfRange))
}

// TestGetPatchIdempotent checks invariant 2: reading the same request twice
// yields identical output.
func TestGetPatchIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idempotent.npy")
	writeNpy(t, path, "<f8", []int64{1, 5, 5}, float64Bytes(arangeFloat64(25)...))

	p := NewFloat64()
	defer p.Close()

	first, err := p.GetPatch(context.Background(), path, []int64{0}, []int64{3, 3}, []int64{3, 3}, nil, 1)
	require.NoError(t, err)
	second, err := p.GetPatch(context.Background(), path, []int64{0}, []int64{3, 3}, []int64{3, 3}, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// TestGetPatchDirectSliceEquivalence checks invariant 3: explicit zero
// padding with pshape == pstride and no edge overlap reproduces the direct
// row-major slice of the on-disk array.
func TestGetPatchDirectSliceEquivalence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "direct.npy")
	writeNpy(t, path, "<f8", []int64{1, 6, 6}, float64Bytes(arangeFloat64(36)...))

	p := NewFloat64()
	defer p.Close()

	// pnum 3 -> multi (1, 1) over a 2x2 grid -> rows/cols [3:6).
	got, err := p.GetPatch(context.Background(), path, []int64{0}, []int64{3, 3}, []int64{3, 3}, []int64{0, 0, 0, 0}, 3)
	require.NoError(t, err)
	want := []float64{
		21, 22, 23,
		27, 28, 29,
		33, 34, 35,
	}
	assert.Equal(t, want, got)
}

// TestGetPatchTilingReconstruction checks invariant 7: enumerating every
// pnum and concatenating the patches reconstructs the padded array tiled by
// pshape with stride pstride.
func TestGetPatchTilingReconstruction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiling.npy")
	writeNpy(t, path, "<f8", []int64{1, 6, 6}, float64Bytes(arangeFloat64(36)...))

	p := NewFloat64()
	defer p.Close()

	var all []float64
	for pnum := int64(0); pnum < 4; pnum++ {
		got, err := p.GetPatch(context.Background(), path, []int64{0}, []int64{3, 3}, []int64{3, 3}, []int64{0, 0, 0, 0}, pnum)
		require.NoError(t, err)
		all = append(all, got...)
	}
	assert.Equal(t, arangeFloat64(36), reassembleTiles(all, 6, 6, 3, 3))
}

// TestDebugAccessorsS4Scenario exercises the five debug accessors not
// otherwise covered by a patcher-level test (DataStrides, PatchStrides,
// ShiftLengths, PatchNumbers, StreamStart), reproducing S4's asymmetric
// auto-pad geometry and its qidx stream_start rebase. DebugVars performs no
// I/O, so the fixture only needs a valid header and declared shape.
func TestDebugAccessorsS4Scenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s4.npy")
	writeNpyHeaderOnly(t, path, "<f8", []int64{10, 12, 33, 22}, 8)

	p := NewFloat64()
	defer p.Close()

	require.NoError(t, p.DebugVars(context.Background(), path, []int64{6}, []int64{3, 10, 5}, []int64{3, 10, 5}, nil, 55))

	assert.Equal(t, []int64{0, 0, 4, 3, 2, 1}, p.Padding())
	assert.Equal(t, []int64{69696, 5808, 176, 8}, p.DataStrides())
	assert.Equal(t, []int64{400, 40, 8}, p.PatchStrides())
	assert.Equal(t, []int64{17424, 1232, 24}, p.ShiftLengths())
	assert.Equal(t, []int64{2, 3, 0}, p.PatchNumbers())
	assert.Equal(t, int64(128+57200*8), p.StreamStart())
}

// reassembleTiles inverts the 2x2-tile enumeration back into the original
// row-major array, for comparison against the source data.
func reassembleTiles(tiles []float64, rows, cols, tileRows, tileCols int64) []float64 {
	out := make([]float64, rows*cols)
	gridCols := cols / tileCols
	for pnum := int64(0); pnum < (rows/tileRows)*(cols/tileCols); pnum++ {
		gr := pnum / gridCols
		gc := pnum % gridCols
		base := pnum * tileRows * tileCols
		for r := int64(0); r < tileRows; r++ {
			for c := int64(0); c < tileCols; c++ {
				row := gr*tileRows + r
				col := gc*tileCols + c
				out[row*cols+col] = tiles[base+r*tileCols+c]
			}
		}
	}
	return out
}
