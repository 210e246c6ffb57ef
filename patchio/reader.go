package patchio

import (
	"github.com/grailbio/npypatch/patchgeom"
	"github.com/pkg/errors"
)

// ReadPatch fills dst (which must be exactly big enough for one patch's
// elements: ∏pshape_i * elemSize bytes) with the bytes of the patch
// described by plan, reading from src at byte offsets relative to
// leadingOffset (src's absolute offset for the selected leading-axis index).
// Out-of-bounds regions of the patch are left zero, so dst must already be
// zeroed (a freshly make()'d slice satisfies this). Every computed read is
// checked against src.Size() first, so a truncated or corrupt file produces
// a clean error here rather than an OS-level short read.
func ReadPatch(src Source, leadingOffset int64, plan patchgeom.Plan, dst []byte) error {
	want := int64(1)
	for _, p := range plan.PShape {
		want *= p
	}
	want *= plan.ElemSize
	if int64(len(dst)) != want {
		return errors.Errorf("patchio: dst has %d bytes, want %d", len(dst), want)
	}
	maxOff := plan.StreamStartBase + src.Size()
	return readAxis(src, leadingOffset, maxOff, plan, dst, 0, 0, 0)
}

// readAxis recurses over spatial axis dim, threading the current byte offset
// into dst (dstOff) and the on-disk byte offset accumulated from axes before
// dim (diskByteOff). It zero-fills nothing explicitly - dst starts zeroed -
// and instead only issues reads for the in-bounds run on each axis,
// collapsing the innermost axis into a single contiguous ReadAt. maxOff is
// the exclusive upper bound (in absolute file-offset terms) of the source's
// data region, checked before every read.
func readAxis(src Source, leadingOffset, maxOff int64, plan patchgeom.Plan, dst []byte, dim int, dstOff, diskByteOff int64) error {
	if plan.ClipLo[dim] >= plan.ClipHi[dim] {
		// This axis (and everything nested under it) is entirely out of
		// bounds; dst is already zero there.
		return nil
	}

	if dim == plan.N-1 {
		lead := plan.ClipLo[dim] - plan.Start[dim]
		run := plan.ClipHi[dim] - plan.ClipLo[dim]
		readLen := run * plan.ElemSize
		if readLen == 0 {
			return nil
		}
		readOff := leadingOffset + diskByteOff + plan.ClipLo[dim]*plan.DataStrides[dim+1]
		if readOff < plan.StreamStartBase || readOff+readLen > maxOff {
			return errors.Errorf("patchio: read [%d, %d) falls outside the array's data region [%d, %d)", readOff, readOff+readLen, plan.StreamStartBase, maxOff)
		}
		writeOff := dstOff + lead*plan.PatchStrides[dim]
		buf := dst[writeOff : writeOff+readLen]
		if _, err := src.ReadAt(buf, readOff); err != nil {
			return errors.Wrapf(err, "patchio: read %d bytes at offset %d", readLen, readOff)
		}
		return nil
	}

	for row := plan.ClipLo[dim]; row < plan.ClipHi[dim]; row++ {
		rowIdx := row - plan.Start[dim]
		nextDstOff := dstOff + rowIdx*plan.PatchStrides[dim]
		nextDiskOff := diskByteOff + row*plan.DataStrides[dim+1]
		if err := readAxis(src, leadingOffset, maxOff, plan, dst, dim+1, nextDstOff, nextDiskOff); err != nil {
			return err
		}
	}
	return nil
}
