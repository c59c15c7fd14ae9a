package blk

import (
	"math/bits"

	"github.com/xoz-format/xoz/internal/xoz/xozerr"
)

// SegmentBlockArray is a BlockArray whose blocks come from chopping
// another BlockArray's segment. It lets a DescriptorSet's
// backing storage be addressed in blocks of a potentially different size
// than the file's own blocks, and enables recursive/nested allocation
// (sets containing sets).
type SegmentBlockArray struct {
	parent     BlockArray
	seg        Segment
	blkSzOrder uint8
	blkSz      int

	// maxInline caps how many bytes of the nested array may live in the
	// owned segment's inline-data tail rather than in real parent-space
	// extents. A DescriptorSet sets this to its own 4-byte header so an
	// empty set costs no block space at all; once the array grows past
	// the cap, the inline bytes are relocated into allocated extents.
	maxInline int

	blkCnt        uint32
	pendingShrink uint32

	alloc *SegmentAllocator
}

// NewSegmentBlockArray wraps seg (already allocated from parent) as a
// nested block array of the given block-size order.
func NewSegmentBlockArray(parent BlockArray, seg Segment, blkSzOrder uint8, maxInline int) *SegmentBlockArray {
	a := &SegmentBlockArray{
		parent:     parent,
		seg:        seg,
		blkSzOrder: blkSzOrder,
		blkSz:      1 << blkSzOrder,
		maxInline:  maxInline,
	}
	a.blkCnt = uint32(seg.CalcDataSpaceSize() / int64(a.blkSz))
	a.alloc = NewSegmentAllocator(a)
	return a
}

// OwnedSegment returns the parent-space segment currently backing this
// array, for the owning DescriptorSet to persist as its own content.
func (a *SegmentBlockArray) OwnedSegment() Segment { return a.seg }

func (a *SegmentBlockArray) BlkSz() int                    { return a.blkSz }
func (a *SegmentBlockArray) BlkSzOrder() uint8             { return a.blkSzOrder }
func (a *SegmentBlockArray) BeginBlkNr() uint32            { return 0 }
func (a *SegmentBlockArray) PastEndBlkNr() uint32          { return a.blkCnt }
func (a *SegmentBlockArray) BlkCnt() uint32                { return a.blkCnt }
func (a *SegmentBlockArray) Capacity() uint32              { return a.blkCnt }
func (a *SegmentBlockArray) Allocator() *SegmentAllocator  { return a.alloc }

// GrowByBlocks makes n more nested blocks addressable. Small growth is
// absorbed by extending the owned segment's inline-data tail (up to
// maxInline); past that, the parent allocator supplies real extents
// (possibly sub-block extents when the nested blk_sz is smaller than the
// parent's) and any inline bytes are relocated into the new space so
// every existing byte keeps its flat position.
func (a *SegmentBlockArray) GrowByBlocks(n uint32) (uint32, error) {
	oldTop := a.blkCnt
	needed := int64(a.blkCnt+n) * int64(a.blkSz)
	cur := a.seg.CalcDataSpaceSize()
	if needed <= cur {
		// Slack from an earlier sub-block round-up already covers it.
		a.blkCnt += n
		return oldTop, nil
	}
	short := needed - cur

	if len(a.seg.InlineData)+int(short) <= a.maxInline {
		a.seg.InlineData = append(a.seg.InlineData, make([]byte, short)...)
		a.blkCnt += n
		return oldTop, nil
	}

	moved := len(a.seg.InlineData)
	extra, err := a.parent.Allocator().AllocNoInline(int64(moved) + short)
	if err != nil {
		return 0, err
	}

	var relocated []byte
	if moved > 0 {
		relocated = append([]byte(nil), a.seg.InlineData...)
		a.seg.InlineData = nil
	}
	for _, e := range extra.Extents {
		a.appendExtent(e)
	}

	// Rewrite everything from the old inline position to the new end of
	// the data space: the inline bytes sat at flat offset cur-moved
	// (right past the old extents) and keep that offset, now resolving
	// into the freshly allocated extents; the rest is zeroed, since the
	// allocator may hand back blocks still carrying old data and callers
	// (the descriptor set's hole scan in particular) rely on untouched
	// space reading as zeros.
	fill := make([]byte, a.seg.CalcDataSpaceSize()-(cur-int64(moved)))
	copy(fill, relocated)
	if _, err := segmentWriteAt(a.parent, &a.seg, cur-int64(moved), fill); err != nil {
		return 0, err
	}
	a.blkCnt += n
	return oldTop, nil
}

// appendExtent appends e to the owned segment, merging it into the tail
// extent when the two are contiguous in both block space and data space.
// Repeated small grows would otherwise leave one extent per grow, blowing
// the serialized segment (and with it the root descriptor record) out of
// all proportion to the storage it describes.
func (a *SegmentBlockArray) appendExtent(e Extent) {
	if n := len(a.seg.Extents); n > 0 {
		last := &a.seg.Extents[n-1]
		if last.IsSuballoc && e.IsSuballoc && last.BlkNr == e.BlkNr &&
			last.Bitmap&e.Bitmap == 0 &&
			bits.Len16(last.Bitmap) <= bits.TrailingZeros16(e.Bitmap) {
			// Same sub-alloc block, new bits strictly above the old ones:
			// the merged bitmap concatenates data in the same order.
			last.Bitmap |= e.Bitmap
			return
		}
		if !last.IsSuballoc && !e.IsSuballoc &&
			last.BlkNr+uint32(last.BlkCnt) == e.BlkNr &&
			int(last.BlkCnt)+int(e.BlkCnt) <= 0xffff {
			last.BlkCnt += e.BlkCnt
			return
		}
	}
	a.seg.Extents = append(a.seg.Extents, e)
}

// ShrinkByBlocks reduces the logical block count; the owned segment's
// tail extents are only actually released on ReleaseBlocks, and only the
// ones that become entirely unneeded (sub-block extents cannot be split).
func (a *SegmentBlockArray) ShrinkByBlocks(n uint32) error {
	if n > a.blkCnt {
		return &xozerr.InternalBug{Msg: "shrink exceeds current nested block count"}
	}
	a.blkCnt -= n
	a.pendingShrink += n
	return nil
}

// ReleaseBlocks trims the owned segment down toward the current logical
// size: first the inline tail, then whole trailing extents that fall
// entirely beyond it, returned to the parent allocator.
func (a *SegmentBlockArray) ReleaseBlocks() error {
	needed := int64(a.blkCnt) * int64(a.blkSz)

	if excess := a.seg.CalcDataSpaceSize() - needed; excess > 0 && len(a.seg.InlineData) > 0 {
		trim := int64(len(a.seg.InlineData))
		if trim > excess {
			trim = excess
		}
		a.seg.InlineData = a.seg.InlineData[:int64(len(a.seg.InlineData))-trim]
	}

	pos := a.seg.CalcDataSpaceSize() - int64(len(a.seg.InlineData))
	for len(a.seg.Extents) > 0 {
		last := a.seg.Extents[len(a.seg.Extents)-1]
		sz := last.dataSpaceSize(a.seg.Order)
		if pos-sz < needed {
			break
		}
		rel := NewSegment(a.seg.Order)
		rel.AddExtent(last)
		if err := a.parent.Allocator().Dealloc(rel); err != nil {
			return err
		}
		a.seg.Extents = a.seg.Extents[:len(a.seg.Extents)-1]
		pos -= sz
	}
	a.pendingShrink = 0
	return nil
}

func (a *SegmentBlockArray) ReadExtent(ext Extent, buf []byte, offset int) (int, error) {
	if err := checkBounds(ext, a.BeginBlkNr(), a.PastEndBlkNr()); err != nil {
		return 0, err
	}
	if ext.IsSuballoc {
		return a.readSuballoc(ext, buf, offset)
	}
	byteOff := int64(ext.BlkNr) * int64(a.blkSz)
	extByteLen := int(ext.BlkCnt) * a.blkSz
	n := clampLen(extByteLen, offset, len(buf))
	if n == 0 {
		return 0, nil
	}
	return segmentReadAt(a.parent, &a.seg, byteOff+int64(offset), buf[:n])
}

func (a *SegmentBlockArray) WriteExtent(ext Extent, buf []byte, offset int) (int, error) {
	if err := checkBounds(ext, a.BeginBlkNr(), a.PastEndBlkNr()); err != nil {
		return 0, err
	}
	if ext.IsSuballoc {
		return a.writeSuballoc(ext, buf, offset)
	}
	byteOff := int64(ext.BlkNr) * int64(a.blkSz)
	extByteLen := int(ext.BlkCnt) * a.blkSz
	n := clampLen(extByteLen, offset, len(buf))
	if n == 0 {
		return 0, nil
	}
	return segmentWriteAt(a.parent, &a.seg, byteOff+int64(offset), buf[:n])
}

func (a *SegmentBlockArray) subBlkSz() int { return a.blkSz / 16 }

func (a *SegmentBlockArray) readSuballoc(ext Extent, buf []byte, offset int) (int, error) {
	idx := subBlockIndices(ext.Bitmap)
	subSz := a.subBlkSz()
	extByteLen := len(idx) * subSz
	n := clampLen(extByteLen, offset, len(buf))
	if n == 0 {
		return 0, nil
	}
	base := int64(ext.BlkNr) * int64(a.blkSz)
	read, pos := 0, offset
	for read < n {
		which := pos / subSz
		withinSub := pos % subSz
		chunk := subSz - withinSub
		if read+chunk > n {
			chunk = n - read
		}
		byteOff := base + int64(idx[which])*int64(subSz) + int64(withinSub)
		got, err := segmentReadAt(a.parent, &a.seg, byteOff, buf[read:read+chunk])
		if err != nil {
			return read, err
		}
		read += got
		pos += got
		if got < chunk {
			break
		}
	}
	return read, nil
}

func (a *SegmentBlockArray) writeSuballoc(ext Extent, buf []byte, offset int) (int, error) {
	idx := subBlockIndices(ext.Bitmap)
	subSz := a.subBlkSz()
	extByteLen := len(idx) * subSz
	n := clampLen(extByteLen, offset, len(buf))
	if n == 0 {
		return 0, nil
	}
	base := int64(ext.BlkNr) * int64(a.blkSz)
	written, pos := 0, offset
	for written < n {
		which := pos / subSz
		withinSub := pos % subSz
		chunk := subSz - withinSub
		if written+chunk > n {
			chunk = n - written
		}
		byteOff := base + int64(idx[which])*int64(subSz) + int64(withinSub)
		got, err := segmentWriteAt(a.parent, &a.seg, byteOff, buf[written:written+chunk])
		if err != nil {
			return written, err
		}
		written += got
		pos += got
		if got < chunk {
			break
		}
	}
	return written, nil
}

// segmentLocate finds which extent of seg (or its inline tail, idx == -1)
// contains the linear data-space offset off.
func segmentLocate(seg *Segment, off int64) (idx int, within int64, ok bool) {
	pos := int64(0)
	for i, e := range seg.Extents {
		sz := e.dataSpaceSize(seg.Order)
		if off < pos+sz {
			return i, off - pos, true
		}
		pos += sz
	}
	if off < pos+int64(len(seg.InlineData)) {
		return -1, off - pos, true
	}
	return -1, 0, false
}

// segmentReadAt/segmentWriteAt present a Segment's linear data space (the
// same flattening IOSegment performs in internal/xoz/xio, reimplemented
// here to avoid an import cycle between blk and xio) as a byte range for
// SegmentBlockArray's own nested I/O.
func segmentReadAt(parent BlockArray, seg *Segment, off int64, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		idx, within, ok := segmentLocate(seg, off+int64(total))
		if !ok {
			break
		}
		if idx == -1 {
			n := copy(buf[total:], seg.InlineData[within:])
			total += n
			break
		}
		e := seg.Extents[idx]
		extSz := e.dataSpaceSize(seg.Order)
		want := len(buf) - total
		if int64(want) > extSz-within {
			want = int(extSz - within)
		}
		got, err := parent.ReadExtent(e, buf[total:total+want], int(within))
		if err != nil {
			return total, err
		}
		total += got
		if got < want {
			break
		}
	}
	return total, nil
}

func segmentWriteAt(parent BlockArray, seg *Segment, off int64, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		idx, within, ok := segmentLocate(seg, off+int64(total))
		if !ok {
			break
		}
		if idx == -1 {
			n := copy(seg.InlineData[within:], buf[total:])
			total += n
			break
		}
		e := seg.Extents[idx]
		extSz := e.dataSpaceSize(seg.Order)
		want := len(buf) - total
		if int64(want) > extSz-within {
			want = int(extSz - within)
		}
		got, err := parent.WriteExtent(e, buf[total:total+want], int(within))
		if err != nil {
			return total, err
		}
		total += got
		if got < want {
			break
		}
	}
	return total, nil
}
