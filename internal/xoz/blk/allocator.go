package blk

import (
	"math/bits"
	"sort"

	"golang.org/x/xerrors"

	"github.com/xoz-format/xoz/internal/diag"
	"github.com/xoz-format/xoz/internal/xoz/xozerr"
)

// freeRun is one contiguous run of free whole blocks in tier 1.
type freeRun struct {
	blkNr  uint32
	blkCnt uint32
}

// subAllocBlock is a tier-2 block carved out of tier 1 for small
// allocations; freeBitmap has a 1 bit for every still-free sub-block.
type subAllocBlock struct {
	blkNr      uint32
	freeBitmap uint16
}

// Stats is the allocator's running counters.
type Stats struct {
	InUseBlocks         uint64
	InUseSuballocBlocks uint64
	InUseSubblocks      uint64
	ExtentCount         uint64
	InlineBytes         uint64
	AllocCalls          uint64
	DeallocCalls        uint64
}

// SegmentAllocator is a two-tier free-space manager: a whole-block
// free list (tier 1) backing a set of per-block sub-block bitmaps
// (tier 2).
type SegmentAllocator struct {
	arr BlockArray

	freeList    []freeRun
	subBlocks   map[uint32]*subAllocBlock
	initialized bool
	stats       Stats
}

// NewSegmentAllocator returns an allocator over arr. alloc/dealloc must not
// be used until InitializeFromAllocated has been called.
func NewSegmentAllocator(arr BlockArray) *SegmentAllocator {
	return &SegmentAllocator{arr: arr, subBlocks: map[uint32]*subAllocBlock{}}
}

func (sa *SegmentAllocator) Stats() Stats { return sa.stats }

// InitializeFromAllocated marks every extent in every segment of segs as
// in use; everything else in the block array's current capacity is free.
// This is the open-time bootstrap.
func (sa *SegmentAllocator) InitializeFromAllocated(segs []Segment) error {
	sa.freeList = nil
	if c := sa.arr.Capacity(); c > 0 {
		sa.freeList = []freeRun{{blkNr: sa.arr.BeginBlkNr(), blkCnt: c}}
	}
	sa.subBlocks = map[uint32]*subAllocBlock{}
	sa.stats = Stats{}
	claimed := map[uint32]bool{}

	for _, seg := range segs {
		sa.stats.InlineBytes += uint64(len(seg.InlineData))
		for _, e := range seg.Extents {
			if !e.InBounds(sa.arr.BeginBlkNr(), sa.arr.PastEndBlkNr()) {
				return xerrors.Errorf("initialize from allocated: %w", &xozerr.OutOfBounds{
					BlkNr: e.BlkNr, BlkCnt: uint32(e.BlkCnt), Msg: "extent outside current capacity",
				})
			}
			if !e.IsSuballoc {
				if e.BlkCnt == 0 {
					continue
				}
				if err := sa.removeFreeRange(e.BlkNr, uint32(e.BlkCnt)); err != nil {
					return xerrors.Errorf("initialize from allocated: %w", err)
				}
				sa.stats.InUseBlocks += uint64(e.BlkCnt)
				sa.stats.ExtentCount++
				continue
			}

			sb, ok := sa.subBlocks[e.BlkNr]
			if !ok {
				if !claimed[e.BlkNr] {
					if err := sa.removeFreeRange(e.BlkNr, 1); err != nil {
						return xerrors.Errorf("initialize from allocated: %w", err)
					}
					claimed[e.BlkNr] = true
					sa.stats.InUseSuballocBlocks++
				}
				sb = &subAllocBlock{blkNr: e.BlkNr, freeBitmap: 0xffff}
				sa.subBlocks[e.BlkNr] = sb
			}
			if sb.freeBitmap&e.Bitmap != e.Bitmap {
				return xerrors.Errorf("initialize from allocated: %w", &xozerr.Overlap{
					BlkNr: e.BlkNr, Msg: "sub-block bits claimed by more than one segment",
				})
			}
			sb.freeBitmap &^= e.Bitmap
			sa.stats.InUseSubblocks += uint64(bits.OnesCount16(e.Bitmap))
			sa.stats.ExtentCount++
		}
	}
	sa.initialized = true
	return nil
}

// Alloc returns a Segment whose data space is >= size, trimmed with an
// inline-data tail so that, for the common case of a sub-block granule no
// coarser than the inline budget (blk_sz <= 1024), the data space equals
// size exactly.
func (sa *SegmentAllocator) Alloc(size int64) (Segment, error) {
	ev := diag.Event("alloc", 0)
	ev.Args = map[string]int64{"size": size}
	defer ev.Done()
	return sa.alloc(size, true)
}

// AllocNoInline is Alloc without an inline-data tail: every byte of the
// returned segment is real block (or sub-block) space. Used by
// SegmentBlockArray, whose nested blocks must stay addressable after the
// owned segment's inline tail is repurposed, and may overshoot size by
// less than one sub-block.
func (sa *SegmentAllocator) AllocNoInline(size int64) (Segment, error) {
	return sa.alloc(size, false)
}

func (sa *SegmentAllocator) alloc(size int64, allowInline bool) (Segment, error) {
	order := sa.arr.BlkSzOrder()
	seg := NewSegment(order)
	if size <= 0 {
		return seg, nil
	}
	if allowInline && size <= maxInlineData {
		seg.InlineData = make([]byte, size)
		sa.stats.InlineBytes += uint64(size)
		sa.stats.AllocCalls++
		return seg, nil
	}

	blkSz := int64(sa.arr.BlkSz())
	subSz := blkSz / 16
	whole := size / blkSz
	remainder := size % blkSz

	var subCount int64
	var inlineLen int64
	if remainder > 0 {
		if allowInline && remainder <= maxInlineData {
			// A remainder small enough for the inline budget skips the
			// sub-block tier entirely: the tail lives in the segment's
			// own serialized form.
			inlineLen = remainder
		} else {
			subCount = remainder / subSz
			inlineLen = remainder % subSz
			if inlineLen > 0 && (!allowInline || inlineLen > maxInlineData) {
				// Either inline is banned, or the sub-block granule is
				// coarser than the inline budget (blk_sz > 1024): round
				// up to the next whole sub-block rather than leave an
				// un-inlineable remainder. The resulting segment may then
				// slightly overshoot size; it never undershoots it.
				subCount++
				inlineLen = 0
			}
			if subCount >= 16 {
				whole++
				subCount -= 16
			}
		}
	}

	if whole > 0 {
		if err := sa.allocWholeBlocks(&seg, uint32(whole)); err != nil {
			return Segment{}, err
		}
	}
	if subCount > 0 {
		if err := sa.allocSubBlocks(&seg, int(subCount)); err != nil {
			return Segment{}, err
		}
	}
	if inlineLen > 0 {
		seg.InlineData = make([]byte, inlineLen)
		sa.stats.InlineBytes += uint64(inlineLen)
	}
	seg.AddEndOfSegment()
	sa.stats.AllocCalls++
	return seg, nil
}

// AllocSingleExtent guarantees the returned segment has exactly one
// extent, growing the block array if no single free run is large enough.
// Used for the file envelope's trampoline.
func (sa *SegmentAllocator) AllocSingleExtent(size int64) (Segment, error) {
	order := sa.arr.BlkSzOrder()
	blkSz := int64(sa.arr.BlkSz())
	need := uint32((size + blkSz - 1) / blkSz)
	if need == 0 {
		need = 1
	}
	seg := NewSegment(order)
	for i, run := range sa.freeList {
		if run.blkCnt >= need {
			seg.AddExtent(Extent{BlkNr: run.blkNr, BlkCnt: uint16(need)})
			sa.consumeRun(i, need)
			sa.stats.InUseBlocks += uint64(need)
			sa.stats.ExtentCount++
			seg.AddEndOfSegment()
			sa.stats.AllocCalls++
			return seg, nil
		}
	}
	oldTop, err := sa.arr.GrowByBlocks(need)
	if err != nil {
		return Segment{}, err
	}
	seg.AddExtent(Extent{BlkNr: sa.arr.BeginBlkNr() + oldTop, BlkCnt: uint16(need)})
	sa.stats.InUseBlocks += uint64(need)
	sa.stats.ExtentCount++
	seg.AddEndOfSegment()
	sa.stats.AllocCalls++
	return seg, nil
}

// Dealloc releases every extent in seg.
func (sa *SegmentAllocator) Dealloc(seg Segment) error {
	ev := diag.Event("dealloc", 0)
	defer ev.Done()
	if !sa.initialized {
		return &xozerr.InternalBug{Msg: "dealloc called before initialize_from_allocated"}
	}
	for _, e := range seg.Extents {
		if !e.IsSuballoc {
			if e.BlkCnt == 0 {
				continue
			}
			if sa.isFreeOverlap(e.BlkNr, uint32(e.BlkCnt)) {
				return xerrors.Errorf("dealloc: %w", &xozerr.InternalBug{Msg: "double free of whole-block extent"})
			}
			sa.addFreeRange(e.BlkNr, uint32(e.BlkCnt))
			sa.stats.InUseBlocks -= uint64(e.BlkCnt)
			continue
		}

		sb, ok := sa.subBlocks[e.BlkNr]
		if !ok {
			return xerrors.Errorf("dealloc: %w", &xozerr.InternalBug{Msg: "sub-block extent references an unknown block"})
		}
		if sb.freeBitmap&e.Bitmap != 0 {
			return xerrors.Errorf("dealloc: %w", &xozerr.InternalBug{Msg: "double free of sub-block bits"})
		}
		sb.freeBitmap |= e.Bitmap
		sa.stats.InUseSubblocks -= uint64(bits.OnesCount16(e.Bitmap))
		if sb.freeBitmap == 0xffff {
			delete(sa.subBlocks, e.BlkNr)
			sa.addFreeRange(e.BlkNr, 1)
			sa.stats.InUseSuballocBlocks--
		}
	}
	if inl := uint64(len(seg.InlineData)); inl <= sa.stats.InlineBytes {
		sa.stats.InlineBytes -= inl
	} else {
		// The segment's inline tail may have been extended by its owner
		// (SegmentBlockArray grows inline in place, without an Alloc);
		// clamp instead of wrapping the counter.
		sa.stats.InlineBytes = 0
	}
	sa.stats.DeallocCalls++
	return nil
}

// Release reclaims the highest-address free runs by shrinking the
// underlying block array, then asks it to reconcile with the backend.
func (sa *SegmentAllocator) Release() error {
	ev := diag.Event("release", 0)
	defer ev.Done()
	if diag.Enabled() {
		diag.Counter("allocator", map[string]uint64{
			"in_use_blocks":    sa.stats.InUseBlocks,
			"in_use_subblocks": sa.stats.InUseSubblocks,
		})
	}
	for len(sa.freeList) > 0 {
		last := sa.freeList[len(sa.freeList)-1]
		if last.blkNr+last.blkCnt != sa.arr.PastEndBlkNr() {
			break
		}
		if err := sa.arr.ShrinkByBlocks(last.blkCnt); err != nil {
			return xerrors.Errorf("release: %w", err)
		}
		sa.freeList = sa.freeList[:len(sa.freeList)-1]
	}
	return sa.arr.ReleaseBlocks()
}

func (sa *SegmentAllocator) removeFreeRange(blkNr, cnt uint32) error {
	for i, run := range sa.freeList {
		if blkNr >= run.blkNr && blkNr+cnt <= run.blkNr+run.blkCnt {
			var newRuns []freeRun
			if blkNr > run.blkNr {
				newRuns = append(newRuns, freeRun{blkNr: run.blkNr, blkCnt: blkNr - run.blkNr})
			}
			if blkNr+cnt < run.blkNr+run.blkCnt {
				newRuns = append(newRuns, freeRun{blkNr: blkNr + cnt, blkCnt: run.blkNr + run.blkCnt - (blkNr + cnt)})
			}
			tail := append([]freeRun{}, sa.freeList[i+1:]...)
			sa.freeList = append(append(sa.freeList[:i], newRuns...), tail...)
			return nil
		}
	}
	return &xozerr.Overlap{BlkNr: blkNr, Msg: "range not available in the free list (already claimed or out of bounds)"}
}

func (sa *SegmentAllocator) isFreeOverlap(blkNr, cnt uint32) bool {
	end := blkNr + cnt
	for _, run := range sa.freeList {
		rEnd := run.blkNr + run.blkCnt
		if blkNr < rEnd && run.blkNr < end {
			return true
		}
	}
	return false
}

func (sa *SegmentAllocator) addFreeRange(blkNr, cnt uint32) {
	if cnt == 0 {
		return
	}
	idx := sort.Search(len(sa.freeList), func(i int) bool { return sa.freeList[i].blkNr >= blkNr })
	sa.freeList = append(sa.freeList, freeRun{})
	copy(sa.freeList[idx+1:], sa.freeList[idx:])
	sa.freeList[idx] = freeRun{blkNr: blkNr, blkCnt: cnt}
	sa.mergeAdjacentFreeRuns()
}

func (sa *SegmentAllocator) mergeAdjacentFreeRuns() {
	merged := sa.freeList[:0]
	for _, run := range sa.freeList {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if last.blkNr+last.blkCnt == run.blkNr {
				last.blkCnt += run.blkCnt
				continue
			}
		}
		merged = append(merged, run)
	}
	sa.freeList = merged
}

func (sa *SegmentAllocator) consumeRun(idx int, take uint32) {
	run := sa.freeList[idx]
	if take == run.blkCnt {
		sa.freeList = append(sa.freeList[:idx], sa.freeList[idx+1:]...)
		return
	}
	sa.freeList[idx] = freeRun{blkNr: run.blkNr + take, blkCnt: run.blkCnt - take}
}

// allocWholeBlocks appends whole-block extents covering exactly need
// blocks: a single best-fit run when one exists, otherwise the lowest
// free runs packed in ascending blk_nr order, growing the array for
// whatever remains unmet.
func (sa *SegmentAllocator) allocWholeBlocks(seg *Segment, need uint32) error {
	bestIdx := -1
	for i, run := range sa.freeList {
		if run.blkCnt >= need && (bestIdx == -1 || run.blkCnt < sa.freeList[bestIdx].blkCnt) {
			bestIdx = i
		}
	}
	if bestIdx >= 0 {
		run := sa.freeList[bestIdx]
		seg.AddExtent(Extent{BlkNr: run.blkNr, BlkCnt: uint16(need)})
		sa.consumeRun(bestIdx, need)
		sa.stats.InUseBlocks += uint64(need)
		sa.stats.ExtentCount++
		return nil
	}

	remaining := need
	for remaining > 0 && len(sa.freeList) > 0 {
		run := sa.freeList[0]
		take := run.blkCnt
		if take > remaining {
			take = remaining
		}
		seg.AddExtent(Extent{BlkNr: run.blkNr, BlkCnt: uint16(take)})
		sa.consumeRun(0, take)
		sa.stats.InUseBlocks += uint64(take)
		sa.stats.ExtentCount++
		remaining -= take
	}
	if remaining > 0 {
		oldTop, err := sa.arr.GrowByBlocks(remaining)
		if err != nil {
			return err
		}
		seg.AddExtent(Extent{BlkNr: sa.arr.BeginBlkNr() + oldTop, BlkCnt: uint16(remaining)})
		sa.stats.InUseBlocks += uint64(remaining)
		sa.stats.ExtentCount++
	}
	return nil
}

// allocSubBlocks satisfies a request for need free sub-blocks (need <= 15)
// from an existing sub-alloc block if one has room, otherwise carves a new
// sub-alloc block out of tier 1.
func (sa *SegmentAllocator) allocSubBlocks(seg *Segment, need int) error {
	for _, sb := range sa.sortedSubBlocks() {
		if bits.OnesCount16(sb.freeBitmap) >= need {
			chosen := takeFreeBits(sb, need)
			seg.AddExtent(Extent{IsSuballoc: true, BlkNr: sb.blkNr, Bitmap: chosen})
			sa.stats.InUseSubblocks += uint64(need)
			sa.stats.ExtentCount++
			return nil
		}
	}

	var tmp Segment
	if err := sa.allocWholeBlocks(&tmp, 1); err != nil {
		return err
	}
	if len(tmp.Extents) != 1 {
		return &xozerr.InternalBug{Msg: "expected exactly one extent when carving a new sub-alloc block"}
	}
	blkNr := tmp.Extents[0].BlkNr
	sa.stats.InUseBlocks -= uint64(tmp.Extents[0].BlkCnt)
	sa.stats.ExtentCount--
	if zeroer, ok := sa.arr.(interface {
		zeroSubBlocks(blkNr uint32, bitmap uint16) error
	}); ok {
		// Zeroing is best-effort bookkeeping hygiene, not required for
		// correctness (readers always clamp to data actually written),
		// so a BlockArray implementation that can't zero is tolerated.
		_ = zeroer.zeroSubBlocks(blkNr, 0xffff)
	}
	sb := &subAllocBlock{blkNr: blkNr, freeBitmap: 0xffff}
	sa.subBlocks[blkNr] = sb
	sa.stats.InUseSuballocBlocks++
	chosen := takeFreeBits(sb, need)
	seg.AddExtent(Extent{IsSuballoc: true, BlkNr: blkNr, Bitmap: chosen})
	sa.stats.InUseSubblocks += uint64(need)
	sa.stats.ExtentCount++
	return nil
}

func takeFreeBits(sb *subAllocBlock, need int) uint16 {
	var chosen uint16
	taken := 0
	for i := 0; i < 16 && taken < need; i++ {
		bit := uint16(1) << uint(i)
		if sb.freeBitmap&bit != 0 {
			chosen |= bit
			sb.freeBitmap &^= bit
			taken++
		}
	}
	return chosen
}

func (sa *SegmentAllocator) sortedSubBlocks() []*subAllocBlock {
	out := make([]*subAllocBlock, 0, len(sa.subBlocks))
	for _, sb := range sa.subBlocks {
		out = append(out, sb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].blkNr < out[j].blkNr })
	return out
}
