package blk

import (
	"golang.org/x/xerrors"

	"github.com/xoz-format/xoz/internal/xoz/xozerr"
)

// BlockArray is the abstract read/write/grow/shrink surface over a
// block-addressable backing store. FileBlockArray and
// SegmentBlockArray are its two concrete implementations.
type BlockArray interface {
	BlkSz() int
	BlkSzOrder() uint8
	BeginBlkNr() uint32
	PastEndBlkNr() uint32
	BlkCnt() uint32
	Capacity() uint32

	GrowByBlocks(n uint32) (oldTop uint32, err error)
	ShrinkByBlocks(n uint32) error
	ReleaseBlocks() error

	// ReadExtent reads up to len(buf) bytes (further clamped to the
	// extent's own byte range) starting offset bytes into the extent.
	ReadExtent(ext Extent, buf []byte, offset int) (int, error)
	// WriteExtent writes up to len(buf) bytes (clamped the same way)
	// starting offset bytes into the extent.
	WriteExtent(ext Extent, buf []byte, offset int) (int, error)

	Allocator() *SegmentAllocator
}

// checkBounds implements the out-of-bounds policy shared by every
// BlockArray implementation.
func checkBounds(ext Extent, beginBlkNr, pastEndBlkNr uint32) error {
	if !ext.InBounds(beginBlkNr, pastEndBlkNr) {
		return xerrors.Errorf("check bounds: %w", &xozerr.OutOfBounds{
			BlkNr: ext.BlkNr, BlkCnt: uint32(ext.BlkCnt),
			Msg: "extent not a subset of the block array's addressable range",
		})
	}
	return nil
}

// clampLen implements the partial-I/O policy shared by every BlockArray
// implementation: the requested length is clamped to what remains of the
// extent's byte range past offset; an offset beyond the extent yields a
// zero-length (not erroring) operation.
func clampLen(extByteLen, offset, want int) int {
	if offset >= extByteLen || offset < 0 {
		return 0
	}
	avail := extByteLen - offset
	if want > avail {
		return avail
	}
	return want
}
