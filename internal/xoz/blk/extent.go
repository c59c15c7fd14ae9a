// Package blk implements the block array and segment allocator: the
// storage layer beneath descriptors.
//
// The wire encodings below are hand-rolled little-endian codecs over
// 16-bit words; the bit assignments are documented at each encoder.
package blk

import (
	"encoding/binary"
	"math/bits"

	"golang.org/x/xerrors"

	"github.com/xoz-format/xoz/internal/xoz/xozerr"
)

// Extent is either a run of whole blocks or a sub-block bitmap over a
// single block.
type Extent struct {
	BlkNr uint32

	// BlkCnt is the number of contiguous whole blocks starting at BlkNr.
	// Meaningful only when IsSuballoc is false. May be 0 (an empty extent
	// that still carries a position).
	BlkCnt uint16

	// Bitmap is the occupancy bitmap of the 16 sub-blocks of BlkNr.
	// Meaningful only when IsSuballoc is true.
	Bitmap uint16

	IsSuballoc bool
}

// maxSmallCnt is the largest BlkCnt that fits inline in word 0 without an
// extension word.
const maxSmallCnt = 0x7f

// wireSize returns the number of bytes this extent occupies on disk.
func (e Extent) wireSize() int {
	n := 2 // word 0
	if !e.IsSuballoc && e.BlkCnt > maxSmallCnt {
		n += 2 // extension word carrying the full 16-bit count
	}
	if e.BlkNr > 0xffff {
		n += 4
	} else {
		n += 2
	}
	if e.IsSuballoc {
		n += 2 // bitmap
	}
	return n
}

// dataSpaceSize returns the number of bytes of data space this extent
// contributes, given the containing segment's block-size order.
func (e Extent) dataSpaceSize(order uint8) int64 {
	if e.IsSuballoc {
		return int64(bits.OnesCount16(e.Bitmap)) << (order - 4)
	}
	return int64(e.BlkCnt) << order
}

// DataSpaceSize is the exported form of dataSpaceSize, for packages (xio)
// that need to flatten a segment's extents into a byte range from outside
// this package.
func (e Extent) DataSpaceSize(order uint8) int64 { return e.dataSpaceSize(order) }

func encodeExtent(e Extent, buf []byte) []byte {
	var word0 uint16
	if e.IsSuballoc {
		word0 |= 0x1
	}
	blkNrIs32 := e.BlkNr > 0xffff
	if blkNrIs32 {
		word0 |= 0x2
	}
	hasExtCnt := !e.IsSuballoc && e.BlkCnt > maxSmallCnt
	if hasExtCnt {
		word0 |= 0x4
	}
	var smallCnt uint16
	if !e.IsSuballoc && !hasExtCnt {
		smallCnt = e.BlkCnt
	}
	word0 |= (smallCnt & 0x7f) << 3
	// bits 10-15 stay zero: that is what lets the segment trailer word
	// (which sets bit 15) be told apart from an extent word 0.

	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], word0)
	buf = append(buf, tmp[:]...)

	if hasExtCnt {
		binary.LittleEndian.PutUint16(tmp[:], e.BlkCnt)
		buf = append(buf, tmp[:]...)
	}

	if blkNrIs32 {
		var tmp4 [4]byte
		binary.LittleEndian.PutUint32(tmp4[:], e.BlkNr)
		buf = append(buf, tmp4[:]...)
	} else {
		binary.LittleEndian.PutUint16(tmp[:], uint16(e.BlkNr))
		buf = append(buf, tmp[:]...)
	}

	if e.IsSuballoc {
		binary.LittleEndian.PutUint16(tmp[:], e.Bitmap)
		buf = append(buf, tmp[:]...)
	}
	return buf
}

// peekIsTrailer reports whether the next 16-bit word in buf is a segment
// trailer word (inline-data/end-of-segment descriptor) rather than an
// extent word 0. Both share bit 15 as the discriminating tag: extents
// never set it (see encodeExtent).
func peekIsTrailer(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	word0 := binary.LittleEndian.Uint16(buf[:2])
	return word0&0x8000 != 0
}

// decodeExtent decodes one extent from the front of buf, returning the
// extent and the remaining bytes.
func decodeExtent(buf []byte) (Extent, []byte, error) {
	if len(buf) < 2 {
		return Extent{}, nil, xerrors.Errorf("decode extent: %w", &xozerr.NotEnoughRoom{Wanted: 2, Available: len(buf)})
	}
	word0 := binary.LittleEndian.Uint16(buf[:2])
	buf = buf[2:]

	e := Extent{IsSuballoc: word0&0x1 != 0}
	blkNrIs32 := word0&0x2 != 0
	hasExtCnt := word0&0x4 != 0
	smallCnt := uint16((word0 >> 3) & 0x7f)

	if !e.IsSuballoc {
		if hasExtCnt {
			if len(buf) < 2 {
				return Extent{}, nil, xerrors.Errorf("decode extent: %w", &xozerr.NotEnoughRoom{Wanted: 2, Available: len(buf)})
			}
			e.BlkCnt = binary.LittleEndian.Uint16(buf[:2])
			buf = buf[2:]
		} else {
			e.BlkCnt = smallCnt
		}
	}

	if blkNrIs32 {
		if len(buf) < 4 {
			return Extent{}, nil, xerrors.Errorf("decode extent: %w", &xozerr.NotEnoughRoom{Wanted: 4, Available: len(buf)})
		}
		e.BlkNr = binary.LittleEndian.Uint32(buf[:4])
		buf = buf[4:]
	} else {
		if len(buf) < 2 {
			return Extent{}, nil, xerrors.Errorf("decode extent: %w", &xozerr.NotEnoughRoom{Wanted: 2, Available: len(buf)})
		}
		e.BlkNr = uint32(binary.LittleEndian.Uint16(buf[:2]))
		buf = buf[2:]
	}

	if e.IsSuballoc {
		if len(buf) < 2 {
			return Extent{}, nil, xerrors.Errorf("decode extent: %w", &xozerr.NotEnoughRoom{Wanted: 2, Available: len(buf)})
		}
		e.Bitmap = binary.LittleEndian.Uint16(buf[:2])
		buf = buf[2:]
		if e.Bitmap == 0 {
			return Extent{}, nil, xerrors.Errorf("decode extent: %w", &xozerr.OutOfBounds{BlkNr: e.BlkNr, Msg: "sub-block extent with empty bitmap"})
		}
	}

	return e, buf, nil
}

// InBounds reports whether the extent's block range is a subset of
// [beginBlkNr, pastEndBlkNr).
func (e Extent) InBounds(beginBlkNr, pastEndBlkNr uint32) bool {
	if e.IsSuballoc {
		return e.BlkNr >= beginBlkNr && e.BlkNr < pastEndBlkNr
	}
	if e.BlkCnt == 0 {
		return e.BlkNr >= beginBlkNr && e.BlkNr < pastEndBlkNr
	}
	end := e.BlkNr + uint32(e.BlkCnt)
	return e.BlkNr >= beginBlkNr && end <= pastEndBlkNr && end >= e.BlkNr
}
