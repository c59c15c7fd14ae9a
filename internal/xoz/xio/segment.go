package xio

import (
	"sort"

	"github.com/xoz-format/xoz/internal/xoz/blk"
	"github.com/xoz-format/xoz/internal/xoz/xozerr"
)

// IOSegment is an IO over a Segment plus the BlockArray it was allocated
// from, flattening the segment's extents (and optional inline-data tail)
// into one linear byte range. Position lookup
// uses a precomputed prefix sum of extent sizes so locating the extent
// for an absolute position is O(log K) over the segment's K extents.
type IOSegment struct {
	arr blk.BlockArray
	seg *blk.Segment

	prefix []int64 // prefix[i] = bytes in extents[0:i]; len == len(Extents)+1
	total  int64

	rd, wr   ptrState
	readOnly bool
}

// NewIOSegment returns an IOSegment over seg's data space, backed by arr.
// seg must not be structurally modified by anyone else while this
// IOSegment is alive.
func NewIOSegment(arr blk.BlockArray, seg *blk.Segment) *IOSegment {
	io := &IOSegment{arr: arr, seg: seg}
	io.Refresh()
	return io
}

// Refresh recomputes the prefix-sum table after the owning code grows or
// shrinks the segment's extent list, clamping the rd/wr pointers and
// limits to the new total size.
func (io *IOSegment) Refresh() {
	n := len(io.seg.Extents)
	io.prefix = make([]int64, n+1)
	var sum int64
	for i, e := range io.seg.Extents {
		io.prefix[i] = sum
		sum += e.DataSpaceSize(io.seg.Order)
	}
	io.prefix[n] = sum
	io.total = sum + int64(len(io.seg.InlineData))

	if io.rd.end == 0 && io.rd.pos == 0 {
		io.rd = ptrState{0, 0, io.total}
		io.wr = ptrState{0, 0, io.total}
		return
	}
	io.rd.limit(io.rd.min, io.total)
	io.wr.limit(io.wr.min, io.total)
}

// locate returns the extent index (and the offset within it) that holds
// byte position pos, or inline==true if pos falls in the inline-data
// tail.
func (io *IOSegment) locate(pos int64) (idx int, within int64, inline bool) {
	n := len(io.seg.Extents)
	extTotal := io.prefix[n]
	if pos >= extTotal {
		return -1, pos - extTotal, true
	}
	i := sort.Search(n, func(i int) bool { return io.prefix[i+1] > pos })
	return i, pos - io.prefix[i], false
}

func (io *IOSegment) ReadSome(buf []byte) (int, error) {
	avail := io.rd.remaining()
	want := int64(len(buf))
	if want > avail {
		want = avail
	}
	if want <= 0 {
		return 0, nil
	}
	total := int64(0)
	pos := io.rd.pos
	for total < want {
		idx, within, inline := io.locate(pos)
		if inline {
			n := copy(buf[total:want], io.seg.InlineData[within:])
			total += int64(n)
			pos += int64(n)
			break
		}
		e := io.seg.Extents[idx]
		extSz := e.DataSpaceSize(io.seg.Order)
		chunk := want - total
		if chunk > extSz-within {
			chunk = extSz - within
		}
		got, err := io.arr.ReadExtent(e, buf[total:total+chunk], int(within))
		if err != nil {
			return int(total), err
		}
		total += int64(got)
		pos += int64(got)
		if int64(got) < chunk {
			break
		}
	}
	io.rd.pos = pos
	return int(total), nil
}

func (io *IOSegment) WriteSome(buf []byte) (int, error) {
	if io.readOnly {
		return 0, &xozerr.InternalBug{Msg: "write to a read-only IO"}
	}
	avail := io.wr.remaining()
	want := int64(len(buf))
	if want > avail {
		want = avail
	}
	if want <= 0 {
		return 0, nil
	}
	total := int64(0)
	pos := io.wr.pos
	for total < want {
		idx, within, inline := io.locate(pos)
		if inline {
			n := copy(io.seg.InlineData[within:], buf[total:want])
			total += int64(n)
			pos += int64(n)
			break
		}
		e := io.seg.Extents[idx]
		extSz := e.DataSpaceSize(io.seg.Order)
		chunk := want - total
		if chunk > extSz-within {
			chunk = extSz - within
		}
		got, err := io.arr.WriteExtent(e, buf[total:total+chunk], int(within))
		if err != nil {
			return int(total), err
		}
		total += int64(got)
		pos += int64(got)
		if int64(got) < chunk {
			break
		}
	}
	io.wr.pos = pos
	return int(total), nil
}

func (io *IOSegment) ReadAll(buf []byte) error  { return readAllFrom(io.ReadSome, buf) }
func (io *IOSegment) WriteAll(buf []byte) error { return writeAllFrom(io.WriteSome, buf) }

func (io *IOSegment) SeekRd(pos int64, way Way) int64 { return io.rd.seek(pos, way) }
func (io *IOSegment) SeekWr(pos int64, way Way) int64 { return io.wr.seek(pos, way) }
func (io *IOSegment) TellRd() int64                   { return io.rd.pos }
func (io *IOSegment) TellWr() int64                   { return io.wr.pos }

func (io *IOSegment) LimitRd(min, end int64)   { io.rd.limit(min, end) }
func (io *IOSegment) LimitWr(min, end int64)   { io.wr.limit(min, end) }
func (io *IOSegment) RdLimits() (int64, int64) { return io.rd.min, io.rd.end }
func (io *IOSegment) WrLimits() (int64, int64) { return io.wr.min, io.wr.end }
func (io *IOSegment) TurnReadOnly()            { io.readOnly = true }

func (io *IOSegment) ReadU8() (uint8, error)   { return readU8(io) }
func (io *IOSegment) ReadU16() (uint16, error) { return readU16(io) }
func (io *IOSegment) ReadU32() (uint32, error) { return readU32(io) }
func (io *IOSegment) WriteU8(v uint8) error    { return writeU8(io, v) }
func (io *IOSegment) WriteU16(v uint16) error  { return writeU16(io, v) }
func (io *IOSegment) WriteU32(v uint32) error  { return writeU32(io, v) }

func (io *IOSegment) CopyIntoSelf(sz int64) error { return copyIntoSelfBuffered(io, sz) }
func (io *IOSegment) CopyInto(dst IO, sz int64) error {
	return copyIntoGeneric(io, dst, sz)
}
