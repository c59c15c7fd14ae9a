package xio

import "github.com/xoz-format/xoz/internal/xoz/xozerr"

// ptrState is the rd/wr pointer and [min, end) limit bookkeeping shared
// by every concrete IO implementation.
type ptrState struct {
	pos, min, end int64
}

func (p *ptrState) seek(pos int64, way Way) int64 {
	switch way {
	case Beg:
		p.pos = p.min + pos
	case End:
		p.pos = p.end + pos
	case Fwd:
		p.pos += pos
	case Bwd:
		p.pos -= pos
	}
	if p.pos < p.min {
		p.pos = p.min
	}
	if p.pos > p.end {
		p.pos = p.end
	}
	return p.pos
}

func (p *ptrState) limit(min, end int64) {
	p.min, p.end = min, end
	if p.pos < min {
		p.pos = min
	}
	if p.pos > end {
		p.pos = end
	}
}

func (p *ptrState) remaining() int64 { return p.end - p.pos }

// IOSpan is an IO backed directly by an in-memory byte buffer.
type IOSpan struct {
	buf      []byte
	rd, wr   ptrState
	readOnly bool
}

// NewIOSpan returns an IOSpan over buf, with both pointers starting at
// offset 0 and both limits spanning the whole buffer.
func NewIOSpan(buf []byte) *IOSpan {
	n := int64(len(buf))
	return &IOSpan{buf: buf, rd: ptrState{0, 0, n}, wr: ptrState{0, 0, n}}
}

func (s *IOSpan) ReadSome(buf []byte) (int, error) {
	avail := s.rd.remaining()
	n := int64(len(buf))
	if n > avail {
		n = avail
	}
	if n <= 0 {
		return 0, nil
	}
	copy(buf[:n], s.buf[s.rd.pos:s.rd.pos+n])
	s.rd.pos += n
	return int(n), nil
}

func (s *IOSpan) WriteSome(buf []byte) (int, error) {
	if s.readOnly {
		return 0, &xozerr.InternalBug{Msg: "write to a read-only IO"}
	}
	avail := s.wr.remaining()
	n := int64(len(buf))
	if n > avail {
		n = avail
	}
	if n <= 0 {
		return 0, nil
	}
	copy(s.buf[s.wr.pos:s.wr.pos+n], buf[:n])
	s.wr.pos += n
	return int(n), nil
}

func (s *IOSpan) ReadAll(buf []byte) error  { return readAllFrom(s.ReadSome, buf) }
func (s *IOSpan) WriteAll(buf []byte) error { return writeAllFrom(s.WriteSome, buf) }

func (s *IOSpan) SeekRd(pos int64, way Way) int64 { return s.rd.seek(pos, way) }
func (s *IOSpan) SeekWr(pos int64, way Way) int64 { return s.wr.seek(pos, way) }
func (s *IOSpan) TellRd() int64                   { return s.rd.pos }
func (s *IOSpan) TellWr() int64                   { return s.wr.pos }

func (s *IOSpan) LimitRd(min, end int64)      { s.rd.limit(min, end) }
func (s *IOSpan) LimitWr(min, end int64)      { s.wr.limit(min, end) }
func (s *IOSpan) RdLimits() (int64, int64)    { return s.rd.min, s.rd.end }
func (s *IOSpan) WrLimits() (int64, int64)    { return s.wr.min, s.wr.end }
func (s *IOSpan) TurnReadOnly()               { s.readOnly = true }

func (s *IOSpan) ReadU8() (uint8, error)   { return readU8(s) }
func (s *IOSpan) ReadU16() (uint16, error) { return readU16(s) }
func (s *IOSpan) ReadU32() (uint32, error) { return readU32(s) }
func (s *IOSpan) WriteU8(v uint8) error    { return writeU8(s, v) }
func (s *IOSpan) WriteU16(v uint16) error  { return writeU16(s, v) }
func (s *IOSpan) WriteU32(v uint32) error  { return writeU32(s, v) }

// CopyIntoSelf copies sz bytes from the current read position to the
// current write position of the same span, correct regardless of
// whether (and how) the two ranges overlap.
func (s *IOSpan) CopyIntoSelf(sz int64) error {
	if sz > s.rd.remaining() || sz > s.wr.remaining() {
		return &xozerr.NotEnoughRoom{Wanted: int(sz), Available: int(minInt64(s.rd.remaining(), s.wr.remaining()))}
	}
	return copyIntoSelfBuffered(s, sz)
}

// CopyInto copies sz bytes from this span's read position to dst's write
// position, byte chunk at a time through dst's IO interface.
func (s *IOSpan) CopyInto(dst IO, sz int64) error {
	return copyIntoGeneric(s, dst, sz)
}

func copyIntoGeneric(src, dst IO, sz int64) error {
	const chunk = 64 * 1024
	buf := make([]byte, chunk)
	remaining := sz
	for remaining > 0 {
		want := int64(len(buf))
		if want > remaining {
			want = remaining
		}
		if err := src.ReadAll(buf[:want]); err != nil {
			return err
		}
		if err := dst.WriteAll(buf[:want]); err != nil {
			return err
		}
		remaining -= want
	}
	return nil
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
