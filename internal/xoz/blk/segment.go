package blk

import (
	"bytes"
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"

	"github.com/xoz-format/xoz/internal/xoz/xozerr"
)

// maxInlineData is the largest number of inline-data bytes a Segment may
// carry directly in its serialized form.
const maxInlineData = 63

// Segment is an ordered list of extents plus an optional inline-data tail
//.
type Segment struct {
	// Order is the block-size order (log2 of the block size) used to
	// interpret extent byte sizes.
	Order uint8

	Extents []Extent

	// InlineData is up to 63 bytes appended after the extents' data space.
	InlineData []byte

	// EndOfSegment records whether an explicit end-of-segment marker was
	// present/required the last time this segment was (de)serialized.
	// Segments stored in a context without an external length prefix must
	// set this before calling WriteInto.
	EndOfSegment bool
}

// NewSegment returns an empty segment at the given block-size order.
func NewSegment(order uint8) Segment {
	return Segment{Order: order}
}

// AddExtent appends an extent to the segment.
func (s *Segment) AddExtent(e Extent) {
	s.Extents = append(s.Extents, e)
}

// AddEndOfSegment marks the segment as requiring an explicit end-of-segment
// marker when serialized.
func (s *Segment) AddEndOfSegment() {
	s.EndOfSegment = true
}

// RemoveInlineData drops any inline-data tail.
func (s *Segment) RemoveInlineData() {
	s.InlineData = nil
}

// Length returns the number of extents in the segment.
func (s *Segment) Length() int { return len(s.Extents) }

// CalcDataSpaceSize returns the total number of data bytes addressable
// through this segment: the sum of every extent's contribution plus the
// inline-data tail.
func (s *Segment) CalcDataSpaceSize() int64 {
	var sz int64
	for _, e := range s.Extents {
		sz += e.dataSpaceSize(s.Order)
	}
	sz += int64(len(s.InlineData))
	return sz
}

// needsTrailer reports whether a trailer word must be written: present
// whenever there is inline data, or an explicit end-of-segment marker is
// requested.
func (s *Segment) needsTrailer() bool {
	return len(s.InlineData) > 0 || s.EndOfSegment
}

// CalcStructFootprintSize returns the exact number of bytes WriteInto will
// emit for this segment.
func (s *Segment) CalcStructFootprintSize() int {
	n := 0
	for _, e := range s.Extents {
		n += e.wireSize()
	}
	if s.needsTrailer() {
		n += 2
		if len(s.InlineData) == 1 {
			n += 2 // single inline byte gets its own word, keeping alignment even
		} else {
			n += len(s.InlineData)
		}
	}
	return n
}

// EncodeStandalone serializes the segment to a byte slice without forcing
// an end-of-segment marker, for callers (e.g. the descriptor codec) that
// prefix the encoded bytes with an explicit length instead. A trailer with
// the end-of-segment flag is still written when EndOfSegment is set.
func (s *Segment) EncodeStandalone() []byte {
	var buf bytes.Buffer
	buf.Grow(s.CalcStructFootprintSize())
	_ = s.WriteInto(&buf, false)
	return buf.Bytes()
}

// WriteInto serializes the segment into w. requireEOS forces an explicit
// end-of-segment marker even if the segment has no inline data, for
// contexts (e.g. a bare stream with no outer length prefix) where the
// reader cannot otherwise tell where the segment ends.
func (s *Segment) WriteInto(w io.Writer, requireEOS bool) error {
	buf := make([]byte, 0, s.CalcStructFootprintSize())
	for _, e := range s.Extents {
		buf = encodeExtent(e, buf)
	}

	writeTrailer := s.needsTrailer() || requireEOS
	if writeTrailer {
		var word uint16 = 0x8000 // trailer tag
		hasInline := len(s.InlineData) > 0
		if hasInline {
			word |= 0x1
		}
		if s.EndOfSegment || requireEOS {
			word |= 0x2
		}
		word |= (uint16(len(s.InlineData)) & 0x3f) << 2

		var tmp [2]byte
		if hasInline && len(s.InlineData) == 1 {
			binary.LittleEndian.PutUint16(tmp[:], word)
			buf = append(buf, tmp[:]...)
			var vtmp [2]byte
			vtmp[0] = s.InlineData[0]
			vtmp[1] = 0
			buf = append(buf, vtmp[:]...)
		} else {
			binary.LittleEndian.PutUint16(tmp[:], word)
			buf = append(buf, tmp[:]...)
			if hasInline {
				buf = append(buf, s.InlineData...)
			}
		}
	}

	n, err := w.Write(buf)
	if err != nil {
		return xerrors.Errorf("write segment: %w", err)
	}
	if n != len(buf) {
		return xerrors.Errorf("write segment: %w", &xozerr.UnexpectedShorten{Wanted: len(buf), Got: n})
	}
	return nil
}

// LoadSegmentFrom deserializes a segment from buf at the given block-size order.
// hasLengthPrefix tells the decoder whether the caller already knows where
// the segment's bytes end (in which case a trailer word is optional and
// absence is not an error) or whether it must rely on an end-of-segment
// marker (in which case one is mandatory).
func LoadSegmentFrom(buf []byte, order uint8, hasLengthPrefix bool) (Segment, []byte, error) {
	s := NewSegment(order)
	for {
		if len(buf) == 0 {
			if hasLengthPrefix {
				return s, buf, nil
			}
			return Segment{}, nil, xerrors.Errorf("load segment: %w", &xozerr.BadFormat{Msg: "missing mandatory end-of-segment marker"})
		}
		if peekIsTrailer(buf) {
			word := binary.LittleEndian.Uint16(buf[:2])
			buf = buf[2:]
			hasInline := word&0x1 != 0
			s.EndOfSegment = word&0x2 != 0
			inlineLen := int((word >> 2) & 0x3f)
			if hasInline {
				if inlineLen == 1 {
					if len(buf) < 2 {
						return Segment{}, nil, xerrors.Errorf("load segment: %w", &xozerr.NotEnoughRoom{Wanted: 2, Available: len(buf)})
					}
					s.InlineData = []byte{buf[0]}
					buf = buf[2:]
				} else {
					if len(buf) < inlineLen {
						return Segment{}, nil, xerrors.Errorf("load segment: %w", &xozerr.NotEnoughRoom{Wanted: inlineLen, Available: len(buf)})
					}
					s.InlineData = append([]byte(nil), buf[:inlineLen]...)
					buf = buf[inlineLen:]
				}
			}
			return s, buf, nil
		}

		var e Extent
		var err error
		e, buf, err = decodeExtent(buf)
		if err != nil {
			return Segment{}, nil, err
		}
		s.Extents = append(s.Extents, e)
	}
}
