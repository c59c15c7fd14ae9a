package blk

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/xoz-format/xoz/internal/xoz/xozerr"
)

func TestSegmentDataSpaceSize(t *testing.T) {
	s := NewSegment(7)
	s.AddExtent(Extent{BlkNr: 1, BlkCnt: 2})                        // 256
	s.AddExtent(Extent{BlkNr: 5, Bitmap: 0x0007, IsSuballoc: true}) // 3 sub-blocks of 8
	s.InlineData = []byte{1, 2, 3}
	if got := s.CalcDataSpaceSize(); got != 256+24+3 {
		t.Errorf("CalcDataSpaceSize = %d, want %d", got, 256+24+3)
	}
}

func TestSegmentRoundTrip(t *testing.T) {
	for _, tt := range []struct {
		name string
		segm func() Segment
	}{
		{"extents only", func() Segment {
			s := NewSegment(7)
			s.AddExtent(Extent{BlkNr: 1, BlkCnt: 2})
			s.AddExtent(Extent{BlkNr: 9, Bitmap: 0x00ff, IsSuballoc: true})
			s.AddEndOfSegment()
			return s
		}},
		{"inline only", func() Segment {
			s := NewSegment(7)
			s.InlineData = []byte{0xaa, 0xbb, 0xcc}
			s.AddEndOfSegment()
			return s
		}},
		{"single inline byte", func() Segment {
			s := NewSegment(7)
			s.InlineData = []byte{0x7f}
			s.AddEndOfSegment()
			return s
		}},
		{"max inline", func() Segment {
			s := NewSegment(7)
			s.InlineData = bytes.Repeat([]byte{0x5a}, 63)
			s.AddEndOfSegment()
			return s
		}},
		{"extents and inline", func() Segment {
			s := NewSegment(10)
			s.AddExtent(Extent{BlkNr: 0x3456789, BlkCnt: 300})
			s.InlineData = []byte{1}
			s.AddEndOfSegment()
			return s
		}},
		{"empty with marker", func() Segment {
			s := NewSegment(7)
			s.AddEndOfSegment()
			return s
		}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			want := tt.segm()
			var buf bytes.Buffer
			if err := want.WriteInto(&buf, true); err != nil {
				t.Fatal(err)
			}
			if buf.Len() != want.CalcStructFootprintSize() {
				t.Errorf("wrote %d bytes, footprint says %d", buf.Len(), want.CalcStructFootprintSize())
			}
			got, rest, err := LoadSegmentFrom(buf.Bytes(), want.Order, false)
			if err != nil {
				t.Fatal(err)
			}
			if len(rest) != 0 {
				t.Errorf("decode left %d bytes", len(rest))
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSegmentMissingEndOfSegment(t *testing.T) {
	s := NewSegment(7)
	s.AddExtent(Extent{BlkNr: 1, BlkCnt: 2})
	buf := s.EncodeStandalone()

	// Without a length prefix, a trailer word is mandatory.
	_, _, err := LoadSegmentFrom(buf, 7, false)
	var bf *xozerr.BadFormat
	if !errors.As(err, &bf) {
		t.Fatalf("got %v, want BadFormat", err)
	}

	// With one, the decoder may stop at the end of the buffer.
	got, _, err := LoadSegmentFrom(buf, 7, true)
	if err != nil {
		t.Fatal(err)
	}
	if got.Length() != 1 {
		t.Errorf("Length = %d, want 1", got.Length())
	}
}

func TestSegmentRemoveInlineData(t *testing.T) {
	s := NewSegment(7)
	s.InlineData = []byte{1, 2}
	s.RemoveInlineData()
	if s.CalcDataSpaceSize() != 0 {
		t.Error("inline data survived RemoveInlineData")
	}
}
