package xio

import (
	"bytes"
	"errors"
	"testing"

	"github.com/xoz-format/xoz/internal/xoz/xozerr"
)

func TestIOSpanReadWriteAll(t *testing.T) {
	buf := make([]byte, 8)
	s := NewIOSpan(buf)
	if err := s.WriteAll([]byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 4)
	if err := s.ReadAll(got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("read %v", got)
	}

	// Asking for more than remains is NotEnoughRoom.
	err := s.ReadAll(make([]byte, 5))
	var ner *xozerr.NotEnoughRoom
	if !errors.As(err, &ner) {
		t.Fatalf("got %v, want NotEnoughRoom", err)
	}
}

func TestIOSpanReadSomeClamps(t *testing.T) {
	s := NewIOSpan([]byte{1, 2, 3})
	got := make([]byte, 10)
	n, err := s.ReadSome(got)
	if err != nil || n != 3 {
		t.Fatalf("ReadSome = %d, %v; want 3, nil", n, err)
	}
	n, err = s.ReadSome(got)
	if err != nil || n != 0 {
		t.Errorf("ReadSome at end = %d, %v; want 0, nil", n, err)
	}
}

func TestIOSpanSeekClamps(t *testing.T) {
	s := NewIOSpan(make([]byte, 10))
	if pos := s.SeekRd(4, Beg); pos != 4 {
		t.Errorf("seek beg 4 = %d", pos)
	}
	if pos := s.SeekRd(3, Fwd); pos != 7 {
		t.Errorf("seek fwd 3 = %d", pos)
	}
	if pos := s.SeekRd(100, Fwd); pos != 10 {
		t.Errorf("seek far fwd = %d, want clamp to 10", pos)
	}
	if pos := s.SeekRd(100, Bwd); pos != 0 {
		t.Errorf("seek far bwd = %d, want clamp to 0", pos)
	}
	if pos := s.SeekRd(-2, End); pos != 8 {
		t.Errorf("seek end -2 = %d", pos)
	}
}

func TestIOSpanLimits(t *testing.T) {
	buf := []byte{0, 1, 2, 3, 4, 5, 6, 7}
	s := NewIOSpan(buf)
	s.LimitRd(2, 6)
	got := make([]byte, 4)
	if err := s.ReadAll(got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{2, 3, 4, 5}) {
		t.Errorf("limited read = %v", got)
	}
	if err := s.ReadAll(make([]byte, 1)); err == nil {
		t.Error("read past the limit succeeded")
	}
}

func TestIOSpanLittleEndianPrimitives(t *testing.T) {
	buf := make([]byte, 8)
	s := NewIOSpan(buf)
	if err := s.WriteU8(0x11); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteU16(0x2233); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteU32(0x44556677); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x11, 0x33, 0x22, 0x77, 0x66, 0x55, 0x44, 0}
	if !bytes.Equal(buf, want) {
		t.Fatalf("buffer = %x, want %x", buf, want)
	}
	if v, err := s.ReadU8(); err != nil || v != 0x11 {
		t.Errorf("ReadU8 = %#x, %v", v, err)
	}
	if v, err := s.ReadU16(); err != nil || v != 0x2233 {
		t.Errorf("ReadU16 = %#x, %v", v, err)
	}
	if v, err := s.ReadU32(); err != nil || v != 0x44556677 {
		t.Errorf("ReadU32 = %#x, %v", v, err)
	}
}

func TestIOSpanCopyIntoSelfOverlap(t *testing.T) {
	// Forward overlap: copy [0,6) over [2,8).
	buf := []byte{0, 1, 2, 3, 4, 5, 6, 7}
	s := NewIOSpan(buf)
	s.SeekWr(2, Beg)
	if err := s.CopyIntoSelf(6); err != nil {
		t.Fatal(err)
	}
	if want := []byte{0, 1, 0, 1, 2, 3, 4, 5}; !bytes.Equal(buf, want) {
		t.Errorf("forward overlap: %v, want %v", buf, want)
	}

	// Backward overlap: copy [2,8) over [0,6).
	buf = []byte{0, 1, 2, 3, 4, 5, 6, 7}
	s = NewIOSpan(buf)
	s.SeekRd(2, Beg)
	if err := s.CopyIntoSelf(6); err != nil {
		t.Fatal(err)
	}
	if want := []byte{2, 3, 4, 5, 6, 7, 6, 7}; !bytes.Equal(buf, want) {
		t.Errorf("backward overlap: %v, want %v", buf, want)
	}
}

func TestIOSpanCopyInto(t *testing.T) {
	src := NewIOSpan([]byte{9, 8, 7, 6})
	dstBuf := make([]byte, 4)
	dst := NewIOSpan(dstBuf)
	if err := src.CopyInto(dst, 4); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dstBuf, []byte{9, 8, 7, 6}) {
		t.Errorf("dst = %v", dstBuf)
	}
}

func TestIOSpanTurnReadOnly(t *testing.T) {
	s := NewIOSpan(make([]byte, 4))
	s.TurnReadOnly()
	err := s.WriteAll([]byte{1})
	var bug *xozerr.InternalBug
	if !errors.As(err, &bug) {
		t.Fatalf("got %v, want InternalBug", err)
	}
}

func TestRewindGuard(t *testing.T) {
	s := NewIOSpan(make([]byte, 8))
	func() {
		g := AutoRewind(s)
		defer g.Close()
		s.SeekRd(5, Beg)
		s.SeekWr(3, Beg)
	}()
	if s.TellRd() != 0 || s.TellWr() != 0 {
		t.Errorf("pointers not restored: rd=%d wr=%d", s.TellRd(), s.TellWr())
	}

	func() {
		g := AutoRewind(s)
		defer g.Close()
		s.SeekRd(5, Beg)
		g.Dismiss()
	}()
	if s.TellRd() != 5 {
		t.Errorf("dismissed guard restored anyway: rd=%d", s.TellRd())
	}
}

func TestLimitsGuard(t *testing.T) {
	s := NewIOSpan(make([]byte, 8))
	func() {
		g := AutoRestoreLimits(s)
		defer g.Close()
		s.LimitRd(2, 4)
		s.LimitWr(1, 3)
	}()
	if min, end := s.RdLimits(); min != 0 || end != 8 {
		t.Errorf("rd limits not restored: [%d, %d)", min, end)
	}
	if min, end := s.WrLimits(); min != 0 || end != 8 {
		t.Errorf("wr limits not restored: [%d, %d)", min, end)
	}
}

func TestIORestrictedRights(t *testing.T) {
	ro := NewIOReadOnly(NewIOSpan([]byte{1, 2, 3, 4}), 0, 4)
	if err := ro.WriteAll([]byte{9}); err == nil {
		t.Error("write through read-only wrapper succeeded")
	}
	got := make([]byte, 2)
	if err := ro.ReadAll(got); err != nil {
		t.Fatal(err)
	}

	wo := NewIOWriteOnly(NewIOSpan(make([]byte, 4)), 0, 4)
	if err := wo.WriteAll([]byte{9}); err != nil {
		t.Fatal(err)
	}
	err := wo.ReadAll(make([]byte, 1))
	var bug *xozerr.InternalBug
	if !errors.As(err, &bug) {
		t.Fatalf("got %v, want InternalBug", err)
	}
}
