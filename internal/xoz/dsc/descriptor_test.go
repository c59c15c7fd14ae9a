package dsc

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/xoz-format/xoz/internal/xoz/blk"
	"github.com/xoz-format/xoz/internal/xoz/xio"
	"github.com/xoz-format/xoz/internal/xoz/xozerr"
)

func newTestBlkArray(t *testing.T) *blk.FileBlockArray {
	t.Helper()
	arr := blk.CreateInMemory(7, 1, 4)
	if err := arr.Allocator().InitializeFromAllocated(nil); err != nil {
		t.Fatal(err)
	}
	return arr
}

func encodeDescriptor(t *testing.T, d *Descriptor) []byte {
	t.Helper()
	buf := make([]byte, d.CalcStructFootprintSize())
	if err := d.WriteStructInto(xio.NewIOSpan(buf)); err != nil {
		t.Fatal(err)
	}
	return buf
}

func TestDescriptorRoundTrip(t *testing.T) {
	arr := newTestBlkArray(t)
	rctx := NewRuntimeContext(NewRegistry())

	op := &OpaqueDescriptor{}
	op.SetIdata([]byte{0x41, 0x42})
	d := NewDescriptor(0x00fa, arr, op)
	d.SetID(7) // persistent

	raw := encodeDescriptor(t, d)
	if len(raw)%2 != 0 {
		t.Errorf("footprint %d is odd", len(raw))
	}

	got, err := LoadStructFrom(xio.NewIOSpan(raw), rctx, arr, rctx.Registry)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type() != 0x00fa || got.ID() != 7 {
		t.Errorf("type=%#x id=%d", got.Type(), got.ID())
	}
	gotOp, ok := Cast[*OpaqueDescriptor](got)
	if !ok {
		t.Fatal("loaded descriptor is not opaque")
	}
	if diff := cmp.Diff([]byte{0x41, 0x42}, gotOp.Idata()); diff != "" {
		t.Errorf("idata mismatch:\n%s", diff)
	}

	// Property: write(read(bytes)) == bytes.
	again := encodeDescriptor(t, got)
	if !bytes.Equal(raw, again) {
		t.Errorf("rewrite differs:\n  first  %x\n  second %x", raw, again)
	}
}

func TestDescriptorZeroIsize(t *testing.T) {
	arr := newTestBlkArray(t)
	rctx := NewRuntimeContext(NewRegistry())
	d := NewDescriptor(0x00fb, arr, &OpaqueDescriptor{})
	d.SetID(3)
	raw := encodeDescriptor(t, d)
	got, err := LoadStructFrom(xio.NewIOSpan(raw), rctx, arr, rctx.Registry)
	if err != nil {
		t.Fatal(err)
	}
	if got.Header().ISize != 0 {
		t.Errorf("isize = %d", got.Header().ISize)
	}
}

func TestDescriptorExtendedType(t *testing.T) {
	arr := newTestBlkArray(t)
	rctx := NewRuntimeContext(NewRegistry())
	d := NewDescriptor(0xfa00, arr, &OpaqueDescriptor{}) // beyond the 13-bit inline type range
	d.SetID(4)
	raw := encodeDescriptor(t, d)
	got, err := LoadStructFrom(xio.NewIOSpan(raw), rctx, arr, rctx.Registry)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type() != 0xfa00 {
		t.Errorf("type = %#x, want 0xfa00", got.Type())
	}
}

func TestDescriptorTemporalIDNotSerialized(t *testing.T) {
	arr := newTestBlkArray(t)
	rctx := NewRuntimeContext(NewRegistry())
	d := NewDescriptor(0x00fa, arr, &OpaqueDescriptor{})
	d.SetID(rctx.IDs.NextTemporal())

	raw := encodeDescriptor(t, d)
	got, err := LoadStructFrom(xio.NewIOSpan(raw), rctx, arr, rctx.Registry)
	if err != nil {
		t.Fatal(err)
	}
	if !IsIDTemporal(got.ID()) {
		t.Errorf("loaded id %#x is not temporal", got.ID())
	}
	if got.ID() == d.ID() {
		// The record stores 0; the loader must mint a fresh temporal id,
		// not resurrect the writer's.
		t.Errorf("temporal id %#x survived serialization", d.ID())
	}
}

func TestDescriptorChecksumMismatch(t *testing.T) {
	arr := newTestBlkArray(t)
	rctx := NewRuntimeContext(NewRegistry())
	op := &OpaqueDescriptor{}
	op.SetIdata([]byte{9, 9})
	d := NewDescriptor(0x00fa, arr, op)
	d.SetID(5)
	raw := encodeDescriptor(t, d)
	raw[len(raw)-1] ^= 0xff
	_, err := LoadStructFrom(xio.NewIOSpan(raw), rctx, arr, rctx.Registry)
	var bf *xozerr.BadFormat
	if !errors.As(err, &bf) {
		t.Fatalf("got %v, want BadFormat", err)
	}
}

func TestDescriptorOddIsizeRejected(t *testing.T) {
	arr := newTestBlkArray(t)
	op := &OpaqueDescriptor{}
	op.SetIdata([]byte{1})
	d := NewDescriptor(0x00fa, arr, op)
	d.SetID(6)
	err := d.WriteStructInto(xio.NewIOSpan(make([]byte, 64)))
	var bd *xozerr.BadDescriptor
	if !errors.As(err, &bd) {
		t.Fatalf("got %v, want BadDescriptor", err)
	}
}

// vOneHooks models an old reader of a descriptor kind whose newer
// versions append extra idata fields.
type vOneHooks struct{ a uint16 }

func (h *vOneHooks) ReadStructSpecificsFrom(io xio.IO) error {
	v, err := io.ReadU16()
	h.a = v
	return err
}
func (h *vOneHooks) WriteStructSpecificsInto(io xio.IO) error { return io.WriteU16(h.a) }
func (h *vOneHooks) UpdateSizes() (uint8, uint32)             { return 2, 0 }

// vTwoHooks is the newer version with a second field.
type vTwoHooks struct{ a, b uint16 }

func (h *vTwoHooks) ReadStructSpecificsFrom(io xio.IO) error {
	var err error
	if h.a, err = io.ReadU16(); err != nil {
		return err
	}
	h.b, err = io.ReadU16()
	return err
}
func (h *vTwoHooks) WriteStructSpecificsInto(io xio.IO) error {
	if err := io.WriteU16(h.a); err != nil {
		return err
	}
	return io.WriteU16(h.b)
}
func (h *vTwoHooks) UpdateSizes() (uint8, uint32) { return 4, 0 }

func TestDescriptorFutureIdataPreserved(t *testing.T) {
	arr := newTestBlkArray(t)

	// Written by the newer version...
	d := NewDescriptor(0x00ab, arr, &vTwoHooks{a: 0x1111, b: 0x2222})
	d.SetID(9)
	raw := encodeDescriptor(t, d)

	// ...read back by the older one.
	reg := NewRegistry()
	if err := reg.Register(0x00ab, func(hdr Header, cblkarr blk.BlockArray, rctx *RuntimeContext) (Hooks, error) {
		return &vOneHooks{}, nil
	}); err != nil {
		t.Fatal(err)
	}
	rctx := NewRuntimeContext(reg)
	got, err := LoadStructFrom(xio.NewIOSpan(raw), rctx, arr, reg)
	if err != nil {
		t.Fatal(err)
	}
	v1, ok := Cast[*vOneHooks](got)
	if !ok {
		t.Fatal("wrong hooks type")
	}
	if v1.a != 0x1111 {
		t.Errorf("a = %#x", v1.a)
	}

	// A rewrite by the old version must preserve the unknown field.
	again := encodeDescriptor(t, got)
	if !bytes.Equal(raw, again) {
		t.Errorf("old-version rewrite lost future idata:\n  first  %x\n  second %x", raw, again)
	}
}

func TestDescriptorContentRoundTrip(t *testing.T) {
	arr := newTestBlkArray(t)
	rctx := NewRuntimeContext(NewRegistry())

	op := &OpaqueDescriptor{}
	d := NewDescriptor(0x00fa, arr, op)
	d.SetID(11)
	if err := d.ResizeContent(200); err != nil {
		t.Fatal(err)
	}
	op.csize = 200
	cio, err := d.AllocatedContentIO()
	if err != nil {
		t.Fatal(err)
	}
	pattern := bytes.Repeat([]byte{0xee}, 200)
	if err := cio.WriteAll(pattern); err != nil {
		t.Fatal(err)
	}

	raw := encodeDescriptor(t, d)
	got, err := LoadStructFrom(xio.NewIOSpan(raw), rctx, arr, rctx.Registry)
	if err != nil {
		t.Fatal(err)
	}
	if !got.DoesOwnContent() {
		t.Fatal("own_content lost")
	}
	gio, err := got.ContentIO()
	if err != nil {
		t.Fatal(err)
	}
	back := make([]byte, 200)
	if err := gio.ReadAll(back); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pattern, back) {
		t.Error("content differs after reload")
	}
}

func TestResizeContentToZero(t *testing.T) {
	arr := newTestBlkArray(t)
	op := &OpaqueDescriptor{}
	d := NewDescriptor(0x00fa, arr, op)
	if err := d.ResizeContent(300); err != nil {
		t.Fatal(err)
	}
	op.csize = 300
	if err := d.ResizeContent(0); err != nil {
		t.Fatal(err)
	}
	op.csize = 0
	if d.DoesOwnContent() {
		t.Error("own_content still set after resize to zero")
	}
	st := arr.Allocator().Stats()
	if st.InUseBlocks != 0 || st.InUseSubblocks != 0 {
		t.Errorf("space leaked: %+v", st)
	}
}
