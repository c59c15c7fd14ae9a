package xoz_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io/ioutil"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/xoz-format/xoz"
)

func createAt(t *testing.T, registry *xoz.Registry) (string, *xoz.File) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "container.xoz")
	f, err := xoz.Create(path, xoz.CreateParams{AppName: "xoztest"}, registry)
	if err != nil {
		t.Fatal(err)
	}
	return path, f
}

// verifyHeaderChecksum recomputes the header's Internet checksum over
// the 128 bytes with the checksum field zeroed and compares it with the
// stored value.
func verifyHeaderChecksum(t *testing.T, hdr []byte) {
	t.Helper()
	stored := binary.LittleEndian.Uint16(hdr[76:78])
	cp := append([]byte(nil), hdr[:128]...)
	cp[76], cp[77] = 0, 0
	var acc uint32
	for i := 0; i < 128; i += 2 {
		acc += uint32(binary.LittleEndian.Uint16(cp[i : i+2]))
	}
	for acc>>16 != 0 {
		acc = (acc & 0xffff) + (acc >> 16)
	}
	if uint16(acc) != stored {
		t.Errorf("header checksum = %#x, stored %#x", acc, stored)
	}
}

func TestCreateEmptyContainer(t *testing.T) {
	path, f := createAt(t, xoz.NewRegistry())
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	raw, err := ioutil.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 128+4 {
		t.Fatalf("file is %d bytes, want 132", len(raw))
	}
	if !bytes.Equal(raw[0:4], []byte("XOZ\x00")) {
		t.Errorf("magic = %x", raw[0:4])
	}
	if got := binary.LittleEndian.Uint64(raw[16:24]); got != 0x80 {
		t.Errorf("file_sz = %#x, want 0x80", got)
	}
	if got := binary.LittleEndian.Uint16(raw[24:26]); got != 4 {
		t.Errorf("trailer_sz = %d, want 4", got)
	}
	if got := binary.LittleEndian.Uint32(raw[26:30]); got != 1 {
		t.Errorf("blk_total_cnt = %d, want 1", got)
	}
	if raw[30] != 7 {
		t.Errorf("blk_sz_order = %d, want 7", raw[30])
	}
	if raw[31] != 0 {
		t.Errorf("flags = %#x, want 0", raw[31])
	}
	verifyHeaderChecksum(t, raw)
	if !bytes.Equal(raw[128:132], []byte("EOF\x00")) {
		t.Errorf("trailer = %x", raw[128:132])
	}

	// An empty container round-trips to an empty root set.
	g, err := xoz.Open(path, xoz.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	if g.Root().Len() != 0 {
		t.Errorf("root has %d descriptors", g.Root().Len())
	}
	if g.HasTrampoline() {
		t.Error("empty container has a trampoline")
	}
}

func addOpaque(t *testing.T, f *xoz.File, idata []byte, persistent bool) uint32 {
	t.Helper()
	op := &xoz.OpaqueDescriptor{}
	op.SetIdata(idata)
	id, err := f.Root().Add(f.NewDescriptor(0x00fa, op), persistent)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func opaqueIdatas(set *xoz.DescriptorSet) [][]byte {
	var out [][]byte
	for _, d := range set.Descriptors() {
		if op, ok := xoz.Cast[*xoz.OpaqueDescriptor](d); ok {
			out = append(out, op.Idata())
		}
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i]) < string(out[j]) })
	return out
}

func TestSmallSetStaysInline(t *testing.T) {
	path, f := createAt(t, xoz.NewRegistry())
	for c := byte('A'); c <= 'D'; c++ {
		addOpaque(t, f, []byte{c, c}, false)
	}
	if err := f.FullSync(false); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	raw, err := ioutil.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(raw[26:30]); got != 2 {
		t.Errorf("blk_total_cnt = %d, want 2", got)
	}
	if raw[31]&0x80 != 0 {
		t.Error("trampoline flag set for a small root set")
	}
	verifyHeaderChecksum(t, raw)
	// The catalog lives at the start of block 1: a zero reserved word
	// followed by its checksum, then the packed records.
	if raw[128] != 0 || raw[129] != 0 {
		t.Errorf("catalog reserved word = %x", raw[128:130])
	}

	g, err := xoz.Open(path, xoz.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	want := [][]byte{{'A', 'A'}, {'B', 'B'}, {'C', 'C'}, {'D', 'D'}}
	if diff := cmp.Diff(want, opaqueIdatas(g.Root())); diff != "" {
		t.Errorf("idata mismatch (-want +got):\n%s", diff)
	}
}

func TestTrampolineLifecycle(t *testing.T) {
	path, f := createAt(t, xoz.NewRegistry())
	idata := bytes.Repeat([]byte{0x77}, 16)
	for i := 0; i < 60; i++ {
		addOpaque(t, f, idata, false)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	g, err := xoz.Open(path, xoz.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	if !g.HasTrampoline() {
		t.Fatal("large fragmented root set did not move to a trampoline")
	}
	if g.Root().Len() != 60 {
		t.Fatalf("reloaded %d descriptors, want 60", g.Root().Len())
	}
	grownTotal := g.BlkTotalCnt()

	// Erasing everything must bring the root record back inline and
	// shrink the file.
	if err := g.Root().ClearSet(); err != nil {
		t.Fatal(err)
	}
	if err := g.Close(); err != nil {
		t.Fatal(err)
	}

	h, err := xoz.Open(path, xoz.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	if h.HasTrampoline() {
		t.Error("trampoline survived although the root record fits inline")
	}
	if h.Root().Len() != 0 {
		t.Errorf("root has %d descriptors after clear", h.Root().Len())
	}
	if h.BlkTotalCnt() >= grownTotal {
		t.Errorf("file did not shrink: %d -> %d blocks", grownTotal, h.BlkTotalCnt())
	}
}

// blobHooks is the application-defined descriptor kind used by the
// nested/content tests: two bytes of idata plus an opaque content blob.
type blobHooks struct {
	tag   uint16
	csize uint32
}

const blobType = 0x00ab

func (h *blobHooks) ReadStructSpecificsFrom(io xoz.IO) error {
	v, err := io.ReadU16()
	h.tag = v
	return err
}

func (h *blobHooks) WriteStructSpecificsInto(io xoz.IO) error {
	return io.WriteU16(h.tag)
}

func (h *blobHooks) UpdateSizes() (uint8, uint32) { return 2, h.csize }

func blobRegistry(t *testing.T) *xoz.Registry {
	t.Helper()
	reg := xoz.NewRegistry()
	err := reg.Register(blobType, func(hdr xoz.DescHeader, cblkarr xoz.BlockArray, rctx *xoz.RuntimeContext) (xoz.Hooks, error) {
		return &blobHooks{csize: hdr.Content.CSize}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestContentSurvivesReopen(t *testing.T) {
	path, f := createAt(t, blobRegistry(t))

	h := &blobHooks{tag: 0xbeef}
	d := f.NewDescriptor(blobType, h)
	id, err := f.Root().Add(d, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.ResizeContent(300); err != nil {
		t.Fatal(err)
	}
	h.csize = 300
	cio, err := d.AllocatedContentIO()
	if err != nil {
		t.Fatal(err)
	}
	pattern := make([]byte, 300)
	for i := range pattern {
		pattern[i] = byte(i * 7)
	}
	if err := cio.WriteAll(pattern); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	g, err := xoz.Open(path, blobRegistry(t))
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	gd, ok := g.Root().Get(id)
	if !ok {
		t.Fatalf("descriptor %d lost", id)
	}
	gh, ok := xoz.Cast[*blobHooks](gd)
	if !ok {
		t.Fatal("wrong hooks kind after reopen")
	}
	if gh.tag != 0xbeef {
		t.Errorf("tag = %#x", gh.tag)
	}
	gio, err := gd.ContentIO()
	if err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 300)
	if err := gio.ReadAll(got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pattern, got) {
		t.Error("content differs after reopen")
	}
}

func TestNestedSetsReopenIdentity(t *testing.T) {
	path, f := createAt(t, xoz.NewRegistry())

	// Root -> child set -> holder-wrapped grandchild set, four plain
	// descriptors at every level.
	childDsc, child := f.NewDescriptorSet()
	if _, err := f.Root().Add(childDsc, true); err != nil {
		t.Fatal(err)
	}
	holderDsc := f.NewDsetHolder(0x0101)
	if _, err := child.Add(holderDsc, true); err != nil {
		t.Fatal(err)
	}
	holder, ok := xoz.Cast[*xoz.DsetHolder](holderDsc)
	if !ok {
		t.Fatal("holder cast failed")
	}
	grandchild := holder.Nested()

	fill := func(set *xoz.DescriptorSet, prefix byte) {
		for i := byte(0); i < 4; i++ {
			op := &xoz.OpaqueDescriptor{}
			op.SetIdata([]byte{prefix, '0' + i})
			if _, err := set.Add(f.NewDescriptor(0x00fa, op), true); err != nil {
				t.Fatal(err)
			}
		}
	}
	fill(f.Root(), 'r')
	fill(child, 'c')
	fill(grandchild, 'g')

	var wantIDs []uint32
	f.DepthFirstForEachSet(func(set *xoz.DescriptorSet) {
		for _, d := range set.Descriptors() {
			if !xoz.IsIDPersistent(d.ID()) {
				t.Fatalf("descriptor %#x not persistent", d.ID())
			}
			wantIDs = append(wantIDs, d.ID())
		}
	})
	sort.Slice(wantIDs, func(i, j int) bool { return wantIDs[i] < wantIDs[j] })

	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	g, err := xoz.Open(path, xoz.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	setCount := 0
	var gotIDs []uint32
	g.DepthFirstForEachSet(func(set *xoz.DescriptorSet) {
		setCount++
		for _, d := range set.Descriptors() {
			gotIDs = append(gotIDs, d.ID())
		}
	})
	sort.Slice(gotIDs, func(i, j int) bool { return gotIDs[i] < gotIDs[j] })
	if setCount != 3 {
		t.Errorf("visited %d sets, want 3 (root, child, grandchild)", setCount)
	}
	if diff := cmp.Diff(wantIDs, gotIDs); diff != "" {
		t.Errorf("persistent ids changed across reopen:\n%s", diff)
	}

	// Every level's payload made it through.
	levels := map[byte][][]byte{}
	g.DepthFirstForEachSet(func(set *xoz.DescriptorSet) {
		for _, idata := range opaqueIdatas(set) {
			levels[idata[0]] = append(levels[idata[0]], idata)
		}
	})
	for _, prefix := range []byte{'r', 'c', 'g'} {
		if len(levels[prefix]) != 4 {
			t.Errorf("level %q has %d descriptors, want 4", prefix, len(levels[prefix]))
		}
	}
}

func TestPanicCloseDiscardsPending(t *testing.T) {
	path, f := createAt(t, xoz.NewRegistry())
	addOpaque(t, f, []byte{'Z', 'Z'}, false)
	if err := f.PanicClose(); err != nil {
		t.Fatal(err)
	}

	g, err := xoz.Open(path, xoz.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	if g.Root().Len() != 0 {
		t.Errorf("pending descriptor survived panic close")
	}
}

func TestOpenRejectsCorruption(t *testing.T) {
	path, f := createAt(t, xoz.NewRegistry())
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		name   string
		mutate func(b []byte) []byte
		// refit keeps the header checksum self-consistent, for checks
		// that come after checksum verification.
		refit bool
	}{
		{"bad magic", func(b []byte) []byte { b[0] = 'Y'; return b }, false},
		{"checksum mismatch", func(b []byte) []byte { b[4] ^= 0xff; return b }, false},
		{"bad order", func(b []byte) []byte { b[30] = 3; return b }, true},
		{"truncated", func(b []byte) []byte { return b[:100] }, false},
		{"size mismatch", func(b []byte) []byte { return append(b, 0) }, false},
		{"bad trailer", func(b []byte) []byte { b[128] = 'X'; return b }, false},
		{"incompatible feature", func(b []byte) []byte { b[36] = 1; return b }, true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			mutated := tt.mutate(append([]byte(nil), raw...))
			if tt.refit {
				fixChecksum(mutated)
			}
			p := filepath.Join(t.TempDir(), "bad.xoz")
			if err := ioutil.WriteFile(p, mutated, 0644); err != nil {
				t.Fatal(err)
			}
			_, err := xoz.Open(p, xoz.NewRegistry())
			var bf *xoz.BadFormatError
			if !errors.As(err, &bf) {
				t.Fatalf("got %v, want BadFormat", err)
			}
		})
	}
}

func fixChecksum(hdr []byte) {
	hdr[76], hdr[77] = 0, 0
	var acc uint32
	for i := 0; i < 128; i += 2 {
		acc += uint32(binary.LittleEndian.Uint16(hdr[i : i+2]))
	}
	for acc>>16 != 0 {
		acc = (acc & 0xffff) + (acc >> 16)
	}
	binary.LittleEndian.PutUint16(hdr[76:78], uint16(acc))
}

func TestCreateInMemory(t *testing.T) {
	f, err := xoz.CreateInMemory(xoz.CreateParams{BlkSzOrder: 9}, xoz.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	if f.BlkSz() != 512 {
		t.Errorf("BlkSz = %d, want 512", f.BlkSz())
	}
	addOpaque(t, f, []byte{'M', 'M'}, false)
	if err := f.FullSync(false); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateRejectsBadOrder(t *testing.T) {
	_, err := xoz.CreateInMemory(xoz.CreateParams{BlkSzOrder: 17}, xoz.NewRegistry())
	var bf *xoz.BadFormatError
	if !errors.As(err, &bf) {
		t.Fatalf("got %v, want BadFormat", err)
	}
}

func TestMoveOutAcrossSets(t *testing.T) {
	path, f := createAt(t, xoz.NewRegistry())
	childDsc, child := f.NewDescriptorSet()
	if _, err := f.Root().Add(childDsc, true); err != nil {
		t.Fatal(err)
	}
	id := addOpaque(t, f, []byte{'m', 'v'}, true)
	if err := f.FullSync(false); err != nil {
		t.Fatal(err)
	}

	if err := f.Root().MoveOut(id, child); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	g, err := xoz.Open(path, xoz.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	if _, ok := g.Root().Get(id); ok {
		t.Error("moved descriptor still in root")
	}
	found := false
	g.DepthFirstForEachSet(func(set *xoz.DescriptorSet) {
		if set == g.Root() {
			return
		}
		if _, ok := set.Get(id); ok {
			found = true
		}
	})
	if !found {
		t.Error("moved descriptor not found in the destination set")
	}
}
