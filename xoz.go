// Package xoz implements a single-file container format for a tree of
// typed, variable-size descriptors. Applications store structured
// objects (each of a declared type) together with optional large opaque
// content payloads, organized hierarchically into descriptor sets; the
// library maps that logical tree onto a fixed block-size file, handling
// space allocation, in-place updates, cross-version schema evolution and
// corruption detection via checksums.
//
// The on-disk envelope is a fixed 128-byte header in block 0, data
// blocks 1..N-1, and a small trailer. The root descriptor set's record
// is stored inline in the header when it fits in 32 bytes; otherwise a
// trampoline segment holds it and the header points there.
package xoz

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/xoz-format/xoz/internal/diag"
	"github.com/xoz-format/xoz/internal/lifecycle"
	"github.com/xoz-format/xoz/internal/xoz/blk"
	"github.com/xoz-format/xoz/internal/xoz/dsc"
	"github.com/xoz-format/xoz/internal/xoz/mem"
	"github.com/xoz-format/xoz/internal/xoz/xio"
	"github.com/xoz-format/xoz/internal/xoz/xozerr"
)

// Re-exported surface of the internal packages, so applications never
// import internal/ paths directly.
type (
	Registry         = dsc.Registry
	Factory          = dsc.Factory
	Descriptor       = dsc.Descriptor
	DescriptorSet    = dsc.DescriptorSet
	DsetHolder       = dsc.DsetHolder
	RuntimeContext   = dsc.RuntimeContext
	RuntimeConfig    = dsc.RuntimeConfig
	Hooks            = dsc.Hooks
	OpaqueDescriptor = dsc.OpaqueDescriptor
	DescHeader       = dsc.Header
	Segment          = blk.Segment
	Extent           = blk.Extent
	BlockArray       = blk.BlockArray
	AllocatorStats   = blk.Stats
	IO               = xio.IO
)

// NewRegistry returns a registry with the library's own descriptor
// types pre-wired; applications register their types on top.
func NewRegistry() *Registry { return dsc.NewRegistry() }

// Cast downcasts a descriptor's kind-specific state to T.
func Cast[T Hooks](d *Descriptor) (T, bool) { return dsc.Cast[T](d) }

// NestedSetOf returns the DescriptorSet embedded in d (d being a set
// itself, or a DsetHolder carrying one), or nil.
func NestedSetOf(d *Descriptor) *DescriptorSet { return dsc.NestedSetOf(d) }

// IsIDTemporal and IsIDPersistent classify a descriptor id by its high
// bit.
func IsIDTemporal(id uint32) bool   { return dsc.IsIDTemporal(id) }
func IsIDPersistent(id uint32) bool { return dsc.IsIDPersistent(id) }

// Reserved descriptor types.
const (
	DescriptorSetType = dsc.DescriptorSetType
	DsetHolderType    = dsc.DsetHolderType
)

// The error kinds every operation may wrap; match with errors.As.
type (
	BadFormatError         = xozerr.BadFormat
	OutOfBoundsError       = xozerr.OutOfBounds
	OverlapError           = xozerr.Overlap
	NotEnoughRoomError     = xozerr.NotEnoughRoom
	UnexpectedShortenError = xozerr.UnexpectedShorten
	BadDescriptorError     = xozerr.BadDescriptor
	InternalBugError       = xozerr.InternalBug
)

const (
	headerSz    = 128
	trailerSz   = 4
	rootFieldSz = 32

	minBlkSzOrder = 7
	maxBlkSzOrder = 16

	// DefaultBlkSzOrder is the block size used by Create when the caller
	// does not pick one: 2^7 = 128 bytes.
	DefaultBlkSzOrder uint8 = 7

	flagHasTrampoline = 0x80
)

var (
	magicXOZ = []byte{'X', 'O', 'Z', 0}
	magicEOF = []byte{'E', 'O', 'F', 0}
)

// Byte offsets within the 128-byte header.
const (
	hdrOffMagic        = 0  // 4 B "XOZ\0"
	hdrOffAppName      = 4  // 12 B opaque
	hdrOffFileSz       = 16 // u64, total size in bytes excluding trailer
	hdrOffTrailerSz    = 24 // u16
	hdrOffBlkTotalCnt  = 26 // u32, header block included
	hdrOffBlkSzOrder   = 30 // u8
	hdrOffFlags        = 31 // u8, bit 7 = has trampoline
	hdrOffFeatCompat   = 32 // u32
	hdrOffFeatIncompat = 36 // u32
	hdrOffFeatROCompat = 40 // u32
	hdrOffRoot         = 44 // 32 B root descriptor-set record or trampoline ref
	hdrOffChecksum     = 76 // u16, Internet checksum with this field zeroed
)

// CreateParams tunes Create and CreateInMemory.
type CreateParams struct {
	// BlkSzOrder is log2 of the block size, in [7, 16]. Zero means
	// DefaultBlkSzOrder.
	BlkSzOrder uint8

	// AppName is an opaque application tag stored in the header,
	// truncated to 12 bytes.
	AppName string
}

// File is the top-level handle on an open container.
type File struct {
	fblkarr *blk.FileBlockArray
	rctx    *dsc.RuntimeContext

	rootDsc *dsc.Descriptor
	root    *dsc.DescriptorSet

	appName      [12]byte
	featCompat   uint32
	featIncompat uint32
	featROCompat uint32

	hasTrampoline bool
	tramp         blk.Segment

	readOnly    bool
	closed      bool
	lifecycleID int
}

func checkBlkSzOrder(order uint8) error {
	if order < minBlkSzOrder || order > maxBlkSzOrder {
		return &xozerr.BadFormat{Msg: "blk_sz_order outside [7, 16]"}
	}
	return nil
}

func newFile(fblkarr *blk.FileBlockArray, registry *Registry, params CreateParams) (*File, error) {
	rctx := dsc.NewRuntimeContext(registry)
	rootDsc, root := dsc.NewDescriptorSet(fblkarr, rctx)
	rctx.SetRoot(root)
	if err := fblkarr.Allocator().InitializeFromAllocated(nil); err != nil {
		return nil, err
	}
	f := &File{
		fblkarr: fblkarr,
		rctx:    rctx,
		rootDsc: rootDsc,
		root:    root,
	}
	copy(f.appName[:], params.AppName)
	f.lifecycleID = lifecycle.Register(f.PanicClose)
	return f, nil
}

// CreateInMemory builds a fresh container backed by a growable memory
// buffer instead of a real file. Closing it flushes into the buffer and
// discards it; it is mainly useful for tests and for staging the image
// Create writes to disk.
func CreateInMemory(params CreateParams, registry *Registry) (*File, error) {
	order := params.BlkSzOrder
	if order == 0 {
		order = DefaultBlkSzOrder
	}
	if err := checkBlkSzOrder(order); err != nil {
		return nil, err
	}
	f, err := newFile(blk.CreateInMemory(order, 1, trailerSz), registry, params)
	if err != nil {
		return nil, err
	}
	// Write the envelope immediately so the image is a valid (empty)
	// container even before the first explicit sync.
	if err := f.syncEnvelope(false); err != nil {
		return nil, err
	}
	return f, nil
}

// Create builds a fresh container at path. The initial image is staged
// in memory and moved into place with an atomic rename, so a crash
// during Create never leaves a half-written file at path. The returned
// File is open on the real file.
func Create(path string, params CreateParams, registry *Registry) (*File, error) {
	ev := diag.Event("file.create", 0)
	defer ev.Done()

	staged, err := CreateInMemory(params, registry)
	if err != nil {
		return nil, err
	}
	if err := staged.Close(); err != nil {
		return nil, err
	}
	img, ok := staged.fblkarr.MemBytes()
	if !ok {
		return nil, &xozerr.InternalBug{Msg: "staged container is not memory-backed"}
	}
	if err := renameio.WriteFile(path, img, 0644); err != nil {
		return nil, xerrors.Errorf("create %s: %w", path, err)
	}
	return Open(path, registry)
}

// Open opens an existing container at path, verifying the header and
// trailer, loading the root descriptor set (through the trampoline when
// present) and bootstrapping the allocator from the segments the live
// tree references.
func Open(path string, registry *Registry) (*File, error) {
	ev := diag.Event("file.open", 0)
	defer ev.Done()

	hdr := make([]byte, headerSz)
	probe, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("open %s: %w", path, err)
	}
	if _, err := io.ReadFull(probe, hdr); err != nil {
		probe.Close()
		return nil, xerrors.Errorf("open %s: %w", path, &xozerr.BadFormat{Msg: "file shorter than the 128-byte header"})
	}
	st, err := probe.Stat()
	probe.Close()
	if err != nil {
		return nil, xerrors.Errorf("open %s: %w", path, err)
	}

	if !bytes.Equal(hdr[hdrOffMagic:hdrOffMagic+4], magicXOZ) {
		return nil, xerrors.Errorf("open %s: %w", path, &xozerr.BadFormat{Msg: "bad magic, not a xoz file"})
	}
	stored := binary.LittleEndian.Uint16(hdr[hdrOffChecksum : hdrOffChecksum+2])
	verify := append([]byte(nil), hdr...)
	verify[hdrOffChecksum], verify[hdrOffChecksum+1] = 0, 0
	if got := mem.Checksum(verify); got != stored {
		return nil, xerrors.Errorf("open %s: %w", path, &xozerr.BadFormat{Msg: "header checksum mismatch"})
	}

	order := hdr[hdrOffBlkSzOrder]
	if err := checkBlkSzOrder(order); err != nil {
		return nil, xerrors.Errorf("open %s: %w", path, err)
	}
	blkTotalCnt := binary.LittleEndian.Uint32(hdr[hdrOffBlkTotalCnt : hdrOffBlkTotalCnt+4])
	if blkTotalCnt < 1 {
		return nil, xerrors.Errorf("open %s: %w", path, &xozerr.BadFormat{Msg: "blk_total_cnt must count at least the header block"})
	}
	fileSz := binary.LittleEndian.Uint64(hdr[hdrOffFileSz : hdrOffFileSz+8])
	if want := uint64(blkTotalCnt) << order; fileSz != want {
		return nil, xerrors.Errorf("open %s: %w", path, &xozerr.BadFormat{Msg: "declared file_sz does not match blk_total_cnt << blk_sz_order"})
	}
	declTrailerSz := binary.LittleEndian.Uint16(hdr[hdrOffTrailerSz : hdrOffTrailerSz+2])
	if declTrailerSz < trailerSz {
		return nil, xerrors.Errorf("open %s: %w", path, &xozerr.BadFormat{Msg: "trailer_sz smaller than the trailer magic"})
	}
	if uint64(st.Size()) != fileSz+uint64(declTrailerSz) {
		return nil, xerrors.Errorf("open %s: %w", path, &xozerr.BadFormat{Msg: "physical file size does not match the header"})
	}

	featIncompat := binary.LittleEndian.Uint32(hdr[hdrOffFeatIncompat : hdrOffFeatIncompat+4])
	if featIncompat != 0 {
		return nil, xerrors.Errorf("open %s: %w", path, &xozerr.BadFormat{Msg: "unknown incompatible feature flags"})
	}
	featROCompat := binary.LittleEndian.Uint32(hdr[hdrOffFeatROCompat : hdrOffFeatROCompat+4])

	fblkarr, err := blk.OpenFile(path, order, 1, int(declTrailerSz), blkTotalCnt-1)
	if err != nil {
		return nil, err
	}

	trailer := make([]byte, declTrailerSz)
	if err := fblkarr.ReadTrailerBytes(trailer); err != nil {
		fblkarr.Close()
		return nil, err
	}
	if !bytes.Equal(trailer[:4], magicEOF) {
		fblkarr.Close()
		return nil, xerrors.Errorf("open %s: %w", path, &xozerr.BadFormat{Msg: "bad trailer magic"})
	}

	f := &File{
		fblkarr:      fblkarr,
		rctx:         dsc.NewRuntimeContext(registry),
		featCompat:   binary.LittleEndian.Uint32(hdr[hdrOffFeatCompat : hdrOffFeatCompat+4]),
		featIncompat: featIncompat,
		featROCompat: featROCompat,
		readOnly:     featROCompat != 0,
	}
	copy(f.appName[:], hdr[hdrOffAppName:hdrOffAppName+12])

	rootField := hdr[hdrOffRoot : hdrOffRoot+rootFieldSz]
	flags := hdr[hdrOffFlags]
	if err := f.loadRoot(rootField, flags); err != nil {
		fblkarr.Close()
		return nil, xerrors.Errorf("open %s: %w", path, err)
	}

	if err := f.bootstrapAllocator(); err != nil {
		fblkarr.Close()
		return nil, xerrors.Errorf("open %s: %w", path, err)
	}

	f.runAfterLoadHooks()
	f.lifecycleID = lifecycle.Register(f.PanicClose)
	return f, nil
}

// loadRoot deserializes the root descriptor-set record, either inline
// from the header's 32-byte root field or via the trampoline segment it
// references.
func (f *File) loadRoot(rootField []byte, flags uint8) error {
	var recordBytes []byte
	if flags&flagHasTrampoline != 0 {
		trampChecksum := binary.LittleEndian.Uint16(rootField[0:2])
		seg, _, err := blk.LoadSegmentFrom(rootField[2:], f.fblkarr.BlkSzOrder(), false)
		if err != nil {
			return err
		}
		data := make([]byte, seg.CalcDataSpaceSize())
		sio := xio.NewIOSegment(f.fblkarr, &seg)
		if err := sio.ReadAll(data); err != nil {
			return err
		}
		if got := mem.Checksum(data); got != trampChecksum {
			return &xozerr.BadFormat{Msg: "trampoline checksum mismatch"}
		}
		f.tramp = seg
		f.hasTrampoline = true
		recordBytes = data
	} else {
		recordBytes = append([]byte(nil), rootField...)
	}

	rootDsc, err := dsc.LoadStructFrom(xio.NewIOSpan(recordBytes), f.rctx, f.fblkarr, f.rctx.Registry)
	if err != nil {
		return err
	}
	root, ok := dsc.Cast[*dsc.DescriptorSet](rootDsc)
	if !ok {
		return &xozerr.BadFormat{Msg: "root record is not a descriptor set"}
	}
	f.rootDsc = rootDsc
	f.root = root
	f.rctx.SetRoot(root)
	return nil
}

// bootstrapAllocator walks the loaded tree, gathers every segment it
// references (set catalogs, descriptor content, the trampoline) and
// initializes the file allocator with them; everything else in the
// current capacity becomes free space. Until this runs, the allocator
// must not be used.
func (f *File) bootstrapAllocator() error {
	var segs []blk.Segment
	if f.hasTrampoline {
		segs = append(segs, f.tramp)
	}
	var walk func(set *dsc.DescriptorSet)
	walk = func(set *dsc.DescriptorSet) {
		segs = append(segs, set.ContentSegment())
		for _, d := range set.Descriptors() {
			if nested := dsc.NestedSetOf(d); nested != nil {
				walk(nested)
			} else if d.DoesOwnContent() {
				segs = append(segs, d.ContentSegment())
			}
		}
	}
	walk(f.root)
	return f.fblkarr.Allocator().InitializeFromAllocated(segs)
}

func (f *File) runAfterLoadHooks() {
	f.root.DepthFirstForEachSet(func(set *dsc.DescriptorSet) {
		for _, d := range set.Descriptors() {
			if h, ok := d.Hooks().(dsc.AfterLoadHook); ok {
				h.OnAfterLoad(f.root)
			}
		}
	})
}

// Root returns the root descriptor set.
func (f *File) Root() *DescriptorSet { return f.root }

// Runtime returns the runtime context (registry, id bookkeeping, logger
// and config knobs) bound to this file.
func (f *File) Runtime() *RuntimeContext { return f.rctx }

// ReadOnly reports whether the file was opened read-only because of
// unknown ro-compat feature flags.
func (f *File) ReadOnly() bool { return f.readOnly }

// BlkSz and BlkTotalCnt expose the container geometry (the total count
// includes the header block).
func (f *File) BlkSz() int { return f.fblkarr.BlkSz() }

func (f *File) BlkTotalCnt() uint32 {
	return f.fblkarr.BeginBlkNr() + f.fblkarr.BlkCnt()
}

// HasTrampoline reports whether the root record currently lives in a
// trampoline segment rather than inline in the header.
func (f *File) HasTrampoline() bool { return f.hasTrampoline }

// AllocStats returns the file allocator's counters.
func (f *File) AllocStats() AllocatorStats { return f.fblkarr.Allocator().Stats() }

// NewDescriptor constructs a not-yet-added descriptor of the given type
// whose future content will be allocated from this file.
func (f *File) NewDescriptor(typ uint16, hooks Hooks) *Descriptor {
	return dsc.NewDescriptor(typ, f.fblkarr, hooks)
}

// NewDescriptorSet constructs a fresh nested set (plus the descriptor
// representing it) backed by this file.
func (f *File) NewDescriptorSet() (*Descriptor, *DescriptorSet) {
	return dsc.NewDescriptorSet(f.fblkarr, f.rctx)
}

// NewDsetHolder constructs a DsetHolder descriptor wrapping a fresh
// empty nested set.
func (f *File) NewDsetHolder(reserved uint16) *Descriptor {
	return dsc.NewDsetHolder(f.fblkarr, f.rctx, reserved)
}

// DepthFirstForEachSet visits the root set and every nested set,
// children after their parent.
func (f *File) DepthFirstForEachSet(fn func(*DescriptorSet)) {
	f.root.DepthFirstForEachSet(fn)
}

// FullSync is the flush barrier: after it returns, every mutation issued
// before it is reflected in the backing store (subject to OS buffering),
// including a fresh header and trailer. With release set, free space at
// the end of the file is returned to the filesystem.
func (f *File) FullSync(release bool) error {
	if f.closed {
		return &xozerr.InternalBug{Msg: "full_sync on a closed file"}
	}
	if f.readOnly {
		return &xozerr.BadFormat{Msg: "file is open read-only"}
	}
	return f.syncEnvelope(release)
}

// Close flushes the tree, rewrites the envelope and closes the backing
// store. A failure during the flush escalates to panic-close semantics:
// the file is closed without further writes and the error is returned.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	ev := diag.Event("file.close", 0)
	defer ev.Done()

	if !f.readOnly {
		if err := f.syncEnvelope(true); err != nil {
			f.PanicClose()
			return xerrors.Errorf("close: %w", err)
		}
	}
	f.closed = true
	lifecycle.Unregister(f.lifecycleID)
	return f.fblkarr.Close()
}

// PanicClose closes the backing file without flushing. Pending writes
// are lost; the file on disk is as of the last successful envelope
// write.
func (f *File) PanicClose() error {
	if f.closed {
		return nil
	}
	f.closed = true
	lifecycle.Unregister(f.lifecycleID)
	return f.fblkarr.Close()
}

// syncEnvelope runs the close-path writeback: sync the tree, place the
// root record (inline or via trampoline), optionally release free
// space, then rewrite trailer and header. The header is written last so
// a partial flush is detectable by its checksum on the next open.
func (f *File) syncEnvelope(release bool) error {
	if err := f.root.FullSync(release); err != nil {
		return err
	}

	recordSz := f.rootDsc.CalcStructFootprintSize()
	record := make([]byte, recordSz)
	if err := f.rootDsc.WriteStructInto(xio.NewIOSpan(record)); err != nil {
		return err
	}

	var rootField [rootFieldSz]byte
	flags := uint8(0)
	if recordSz <= rootFieldSz {
		if f.hasTrampoline {
			if err := f.fblkarr.Allocator().Dealloc(f.tramp); err != nil {
				return err
			}
			f.hasTrampoline = false
			f.tramp = blk.Segment{}
		}
		copy(rootField[:], record)
	} else {
		trampCS, err := f.placeTrampoline(record)
		if err != nil {
			return err
		}
		flags |= flagHasTrampoline
		binary.LittleEndian.PutUint16(rootField[0:2], trampCS)

		var enc bytes.Buffer
		if err := f.tramp.WriteInto(&enc, true); err != nil {
			return err
		}
		if enc.Len() > rootFieldSz-2 {
			return &xozerr.InternalBug{Msg: "trampoline segment encoding does not fit the root field"}
		}
		copy(rootField[2:], enc.Bytes())
	}

	if release {
		if err := f.fblkarr.Allocator().Release(); err != nil {
			return err
		}
	}

	trailer := make([]byte, trailerSz)
	copy(trailer, magicEOF)
	if err := f.fblkarr.WriteTrailerBytes(trailer); err != nil {
		return err
	}

	hdr := make([]byte, headerSz)
	copy(hdr[hdrOffMagic:], magicXOZ)
	copy(hdr[hdrOffAppName:], f.appName[:])
	blkTotal := f.BlkTotalCnt()
	order := f.fblkarr.BlkSzOrder()
	binary.LittleEndian.PutUint64(hdr[hdrOffFileSz:], uint64(blkTotal)<<order)
	binary.LittleEndian.PutUint16(hdr[hdrOffTrailerSz:], trailerSz)
	binary.LittleEndian.PutUint32(hdr[hdrOffBlkTotalCnt:], blkTotal)
	hdr[hdrOffBlkSzOrder] = order
	hdr[hdrOffFlags] = flags
	binary.LittleEndian.PutUint32(hdr[hdrOffFeatCompat:], f.featCompat)
	binary.LittleEndian.PutUint32(hdr[hdrOffFeatIncompat:], f.featIncompat)
	binary.LittleEndian.PutUint32(hdr[hdrOffFeatROCompat:], f.featROCompat)
	copy(hdr[hdrOffRoot:], rootField[:])
	cs := mem.Checksum(hdr) // checksum field still zero at this point
	binary.LittleEndian.PutUint16(hdr[hdrOffChecksum:], cs)

	return f.fblkarr.WriteHeaderBytes(hdr)
}

// placeTrampoline (re)allocates the trampoline segment per the sizing
// policy (grow when too small, shrink when at least twice too large) and
// writes the root record into it, zero-padded to the trampoline's full
// data space so the returned checksum covers the whole blob.
func (f *File) placeTrampoline(record []byte) (uint16, error) {
	required := int64(len(record))
	if f.hasTrampoline {
		cur := f.tramp.CalcDataSpaceSize()
		if cur < required || cur >= 2*required {
			if err := f.fblkarr.Allocator().Dealloc(f.tramp); err != nil {
				return 0, err
			}
			f.hasTrampoline = false
			f.tramp = blk.Segment{}
		}
	}
	if !f.hasTrampoline {
		seg, err := f.fblkarr.Allocator().AllocSingleExtent(required)
		if err != nil {
			return 0, err
		}
		f.tramp = seg
		f.hasTrampoline = true
	}

	data := make([]byte, f.tramp.CalcDataSpaceSize())
	copy(data, record)
	sio := xio.NewIOSegment(f.fblkarr, &f.tramp)
	if err := sio.WriteAll(data); err != nil {
		return 0, err
	}
	return mem.Checksum(data), nil
}
