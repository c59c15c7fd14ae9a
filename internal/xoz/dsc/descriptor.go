package dsc

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/xoz-format/xoz/internal/xoz/blk"
	"github.com/xoz-format/xoz/internal/xoz/mem"
	"github.com/xoz-format/xoz/internal/xoz/xio"
	"github.com/xoz-format/xoz/internal/xoz/xozerr"
)

// Hooks is the surface every descriptor kind implements. A concrete
// descriptor kind is a Go type that implements Hooks and is handed to
// NewDescriptor; downcasting back is an ordinary type assertion on
// Descriptor.Hooks() (see Cast).
type Hooks interface {
	// ReadStructSpecificsFrom consumes as many bytes as the current
	// version of this descriptor kind needs from io (which is bounded to
	// exactly hdr.ISize bytes). Bytes left unread are preserved
	// verbatim as future_idata and rewritten on the next flush.
	ReadStructSpecificsFrom(io xio.IO) error
	// WriteStructSpecificsInto writes the current version's idata bytes.
	WriteStructSpecificsInto(io xio.IO) error
	// UpdateSizes returns the current version's idata size and, for a
	// content-owning descriptor, its content size.
	UpdateSizes() (isize uint8, csize uint32)
}

// AfterLoadHook is implemented by descriptor kinds that need to resolve
// cross-descriptor references once the whole tree has been loaded.
type AfterLoadHook interface {
	OnAfterLoad(root *DescriptorSet)
}

// DestroyHook is implemented by descriptor kinds with their own cleanup
// beyond releasing the generic content segment.
type DestroyHook interface {
	Destroy()
}

// ReleaseFreeSpaceHook is implemented by descriptor kinds (DescriptorSet
// chief among them) that can shrink their own allocation on full sync.
type ReleaseFreeSpaceHook interface {
	ReleaseFreeSpace() error
}

// ContentSegmentHook is implemented by descriptor kinds whose content
// segment is grown/shrunk by something other than ResizeContent (a
// nested DescriptorSet's own backing array, specifically). Descriptor
// calls UpdateContentSegment before every flush to pull in the latest
// extent list.
type ContentSegmentHook interface {
	UpdateContentSegment() (blk.Segment, bool)
}

// Descriptor is the common machinery shared by every descriptor kind:
// header bookkeeping, content (de)allocation, the load/write codec, and
// set-membership notification. Kind-specific behavior is
// reached through the embedded Hooks.
type Descriptor struct {
	hdr         Header
	ext         blk.Extent
	cblkarr     blk.BlockArray
	futureIdata []byte
	checksum    uint16
	owner       *DescriptorSet
	hooks       Hooks
}

// NewDescriptor creates a fresh, not-yet-added descriptor of the given
// type, backed by cblkarr for any content it may later own.
func NewDescriptor(typ uint16, cblkarr blk.BlockArray, hooks Hooks) *Descriptor {
	return &Descriptor{
		hdr:     Header{Type: typ, Content: ContentPart{Segm: blk.NewSegment(cblkarr.BlkSzOrder())}},
		cblkarr: cblkarr,
		hooks:   hooks,
	}
}

func (d *Descriptor) ID() uint32                 { return d.hdr.ID }
func (d *Descriptor) SetID(id uint32)             { d.hdr.ID = id }
func (d *Descriptor) Type() uint16                { return d.hdr.Type }
func (d *Descriptor) Header() Header              { return d.hdr }
func (d *Descriptor) Extent() blk.Extent          { return d.ext }
func (d *Descriptor) SetExtent(e blk.Extent)      { d.ext = e }
func (d *Descriptor) Owner() *DescriptorSet       { return d.owner }
func (d *Descriptor) SetOwner(s *DescriptorSet)   { d.owner = s }
func (d *Descriptor) DoesOwnContent() bool        { return d.hdr.OwnContent }
func (d *Descriptor) ContentSegment() blk.Segment { return d.hdr.Content.Segm }
func (d *Descriptor) Hooks() Hooks                { return d.hooks }
func (d *Descriptor) Checksum() uint16            { return d.checksum }

// IsIDTemporal and IsIDPersistent classify a descriptor id: the high bit
// marks a session-local id not yet assigned a durable value.
func IsIDTemporal(id uint32) bool   { return id&0x8000_0000 != 0 }
func IsIDPersistent(id uint32) bool { return !IsIDTemporal(id) }

// IsDescriptorSet reports whether this descriptor's type identifies it
// as a DescriptorSet (or a reserved DescriptorSet subclass), without a
// cast.
func (d *Descriptor) IsDescriptorSet() bool {
	return d.hdr.Type == DescriptorSetType ||
		(d.hdr.Type >= reservedSubclassBase && d.hdr.Type < reservedSubclassBase+reservedSubclassSpan)
}

// NotifyDescriptorChanged tells the owning set (if any) that this
// descriptor's observable state changed and it must be rewritten.
func (d *Descriptor) NotifyDescriptorChanged() {
	if d.owner != nil {
		d.owner.MarkAsModified(d.hdr.ID)
	}
}

// refreshSizes pulls the current isize/csize from the hooks and, for a
// content-owning descriptor whose segment is externally managed (a
// nested set), the latest content segment.
func (d *Descriptor) refreshSizes() (isizeCur uint8, csize uint32) {
	if sh, ok := d.hooks.(ContentSegmentHook); ok {
		if seg, changed := sh.UpdateContentSegment(); changed {
			d.hdr.Content.Segm = seg
		}
	}
	isizeCur, csize = d.hooks.UpdateSizes()
	d.hdr.ISize = isizeCur + uint8(len(d.futureIdata))
	if d.hdr.OwnContent {
		d.hdr.Content.CSize = csize
	}
	return
}

func varCSizeLen(csize uint32) int {
	n := 0
	for {
		n += 2
		csize >>= 15
		if csize == 0 {
			return n
		}
	}
}

// CalcStructFootprintSize returns the exact number of bytes
// WriteStructInto will emit for this descriptor's current state.
func (d *Descriptor) CalcStructFootprintSize() int {
	d.refreshSizes()
	n := 8 // word0(2) + checksum(2) + id(4)
	if d.hdr.Type > typeLowMask {
		n += 2
	}
	if d.hdr.ISize != 0 {
		n++
	}
	if d.hdr.OwnContent {
		n += varCSizeLen(d.hdr.Content.CSize)
		n += 2 + len(d.hdr.Content.Segm.EncodeStandalone())
	}
	n += int(d.hdr.ISize)
	if n%2 != 0 {
		n++
	}
	return n
}

// WriteStructInto serializes the descriptor (header, content segment
// reference, idata, preserved future_idata) into io.
func (d *Descriptor) WriteStructInto(io xio.IO) error {
	isizeCur, _ := d.refreshSizes()
	if d.hdr.ISize > 127 || d.hdr.ISize%2 != 0 {
		return &xozerr.BadDescriptor{Msg: "isize must be even and at most 127"}
	}
	if d.hdr.Type == 0 {
		return &xozerr.BadDescriptor{Msg: "descriptor type 0 is forbidden"}
	}

	idataBuf := make([]byte, isizeCur)
	span := xio.NewIOSpan(idataBuf)
	if err := d.hooks.WriteStructSpecificsInto(span); err != nil {
		return xerrors.Errorf("write descriptor specifics: %w", err)
	}

	raw, checksumOffset := encodeHeader(d.hdr, idataBuf, d.futureIdata)
	if len(raw)%2 != 0 {
		raw = append(raw, 0)
	}
	raw[checksumOffset] = 0
	raw[checksumOffset+1] = 0
	cs := mem.Checksum(raw)
	binary.LittleEndian.PutUint16(raw[checksumOffset:checksumOffset+2], cs)
	d.checksum = cs

	if err := io.WriteAll(raw); err != nil {
		return xerrors.Errorf("write descriptor: %w", err)
	}
	return nil
}

// LoadStructFrom decodes one descriptor from io using registry to pick
// the right Hooks implementation for its type.
func LoadStructFrom(io xio.IO, rctx *RuntimeContext, cblkarr blk.BlockArray, registry *Registry) (*Descriptor, error) {
	hdr, raw, checksumOffset, err := loadHeaderFrom(io, cblkarr.BlkSzOrder())
	if err != nil {
		return nil, err
	}
	if hdr.ID == 0 {
		// Serialized as temporal-only; give it a fresh temporal id for
		// this session.
		hdr.ID = rctx.IDs.NextTemporal()
	}

	factory := registry.lookup(hdr.Type)
	hooks, ferr := factory(hdr, cblkarr, rctx)
	if ferr != nil {
		return nil, xerrors.Errorf("construct descriptor type %d: %w", hdr.Type, ferr)
	}

	d := &Descriptor{hdr: hdr, cblkarr: cblkarr, hooks: hooks}
	d.checksum = binary.LittleEndian.Uint16(raw[checksumOffset : checksumOffset+2])

	idataBegin := len(raw) - int(hdr.ISize)
	idataAll := append([]byte(nil), raw[idataBegin:]...)
	span := xio.NewIOSpan(idataAll)
	if err := hooks.ReadStructSpecificsFrom(span); err != nil {
		return nil, xerrors.Errorf("read descriptor specifics: %w", err)
	}
	consumed := span.TellRd()
	d.futureIdata = append([]byte(nil), idataAll[consumed:]...)

	return d, nil
}

// ResizeContent adjusts the descriptor's content segment to have
// exactly newSz usable bytes, preserving any bytes beyond the current
// csize (future content written by a newer version of this descriptor
// kind) at the tail of the new allocation.
func (d *Descriptor) ResizeContent(newSz uint32) error {
	if newSz > 0x7fffffff {
		return &xozerr.BadDescriptor{Msg: "csize exceeds 2^31-1"}
	}
	alloc := d.cblkarr.Allocator()
	old := d.hdr.Content.Segm
	oldCap := old.CalcDataSpaceSize()

	if newSz == 0 {
		if oldCap > 0 {
			if err := alloc.Dealloc(old); err != nil {
				return err
			}
		}
		d.hdr.Content.Segm = blk.NewSegment(d.cblkarr.BlkSzOrder())
		d.hdr.Content.CSize = 0
		d.hdr.OwnContent = false
		d.NotifyDescriptorChanged()
		return nil
	}

	newSeg, err := alloc.Alloc(int64(newSz))
	if err != nil {
		return err
	}

	if oldCap > 0 {
		preserveLen := oldCap - int64(d.hdr.Content.CSize)
		if preserveLen > 0 {
			oldIO := xio.NewIOSegment(d.cblkarr, &old)
			newIO := xio.NewIOSegment(d.cblkarr, &newSeg)
			oldIO.SeekRd(int64(d.hdr.Content.CSize), xio.Beg)
			newIO.SeekWr(int64(d.hdr.Content.CSize), xio.Beg)
			if err := oldIO.CopyInto(newIO, preserveLen); err != nil {
				return err
			}
		}
		if err := alloc.Dealloc(old); err != nil {
			return err
		}
	}

	d.hdr.Content.Segm = newSeg
	d.hdr.OwnContent = true
	d.NotifyDescriptorChanged()
	return nil
}

// ContentIO returns an IO bounded to the descriptor's declared content
// size (csize); AllocatedContentIO returns one bounded to the full
// allocated capacity, exposing any preserved future content.
func (d *Descriptor) ContentIO() (*xio.IOSegment, error) {
	if !d.hdr.OwnContent {
		return nil, &xozerr.BadDescriptor{Msg: "descriptor does not own content"}
	}
	io := xio.NewIOSegment(d.cblkarr, &d.hdr.Content.Segm)
	io.LimitRd(0, int64(d.hdr.Content.CSize))
	io.LimitWr(0, int64(d.hdr.Content.CSize))
	return io, nil
}

func (d *Descriptor) AllocatedContentIO() (*xio.IOSegment, error) {
	if !d.hdr.OwnContent {
		return nil, &xozerr.BadDescriptor{Msg: "descriptor does not own content"}
	}
	return xio.NewIOSegment(d.cblkarr, &d.hdr.Content.Segm), nil
}

// FullSync recomputes the header sizes from the hooks; if release is set,
// it first lets the hooks shrink their own allocation. It writes nothing.
func (d *Descriptor) FullSync(release bool) error {
	if release {
		if rh, ok := d.hooks.(ReleaseFreeSpaceHook); ok {
			if err := rh.ReleaseFreeSpace(); err != nil {
				return err
			}
		}
	}
	d.refreshSizes()
	return nil
}

// Destroy lets the hooks do any kind-specific cleanup (for a
// DescriptorSet, this recurses into its owned descriptors first) and
// only then releases the descriptor's own content, if any. The ordering
// matters for a DescriptorSet, whose "content" is its catalog segment:
// every owned descriptor must be destroyed before the set's own segment
// is deallocated.
func (d *Descriptor) Destroy() {
	if dh, ok := d.hooks.(DestroyHook); ok {
		dh.Destroy()
	}
	if sh, ok := d.hooks.(ContentSegmentHook); ok {
		// The externally managed segment (a set's catalog) may never
		// have been pulled in by a flush; without this an un-synced
		// set's storage would leak on destroy.
		if seg, changed := sh.UpdateContentSegment(); changed {
			d.hdr.Content.Segm = seg
		}
	}
	if d.hdr.OwnContent && d.hdr.Content.Segm.CalcDataSpaceSize() > 0 {
		_ = d.cblkarr.Allocator().Dealloc(d.hdr.Content.Segm)
	}
}
