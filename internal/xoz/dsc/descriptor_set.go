package dsc

import (
	"sort"

	"golang.org/x/xerrors"

	"github.com/xoz-format/xoz/internal/diag"
	"github.com/xoz-format/xoz/internal/xoz/blk"
	"github.com/xoz-format/xoz/internal/xoz/mem"
	"github.com/xoz-format/xoz/internal/xoz/xio"
	"github.com/xoz-format/xoz/internal/xoz/xozerr"
)

// catalogHeaderBlkCnt is the set's own 4-byte header (reserved u16 +
// checksum u16), expressed in the catalog's own 2-byte block
// granularity: 2 blocks of 2 bytes each.
const catalogHeaderBlkCnt = 2

// catalogBlkSzOrder is the block-size order DescriptorSet uses for its
// own SegmentBlockArray: 2^1 = 2 bytes, matching the mandatory even
// alignment of every descriptor record. This is what lets a
// descriptor's on-disk position be recorded as a plain Extent
// (blk_nr/blk_cnt) in Descriptor.ext, reusing the exact same allocator
// and extent machinery blk.SegmentAllocator already provides for
// whole-file allocation.
const catalogBlkSzOrder uint8 = 1

// catalogMaxInline caps the catalog's inline-data tail at exactly its own
// 4-byte header: an empty set occupies no block space at all (its whole
// catalog rides inline inside the record that describes the set), while
// the first real descriptor record forces the catalog into allocated
// extents.
const catalogMaxInline = catalogHeaderBlkCnt << catalogBlkSzOrder

// DescriptorSet is the persistent container of descriptors:
// add/erase/move/iterate, lazy writeback via three staging subsets, and
// recursive composition (a DescriptorSet can itself be one of another
// set's owned descriptors). It implements Hooks (a set is itself a
// descriptor, type 1) so that the generic Descriptor codec in
// descriptor.go/header.go can serialize "this set's own record" the same
// way it serializes any other descriptor.
type DescriptorSet struct {
	dblkarr *blk.SegmentBlockArray
	eblkarr blk.BlockArray
	rctx    *RuntimeContext

	owned    map[uint32]*Descriptor
	toAdd    map[uint32]*Descriptor
	toRemove map[uint32]*Descriptor
	toUpdate map[uint32]*Descriptor

	refCounts map[uint32]int
}

// NewDescriptorSet creates a fresh, empty DescriptorSet whose catalog
// storage (and its descriptors' content) is allocated from eblkarr, and
// returns it already wrapped in the Descriptor that represents it as an
// entry in whatever set (or file root slot) it will be placed into.
func NewDescriptorSet(eblkarr blk.BlockArray, rctx *RuntimeContext) (*Descriptor, *DescriptorSet) {
	seg := blk.NewSegment(eblkarr.BlkSzOrder())
	dblkarr := blk.NewSegmentBlockArray(eblkarr, seg, catalogBlkSzOrder, catalogMaxInline)

	ds := &DescriptorSet{
		dblkarr:   dblkarr,
		eblkarr:   eblkarr,
		rctx:      rctx,
		owned:     map[uint32]*Descriptor{},
		toAdd:     map[uint32]*Descriptor{},
		toRemove:  map[uint32]*Descriptor{},
		toUpdate:  map[uint32]*Descriptor{},
		refCounts: map[uint32]int{},
	}

	if _, err := dblkarr.GrowByBlocks(catalogHeaderBlkCnt); err != nil {
		panic(xerrors.Errorf("new descriptor set: reserve header: %w", err))
	}
	hdrSeg := blk.NewSegment(catalogBlkSzOrder)
	hdrSeg.AddExtent(blk.Extent{BlkNr: 0, BlkCnt: catalogHeaderBlkCnt})
	if err := dblkarr.Allocator().InitializeFromAllocated([]blk.Segment{hdrSeg}); err != nil {
		panic(xerrors.Errorf("new descriptor set: %w", err))
	}

	d := NewDescriptor(DescriptorSetType, eblkarr, ds)
	d.hdr.OwnContent = true
	return d, ds
}

// descriptorSetFactory is the Factory for DescriptorSetType and the
// reserved subclass range, wired into Registry.lookup.
func descriptorSetFactory(hdr Header, cblkarr blk.BlockArray, rctx *RuntimeContext) (Hooks, error) {
	return loadDescriptorSet(hdr.Content.Segm, cblkarr, rctx)
}

// loadDescriptorSet reconstructs a DescriptorSet whose catalog lives at
// seg within eblkarr. Shared by descriptorSetFactory and DsetHolder,
// whose nested set is loaded the same way but is not itself the
// enclosing Descriptor's only reason to exist.
func loadDescriptorSet(seg blk.Segment, eblkarr blk.BlockArray, rctx *RuntimeContext) (*DescriptorSet, error) {
	dblkarr := blk.NewSegmentBlockArray(eblkarr, seg, catalogBlkSzOrder, catalogMaxInline)
	ds := &DescriptorSet{
		dblkarr:   dblkarr,
		eblkarr:   eblkarr,
		rctx:      rctx,
		owned:     map[uint32]*Descriptor{},
		toAdd:     map[uint32]*Descriptor{},
		toRemove:  map[uint32]*Descriptor{},
		toUpdate:  map[uint32]*Descriptor{},
		refCounts: map[uint32]int{},
	}
	if err := ds.loadCatalog(); err != nil {
		return nil, err
	}
	return ds, nil
}

// ContentSegment exposes the catalog's current backing segment, used by
// DsetHolder to implement its own ContentSegmentHook.
func (ds *DescriptorSet) ContentSegment() blk.Segment { return ds.dblkarr.OwnedSegment() }

// recordSegment wraps ext (already in the catalog's own nested block
// numbering) as a one-extent Segment suitable for dblkarr.Allocator()
// calls, which key exclusively on Extent.BlkNr/BlkCnt/Bitmap and never
// consult Segment.Order.
func (ds *DescriptorSet) recordSegment(ext blk.Extent) blk.Segment {
	seg := blk.NewSegment(ds.dblkarr.BlkSzOrder())
	seg.AddExtent(ext)
	return seg
}

// loadCatalog reads the 4-byte set header, verifies its checksum, and
// scans the remaining bytes for descriptor records, skipping zero-padded
// holes left by prior erasures two bytes (one catalog block) at a time.
// A record's length is self-delimiting (every descriptor is a
// sequentially-decodable, length-prefixed structure; see header.go), so
// no directory of offsets needs to be stored separately.
func (ds *DescriptorSet) loadCatalog() error {
	total := ds.dblkarr.BlkCnt()
	if total < catalogHeaderBlkCnt {
		return xerrors.Errorf("load descriptor set: %w", &xozerr.BadFormat{Msg: "catalog smaller than its own header"})
	}

	// The whole-catalog read goes through the owned segment directly
	// rather than a single catalog-space extent, whose 16-bit block
	// count would cap the catalog at 65535 two-byte catalog blocks.
	seg := ds.dblkarr.OwnedSegment()
	catalogBuf := make([]byte, int64(total)<<catalogBlkSzOrder)
	catIO := xio.NewIOSegment(ds.eblkarr, &seg)
	if err := catIO.ReadAll(catalogBuf); err != nil {
		return xerrors.Errorf("load descriptor set: %w", err)
	}
	storedChecksum := uint16(catalogBuf[2]) | uint16(catalogBuf[3])<<8

	verify := append([]byte(nil), catalogBuf...)
	verify[2], verify[3] = 0, 0
	if got := mem.Checksum(verify); got != storedChecksum {
		return xerrors.Errorf("load descriptor set: %w", &xozerr.BadFormat{Msg: "descriptor set checksum mismatch"})
	}

	usedSegs := []blk.Segment{ds.recordSegment(blk.Extent{BlkNr: 0, BlkCnt: catalogHeaderBlkCnt})}

	pos := uint32(catalogHeaderBlkCnt)
	for pos < uint32(total) {
		word := uint16(catalogBuf[pos<<catalogBlkSzOrder]) | uint16(catalogBuf[(pos<<catalogBlkSzOrder)+1])<<8
		if word == 0 {
			pos++
			continue
		}

		catIO.SeekRd(int64(pos)<<catalogBlkSzOrder, xio.Beg)
		d, err := LoadStructFrom(catIO, ds.rctx, ds.eblkarr, ds.rctx.Registry)
		if err != nil {
			return xerrors.Errorf("load descriptor set: decode record at catalog block %d: %w", pos, err)
		}
		consumedBlks := uint32(catIO.TellRd()>>catalogBlkSzOrder) - pos
		if consumedBlks == 0 {
			return xerrors.Errorf("load descriptor set: %w", &xozerr.InternalBug{Msg: "zero-length descriptor record"})
		}
		ext := blk.Extent{BlkNr: pos, BlkCnt: uint16(consumedBlks)}
		d.SetExtent(ext)

		if _, dup := ds.owned[d.ID()]; dup {
			return xerrors.Errorf("load descriptor set: %w", &xozerr.BadFormat{Msg: "duplicate descriptor id in catalog"})
		}
		ds.registerLoaded(d)
		usedSegs = append(usedSegs, ds.recordSegment(ext))

		if rctx := ds.rctx; rctx != nil {
			rctx.IDs.Seed(d.ID())
		}

		pos += consumedBlks
	}

	return ds.dblkarr.Allocator().InitializeFromAllocated(usedSegs)
}

func (ds *DescriptorSet) registerLoaded(d *Descriptor) {
	d.SetOwner(ds)
	ds.owned[d.ID()] = d
}

// Add takes ownership of dsc (assigning it a temporal id if it has none)
// and stages it for writing on the next FullSync.
func (ds *DescriptorSet) Add(d *Descriptor, assignPersistentID bool) (uint32, error) {
	if d.Owner() != nil {
		return 0, &xozerr.BadDescriptor{Msg: "descriptor already belongs to a set; move_out first"}
	}
	if d.ID() == 0 {
		d.SetID(ds.rctx.IDs.NextTemporal())
	}
	if _, dup := ds.owned[d.ID()]; dup {
		return 0, &xozerr.BadDescriptor{Msg: "duplicate descriptor id within set"}
	}
	if assignPersistentID && IsIDTemporal(d.ID()) {
		d.SetID(ds.rctx.IDs.AllocPersistent())
	} else if IsIDPersistent(d.ID()) {
		// File-wide uniqueness: the process IDManager is the authority.
		if err := ds.rctx.IDs.ClaimPersistent(d.ID()); err != nil {
			return 0, err
		}
	}
	d.SetOwner(ds)
	ds.owned[d.ID()] = d
	ds.toAdd[d.ID()] = d
	delete(ds.toRemove, d.ID())
	return d.ID(), nil
}

// AssignPersistentID rewrites a temporal id to a fresh persistent one;
// a persistent id is returned unchanged. The descriptor is re-keyed
// under the new id and staged for rewrite so the record on disk picks
// it up.
func (ds *DescriptorSet) AssignPersistentID(id uint32) (uint32, error) {
	d, ok := ds.owned[id]
	if !ok {
		return 0, &xozerr.BadDescriptor{Msg: "assign_persistent_id: no such descriptor id in this set"}
	}
	if IsIDPersistent(id) {
		return id, nil
	}
	newID := ds.rctx.IDs.AllocPersistent()
	delete(ds.owned, id)
	ds.owned[newID] = d
	d.SetID(newID)

	if _, wasUnwritten := ds.toAdd[id]; wasUnwritten {
		delete(ds.toAdd, id)
		ds.toAdd[newID] = d
	} else {
		delete(ds.toUpdate, id)
		ds.toUpdate[newID] = d
	}
	if rc, held := ds.refCounts[id]; held {
		delete(ds.refCounts, id)
		ds.refCounts[newID] = rc
	}
	return newID, nil
}

// Erase moves id into the to_remove staging subset.
func (ds *DescriptorSet) Erase(id uint32) error {
	d, ok := ds.owned[id]
	if !ok {
		return &xozerr.BadDescriptor{Msg: "erase: no such descriptor id in this set"}
	}
	if err := ds.checkExternalRef(id); err != nil {
		return err
	}
	delete(ds.owned, id)
	delete(ds.toUpdate, id)
	if _, wasUnwritten := ds.toAdd[id]; wasUnwritten {
		delete(ds.toAdd, id)
	} else {
		ds.toRemove[id] = d
	}
	if IsIDPersistent(id) {
		ds.rctx.IDs.ReleasePersistent(id)
	}
	d.SetOwner(nil)
	return nil
}

// MoveOut transfers ownership of id from ds to other, preserving every
// content-segment extent list exactly. The descriptor's record slot in
// ds is zeroed on the next FullSync but its content segments are
// untouched.
func (ds *DescriptorSet) MoveOut(id uint32, other *DescriptorSet) error {
	d, ok := ds.owned[id]
	if !ok {
		return &xozerr.BadDescriptor{Msg: "move_out: no such descriptor id in this set"}
	}
	if _, dup := other.owned[id]; dup {
		return &xozerr.BadDescriptor{Msg: "move_out: destination set already has a descriptor with this id"}
	}

	delete(ds.owned, id)
	delete(ds.toUpdate, id)
	if _, wasUnwritten := ds.toAdd[id]; wasUnwritten {
		delete(ds.toAdd, id)
	} else {
		ds.toRemove[id] = d
	}

	d.SetOwner(other)
	other.owned[id] = d
	other.toAdd[id] = d
	return nil
}

// MarkAsModified moves id into the to_update staging subset.
func (ds *DescriptorSet) MarkAsModified(id uint32) {
	d, ok := ds.owned[id]
	if !ok {
		return
	}
	if _, wasUnwritten := ds.toAdd[id]; wasUnwritten {
		return
	}
	ds.toUpdate[id] = d
}

// Get returns the owned descriptor for id, if any.
func (ds *DescriptorSet) Get(id uint32) (*Descriptor, bool) {
	d, ok := ds.owned[id]
	return d, ok
}

// GetAs looks up id and downcasts the held descriptor to T via its
// Hooks in one step.
func GetAs[T Hooks](ds *DescriptorSet, id uint32) (T, bool) {
	var zero T
	d, ok := ds.owned[id]
	if !ok {
		return zero, false
	}
	return Cast[T](d)
}

// Handle extends a descriptor's observed lifetime: it keeps a refcount
// on the descriptor so that GetHandle/Release bracket a span during
// which DescriptorSet.Erase of the same id consults RuntimeConfig's
// OnExternalRefAction instead of erasing silently.
type Handle struct {
	set *DescriptorSet
	id  uint32
	d   *Descriptor
}

// Descriptor returns the held descriptor. It remains a valid Go value
// even after the owning set erases it; only further mutation through
// the set (e.g. a second Add reusing the id) is undefined from the
// handle's perspective.
func (h *Handle) Descriptor() *Descriptor { return h.d }

// Release drops this handle's hold, per the RAII-guard idiom used by
// xio.RewindGuard/LimitsGuard.
func (h *Handle) Release() {
	if h.set == nil {
		return
	}
	h.set.refCounts[h.id]--
	if h.set.refCounts[h.id] <= 0 {
		delete(h.set.refCounts, h.id)
	}
	h.set = nil
}

// GetHandle is like Get but returns a Handle whose Release must be
// called (typically via defer) once the caller is done, extending the
// descriptor's observed lifetime for checkExternalRef's purposes.
func (ds *DescriptorSet) GetHandle(id uint32) (*Handle, bool) {
	d, ok := ds.owned[id]
	if !ok {
		return nil, false
	}
	ds.refCounts[id]++
	return &Handle{set: ds, id: id, d: d}, true
}

func (ds *DescriptorSet) checkExternalRef(id uint32) error {
	if ds.refCounts[id] <= 0 {
		return nil
	}
	switch ds.rctx.Cfg.DSet.OnExternalRefAction {
	case ExternalRefFail:
		return &xozerr.BadDescriptor{Msg: "descriptor has outstanding external handles"}
	case ExternalRefWarn:
		ds.rctx.Log.Printf("xoz: erasing descriptor id=%d with %d outstanding external handle(s)", id, ds.refCounts[id])
	}
	return nil
}

// Descriptors returns every owned descriptor, ordered by id for
// deterministic iteration.
func (ds *DescriptorSet) Descriptors() []*Descriptor {
	out := make([]*Descriptor, 0, len(ds.owned))
	for _, d := range ds.owned {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len reports the number of owned descriptors.
func (ds *DescriptorSet) Len() int { return len(ds.owned) }

// ClearSet stages every owned descriptor for removal.
func (ds *DescriptorSet) ClearSet() error {
	for id := range ds.owned {
		if err := ds.Erase(id); err != nil {
			return err
		}
	}
	return nil
}

// UpdateContentSegment implements ContentSegmentHook: the set's content
// segment is whatever extents its nested SegmentBlockArray currently
// owns, recomputed on every flush.
func (ds *DescriptorSet) UpdateContentSegment() (blk.Segment, bool) {
	return ds.dblkarr.OwnedSegment(), true
}

// UpdateSizes implements Hooks: a DescriptorSet carries no idata of its
// own (isize=0); its csize is the full size of its catalog storage.
func (ds *DescriptorSet) UpdateSizes() (isize uint8, csize uint32) {
	return 0, uint32(ds.dblkarr.BlkCnt()) << catalogBlkSzOrder
}

func (ds *DescriptorSet) ReadStructSpecificsFrom(io xio.IO) error  { return nil }
func (ds *DescriptorSet) WriteStructSpecificsInto(io xio.IO) error { return nil }

// Destroy implements DestroyHook: recursively destroy every owned
// descriptor before the generic Descriptor machinery (descriptor.go)
// deallocates this set's own catalog segment.
func (ds *DescriptorSet) Destroy() {
	for _, d := range ds.Descriptors() {
		d.Destroy()
	}
	ds.owned = map[uint32]*Descriptor{}
	ds.toAdd = map[uint32]*Descriptor{}
	ds.toRemove = map[uint32]*Descriptor{}
	ds.toUpdate = map[uint32]*Descriptor{}
}

// ReleaseFreeSpace implements ReleaseFreeSpaceHook by shrinking the
// set's nested SegmentBlockArray, cascading into the parent allocator.
func (ds *DescriptorSet) ReleaseFreeSpace() error {
	return ds.dblkarr.Allocator().Release()
}

// NestedSetOf returns the DescriptorSet embedded in d (d being a set
// itself, or a DsetHolder carrying one), or nil. The file envelope uses
// it to walk the tree at open time and reconstruct the allocated-segment
// list for the allocator bootstrap.
func NestedSetOf(d *Descriptor) *DescriptorSet { return nestedSetOf(d) }

// DepthFirstForEachSet visits ds and then, depth-first, every set
// reachable through its descriptors.
func (ds *DescriptorSet) DepthFirstForEachSet(fn func(*DescriptorSet)) {
	fn(ds)
	for _, d := range ds.Descriptors() {
		if nested := nestedSetOf(d); nested != nil {
			nested.DepthFirstForEachSet(fn)
		}
	}
}

// nestedSetOf returns the DescriptorSet a descriptor's hooks embed,
// whether the descriptor is directly a set (DescriptorSetType) or a
// DsetHolder carrying one as its content, or nil if neither.
func nestedSetOf(d *Descriptor) *DescriptorSet {
	switch h := d.Hooks().(type) {
	case *DescriptorSet:
		return h
	case *DsetHolder:
		return h.nested
	default:
		return nil
	}
}

// FullSync runs the lazy writeback: removals, then a recursive sync of
// every nested set, then updates and adds, and finally the 4-byte
// catalog header with a fresh checksum, written last so a torn flush is
// detectable on the next load.
func (ds *DescriptorSet) FullSync(release bool) error {
	ev := diag.Event("dset.full_sync", 0)
	ev.Args = map[string]int{
		"to_add": len(ds.toAdd), "to_update": len(ds.toUpdate), "to_remove": len(ds.toRemove),
	}
	defer ev.Done()

	// Removals go first, while every staged extent still points into
	// this catalog: a moved-out descriptor's Extent is about to be
	// repointed into the destination set's numbering by the recursion
	// below.
	for _, d := range ds.toRemove {
		ext := d.Extent()
		zero := make([]byte, int(ext.BlkCnt)<<catalogBlkSzOrder)
		if _, err := ds.dblkarr.WriteExtent(ext, zero, 0); err != nil {
			return xerrors.Errorf("full sync: zero removed record: %w", err)
		}
		if _, stillOwned := ds.owned[d.ID()]; !stillOwned {
			// Owned elsewhere now (moved) or erased outright; only erased
			// (never moved) descriptors get destroyed here.
			if d.Owner() == nil {
				d.Destroy()
			}
		}
		if err := ds.dblkarr.Allocator().Dealloc(ds.recordSegment(ext)); err != nil {
			return xerrors.Errorf("full sync: dealloc removed record: %w", err)
		}
	}
	ds.toRemove = map[uint32]*Descriptor{}

	// Children before their parent: every nested set is synced whether
	// or not its holder is staged (a descriptor moved into an
	// already-written child still has to reach its catalog), and the
	// holder's record is rewritten so it references the committed child
	// catalog.
	for id, d := range ds.owned {
		nested := nestedSetOf(d)
		if nested == nil {
			continue
		}
		if err := nested.FullSync(release); err != nil {
			return err
		}
		if _, staged := ds.toAdd[id]; !staged {
			ds.toUpdate[id] = d
		}
	}

	for id, d := range ds.toUpdate {
		newFootprint := d.CalcStructFootprintSize()
		oldExt := d.Extent()
		oldLen := int(oldExt.BlkCnt) << catalogBlkSzOrder
		if newFootprint != oldLen {
			if err := ds.dblkarr.Allocator().Dealloc(ds.recordSegment(oldExt)); err != nil {
				return xerrors.Errorf("full sync: dealloc resized record: %w", err)
			}
			newSeg, err := ds.dblkarr.Allocator().AllocSingleExtent(int64(newFootprint))
			if err != nil {
				return xerrors.Errorf("full sync: alloc resized record: %w", err)
			}
			d.SetExtent(newSeg.Extents[0])
		}
		if err := ds.writeRecord(d); err != nil {
			return err
		}
		delete(ds.toUpdate, id)
	}

	for id, d := range ds.toAdd {
		footprint := d.CalcStructFootprintSize()
		seg, err := ds.dblkarr.Allocator().AllocSingleExtent(int64(footprint))
		if err != nil {
			return xerrors.Errorf("full sync: alloc new record: %w", err)
		}
		d.SetExtent(seg.Extents[0])
		if err := ds.writeRecord(d); err != nil {
			return err
		}
		delete(ds.toAdd, id)
	}

	if release {
		if err := ds.ReleaseFreeSpace(); err != nil {
			return xerrors.Errorf("full sync: release: %w", err)
		}
	}

	return ds.writeCatalogHeader()
}

func (ds *DescriptorSet) writeRecord(d *Descriptor) error {
	ext := d.Extent()
	io := xio.NewIOSegment(ds.dblkarr, &blk.Segment{
		Order:   ds.dblkarr.BlkSzOrder(),
		Extents: []blk.Extent{ext},
	})
	if err := d.WriteStructInto(io); err != nil {
		return xerrors.Errorf("full sync: write record: %w", err)
	}
	return nil
}

func (ds *DescriptorSet) writeCatalogHeader() error {
	total := ds.dblkarr.BlkCnt()
	seg := ds.dblkarr.OwnedSegment()
	catalogBuf := make([]byte, int64(total)<<catalogBlkSzOrder)
	catIO := xio.NewIOSegment(ds.eblkarr, &seg)
	if err := catIO.ReadAll(catalogBuf); err != nil {
		return xerrors.Errorf("write catalog header: %w", err)
	}
	catalogBuf[2], catalogBuf[3] = 0, 0
	cs := mem.Checksum(catalogBuf)
	hdrBuf := []byte{0, 0, byte(cs), byte(cs >> 8)}
	if _, err := ds.dblkarr.WriteExtent(blk.Extent{BlkNr: 0, BlkCnt: catalogHeaderBlkCnt}, hdrBuf, 0); err != nil {
		return xerrors.Errorf("write catalog header: %w", err)
	}
	return nil
}
