package dsc

import (
	"github.com/xoz-format/xoz/internal/xoz/blk"
	"github.com/xoz-format/xoz/internal/xoz/xio"
)

// DsetHolderType identifies a descriptor whose content is a nested
// DescriptorSet, rather than the descriptor being a set itself. It is
// deliberately outside the reserved set-subclass range: IsDescriptorSet
// is false for a holder, since the holder is an ordinary descriptor
// that merely owns a set as data.
const DsetHolderType uint16 = 0x0100

// DsetHolder carries one reserved uint16 of its own idata plus a
// nested DescriptorSet as its content. An empty nested set costs only
// the catalog's 4 inline header bytes inside the holder's record.
type DsetHolder struct {
	reserved uint16
	nested   *DescriptorSet
}

// NewDsetHolder creates a descriptor of DsetHolderType wrapping a fresh,
// empty nested DescriptorSet.
func NewDsetHolder(eblkarr blk.BlockArray, rctx *RuntimeContext, reserved uint16) *Descriptor {
	_, nested := NewDescriptorSet(eblkarr, rctx)
	h := &DsetHolder{reserved: reserved, nested: nested}
	d := NewDescriptor(DsetHolderType, eblkarr, h)
	d.hdr.OwnContent = true
	return d
}

// Nested returns the wrapped DescriptorSet.
func (h *DsetHolder) Nested() *DescriptorSet { return h.nested }

func dsetHolderFactory(hdr Header, cblkarr blk.BlockArray, rctx *RuntimeContext) (Hooks, error) {
	nested, err := loadDescriptorSet(hdr.Content.Segm, cblkarr, rctx)
	if err != nil {
		return nil, err
	}
	return &DsetHolder{nested: nested}, nil
}

func (h *DsetHolder) ReadStructSpecificsFrom(io xio.IO) error {
	v, err := io.ReadU16()
	h.reserved = v
	return err
}

func (h *DsetHolder) WriteStructSpecificsInto(io xio.IO) error {
	return io.WriteU16(h.reserved)
}

func (h *DsetHolder) UpdateSizes() (isize uint8, csize uint32) {
	return 2, uint32(h.nested.dblkarr.BlkCnt()) << catalogBlkSzOrder
}

func (h *DsetHolder) UpdateContentSegment() (blk.Segment, bool) {
	return h.nested.ContentSegment(), true
}

func (h *DsetHolder) Destroy() {
	h.nested.Destroy()
}

func (h *DsetHolder) ReleaseFreeSpace() error {
	return h.nested.ReleaseFreeSpace()
}
