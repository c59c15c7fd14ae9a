package dsc

import (
	"github.com/xoz-format/xoz/internal/xoz/blk"
	"github.com/xoz-format/xoz/internal/xoz/xio"
)

// OpaqueDescriptor is the fallback Hooks for any descriptor type the
// running application hasn't registered a Factory for. It carries the
// raw idata bytes through unmodified, and its content segment, if any,
// is left exactly as loaded: nothing ever interprets or resizes it, so
// a rewrite reproduces the record byte for byte.
type OpaqueDescriptor struct {
	idata []byte
	csize uint32
}

// OpaqueFactory is the Registry fallback.
func OpaqueFactory(hdr Header, cblkarr blk.BlockArray, rctx *RuntimeContext) (Hooks, error) {
	return &OpaqueDescriptor{
		idata: make([]byte, hdr.ISize),
		csize: hdr.Content.CSize,
	}, nil
}

// SetIdata and Idata exist mostly for tests.
func (o *OpaqueDescriptor) SetIdata(data []byte) { o.idata = append([]byte(nil), data...) }
func (o *OpaqueDescriptor) Idata() []byte        { return o.idata }

func (o *OpaqueDescriptor) ReadStructSpecificsFrom(io xio.IO) error {
	return io.ReadAll(o.idata)
}

func (o *OpaqueDescriptor) WriteStructSpecificsInto(io xio.IO) error {
	return io.WriteAll(o.idata)
}

func (o *OpaqueDescriptor) UpdateSizes() (isize uint8, csize uint32) {
	return uint8(len(o.idata)), o.csize
}
