package xio

import "github.com/xoz-format/xoz/internal/xoz/xozerr"

// IORestricted wraps another IO, narrowing its limits and optionally its
// rights. It embeds the
// wrapped IO so every method not overridden here forwards unchanged.
type IORestricted struct {
	IO
	writeOnly bool
}

// NewIORestricted narrows inner's read and write windows to the given
// ranges; inner is mutated in place (its limits are shared state, not
// copied).
func NewIORestricted(inner IO, rdMin, rdEnd, wrMin, wrEnd int64) *IORestricted {
	inner.LimitRd(rdMin, rdEnd)
	inner.LimitWr(wrMin, wrEnd)
	return &IORestricted{IO: inner}
}

// NewIOReadOnly narrows inner's read window and permanently disables
// writes through the wrapper.
func NewIOReadOnly(inner IO, min, end int64) *IORestricted {
	inner.LimitRd(min, end)
	inner.TurnReadOnly()
	return &IORestricted{IO: inner}
}

// NewIOWriteOnly narrows inner's write window and rejects reads through
// the wrapper (the underlying IO itself remains readable directly).
func NewIOWriteOnly(inner IO, min, end int64) *IORestricted {
	inner.LimitWr(min, end)
	return &IORestricted{IO: inner, writeOnly: true}
}

func (r *IORestricted) ReadSome(buf []byte) (int, error) {
	if r.writeOnly {
		return 0, &xozerr.InternalBug{Msg: "read from a write-only IO"}
	}
	return r.IO.ReadSome(buf)
}

func (r *IORestricted) ReadAll(buf []byte) error {
	if r.writeOnly {
		return &xozerr.InternalBug{Msg: "read from a write-only IO"}
	}
	return r.IO.ReadAll(buf)
}

func (r *IORestricted) ReadU8() (uint8, error) {
	if r.writeOnly {
		return 0, &xozerr.InternalBug{Msg: "read from a write-only IO"}
	}
	return readU8(r)
}

func (r *IORestricted) ReadU16() (uint16, error) {
	if r.writeOnly {
		return 0, &xozerr.InternalBug{Msg: "read from a write-only IO"}
	}
	return readU16(r)
}

func (r *IORestricted) ReadU32() (uint32, error) {
	if r.writeOnly {
		return 0, &xozerr.InternalBug{Msg: "read from a write-only IO"}
	}
	return readU32(r)
}
