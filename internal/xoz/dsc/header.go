// Package dsc implements the descriptor codec, descriptor sets and the
// type registry that lets an application extend the format with its own
// descriptor kinds.
package dsc

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/xoz-format/xoz/internal/xoz/blk"
	"github.com/xoz-format/xoz/internal/xoz/mem"
	"github.com/xoz-format/xoz/internal/xoz/xio"
	"github.com/xoz-format/xoz/internal/xoz/xozerr"
)

// DescriptorSetType is the reserved type value identifying a
// DescriptorSet serialized as a descriptor of another set.
const DescriptorSetType uint16 = 1

// reservedSubclassBase/reservedSubclassSpan mark the type range reserved
// for library-provided DescriptorSet subclasses.
const (
	reservedSubclassBase = 0x01e0
	reservedSubclassSpan = 2048
)

// IsReservedType reports whether t falls in a range the library itself
// may claim (forbidden for application types).
func IsReservedType(t uint16) bool {
	if t == 0 || t == 2 || t == 3 {
		return true
	}
	if t == DescriptorSetType {
		return true
	}
	return t >= reservedSubclassBase && t < reservedSubclassBase+reservedSubclassSpan
}

// ContentPart is a single content segment owned by a descriptor. A
// descriptor carries at most one content part: real descriptor kinds in
// this codebase never need more than one content stream, and a kind
// wanting several can always address sub-ranges of one segment's data
// space itself.
type ContentPart struct {
	CSize uint32
	Segm  blk.Segment
}

// Header is the common, codec-visible part of every descriptor.
type Header struct {
	Type       uint16
	ID         uint32
	OwnContent bool
	ISize      uint8
	Content    ContentPart
}

// hdr_word_0 layout: bit 0 flags an extended-type word, bit 1 flags an
// owned content part, bit 2 flags isize == 0 (no isize byte follows);
// bits 3-15 carry the type when it fits in 13 bits (otherwise they are
// zero and the full type follows as its own word). Type 0 is forbidden,
// so a fully zero word never starts a record, which is what lets a
// descriptor set catalog treat zero words as erasure padding.
const (
	word0ExtType    = 1 << 0
	word0OwnContent = 1 << 1
	word0IsizeZero  = 1 << 2
	typeShift       = 3
	typeLowBits     = 13
	typeLowMask     = (1 << typeLowBits) - 1
)

// encodeVarCSize appends csize as a sequence of 15-bit little-endian
// chunks, each with bit 15 set when another chunk follows.
func encodeVarCSize(buf []byte, csize uint32) []byte {
	for {
		chunk := uint16(csize & 0x7fff)
		csize >>= 15
		word := chunk
		if csize != 0 {
			word |= 0x8000
		}
		var tmp [2]byte
		binary.LittleEndian.PutUint16(tmp[:], word)
		buf = append(buf, tmp[:]...)
		if csize == 0 {
			return buf
		}
	}
}

func decodeVarCSizeFrom(io xio.IO) (uint32, []byte, error) {
	var csize uint32
	var raw []byte
	shift := uint(0)
	for {
		var tmp [2]byte
		if err := io.ReadAll(tmp[:]); err != nil {
			return 0, nil, xerrors.Errorf("decode csize: %w", err)
		}
		raw = append(raw, tmp[:]...)
		word := binary.LittleEndian.Uint16(tmp[:])
		csize |= uint32(word&0x7fff) << shift
		shift += 15
		if word&0x8000 == 0 {
			return csize, raw, nil
		}
	}
}

// encodeHeader serializes hdr (with the checksum field zeroed) and
// returns the raw bytes together with the byte offset of the checksum
// field within them.
func encodeHeader(hdr Header, idata, futureIdata []byte) ([]byte, int) {
	var word0 uint16
	typeExNeeded := hdr.Type > typeLowMask
	if typeExNeeded {
		word0 |= word0ExtType
	} else {
		word0 |= (hdr.Type & typeLowMask) << typeShift
	}
	if hdr.OwnContent {
		word0 |= word0OwnContent
	}
	isize := hdr.ISize
	if isize == 0 {
		word0 |= word0IsizeZero
	}

	buf := make([]byte, 0, 32)
	var tmp2 [2]byte
	binary.LittleEndian.PutUint16(tmp2[:], word0)
	buf = append(buf, tmp2[:]...)

	checksumOffset := len(buf)
	buf = append(buf, 0, 0) // checksum placeholder, patched by the caller

	if typeExNeeded {
		binary.LittleEndian.PutUint16(tmp2[:], hdr.Type)
		buf = append(buf, tmp2[:]...)
	}

	// A temporal id is never serialized as-is: the record carries 0 and
	// the loader hands out a fresh temporal id for the next session.
	id := hdr.ID
	if IsIDTemporal(id) {
		id = 0
	}
	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], id)
	buf = append(buf, tmp4[:]...)

	if isize != 0 {
		buf = append(buf, isize)
	}

	if hdr.OwnContent {
		buf = encodeVarCSize(buf, hdr.Content.CSize)
		segBuf := hdr.Content.Segm.EncodeStandalone()
		binary.LittleEndian.PutUint16(tmp2[:], uint16(len(segBuf)))
		buf = append(buf, tmp2[:]...)
		buf = append(buf, segBuf...)
	}

	buf = append(buf, idata...)
	buf = append(buf, futureIdata...)

	return buf, checksumOffset
}

// loadHeaderFrom reads a descriptor header plus its idata+future_idata
// tail from io, verifying the embedded checksum. raw holds every record
// byte read except the trailing pad byte; its last hdr.ISize bytes are the
// idata+future_idata that the caller splits between the subclass hook and
// future idata.
//
// Because the wire format used here is fully self-delimiting (every
// variable-length piece is either a fixed size or explicitly
// length-prefixed), the header can be decoded by reading sequentially
// from io without first knowing the descriptor's total size.
func loadHeaderFrom(io xio.IO, order uint8) (hdr Header, raw []byte, checksumOffset int, err error) {
	var first4 [4]byte
	if err = io.ReadAll(first4[:]); err != nil {
		return Header{}, nil, 0, xerrors.Errorf("load descriptor header: %w", err)
	}
	raw = append(raw, first4[:]...)
	word0 := binary.LittleEndian.Uint16(first4[:2])
	storedChecksum := binary.LittleEndian.Uint16(first4[2:4])
	checksumOffset = 2

	typeExPresent := word0&word0ExtType != 0
	hdr.OwnContent = word0&word0OwnContent != 0
	isizeZero := word0&word0IsizeZero != 0
	hdr.Type = (word0 >> typeShift) & typeLowMask

	if typeExPresent {
		var tmp2 [2]byte
		if err = io.ReadAll(tmp2[:]); err != nil {
			return Header{}, nil, 0, xerrors.Errorf("load descriptor header: %w", err)
		}
		raw = append(raw, tmp2[:]...)
		hdr.Type = binary.LittleEndian.Uint16(tmp2[:])
	}

	var tmp4 [4]byte
	if err = io.ReadAll(tmp4[:]); err != nil {
		return Header{}, nil, 0, xerrors.Errorf("load descriptor header: %w", err)
	}
	raw = append(raw, tmp4[:]...)
	hdr.ID = binary.LittleEndian.Uint32(tmp4[:])

	if isizeZero {
		hdr.ISize = 0
	} else {
		var b [1]byte
		if err = io.ReadAll(b[:]); err != nil {
			return Header{}, nil, 0, xerrors.Errorf("load descriptor header: %w", err)
		}
		raw = append(raw, b[:]...)
		hdr.ISize = b[0]
	}
	if hdr.ISize > 127 || hdr.ISize%2 != 0 {
		return Header{}, nil, 0, xerrors.Errorf("load descriptor header: %w", &xozerr.BadFormat{Msg: "isize must be even and at most 127"})
	}
	if hdr.Type == 0 {
		return Header{}, nil, 0, xerrors.Errorf("load descriptor header: %w", &xozerr.BadFormat{Msg: "descriptor type 0 is forbidden"})
	}

	if hdr.OwnContent {
		var csizeRaw []byte
		hdr.Content.CSize, csizeRaw, err = decodeVarCSizeFrom(io)
		if err != nil {
			return Header{}, nil, 0, err
		}
		raw = append(raw, csizeRaw...)

		var lenBuf [2]byte
		if err = io.ReadAll(lenBuf[:]); err != nil {
			return Header{}, nil, 0, xerrors.Errorf("load descriptor header: %w", err)
		}
		raw = append(raw, lenBuf[:]...)
		segLen := binary.LittleEndian.Uint16(lenBuf[:])

		segBuf := make([]byte, segLen)
		if err = io.ReadAll(segBuf); err != nil {
			return Header{}, nil, 0, xerrors.Errorf("load descriptor header: %w", err)
		}
		raw = append(raw, segBuf...)

		seg, rest, derr := blk.LoadSegmentFrom(segBuf, order, true)
		if derr != nil {
			return Header{}, nil, 0, derr
		}
		if len(rest) != 0 {
			return Header{}, nil, 0, xerrors.Errorf("load descriptor header: %w", &xozerr.BadFormat{Msg: "trailing bytes in descriptor content segment"})
		}
		hdr.Content.Segm = seg
	}

	idata := make([]byte, hdr.ISize)
	if err = io.ReadAll(idata); err != nil {
		return Header{}, nil, 0, xerrors.Errorf("load descriptor header: %w", err)
	}
	raw = append(raw, idata...)

	var padBytes []byte
	if len(raw)%2 != 0 {
		var pad [1]byte
		if err = io.ReadAll(pad[:]); err != nil {
			return Header{}, nil, 0, xerrors.Errorf("load descriptor header: %w", err)
		}
		padBytes = pad[:]
	}

	// The writer checksums the padded record, so the pad byte is part of
	// the verified bytes even though it is not returned in raw.
	verify := append(append([]byte(nil), raw...), padBytes...)
	verify[checksumOffset] = 0
	verify[checksumOffset+1] = 0
	if got := mem.Checksum(verify); got != storedChecksum {
		return Header{}, nil, 0, xerrors.Errorf("load descriptor header: %w", &xozerr.BadFormat{Msg: "descriptor checksum mismatch"})
	}

	return hdr, raw, checksumOffset, nil
}
