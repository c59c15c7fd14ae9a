// Package xio implements the byte-stream facade used throughout the
// library: an abstract stream with independent read and write pointers,
// each bounded by its own [min, end) limit, over a span, a segment, or
// a restricted view of either.
package xio

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/xoz-format/xoz/internal/xoz/mem"
	"github.com/xoz-format/xoz/internal/xoz/xozerr"
)

// Way selects the origin a Seek position is relative to.
type Way int

const (
	Beg Way = iota
	End
	Fwd
	Bwd
)

// IO is the abstract byte stream every concrete backing (a span, a
// segment, a restricted view) implements.
type IO interface {
	// ReadAll reads exactly len(buf) bytes or returns NotEnoughRoom.
	ReadAll(buf []byte) error
	// WriteAll writes exactly len(buf) bytes or returns NotEnoughRoom.
	WriteAll(buf []byte) error
	// ReadSome reads up to len(buf) bytes, returning the actual count.
	ReadSome(buf []byte) (int, error)
	// WriteSome writes up to len(buf) bytes, returning the actual count.
	WriteSome(buf []byte) (int, error)

	SeekRd(pos int64, way Way) int64
	SeekWr(pos int64, way Way) int64
	TellRd() int64
	TellWr() int64

	LimitRd(min, end int64)
	LimitWr(min, end int64)
	RdLimits() (min, end int64)
	WrLimits() (min, end int64)

	// TurnReadOnly permanently disables writes on this stream.
	TurnReadOnly()

	ReadU8() (uint8, error)
	ReadU16() (uint16, error)
	ReadU32() (uint32, error)
	WriteU8(v uint8) error
	WriteU16(v uint16) error
	WriteU32(v uint32) error

	// CopyIntoSelf copies sz bytes from the current read position to the
	// current write position of the same stream, correctly handling
	// overlap between source and destination.
	CopyIntoSelf(sz int64) error
	// CopyInto copies sz bytes from this stream's read position to dst's
	// write position.
	CopyInto(dst IO, sz int64) error
}

// readAllFrom and writeAllFrom implement the exact-size read/write loop
// shared by every IO implementation's ReadSome/WriteSome.
func readAllFrom(readSome func([]byte) (int, error), buf []byte) error {
	got := 0
	for got < len(buf) {
		n, err := readSome(buf[got:])
		if err != nil {
			return err
		}
		if n == 0 {
			return xerrors.Errorf("read all: %w", &xozerr.NotEnoughRoom{Wanted: len(buf) - got, Available: 0})
		}
		got += n
	}
	return nil
}

func writeAllFrom(writeSome func([]byte) (int, error), buf []byte) error {
	done := 0
	for done < len(buf) {
		n, err := writeSome(buf[done:])
		if err != nil {
			return err
		}
		if n == 0 {
			return xerrors.Errorf("write all: %w", &xozerr.NotEnoughRoom{Wanted: len(buf) - done, Available: 0})
		}
		done += n
	}
	return nil
}

// copyIntoSelfBuffered implements CopyIntoSelf by reading the full sz
// bytes from the current read position into a temporary buffer before
// writing any of it back at the current write position. Reading
// everything up front before writing anything makes the result correct
// regardless of whether the read and write ranges overlap, in either
// direction.
func copyIntoSelfBuffered(io IO, sz int64) error {
	if sz == 0 {
		return nil
	}
	buf := make([]byte, sz)
	if err := io.ReadAll(buf); err != nil {
		return err
	}
	return io.WriteAll(buf)
}

// ChecksumAll reads sz bytes from io's current read position (advancing
// it) and folds them into an Internet checksum (RFC 1071).
func ChecksumAll(io IO, sz int64) (uint16, error) {
	buf := make([]byte, sz)
	if err := io.ReadAll(buf); err != nil {
		return 0, err
	}
	return mem.Checksum(buf), nil
}

// little-endian primitive helpers shared by every concrete IO via ReadAll/WriteAll.

func readU8(io IO) (uint8, error) {
	var b [1]byte
	if err := io.ReadAll(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func readU16(io IO) (uint16, error) {
	var b [2]byte
	if err := io.ReadAll(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readU32(io IO) (uint32, error) {
	var b [4]byte
	if err := io.ReadAll(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeU8(io IO, v uint8) error {
	return io.WriteAll([]byte{v})
}

func writeU16(io IO, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return io.WriteAll(b[:])
}

func writeU32(io IO, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return io.WriteAll(b[:])
}
