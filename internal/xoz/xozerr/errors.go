// Package xozerr defines the error kinds used across the xoz container
// library. Each kind is a distinct type so callers can recover
// structured detail with errors.As; wrapping sites use
// golang.org/x/xerrors.Errorf("...: %w", err) so the chain stays
// matchable.
package xozerr

import "fmt"

// BadFormat signals a corrupt or unrecognized on-disk structure: missing
// magic, checksum mismatch, declared-vs-computed size mismatch, or an
// unknown incompatible feature flag.
type BadFormat struct {
	Msg string
}

func (e *BadFormat) Error() string { return fmt.Sprintf("bad format: %s", e.Msg) }

// OutOfBounds signals an extent or segment referencing blocks outside the
// owning block array's [begin_blk_nr, past_end_blk_nr) range.
type OutOfBounds struct {
	BlkNr  uint32
	BlkCnt uint32
	Msg    string
}

func (e *OutOfBounds) Error() string {
	return fmt.Sprintf("extent [blk_nr=%d blk_cnt=%d] out of bounds: %s", e.BlkNr, e.BlkCnt, e.Msg)
}

// Overlap signals two segments claiming the same block range, detected
// during allocator bootstrap (initialize_from_allocated).
type Overlap struct {
	BlkNr uint32
	Msg   string
}

func (e *Overlap) Error() string {
	return fmt.Sprintf("overlapping extent at blk_nr=%d: %s", e.BlkNr, e.Msg)
}

// NotEnoughRoom signals that a read or write requires more bytes than are
// available in the target range.
type NotEnoughRoom struct {
	Wanted, Available int
}

func (e *NotEnoughRoom) Error() string {
	return fmt.Sprintf("not enough room: wanted %d, available %d", e.Wanted, e.Available)
}

// UnexpectedShorten signals that the lower backing store returned fewer
// bytes than requested.
type UnexpectedShorten struct {
	Wanted, Got int
}

func (e *UnexpectedShorten) Error() string {
	return fmt.Sprintf("unexpected short read/write: wanted %d, got %d", e.Wanted, e.Got)
}

// BadDescriptor signals an invalid descriptor: bad type, bad isize,
// duplicate id, or a failed subclass cast.
type BadDescriptor struct {
	Msg string
}

func (e *BadDescriptor) Error() string { return fmt.Sprintf("bad descriptor: %s", e.Msg) }

// InternalBug signals a violated invariant: ownership inconsistency,
// negative size, or similar library-internal bug. Call sites that
// encounter this should treat it as non-recoverable for the current
// session.
type InternalBug struct {
	Msg string
}

func (e *InternalBug) Error() string { return fmt.Sprintf("internal bug: %s", e.Msg) }
