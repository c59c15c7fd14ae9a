package blk

import (
	"bytes"
	"io"
	"io/ioutil"
	"os"

	"github.com/orcaman/writerseeker"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/xoz-format/xoz/internal/xoz/xozerr"
)

// backing is the minimal random-access surface FileBlockArray needs. Two
// implementations exist: one over a real *os.File, one over an in-memory
// buffer for CreateInMemory.
type backing interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Truncate(size int64) error
	Close() error
}

type fileBacking struct{ f *os.File }

func (b *fileBacking) ReadAt(p []byte, off int64) (int, error)  { return b.f.ReadAt(p, off) }
func (b *fileBacking) WriteAt(p []byte, off int64) (int, error) { return b.f.WriteAt(p, off) }
func (b *fileBacking) Truncate(size int64) error {
	return unix.Ftruncate(int(b.f.Fd()), size)
}
func (b *fileBacking) Close() error { return b.f.Close() }

// memBacking adapts github.com/orcaman/writerseeker's WriterSeeker (an
// in-memory io.WriteSeeker) to the backing interface. Growth is just
// Seek+Write extending the underlying buffer the way a sparse file would
// extend on disk; Truncate is a no-op because nothing physically needs
// reclaiming in RAM — callers only ever see the logical block count, which
// FileBlockArray already tracks independently.
type memBacking struct{ ws *writerseeker.WriterSeeker }

func newMemBacking() *memBacking { return &memBacking{ws: &writerseeker.WriterSeeker{}} }

func (b *memBacking) ReadAt(p []byte, off int64) (int, error) {
	return b.ws.BytesReader().ReadAt(p, off)
}

func (b *memBacking) WriteAt(p []byte, off int64) (int, error) {
	if _, err := b.ws.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return b.ws.Write(p)
}

func (b *memBacking) Truncate(size int64) error { return nil }
func (b *memBacking) Close() error              { return nil }

// FileBlockArray is the BlockArray backed directly by the container file
// (or an in-memory stand-in), as opposed to SegmentBlockArray which is
// backed by a segment of another BlockArray.
type FileBlockArray struct {
	backing backing

	blkSzOrder uint8
	blkSz      int
	beginBlkNr uint32
	trailerSz  int

	blkCnt        uint32
	pendingShrink uint32

	alloc *SegmentAllocator
}

// OpenFile opens path as the backing store for a FileBlockArray. existingBlkCnt
// is the number of data blocks the caller already knows the file holds
// (typically derived from the header's blk_total_cnt on File.Open).
func OpenFile(path string, blkSzOrder uint8, beginBlkNr uint32, trailerSz int, existingBlkCnt uint32) (*FileBlockArray, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, xerrors.Errorf("open file block array: %w", err)
	}
	a := newFileBlockArray(&fileBacking{f: f}, blkSzOrder, beginBlkNr, trailerSz, existingBlkCnt)
	return a, nil
}

// CreateFile creates path fresh (truncating any existing content) as the
// backing store for a FileBlockArray with zero data blocks.
func CreateFile(path string, blkSzOrder uint8, beginBlkNr uint32, trailerSz int) (*FileBlockArray, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, xerrors.Errorf("create file block array: %w", err)
	}
	return newFileBlockArray(&fileBacking{f: f}, blkSzOrder, beginBlkNr, trailerSz, 0), nil
}

// CreateInMemory backs a FileBlockArray with a growable in-memory buffer
// instead of a real file, for File.CreateInMemory.
func CreateInMemory(blkSzOrder uint8, beginBlkNr uint32, trailerSz int) *FileBlockArray {
	return newFileBlockArray(newMemBacking(), blkSzOrder, beginBlkNr, trailerSz, 0)
}

func newFileBlockArray(b backing, blkSzOrder uint8, beginBlkNr uint32, trailerSz int, blkCnt uint32) *FileBlockArray {
	a := &FileBlockArray{
		backing:    b,
		blkSzOrder: blkSzOrder,
		blkSz:      1 << blkSzOrder,
		beginBlkNr: beginBlkNr,
		trailerSz:  trailerSz,
		blkCnt:     blkCnt,
	}
	a.alloc = NewSegmentAllocator(a)
	return a
}

func (a *FileBlockArray) Close() error { return a.backing.Close() }

// MemBytes returns the full backing image when this array is
// memory-backed, and ok=false for a real file. The file envelope's
// Create uses it to hand the initial container image to renameio.
func (a *FileBlockArray) MemBytes() ([]byte, bool) {
	mb, ok := a.backing.(*memBacking)
	if !ok {
		return nil, false
	}
	buf, err := ioutil.ReadAll(mb.ws.BytesReader())
	if err != nil {
		return nil, false
	}
	return buf, true
}

func (a *FileBlockArray) BlkSz() int          { return a.blkSz }
func (a *FileBlockArray) BlkSzOrder() uint8   { return a.blkSzOrder }
func (a *FileBlockArray) BeginBlkNr() uint32  { return a.beginBlkNr }
func (a *FileBlockArray) PastEndBlkNr() uint32 { return a.beginBlkNr + a.blkCnt }
func (a *FileBlockArray) BlkCnt() uint32      { return a.blkCnt }
func (a *FileBlockArray) Capacity() uint32    { return a.blkCnt }
func (a *FileBlockArray) Allocator() *SegmentAllocator { return a.alloc }

// ReadHeaderBytes reads len(buf) bytes verbatim from offset 0 (the header
// blocks), zero-filling whatever lies past the end of the backing store.
// Used by the file envelope to read the fixed header.
func (a *FileBlockArray) ReadHeaderBytes(buf []byte) error {
	n, err := a.backing.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return xerrors.Errorf("read header: %w", err)
	}
	if n < len(buf) {
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
	}
	return nil
}

func (a *FileBlockArray) WriteHeaderBytes(buf []byte) error {
	n, err := a.backing.WriteAt(buf, 0)
	if err != nil {
		return xerrors.Errorf("write header: %w", err)
	}
	if n != len(buf) {
		return xerrors.Errorf("write header: %w", &xozerr.UnexpectedShorten{Wanted: len(buf), Got: n})
	}
	return nil
}

// trailerOffset returns the byte offset of the trailer, immediately past
// the last data block.
func (a *FileBlockArray) trailerOffset() int64 {
	return int64(a.beginBlkNr+a.blkCnt) * int64(a.blkSz)
}

func (a *FileBlockArray) ReadTrailerBytes(buf []byte) error {
	n, err := a.backing.ReadAt(buf, a.trailerOffset())
	if err != nil && err != io.EOF {
		return xerrors.Errorf("read trailer: %w", err)
	}
	if n < len(buf) {
		return xerrors.Errorf("read trailer: %w", &xozerr.UnexpectedShorten{Wanted: len(buf), Got: n})
	}
	return nil
}

func (a *FileBlockArray) WriteTrailerBytes(buf []byte) error {
	n, err := a.backing.WriteAt(buf, a.trailerOffset())
	if err != nil {
		return xerrors.Errorf("write trailer: %w", err)
	}
	if n != len(buf) {
		return xerrors.Errorf("write trailer: %w", &xozerr.UnexpectedShorten{Wanted: len(buf), Got: n})
	}
	return nil
}

// GrowByBlocks records a larger top and returns the previous blk_cnt.
// Physical backing growth is lazy: a write past the old physical size
// simply extends the file (or in-memory buffer), as a sparse file would.
func (a *FileBlockArray) GrowByBlocks(n uint32) (uint32, error) {
	oldTop := a.blkCnt
	consume := n
	if consume > a.pendingShrink {
		consume = a.pendingShrink
	}
	a.pendingShrink -= consume
	a.blkCnt += n
	return oldTop, nil
}

// ShrinkByBlocks reduces the logical block count. The backing store is not
// physically truncated until ReleaseBlocks reconciles.
func (a *FileBlockArray) ShrinkByBlocks(n uint32) error {
	if n > a.blkCnt {
		return xerrors.Errorf("shrink by blocks: %w", &xozerr.InternalBug{Msg: "shrink exceeds current block count"})
	}
	a.blkCnt -= n
	a.pendingShrink += n
	return nil
}

// ReleaseBlocks truncates the backing store down to the current logical
// size, discarding the pending-shrink debt.
func (a *FileBlockArray) ReleaseBlocks() error {
	size := int64(a.beginBlkNr+a.blkCnt)*int64(a.blkSz) + int64(a.trailerSz)
	if err := a.backing.Truncate(size); err != nil {
		return xerrors.Errorf("release blocks: %w", err)
	}
	a.pendingShrink = 0
	return nil
}

func (a *FileBlockArray) ReadExtent(ext Extent, buf []byte, offset int) (int, error) {
	if err := checkBounds(ext, a.beginBlkNr, a.PastEndBlkNr()); err != nil {
		return 0, err
	}
	if ext.IsSuballoc {
		return a.readSuballocExtent(ext, buf, offset)
	}
	extByteLen := int(ext.BlkCnt) * a.blkSz
	n := clampLen(extByteLen, offset, len(buf))
	if n == 0 {
		return 0, nil
	}
	byteOff := int64(ext.BlkNr)*int64(a.blkSz) + int64(offset)
	got, err := a.backing.ReadAt(buf[:n], byteOff)
	if err != nil && err != io.EOF {
		return got, xerrors.Errorf("read extent: %w", err)
	}
	return got, nil
}

func (a *FileBlockArray) WriteExtent(ext Extent, buf []byte, offset int) (int, error) {
	if err := checkBounds(ext, a.beginBlkNr, a.PastEndBlkNr()); err != nil {
		return 0, err
	}
	if ext.IsSuballoc {
		return a.writeSuballocExtent(ext, buf, offset)
	}
	extByteLen := int(ext.BlkCnt) * a.blkSz
	n := clampLen(extByteLen, offset, len(buf))
	if n == 0 {
		return 0, nil
	}
	byteOff := int64(ext.BlkNr)*int64(a.blkSz) + int64(offset)
	got, err := a.backing.WriteAt(buf[:n], byteOff)
	if err != nil {
		return got, xerrors.Errorf("write extent: %w", err)
	}
	return got, nil
}

// subBlkSz is the size in bytes of one of the 16 sub-blocks of a block.
func (a *FileBlockArray) subBlkSz() int { return a.blkSz / 16 }

// subBlockIndices returns the ascending sub-block indices set in bitmap,
// which is the order in which their bytes are concatenated into the
// extent's data space.
func subBlockIndices(bitmap uint16) []int {
	var idx []int
	for i := 0; i < 16; i++ {
		if bitmap&(1<<uint(i)) != 0 {
			idx = append(idx, i)
		}
	}
	return idx
}

func (a *FileBlockArray) readSuballocExtent(ext Extent, buf []byte, offset int) (int, error) {
	idx := subBlockIndices(ext.Bitmap)
	subSz := a.subBlkSz()
	extByteLen := len(idx) * subSz
	n := clampLen(extByteLen, offset, len(buf))
	if n == 0 {
		return 0, nil
	}
	base := int64(ext.BlkNr) * int64(a.blkSz)
	read := 0
	pos := offset
	for read < n {
		which := pos / subSz
		withinSub := pos % subSz
		chunk := subSz - withinSub
		if read+chunk > n {
			chunk = n - read
		}
		byteOff := base + int64(idx[which])*int64(subSz) + int64(withinSub)
		got, err := a.backing.ReadAt(buf[read:read+chunk], byteOff)
		if err != nil && err != io.EOF {
			return read, xerrors.Errorf("read sub-block extent: %w", err)
		}
		read += got
		pos += got
		if got < chunk {
			break
		}
	}
	return read, nil
}

func (a *FileBlockArray) writeSuballocExtent(ext Extent, buf []byte, offset int) (int, error) {
	idx := subBlockIndices(ext.Bitmap)
	subSz := a.subBlkSz()
	extByteLen := len(idx) * subSz
	n := clampLen(extByteLen, offset, len(buf))
	if n == 0 {
		return 0, nil
	}
	base := int64(ext.BlkNr) * int64(a.blkSz)
	written := 0
	pos := offset
	for written < n {
		which := pos / subSz
		withinSub := pos % subSz
		chunk := subSz - withinSub
		if written+chunk > n {
			chunk = n - written
		}
		byteOff := base + int64(idx[which])*int64(subSz) + int64(withinSub)
		got, err := a.backing.WriteAt(buf[written:written+chunk], byteOff)
		if err != nil {
			return written, xerrors.Errorf("write sub-block extent: %w", err)
		}
		written += got
		pos += got
		if got < chunk {
			break
		}
	}
	return written, nil
}

// zeroSubBlocks zeroes the given sub-blocks of blkNr, used when a sub-alloc
// block is first carved out of a whole free block by the allocator.
func (a *FileBlockArray) zeroSubBlocks(blkNr uint32, bitmap uint16) error {
	subSz := a.subBlkSz()
	zero := bytes.Repeat([]byte{0}, subSz)
	for _, i := range subBlockIndices(bitmap) {
		off := int64(blkNr)*int64(a.blkSz) + int64(i)*int64(subSz)
		if _, err := a.backing.WriteAt(zero, off); err != nil {
			return xerrors.Errorf("zero sub-block: %w", err)
		}
	}
	return nil
}
