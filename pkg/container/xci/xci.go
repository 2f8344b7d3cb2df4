// Package xci parses and rewrites XCI gamecard images: a fixed-layout
// header locating a root HFS0 partition, which itself holds the game's
// top-level partitions (secure, normal, update, logo) as sub-HFS0 entries.
package xci

import (
	"encoding/binary"
	"io"

	"github.com/birkou/nszgo/pkg/nszerr"
)

const (
	headerMagicOffset     = 0x100
	rootOffsetFieldOffset = 0x138
	rootSizeFieldOffset   = 0x140
	minHeaderRegion       = 0x148
	altHeaderBase         = 0x1000
	alignment             = 0x200
)

// Header is a parsed XCI gamecard header: where the header itself begins,
// and where its root HFS0 partition lives.
type Header struct {
	HeaderBase     int64
	RootOffset     uint64
	RootHeaderSize uint64
}

// RootAbsoluteOffset returns the root HFS0's byte offset from the start of
// the image.
func (h *Header) RootAbsoluteOffset() int64 {
	return h.HeaderBase + int64(h.RootOffset)
}

// ParseHeader detects the gamecard header at offset 0 or 0x1000 and reads
// the root HFS0's location and declared header size.
func ParseHeader(r io.ReaderAt, imageSize int64) (*Header, error) {
	headerBase := detectHeaderBase(r, imageSize)

	if imageSize < headerBase+minHeaderRegion {
		return nil, nszerr.ContainerFormatError{What: "XCI header", Reason: "truncated before header end"}
	}

	var magic [4]byte
	if _, err := r.ReadAt(magic[:], headerBase+headerMagicOffset); err != nil {
		return nil, err
	}
	if string(magic[:]) != "HEAD" {
		return nil, nszerr.ContainerFormatError{What: "XCI header", Reason: "magic mismatch"}
	}

	var fields [0x10]byte
	if _, err := r.ReadAt(fields[:], headerBase+rootOffsetFieldOffset); err != nil {
		return nil, err
	}
	rootOffset := binary.LittleEndian.Uint64(fields[0:8])
	rootHeaderSize := binary.LittleEndian.Uint64(fields[8:16])

	if rootOffset > uint64(imageSize) {
		return nil, nszerr.ContainerFormatError{What: "XCI header", Reason: "root HFS0 offset overflow"}
	}
	rootAbs := headerBase + int64(rootOffset)
	if rootAbs >= imageSize {
		return nil, nszerr.ContainerFormatError{What: "XCI header", Reason: "root HFS0 offset outside image"}
	}
	if rootHeaderSize > 0 && rootAbs+int64(rootHeaderSize) > imageSize {
		return nil, nszerr.ContainerFormatError{What: "XCI header", Reason: "root HFS0 header range outside image"}
	}

	return &Header{HeaderBase: headerBase, RootOffset: rootOffset, RootHeaderSize: rootHeaderSize}, nil
}

func detectHeaderBase(r io.ReaderAt, imageSize int64) int64 {
	if imageSize >= headerMagicOffset+4 {
		var magic [4]byte
		if _, err := r.ReadAt(magic[:], headerMagicOffset); err == nil && string(magic[:]) == "HEAD" {
			return 0
		}
	}
	return altHeaderBase
}

// RootReader returns a reader bounded to the bytes from the root HFS0's
// offset to the end of the image.
func RootReader(r io.ReaderAt, h *Header, imageSize int64) *io.SectionReader {
	abs := h.RootAbsoluteOffset()
	return io.NewSectionReader(r, abs, imageSize-abs)
}

// Rewrite writes a complete gamecard image to w: it copies the original
// header and any bytes preceding the root HFS0 unchanged from r, writes
// newRootHFS0 at the root HFS0's original location, zero-pads to a 0x200
// boundary, and decides the final image length per the original's size:
// if the rewritten root HFS0 is no smaller than the original trailing
// region it replaces, the image grows or stays the same size with no
// further padding; if it strictly shrinks, the original's trailing bytes
// beyond the new end are inspected — when they are all zero the image is
// allowed to shrink to match, otherwise the original length is preserved
// by copying those trailing bytes back in unchanged.
func Rewrite(r io.ReaderAt, originalSize int64, h *Header, newRootHFS0 []byte, w io.WriteSeeker) (int64, error) {
	rootAbs := h.RootAbsoluteOffset()

	if _, err := w.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	if err := copyRange(r, w, 0, rootAbs); err != nil {
		return 0, err
	}
	if _, err := w.Write(newRootHFS0); err != nil {
		return 0, err
	}

	written := rootAbs + int64(len(newRootHFS0))
	alignedEnd := alignUp(written, alignment)
	if alignedEnd > written {
		if _, err := w.Write(make([]byte, alignedEnd-written)); err != nil {
			return 0, err
		}
	}

	if alignedEnd >= originalSize {
		return alignedEnd, nil
	}

	tail := make([]byte, originalSize-alignedEnd)
	if _, err := r.ReadAt(tail, alignedEnd); err != nil && err != io.EOF {
		return 0, err
	}
	if allZero(tail) {
		return alignedEnd, nil
	}

	if _, err := w.Write(tail); err != nil {
		return 0, err
	}
	return originalSize, nil
}

func copyRange(r io.ReaderAt, w io.Writer, start, end int64) error {
	if end <= start {
		return nil
	}
	_, err := io.Copy(w, io.NewSectionReader(r, start, end-start))
	return err
}

func alignUp(n, align int64) int64 {
	rem := n % align
	if rem == 0 {
		return n
	}
	return n + (align - rem)
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
