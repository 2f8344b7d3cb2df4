// Package hfs0 parses and writes HFS0 containers, the hashed flat-file
// archive format used for XCI gamecard partitions.
package hfs0

import (
	"encoding/binary"
	"io"
	"unicode/utf8"

	"github.com/birkou/nszgo/pkg/nszerr"
)

const (
	entrySize  = 0x40
	headerSize = 16
)

// Entry is one file entry in an HFS0 partition. Offset is relative to the
// container's data start (Header.DataStart).
//
// Re-encoded entries always carry a zero HashedRegionSize and Hash: this
// package does not recompute the SHA-256 partial-hash HFS0 uses for
// integrity checking on real hardware, only the structural layout.
type Entry struct {
	Name             string
	Offset           uint64
	Size             uint64
	HashedRegionSize uint32
	Reserved         [8]byte
	Hash             [32]byte
}

// Header is a parsed HFS0 header.
type Header struct {
	Entries         []Entry
	StringTableSize uint32
	DataStart       int64
}

// FirstFileOffset returns the lowest absolute offset any entry's data
// begins at, or DataStart if the partition is empty.
func (h *Header) FirstFileOffset() int64 {
	first := h.DataStart
	seen := false
	for _, e := range h.Entries {
		abs := h.DataStart + int64(e.Offset)
		if !seen || abs < first {
			first = abs
			seen = true
		}
	}
	return first
}

// SectionReader returns a reader bounded to entry's bytes within r.
func (h *Header) SectionReader(r io.ReaderAt, e Entry) *io.SectionReader {
	return io.NewSectionReader(r, h.DataStart+int64(e.Offset), int64(e.Size))
}

// ParseHeader reads and validates an HFS0 header from r. containerSize is
// used to bounds-check entry offsets and sizes; pass 0 to skip that check.
func ParseHeader(r io.ReaderAt, containerSize int64) (*Header, error) {
	var raw [headerSize]byte
	if _, err := r.ReadAt(raw[:], 0); err != nil {
		return nil, err
	}
	if string(raw[0:4]) != "HFS0" {
		return nil, nszerr.ContainerFormatError{What: "HFS0 header", Reason: "magic mismatch"}
	}

	fileCount := binary.LittleEndian.Uint32(raw[4:8])
	stringTableSize := binary.LittleEndian.Uint32(raw[8:12])

	entriesRegion := int64(fileCount) * entrySize
	headerTotal := int64(headerSize) + entriesRegion + int64(stringTableSize)
	if containerSize > 0 && headerTotal > containerSize {
		return nil, nszerr.ContainerFormatError{What: "HFS0 header", Reason: "truncated before string table end"}
	}

	entryBytes := make([]byte, entriesRegion)
	if entriesRegion > 0 {
		if _, err := r.ReadAt(entryBytes, headerSize); err != nil {
			return nil, err
		}
	}
	stringTable := make([]byte, stringTableSize)
	if stringTableSize > 0 {
		if _, err := r.ReadAt(stringTable, int64(headerSize)+entriesRegion); err != nil {
			return nil, err
		}
	}

	entries := make([]Entry, fileCount)
	for i := range entries {
		base := i * entrySize
		offset := binary.LittleEndian.Uint64(entryBytes[base : base+8])
		size := binary.LittleEndian.Uint64(entryBytes[base+8 : base+16])
		nameOffset := binary.LittleEndian.Uint32(entryBytes[base+16 : base+20])
		hashedRegionSize := binary.LittleEndian.Uint32(entryBytes[base+20 : base+24])

		name, err := readName(stringTable, nameOffset)
		if err != nil {
			return nil, err
		}

		if containerSize > 0 {
			absEnd := headerTotal + int64(offset) + int64(size)
			if absEnd > containerSize {
				return nil, nszerr.ContainerFormatError{What: "HFS0 entry " + name, Reason: "points outside container bounds"}
			}
		}

		entry := Entry{Name: name, Offset: offset, Size: size, HashedRegionSize: hashedRegionSize}
		copy(entry.Reserved[:], entryBytes[base+24:base+32])
		copy(entry.Hash[:], entryBytes[base+32:base+64])
		entries[i] = entry
	}

	return &Header{Entries: entries, StringTableSize: stringTableSize, DataStart: headerTotal}, nil
}

func readName(table []byte, offset uint32) (string, error) {
	if offset >= uint32(len(table)) {
		return "", nszerr.ContainerFormatError{What: "HFS0 string table", Reason: "offset out of bounds"}
	}
	end := offset
	for end < uint32(len(table)) && table[end] != 0 {
		end++
	}
	if end >= uint32(len(table)) {
		return "", nszerr.ContainerFormatError{What: "HFS0 string table", Reason: "missing NUL terminator"}
	}
	if !utf8.Valid(table[offset:end]) {
		return "", nszerr.ContainerFormatError{What: "HFS0 entry name", Reason: "not valid UTF-8"}
	}
	return string(table[offset:end]), nil
}

// ComputeHeaderSize returns the byte size of an HFS0 header (magic, entry
// table, string table) for the given names, without performing any I/O.
// minStringTableSize lets a caller preserve an original partition's string
// table size even when the rebuilt names would need less room.
func ComputeHeaderSize(names []string, minStringTableSize uint32) int64 {
	stringTableLen := 0
	for _, name := range names {
		stringTableLen += len(name) + 1
	}
	if int(minStringTableSize) > stringTableLen {
		stringTableLen = int(minStringTableSize)
	}
	return int64(headerSize) + int64(len(names))*entrySize + int64(stringTableLen)
}

// Writer streams a new HFS0 partition. FirstFileOffset lets a caller
// reproduce an original partition's exact data placement (e.g. when
// rewriting an XCI's root HFS0 in place); pass 0 to place data immediately
// after the header.
type Writer struct {
	w               io.WriteSeeker
	entries         []Entry
	nameOffsets     []uint32
	stringTable     []byte
	headerSize      int64
	firstFileOffset int64
	cursor          int64
}

// NewWriter prepares a new HFS0 partition with one entry per name, in
// order, and seeks w to firstFileOffset so file data can be streamed
// immediately.
func NewWriter(w io.WriteSeeker, names []string, firstFileOffset int64, minStringTableSize uint32) (*Writer, error) {
	entries := make([]Entry, len(names))
	nameOffsets := make([]uint32, len(names))
	stringTable := make([]byte, 0, len(names)*16)
	for i, name := range names {
		entries[i] = Entry{Name: name}
		nameOffsets[i] = uint32(len(stringTable))
		stringTable = append(stringTable, name...)
		stringTable = append(stringTable, 0)
	}

	stringTableSize := len(stringTable)
	if int(minStringTableSize) > stringTableSize {
		stringTableSize = int(minStringTableSize)
	}
	padded := make([]byte, stringTableSize)
	copy(padded, stringTable)

	headerTotal := int64(headerSize) + int64(len(entries))*entrySize + int64(stringTableSize)
	if firstFileOffset == 0 {
		firstFileOffset = headerTotal
	}
	if firstFileOffset < headerTotal {
		return nil, nszerr.ContainerFormatError{What: "HFS0 writer", Reason: "first file offset is smaller than header size"}
	}

	if _, err := w.Seek(firstFileOffset, io.SeekStart); err != nil {
		return nil, err
	}

	return &Writer{
		w:               w,
		entries:         entries,
		nameOffsets:     nameOffsets,
		stringTable:     padded,
		headerSize:      headerTotal,
		firstFileOffset: firstFileOffset,
		cursor:          firstFileOffset,
	}, nil
}

// WriteFile copies r's bytes into the i-th entry's data slot and records
// its resulting size. Entries must be written in order, starting from the
// first.
func (hw *Writer) WriteFile(index int, r io.Reader) (int64, error) {
	hw.entries[index].Offset = uint64(hw.cursor - hw.headerSize)
	n, err := io.Copy(hw.w, r)
	if err != nil {
		return n, err
	}
	hw.entries[index].Size = uint64(n)
	hw.cursor += n
	return n, nil
}

// WriteFileDirect records index's offset the same way WriteFile does, then
// hands fn the underlying writer so it can stream the entry's payload
// itself (e.g. an NCZ encoder that needs to seek back and backpatch a
// block size table) rather than copying from an io.Reader. fn must return
// the number of bytes it wrote.
func (hw *Writer) WriteFileDirect(index int, fn func(w io.WriteSeeker) (int64, error)) (int64, error) {
	hw.entries[index].Offset = uint64(hw.cursor - hw.headerSize)
	n, err := fn(hw.w)
	if err != nil {
		return n, err
	}
	hw.entries[index].Size = uint64(n)
	hw.cursor += n
	return n, nil
}

// Close seeks back to the start and writes the finalized header, entry
// table, and string table. Hash and HashedRegionSize fields are always
// written as zero (see Entry's doc comment). It does not close the
// underlying writer.
func (hw *Writer) Close() error {
	if _, err := hw.w.Seek(0, io.SeekStart); err != nil {
		return err
	}

	var header [headerSize]byte
	copy(header[0:4], "HFS0")
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(hw.entries)))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(hw.stringTable)))
	if _, err := hw.w.Write(header[:]); err != nil {
		return err
	}

	entryBuf := make([]byte, len(hw.entries)*entrySize)
	for i, e := range hw.entries {
		base := i * entrySize
		binary.LittleEndian.PutUint64(entryBuf[base:base+8], e.Offset)
		binary.LittleEndian.PutUint64(entryBuf[base+8:base+16], e.Size)
		binary.LittleEndian.PutUint32(entryBuf[base+16:base+20], hw.nameOffsets[i])
		// hashedRegionSize, reserved, and hash are left zero.
	}
	if _, err := hw.w.Write(entryBuf); err != nil {
		return err
	}
	_, err := hw.w.Write(hw.stringTable)
	return err
}
