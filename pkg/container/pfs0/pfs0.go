// Package pfs0 parses and writes PFS0 containers, the flat-file archive
// format NSP packages use to hold their NCA and ticket entries.
package pfs0

import (
	"encoding/binary"
	"io"
	"unicode/utf8"

	"github.com/birkou/nszgo/pkg/nszerr"
)

const (
	entrySize  = 24
	headerSize = 16
)

// Entry is one file entry in a PFS0 container. Offset is relative to the
// container's data start (Header.DataStart), not the start of the file.
type Entry struct {
	Name              string
	Offset            uint64
	Size              uint64
	StringTableOffset uint32
	Reserved          uint32
}

// Header is a parsed PFS0 header: its file table plus where the file data
// region begins.
type Header struct {
	Entries         []Entry
	StringTableSize uint32
	DataStart       int64
}

// SectionReader returns a reader bounded to entry's bytes within r.
func (h *Header) SectionReader(r io.ReaderAt, e Entry) *io.SectionReader {
	return io.NewSectionReader(r, h.DataStart+int64(e.Offset), int64(e.Size))
}

// ParseHeader reads and validates a PFS0 header from r. containerSize, when
// known (e.g. from os.File.Stat), is used to bounds-check entry offsets and
// sizes against the real container length; pass 0 to skip that check.
func ParseHeader(r io.ReaderAt, containerSize int64) (*Header, error) {
	var raw [headerSize]byte
	if _, err := r.ReadAt(raw[:], 0); err != nil {
		return nil, err
	}
	if string(raw[0:4]) != "PFS0" {
		return nil, nszerr.ContainerFormatError{What: "PFS0 header", Reason: "magic mismatch"}
	}

	fileCount := binary.LittleEndian.Uint32(raw[4:8])
	stringTableSize := binary.LittleEndian.Uint32(raw[8:12])

	entriesRegion := int64(fileCount) * entrySize
	headerTotal := int64(headerSize) + entriesRegion + int64(stringTableSize)
	if containerSize > 0 && headerTotal > containerSize {
		return nil, nszerr.ContainerFormatError{What: "PFS0 header", Reason: "truncated before string table end"}
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
		reserved := binary.LittleEndian.Uint32(entryBytes[base+20 : base+24])

		name, err := readName(stringTable, nameOffset)
		if err != nil {
			return nil, err
		}

		if containerSize > 0 {
			absEnd := headerTotal + int64(offset) + int64(size)
			if absEnd > containerSize {
				return nil, nszerr.ContainerFormatError{What: "PFS0 entry " + name, Reason: "points outside container bounds"}
			}
		}

		entries[i] = Entry{Name: name, Offset: offset, Size: size, StringTableOffset: nameOffset, Reserved: reserved}
	}

	return &Header{Entries: entries, StringTableSize: stringTableSize, DataStart: headerTotal}, nil
}

func readName(table []byte, offset uint32) (string, error) {
	if offset >= uint32(len(table)) {
		return "", nszerr.ContainerFormatError{What: "PFS0 string table", Reason: "offset out of bounds"}
	}
	end := offset
	for end < uint32(len(table)) && table[end] != 0 {
		end++
	}
	if end >= uint32(len(table)) {
		return "", nszerr.ContainerFormatError{What: "PFS0 string table", Reason: "missing NUL terminator"}
	}
	if !utf8.Valid(table[offset:end]) {
		return "", nszerr.ContainerFormatError{What: "PFS0 entry name", Reason: "not valid UTF-8"}
	}
	return string(table[offset:end]), nil
}

// ComputeHeaderSize returns the total header region size (magic, entry
// table, string table) for the given names, without performing any I/O.
// minStringTableSize lets a caller preserve an original container's string
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

// Writer streams a new PFS0 container. firstFileOffset lets a caller
// reproduce an original container's exact data placement; pass 0 to place
// data immediately after the header.
type Writer struct {
	w               io.WriteSeeker
	entries         []Entry
	stringTable     []byte
	headerSize      int64
	firstFileOffset int64
	cursor          int64
}

// NewWriter prepares a new PFS0 container with one entry per name, in
// order, and seeks w to firstFileOffset so file data can be streamed
// immediately.
func NewWriter(w io.WriteSeeker, names []string, firstFileOffset int64, minStringTableSize uint32) (*Writer, error) {
	stringTable := make([]byte, 0, len(names)*16)
	entries := make([]Entry, len(names))
	for i, name := range names {
		entries[i] = Entry{Name: name, StringTableOffset: uint32(len(stringTable))}
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
		return nil, nszerr.ContainerFormatError{What: "PFS0 writer", Reason: "first file offset is smaller than header size"}
	}

	if _, err := w.Seek(firstFileOffset, io.SeekStart); err != nil {
		return nil, err
	}

	return &Writer{
		w:               w,
		entries:         entries,
		stringTable:     padded,
		headerSize:      headerTotal,
		firstFileOffset: firstFileOffset,
		cursor:          firstFileOffset,
	}, nil
}

// WriteFile copies r's bytes into the i-th entry's data slot and records
// its resulting size. Entries must be written in order, starting from the
// first.
func (pw *Writer) WriteFile(index int, r io.Reader) (int64, error) {
	pw.entries[index].Offset = uint64(pw.cursor - pw.headerSize)
	n, err := io.Copy(pw.w, r)
	if err != nil {
		return n, err
	}
	pw.entries[index].Size = uint64(n)
	pw.cursor += n
	return n, nil
}

// WriteFileDirect records index's offset the same way WriteFile does, then
// hands fn the underlying writer so it can stream the entry's payload
// itself (e.g. an NCZ encoder that needs to seek back and backpatch a
// block size table) rather than copying from an io.Reader. fn must return
// the number of bytes it wrote.
func (pw *Writer) WriteFileDirect(index int, fn func(w io.WriteSeeker) (int64, error)) (int64, error) {
	pw.entries[index].Offset = uint64(pw.cursor - pw.headerSize)
	n, err := fn(pw.w)
	if err != nil {
		return n, err
	}
	pw.entries[index].Size = uint64(n)
	pw.cursor += n
	return n, nil
}

// Close seeks back to the start and writes the finalized header, entry
// table, and string table. It does not close the underlying writer.
func (pw *Writer) Close() error {
	if _, err := pw.w.Seek(0, io.SeekStart); err != nil {
		return err
	}

	var header [headerSize]byte
	copy(header[0:4], "PFS0")
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(pw.entries)))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(pw.stringTable)))
	if _, err := pw.w.Write(header[:]); err != nil {
		return err
	}

	entryBuf := make([]byte, len(pw.entries)*entrySize)
	for i, e := range pw.entries {
		base := i * entrySize
		binary.LittleEndian.PutUint64(entryBuf[base:base+8], e.Offset)
		binary.LittleEndian.PutUint64(entryBuf[base+8:base+16], e.Size)
		binary.LittleEndian.PutUint32(entryBuf[base+16:base+20], e.StringTableOffset)
	}
	if _, err := pw.w.Write(entryBuf); err != nil {
		return err
	}
	_, err := pw.w.Write(pw.stringTable)
	return err
}
