// Package nca parses NCA (Nintendo Content Archive) headers: decrypting the
// 0xC00-byte AES-XTS header, reading the FS section table, resolving each
// section's title key, and expanding BKTR (patch relocation) sections into
// the flat list of encryption sections the NSZ codec operates on.
package nca

import (
	"encoding/binary"
	"io"
	"sort"

	"github.com/birkou/nszgo/pkg/aescrypto"
	"github.com/birkou/nszgo/pkg/keyset"
	"github.com/birkou/nszgo/pkg/nszerr"
	"github.com/birkou/nszgo/pkg/ticket"
)

const (
	HeaderStructSize = 0xC00  // encrypted header size read from offset 0
	FullHeaderSize   = 0x4000 // full header region, never compressed by NCZ
	MediaSize        = 0x200  // section table offsets are in these units
	bktrHeaderSize   = 0x4000
	sectorSize       = 0x200

	CryptoTypeNone = 1
	CryptoTypeXTS  = 2
	CryptoTypeCTR  = 3
	CryptoTypeBKTR = 4
)

// Section is one FS section entry from the section table, with its crypto
// parameters decoded.
type Section struct {
	Offset        uint64
	Size          uint64
	CryptoType    byte
	CryptoCounter [16]byte

	bktrSubsectionOffset uint64
	bktrSubsectionSize   uint64
}

// Header is a parsed, decrypted NCA header.
type Header struct {
	ContentType      byte
	CryptoType       byte
	CryptoType2      byte
	Size             uint64
	RightsID         [16]byte
	EncryptedKeyArea [64]byte
	Sections         []Section
}

// CompressionMeta summarizes the properties that decide whether an NCA is a
// candidate for NCZ compression.
type CompressionMeta struct {
	ContentType byte
	Size        uint64
	Packed      bool
}

// IsCompressible reports whether this NCA should be transcoded: only
// program (0x00) and public-data (0x05) content types are worth
// compressing, and only when their sections are contiguous and cover the
// full declared size (no trailing gap the format can't describe).
func (m CompressionMeta) IsCompressible() bool {
	return (m.ContentType == 0x00 || m.ContentType == 0x05) && m.Packed
}

// EncryptionSection is one flattened, independently-keyed region of an NCA
// payload: the unit the NCZ codec encrypts/decrypts and compresses.
type EncryptionSection struct {
	Offset        uint64
	Size          uint64
	CryptoType    uint64
	CryptoKey     [16]byte
	CryptoCounter [16]byte
}

// CompressionPlan is the full set of sections and metadata needed to
// transcode one NCA to or from NCZ.
type CompressionPlan struct {
	Meta               CompressionMeta
	OffsetFirstSection uint64
	Sections           []EncryptionSection
}

// ParseHeader reads and decrypts an NCA's 0xC00-byte header from r and
// parses its section table.
func ParseHeader(r io.ReaderAt, headerKey [32]byte) (*Header, error) {
	encrypted := make([]byte, HeaderStructSize)
	if _, err := r.ReadAt(encrypted, 0); err != nil {
		return nil, err
	}

	decrypted := make([]byte, len(encrypted))
	for i := 0; i < len(encrypted)/sectorSize; i++ {
		start := i * sectorSize
		chunk, err := aescrypto.XTSDecrypt(encrypted[start:start+sectorSize], headerKey[:], uint64(i))
		if err != nil {
			return nil, err
		}
		copy(decrypted[start:start+sectorSize], chunk)
	}

	magic := string(decrypted[0x200:0x204])
	if magic != "NCA2" && magic != "NCA3" {
		return nil, nszerr.ContainerFormatError{What: "NCA header", Reason: "magic mismatch after XTS decryption"}
	}

	header := &Header{
		ContentType: decrypted[0x205],
		CryptoType:  decrypted[0x206],
		Size:        binary.LittleEndian.Uint64(decrypted[0x208:0x210]),
		CryptoType2: decrypted[0x220],
	}
	copy(header.RightsID[:], decrypted[0x230:0x240])
	copy(header.EncryptedKeyArea[:], decrypted[0x300:0x340])

	for i := 0; i < 4; i++ {
		tableCursor := 0x240 + i*0x10
		mediaOffset := uint64(binary.LittleEndian.Uint32(decrypted[tableCursor : tableCursor+4]))
		mediaEnd := uint64(binary.LittleEndian.Uint32(decrypted[tableCursor+4 : tableCursor+8]))
		offset := mediaOffset * MediaSize
		end := mediaEnd * MediaSize
		if end <= offset || end > header.Size {
			continue
		}

		fsHeaderStart := 0x400 + i*0x200
		fsHeader := decrypted[fsHeaderStart : fsHeaderStart+0x200]

		var counter [16]byte
		copy(counter[8:16], fsHeader[0x140:0x148])
		reverseBytes(counter[:])

		header.Sections = append(header.Sections, Section{
			Offset:               offset,
			Size:                 end - offset,
			CryptoType:           fsHeader[0x4],
			CryptoCounter:        counter,
			bktrSubsectionOffset: binary.LittleEndian.Uint64(fsHeader[0x120:0x128]),
			bktrSubsectionSize:   binary.LittleEndian.Uint64(fsHeader[0x128:0x130]),
		})
	}

	sort.Slice(header.Sections, func(i, j int) bool {
		return header.Sections[i].Offset < header.Sections[j].Offset
	})

	return header, nil
}

// Meta derives the compression-eligibility metadata for this header: the
// sections are "packed" when they're contiguous starting from the first
// section's offset and together cover the whole declared content size.
func (h *Header) Meta() CompressionMeta {
	packed := true
	if len(h.Sections) > 0 {
		next := h.Sections[0].Offset
		for _, s := range h.Sections {
			if s.Offset != next {
				packed = false
				break
			}
			next = s.Offset + s.Size
		}
		if packed && next != h.Size {
			packed = false
		}
	}
	return CompressionMeta{ContentType: h.ContentType, Size: h.Size, Packed: packed}
}

// ResolveTitleKey derives this NCA's title key, either by unwrapping a
// ticket's encrypted title key (rights-id content) or by decrypting the
// header's key-area block (standard crypto).
func (h *Header) ResolveTitleKey(ks *keyset.KeySet, tickets map[[16]byte]ticket.Record) ([16]byte, error) {
	var zero [16]byte
	masterIndex := keyset.MasterKeyIndex(h.CryptoType, h.CryptoType2)

	if h.RightsID != zero {
		rec, ok := tickets[h.RightsID]
		if !ok {
			return zero, nszerr.MissingKeyError{Name: "ticket for rights id " + hexString(h.RightsID[:])}
		}
		return ks.TitleKeyFromTicket(masterIndex, rec.EncryptedTitleKey)
	}
	return ks.TitleKeyFromKeyArea(masterIndex, h.EncryptedKeyArea)
}

// BuildCompressionPlan resolves the title key and expands every section
// (including BKTR patch sections) into the flat EncryptionSection list the
// NCZ codec consumes.
func BuildCompressionPlan(r io.ReaderAt, headerKey [32]byte, ks *keyset.KeySet, tickets map[[16]byte]ticket.Record) (*CompressionPlan, error) {
	header, err := ParseHeader(r, headerKey)
	if err != nil {
		return nil, err
	}
	titleKey, err := header.ResolveTitleKey(ks, tickets)
	if err != nil {
		return nil, err
	}

	offsetFirstSection := uint64(FullHeaderSize)
	if len(header.Sections) > 0 {
		offsetFirstSection = header.Sections[0].Offset
	}

	var sections []EncryptionSection
	for _, section := range header.Sections {
		normalizedCryptoType := uint64(section.CryptoType)
		if section.CryptoType == CryptoTypeBKTR {
			normalizedCryptoType = CryptoTypeCTR
		}

		if section.bktrSubsectionSize == 0 {
			sections = append(sections, EncryptionSection{
				Offset:        section.Offset,
				Size:          section.Size,
				CryptoType:    normalizedCryptoType,
				CryptoKey:     titleKey,
				CryptoCounter: section.CryptoCounter,
			})
			continue
		}

		entries, err := parseBktrSubsectionEntries(r, section, titleKey)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			sections = append(sections, EncryptionSection{
				Offset:        section.Offset,
				Size:          section.Size,
				CryptoType:    normalizedCryptoType,
				CryptoKey:     titleKey,
				CryptoCounter: section.CryptoCounter,
			})
			continue
		}

		for _, entry := range entries {
			sections = append(sections, EncryptionSection{
				Offset:        section.Offset + entry.virtualOffset,
				Size:          entry.size,
				CryptoType:    normalizedCryptoType,
				CryptoKey:     titleKey,
				CryptoCounter: setBktrCounter(section.CryptoCounter, entry.ctr),
			})
		}
		if last := sections[len(sections)-1]; true {
			nextOffset := last.Offset + last.Size
			sectionEnd := section.Offset + section.Size
			if nextOffset < sectionEnd {
				sections = append(sections, EncryptionSection{
					Offset:        nextOffset,
					Size:          sectionEnd - nextOffset,
					CryptoType:    normalizedCryptoType,
					CryptoKey:     titleKey,
					CryptoCounter: section.CryptoCounter,
				})
			}
		}
	}

	return &CompressionPlan{
		Meta:               header.Meta(),
		OffsetFirstSection: offsetFirstSection,
		Sections:           sections,
	}, nil
}

type bktrSubsectionEntry struct {
	virtualOffset uint64
	size          uint64
	ctr           uint32
}

// parseBktrSubsectionEntries reads the BKTR bucket table (itself encrypted
// with the section's own counter) and returns one entry per subsection,
// with sizes derived from the gap to the next entry's virtual offset, or to
// the bucket's declared end offset for the last entry in each bucket.
func parseBktrSubsectionEntries(r io.ReaderAt, section Section, titleKey [16]byte) ([]bktrSubsectionEntry, error) {
	if section.bktrSubsectionOffset+bktrHeaderSize > section.Size {
		return nil, nszerr.ContainerFormatError{What: "BKTR subsection header", Reason: "outside section bounds"}
	}

	header, err := readSectionRange(r, section, section.bktrSubsectionOffset, bktrHeaderSize, titleKey)
	if err != nil {
		return nil, err
	}

	bucketCount := binary.LittleEndian.Uint32(header[4:8])
	cursor := section.bktrSubsectionOffset + bktrHeaderSize

	var out []bktrSubsectionEntry
	for i := uint32(0); i < bucketCount; i++ {
		bucketHeader, err := readSectionRange(r, section, cursor, 0x10, titleKey)
		if err != nil {
			return nil, err
		}
		entryCount := binary.LittleEndian.Uint32(bucketHeader[4:8])
		endOffset := binary.LittleEndian.Uint64(bucketHeader[8:16])
		cursor += 0x10

		entriesBytes, err := readSectionRange(r, section, cursor, uint64(entryCount)*0x10, titleKey)
		if err != nil {
			return nil, err
		}
		cursor += uint64(entryCount) * 0x10

		startIndex := len(out)
		for j := uint32(0); j < entryCount; j++ {
			base := j * 0x10
			virtualOffset := binary.LittleEndian.Uint64(entriesBytes[base : base+8])
			ctr := binary.LittleEndian.Uint32(entriesBytes[base+12 : base+16])
			if j > 0 {
				prev := &out[len(out)-1]
				prev.size = virtualOffset - prev.virtualOffset
			}
			out = append(out, bktrSubsectionEntry{virtualOffset: virtualOffset, ctr: ctr})
		}
		if len(out) > startIndex {
			last := &out[len(out)-1]
			last.size = endOffset - last.virtualOffset
		}
	}

	return out, nil
}

// readSectionRange reads size bytes at relativeOffset within section,
// decrypting with AES-CTR when the section uses CTR or BKTR crypto.
func readSectionRange(r io.ReaderAt, section Section, relativeOffset, size uint64, titleKey [16]byte) ([]byte, error) {
	if relativeOffset+size > section.Size {
		return nil, nszerr.ContainerFormatError{What: "NCA section", Reason: "read outside section bounds"}
	}
	absoluteOffset := section.Offset + relativeOffset

	buf := make([]byte, size)
	if _, err := r.ReadAt(buf, int64(absoluteOffset)); err != nil {
		return nil, err
	}

	if section.CryptoType == CryptoTypeCTR || section.CryptoType == CryptoTypeBKTR {
		stream, err := aescrypto.NewCTRStream(titleKey[:], section.CryptoCounter[:], int64(absoluteOffset))
		if err != nil {
			return nil, err
		}
		stream.XORKeyStream(buf, buf)
	}
	return buf, nil
}

// setBktrCounter builds the per-entry CTR base counter: bytes 8-15 of the
// section's base counter are zeroed, and the entry's 32-bit counter value is
// written big-endian into bytes 4-7; bytes 0-3 are kept from the base
// counter.
func setBktrCounter(base [16]byte, ctrValue uint32) [16]byte {
	counter := base
	for i := 8; i < 16; i++ {
		counter[i] = 0
	}
	counter[7] = byte(ctrValue)
	counter[6] = byte(ctrValue >> 8)
	counter[5] = byte(ctrValue >> 16)
	counter[4] = byte(ctrValue >> 24)
	return counter
}

func reverseBytes(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

func hexString(data []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(data)*2)
	for i, b := range data {
		out[i*2] = digits[b>>4]
		out[i*2+1] = digits[b&0xF]
	}
	return string(out)
}
