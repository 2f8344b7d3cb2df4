// Package ncz encodes and decodes NCZ streams: a verbatim NCA header
// prefix, a section table describing the NCA's encrypted ranges, and
// either a single Zstd frame ("solid" mode) or a block-structured Zstd
// stream ("block" mode) holding the rest of the NCA's bytes decrypted to
// plaintext so they compress well. Decoding re-applies the recorded
// AES-CTR keystream to reconstruct the original ciphertext exactly.
package ncz

import (
	"crypto/cipher"
	"encoding/binary"
	"io"
	"strconv"

	"github.com/klauspost/compress/zstd"

	"github.com/birkou/nszgo/pkg/aescrypto"
	"github.com/birkou/nszgo/pkg/nca"
	"github.com/birkou/nszgo/pkg/nszerr"
	"github.com/birkou/nszgo/pkg/zstdcodec"
)

const (
	// HeaderSize is the verbatim NCA header prefix every NCZ stream
	// reserves ahead of the section table.
	HeaderSize = 0x4000

	sectionMagic     = "NCZSECTN"
	blockMagic       = "NCZBLOCK"
	sectionEntrySize = 64
	blockHeaderSize  = 24

	// MinBlockSizeExponent and MaxBlockSizeExponent bound the NCZBLOCK
	// block size field; block size is 1 << exponent.
	MinBlockSizeExponent = 14
	MaxBlockSizeExponent = 32

	// chunkSize is the scratch buffer used to stream cipher/compression
	// input so a gigabyte-scale NCA is never held in memory twice.
	chunkSize = 1 << 24
)

// Section is one NCZ section descriptor.
type Section struct {
	Offset        uint64
	Size          uint64
	CryptoType    uint64
	CryptoKey     [16]byte
	CryptoCounter [16]byte
}

// FromPlan converts a resolved NCA compression plan into NCZ section
// descriptors, in plan order.
func FromPlan(plan *nca.CompressionPlan) []Section {
	sections := make([]Section, len(plan.Sections))
	for i, s := range plan.Sections {
		sections[i] = Section{
			Offset:        s.Offset,
			Size:          s.Size,
			CryptoType:    s.CryptoType,
			CryptoKey:     s.CryptoKey,
			CryptoCounter: s.CryptoCounter,
		}
	}
	return sections
}

// DecompressedNCASize returns HeaderSize plus the sum of every section's
// size. That equals the original NCA's total size only when the sections
// begin at HeaderSize and are contiguous: a leading gap is not counted, and
// a section starting inside the header region is counted in full.
func DecompressedNCASize(sections []Section) uint64 {
	total := uint64(HeaderSize)
	for _, s := range sections {
		total += s.Size
	}
	return total
}

func writeSectionHeader(w io.Writer, sections []Section) error {
	var magic [8]byte
	copy(magic[:], sectionMagic)
	if _, err := w.Write(magic[:]); err != nil {
		return err
	}
	var countBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], uint64(len(sections)))
	if _, err := w.Write(countBuf[:]); err != nil {
		return err
	}

	buf := make([]byte, sectionEntrySize)
	for _, s := range sections {
		binary.LittleEndian.PutUint64(buf[0:8], s.Offset)
		binary.LittleEndian.PutUint64(buf[8:16], s.Size)
		binary.LittleEndian.PutUint64(buf[16:24], s.CryptoType)
		binary.LittleEndian.PutUint64(buf[24:32], 0)
		copy(buf[32:48], s.CryptoKey[:])
		copy(buf[48:64], s.CryptoCounter[:])
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// ParseSections reads an NCZ file's section table.
func ParseSections(r io.ReaderAt, fileSize int64) ([]Section, error) {
	sections, _, err := readSectionHeader(r, fileSize)
	return sections, err
}

func readSectionHeader(r io.ReaderAt, fileSize int64) ([]Section, int64, error) {
	if fileSize < HeaderSize+16 {
		return nil, 0, nszerr.ContainerFormatError{What: "NCZ section header", Reason: "too short for section header"}
	}
	var magic [8]byte
	if _, err := r.ReadAt(magic[:], HeaderSize); err != nil {
		return nil, 0, err
	}
	if string(magic[:]) != sectionMagic {
		return nil, 0, nszerr.ContainerFormatError{What: "NCZ section header", Reason: "magic mismatch"}
	}

	var countBuf [8]byte
	if _, err := r.ReadAt(countBuf[:], HeaderSize+8); err != nil {
		return nil, 0, err
	}
	count := binary.LittleEndian.Uint64(countBuf[:])
	cursor := int64(HeaderSize + 16)
	needed := cursor + int64(count)*sectionEntrySize
	if fileSize < needed {
		return nil, 0, nszerr.ContainerFormatError{What: "NCZ section header", Reason: "truncated section table"}
	}

	sections := make([]Section, count)
	buf := make([]byte, sectionEntrySize)
	for i := range sections {
		if _, err := r.ReadAt(buf, cursor); err != nil {
			return nil, 0, err
		}
		s := Section{
			Offset:     binary.LittleEndian.Uint64(buf[0:8]),
			Size:       binary.LittleEndian.Uint64(buf[8:16]),
			CryptoType: binary.LittleEndian.Uint64(buf[16:24]),
		}
		copy(s.CryptoKey[:], buf[32:48])
		copy(s.CryptoCounter[:], buf[48:64])
		sections[i] = s
		cursor += sectionEntrySize
	}
	return sections, cursor, nil
}

// part is one contiguous, independently-keyed range of the source NCA to
// stream into the compressor. Sections already carry per-BKTR-entry
// counters from the compression plan, so every part is processed
// uniformly: no special-casing is needed for regrouped BKTR ranges.
type part struct {
	offset        uint64
	size          uint64
	cryptoType    uint64
	cryptoKey     [16]byte
	cryptoCounter [16]byte
	encrypted     bool
}

// buildParts expands the leading gap (between the verbatim header and the
// first section) and the sections themselves into a flat list of parts,
// trimming away any overlap with the header region when a section starts
// before HeaderSize.
func buildParts(offsetFirstSection uint64, sections []Section) []part {
	parts := make([]part, 0, len(sections)+1)
	if offsetFirstSection > HeaderSize {
		parts = append(parts, part{offset: HeaderSize, size: offsetFirstSection - HeaderSize})
	}
	for _, s := range sections {
		parts = append(parts, part{
			offset: s.Offset, size: s.Size, cryptoType: s.CryptoType,
			cryptoKey: s.CryptoKey, cryptoCounter: s.CryptoCounter, encrypted: true,
		})
	}

	var skip uint64
	if HeaderSize > offsetFirstSection {
		skip = HeaderSize - offsetFirstSection
	}
	for i := range parts {
		if skip == 0 {
			break
		}
		consumed := skip
		if parts[i].size < consumed {
			consumed = parts[i].size
		}
		parts[i].offset += consumed
		parts[i].size -= consumed
		skip -= consumed
	}

	out := parts[:0]
	for _, p := range parts {
		if p.size > 0 {
			out = append(out, p)
		}
	}
	return out
}

func partCipher(p part) (cipher.Stream, error) {
	if !p.encrypted || (p.cryptoType != 3 && p.cryptoType != 4) {
		return nil, nil
	}
	return aescrypto.NewCTRStream(p.cryptoKey[:], p.cryptoCounter[:], int64(p.offset))
}

// streamParts reads each part from src, decrypting CTR-encrypted ranges
// to plaintext (so they compress the way the encrypted bytes on disk
// never would) and writes the result to w.
func streamParts(src io.ReaderAt, parts []part, w io.Writer) error {
	scratch := make([]byte, chunkSize)
	for _, p := range parts {
		stream, err := partCipher(p)
		if err != nil {
			return err
		}
		var processed uint64
		for processed < p.size {
			toRead := p.size - processed
			if toRead > uint64(len(scratch)) {
				toRead = uint64(len(scratch))
			}
			chunk := scratch[:toRead]
			if _, err := src.ReadAt(chunk, int64(p.offset+processed)); err != nil {
				return err
			}
			if stream != nil {
				stream.XORKeyStream(chunk, chunk)
			}
			if _, err := w.Write(chunk); err != nil {
				return err
			}
			processed += toRead
		}
	}
	return nil
}

// EncodeSolid writes a solid-mode NCZ stream to w: the verbatim header,
// the section table, then a single Zstd frame covering the leading gap
// (if any) and every section's decrypted payload in order.
func EncodeSolid(src io.ReaderAt, offsetFirstSection uint64, sections []Section, w io.Writer, opts zstdcodec.Options) error {
	headerBuf := make([]byte, HeaderSize)
	if _, err := src.ReadAt(headerBuf, 0); err != nil {
		return err
	}
	if _, err := w.Write(headerBuf); err != nil {
		return err
	}
	if err := writeSectionHeader(w, sections); err != nil {
		return err
	}

	enc, err := zstdcodec.NewStreamEncoder(w, opts)
	if err != nil {
		return err
	}

	parts := buildParts(offsetFirstSection, sections)
	if err := streamParts(src, parts, enc); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// EncodeBlock writes a block-mode NCZ stream to w: the verbatim header,
// the section table, an NCZBLOCK frame header, a reserved per-block
// compressed-size table backpatched once every block is written, and the
// block payloads themselves. Block boundaries do not respect section
// boundaries — payload bytes from consecutive sections are concatenated
// before being split into fixed-size blocks.
func EncodeBlock(src io.ReaderAt, offsetFirstSection uint64, sections []Section, blockSizeExponent uint8, level int, w io.WriteSeeker) error {
	if blockSizeExponent < MinBlockSizeExponent || blockSizeExponent > MaxBlockSizeExponent {
		return nszerr.UnsupportedFeatureError{Feature: "NCZBLOCK block size exponent", Detail: strconv.Itoa(int(blockSizeExponent))}
	}
	blockSize := uint64(1) << blockSizeExponent

	headerBuf := make([]byte, HeaderSize)
	if _, err := src.ReadAt(headerBuf, 0); err != nil {
		return err
	}
	if _, err := w.Write(headerBuf); err != nil {
		return err
	}
	if err := writeSectionHeader(w, sections); err != nil {
		return err
	}

	parts := buildParts(offsetFirstSection, sections)
	var decompressedSize uint64
	for _, p := range parts {
		decompressedSize += p.size
	}
	blockCount := uint32((decompressedSize + blockSize - 1) / blockSize)

	var blockHeader [blockHeaderSize]byte
	copy(blockHeader[0:8], blockMagic)
	blockHeader[8], blockHeader[9], blockHeader[10], blockHeader[11] = 0x02, 0x01, 0x00, blockSizeExponent
	binary.LittleEndian.PutUint32(blockHeader[12:16], blockCount)
	binary.LittleEndian.PutUint64(blockHeader[16:24], decompressedSize)
	if _, err := w.Write(blockHeader[:]); err != nil {
		return err
	}

	sizeTableOffset, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := w.Write(make([]byte, int64(blockCount)*4)); err != nil {
		return err
	}

	sizes := make([]uint32, 0, blockCount)
	pending := make([]byte, 0, blockSize)
	scratch := make([]byte, chunkSize)

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		block := encodeBlockPayload(pending, level)
		if _, err := w.Write(block); err != nil {
			return err
		}
		sizes = append(sizes, uint32(len(block)))
		pending = pending[:0]
		return nil
	}

	for _, p := range parts {
		stream, err := partCipher(p)
		if err != nil {
			return err
		}
		var processed uint64
		for processed < p.size {
			toRead := p.size - processed
			if toRead > uint64(len(scratch)) {
				toRead = uint64(len(scratch))
			}
			chunk := scratch[:toRead]
			if _, err := src.ReadAt(chunk, int64(p.offset+processed)); err != nil {
				return err
			}
			if stream != nil {
				stream.XORKeyStream(chunk, chunk)
			}

			cursor := 0
			for cursor < len(chunk) {
				take := int(blockSize) - len(pending)
				if take > len(chunk)-cursor {
					take = len(chunk) - cursor
				}
				pending = append(pending, chunk[cursor:cursor+take]...)
				cursor += take
				if uint64(len(pending)) == blockSize {
					if err := flush(); err != nil {
						return err
					}
				}
			}
			processed += toRead
		}
	}
	if err := flush(); err != nil {
		return err
	}

	endOffset, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := w.Seek(sizeTableOffset, io.SeekStart); err != nil {
		return err
	}
	sizeBuf := make([]byte, 4)
	for _, sz := range sizes {
		binary.LittleEndian.PutUint32(sizeBuf, sz)
		if _, err := w.Write(sizeBuf); err != nil {
			return err
		}
	}
	_, err = w.Seek(endOffset, io.SeekStart)
	return err
}

func encodeBlockPayload(payload []byte, level int) []byte {
	compressed := zstdcodec.CompressBlock(payload, level)
	if len(compressed) < len(payload) {
		return compressed
	}
	stored := make([]byte, len(payload))
	copy(stored, payload)
	return stored
}

// Decode reconstructs the original NCA byte stream from an NCZ file and
// writes it to w: the verbatim header, the leading gap, then each
// section's bytes (less any prefix the header already covers) with AES-CTR
// re-applied for crypto types 3 and 4 to reproduce the exact on-disk
// ciphertext.
func Decode(r io.ReaderAt, fileSize int64, w io.Writer) error {
	sections, streamOffset, err := readSectionHeader(r, fileSize)
	if err != nil {
		return err
	}

	headerBuf := make([]byte, HeaderSize)
	if _, err := r.ReadAt(headerBuf, 0); err != nil {
		return err
	}
	if _, err := w.Write(headerBuf); err != nil {
		return err
	}

	payload, err := openPayloadStream(r, fileSize, streamOffset)
	if err != nil {
		return err
	}
	defer payload.Close()

	// Mirror the encoder's part layout: the leading gap, then each section
	// with any prefix already covered by the verbatim header trimmed away.
	offsetFirstSection := uint64(HeaderSize)
	if len(sections) > 0 {
		offsetFirstSection = sections[0].Offset
	}
	for _, p := range buildParts(offsetFirstSection, sections) {
		stream, err := partCipher(p)
		if err != nil {
			return err
		}
		if err := copyExact(payload, w, p.size, stream); err != nil {
			return err
		}
	}
	return nil
}

func copyExact(r io.Reader, w io.Writer, n uint64, stream cipher.Stream) error {
	scratch := make([]byte, chunkSize)
	var done uint64
	for done < n {
		toRead := n - done
		if toRead > uint64(len(scratch)) {
			toRead = uint64(len(scratch))
		}
		chunk := scratch[:toRead]
		if _, err := io.ReadFull(r, chunk); err != nil {
			return err
		}
		if stream != nil {
			stream.XORKeyStream(chunk, chunk)
		}
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		done += toRead
	}
	return nil
}

func openPayloadStream(r io.ReaderAt, fileSize, streamOffset int64) (io.ReadCloser, error) {
	if fileSize < streamOffset+8 {
		return nil, nszerr.ContainerFormatError{What: "NCZ payload", Reason: "too short to detect frame type"}
	}
	var magic [8]byte
	if _, err := r.ReadAt(magic[:], streamOffset); err != nil {
		return nil, err
	}
	tail := io.NewSectionReader(r, streamOffset, fileSize-streamOffset)
	if string(magic[:]) == blockMagic {
		return newBlockReader(tail)
	}
	dec, err := zstdcodec.NewStreamDecoder(tail)
	if err != nil {
		return nil, err
	}
	return &decoderCloser{dec: dec}, nil
}

type decoderCloser struct {
	dec *zstd.Decoder
}

func (d *decoderCloser) Read(p []byte) (int, error) { return d.dec.Read(p) }

func (d *decoderCloser) Close() error {
	d.dec.Close()
	return nil
}

// blockReader streams the decompressed payload of an NCZBLOCK frame one
// block at a time, holding only the current block's bytes in memory.
type blockReader struct {
	sr               *io.SectionReader
	blockSize        uint64
	decompressedSize uint64
	sizes            []uint32
	cursor           int
	streamPos        int64
	pending          []byte
	emitted          uint64
}

func newBlockReader(sr *io.SectionReader) (*blockReader, error) {
	var hdr [blockHeaderSize]byte
	if _, err := sr.ReadAt(hdr[:], 0); err != nil {
		return nil, err
	}
	if string(hdr[0:8]) != blockMagic {
		return nil, nszerr.ContainerFormatError{What: "NCZBLOCK header", Reason: "magic mismatch"}
	}
	blockSizeExp := hdr[11]
	if blockSizeExp < MinBlockSizeExponent || blockSizeExp > MaxBlockSizeExponent {
		return nil, nszerr.UnsupportedFeatureError{Feature: "NCZBLOCK block size exponent", Detail: strconv.Itoa(int(blockSizeExp))}
	}
	blockCount := binary.LittleEndian.Uint32(hdr[12:16])
	decompressedSize := binary.LittleEndian.Uint64(hdr[16:24])

	sizesBuf := make([]byte, int64(blockCount)*4)
	if len(sizesBuf) > 0 {
		if _, err := sr.ReadAt(sizesBuf, blockHeaderSize); err != nil {
			return nil, err
		}
	}
	sizes := make([]uint32, blockCount)
	for i := range sizes {
		sizes[i] = binary.LittleEndian.Uint32(sizesBuf[i*4 : i*4+4])
	}

	return &blockReader{
		sr:               sr,
		blockSize:        uint64(1) << blockSizeExp,
		decompressedSize: decompressedSize,
		sizes:            sizes,
		streamPos:        int64(blockHeaderSize) + int64(blockCount)*4,
	}, nil
}

func (b *blockReader) Read(p []byte) (int, error) {
	if len(b.pending) == 0 {
		if err := b.fillNextBlock(); err != nil {
			return 0, err
		}
	}
	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}

func (b *blockReader) Close() error { return nil }

func (b *blockReader) fillNextBlock() error {
	if b.cursor >= len(b.sizes) {
		if b.emitted != b.decompressedSize {
			return nszerr.ContainerFormatError{What: "NCZBLOCK stream", Reason: "decompressed size mismatch"}
		}
		return io.EOF
	}

	compressedSize := b.sizes[b.cursor]
	remaining := b.decompressedSize - b.emitted
	expected := b.blockSize
	if remaining < expected {
		expected = remaining
	}

	raw := make([]byte, compressedSize)
	if _, err := b.sr.ReadAt(raw, b.streamPos); err != nil {
		return err
	}
	b.streamPos += int64(compressedSize)

	var block []byte
	if uint64(compressedSize) == expected {
		block = raw
	} else {
		decoded, err := zstdcodec.DecompressBlock(raw, int(expected))
		if err != nil {
			return err
		}
		if uint64(len(decoded)) != expected {
			return nszerr.ContainerFormatError{What: "NCZBLOCK stream", Reason: "decoded block size mismatch"}
		}
		block = decoded
	}

	b.pending = block
	b.emitted += uint64(len(block))
	b.cursor++
	return nil
}
