package ncz

import (
	"bytes"
	"io"
	"testing"

	"github.com/birkou/nszgo/pkg/aescrypto"
	"github.com/birkou/nszgo/pkg/zstdcodec"
)

type seekBuffer struct {
	buf    []byte
	cursor int64
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	end := s.cursor + int64(len(p))
	if end > int64(len(s.buf)) {
		grown := make([]byte, end)
		copy(grown, s.buf)
		s.buf = grown
	}
	copy(s.buf[s.cursor:end], p)
	s.cursor = end
	return len(p), nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		s.cursor = offset
	case io.SeekCurrent:
		s.cursor += offset
	case io.SeekEnd:
		s.cursor = int64(len(s.buf)) + offset
	}
	return s.cursor, nil
}

func ctrEncrypt(key, counter [16]byte, absOffset int64, plain []byte) []byte {
	out := make([]byte, len(plain))
	copy(out, plain)
	stream, err := aescrypto.NewCTRStream(key[:], counter[:], absOffset)
	if err != nil {
		panic(err)
	}
	stream.XORKeyStream(out, out)
	return out
}

func TestEncodeSolidDecodeRoundTrip(t *testing.T) {
	header := bytes.Repeat([]byte{0x11}, HeaderSize)
	plainA := bytes.Repeat([]byte{0xAA}, 0x1000)
	plainB := bytes.Repeat([]byte{0xBB}, 0x1000)

	var key [16]byte
	var counter [16]byte
	for i := range key {
		key[i] = byte(i + 1)
	}
	for i := range counter {
		counter[i] = byte(0x80 + i)
	}

	cipherA := ctrEncrypt(key, counter, HeaderSize, plainA)

	nca := append(append([]byte{}, header...), cipherA...)
	nca = append(nca, plainB...)

	sections := []Section{
		{Offset: HeaderSize, Size: uint64(len(plainA)), CryptoType: 3, CryptoKey: key, CryptoCounter: counter},
		{Offset: HeaderSize + uint64(len(plainA)), Size: uint64(len(plainB)), CryptoType: 0},
	}

	var out bytes.Buffer
	if err := EncodeSolid(bytes.NewReader(nca), HeaderSize, sections, &out, zstdcodec.Options{Level: 3}); err != nil {
		t.Fatalf("encode solid: %v", err)
	}

	var decoded bytes.Buffer
	if err := Decode(bytes.NewReader(out.Bytes()), int64(out.Len()), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded.Bytes(), nca) {
		t.Fatal("solid round trip mismatch")
	}
}

func TestEncodeSolidWithLeadingGap(t *testing.T) {
	header := bytes.Repeat([]byte{0x22}, HeaderSize)
	gap := bytes.Repeat([]byte{0x33}, 0x100)
	plain := bytes.Repeat([]byte{0x44}, 0x800)

	nca := append(append([]byte{}, header...), gap...)
	nca = append(nca, plain...)

	sections := []Section{
		{Offset: HeaderSize + uint64(len(gap)), Size: uint64(len(plain)), CryptoType: 0},
	}

	var out bytes.Buffer
	if err := EncodeSolid(bytes.NewReader(nca), HeaderSize+uint64(len(gap)), sections, &out, zstdcodec.Options{Level: 3}); err != nil {
		t.Fatalf("encode solid: %v", err)
	}

	var decoded bytes.Buffer
	if err := Decode(bytes.NewReader(out.Bytes()), int64(out.Len()), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded.Bytes(), nca) {
		t.Fatal("leading-gap round trip mismatch")
	}
}

func TestBuildPartsTrimsSectionOverlappingHeader(t *testing.T) {
	// A section that starts before HeaderSize (the common real case,
	// e.g. at 0xC00) must have its covered-by-header prefix trimmed away
	// so the header and the section payload aren't double-counted.
	sections := []Section{
		{Offset: 0xC00, Size: 0x5000, CryptoType: 0},
	}
	parts := buildParts(0xC00, sections)
	if len(parts) != 1 {
		t.Fatalf("expected 1 trimmed part, got %d", len(parts))
	}
	if parts[0].offset != HeaderSize {
		t.Fatalf("expected trimmed offset %x, got %x", HeaderSize, parts[0].offset)
	}
	if parts[0].size != 0x5000-(HeaderSize-0xC00) {
		t.Fatalf("expected trimmed size %x, got %x", 0x5000-(HeaderSize-0xC00), parts[0].size)
	}
}

func TestEncodeBlockDecodeRoundTrip(t *testing.T) {
	header := bytes.Repeat([]byte{0x55}, HeaderSize)
	// just over one 16KiB block so multiple blocks are exercised.
	plain := make([]byte, 0x4000+0x123)
	for i := range plain {
		plain[i] = byte(i)
	}

	nca := append(append([]byte{}, header...), plain...)
	sections := []Section{
		{Offset: HeaderSize, Size: uint64(len(plain)), CryptoType: 0},
	}

	out := &seekBuffer{}
	if err := EncodeBlock(bytes.NewReader(nca), HeaderSize, sections, 14, 3, out); err != nil {
		t.Fatalf("encode block: %v", err)
	}

	var decoded bytes.Buffer
	if err := Decode(bytes.NewReader(out.buf), int64(len(out.buf)), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded.Bytes(), nca) {
		t.Fatal("block round trip mismatch")
	}
}

func TestEncodeBlockRejectsExponentOutOfRange(t *testing.T) {
	out := &seekBuffer{}
	header := bytes.Repeat([]byte{0}, HeaderSize)
	if err := EncodeBlock(bytes.NewReader(header), HeaderSize, nil, 13, 3, out); err == nil {
		t.Fatal("expected error for block size exponent below minimum")
	}
}

func TestParseSectionsRejectsBadMagic(t *testing.T) {
	data := make([]byte, HeaderSize+16)
	if _, err := ParseSections(bytes.NewReader(data), int64(len(data))); err == nil {
		t.Fatal("expected error for missing NCZSECTN magic")
	}
}

func TestDecompressedNCASize(t *testing.T) {
	sections := []Section{{Size: 0x100}, {Size: 0x200}}
	if got := DecompressedNCASize(sections); got != HeaderSize+0x300 {
		t.Fatalf("expected %x, got %x", HeaderSize+0x300, got)
	}
}
