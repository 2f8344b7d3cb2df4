package nca

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/birkou/nszgo/pkg/aescrypto"
	"github.com/birkou/nszgo/pkg/keyset"
	"github.com/birkou/nszgo/pkg/ticket"
)

func repeatHex(b byte, n int) string {
	return hex.EncodeToString(bytes.Repeat([]byte{b}, n))
}

// testKeySet builds a minimal KeySet with a single master key at index 0,
// and returns it along with the key-area-application key so callers can
// wrap synthetic key area blocks.
func testKeySet(t *testing.T) (*keyset.KeySet, [16]byte) {
	t.Helper()
	var b strings.Builder
	b.WriteString("header_key = " + repeatHex(0x11, 32) + "\n")
	b.WriteString("aes_kek_generation_source = " + repeatHex(0x22, 16) + "\n")
	b.WriteString("aes_key_generation_source = " + repeatHex(0x33, 16) + "\n")
	b.WriteString("titlekek_source = " + repeatHex(0x44, 16) + "\n")
	b.WriteString("key_area_key_application_source = " + repeatHex(0x55, 16) + "\n")
	b.WriteString("master_key_00 = " + repeatHex(0x66, 16) + "\n")

	ks, err := keyset.Parse(strings.NewReader(b.String()))
	if err != nil {
		t.Fatalf("parse keyset: %v", err)
	}

	masterKey := bytes.Repeat([]byte{0x66}, 16)
	aesKekGenSrc := bytes.Repeat([]byte{0x22}, 16)
	aesKeyGenSrc := bytes.Repeat([]byte{0x33}, 16)
	keyAreaAppSrc := bytes.Repeat([]byte{0x55}, 16)
	k1, err := aescrypto.ECBDecryptBlock(masterKey, aesKekGenSrc)
	if err != nil {
		t.Fatalf("derive k1: %v", err)
	}
	k2, err := aescrypto.ECBDecryptBlock(k1[:], keyAreaAppSrc)
	if err != nil {
		t.Fatalf("derive k2: %v", err)
	}
	kak, err := aescrypto.ECBDecryptBlock(k2[:], aesKeyGenSrc)
	if err != nil {
		t.Fatalf("derive kak: %v", err)
	}
	return ks, kak
}

var headerKey = func() [32]byte {
	var k [32]byte
	copy(k[:], bytes.Repeat([]byte{0x11}, 32))
	return k
}()

type sectionSpec struct {
	mediaStart, mediaEnd uint32
	cryptoType           byte
	counter              [8]byte
	bktrOffset, bktrSize uint64
}

// buildEncryptedHeader constructs a plaintext 0xC00-byte NCA header with the
// given fields and section table, then encrypts it sector-by-sector under
// AES-128-XTS the same way a real NCA header is encrypted.
func buildEncryptedHeader(t *testing.T, contentType, cryptoType, cryptoType2 byte, rightsID [16]byte, size uint64, encryptedKeyArea [64]byte, sections []sectionSpec) []byte {
	t.Helper()
	plain := make([]byte, HeaderStructSize)
	copy(plain[0x200:0x204], []byte("NCA3"))
	plain[0x205] = contentType
	plain[0x206] = cryptoType
	binary.LittleEndian.PutUint64(plain[0x208:0x210], size)
	plain[0x220] = cryptoType2
	copy(plain[0x230:0x240], rightsID[:])
	copy(plain[0x300:0x340], encryptedKeyArea[:])

	for i, s := range sections {
		tableCursor := 0x240 + i*0x10
		binary.LittleEndian.PutUint32(plain[tableCursor:tableCursor+4], s.mediaStart)
		binary.LittleEndian.PutUint32(plain[tableCursor+4:tableCursor+8], s.mediaEnd)

		fsStart := 0x400 + i*0x200
		plain[fsStart+0x4] = s.cryptoType
		copy(plain[fsStart+0x140:fsStart+0x148], s.counter[:])
		binary.LittleEndian.PutUint64(plain[fsStart+0x120:fsStart+0x128], s.bktrOffset)
		binary.LittleEndian.PutUint64(plain[fsStart+0x128:fsStart+0x130], s.bktrSize)
	}

	cipher := make([]byte, HeaderStructSize)
	for i := 0; i < HeaderStructSize/sectorSize; i++ {
		start := i * sectorSize
		enc, err := aescrypto.XTSEncrypt(plain[start:start+sectorSize], headerKey[:], uint64(i))
		if err != nil {
			t.Fatalf("xts encrypt sector %d: %v", i, err)
		}
		copy(cipher[start:start+sectorSize], enc)
	}
	return cipher
}

func TestParseHeaderAndMetaPacked(t *testing.T) {
	_, kak := testKeySet(t)
	keyArea := make([]byte, 64)
	copy(keyArea[0x20:0x30], bytes.Repeat([]byte{0x99}, 16))
	encryptedKeyArea, err := aescrypto.ECBEncrypt(kak[:], keyArea)
	if err != nil {
		t.Fatalf("encrypt key area: %v", err)
	}
	var encKeyArea [64]byte
	copy(encKeyArea[:], encryptedKeyArea)

	const sectionOffset = 0x4000
	const sectionSize = 0x10000
	totalSize := uint64(sectionOffset + sectionSize)

	header := buildEncryptedHeader(t, 0x00, 1, 0, [16]byte{}, totalSize, encKeyArea, []sectionSpec{
		{mediaStart: sectionOffset / MediaSize, mediaEnd: uint32(totalSize / MediaSize), cryptoType: CryptoTypeCTR},
	})

	file := make([]byte, totalSize)
	copy(file, header)

	h, err := ParseHeader(bytes.NewReader(file), headerKey)
	if err != nil {
		t.Fatalf("parse header: %v", err)
	}
	if h.ContentType != 0x00 {
		t.Fatalf("content type mismatch: got %x", h.ContentType)
	}
	if len(h.Sections) != 1 {
		t.Fatalf("expected 1 section, got %d", len(h.Sections))
	}
	if h.Sections[0].Offset != sectionOffset || h.Sections[0].Size != sectionSize {
		t.Fatalf("section bounds mismatch: %+v", h.Sections[0])
	}

	meta := h.Meta()
	if !meta.Packed {
		t.Fatal("expected packed metadata for contiguous single section")
	}
	if !meta.IsCompressible() {
		t.Fatal("expected content type 0x00 packed NCA to be compressible")
	}
}

func TestBuildCompressionPlanStandardCrypto(t *testing.T) {
	ks, kak := testKeySet(t)
	titleKey := bytes.Repeat([]byte{0xAA}, 16)
	keyArea := make([]byte, 64)
	copy(keyArea[0x20:0x30], titleKey)
	encryptedKeyArea, err := aescrypto.ECBEncrypt(kak[:], keyArea)
	if err != nil {
		t.Fatalf("encrypt key area: %v", err)
	}
	var encKeyArea [64]byte
	copy(encKeyArea[:], encryptedKeyArea)

	const sectionOffset = 0x4000
	const sectionSize = 0x10000
	totalSize := uint64(sectionOffset + sectionSize)

	header := buildEncryptedHeader(t, 0x00, 1, 0, [16]byte{}, totalSize, encKeyArea, []sectionSpec{
		{mediaStart: sectionOffset / MediaSize, mediaEnd: uint32(totalSize / MediaSize), cryptoType: CryptoTypeCTR},
	})
	file := make([]byte, totalSize)
	copy(file, header)

	plan, err := BuildCompressionPlan(bytes.NewReader(file), headerKey, ks, nil)
	if err != nil {
		t.Fatalf("build compression plan: %v", err)
	}
	if len(plan.Sections) != 1 {
		t.Fatalf("expected 1 encryption section, got %d", len(plan.Sections))
	}
	sec := plan.Sections[0]
	if sec.Offset != sectionOffset || sec.Size != sectionSize {
		t.Fatalf("unexpected section bounds: %+v", sec)
	}
	if sec.CryptoType != CryptoTypeCTR {
		t.Fatalf("expected normalized crypto type 3, got %d", sec.CryptoType)
	}
	if !bytes.Equal(sec.CryptoKey[:], titleKey) {
		t.Fatalf("title key mismatch: got %x want %x", sec.CryptoKey, titleKey)
	}
	if plan.OffsetFirstSection != sectionOffset {
		t.Fatalf("offset first section mismatch: got %x", plan.OffsetFirstSection)
	}
}

func TestBuildCompressionPlanExpandsBktrEntries(t *testing.T) {
	ks, kak := testKeySet(t)
	titleKey := bytes.Repeat([]byte{0xBB}, 16)
	keyArea := make([]byte, 64)
	copy(keyArea[0x20:0x30], titleKey)
	encryptedKeyArea, err := aescrypto.ECBEncrypt(kak[:], keyArea)
	if err != nil {
		t.Fatalf("encrypt key area: %v", err)
	}
	var encKeyArea [64]byte
	copy(encKeyArea[:], encryptedKeyArea)

	const sectionOffset = 0x4000
	const sectionSize = 0x10000
	const bktrRelOffset = 0x8000
	const bktrTableSize = bktrHeaderSize + 0x30 // header + 1 bucket (2 entries)
	totalSize := uint64(sectionOffset + sectionSize)

	header := buildEncryptedHeader(t, 0x00, 1, 0, [16]byte{}, totalSize, encKeyArea, []sectionSpec{
		{
			mediaStart: sectionOffset / MediaSize,
			mediaEnd:   uint32(totalSize / MediaSize),
			cryptoType: CryptoTypeBKTR,
			bktrOffset: bktrRelOffset,
			bktrSize:   bktrTableSize,
		},
	})

	file := make([]byte, totalSize)
	copy(file, header)

	// Build the plaintext BKTR bucket table: header (bucket_count=1) +
	// one bucket with 2 entries.
	plainTable := make([]byte, bktrTableSize)
	binary.LittleEndian.PutUint32(plainTable[4:8], 1) // bucket_count

	bucketStart := bktrHeaderSize
	binary.LittleEndian.PutUint32(plainTable[bucketStart+4:bucketStart+8], 2)     // entry_count
	binary.LittleEndian.PutUint64(plainTable[bucketStart+8:bucketStart+16], 0x400) // end_offset

	entriesStart := bucketStart + 0x10
	binary.LittleEndian.PutUint64(plainTable[entriesStart:entriesStart+8], 0x100)
	binary.LittleEndian.PutUint32(plainTable[entriesStart+12:entriesStart+16], 1)
	binary.LittleEndian.PutUint64(plainTable[entriesStart+16:entriesStart+24], 0x300)
	binary.LittleEndian.PutUint32(plainTable[entriesStart+28:entriesStart+32], 2)

	// Encrypt it with AES-CTR using the section's (zero) base counter, at
	// the absolute file offset where it lives, matching the decrypt path.
	var zeroCounter [16]byte
	absTableOffset := int64(sectionOffset + bktrRelOffset)
	stream, err := aescrypto.NewCTRStream(titleKey, zeroCounter[:], absTableOffset)
	if err != nil {
		t.Fatalf("new ctr stream: %v", err)
	}
	cipherTable := append([]byte(nil), plainTable...)
	stream.XORKeyStream(cipherTable, cipherTable)
	copy(file[absTableOffset:], cipherTable)

	plan, err := BuildCompressionPlan(bytes.NewReader(file), headerKey, ks, nil)
	if err != nil {
		t.Fatalf("build compression plan: %v", err)
	}
	if len(plan.Sections) != 3 {
		t.Fatalf("expected 3 sections (2 entries + trailing gap), got %d: %+v", len(plan.Sections), plan.Sections)
	}

	first := plan.Sections[0]
	if first.Offset != sectionOffset+0x100 || first.Size != 0x200 {
		t.Fatalf("first entry mismatch: %+v", first)
	}
	wantCounter0 := setBktrCounter(zeroCounter, 1)
	if first.CryptoCounter != wantCounter0 {
		t.Fatalf("first entry counter mismatch: got %x want %x", first.CryptoCounter, wantCounter0)
	}

	second := plan.Sections[1]
	if second.Offset != sectionOffset+0x300 || second.Size != 0x100 {
		t.Fatalf("second entry mismatch: %+v", second)
	}
	wantCounter1 := setBktrCounter(zeroCounter, 2)
	if second.CryptoCounter != wantCounter1 {
		t.Fatalf("second entry counter mismatch: got %x want %x", second.CryptoCounter, wantCounter1)
	}

	gap := plan.Sections[2]
	wantGapOffset := uint64(sectionOffset + 0x400)
	wantGapSize := uint64(sectionSize) - 0x400
	if gap.Offset != wantGapOffset || gap.Size != wantGapSize {
		t.Fatalf("trailing gap mismatch: got %+v want offset=%x size=%x", gap, wantGapOffset, wantGapSize)
	}
	if gap.CryptoCounter != zeroCounter {
		t.Fatalf("trailing gap should use section's base counter, got %x", gap.CryptoCounter)
	}

	for _, sec := range plan.Sections {
		if sec.CryptoType != CryptoTypeCTR {
			t.Fatalf("expected BKTR sections normalized to crypto type 3, got %d", sec.CryptoType)
		}
		if !bytes.Equal(sec.CryptoKey[:], titleKey) {
			t.Fatalf("title key mismatch in section %+v", sec)
		}
	}
}

func TestResolveTitleKeyFromTicket(t *testing.T) {
	ks, _ := testKeySet(t)

	masterKey := bytes.Repeat([]byte{0x66}, 16)
	titlekekSrc := bytes.Repeat([]byte{0x44}, 16)
	titleKek, err := aescrypto.ECBDecryptBlock(masterKey, titlekekSrc)
	if err != nil {
		t.Fatalf("derive title kek: %v", err)
	}

	titleKey := bytes.Repeat([]byte{0xCC}, 16)
	encTitleKey, err := aescrypto.ECBEncrypt(titleKek[:], titleKey)
	if err != nil {
		t.Fatalf("encrypt title key: %v", err)
	}

	var rightsID [16]byte
	for i := range rightsID {
		rightsID[i] = byte(i + 1)
	}
	var encTitleKeyArr [16]byte
	copy(encTitleKeyArr[:], encTitleKey)

	tickets := map[[16]byte]ticket.Record{
		rightsID: {RightsID: rightsID, EncryptedTitleKey: encTitleKeyArr, MasterKeyRevision: 1},
	}

	const sectionOffset = 0x4000
	const sectionSize = 0x10000
	totalSize := uint64(sectionOffset + sectionSize)
	var zeroKeyArea [64]byte

	header := buildEncryptedHeader(t, 0x00, 1, 0, rightsID, totalSize, zeroKeyArea, []sectionSpec{
		{mediaStart: sectionOffset / MediaSize, mediaEnd: uint32(totalSize / MediaSize), cryptoType: CryptoTypeCTR},
	})
	file := make([]byte, totalSize)
	copy(file, header)

	plan, err := BuildCompressionPlan(bytes.NewReader(file), headerKey, ks, tickets)
	if err != nil {
		t.Fatalf("build compression plan: %v", err)
	}
	if len(plan.Sections) != 1 {
		t.Fatalf("expected 1 section, got %d", len(plan.Sections))
	}
	if !bytes.Equal(plan.Sections[0].CryptoKey[:], titleKey) {
		t.Fatalf("title key mismatch: got %x want %x", plan.Sections[0].CryptoKey, titleKey)
	}
}
