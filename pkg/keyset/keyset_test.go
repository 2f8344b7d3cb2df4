package keyset

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/birkou/nszgo/pkg/aescrypto"
	"github.com/birkou/nszgo/pkg/nszerr"
)

func repeatHex(b byte, n int) string {
	return hex.EncodeToString(bytes.Repeat([]byte{b}, n))
}

func sampleKeysFile() string {
	var b strings.Builder
	b.WriteString("# sample keys file\n")
	b.WriteString("header_key = " + repeatHex(0x11, 32) + "\n")
	b.WriteString("aes_kek_generation_source = " + repeatHex(0x22, 16) + "\n")
	b.WriteString("aes_key_generation_source = " + repeatHex(0x33, 16) + "\n")
	b.WriteString("titlekek_source = " + repeatHex(0x44, 16) + "\n")
	b.WriteString("key_area_key_application_source = " + repeatHex(0x55, 16) + "\n")
	b.WriteString("\n")
	b.WriteString("master_key_00 = " + repeatHex(0x66, 16) + "\n")
	b.WriteString("master_key_01 = " + repeatHex(0x77, 16) + "\n")
	return b.String()
}

func TestParseDerivesTitleKekAndKeyAreaKey(t *testing.T) {
	ks, err := Parse(strings.NewReader(sampleKeysFile()))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	wantHeaderKey := bytes.Repeat([]byte{0x11}, 32)
	if !bytes.Equal(ks.HeaderKey[:], wantHeaderKey) {
		t.Fatalf("header key mismatch")
	}

	masterKey := bytes.Repeat([]byte{0x66}, 16)
	titlekekSrc := bytes.Repeat([]byte{0x44}, 16)
	wantTitleKek, err := aescrypto.ECBDecryptBlock(masterKey, titlekekSrc)
	if err != nil {
		t.Fatalf("derive expected titlekek: %v", err)
	}

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
	wantKak, err := aescrypto.ECBDecryptBlock(k2[:], aesKeyGenSrc)
	if err != nil {
		t.Fatalf("derive expected kak: %v", err)
	}

	titleKey := bytes.Repeat([]byte{0x99}, 16)
	encryptedTitleKey, err := aescrypto.ECBEncrypt(wantTitleKek[:], titleKey)
	if err != nil {
		t.Fatalf("encrypt synthetic title key: %v", err)
	}
	var encTitleKeyArr [16]byte
	copy(encTitleKeyArr[:], encryptedTitleKey)

	gotTitleKey, err := ks.TitleKeyFromTicket(0, encTitleKeyArr)
	if err != nil {
		t.Fatalf("TitleKeyFromTicket: %v", err)
	}
	if !bytes.Equal(gotTitleKey[:], titleKey) {
		t.Fatalf("title key mismatch: got %x want %x", gotTitleKey, titleKey)
	}

	keyArea := make([]byte, 64)
	for i := range keyArea {
		keyArea[i] = byte(i)
	}
	copy(keyArea[0x20:0x30], titleKey)
	encryptedKeyArea, err := aescrypto.ECBEncrypt(wantKak[:], keyArea)
	if err != nil {
		t.Fatalf("encrypt synthetic key area: %v", err)
	}
	var encKeyAreaArr [64]byte
	copy(encKeyAreaArr[:], encryptedKeyArea)

	gotFromKeyArea, err := ks.TitleKeyFromKeyArea(0, encKeyAreaArr)
	if err != nil {
		t.Fatalf("TitleKeyFromKeyArea: %v", err)
	}
	if !bytes.Equal(gotFromKeyArea[:], titleKey) {
		t.Fatalf("key area title key mismatch: got %x want %x", gotFromKeyArea, titleKey)
	}
}

func TestParseUsesKeyAreaApplicationOverride(t *testing.T) {
	var b strings.Builder
	b.WriteString(sampleKeysFile())
	override := bytes.Repeat([]byte{0xAB}, 16)
	b.WriteString("key_area_key_application_00 = " + hex.EncodeToString(override) + "\n")

	ks, err := Parse(strings.NewReader(b.String()))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	keyArea := make([]byte, 64)
	for i := range keyArea {
		keyArea[i] = byte(i)
	}
	encryptedKeyArea, err := aescrypto.ECBEncrypt(override, keyArea)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	var encKeyAreaArr [64]byte
	copy(encKeyAreaArr[:], encryptedKeyArea)

	got, err := ks.TitleKeyFromKeyArea(0, encKeyAreaArr)
	if err != nil {
		t.Fatalf("TitleKeyFromKeyArea: %v", err)
	}
	if !bytes.Equal(got[:], keyArea[0x20:0x30]) {
		t.Fatalf("override key area result mismatch")
	}
}

func TestParseMissingRequiredEntry(t *testing.T) {
	data := "aes_kek_generation_source = " + repeatHex(0x22, 16) + "\n"
	_, err := Parse(strings.NewReader(data))
	if err == nil {
		t.Fatal("expected error for missing header_key")
	}
	var missing nszerr.MissingKeyError
	if !asMissingKeyError(err, &missing) {
		t.Fatalf("expected MissingKeyError, got %T: %v", err, err)
	}
}

func TestParseNoMasterKeys(t *testing.T) {
	var b strings.Builder
	b.WriteString("header_key = " + repeatHex(0x11, 32) + "\n")
	b.WriteString("aes_kek_generation_source = " + repeatHex(0x22, 16) + "\n")
	b.WriteString("aes_key_generation_source = " + repeatHex(0x33, 16) + "\n")
	b.WriteString("titlekek_source = " + repeatHex(0x44, 16) + "\n")
	b.WriteString("key_area_key_application_source = " + repeatHex(0x55, 16) + "\n")

	if _, err := Parse(strings.NewReader(b.String())); err == nil {
		t.Fatal("expected error for keys file with no master keys")
	}
}

func TestTitleKeyFromTicketUnknownMasterIndex(t *testing.T) {
	ks, err := Parse(strings.NewReader(sampleKeysFile()))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := ks.TitleKeyFromTicket(0x1F, [16]byte{}); err == nil {
		t.Fatal("expected error for unknown master key index")
	}
}

func TestMasterKeyIndex(t *testing.T) {
	cases := []struct {
		cryptoType, cryptoType2 byte
		want                    uint8
	}{
		{0, 0, 0},
		{1, 0, 0},
		{0, 1, 0},
		{3, 2, 2},
		{2, 5, 4},
	}
	for _, c := range cases {
		if got := MasterKeyIndex(c.cryptoType, c.cryptoType2); got != c.want {
			t.Errorf("MasterKeyIndex(%d,%d) = %d, want %d", c.cryptoType, c.cryptoType2, got, c.want)
		}
	}
}

func asMissingKeyError(err error, target *nszerr.MissingKeyError) bool {
	if mk, ok := err.(nszerr.MissingKeyError); ok {
		*target = mk
		return true
	}
	return false
}
