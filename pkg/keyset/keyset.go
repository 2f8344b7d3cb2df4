// Package keyset loads a Switch key file and derives the per-master-key
// material (title keks, key-area-application keys) needed to resolve an
// NCA's title key. Once built, a KeySet is immutable and safe for
// concurrent use.
package keyset

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/birkou/nszgo/pkg/aescrypto"
	"github.com/birkou/nszgo/pkg/nszerr"
)

// KeySet holds the raw and derived key material parsed from a keys file.
// All fields are populated at construction time and never mutated after;
// callers may share a *KeySet across goroutines freely.
type KeySet struct {
	HeaderKey [32]byte

	masterKeys         map[uint8][16]byte
	keyAreaKeyAppOvers map[uint8][16]byte
	titleKeks          map[uint8][16]byte
	keyAreaKeysApp     map[uint8][16]byte
}

// required raw entries, by name, that every keys file must supply.
const (
	nameHeaderKey       = "header_key"
	nameAesKekGenSrc    = "aes_kek_generation_source"
	nameAesKeyGenSrc    = "aes_key_generation_source"
	nameTitlekekSrc     = "titlekek_source"
	nameKeyAreaAppSrc   = "key_area_key_application_source"
	prefixMasterKey     = "master_key_"
	prefixKeyAreaKeyApp = "key_area_key_application_"
)

// Load reads a keys file from path and derives the full KeySet. Lines are
// `name = hex`; blank lines and lines starting with `#` are ignored.
func Load(path string) (*KeySet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a keys file from r and derives the full KeySet.
func Parse(r io.Reader) (*KeySet, error) {
	raw := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		raw[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	headerKey, err := requireHex32(raw, nameHeaderKey)
	if err != nil {
		return nil, err
	}
	aesKekGenSrc, err := requireHex16(raw, nameAesKekGenSrc)
	if err != nil {
		return nil, err
	}
	aesKeyGenSrc, err := requireHex16(raw, nameAesKeyGenSrc)
	if err != nil {
		return nil, err
	}
	titlekekSrc, err := requireHex16(raw, nameTitlekekSrc)
	if err != nil {
		return nil, err
	}
	keyAreaAppSrc, err := requireHex16(raw, nameKeyAreaAppSrc)
	if err != nil {
		return nil, err
	}

	masterKeys := make(map[uint8][16]byte)
	keyAreaOverrides := make(map[uint8][16]byte)
	for name, value := range raw {
		if idx, ok := indexSuffix(name, prefixMasterKey); ok {
			key, decErr := decodeHex16(value)
			if decErr != nil {
				return nil, nszerr.ContainerFormatError{What: "keys file", Reason: fmt.Sprintf("invalid hex for %s", name)}
			}
			masterKeys[idx] = key
		}
		if idx, ok := indexSuffix(name, prefixKeyAreaKeyApp); ok {
			key, decErr := decodeHex16(value)
			if decErr != nil {
				return nil, nszerr.ContainerFormatError{What: "keys file", Reason: fmt.Sprintf("invalid hex for %s", name)}
			}
			keyAreaOverrides[idx] = key
		}
	}
	if len(masterKeys) == 0 {
		return nil, nszerr.ContainerFormatError{What: "keys file", Reason: "no master_key_XX entries found"}
	}

	ks := &KeySet{
		HeaderKey:          headerKey,
		masterKeys:         masterKeys,
		keyAreaKeyAppOvers: keyAreaOverrides,
		titleKeks:          make(map[uint8][16]byte),
		keyAreaKeysApp:     make(map[uint8][16]byte),
	}

	for idx, masterKey := range masterKeys {
		titleKek, err := aescrypto.ECBDecryptBlock(masterKey[:], titlekekSrc[:])
		if err == nil {
			ks.titleKeks[idx] = titleKek
		}

		if override, ok := keyAreaOverrides[idx]; ok {
			ks.keyAreaKeysApp[idx] = override
			continue
		}
		kak, err := generateKek(keyAreaAppSrc, masterKey, aesKekGenSrc, aesKeyGenSrc)
		if err == nil {
			ks.keyAreaKeysApp[idx] = kak
		}
	}

	return ks, nil
}

// generateKek implements the key-area-application-key derivation chain:
// k1 = ECBdec(master_key, kek_src); k2 = ECBdec(k1, src); result =
// ECBdec(k2, key_src).
func generateKek(src, masterKey, kekSrc, keySrc [16]byte) ([16]byte, error) {
	var zero [16]byte
	k1, err := aescrypto.ECBDecryptBlock(masterKey[:], kekSrc[:])
	if err != nil {
		return zero, err
	}
	k2, err := aescrypto.ECBDecryptBlock(k1[:], src[:])
	if err != nil {
		return zero, err
	}
	return aescrypto.ECBDecryptBlock(k2[:], keySrc[:])
}

// MasterKeyIndex picks the master-key index to use for a header's crypto
// types, per spec.md §4.2: max(crypto_type, crypto_type2) - 1, saturating
// at zero.
func MasterKeyIndex(cryptoType, cryptoType2 byte) uint8 {
	maxType := cryptoType
	if cryptoType2 > maxType {
		maxType = cryptoType2
	}
	if maxType == 0 {
		return 0
	}
	return maxType - 1
}

// TitleKeyFromTicket decrypts a ticket's encrypted title key with the
// title kek for masterIndex.
func (ks *KeySet) TitleKeyFromTicket(masterIndex uint8, encryptedTitleKey [16]byte) ([16]byte, error) {
	var zero [16]byte
	kek, ok := ks.titleKeks[masterIndex]
	if !ok {
		return zero, nszerr.MissingKeyError{Name: fmt.Sprintf("titlekek for master key %02x", masterIndex)}
	}
	return aescrypto.ECBDecryptBlock(kek[:], encryptedTitleKey[:])
}

// TitleKeyFromKeyArea unwraps the title key (bytes 0x20..0x30) from an
// NCA's 64-byte encrypted key-area block using the key-area-application
// key for masterIndex.
func (ks *KeySet) TitleKeyFromKeyArea(masterIndex uint8, encryptedKeyArea [64]byte) ([16]byte, error) {
	var zero [16]byte
	kak, ok := ks.keyAreaKeysApp[masterIndex]
	if !ok {
		return zero, nszerr.MissingKeyError{Name: fmt.Sprintf("key_area_key_application_%02x", masterIndex)}
	}
	block, err := aescrypto.ECBDecrypt(kak[:], encryptedKeyArea[:])
	if err != nil {
		return zero, err
	}
	var key [16]byte
	copy(key[:], block[0x20:0x30])
	return key, nil
}

func requireHex32(raw map[string]string, name string) ([32]byte, error) {
	var out [32]byte
	value, ok := raw[name]
	if !ok {
		return out, nszerr.MissingKeyError{Name: name}
	}
	decoded, err := hex.DecodeString(value)
	if err != nil || len(decoded) != 32 {
		return out, nszerr.ContainerFormatError{What: "keys file", Reason: fmt.Sprintf("invalid hex for %s", name)}
	}
	copy(out[:], decoded)
	return out, nil
}

func requireHex16(raw map[string]string, name string) ([16]byte, error) {
	var out [16]byte
	value, ok := raw[name]
	if !ok {
		return out, nszerr.MissingKeyError{Name: name}
	}
	key, err := decodeHex16(value)
	if err != nil {
		return out, nszerr.ContainerFormatError{What: "keys file", Reason: fmt.Sprintf("invalid hex for %s", name)}
	}
	return key, nil
}

func decodeHex16(value string) ([16]byte, error) {
	var out [16]byte
	decoded, err := hex.DecodeString(value)
	if err != nil || len(decoded) != 16 {
		return out, fmt.Errorf("expected 16 bytes of hex, got %q", value)
	}
	copy(out[:], decoded)
	return out, nil
}

func indexSuffix(name, prefix string) (uint8, bool) {
	suffix, ok := strings.CutPrefix(name, prefix)
	if !ok {
		return 0, false
	}
	// only accept suffixes that are exactly two hex digits, so
	// "key_area_key_application_source" doesn't get misread as an index.
	if len(suffix) != 2 {
		return 0, false
	}
	b, err := hex.DecodeString(suffix)
	if err != nil || len(b) != 1 {
		return 0, false
	}
	return b[0], true
}
