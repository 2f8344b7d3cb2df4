// Package aescrypto implements the AES primitives the NCA/NCZ formats need:
// AES-128-ECB single-block operations (used throughout key derivation),
// the NCA header's AES-128-XTS sector decryption with its LSB-first tweak
// convention, and a seekable AES-128-CTR keystream for section re-encryption.
package aescrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"sync"

	"github.com/birkou/nszgo/pkg/nszerr"
)

const blockSize = 16

// cipher cache avoids re-expanding the AES key schedule for every call when
// the same 16-byte key (a title key, a derived kek) is used repeatedly
// across many sections or blocks.
var (
	cipherCacheMu sync.RWMutex
	cipherCache   = make(map[[blockSize]byte]cipher.Block)
)

func cachedBlock(key []byte) (cipher.Block, error) {
	if len(key) != blockSize {
		return nil, nszerr.ContainerFormatError{What: "AES-128 key", Reason: "must be 16 bytes"}
	}

	var keyArr [blockSize]byte
	copy(keyArr[:], key)

	cipherCacheMu.RLock()
	block, ok := cipherCache[keyArr]
	cipherCacheMu.RUnlock()
	if ok {
		return block, nil
	}

	cipherCacheMu.Lock()
	defer cipherCacheMu.Unlock()
	if block, ok = cipherCache[keyArr]; ok {
		return block, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	cipherCache[keyArr] = block
	return block, nil
}

// ECBDecryptBlock decrypts a single 16-byte block under AES-128-ECB. ECB is
// not a general-purpose mode, but it is how the Switch key-derivation chain
// (master key -> title kek / key-area key) is specified.
func ECBDecryptBlock(key, block []byte) ([16]byte, error) {
	var out [16]byte
	if len(block) != blockSize {
		return out, nszerr.ContainerFormatError{What: "AES-ECB block", Reason: "must be 16 bytes"}
	}
	c, err := cachedBlock(key)
	if err != nil {
		return out, err
	}
	c.Decrypt(out[:], block)
	return out, nil
}

// ECBDecrypt decrypts an arbitrary multiple-of-16-byte buffer under
// AES-128-ECB, used for unwrapping the NCA key-area block.
func ECBDecrypt(key, data []byte) ([]byte, error) {
	if len(data)%blockSize != 0 {
		return nil, nszerr.ContainerFormatError{What: "AES-ECB data", Reason: "length not a multiple of 16"}
	}
	c, err := cachedBlock(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += blockSize {
		c.Decrypt(out[i:i+blockSize], data[i:i+blockSize])
	}
	return out, nil
}

// ECBEncrypt is the inverse of ECBDecrypt, used only in tests to wrap
// synthetic title keys and key-area blocks.
func ECBEncrypt(key, data []byte) ([]byte, error) {
	if len(data)%blockSize != 0 {
		return nil, nszerr.ContainerFormatError{What: "AES-ECB data", Reason: "length not a multiple of 16"}
	}
	c, err := cachedBlock(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += blockSize {
		c.Encrypt(out[i:i+blockSize], data[i:i+blockSize])
	}
	return out, nil
}

// NewCTRStream builds an AES-128-CTR keystream seeked to absoluteOffset
// bytes into the stream defined by (key, counter). counter holds the
// section-specific base IV (bytes 0-7); bytes 8-15 are overwritten here
// with the big-endian block number derived from absoluteOffset, matching
// the convention the NCA format uses for section counters.
func NewCTRStream(key, counter []byte, absoluteOffset int64) (cipher.Stream, error) {
	if len(counter) != blockSize {
		return nil, nszerr.ContainerFormatError{What: "AES-CTR counter", Reason: "must be 16 bytes"}
	}
	block, err := cachedBlock(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, blockSize)
	copy(iv, counter)
	binary.BigEndian.PutUint64(iv[8:], uint64(absoluteOffset>>4))

	stream := cipher.NewCTR(block, iv)
	// Advance within the 16-byte block by the sub-block remainder so the
	// keystream is aligned to an arbitrary byte offset, not just a 16-byte
	// boundary.
	if rem := int(absoluteOffset & 0xF); rem != 0 {
		discard := make([]byte, rem)
		stream.XORKeyStream(discard, discard)
	}
	return stream, nil
}

// XTSDecrypt decrypts a single 16-byte-aligned buffer under AES-128-XTS
// using the NCA header's tweak convention: the initial tweak for sector is
// the big-endian sector index in the tweak block's low 8 bytes, encrypted
// with key[16:32]; the tweak is then updated between 16-byte blocks by
// multiplication by alpha (x^128 + x^7 + x^2 + x + 1) using an LSB-first
// carry (carry propagates low byte to high byte, reduction XORs 0x87 into
// byte 0 when byte 15's high bit overflows).
func XTSDecrypt(data, key []byte, sector uint64) ([]byte, error) {
	return xtsTransform(data, key, sector, false)
}

// XTSEncrypt is the inverse of XTSDecrypt, used to verify the header
// round-trip property.
func XTSEncrypt(data, key []byte, sector uint64) ([]byte, error) {
	return xtsTransform(data, key, sector, true)
}

func xtsTransform(data, key []byte, sector uint64, encrypt bool) ([]byte, error) {
	if len(key) != 32 {
		return nil, nszerr.ContainerFormatError{What: "AES-XTS key", Reason: "must be 32 bytes (2x16) for AES-128"}
	}
	if len(data)%blockSize != 0 {
		return nil, nszerr.ContainerFormatError{What: "AES-XTS data", Reason: "must be sector-aligned to 16 bytes"}
	}

	dataCipher, err := aes.NewCipher(key[:16])
	if err != nil {
		return nil, err
	}
	tweakCipher, err := aes.NewCipher(key[16:])
	if err != nil {
		return nil, err
	}

	tweak := make([]byte, blockSize)
	binary.BigEndian.PutUint64(tweak[8:], sector)
	tweakBlock := make([]byte, blockSize)
	tweakCipher.Encrypt(tweakBlock, tweak)

	out := make([]byte, len(data))
	xored := make([]byte, blockSize)
	for i := 0; i < len(data); i += blockSize {
		chunk := data[i : i+blockSize]
		xorBlocks(xored, chunk, tweakBlock)
		if encrypt {
			dataCipher.Encrypt(xored, xored)
		} else {
			dataCipher.Decrypt(xored, xored)
		}
		xorBlocks(out[i:i+blockSize], xored, tweakBlock)
		mulAlpha(tweakBlock)
	}
	return out, nil
}

func xorBlocks(dst, a, b []byte) {
	for i := 0; i < blockSize; i++ {
		dst[i] = a[i] ^ b[i]
	}
}

func mulAlpha(tweak []byte) {
	var carry byte
	for i := 0; i < blockSize; i++ {
		b := tweak[i]
		nextCarry := b >> 7
		tweak[i] = (b << 1) | carry
		carry = nextCarry
	}
	if carry != 0 {
		tweak[0] ^= 0x87
	}
}
