// Package ticket parses Switch ticket (*.tik) records: the rights-id,
// encrypted title key, and master-key revision used to resolve a title key
// for rights-id-bearing NCAs.
package ticket

import (
	"encoding/binary"

	"github.com/birkou/nszgo/pkg/nszerr"
)

// Record is a parsed ticket payload.
type Record struct {
	RightsID          [16]byte
	EncryptedTitleKey [16]byte
	MasterKeyRevision uint8
}

// signatureSizes maps the ticket's leading 4-byte signature type to the
// size (in bytes) of the signature blob that follows it. Only these six
// types are known to appear in production tickets.
var signatureSizes = map[uint32]int{
	0x010000: 0x200,
	0x010003: 0x200,
	0x010001: 0x100,
	0x010004: 0x100,
	0x010002: 0x3C,
	0x010005: 0x3C,
}

// Parse extracts a Record from a ticket's raw bytes. The payload begins
// after `4 + sig_size + align(4+sig_size, 0x40)`; rights id, encrypted
// title key, and master key revision are then read at fixed offsets within
// that payload.
func Parse(data []byte) (Record, error) {
	var rec Record
	if len(data) < 4 {
		return rec, nszerr.ContainerFormatError{What: "ticket", Reason: "data too short for signature type"}
	}

	sigType := binary.LittleEndian.Uint32(data[0:4])
	sigSize, ok := signatureSizes[sigType]
	if !ok {
		return rec, nszerr.UnsupportedFeatureError{Feature: "ticket signature type", Detail: hex32(sigType)}
	}

	consumed := 4 + sigSize
	padding := 0x40 - (consumed % 0x40)
	base := consumed + padding

	const payloadSize = 0x174
	if len(data) < base+payloadSize {
		return rec, nszerr.ContainerFormatError{What: "ticket", Reason: "payload truncated"}
	}

	copy(rec.EncryptedTitleKey[:], data[base+0x40:base+0x50])
	copy(rec.RightsID[:], data[base+0x160:base+0x170])

	rec.MasterKeyRevision = data[base+0x145]
	if rec.MasterKeyRevision == 0 {
		rec.MasterKeyRevision = data[base+0x146]
	}

	return rec, nil
}

func hex32(v uint32) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 0, 8)
	started := false
	for shift := 28; shift >= 0; shift -= 4 {
		nibble := byte(v>>shift) & 0xF
		if nibble != 0 || started || shift == 0 {
			out = append(out, digits[nibble])
			started = true
		}
	}
	return "0x" + string(out)
}
