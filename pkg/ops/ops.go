// Package ops drives compress, decompress, and verify operations over
// PFS0 (NSP), HFS0 (XCI partition), and XCI containers, composing the
// container, NCA, and NCZ packages into the entry-by-entry decisions
// spec.md's operation drivers describe.
package ops

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"path/filepath"
	"strings"

	"github.com/birkou/nszgo/pkg/container/hfs0"
	"github.com/birkou/nszgo/pkg/container/pfs0"
	"github.com/birkou/nszgo/pkg/nszerr"
	"github.com/birkou/nszgo/pkg/ticket"
)

// Report lists the entries a compress or decompress pass touched, by their
// final (post-rename) name, in container order.
type Report struct {
	Transcoded    []string
	PassedThrough []string
}

// entryRef adapts a parsed PFS0 or HFS0 entry to the container-agnostic
// shape the drivers in this package operate on.
type entryRef struct {
	Name string
	SR   *io.SectionReader
	Size uint64
}

// partitionWriter is the common surface pfs0.Writer and hfs0.Writer both
// expose, letting compressEntries/decompressEntries build either an NSP or
// an HFS0 partition without knowing which.
type partitionWriter interface {
	WriteFile(index int, r io.Reader) (int64, error)
	WriteFileDirect(index int, fn func(w io.WriteSeeker) (int64, error)) (int64, error)
	Close() error
}

func pfs0EntriesOf(r io.ReaderAt, hdr *pfs0.Header) []entryRef {
	out := make([]entryRef, len(hdr.Entries))
	for i, e := range hdr.Entries {
		out[i] = entryRef{Name: e.Name, SR: hdr.SectionReader(r, e), Size: e.Size}
	}
	return out
}

func hfs0EntriesOf(r io.ReaderAt, hdr *hfs0.Header) []entryRef {
	out := make([]entryRef, len(hdr.Entries))
	for i, e := range hdr.Entries {
		out[i] = entryRef{Name: e.Name, SR: hdr.SectionReader(r, e), Size: e.Size}
	}
	return out
}

func isCnmtNca(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".cnmt.nca")
}

func isNcaEntry(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".nca")
}

// collectTickets reads every ".tik" entry and indexes its parsed record by
// rights ID, the way a ticket gets matched to the NCA it unlocks.
func collectTickets(entries []entryRef) (map[[16]byte]ticket.Record, error) {
	tickets := make(map[[16]byte]ticket.Record)
	for _, e := range entries {
		if !strings.EqualFold(filepath.Ext(e.Name), ".tik") {
			continue
		}
		data := make([]byte, e.SR.Size())
		if _, err := e.SR.ReadAt(data, 0); err != nil && err != io.EOF {
			return nil, &nszerr.EntryError{Entry: e.Name, Err: err}
		}
		rec, err := ticket.Parse(data)
		if err != nil {
			return nil, &nszerr.EntryError{Entry: e.Name, Err: err}
		}
		tickets[rec.RightsID] = rec
	}
	return tickets, nil
}

// sha256HexPrefix returns the lowercase hex of the first 16 bytes (32 hex
// chars) of data's SHA-256 digest, the prefix Switch tooling encodes into
// NCA and entry file names.
func sha256HexPrefix(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// verifyHashAgainstStem compares data's hash prefix against name's file
// stem, when that stem is long enough to carry one. A short stem (a
// human-assigned name rather than a tool-generated one) is not a failure;
// it simply has nothing to check against.
func verifyHashAgainstStem(name string, data []byte) error {
	stem := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	if len(stem) < 32 {
		return nil
	}
	expected := strings.ToLower(stem[:32])
	actual := sha256HexPrefix(data)
	if expected != actual {
		return nszerr.HashMismatchError{Name: name, ExpectedSHA256: expected, ActualSHA256: actual, FirstDiffOffset: 0}
	}
	return nil
}

func allZeroBytes(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// memBuffer is a growable in-memory io.WriteSeeker that also implements
// io.ReaderAt. It serves as the
// scratch destination for container writers when the final bytes need to
// be fully materialized before being spliced into a parent structure — an
// XCI's secure partition, or its root HFS0, neither of which can be built
// by seeking directly into the image file (hfs0.NewWriter's firstFileOffset
// seeks absolutely, so a nested partition can't be placed at a non-zero
// base offset inside a larger writer).
type memBuffer struct {
	buf    []byte
	cursor int64
}

func (b *memBuffer) Write(p []byte) (int, error) {
	end := b.cursor + int64(len(p))
	if end > int64(len(b.buf)) {
		grown := make([]byte, end)
		copy(grown, b.buf)
		b.buf = grown
	}
	copy(b.buf[b.cursor:end], p)
	b.cursor = end
	return len(p), nil
}

func (b *memBuffer) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		b.cursor = offset
	case io.SeekCurrent:
		b.cursor += offset
	case io.SeekEnd:
		b.cursor = int64(len(b.buf)) + offset
	}
	return b.cursor, nil
}

func (b *memBuffer) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b.buf)) {
		return 0, io.EOF
	}
	n := copy(p, b.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
