package ops

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"

	"github.com/birkou/nszgo/pkg/container/hfs0"
	"github.com/birkou/nszgo/pkg/container/pfs0"
	"github.com/birkou/nszgo/pkg/container/xci"
	"github.com/birkou/nszgo/pkg/keyset"
	"github.com/birkou/nszgo/pkg/nca"
	"github.com/birkou/nszgo/pkg/ncz"
	"github.com/birkou/nszgo/pkg/nszerr"
	"github.com/birkou/nszgo/pkg/zstdcodec"
)

// CompressOptions configures a compress pass over an NSP or XCI.
type CompressOptions struct {
	// KeySet resolves title keys so each NCA's header can be decrypted and
	// analyzed for real compressibility. When nil, no header can be
	// decrypted at all, so compression falls back to the single largest
	// eligible .nca entry, encoded as one opaque pass-through section
	// (spec.md §9(b)); that fallback is never consulted when KeySet is set.
	KeySet *keyset.KeySet
	Zstd   zstdcodec.Options
	// Block selects NCZBLOCK framing; Solid selects a single streamed Zstd
	// frame. Per spec.md §4.7, block mode is the default: it wins whenever
	// Block is set, or Solid alone is not.
	Block bool
	Solid bool
	// BlockSizeExponent sizes NCZBLOCK blocks (2^n bytes); 0 defaults to 20
	// (1 MiB). ncz.EncodeBlock itself has no default and rejects 0.
	BlockSizeExponent uint8
	// KeepNonSecurePartitions, for XCI only, copies "normal"/"update"/"logo"
	// partitions through byte-for-byte instead of replacing them with an
	// empty HFS0 partition padded to their original length.
	KeepNonSecurePartitions bool
}

func (o CompressOptions) useBlockMode() bool {
	return o.Block || !o.Solid
}

func (o CompressOptions) blockSizeExponent() uint8 {
	if o.BlockSizeExponent == 0 {
		return 20
	}
	return o.BlockSizeExponent
}

func eligibleForTranscode(name string, size uint64) bool {
	if !isNcaEntry(name) || isCnmtNca(name) {
		return false
	}
	return size > uint64(nca.FullHeaderSize)
}

func renameToNcz(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name)) + ".ncz"
}

// CompressNSP rewrites an NSP, transcoding eligible .nca entries to .ncz
// and copying every other entry through unchanged.
func CompressNSP(r io.ReaderAt, size int64, w io.WriteSeeker, opts CompressOptions) (Report, error) {
	hdr, err := pfs0.ParseHeader(r, size)
	if err != nil {
		return Report{}, err
	}
	entries := pfs0EntriesOf(r, hdr)
	return compressEntries(entries, opts, func(names []string) (partitionWriter, error) {
		return pfs0.NewWriter(w, names, hdr.DataStart, hdr.StringTableSize)
	})
}

// CompressXCI rewrites a gamecard image: the "secure" root partition is
// transcoded like an NSP, and every other root partition is either copied
// through verbatim (KeepNonSecurePartitions) or replaced by an empty HFS0
// partition, per spec.md §4.7.
func CompressXCI(r io.ReaderAt, size int64, w io.WriteSeeker, opts CompressOptions) (Report, error) {
	hdr, err := xci.ParseHeader(r, size)
	if err != nil {
		return Report{}, err
	}
	rootSR := xci.RootReader(r, hdr, size)
	rootHdr, err := hfs0.ParseHeader(rootSR, rootSR.Size())
	if err != nil {
		return Report{}, err
	}

	names := make([]string, len(rootHdr.Entries))
	payloads := make([][]byte, len(rootHdr.Entries))
	var report Report

	for i, e := range rootHdr.Entries {
		names[i] = e.Name
		partitionSR := rootHdr.SectionReader(rootSR, e)

		if strings.EqualFold(e.Name, "secure") {
			payload, subReport, err := compressSecurePartition(partitionSR, opts)
			if err != nil {
				return Report{}, &nszerr.EntryError{Entry: e.Name, Err: err}
			}
			payloads[i] = payload
			report.Transcoded = append(report.Transcoded, subReport.Transcoded...)
			report.PassedThrough = append(report.PassedThrough, subReport.PassedThrough...)
			continue
		}

		if opts.KeepNonSecurePartitions {
			data := make([]byte, e.Size)
			if _, err := partitionSR.ReadAt(data, 0); err != nil && err != io.EOF {
				return Report{}, &nszerr.EntryError{Entry: e.Name, Err: err}
			}
			payloads[i] = data
			report.PassedThrough = append(report.PassedThrough, e.Name)
			continue
		}

		payload, err := emptyPartitionPayload(partitionSR, int64(e.Size))
		if err != nil {
			return Report{}, &nszerr.EntryError{Entry: e.Name, Err: err}
		}
		payloads[i] = payload
		report.PassedThrough = append(report.PassedThrough, e.Name)
	}

	var rootBuf memBuffer
	rootWriter, err := hfs0.NewWriter(&rootBuf, names, rootHdr.FirstFileOffset(), rootHdr.StringTableSize)
	if err != nil {
		return Report{}, err
	}
	for i, payload := range payloads {
		if _, err := rootWriter.WriteFile(i, bytes.NewReader(payload)); err != nil {
			return Report{}, err
		}
	}
	if err := rootWriter.Close(); err != nil {
		return Report{}, err
	}

	if _, err := xci.Rewrite(r, size, hdr, rootBuf.buf, w); err != nil {
		return Report{}, err
	}
	return report, nil
}

func compressSecurePartition(sr *io.SectionReader, opts CompressOptions) ([]byte, Report, error) {
	hdr, err := hfs0.ParseHeader(sr, sr.Size())
	if err != nil {
		return nil, Report{}, err
	}
	entries := hfs0EntriesOf(sr, hdr)

	var buf memBuffer
	report, err := compressEntries(entries, opts, func(names []string) (partitionWriter, error) {
		return hfs0.NewWriter(&buf, names, hdr.FirstFileOffset(), hdr.StringTableSize)
	})
	if err != nil {
		return nil, Report{}, err
	}
	return buf.buf, report, nil
}

// emptyPartitionPayload builds a zero-entry HFS0 partition and pads it with
// zero bytes out to originalLen, unless the bytes of original it would
// otherwise be replacing are already all zero — in which case the padding
// is trimmed away, mirroring xci.Rewrite's own trim-only-when-safe rule.
func emptyPartitionPayload(original *io.SectionReader, originalLen int64) ([]byte, error) {
	var buf memBuffer
	w, err := hfs0.NewWriter(&buf, nil, 0, 0)
	if err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	empty := buf.buf

	if int64(len(empty)) >= originalLen {
		return empty, nil
	}

	tail := make([]byte, originalLen-int64(len(empty)))
	if _, err := original.ReadAt(tail, int64(len(empty))); err != nil && err != io.EOF {
		return nil, err
	}
	if allZeroBytes(tail) {
		return empty, nil
	}

	padded := make([]byte, originalLen)
	copy(padded, empty)
	return padded, nil
}

// compressEntries transcodes entries into a fresh partition built by
// newWriter: with a KeySet, every eligible .nca entry is header-analyzed and
// transcoded when compressible; without one, only the single largest
// eligible entry is transcoded, as an unanalyzed opaque section.
func compressEntries(entries []entryRef, opts CompressOptions, newWriter func([]string) (partitionWriter, error)) (Report, error) {
	tickets, err := collectTickets(entries)
	if err != nil {
		return Report{}, err
	}

	transcode := make([]bool, len(entries))
	plans := make([]*nca.CompressionPlan, len(entries))
	outNames := make([]string, len(entries))
	for i, e := range entries {
		outNames[i] = e.Name
	}

	if opts.KeySet != nil {
		for i, e := range entries {
			if !eligibleForTranscode(e.Name, e.Size) {
				continue
			}
			plan, err := nca.BuildCompressionPlan(e.SR, opts.KeySet.HeaderKey, opts.KeySet, tickets)
			if err != nil {
				return Report{}, &nszerr.EntryError{Entry: e.Name, Err: err}
			}
			if !plan.Meta.IsCompressible() {
				continue
			}
			transcode[i] = true
			plans[i] = plan
			outNames[i] = renameToNcz(e.Name)
		}
	} else {
		largest := -1
		for i, e := range entries {
			if !eligibleForTranscode(e.Name, e.Size) {
				continue
			}
			if largest == -1 || e.Size > entries[largest].Size {
				largest = i
			}
		}
		if largest != -1 {
			transcode[largest] = true
			outNames[largest] = renameToNcz(entries[largest].Name)
		}
	}

	w, err := newWriter(outNames)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for i, e := range entries {
		if transcode[i] {
			if err := encodeTranscodedEntry(w, i, e, plans[i], opts); err != nil {
				return Report{}, &nszerr.EntryError{Entry: e.Name, Err: err}
			}
			report.Transcoded = append(report.Transcoded, outNames[i])
			continue
		}
		if _, err := w.WriteFile(i, e.SR); err != nil {
			return Report{}, &nszerr.EntryError{Entry: e.Name, Err: err}
		}
		report.PassedThrough = append(report.PassedThrough, outNames[i])
	}

	if err := w.Close(); err != nil {
		return Report{}, err
	}
	return report, nil
}

// encodeTranscodedEntry streams e's NCZ encoding straight into w's
// underlying writer via WriteFileDirect, since ncz.EncodeBlock needs to
// seek back and backpatch its block size table — something the plain
// WriteFile(io.Reader) path can't support.
func encodeTranscodedEntry(w partitionWriter, index int, e entryRef, plan *nca.CompressionPlan, opts CompressOptions) error {
	var sections []ncz.Section
	offsetFirstSection := uint64(nca.FullHeaderSize)

	if plan != nil {
		sections = ncz.FromPlan(plan)
		offsetFirstSection = plan.OffsetFirstSection
	} else if e.Size > uint64(nca.FullHeaderSize) {
		// No keyset means the header can't be decrypted, so the real
		// section layout is unknown. Treat everything past the header as
		// one opaque, unencrypted section instead.
		sections = []ncz.Section{{
			Offset:     uint64(nca.FullHeaderSize),
			Size:       e.Size - uint64(nca.FullHeaderSize),
			CryptoType: 0,
		}}
	}

	_, err := w.WriteFileDirect(index, func(dst io.WriteSeeker) (int64, error) {
		start, err := dst.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, err
		}
		if opts.useBlockMode() {
			err = ncz.EncodeBlock(e.SR, offsetFirstSection, sections, opts.blockSizeExponent(), opts.Zstd.Level, dst)
		} else {
			err = ncz.EncodeSolid(e.SR, offsetFirstSection, sections, dst, opts.Zstd)
		}
		if err != nil {
			return 0, err
		}
		end, err := dst.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, err
		}
		return end - start, nil
	})
	return err
}
