package ops

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"

	"github.com/birkou/nszgo/pkg/container/hfs0"
	"github.com/birkou/nszgo/pkg/container/pfs0"
	"github.com/birkou/nszgo/pkg/container/xci"
	"github.com/birkou/nszgo/pkg/ncz"
	"github.com/birkou/nszgo/pkg/nszerr"
)

func isNczEntry(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".ncz")
}

func renameToNca(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name)) + ".nca"
}

// DecompressNSP rewrites an NSZ back to an NSP, restoring every .ncz entry
// to .nca and copying everything else through unchanged.
func DecompressNSP(r io.ReaderAt, size int64, w io.WriteSeeker) (Report, error) {
	hdr, err := pfs0.ParseHeader(r, size)
	if err != nil {
		return Report{}, err
	}
	entries := pfs0EntriesOf(r, hdr)
	return decompressEntries(entries, func(names []string) (partitionWriter, error) {
		return pfs0.NewWriter(w, names, hdr.DataStart, hdr.StringTableSize)
	})
}

// DecompressXCI rewrites an XCZ back to an XCI: the "secure" partition is
// decompressed like an NSZ, every other partition is copied through
// verbatim.
func DecompressXCI(r io.ReaderAt, size int64, w io.WriteSeeker) (Report, error) {
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

		if !strings.EqualFold(e.Name, "secure") {
			data := make([]byte, e.Size)
			if _, err := partitionSR.ReadAt(data, 0); err != nil && err != io.EOF {
				return Report{}, &nszerr.EntryError{Entry: e.Name, Err: err}
			}
			payloads[i] = data
			report.PassedThrough = append(report.PassedThrough, e.Name)
			continue
		}

		secureHdr, err := hfs0.ParseHeader(partitionSR, partitionSR.Size())
		if err != nil {
			return Report{}, &nszerr.EntryError{Entry: e.Name, Err: err}
		}
		entries := hfs0EntriesOf(partitionSR, secureHdr)

		var buf memBuffer
		subReport, err := decompressEntries(entries, func(subNames []string) (partitionWriter, error) {
			return hfs0.NewWriter(&buf, subNames, secureHdr.FirstFileOffset(), secureHdr.StringTableSize)
		})
		if err != nil {
			return Report{}, &nszerr.EntryError{Entry: e.Name, Err: err}
		}
		payloads[i] = buf.buf
		report.Transcoded = append(report.Transcoded, subReport.Transcoded...)
		report.PassedThrough = append(report.PassedThrough, subReport.PassedThrough...)
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

func decompressEntries(entries []entryRef, newWriter func([]string) (partitionWriter, error)) (Report, error) {
	names := make([]string, len(entries))
	for i, e := range entries {
		if isNczEntry(e.Name) {
			names[i] = renameToNca(e.Name)
			continue
		}
		names[i] = e.Name
	}

	w, err := newWriter(names)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for i, e := range entries {
		if isNczEntry(e.Name) {
			if _, err := w.WriteFileDirect(i, func(dst io.WriteSeeker) (int64, error) {
				start, err := dst.Seek(0, io.SeekCurrent)
				if err != nil {
					return 0, err
				}
				if err := ncz.Decode(e.SR, e.SR.Size(), dst); err != nil {
					return 0, err
				}
				end, err := dst.Seek(0, io.SeekCurrent)
				if err != nil {
					return 0, err
				}
				return end - start, nil
			}); err != nil {
				return Report{}, &nszerr.EntryError{Entry: e.Name, Err: err}
			}
			report.Transcoded = append(report.Transcoded, names[i])
			continue
		}
		if _, err := w.WriteFile(i, e.SR); err != nil {
			return Report{}, &nszerr.EntryError{Entry: e.Name, Err: err}
		}
		report.PassedThrough = append(report.PassedThrough, names[i])
	}

	if err := w.Close(); err != nil {
		return Report{}, err
	}
	return report, nil
}
