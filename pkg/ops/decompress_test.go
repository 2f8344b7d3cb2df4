package ops

import (
	"bytes"
	"testing"

	"github.com/birkou/nszgo/pkg/container/pfs0"
	"github.com/birkou/nszgo/pkg/zstdcodec"
)

func TestCompressDecompressNSPRoundTripNoKeys(t *testing.T) {
	payload := make([]byte, 0x5000)
	for i := range payload {
		payload[i] = byte(i)
	}
	nsp := buildPFS0(t, []string{"game.nca"}, [][]byte{payload})

	compressed := &seekBuffer{}
	if _, err := CompressNSP(bytes.NewReader(nsp), int64(len(nsp)), compressed, CompressOptions{Zstd: zstdcodec.Options{Level: 3}}); err != nil {
		t.Fatalf("compress: %v", err)
	}

	decompressed := &seekBuffer{}
	report, err := DecompressNSP(bytes.NewReader(compressed.buf), int64(len(compressed.buf)), decompressed)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if len(report.Transcoded) != 1 || report.Transcoded[0] != "game.nca" {
		t.Fatalf("unexpected report: %+v", report)
	}

	hdr, err := pfs0.ParseHeader(bytes.NewReader(decompressed.buf), int64(len(decompressed.buf)))
	if err != nil {
		t.Fatalf("parse decompressed header: %v", err)
	}
	if len(hdr.Entries) != 1 || hdr.Entries[0].Name != "game.nca" {
		t.Fatalf("unexpected decompressed entries: %+v", hdr.Entries)
	}

	restored := hdr.SectionReader(bytes.NewReader(decompressed.buf), hdr.Entries[0])
	got := make([]byte, restored.Size())
	if _, err := restored.ReadAt(got, 0); err != nil {
		t.Fatalf("read restored entry: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("round trip did not restore the original payload")
	}
}

func TestDecompressNSPPassesThroughNonNcz(t *testing.T) {
	tik := bytes.Repeat([]byte{0x5A}, 0x20)
	nsp := buildPFS0(t, []string{"ticket.tik"}, [][]byte{tik})

	out := &seekBuffer{}
	report, err := DecompressNSP(bytes.NewReader(nsp), int64(len(nsp)), out)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if len(report.Transcoded) != 0 || len(report.PassedThrough) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
}
