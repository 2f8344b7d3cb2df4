// Command nszgo is a thin CLI over pkg/ops: compress, decompress, or
// verify an NSP/NSZ/XCI/XCZ (or bare NCA/NCZ) file.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/birkou/nszgo/pkg/keyset"
	"github.com/birkou/nszgo/pkg/ops"
)

const (
	defaultCompressionLevel = 18 // matches the reference CLI's default
	defaultBlockSizeExp     = 20 // 1 MiB blocks
)

func main() {
	op := flag.String("op", "compress", "Operation: compress, decompress, or verify")
	keysPath := flag.String("k", "", "Path to prod.keys (compress only; omit to use the no-keys fallback)")
	level := flag.Int("l", defaultCompressionLevel, "Compression level (1-22, higher = slower but smaller)")
	solid := flag.Bool("solid", false, "Use solid (single Zstd frame) mode instead of block mode")
	keepPartitions := flag.Bool("keep-partitions", false, "XCI only: copy non-secure partitions through unchanged instead of blanking them")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Println("Usage: nszgo -op compress|decompress|verify [options] <file>")
		return
	}
	inputPath := args[0]

	var keySet *keyset.KeySet
	if *keysPath != "" {
		ks, err := keyset.Load(*keysPath)
		if err != nil {
			fmt.Printf("Warning: could not load keys: %v\n", err)
			fmt.Println("Proceeding with the no-keys compression fallback.")
		} else {
			keySet = ks
			fmt.Println("Keys loaded successfully.")
		}
	}

	f, err := os.Open(inputPath)
	if err != nil {
		fmt.Printf("Error opening file: %v\n", err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		fmt.Printf("Error reading file info: %v\n", err)
		return
	}
	size := info.Size()
	ext := strings.ToLower(filepath.Ext(inputPath))

	switch *op {
	case "compress":
		runCompress(inputPath, f, size, ext, keySet, *level, *solid, *keepPartitions)
	case "decompress":
		runDecompress(inputPath, f, size, ext)
	case "verify":
		runVerify(inputPath, f, size)
	default:
		fmt.Printf("Unknown operation %q; expected compress, decompress, or verify.\n", *op)
	}
}

func runCompress(inputPath string, f *os.File, size int64, ext string, keySet *keyset.KeySet, level int, solid, keepPartitions bool) {
	opts := ops.CompressOptions{
		KeySet:                  keySet,
		Block:                   !solid,
		Solid:                   solid,
		BlockSizeExponent:       defaultBlockSizeExp,
		KeepNonSecurePartitions: keepPartitions,
	}
	opts.Zstd.Level = level

	var outPath string
	var report ops.Report
	var err error

	switch ext {
	case ".nsp":
		outPath = strings.TrimSuffix(inputPath, ext) + ".nsz"
		out, createErr := os.Create(outPath)
		if createErr != nil {
			fmt.Printf("Error creating output: %v\n", createErr)
			return
		}
		defer out.Close()
		report, err = ops.CompressNSP(f, size, out, opts)
	case ".xci":
		outPath = strings.TrimSuffix(inputPath, ext) + ".xcz"
		out, createErr := os.Create(outPath)
		if createErr != nil {
			fmt.Printf("Error creating output: %v\n", createErr)
			return
		}
		defer out.Close()
		report, err = ops.CompressXCI(f, size, out, opts)
	default:
		fmt.Printf("Unsupported file type %q for compression.\n", ext)
		return
	}

	if err != nil {
		fmt.Printf("Compression failed: %v\n", err)
		return
	}
	fmt.Printf("Wrote %s: transcoded %d entries, passed through %d.\n", outPath, len(report.Transcoded), len(report.PassedThrough))
}

func runDecompress(inputPath string, f *os.File, size int64, ext string) {
	var outPath string
	var report ops.Report
	var err error

	switch ext {
	case ".nsz":
		outPath = strings.TrimSuffix(inputPath, ext) + ".nsp"
		out, createErr := os.Create(outPath)
		if createErr != nil {
			fmt.Printf("Error creating output: %v\n", createErr)
			return
		}
		defer out.Close()
		report, err = ops.DecompressNSP(f, size, out)
	case ".xcz":
		outPath = strings.TrimSuffix(inputPath, ext) + ".xci"
		out, createErr := os.Create(outPath)
		if createErr != nil {
			fmt.Printf("Error creating output: %v\n", createErr)
			return
		}
		defer out.Close()
		report, err = ops.DecompressXCI(f, size, out)
	default:
		fmt.Printf("Unsupported file type %q for decompression.\n", ext)
		return
	}

	if err != nil {
		fmt.Printf("Decompression failed: %v\n", err)
		return
	}
	fmt.Printf("Wrote %s: restored %d entries, passed through %d.\n", outPath, len(report.Transcoded), len(report.PassedThrough))
}

func runVerify(inputPath string, f *os.File, size int64) {
	report, err := ops.VerifyFile(inputPath, f, size)
	if err != nil {
		fmt.Printf("Verification failed: %v\n", err)
		return
	}
	fmt.Printf("Verified %d entries successfully.\n", len(report.Verified))
}
