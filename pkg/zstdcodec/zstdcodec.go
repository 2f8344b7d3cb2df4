// Package zstdcodec wraps klauspost/compress/zstd with the pooling and
// streaming shapes the NCZ encoder and decoder need: a one-shot pooled
// encoder for block mode, and streaming encoder/decoder wrappers for solid
// mode so a gigabyte-scale NCA never has to be held twice in memory.
package zstdcodec

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	decoder, _ = zstd.NewReader(nil)

	encoderPools = make(map[int]*sync.Pool)
	poolMu       sync.RWMutex
)

func getEncoderPool(level int) *sync.Pool {
	poolMu.RLock()
	pool, ok := encoderPools[level]
	poolMu.RUnlock()
	if ok {
		return pool
	}

	poolMu.Lock()
	defer poolMu.Unlock()
	if pool, ok = encoderPools[level]; ok {
		return pool
	}
	pool = &sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil,
				zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
				zstd.WithEncoderConcurrency(1),
			)
			return enc
		},
	}
	encoderPools[level] = pool
	return pool
}

// CompressBlock compresses a single block-mode payload using a pooled
// one-shot encoder at the given Zstd compression level.
func CompressBlock(src []byte, level int) []byte {
	pool := getEncoderPool(level)
	enc := pool.Get().(*zstd.Encoder)
	defer pool.Put(enc)
	return enc.EncodeAll(src, make([]byte, 0, len(src)))
}

// DecompressBlock decodes a single Zstd-compressed block.
func DecompressBlock(src []byte, expectedSize int) ([]byte, error) {
	return decoder.DecodeAll(src, make([]byte, 0, expectedSize))
}

// Options configure the streaming solid-mode encoder.
type Options struct {
	Level          int
	WindowSize     int // bytes; 0 leaves the library default
	LongDistance   bool
	WorkerCount    int // zstd.WithEncoderConcurrency; 0 selects 3 workers, 1 disables multithreading
}

// NewStreamEncoder wraps w in a streaming Zstd encoder suitable for solid
// mode: the caller writes the concatenated section payload in order and
// closes the encoder to flush the final frame. Long-distance matching is
// the idiomatic klauspost stand-in for the reference implementation's
// "--long" flag; there is no literal analogue in this library, so a wide
// WindowSize plus WithWindowSize is used instead.
func NewStreamEncoder(w io.Writer, opts Options) (*zstd.Encoder, error) {
	zopts := []zstd.EOption{
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.Level)),
	}
	workers := opts.WorkerCount
	if workers == 0 {
		workers = 3
	}
	if workers > 1 {
		zopts = append(zopts, zstd.WithEncoderConcurrency(workers))
	} else {
		zopts = append(zopts, zstd.WithEncoderConcurrency(1))
	}
	if opts.LongDistance && opts.WindowSize > 0 {
		zopts = append(zopts, zstd.WithWindowSize(opts.WindowSize))
	}
	return zstd.NewWriter(w, zopts...)
}

// NewStreamDecoder wraps r in a streaming Zstd decoder for solid-mode
// decode. The returned decoder must be released with Close when the
// caller is done reading.
func NewStreamDecoder(r io.Reader) (*zstd.Decoder, error) {
	return zstd.NewReader(r)
}
