// Package rafscompress implements the chunk and chunk-info-array
// compressors: none, LZ4 block, gzip, and zstd.
package rafscompress

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/xerrors"

	"github.com/rafsimage/builder/internal/errs"
)

// Algorithm is the on-disk compressor id, matching the blob header's
// chunk-info compressor field and the per-chunk compression flag.
type Algorithm uint32

const (
	None     Algorithm = 0
	LZ4Block Algorithm = 1
	GZip     Algorithm = 2
	Zstd     Algorithm = 4
)

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case LZ4Block:
		return "lz4_block"
	case GZip:
		return "gzip"
	case Zstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Compress compresses src with alg. The caller decides whether to keep the
// compressed result or fall back to storing src raw (the per-file chunker
// only keeps a compressed chunk when it is strictly smaller than the
// input, per the chunker's miss-path contract).
func Compress(alg Algorithm, src []byte) ([]byte, error) {
	switch alg {
	case None:
		return src, nil
	case LZ4Block:
		buf := make([]byte, lz4.CompressBlockBound(len(src)))
		var c lz4.Compressor
		n, err := c.CompressBlock(src, buf)
		if err != nil {
			return nil, xerrors.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			// Incompressible input: lz4.CompressBlock reports n == 0 rather
			// than growing the output.
			return src, nil
		}
		return buf[:n], nil
	case GZip:
		var buf bytes.Buffer
		w, err := pgzip.NewWriterLevel(&buf, pgzip.BestSpeed)
		if err != nil {
			return nil, xerrors.Errorf("gzip compress: %w", err)
		}
		if _, err := w.Write(src); err != nil {
			return nil, xerrors.Errorf("gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, xerrors.Errorf("gzip compress: %w", err)
		}
		return buf.Bytes(), nil
	case Zstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, xerrors.Errorf("zstd compress: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(src, nil), nil
	default:
		return nil, xerrors.Errorf("rafscompress.Compress(%d): %w", alg, errs.Unsupported)
	}
}

// Decompress decompresses src with alg into a buffer of exactly
// uncompressedSize bytes.
func Decompress(alg Algorithm, src []byte, uncompressedSize int) ([]byte, error) {
	switch alg {
	case None:
		if len(src) != uncompressedSize {
			return nil, xerrors.Errorf("rafscompress: stored-raw size mismatch: %w", errs.CorruptMetadata)
		}
		return src, nil
	case LZ4Block:
		dst := make([]byte, uncompressedSize)
		n, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return nil, xerrors.Errorf("lz4 decompress: %w", err)
		}
		if n != uncompressedSize {
			return nil, xerrors.Errorf("rafscompress: lz4 size mismatch: %w", errs.CorruptMetadata)
		}
		return dst, nil
	case GZip:
		r, err := pgzip.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, xerrors.Errorf("gzip decompress: %w", err)
		}
		defer r.Close()
		dst := make([]byte, uncompressedSize)
		if _, err := io.ReadFull(r, dst); err != nil {
			return nil, xerrors.Errorf("gzip decompress: %w", err)
		}
		return dst, nil
	case Zstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, xerrors.Errorf("zstd decompress: %w", err)
		}
		defer dec.Close()
		dst, err := dec.DecodeAll(src, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, xerrors.Errorf("zstd decompress: %w", err)
		}
		if len(dst) != uncompressedSize {
			return nil, xerrors.Errorf("rafscompress: zstd size mismatch: %w", errs.CorruptMetadata)
		}
		return dst, nil
	default:
		return nil, xerrors.Errorf("rafscompress.Decompress(%d): %w", alg, errs.Unsupported)
	}
}

// ParseAlgorithm validates a raw on-disk compressor id.
func ParseAlgorithm(v uint32) (Algorithm, error) {
	switch Algorithm(v) {
	case None, LZ4Block, GZip, Zstd:
		return Algorithm(v), nil
	default:
		return 0, xerrors.Errorf("compressor id %d: %w", v, errs.Unsupported)
	}
}
