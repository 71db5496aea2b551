// Package blobmeta implements the memory-mapped, bit-packed chunk-info side
// file (<blob-path>.blob.meta) that lets a client binary-search from a byte
// range in a blob to the chunk records covering it.
package blobmeta

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/rafsimage/builder/internal/errs"
	"github.com/rafsimage/builder/internal/rafscompress"
)

// MagicWord is written at both the start and the end of the header, as the
// readiness marker.
const MagicWord uint32 = 0xB10BB10B

// HeaderSize is the fixed on-disk size of the header, in bytes.
const HeaderSize = 4096

// FeatureAligned4K marks every record's uncompressed offset as 4 KiB-aligned.
const FeatureAligned4K uint32 = 1 << 0

// headerBodyOffset is where the fields after the front magic start.
const headerBodyOffset = 4
const headerBodyEnd = 40 // 4 (front magic) + 4 (features) + 4 (compressor) + 4 (entry count) + 8*3 (offset, comp size, uncomp size)
const magic2Offset = HeaderSize - 4

// Header describes the chunk-record array that follows (or, inside a blob
// file, precedes) it.
type Header struct {
	Features         uint32
	Compressor       rafscompress.Algorithm
	EntryCount       uint32
	CompressedOffset uint64
	CompressedSize   uint64
	UncompressedSize uint64
}

// encodeBody writes every field except the two magic words into a
// HeaderSize buffer, leaving the magic positions zero.
func (h Header) encodeBody() [HeaderSize]byte {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint32(buf[4:8], h.Features)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.Compressor))
	binary.LittleEndian.PutUint32(buf[12:16], h.EntryCount)
	binary.LittleEndian.PutUint64(buf[16:24], h.CompressedOffset)
	binary.LittleEndian.PutUint64(buf[24:32], h.CompressedSize)
	binary.LittleEndian.PutUint64(buf[32:40], h.UncompressedSize)
	return buf
}

// decodeHeader parses a HeaderSize buffer, validating both magic words.
// A magic mismatch reports errs.NotReady: the caller has observed a file
// between creation and the commit discipline's final magic write.
func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, xerrors.Errorf("blob-meta header short read (%d bytes): %w", len(buf), errs.CorruptMetadata)
	}
	magic1 := binary.LittleEndian.Uint32(buf[0:4])
	magic2 := binary.LittleEndian.Uint32(buf[magic2Offset : magic2Offset+4])
	if magic1 != MagicWord || magic2 != MagicWord {
		return Header{}, xerrors.Errorf("blob-meta header magic mismatch: %w", errs.NotReady)
	}
	compressor, err := rafscompress.ParseAlgorithm(binary.LittleEndian.Uint32(buf[8:12]))
	if err != nil {
		return Header{}, xerrors.Errorf("blob-meta header: %w", err)
	}
	return Header{
		Features:         binary.LittleEndian.Uint32(buf[4:8]),
		Compressor:       compressor,
		EntryCount:       binary.LittleEndian.Uint32(buf[12:16]),
		CompressedOffset: binary.LittleEndian.Uint64(buf[16:24]),
		CompressedSize:   binary.LittleEndian.Uint64(buf[24:32]),
		UncompressedSize: binary.LittleEndian.Uint64(buf[32:40]),
	}, nil
}
