// Package chunkrecord implements the 16-byte bit-packed chunk record: the
// wire format describing where one chunk's bytes live within a blob, both
// compressed and uncompressed.
//
// The packing is exposed as value-semantic functions rather than a Go
// struct with bitfields, because the layout is a wire format shared across
// machines (and, in this system, across the nydus ecosystem it is
// compatible with).
package chunkrecord

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/rafsimage/builder/internal/errs"
)

// Size is the on-disk byte length of one record.
const Size = 16

const (
	compOffsetBits = 40
	compOffsetMask = (uint64(1) << compOffsetBits) - 1
	sizeFieldBits  = 24
	sizeFieldMask  = (uint64(1) << sizeFieldBits) - 1

	compressedFlagBit = uint64(1) << 63

	uncompAlign     = 4096
	uncompAlignBits = 12

	// MaxCompressedOffset is the largest legal compressed offset (2^40-1).
	MaxCompressedOffset = compOffsetMask
	// MaxChunkSize is the largest legal chunk payload, compressed or
	// uncompressed (2^24 bytes, 16 MiB).
	MaxChunkSize = uint64(1) << sizeFieldBits
	// MaxUncompressedOffset is the largest legal uncompressed offset
	// (2^52-1), given the 4 KiB pre-shift.
	MaxUncompressedOffset = (compOffsetMask << uncompAlignBits) | (uncompAlign - 1)
)

// Record is the decoded form of one 16-byte on-disk chunk record.
type Record struct {
	compInfo   uint64
	uncompInfo uint64
}

// SetCompressedOffset sets the chunk's byte offset within the blob's
// compressed payload stream. o must be < 2^40.
func (r *Record) SetCompressedOffset(o uint64) error {
	if o > compOffsetMask {
		return xerrors.Errorf("compressed offset %d exceeds 2^40: %w", o, errs.InvalidArgument)
	}
	r.compInfo = (r.compInfo &^ compOffsetMask) | (o & compOffsetMask)
	return nil
}

// CompressedOffset returns the chunk's compressed byte offset.
func (r Record) CompressedOffset() uint64 {
	return r.compInfo & compOffsetMask
}

// SetCompressedSize sets the chunk's compressed byte length. s must satisfy
// 1 <= s <= 2^24; the value stored on disk is s-1.
func (r *Record) SetCompressedSize(s uint64) error {
	if s < 1 || s > MaxChunkSize {
		return xerrors.Errorf("compressed size %d out of [1, 2^24]: %w", s, errs.InvalidArgument)
	}
	field := (s - 1) & sizeFieldMask
	r.compInfo = (r.compInfo &^ (sizeFieldMask << compOffsetBits)) | (field << compOffsetBits)
	return nil
}

// CompressedSize returns the chunk's compressed byte length.
func (r Record) CompressedSize() uint64 {
	return ((r.compInfo >> compOffsetBits) & sizeFieldMask) + 1
}

// CompressedEnd returns CompressedOffset()+CompressedSize().
func (r Record) CompressedEnd() uint64 {
	return r.CompressedOffset() + r.CompressedSize()
}

// SetUncompressedOffset sets the chunk's byte offset within the file's
// uncompressed content. o must be divisible by 4096 and < 2^52.
func (r *Record) SetUncompressedOffset(o uint64) error {
	if o%uncompAlign != 0 {
		return xerrors.Errorf("uncompressed offset %d not 4 KiB-aligned: %w", o, errs.InvalidArgument)
	}
	if o > MaxUncompressedOffset {
		return xerrors.Errorf("uncompressed offset %d exceeds 2^52: %w", o, errs.InvalidArgument)
	}
	shifted := (o >> uncompAlignBits) & compOffsetMask
	r.uncompInfo = (r.uncompInfo &^ compOffsetMask) | shifted
	return nil
}

// UncompressedOffset returns the chunk's uncompressed byte offset.
func (r Record) UncompressedOffset() uint64 {
	return (r.uncompInfo & compOffsetMask) << uncompAlignBits
}

// SetUncompressedSize sets the chunk's uncompressed byte length. s must
// satisfy 1 <= s <= 2^24; the value stored on disk is s-1, sharing its top
// bit with the compressed-flag bit (see IsCompressed).
func (r *Record) SetUncompressedSize(s uint64) error {
	if s < 1 || s > MaxChunkSize {
		return xerrors.Errorf("uncompressed size %d out of [1, 2^24]: %w", s, errs.InvalidArgument)
	}
	field := (s - 1) & sizeFieldMask
	r.uncompInfo = (r.uncompInfo &^ (sizeFieldMask << compOffsetBits)) | (field << compOffsetBits)
	return nil
}

// UncompressedSize returns the chunk's uncompressed byte length.
func (r Record) UncompressedSize() uint64 {
	return ((r.uncompInfo >> compOffsetBits) & sizeFieldMask) + 1
}

// AlignedUncompressedEnd returns round_up_4k(UncompressedOffset()+UncompressedSize()).
func (r Record) AlignedUncompressedEnd() uint64 {
	return RoundUp4K(r.UncompressedOffset() + r.UncompressedSize())
}

// SetCompressed sets or clears the bit distinguishing a compressed chunk
// from one stored raw. It occupies the same bit as the top bit of the
// uncompressed-size field; in practice this never conflicts because chunk
// sizes are bounded well below 2^23 by the configured chunk size.
func (r *Record) SetCompressed(compressed bool) {
	if compressed {
		r.uncompInfo |= compressedFlagBit
	} else {
		r.uncompInfo &^= compressedFlagBit
	}
}

// IsCompressed reports whether the chunk is stored compressed.
func (r Record) IsCompressed() bool {
	return r.uncompInfo&compressedFlagBit != 0
}

// RoundUp4K rounds n up to the next multiple of 4096.
func RoundUp4K(n uint64) uint64 {
	const mask = uncompAlign - 1
	return (n + mask) &^ mask
}

// Encode serializes r into its 16-byte little-endian wire form.
func (r Record) Encode() [Size]byte {
	var buf [Size]byte
	binary.LittleEndian.PutUint64(buf[0:8], r.compInfo)
	binary.LittleEndian.PutUint64(buf[8:16], r.uncompInfo)
	return buf
}

// Decode parses a 16-byte wire record.
func Decode(buf []byte) (Record, error) {
	if len(buf) < Size {
		return Record{}, xerrors.Errorf("chunk record short read (%d bytes): %w", len(buf), errs.CorruptMetadata)
	}
	return Record{
		compInfo:   binary.LittleEndian.Uint64(buf[0:8]),
		uncompInfo: binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}
