package blobmeta

import (
	"os"

	"golang.org/x/xerrors"

	"github.com/rafsimage/builder/internal/chunkrecord"
	"github.com/rafsimage/builder/internal/errs"
	"github.com/rafsimage/builder/internal/rafscompress"
)

// Builder accumulates chunk records in memory as a blob is written, and
// commits them to a <blob-path>.blob.meta side file using the three-step
// write discipline (array, then header sans magic, then magic) required for
// crash-consistent readiness.
type Builder struct {
	records []chunkrecord.Record
	aligned bool
}

// NewBuilder returns an empty Builder. aligned mirrors the blob writer's
// "aligned_chunk" option and is recorded in the header's feature flags.
func NewBuilder(aligned bool) *Builder {
	return &Builder{aligned: aligned}
}

// Append adds one chunk record, in the order its bytes were appended to the
// blob.
func (b *Builder) Append(r chunkrecord.Record) {
	b.records = append(b.records, r)
}

// Len returns the number of records appended so far.
func (b *Builder) Len() int {
	return len(b.records)
}

// Records returns the records appended so far, in order.
func (b *Builder) Records() []chunkrecord.Record {
	return b.records
}

// ArrayBytes returns the uncompressed, concatenated 16-byte encoding of
// every record, the form always stored in the side file regardless of
// which compressor the blob itself uses for its embedded copy.
func (b *Builder) ArrayBytes() []byte {
	buf := make([]byte, len(b.records)*chunkrecord.Size)
	for i, r := range b.records {
		enc := r.Encode()
		copy(buf[i*chunkrecord.Size:], enc[:])
	}
	return buf
}

// Commit writes path = <blob-path>.blob.meta, sized
// round_up_4k(len(records)*16) + 4096, following the commit discipline from
// §5: write array, fsync, write header without magic, fsync, write magic,
// fsync. compressedOffset/compressedSize describe where the (possibly
// compressed) copy of this array lives inside the blob file itself; the
// side file's own copy of the array is always stored uncompressed.
func (b *Builder) Commit(path string, compressor rafscompress.Algorithm, compressedOffset, compressedSize uint64) error {
	array := b.ArrayBytes()
	paddedArrayLen := chunkrecord.RoundUp4K(uint64(len(array)))
	fileSize := paddedArrayLen + HeaderSize

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return xerrors.Errorf("blobmeta: open %s: %w", path, errs.IoError)
	}
	defer f.Close()

	if err := f.Truncate(int64(fileSize)); err != nil {
		return xerrors.Errorf("blobmeta: truncate %s: %w", path, errs.IoError)
	}

	if _, err := f.WriteAt(array, 0); err != nil {
		return xerrors.Errorf("blobmeta: write array: %w", errs.IoError)
	}
	if err := f.Sync(); err != nil {
		return xerrors.Errorf("blobmeta: fsync array: %w", errs.IoError)
	}

	var features uint32
	if b.aligned {
		features |= FeatureAligned4K
	}
	hdr := Header{
		Features:         features,
		Compressor:       compressor,
		EntryCount:       uint32(len(b.records)),
		CompressedOffset: compressedOffset,
		CompressedSize:   compressedSize,
		UncompressedSize: uint64(len(array)),
	}
	body := hdr.encodeBody()
	if _, err := f.WriteAt(body[headerBodyOffset:headerBodyEnd], int64(paddedArrayLen)+headerBodyOffset); err != nil {
		return xerrors.Errorf("blobmeta: write header body: %w", errs.IoError)
	}
	if err := f.Sync(); err != nil {
		return xerrors.Errorf("blobmeta: fsync header body: %w", errs.IoError)
	}

	var magicBuf [4]byte
	putMagic(magicBuf[:])
	if _, err := f.WriteAt(magicBuf[:], int64(paddedArrayLen)); err != nil {
		return xerrors.Errorf("blobmeta: write front magic: %w", errs.IoError)
	}
	if _, err := f.WriteAt(magicBuf[:], int64(paddedArrayLen)+magic2Offset); err != nil {
		return xerrors.Errorf("blobmeta: write back magic: %w", errs.IoError)
	}
	if err := f.Sync(); err != nil {
		return xerrors.Errorf("blobmeta: fsync magic: %w", errs.IoError)
	}

	return nil
}

func putMagic(buf []byte) {
	buf[0] = byte(MagicWord)
	buf[1] = byte(MagicWord >> 8)
	buf[2] = byte(MagicWord >> 16)
	buf[3] = byte(MagicWord >> 24)
}
