package blobmeta

import (
	"github.com/rafsimage/builder/internal/blobwriter"
	"github.com/rafsimage/builder/internal/chunkrecord"
	"github.com/rafsimage/builder/internal/rafscompress"
)

// Embedded describes where a Builder's chunk-record array landed inside
// the blob file itself, once EmbedIntoBlob has appended it: the fields a
// caller needs to later commit the mirroring <blob-path>.blob.meta side
// file (see Commit).
type Embedded struct {
	CompressedOffset uint64
	CompressedSize   uint64
	UncompressedSize uint64
}

// EmbedIntoBlob appends the blob metadata section described in spec.md §3
// and §6's exact byte layout directly to w, which must already hold every
// chunk payload this Builder describes: the chunk-record array compressed
// with compressor, a zero pad up to the next 4 KiB boundary, then the
// fixed 4 KiB header with both magic words already in place.
//
// Unlike the side file's Commit, the blob's own embedded header carries no
// separate "not ready" commit discipline: the blob is only ever exposed to
// readers after blobwriter.Writer.Release has atomically renamed the
// fully-written file into place, so there is no window in which a reader
// could observe a partially-written blob.
func (b *Builder) EmbedIntoBlob(w *blobwriter.Writer, compressor rafscompress.Algorithm) (Embedded, error) {
	array := b.ArrayBytes()
	compressedArray, err := rafscompress.Compress(compressor, array)
	if err != nil {
		return Embedded{}, err
	}

	offset := w.Pos()
	if _, err := w.Write(compressedArray); err != nil {
		return Embedded{}, err
	}

	if padded := chunkrecord.RoundUp4K(w.Pos()); padded > w.Pos() {
		if _, err := w.Write(make([]byte, padded-w.Pos())); err != nil {
			return Embedded{}, err
		}
	}

	var features uint32
	if b.aligned {
		features |= FeatureAligned4K
	}
	hdr := Header{
		Features:         features,
		Compressor:       compressor,
		EntryCount:       uint32(len(b.records)),
		CompressedOffset: offset,
		CompressedSize:   uint64(len(compressedArray)),
		UncompressedSize: uint64(len(array)),
	}
	body := hdr.encodeBody()
	var magicBuf [4]byte
	putMagic(magicBuf[:])
	copy(body[0:4], magicBuf[:])
	copy(body[magic2Offset:magic2Offset+4], magicBuf[:])
	if _, err := w.Write(body[:]); err != nil {
		return Embedded{}, err
	}

	return Embedded{
		CompressedOffset: offset,
		CompressedSize:   uint64(len(compressedArray)),
		UncompressedSize: uint64(len(array)),
	}, nil
}
