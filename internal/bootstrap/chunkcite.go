package bootstrap

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/rafsimage/builder/internal/chunkrecord"
	"github.com/rafsimage/builder/internal/digest"
	"github.com/rafsimage/builder/internal/errs"
)

// chunkCiteSize is the fixed on-disk size of one chunk citation: the
// fields §4.6 names a regular file's chunk list serializes, independent of
// the blob's own internal chunk-record encoding (chunkrecord.Record).
const chunkCiteSize = 4 + 4 + 8 + 8 + 4 + 8 + 4 + digest.Size + 4

const chunkFlagCompressed = uint32(1) << 0

// ChunkCitation is one entry in a regular file's on-disk chunk list.
type ChunkCitation struct {
	BlobIndex        uint32
	ChunkIndexInBlob uint32
	FileOffset       uint64
	CompressedOffset uint64
	CompressedSize   uint32
	UncompressedOffset uint64
	UncompressedSize   uint32
	Digest             digest.Digest
	Compressed         bool
}

func (c ChunkCitation) encode() []byte {
	buf := make([]byte, chunkCiteSize)
	binary.LittleEndian.PutUint32(buf[0:4], c.BlobIndex)
	binary.LittleEndian.PutUint32(buf[4:8], c.ChunkIndexInBlob)
	binary.LittleEndian.PutUint64(buf[8:16], c.FileOffset)
	binary.LittleEndian.PutUint64(buf[16:24], c.CompressedOffset)
	binary.LittleEndian.PutUint32(buf[24:28], c.CompressedSize)
	binary.LittleEndian.PutUint64(buf[28:36], c.UncompressedOffset)
	binary.LittleEndian.PutUint32(buf[36:40], c.UncompressedSize)
	copy(buf[40:40+digest.Size], c.Digest[:])
	var flags uint32
	if c.Compressed {
		flags |= chunkFlagCompressed
	}
	binary.LittleEndian.PutUint32(buf[40+digest.Size:chunkCiteSize], flags)
	return buf
}

func decodeChunkCitation(buf []byte) (ChunkCitation, error) {
	if len(buf) < chunkCiteSize {
		return ChunkCitation{}, xerrors.Errorf("bootstrap: short chunk citation (%d bytes): %w", len(buf), errs.CorruptMetadata)
	}
	var c ChunkCitation
	c.BlobIndex = binary.LittleEndian.Uint32(buf[0:4])
	c.ChunkIndexInBlob = binary.LittleEndian.Uint32(buf[4:8])
	c.FileOffset = binary.LittleEndian.Uint64(buf[8:16])
	c.CompressedOffset = binary.LittleEndian.Uint64(buf[16:24])
	c.CompressedSize = binary.LittleEndian.Uint32(buf[24:28])
	c.UncompressedOffset = binary.LittleEndian.Uint64(buf[28:36])
	c.UncompressedSize = binary.LittleEndian.Uint32(buf[36:40])
	copy(c.Digest[:], buf[40:40+digest.Size])
	flags := binary.LittleEndian.Uint32(buf[40+digest.Size : chunkCiteSize])
	c.Compressed = flags&chunkFlagCompressed != 0
	return c, nil
}

// toRecord rebuilds the compact 16-byte chunk record the citation was
// originally resolved from, so a prior build's bootstrap alone (without
// reopening its blob-meta side files) is enough to serve as a chunk
// dictionary source.
func (c ChunkCitation) toRecord() (chunkrecord.Record, error) {
	var rec chunkrecord.Record
	if err := rec.SetCompressedOffset(c.CompressedOffset); err != nil {
		return chunkrecord.Record{}, err
	}
	if err := rec.SetCompressedSize(uint64(c.CompressedSize)); err != nil {
		return chunkrecord.Record{}, err
	}
	if err := rec.SetUncompressedOffset(c.UncompressedOffset); err != nil {
		return chunkrecord.Record{}, err
	}
	// A zero UncompressedSize marks a hole entry (chunkdict.Entry.Hole):
	// the record's size field is otherwise meaningless for a wildcard hit,
	// so 1 is stored as a placeholder to satisfy the wire format's
	// nonzero-size invariant rather than reject the citation outright.
	size := uint64(c.UncompressedSize)
	if size == 0 {
		size = 1
	}
	if err := rec.SetUncompressedSize(size); err != nil {
		return chunkrecord.Record{}, err
	}
	rec.SetCompressed(c.Compressed)
	return rec, nil
}
