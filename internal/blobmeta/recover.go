package blobmeta

import (
	"io"
	"os"

	"golang.org/x/xerrors"

	"github.com/rafsimage/builder/internal/chunkrecord"
	"github.com/rafsimage/builder/internal/errs"
	"github.com/rafsimage/builder/internal/rafscompress"
)

// BlobLocator describes where a blob's own embedded chunk-record array
// lives, as read from that blob's trailing header (see EmbedIntoBlob),
// before any <blob-path>.blob.meta side file exists to describe it.
type BlobLocator struct {
	CompressedOffset uint64
	CompressedSize   uint64
	UncompressedSize uint64
	Compressor       rafscompress.Algorithm
	EntryCount       uint32
	Aligned          bool
}

// OpenOrRecover opens path if it already holds a committed array. If path
// is absent or empty and both backend and loc are supplied, the array is
// instead fetched from the blob itself at loc's declared offset/size,
// decompressed into a freshly allocated buffer — never in place, since the
// resulting mapping may be shared across processes and in-place LZ4
// decompression is not re-entrant — and committed into path under the
// usual three-step discipline before being opened normally. This is the
// path a client takes the first time it sees a blob whose side file was
// never shipped alongside it.
func OpenOrRecover(path string, backend io.ReaderAt, loc *BlobLocator) (*Info, error) {
	st, statErr := os.Stat(path)
	if statErr == nil && st.Size() > 0 {
		return Open(path)
	}
	if statErr != nil && !os.IsNotExist(statErr) {
		return nil, xerrors.Errorf("blobmeta: stat %s: %w", path, errs.IoError)
	}
	if backend == nil || loc == nil {
		// No recovery material available; surface Open's own error (an
		// I/O error for a missing file, NotReady for an empty one) rather
		// than inventing a different one here.
		return Open(path)
	}

	compressedArray := make([]byte, loc.CompressedSize)
	if _, err := backend.ReadAt(compressedArray, int64(loc.CompressedOffset)); err != nil {
		return nil, xerrors.Errorf("blobmeta: read chunk-record array from blob backend: %w", errs.IoError)
	}
	array, err := rafscompress.Decompress(loc.Compressor, compressedArray, int(loc.UncompressedSize))
	if err != nil {
		return nil, xerrors.Errorf("blobmeta: decompress chunk-record array: %w", err)
	}
	records, err := decodeArray(array, loc.EntryCount)
	if err != nil {
		return nil, err
	}

	b := NewBuilder(loc.Aligned)
	for _, r := range records {
		b.Append(r)
	}
	if err := b.Commit(path, loc.Compressor, loc.CompressedOffset, loc.CompressedSize); err != nil {
		return nil, xerrors.Errorf("blobmeta: commit recovered side file %s: %w", path, err)
	}
	return Open(path)
}

// decodeArray parses a flat chunk-record array into count records,
// validating its length against the wire size the records imply.
func decodeArray(array []byte, count uint32) ([]chunkrecord.Record, error) {
	want := int(count) * chunkrecord.Size
	if len(array) < want {
		return nil, xerrors.Errorf("blobmeta: decompressed array %d bytes, want at least %d for %d entries: %w", len(array), want, count, errs.CorruptMetadata)
	}
	out := make([]chunkrecord.Record, count)
	for i := range out {
		r, err := chunkrecord.Decode(array[i*chunkrecord.Size:])
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}
