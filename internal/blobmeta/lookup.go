package blobmeta

import (
	"golang.org/x/xerrors"

	"github.com/rafsimage/builder/internal/chunkrecord"
	"github.com/rafsimage/builder/internal/errs"
)

// coords abstracts the two coordinate spaces (uncompressed, compressed) a
// range-to-chunks query can run over, so GetChunksUncompressed and
// GetChunksCompressed share one implementation.
type coords struct {
	offset func(chunkrecord.Record) uint64
	end    func(chunkrecord.Record) uint64 // the boundary used for both containment and the next-chunk contiguity check
	total  func(Header) uint64
}

var uncompressedCoords = coords{
	offset: chunkrecord.Record.UncompressedOffset,
	end:    chunkrecord.Record.AlignedUncompressedEnd,
	total:  func(h Header) uint64 { return h.UncompressedSize },
}

var compressedCoords = coords{
	offset: chunkrecord.Record.CompressedOffset,
	end:    chunkrecord.Record.CompressedEnd,
	total:  func(h Header) uint64 { return h.CompressedSize },
}

// findIndex performs the branchless-style binary search for the record
// whose span contains start, then validates and applies the hole tie-break:
// if start lands exactly on a chunk's end boundary, the candidate becomes
// the next record, matching §4.2's tie-break rule.
func findIndex(records []chunkrecord.Record, c coords, start uint64) (int, bool) {
	if len(records) == 0 || start < c.offset(records[0]) {
		return 0, false
	}
	lo, hi := 0, len(records)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if c.offset(records[mid]) <= start {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	candidate := lo
	if start == c.end(records[lo]) {
		candidate = lo + 1
	}
	if candidate >= len(records) {
		return 0, false
	}
	if c.offset(records[candidate]) <= start && start < c.end(records[candidate]) {
		return candidate, true
	}
	return 0, false
}

// getChunks implements the shared range-to-chunks algorithm (§4.2) for
// either coordinate space.
func (info *Info) getChunks(c coords, start, size, batchSize uint64) ([]chunkrecord.Record, error) {
	if size == 0 {
		return nil, xerrors.Errorf("blobmeta: zero-length range query: %w", errs.InvalidArgument)
	}
	records, err := info.records()
	if err != nil {
		return nil, err
	}
	idx, ok := findIndex(records, c, start)
	if !ok {
		return nil, xerrors.Errorf("blobmeta: no chunk covers offset %d: %w", start, errs.CorruptMetadata)
	}

	total := c.total(info.header)
	if err := validateChunk(records[idx], c, total); err != nil {
		return nil, err
	}

	end := start + size
	batchEnd := end
	if batchSize > end-start {
		batchEnd = start + batchSize
	}

	result := []chunkrecord.Record{records[idx]}
	lastEnd := c.end(records[idx])
	i := idx
	for lastEnd < end {
		next := i + 1
		if next >= len(records) {
			return nil, xerrors.Errorf("blobmeta: range [%d,%d) runs past the last chunk: %w", start, end, errs.CorruptMetadata)
		}
		if !info.StargzMode && c.offset(records[next]) != lastEnd {
			return nil, xerrors.Errorf("blobmeta: gap between chunk %d and %d: %w", i, next, errs.CorruptMetadata)
		}
		if err := validateChunk(records[next], c, total); err != nil {
			return nil, err
		}
		result = append(result, records[next])
		i = next
		lastEnd = c.end(records[next])
	}

	// Read-amplification: extend forward while still inside batchEnd and
	// contiguous, purely best-effort (a gap or overflow just stops it).
	for lastEnd < batchEnd {
		next := i + 1
		if next >= len(records) {
			break
		}
		if !info.StargzMode && c.offset(records[next]) != lastEnd {
			break
		}
		if validateChunk(records[next], c, total) != nil {
			break
		}
		if c.end(records[next]) > batchEnd {
			break
		}
		result = append(result, records[next])
		i = next
		lastEnd = c.end(records[next])
	}

	return result, nil
}

// validateChunk checks a visited record against the blob's declared totals.
func validateChunk(r chunkrecord.Record, c coords, total uint64) error {
	if c.end(r) > total {
		return xerrors.Errorf("blobmeta: chunk end %d exceeds declared total %d: %w", c.end(r), total, errs.CorruptMetadata)
	}
	return nil
}

// GetChunksUncompressed returns the ordered chunks covering
// [start, start+size) in uncompressed coordinates, optionally extended
// forward to start+batchSize for read-amplification.
func (info *Info) GetChunksUncompressed(start, size, batchSize uint64) ([]chunkrecord.Record, error) {
	return info.getChunks(uncompressedCoords, start, size, batchSize)
}

// GetChunksCompressed returns the ordered chunks covering
// [start, start+size) in compressed coordinates.
func (info *Info) GetChunksCompressed(start, size, batchSize uint64) ([]chunkrecord.Record, error) {
	return info.getChunks(compressedCoords, start, size, batchSize)
}

// AddMoreChunks walks forward from the last chunk of tail, in uncompressed
// coordinates, appending contiguous chunks until max additional compressed
// bytes have been reached or a gap/overflow stops it. It returns nil if no
// extension was possible.
func (info *Info) AddMoreChunks(tail []chunkrecord.Record, maxExtra uint64) ([]chunkrecord.Record, error) {
	if len(tail) == 0 {
		return nil, xerrors.Errorf("blobmeta: AddMoreChunks on an empty tail: %w", errs.InvalidArgument)
	}
	records, err := info.records()
	if err != nil {
		return nil, err
	}
	last := tail[len(tail)-1]
	idx, ok := findIndex(records, uncompressedCoords, last.UncompressedOffset())
	if !ok {
		return nil, xerrors.Errorf("blobmeta: AddMoreChunks: tail's last chunk not found in array: %w", errs.CorruptMetadata)
	}

	total := compressedCoords.total(info.header)
	startCompressed := last.CompressedOffset()
	extended := append([]chunkrecord.Record(nil), tail...)
	extendedAny := false
	i := idx
	lastUncompressedEnd := uncompressedCoords.end(last)
	for records[i].CompressedEnd()-startCompressed < maxExtra {
		next := i + 1
		if next >= len(records) {
			break
		}
		if !info.StargzMode && uncompressedCoords.offset(records[next]) != lastUncompressedEnd {
			break
		}
		if records[next].CompressedEnd() > total {
			break
		}
		if records[next].CompressedEnd()-startCompressed > maxExtra {
			break
		}
		extended = append(extended, records[next])
		extendedAny = true
		i = next
		lastUncompressedEnd = uncompressedCoords.end(records[next])
	}
	if !extendedAny {
		return nil, nil
	}
	return extended, nil
}
