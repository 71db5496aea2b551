// Package chunkdict implements the immutable chunk dictionary loaded from a
// prior bootstrap, and the mutable per-build chunk cache populated as new
// chunks are written. Both are keyed by content digest.
package chunkdict

import (
	"github.com/rafsimage/builder/internal/chunkrecord"
	"github.com/rafsimage/builder/internal/digest"
)

// Entry describes one chunk dictionary hit: which source blob it lives in
// (an index local to the dictionary's own blob list, remapped into the
// current build's blob table by the blob manager) and its chunk record.
//
// Hole marks an entry whose source recorded decompress_size == 0. The
// source format leaves it ambiguous whether that means "a genuine
// zero-length hole" or "size unknown"; this implementation treats it as a
// wildcard hit that matches any queried size, per the documented Open
// Question resolution in DESIGN.md.
type Entry struct {
	SourceBlobIndex uint32
	ChunkIndex      uint32
	Record          chunkrecord.Record
	Hole            bool
}

// Dict is the immutable digest -> (source_blob_index, chunk_record)
// mapping loaded from a prior bootstrap, plus the mutable
// source_blob_index -> real_blob_index side mapping assigned as blobs are
// first referenced in the current build.
type Dict struct {
	entries map[digest.Digest]Entry
	blobIDs []string
	remap   map[uint32]uint32

	// records holds, per dictionary-local source blob index, the full
	// chunk-record array in chunk-index order — unlike entries (deduped
	// by digest), every citation the source bootstrap made contributes
	// here, since a blob manager context carried over from this
	// dictionary must answer Record(chunkIndex) for any chunk index a
	// reused file cites, not only the one digest happened to be resolved
	// through first.
	records map[uint32][]chunkrecord.Record
}

// New returns a Dict over entries, whose source blob ids (indexed by
// SourceBlobIndex) are blobIDs. records holds, per source blob index, the
// full chunk-record array that blob's own bootstrap citations describe.
func New(blobIDs []string, entries map[digest.Digest]Entry, records map[uint32][]chunkrecord.Record) *Dict {
	if entries == nil {
		entries = make(map[digest.Digest]Entry)
	}
	if records == nil {
		records = make(map[uint32][]chunkrecord.Record)
	}
	return &Dict{
		entries: entries,
		blobIDs: blobIDs,
		remap:   make(map[uint32]uint32),
		records: records,
	}
}

// Empty returns a Dict with no entries, used when no chunk-dictionary
// bootstrap was supplied.
func Empty() *Dict {
	return New(nil, nil, nil)
}

// RecordsForSourceBlob returns the full chunk-record array belonging to a
// dictionary-local source blob index, for seeding a blob manager context
// that carries the blob over without rewriting it.
func (d *Dict) RecordsForSourceBlob(sourceIndex uint32) []chunkrecord.Record {
	return d.records[sourceIndex]
}

// NumSourceBlobs returns the number of blobs known to the dictionary.
func (d *Dict) NumSourceBlobs() int {
	return len(d.blobIDs)
}

// SourceBlobID returns the blob-id string for a dictionary-local blob
// index.
func (d *Dict) SourceBlobID(sourceIndex uint32) string {
	return d.blobIDs[sourceIndex]
}

// Lookup finds the entry for dig, if any. wantSize is the actual
// uncompressed size of the slice being looked up; a non-hole entry whose
// recorded size disagrees with wantSize is treated as a miss, since a
// digest collision across different sizes is not trusted blindly.
func (d *Dict) Lookup(dig digest.Digest, wantSize uint64) (Entry, bool) {
	e, ok := d.entries[dig]
	if !ok {
		return Entry{}, false
	}
	if !e.Hole && e.Record.UncompressedSize() != wantSize {
		return Entry{}, false
	}
	return e, true
}

// RemapBlob returns the real (current-build) blob index a dictionary-local
// source blob index has been assigned, if it has been referenced yet.
func (d *Dict) RemapBlob(sourceIndex uint32) (uint32, bool) {
	real, ok := d.remap[sourceIndex]
	return real, ok
}

// SetRemapBlob records that dictionary-local sourceIndex now corresponds
// to realIndex in the current build's blob table.
func (d *Dict) SetRemapBlob(sourceIndex, realIndex uint32) {
	d.remap[sourceIndex] = realIndex
}

// Cache is the mutable per-build digest -> (current_blob_index,
// chunk_record) mapping populated as new chunks are compressed and
// appended. Unlike Dict it is never loaded from disk and never shared
// across builds.
type Cache struct {
	entries map[digest.Digest]CacheEntry
}

// CacheEntry is one per-build cache hit. ChunkIndex is the index the
// record was appended at in BlobIndex's meta array; it is carried here
// rather than recovered by scanning that blob's meta, since a cache hit
// may name a different blob than the one currently being chunked (a
// cross-layer hit against an earlier layer's own blob).
type CacheEntry struct {
	BlobIndex  uint32
	ChunkIndex uint32
	Record     chunkrecord.Record
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[digest.Digest]CacheEntry)}
}

// Lookup finds dig in the cache, if present.
func (c *Cache) Lookup(dig digest.Digest) (CacheEntry, bool) {
	e, ok := c.entries[dig]
	return e, ok
}

// Insert records a newly written chunk under its digest.
func (c *Cache) Insert(dig digest.Digest, e CacheEntry) {
	c.entries[dig] = e
}
