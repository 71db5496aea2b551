// Package blobmgr owns the ordered set of blobs participating in a build:
// blobs carried over from a parent bootstrap, blobs contributed by a chunk
// dictionary, and fresh blobs produced by the current build.
package blobmgr

import (
	"math"

	"golang.org/x/xerrors"

	"github.com/rafsimage/builder/internal/blobmeta"
	"github.com/rafsimage/builder/internal/blobwriter"
	"github.com/rafsimage/builder/internal/chunkdict"
	"github.com/rafsimage/builder/internal/chunkrecord"
	"github.com/rafsimage/builder/internal/errs"
	"github.com/rafsimage/builder/internal/rafscompress"
)

// BlobInfo is the bootstrap-facing summary of one blob, as it appears in
// the blob table.
type BlobInfo struct {
	ID               string
	ChunkCount       uint32
	CompressedSize   uint64
	UncompressedSize uint64
	Compressor       rafscompress.Algorithm
}

// Context is the per-blob build-time state: an allocated slot in the
// manager plus, for blobs actively being written in this build, the
// writer and meta-array builder that accumulate its bytes and records.
type Context struct {
	Index uint32
	Info  BlobInfo

	// Writer and Meta are nil for contexts that exist only as bookkeeping
	// (carried over from a parent bootstrap or a chunk dictionary): no
	// bytes are appended to them in this build.
	Writer *blobwriter.Writer
	Meta   *blobmeta.Builder

	// UncompressCursor tracks the next chunk's uncompressed offset; the
	// chunker advances it by each chunk's plaintext size and then rounds
	// it up to 4 KiB, whether or not the aligned_chunk option is set.
	UncompressCursor uint64

	// ImportedRecords holds the chunk-record array for a blob that was
	// carried over from a parent bootstrap or chunk dictionary rather than
	// written in this build (Meta is nil for such contexts).
	ImportedRecords []chunkrecord.Record
}

// Record returns the chunk record at chunkIndex, whether it lives in this
// build's in-progress meta builder or was imported from a prior build.
func (c *Context) Record(chunkIndex uint32) (chunkrecord.Record, error) {
	if c.Meta != nil {
		records := c.Meta.Records()
		if int(chunkIndex) >= len(records) {
			return chunkrecord.Record{}, xerrors.Errorf("blob %d: chunk index %d out of range: %w", c.Index, chunkIndex, errs.CorruptMetadata)
		}
		return records[chunkIndex], nil
	}
	if int(chunkIndex) >= len(c.ImportedRecords) {
		return chunkrecord.Record{}, xerrors.Errorf("blob %d: chunk index %d out of range: %w", c.Index, chunkIndex, errs.CorruptMetadata)
	}
	return c.ImportedRecords[chunkIndex], nil
}

// AllocChunkIndex reserves the next chunk-record slot in this blob,
// failing once the per-blob counter would overflow a uint32.
func (c *Context) AllocChunkIndex() (uint32, error) {
	if c.Info.ChunkCount == math.MaxUint32 {
		return 0, xerrors.Errorf("blob %d: chunk index overflow: %w", c.Index, errs.LimitExceeded)
	}
	idx := c.Info.ChunkCount
	c.Info.ChunkCount++
	return idx, nil
}

// Manager owns an ordered list of blob contexts. Blob order is always
// (parent blobs) then (dictionary-only blobs) then (new blobs in layer
// order), maintained by the order callers Add contexts in.
type Manager struct {
	blobs []*Context
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{}
}

// AllocIndex returns the index the next added context will receive,
// without adding one; it fails once that index would not fit in a uint32.
func (m *Manager) AllocIndex() (uint32, error) {
	if uint64(len(m.blobs)) > math.MaxUint32 {
		return 0, xerrors.Errorf("blob manager: blob count overflow: %w", errs.LimitExceeded)
	}
	return uint32(len(m.blobs)), nil
}

// Current returns the last-added context, the one new chunks append to.
func (m *Manager) Current() *Context {
	if len(m.blobs) == 0 {
		return nil
	}
	return m.blobs[len(m.blobs)-1]
}

// Add appends ctx, assigning it the next blob index, and returns that
// index.
func (m *Manager) Add(ctx *Context) uint32 {
	idx, _ := m.AllocIndex()
	ctx.Index = idx
	m.blobs = append(m.blobs, ctx)
	return idx
}

// Len returns the number of blobs owned by the manager.
func (m *Manager) Len() int {
	return len(m.blobs)
}

// Blob returns the context at index i.
func (m *Manager) Blob(i uint32) *Context {
	return m.blobs[i]
}

// Record resolves a (blobIndex, chunkIndexInBlob) pair to its chunk
// record, whichever blob owns it; it implements bootstrap.RecordSource.
func (m *Manager) Record(blobIndex, chunkIndexInBlob uint32) (chunkrecord.Record, error) {
	if int(blobIndex) >= len(m.blobs) {
		return chunkrecord.Record{}, xerrors.Errorf("blob manager: blob index %d out of range: %w", blobIndex, errs.CorruptMetadata)
	}
	return m.blobs[blobIndex].Record(chunkIndexInBlob)
}

func (m *Manager) findByID(id string) (uint32, bool) {
	for _, b := range m.blobs {
		if b.Info.ID == id {
			return b.Index, true
		}
	}
	return 0, false
}

// ExtendFromChunkDict imports every blob referenced by dict that is not
// already owned: if a dictionary blob's id matches one this manager
// already owns (e.g. because it was already carried over from the parent
// bootstrap), the dictionary's local index is remapped to that existing
// slot; otherwise a new bookkeeping-only context is allocated for it.
//
// Must be called after any parent bootstrap has already been imported, so
// that blob order remains (parent blobs) then (dictionary-only blobs)
// then (new blobs).
func (m *Manager) ExtendFromChunkDict(dict *chunkdict.Dict) error {
	if dict == nil {
		return nil
	}
	for i := 0; i < dict.NumSourceBlobs(); i++ {
		srcIdx := uint32(i)
		id := dict.SourceBlobID(srcIdx)
		if existing, ok := m.findByID(id); ok {
			dict.SetRemapBlob(srcIdx, existing)
			continue
		}
		idx := m.Add(&Context{Info: BlobInfo{ID: id}, ImportedRecords: dict.RecordsForSourceBlob(srcIdx)})
		dict.SetRemapBlob(srcIdx, idx)
	}
	return nil
}

// FromBlobTable resolves the source format's two competing
// from_blob_table definitions (see DESIGN.md) into a single function: it
// rebuilds a Manager from a previously-serialized blob table, then —
// when dict is non-nil — merges in any further blobs the chunk
// dictionary references that the table didn't already contain.
func FromBlobTable(table []BlobInfo, dict *chunkdict.Dict) (*Manager, error) {
	m := New()
	for _, info := range table {
		m.Add(&Context{Info: info})
	}
	if err := m.ExtendFromChunkDict(dict); err != nil {
		return nil, err
	}
	return m, nil
}

// ToBlobTable produces the bootstrap's blob table in slot order.
func (m *Manager) ToBlobTable() []BlobInfo {
	out := make([]BlobInfo, len(m.blobs))
	for i, b := range m.blobs {
		out[i] = b.Info
	}
	return out
}
