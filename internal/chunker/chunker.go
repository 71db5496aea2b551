// Package chunker implements the per-file split -> digest -> dedup ->
// compress -> append pipeline that turns one regular file's bytes into a
// list of chunk references against a blob.
package chunker

import (
	"context"
	"io"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/rafsimage/builder/internal/blobmgr"
	"github.com/rafsimage/builder/internal/chunkdict"
	"github.com/rafsimage/builder/internal/chunkrecord"
	"github.com/rafsimage/builder/internal/digest"
	"github.com/rafsimage/builder/internal/errs"
	"github.com/rafsimage/builder/internal/rafscompress"
	"github.com/rafsimage/builder/internal/tree"
)

const (
	MinChunkSize     = 4 << 10
	MaxChunkSizeSpec = 1 << 20
	DefaultChunkSize = 1 << 20
)

// Config holds the per-build chunking parameters.
type Config struct {
	ChunkSize    uint64
	DigestAlgo   digest.Algorithm
	CompressAlgo rafscompress.Algorithm

	// AlignedChunk sets blobmeta's FeatureAligned4K flag in the blob's
	// chunk-info header. It does not change cursor arithmetic: the
	// uncompressed cursor is rounded up to 4 KiB after every chunk
	// whether or not it is set (see writeNewChunk).
	AlignedChunk bool
}

// Validate checks the chunk-size precondition before any I/O begins, per
// the reported-before-I/O-begins error policy.
func (c Config) Validate() error {
	if c.ChunkSize < MinChunkSize || c.ChunkSize > MaxChunkSizeSpec {
		return xerrors.Errorf("chunk size %d outside [%d, %d]: %w", c.ChunkSize, MinChunkSize, MaxChunkSizeSpec, errs.InvalidArgument)
	}
	if c.ChunkSize&(c.ChunkSize-1) != 0 {
		return xerrors.Errorf("chunk size %d is not a power of two: %w", c.ChunkSize, errs.InvalidArgument)
	}
	return nil
}

// Chunker drives the split/digest/dedup/compress/append pipeline for one
// build, against a shared blob context, chunk dictionary, and per-build
// cache.
type Chunker struct {
	cfg   Config
	dict  *chunkdict.Dict
	cache *chunkdict.Cache
}

// New returns a Chunker. dict may be chunkdict.Empty() when no
// chunk-dictionary bootstrap was supplied.
func New(cfg Config, dict *chunkdict.Dict, cache *chunkdict.Cache) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{cfg: cfg, dict: dict, cache: cache}, nil
}

// maxParallelSlices bounds the worker pool used for per-chunk digest and
// speculative compression within one file: wide enough to keep every core
// busy, narrow enough not to balloon memory on a file with many chunks
// (each worker holds one ChunkSize-sized slice in flight).
func maxParallelSlices() int {
	if n := runtime.GOMAXPROCS(0); n > 1 {
		return n
	}
	return 1
}

// slicePlan describes one chunk's byte range within the file, computed
// upfront so the digest/compress stage can run out of order.
type slicePlan struct {
	fileOffset uint64
	size       uint64
}

// sliceResult is one slicePlan's digest and speculative compression,
// computed off the critical path; resolveChunk below decides, in file
// order, whether the speculative compression is actually needed (a
// dictionary or cache hit discards it).
type sliceResult struct {
	digest     digest.Digest
	raw        []byte
	compressed []byte
}

// ChunkFile reads r (the full contents of one regular file, size bytes
// long) and populates n's Chunks list, appending any new chunk payloads to
// ctx's writer and meta-array builder. It returns the file-level digest: a
// running hash over the concatenation of chunk digests, not over file
// plaintext, so two files with identical chunk sequences (even via
// dedup-shared chunks) produce the same inode digest.
//
// Per-chunk digesting and speculative compression run concurrently, up to
// maxParallelSlices workers, against r via ReadAt; only the final
// dictionary/cache-resolution and blob-append step runs in strict chunk
// order, per spec.md §4.4/§5's "digest/compress may run in parallel per
// chunk within one file but records must be appended in chunk order".
func (ch *Chunker) ChunkFile(ctx *blobmgr.Context, n *tree.Node, r io.ReaderAt, size uint64) (digest.Digest, error) {
	if size == 0 {
		return digest.Digest{}, nil
	}

	plans := planSlices(ch.cfg.ChunkSize, size)
	results := make([]sliceResult, len(plans))

	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(maxParallelSlices())
	for i, p := range plans {
		i, p := i, p
		g.Go(func() error {
			raw := make([]byte, p.size)
			if _, err := r.ReadAt(raw, int64(p.fileOffset)); err != nil {
				return xerrors.Errorf("chunker: read %s at %d: %w", n.Name, p.fileOffset, errs.IoError)
			}
			dig, err := digest.Of(ch.cfg.DigestAlgo, raw)
			if err != nil {
				return err
			}
			compressed, err := rafscompress.Compress(ch.cfg.CompressAlgo, raw)
			if err != nil {
				return err
			}
			results[i] = sliceResult{digest: dig, raw: raw, compressed: compressed}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return digest.Digest{}, err
	}

	fileHasher, err := digest.New(ch.cfg.DigestAlgo)
	if err != nil {
		return digest.Digest{}, err
	}

	n.Chunks = make([]tree.ChunkRef, 0, len(plans))
	for i, p := range plans {
		res := results[i]
		if _, err := fileHasher.Write(res.digest[:]); err != nil {
			return digest.Digest{}, xerrors.Errorf("chunker: file digest update: %w", err)
		}
		ref, err := ch.resolveChunk(ctx, res, p.fileOffset)
		if err != nil {
			return digest.Digest{}, err
		}
		n.Chunks = append(n.Chunks, ref)
	}
	return fileHasher.Sum(), nil
}

// planSlices computes each chunk's file-offset/size pair upfront, without
// reading any bytes, so the parallel stage can dispatch by index.
func planSlices(chunkSize, size uint64) []slicePlan {
	n := (size + chunkSize - 1) / chunkSize
	plans := make([]slicePlan, 0, n)
	for off := uint64(0); off < size; off += chunkSize {
		want := chunkSize
		if remaining := size - off; remaining < want {
			want = remaining
		}
		plans = append(plans, slicePlan{fileOffset: off, size: want})
	}
	return plans
}

// resolveChunk looks dig up in the dictionary then the per-build cache
// (dictionary first); on a hit it reuses the existing chunk record with a
// patched file_offset and writes no bytes, discarding res's speculative
// compression. On a miss it appends the already-compressed bytes from res
// to ctx and records it into the cache.
func (ch *Chunker) resolveChunk(ctx *blobmgr.Context, res sliceResult, fileOffset uint64) (tree.ChunkRef, error) {
	dig := res.digest
	if e, ok := ch.dict.Lookup(dig, uint64(len(res.raw))); ok {
		blobIndex, ok := ch.dict.RemapBlob(e.SourceBlobIndex)
		if !ok {
			return tree.ChunkRef{}, xerrors.Errorf("chunker: dictionary blob %d not remapped: %w", e.SourceBlobIndex, errs.InvalidArgument)
		}
		return tree.ChunkRef{BlobIndex: blobIndex, ChunkIndexInBlob: e.ChunkIndex, FileOffset: fileOffset, Digest: dig}, nil
	}
	if e, ok := ch.cache.Lookup(dig); ok {
		return tree.ChunkRef{BlobIndex: e.BlobIndex, ChunkIndexInBlob: e.ChunkIndex, FileOffset: fileOffset, Digest: dig}, nil
	}
	return ch.writeNewChunk(ctx, res, fileOffset)
}

// writeNewChunk appends res's bytes (compressed, or raw if compression
// didn't shrink it) to ctx, having already been computed by ChunkFile's
// parallel stage.
func (ch *Chunker) writeNewChunk(ctx *blobmgr.Context, res sliceResult, fileOffset uint64) (tree.ChunkRef, error) {
	dig := res.digest
	slice := res.raw
	store := res.compressed
	isCompressed := ch.cfg.CompressAlgo != rafscompress.None && len(res.compressed) < len(slice)
	if !isCompressed {
		store = slice
	}

	chunkIdx, err := ctx.AllocChunkIndex()
	if err != nil {
		return tree.ChunkRef{}, err
	}

	compOffset := ctx.Writer.Pos()
	if _, err := ctx.Writer.Write(store); err != nil {
		return tree.ChunkRef{}, xerrors.Errorf("chunker: append chunk: %w", errs.IoError)
	}

	var rec chunkrecord.Record
	if err := rec.SetCompressedOffset(compOffset); err != nil {
		return tree.ChunkRef{}, err
	}
	if err := rec.SetCompressedSize(uint64(len(store))); err != nil {
		return tree.ChunkRef{}, err
	}
	if err := rec.SetUncompressedOffset(ctx.UncompressCursor); err != nil {
		return tree.ChunkRef{}, err
	}
	if err := rec.SetUncompressedSize(uint64(len(slice))); err != nil {
		return tree.ChunkRef{}, err
	}
	rec.SetCompressed(isCompressed)

	ctx.Meta.Append(rec)

	// The wire format requires every uncompressed offset to be 4 KiB
	// aligned (SetUncompressedOffset enforces it), so the cursor always
	// rounds up after a chunk shorter than the alignment — this only ever
	// bites the last, short chunk of a file, since every full chunk's size
	// is itself a power of two no smaller than 4096. The aligned_chunk
	// config option additionally asserts blobmeta's FeatureAligned4K flag,
	// signaling to clients that no chunk's own size needs rounding either.
	ctx.UncompressCursor = chunkrecord.RoundUp4K(ctx.UncompressCursor + uint64(len(slice)))

	ch.cache.Insert(dig, chunkdict.CacheEntry{BlobIndex: ctx.Index, ChunkIndex: chunkIdx, Record: rec})

	return tree.ChunkRef{BlobIndex: ctx.Index, ChunkIndexInBlob: chunkIdx, FileOffset: fileOffset, Digest: dig}, nil
}
