// Package diffplanner orchestrates a multi-layer diff build: walking each
// layer's directory, chunking its regular files against a shared chunk
// dictionary and per-build cache, and assigning each layer's new chunks to
// its own fresh blob.
package diffplanner

import (
	"os"

	"golang.org/x/xerrors"

	"github.com/rafsimage/builder/internal/blobmeta"
	"github.com/rafsimage/builder/internal/blobmgr"
	"github.com/rafsimage/builder/internal/blobwriter"
	"github.com/rafsimage/builder/internal/chunkdict"
	"github.com/rafsimage/builder/internal/chunker"
	"github.com/rafsimage/builder/internal/cleanup"
	"github.com/rafsimage/builder/internal/errs"
	"github.com/rafsimage/builder/internal/rafscompress"
	"github.com/rafsimage/builder/internal/rlog"
	"github.com/rafsimage/builder/internal/tree"
)

// Layer names one layer's source directories. HintDir is the upper
// directory containing only this layer's added/changed entries (used when
// Options.UseOverlayHint is set); SnapshotDir is the fully-materialized
// overlay view of every layer up to and including this one.
type Layer struct {
	SnapshotDir string
	HintDir     string
}

// Options configures one diff build.
type Options struct {
	Chunker        chunker.Config
	WhiteoutSpec   tree.WhiteoutSpec
	ExplicitUIDGID bool

	// UseOverlayHint selects walking each layer's HintDir instead of its
	// SnapshotDir, when the caller has `--diff-overlay-hint` semantics
	// available (the exact added/changed set, rather than the full
	// overlay view that must be diffed indirectly).
	UseOverlayHint bool

	Dict *chunkdict.Dict

	// ChunkInfoCompressor selects the compressor used for the chunk-record
	// array embedded in each new blob (and mirrored into its .blob.meta
	// side file); it defaults to rafscompress.None's zero value.
	ChunkInfoCompressor rafscompress.Algorithm

	// ParentBlobTable seeds the blob manager with a parent build's blobs,
	// before the chunk dictionary's blobs and this build's new blobs.
	ParentBlobTable []blobmgr.BlobInfo

	// ParentLayerTrees holds, for layer indices below SkipLayers, the
	// already-built tree to reuse verbatim instead of walking and
	// chunking that layer's directory: its chunk references keep their
	// existing (blob_index, chunk_index) pairs, and no file bytes are
	// read.
	ParentLayerTrees []*tree.Tree
	SkipLayers       int

	BlobsDir string
}

// LayerResult is one layer's build output.
type LayerResult struct {
	Index       int
	Tree        *tree.Tree
	BlobWritten bool
	BlobID      string
}

// Result is the full diff build's output: one tree per layer plus the
// shared blob manager describing every blob (parent, dictionary, and new)
// the resulting per-layer bootstraps may reference.
type Result struct {
	Layers  []LayerResult
	Manager *blobmgr.Manager
}

// Plan runs the build: Init -> ImportParent -> LoadDict -> (PerLayer: Walk
// -> Chunk -> EmitBootstrap, left to the caller) -> Finalize. scope
// collects every blob writer's abort-time cleanup; the caller releases it
// once every layer's bootstrap has also been committed, or immediately on
// a returned error to discard all in-progress blobs.
func Plan(layers []Layer, opts Options, scope *cleanup.Scope) (*Result, error) {
	log := rlog.New()

	mgr := blobmgr.New()
	for _, info := range opts.ParentBlobTable {
		mgr.Add(&blobmgr.Context{Info: info})
	}
	if opts.Dict == nil {
		opts.Dict = chunkdict.Empty()
	}
	if err := mgr.ExtendFromChunkDict(opts.Dict); err != nil {
		return nil, xerrors.Errorf("diffplanner: load chunk dictionary: %w", err)
	}

	cache := chunkdict.NewCache()

	results := make([]LayerResult, 0, len(layers))
	for idx, layer := range layers {
		if idx < opts.SkipLayers && idx < len(opts.ParentLayerTrees) && opts.ParentLayerTrees[idx] != nil {
			log.Debugf("diffplanner: layer %d carried over from parent bootstrap, skip_layers=%d", idx, opts.SkipLayers)
			results = append(results, LayerResult{Index: idx, Tree: opts.ParentLayerTrees[idx]})
			continue
		}

		res, err := planLayer(idx, layer, opts, mgr, cache, scope, log)
		if err != nil {
			return nil, xerrors.Errorf("diffplanner: layer %d: %w", idx, err)
		}
		results = append(results, res)
	}

	return &Result{Layers: results, Manager: mgr}, nil
}

func planLayer(idx int, layer Layer, opts Options, mgr *blobmgr.Manager, cache *chunkdict.Cache, scope *cleanup.Scope, log debugLogger) (LayerResult, error) {
	dir := layer.SnapshotDir
	if opts.UseOverlayHint && layer.HintDir != "" {
		dir = layer.HintDir
	}

	t, err := tree.Build(dir, tree.BuildOptions{WhiteoutSpec: opts.WhiteoutSpec, ExplicitUIDGID: opts.ExplicitUIDGID})
	if err != nil {
		return LayerResult{}, err
	}

	writer, err := blobwriter.NewWriter(blobwriter.BlobsDirStorage(opts.BlobsDir), scope)
	if err != nil {
		return LayerResult{}, err
	}
	meta := blobmeta.NewBuilder(opts.Chunker.AlignedChunk)
	ctx := &blobmgr.Context{Writer: writer, Meta: meta}
	mgr.Add(ctx)

	ch, err := chunker.New(opts.Chunker, opts.Dict, cache)
	if err != nil {
		return LayerResult{}, err
	}

	if err := chunkRegularFiles(ch, ctx, t); err != nil {
		return LayerResult{}, err
	}

	t.Finalize()

	blobWritten, err := blobmgr.FinalizeBlob(ctx, opts.ChunkInfoCompressor, "")
	if err != nil {
		return LayerResult{}, err
	}
	if blobWritten {
		log.Debugf("diffplanner: layer %d wrote blob %s (%d chunks)", idx, ctx.Info.ID, ctx.Info.ChunkCount)
	} else {
		log.Debugf("diffplanner: layer %d produced no new chunks, blob discarded", idx)
	}

	return LayerResult{Index: idx, Tree: t, BlobWritten: blobWritten, BlobID: ctx.Info.ID}, nil
}

// chunkRegularFiles walks t in DFS order and chunks every regular,
// non-empty file, every occurrence of a hardlinked inode included (a
// repeated occurrence's chunks hit the per-build cache, so no bytes are
// appended twice); Finalize afterward gives all occurrences the chunk list
// of the first one added to the tree.
func chunkRegularFiles(ch *chunker.Chunker, ctx *blobmgr.Context, t *tree.Tree) error {
	var walkErr error
	t.Walk(func(idx int, n *tree.Node) {
		if walkErr != nil || n.Kind != tree.Regular || n.Size == 0 {
			return
		}
		f, err := os.Open(n.SourcePath())
		if err != nil {
			walkErr = xerrors.Errorf("diffplanner: open %s: %w", n.SourcePath(), errs.IoError)
			return
		}
		defer f.Close()

		if _, err := ch.ChunkFile(ctx, n, f, n.Size); err != nil {
			walkErr = err
		}
	})
	return walkErr
}

// debugLogger is the minimal surface diffplanner needs from rlog's logger,
// kept narrow so tests can swap in a no-op without pulling in logrus.
type debugLogger interface {
	Debugf(format string, args ...interface{})
}
