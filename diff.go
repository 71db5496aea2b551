package rafsimage

import (
	"context"
	"os"

	"golang.org/x/xerrors"

	"github.com/rafsimage/builder/internal/blobmgr"
	"github.com/rafsimage/builder/internal/bootstrap"
	"github.com/rafsimage/builder/internal/chunkdict"
	"github.com/rafsimage/builder/internal/chunker"
	"github.com/rafsimage/builder/internal/cleanup"
	"github.com/rafsimage/builder/internal/diffplanner"
	"github.com/rafsimage/builder/internal/errs"
	"github.com/rafsimage/builder/internal/rafscompress"
	"github.com/rafsimage/builder/internal/rlog"
	"github.com/rafsimage/builder/internal/tree"
)

// DiffOptions configures a multi-layer diff build: one diffplanner.Layer
// per image layer, each producing its own tree and (when it contributes
// new chunks) its own blob, against a blob table and chunk dictionary
// shared across every layer.
type DiffOptions struct {
	Layers []diffplanner.Layer

	// BootstrapPathForLayer names the output bootstrap path for a given
	// layer index; DiffBuild emits one bootstrap file per layer since each
	// layer's tree is only the overlay view up to and including it.
	BootstrapPathForLayer func(layerIndex int) string

	BlobsDir string

	Chunker             chunker.Config
	ChunkInfoCompressor rafscompress.Algorithm
	AlignSize           uint64

	WhiteoutSpec   tree.WhiteoutSpec
	ExplicitUIDGID bool
	UseOverlayHint bool

	// ChunkDictBootstrapPath, if set, is read and parsed into a
	// chunkdict.Dict shared by every layer (LoadChunkDict).
	ChunkDictBootstrapPath string
	ChunkDictBlobIDs       []string

	ParentBlobTable  []blobmgr.BlobInfo
	ParentLayerTrees []*tree.Tree
	SkipLayers       int
}

func (o DiffOptions) validate() error {
	if len(o.Layers) == 0 {
		return xerrors.Errorf("rafsimage: DiffOptions.Layers must be non-empty: %w", errs.InvalidArgument)
	}
	if o.BootstrapPathForLayer == nil {
		return xerrors.Errorf("rafsimage: DiffOptions.BootstrapPathForLayer is required: %w", errs.InvalidArgument)
	}
	if o.BlobsDir == "" {
		return xerrors.Errorf("rafsimage: DiffOptions.BlobsDir is required: %w", errs.InvalidArgument)
	}
	return o.Chunker.Validate()
}

// DiffResult is DiffBuild's output: one bootstrap path per layer plus the
// shared blob table and blob manager result from diffplanner.Plan.
type DiffResult struct {
	BootstrapPaths []string
	Blobs          []blobmgr.BlobInfo
	Layers         []diffplanner.LayerResult
}

// LoadChunkDict reads the bootstrap at path and parses it into a chunk
// dictionary over every chunk citation it contains, whose source blob ids
// (indexed by the citations' blob indices) are blobIDs.
func LoadChunkDict(path string, blobIDs []string) (*chunkdict.Dict, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("rafsimage: open chunk-dict bootstrap %s: %w", path, errs.IoError)
	}
	defer f.Close()
	dict, err := bootstrap.BuildDict(f, blobIDs)
	if err != nil {
		return nil, xerrors.Errorf("rafsimage: parse chunk-dict bootstrap %s: %w", path, err)
	}
	return dict, nil
}

// DiffBuild runs diffplanner.Plan over opts.Layers and emits one
// bootstrap file per layer, honoring ctx cancellation between layers. A
// layer whose SnapshotDir/HintDir produces no new chunks writes no blob
// file (diffplanner discards it), but its slot stays in the returned blob
// table with an empty ID and a zero chunk count. The table is in
// (parent, dictionary, new-per-layer) order.
func DiffBuild(ctx context.Context, opts DiffOptions) (*DiffResult, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	log := rlog.New()

	dict := (*chunkdict.Dict)(nil)
	if opts.ChunkDictBootstrapPath != "" {
		d, err := LoadChunkDict(opts.ChunkDictBootstrapPath, opts.ChunkDictBlobIDs)
		if err != nil {
			return nil, err
		}
		dict = d
	}

	scope := cleanup.New()
	RegisterAtExit(scope.Release)
	defer scope.Release()

	if err := ctx.Err(); err != nil {
		return nil, xerrors.Errorf("rafsimage: diff build canceled before planning: %w", err)
	}

	result, err := diffplanner.Plan(opts.Layers, diffplanner.Options{
		Chunker:             opts.Chunker,
		WhiteoutSpec:        opts.WhiteoutSpec,
		ExplicitUIDGID:      opts.ExplicitUIDGID,
		UseOverlayHint:      opts.UseOverlayHint,
		Dict:                dict,
		ChunkInfoCompressor: opts.ChunkInfoCompressor,
		ParentBlobTable:     opts.ParentBlobTable,
		ParentLayerTrees:    opts.ParentLayerTrees,
		SkipLayers:          opts.SkipLayers,
		BlobsDir:            opts.BlobsDir,
	}, scope)
	if err != nil {
		return nil, err
	}

	paths := make([]string, len(result.Layers))
	for _, layerResult := range result.Layers {
		if err := ctx.Err(); err != nil {
			return nil, xerrors.Errorf("rafsimage: diff build canceled before emitting layer %d's bootstrap: %w", layerResult.Index, err)
		}
		path := opts.BootstrapPathForLayer(layerResult.Index)
		if path == "" {
			return nil, xerrors.Errorf("rafsimage: empty bootstrap path for layer %d: %w", layerResult.Index, errs.InvalidArgument)
		}
		if err := bootstrap.EmitToFile(layerResult.Tree, result.Manager, path, bootstrap.Emitter{AlignSize: opts.AlignSize}); err != nil {
			return nil, xerrors.Errorf("rafsimage: emit bootstrap for layer %d: %w", layerResult.Index, err)
		}
		paths[layerResult.Index] = path
		log.Debugf("rafsimage: layer %d bootstrap written to %s (blob written: %v)", layerResult.Index, path, layerResult.BlobWritten)
	}

	scope.Forget()

	return &DiffResult{
		BootstrapPaths: paths,
		Blobs:          result.Manager.ToBlobTable(),
		Layers:         result.Layers,
	}, nil
}
