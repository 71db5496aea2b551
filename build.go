package rafsimage

import (
	"context"
	"os"

	"golang.org/x/xerrors"

	"github.com/rafsimage/builder/internal/blobmeta"
	"github.com/rafsimage/builder/internal/blobmgr"
	"github.com/rafsimage/builder/internal/blobwriter"
	"github.com/rafsimage/builder/internal/bootstrap"
	"github.com/rafsimage/builder/internal/chunkdict"
	"github.com/rafsimage/builder/internal/chunker"
	"github.com/rafsimage/builder/internal/cleanup"
	"github.com/rafsimage/builder/internal/errs"
	"github.com/rafsimage/builder/internal/rafscompress"
	"github.com/rafsimage/builder/internal/rlog"
	"github.com/rafsimage/builder/internal/tree"
)

// BuildOptions configures a single-source-directory build: walking
// SourceDir into a tree, chunking every regular file into at most one new
// blob, and emitting a bootstrap describing the result. It is the plain
// configuration struct a flag-parsing driver (an explicit external
// collaborator, not part of this package) would populate.
type BuildOptions struct {
	SourceDir string

	// Exactly one of BlobsDir/BlobPath must be set: BlobsDir names the
	// directory new blobs are finalized into under their content-addressed
	// id (blobwriter.BlobsDirStorage); BlobPath names a single fixed
	// output file instead (blobwriter.SingleFileStorage), for callers that
	// don't want blob ids as filenames.
	BlobsDir string
	BlobPath string

	BootstrapPath string

	// BlobID, if non-empty, overrides the content-addressed blob id that
	// would otherwise be derived from the finalized blob's SHA-256.
	BlobID string

	Chunker             chunker.Config
	ChunkInfoCompressor rafscompress.Algorithm

	// AlignSize, if non-zero, pads the bootstrap stream to a multiple of
	// AlignSize after every node record (bootstrap.Emitter.AlignSize).
	AlignSize uint64

	WhiteoutSpec   tree.WhiteoutSpec
	ExplicitUIDGID bool

	// ChunkDict, if non-nil, is consulted before the per-build cache for
	// every chunk: a hit reuses an existing chunk record instead of
	// writing a new one (spec.md §4.4).
	ChunkDict *chunkdict.Dict

	// ParentBlobTable seeds the blob manager with an existing blob table,
	// before ChunkDict's blobs and this build's own new blob.
	ParentBlobTable []blobmgr.BlobInfo
}

func (o BuildOptions) validate() error {
	if o.SourceDir == "" {
		return xerrors.Errorf("rafsimage: BuildOptions.SourceDir is required: %w", errs.InvalidArgument)
	}
	if (o.BlobsDir == "") == (o.BlobPath == "") {
		return xerrors.Errorf("rafsimage: exactly one of BlobsDir/BlobPath must be set: %w", errs.InvalidArgument)
	}
	if o.BootstrapPath == "" {
		return xerrors.Errorf("rafsimage: BuildOptions.BootstrapPath is required: %w", errs.InvalidArgument)
	}
	return o.Chunker.Validate()
}

func (o BuildOptions) blobStorage() blobwriter.Storage {
	if o.BlobsDir != "" {
		return blobwriter.BlobsDirStorage(o.BlobsDir)
	}
	return blobwriter.SingleFileStorage(o.BlobPath)
}

// BuildResult is Build's output: the bootstrap it wrote, plus the full
// blob table (parent blobs, dictionary blobs, and the new blob, in that
// order) any caller needs to resolve this build's chunk citations.
type BuildResult struct {
	BootstrapPath string
	Blobs         []blobmgr.BlobInfo

	// NewBlobID is the id of the blob this build wrote, empty if the
	// source directory contributed no new chunks (every file was empty,
	// or every chunk deduped against the parent table/dictionary).
	NewBlobID string
}

// Build walks opts.SourceDir into a tree, chunks every regular file
// against opts.ChunkDict and a fresh per-build cache, finalizes the
// resulting blob (discarding it if no new chunks were written), and
// emits the bootstrap describing the tree. It honors ctx cancellation
// (see InterruptibleContext) between files, leaving no partially-written
// blob or bootstrap behind on an aborted build.
func Build(ctx context.Context, opts BuildOptions) (*BuildResult, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	log := rlog.New()

	scope := cleanup.New()
	RegisterAtExit(scope.Release)
	defer scope.Release()

	mgr := blobmgr.New()
	for _, info := range opts.ParentBlobTable {
		mgr.Add(&blobmgr.Context{Info: info})
	}
	dict := opts.ChunkDict
	if dict == nil {
		dict = chunkdict.Empty()
	}
	if err := mgr.ExtendFromChunkDict(dict); err != nil {
		return nil, xerrors.Errorf("rafsimage: load chunk dictionary: %w", err)
	}

	t, err := tree.Build(opts.SourceDir, tree.BuildOptions{
		WhiteoutSpec:   opts.WhiteoutSpec,
		ExplicitUIDGID: opts.ExplicitUIDGID,
	})
	if err != nil {
		return nil, xerrors.Errorf("rafsimage: walk %s: %w", opts.SourceDir, err)
	}

	writer, err := blobwriter.NewWriter(opts.blobStorage(), scope)
	if err != nil {
		return nil, err
	}
	blobCtx := &blobmgr.Context{Writer: writer, Meta: blobmeta.NewBuilder(opts.Chunker.AlignedChunk)}
	mgr.Add(blobCtx)

	ch, err := chunker.New(opts.Chunker, dict, chunkdict.NewCache())
	if err != nil {
		return nil, err
	}

	if err := chunkRegularFiles(ctx, ch, blobCtx, t); err != nil {
		return nil, err
	}

	t.Finalize()

	blobWritten, err := blobmgr.FinalizeBlob(blobCtx, opts.ChunkInfoCompressor, opts.BlobID)
	if err != nil {
		return nil, err
	}
	if blobWritten {
		log.Debugf("rafsimage: build wrote blob %s (%d chunks)", blobCtx.Info.ID, blobCtx.Info.ChunkCount)
	} else {
		log.Debugf("rafsimage: build produced no new chunks, blob discarded")
	}

	if err := bootstrap.EmitToFile(t, mgr, opts.BootstrapPath, bootstrap.Emitter{AlignSize: opts.AlignSize}); err != nil {
		return nil, xerrors.Errorf("rafsimage: emit bootstrap %s: %w", opts.BootstrapPath, err)
	}

	scope.Forget()

	return &BuildResult{
		BootstrapPath: opts.BootstrapPath,
		Blobs:         mgr.ToBlobTable(),
		NewBlobID:     blobCtx.Info.ID,
	}, nil
}

// chunkRegularFiles walks t in DFS order and chunks every regular,
// non-empty file, checking
// ctx for cancellation between files so an interrupted build stops
// promptly instead of reading the rest of a large source tree.
func chunkRegularFiles(ctx context.Context, ch *chunker.Chunker, blobCtx *blobmgr.Context, t *tree.Tree) error {
	var walkErr error
	t.Walk(func(idx int, n *tree.Node) {
		if walkErr != nil || n.Kind != tree.Regular || n.Size == 0 {
			return
		}
		if err := ctx.Err(); err != nil {
			walkErr = xerrors.Errorf("rafsimage: build canceled: %w", err)
			return
		}
		f, err := os.Open(n.SourcePath())
		if err != nil {
			walkErr = xerrors.Errorf("rafsimage: open %s: %w", n.SourcePath(), errs.IoError)
			return
		}
		defer f.Close()

		if _, err := ch.ChunkFile(blobCtx, n, f, n.Size); err != nil {
			walkErr = err
		}
	})
	return walkErr
}
