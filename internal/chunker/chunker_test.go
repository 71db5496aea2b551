package chunker

import (
	"bytes"
	"testing"

	"github.com/rafsimage/builder/internal/blobmeta"
	"github.com/rafsimage/builder/internal/blobmgr"
	"github.com/rafsimage/builder/internal/blobwriter"
	"github.com/rafsimage/builder/internal/chunkdict"
	"github.com/rafsimage/builder/internal/cleanup"
	"github.com/rafsimage/builder/internal/digest"
	"github.com/rafsimage/builder/internal/rafscompress"
	"github.com/rafsimage/builder/internal/tree"
)

func newTestContext(t *testing.T, dir string) (*blobmgr.Context, *cleanup.Scope) {
	t.Helper()
	scope := cleanup.New()
	w, err := blobwriter.NewWriter(blobwriter.SingleFileStorage(dir+"/blob0"), scope)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	return &blobmgr.Context{Index: 0, Writer: w, Meta: blobmeta.NewBuilder(false)}, scope
}

func TestDedupSharesChunkReferences(t *testing.T) {
	dir := t.TempDir()
	ctx, scope := newTestContext(t, dir)
	defer scope.Release()

	cache := chunkdict.NewCache()
	ch, err := New(Config{ChunkSize: MinChunkSize, DigestAlgo: digest.SHA256, CompressAlgo: rafscompress.None}, chunkdict.Empty(), cache)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	content := bytes.Repeat([]byte("x"), MinChunkSize)

	n1 := &tree.Node{Name: "f1", Kind: tree.Regular}
	if _, err := ch.ChunkFile(ctx, n1, bytes.NewReader(content), uint64(len(content))); err != nil {
		t.Fatalf("chunk f1: %v", err)
	}

	n2 := &tree.Node{Name: "f2", Kind: tree.Regular}
	if _, err := ch.ChunkFile(ctx, n2, bytes.NewReader(content), uint64(len(content))); err != nil {
		t.Fatalf("chunk f2: %v", err)
	}

	if len(n1.Chunks) != 1 || len(n2.Chunks) != 1 {
		t.Fatalf("expected one chunk ref each, got %d and %d", len(n1.Chunks), len(n2.Chunks))
	}
	if n1.Chunks[0].BlobIndex != n2.Chunks[0].BlobIndex || n1.Chunks[0].ChunkIndexInBlob != n2.Chunks[0].ChunkIndexInBlob {
		t.Fatalf("expected identical chunk references, got %+v and %+v", n1.Chunks[0], n2.Chunks[0])
	}
	if ctx.Meta.Len() != 1 {
		t.Fatalf("expected exactly one chunk record written, got %d", ctx.Meta.Len())
	}
}

func TestAlignedChunkRoundsUncompressedOffsets(t *testing.T) {
	dir := t.TempDir()
	ctx, scope := newTestContext(t, dir)
	defer scope.Release()

	cache := chunkdict.NewCache()
	ch, err := New(Config{ChunkSize: MinChunkSize, DigestAlgo: digest.SHA256, CompressAlgo: rafscompress.None, AlignedChunk: true}, chunkdict.Empty(), cache)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// A short tail chunk (100 bytes, not a multiple of 4096) followed by a
	// second file: the second file's first chunk must still land on a
	// 4 KiB boundary despite the first file's tail not filling one.
	first := bytes.Repeat([]byte{0xAB}, MinChunkSize+100)
	n1 := &tree.Node{Name: "f1", Kind: tree.Regular}
	if _, err := ch.ChunkFile(ctx, n1, bytes.NewReader(first), uint64(len(first))); err != nil {
		t.Fatalf("chunk f1: %v", err)
	}

	second := bytes.Repeat([]byte{0xCD}, MinChunkSize)
	n2 := &tree.Node{Name: "f2", Kind: tree.Regular}
	if _, err := ch.ChunkFile(ctx, n2, bytes.NewReader(second), uint64(len(second))); err != nil {
		t.Fatalf("chunk f2: %v", err)
	}

	for _, n := range []*tree.Node{n1, n2} {
		for _, ref := range n.Chunks {
			rec := ctx.Meta.Records()[ref.ChunkIndexInBlob]
			if rec.UncompressedOffset()%4096 != 0 {
				t.Fatalf("chunk %d uncompressed offset %d not 4 KiB-aligned", ref.ChunkIndexInBlob, rec.UncompressedOffset())
			}
		}
	}
}

func TestEmptyFileProducesNoChunks(t *testing.T) {
	dir := t.TempDir()
	ctx, scope := newTestContext(t, dir)
	defer scope.Release()

	cache := chunkdict.NewCache()
	ch, err := New(Config{ChunkSize: MinChunkSize, DigestAlgo: digest.SHA256, CompressAlgo: rafscompress.None}, chunkdict.Empty(), cache)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n := &tree.Node{Name: "empty", Kind: tree.Regular}
	dig, err := ch.ChunkFile(ctx, n, bytes.NewReader(nil), 0)
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if !dig.IsZero() {
		t.Fatalf("expected zero digest for empty file, got %v", dig)
	}
	if len(n.Chunks) != 0 {
		t.Fatalf("expected zero chunks, got %d", len(n.Chunks))
	}
}

func TestConfigValidateRejectsBadChunkSize(t *testing.T) {
	if err := (Config{ChunkSize: 100, DigestAlgo: digest.SHA256}).Validate(); err == nil {
		t.Fatal("expected error for non-power-of-two chunk size")
	}
	if err := (Config{ChunkSize: 1 << 21, DigestAlgo: digest.SHA256}).Validate(); err == nil {
		t.Fatal("expected error for oversized chunk size")
	}
}
