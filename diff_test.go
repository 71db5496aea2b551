package rafsimage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rafsimage/builder/internal/chunker"
	"github.com/rafsimage/builder/internal/diffplanner"
	"github.com/rafsimage/builder/internal/digest"
	"github.com/rafsimage/builder/internal/rafscompress"
)

func TestDiffBuildTwoLayersWriteIndependentBootstraps(t *testing.T) {
	base := t.TempDir()
	layer0 := filepath.Join(base, "layer0")
	layer1 := filepath.Join(base, "layer1")
	for _, d := range []string{layer0, layer1} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(layer0, "a.txt"), []byte("layer zero content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(layer1, "b.txt"), []byte("layer one content"), 0o644); err != nil {
		t.Fatal(err)
	}

	outDir := t.TempDir()

	res, err := DiffBuild(context.Background(), DiffOptions{
		Layers: []diffplanner.Layer{
			{SnapshotDir: layer0},
			{SnapshotDir: layer1},
		},
		BootstrapPathForLayer: func(idx int) string {
			return filepath.Join(outDir, "bootstrap-"+string(rune('0'+idx)))
		},
		BlobsDir: t.TempDir(),
		Chunker: chunker.Config{
			ChunkSize:    uint64(chunker.MinChunkSize),
			DigestAlgo:   digest.SHA256,
			CompressAlgo: rafscompress.None,
		},
	})
	if err != nil {
		t.Fatalf("DiffBuild: %v", err)
	}

	if len(res.BootstrapPaths) != 2 {
		t.Fatalf("got %d bootstrap paths, want 2", len(res.BootstrapPaths))
	}
	for idx, p := range res.BootstrapPaths {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("layer %d bootstrap not written at %s: %v", idx, p, err)
		}
	}
	if len(res.Blobs) != 2 {
		t.Fatalf("got %d blobs, want 2 (one per layer)", len(res.Blobs))
	}
}

func TestDiffBuildRejectsEmptyLayerList(t *testing.T) {
	_, err := DiffBuild(context.Background(), DiffOptions{
		BootstrapPathForLayer: func(int) string { return "" },
		BlobsDir:              t.TempDir(),
		Chunker: chunker.Config{
			ChunkSize:    uint64(chunker.MinChunkSize),
			DigestAlgo:   digest.SHA256,
			CompressAlgo: rafscompress.None,
		},
	})
	if err == nil {
		t.Fatal("expected an error for an empty Layers slice")
	}
}
