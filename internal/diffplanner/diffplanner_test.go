package diffplanner

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rafsimage/builder/internal/chunker"
	"github.com/rafsimage/builder/internal/cleanup"
	"github.com/rafsimage/builder/internal/digest"
	"github.com/rafsimage/builder/internal/rafscompress"
	"github.com/rafsimage/builder/internal/tree"
)

func writeFile(t *testing.T, dir, name string, content []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
		t.Fatal(err)
	}
}

func repeat(b byte, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func findNode(t *tree.Tree, name string) *tree.Node {
	var found *tree.Node
	t.Walk(func(idx int, n *tree.Node) {
		if n.Name == name {
			found = n
		}
	})
	return found
}

// TestFourLayerDiffScenario builds the four-layer scenario: layer0 has
// /f1 (two chunks, C1+C2) and /f2 (C3); layer1 reuses the same content
// under new names /f3 (C1+C2) and /f4 (C3); layer2 has /f5 (C2 only) and
// /f6 (a new chunk C4); layer3 has only an empty file /f7. It asserts the
// dedup behavior spec §4.7 step 3 and property 4 describe: identical
// content across layers shares one chunk payload and the same
// (blob_index, chunk_index) citation, and a layer that writes no new
// chunks (layer3) has its blob discarded.
func TestFourLayerDiffScenario(t *testing.T) {
	c1 := repeat(0x01, chunker.MinChunkSize)
	c2 := repeat(0x02, chunker.MinChunkSize)
	c3 := repeat(0x03, chunker.MinChunkSize)
	c4 := repeat(0x04, chunker.MinChunkSize)

	base := t.TempDir()
	layer0 := filepath.Join(base, "layer0")
	layer1 := filepath.Join(base, "layer1")
	layer2 := filepath.Join(base, "layer2")
	layer3 := filepath.Join(base, "layer3")
	for _, d := range []string{layer0, layer1, layer2, layer3} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	writeFile(t, layer0, "f1", append(append([]byte{}, c1...), c2...))
	writeFile(t, layer0, "f2", c3)

	writeFile(t, layer1, "f3", append(append([]byte{}, c1...), c2...))
	writeFile(t, layer1, "f4", c3)

	writeFile(t, layer2, "f5", c2)
	writeFile(t, layer2, "f6", c4)

	writeFile(t, layer3, "f7", nil)

	blobsDir := t.TempDir()
	scope := cleanup.New()
	defer func() { _ = scope.Release() }()

	opts := Options{
		Chunker: chunker.Config{
			ChunkSize:    uint64(chunker.MinChunkSize),
			DigestAlgo:   digest.SHA256,
			CompressAlgo: rafscompress.None,
		},
		BlobsDir: blobsDir,
	}
	layers := []Layer{
		{SnapshotDir: layer0},
		{SnapshotDir: layer1},
		{SnapshotDir: layer2},
		{SnapshotDir: layer3},
	}

	result, err := Plan(layers, opts, scope)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(result.Layers) != 4 {
		t.Fatalf("got %d layer results, want 4", len(result.Layers))
	}

	if !result.Layers[0].BlobWritten {
		t.Fatal("layer0 should have written a blob")
	}
	if result.Layers[1].BlobWritten {
		t.Fatal("layer1 dedups every chunk against layer0's cache and should discard its empty blob")
	}
	if !result.Layers[2].BlobWritten {
		t.Fatal("layer2 should have written a blob (C4 is new)")
	}
	if result.Layers[3].BlobWritten {
		t.Fatal("layer3 (empty file only) should have discarded its blob")
	}

	f1 := findNode(result.Layers[0].Tree, "f1")
	f3 := findNode(result.Layers[1].Tree, "f3")
	if f1 == nil || f3 == nil {
		t.Fatal("missing expected nodes")
	}
	if len(f1.Chunks) != 2 || len(f3.Chunks) != 2 {
		t.Fatalf("expected 2 chunks each: f1=%d f3=%d", len(f1.Chunks), len(f3.Chunks))
	}
	for i := range f1.Chunks {
		if f1.Chunks[i].BlobIndex != f3.Chunks[i].BlobIndex || f1.Chunks[i].ChunkIndexInBlob != f3.Chunks[i].ChunkIndexInBlob {
			t.Fatalf("chunk %d: f1=%+v f3=%+v, want identical citation (dedup across layers)", i, f1.Chunks[i], f3.Chunks[i])
		}
		if !bytes.Equal(f1.Chunks[i].Digest[:], f3.Chunks[i].Digest[:]) {
			t.Fatalf("chunk %d: digests differ between f1 and f3", i)
		}
	}

	f2 := findNode(result.Layers[0].Tree, "f2")
	f4 := findNode(result.Layers[1].Tree, "f4")
	if f2 == nil || f4 == nil || len(f2.Chunks) != 1 || len(f4.Chunks) != 1 {
		t.Fatal("missing expected single-chunk nodes")
	}
	if f2.Chunks[0].BlobIndex != f4.Chunks[0].BlobIndex || f2.Chunks[0].ChunkIndexInBlob != f4.Chunks[0].ChunkIndexInBlob {
		t.Fatalf("f2/f4 should dedup to the same citation: f2=%+v f4=%+v", f2.Chunks[0], f4.Chunks[0])
	}

	f5 := findNode(result.Layers[2].Tree, "f5")
	if f5 == nil || len(f5.Chunks) != 1 {
		t.Fatal("missing expected f5 node")
	}
	if f5.Chunks[0].BlobIndex != f1.Chunks[1].BlobIndex || f5.Chunks[0].ChunkIndexInBlob != f1.Chunks[1].ChunkIndexInBlob {
		t.Fatalf("f5 (C2-only) should dedup against f1's second chunk: f5=%+v f1[1]=%+v", f5.Chunks[0], f1.Chunks[1])
	}

	f7 := findNode(result.Layers[3].Tree, "f7")
	if f7 == nil || len(f7.Chunks) != 0 {
		t.Fatalf("f7 should be an empty file with zero chunks, got %+v", f7)
	}
}

func TestSkipLayersCarriesOverParentTree(t *testing.T) {
	parentTree := tree.New()
	scope := cleanup.New()
	defer func() { _ = scope.Release() }()

	dir := t.TempDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "new.txt", []byte("hello"))

	opts := Options{
		Chunker: chunker.Config{
			ChunkSize:    uint64(chunker.MinChunkSize),
			DigestAlgo:   digest.SHA256,
			CompressAlgo: rafscompress.None,
		},
		BlobsDir:         t.TempDir(),
		SkipLayers:       1,
		ParentLayerTrees: []*tree.Tree{parentTree},
	}
	layers := []Layer{
		{SnapshotDir: dir}, // carried over, directory never walked
		{SnapshotDir: dir},
	}

	result, err := Plan(layers, opts, scope)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if result.Layers[0].Tree != parentTree {
		t.Fatal("layer0 should reuse the supplied parent tree verbatim")
	}
	if result.Layers[0].BlobWritten {
		t.Fatal("a carried-over layer must not write a new blob")
	}
}
