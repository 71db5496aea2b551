package rafsimage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rafsimage/builder/internal/bootstrap"
	"github.com/rafsimage/builder/internal/chunker"
	"github.com/rafsimage/builder/internal/digest"
	"github.com/rafsimage/builder/internal/rafscompress"
	"github.com/rafsimage/builder/internal/tree"
)

func TestBuildSingleDirectoryProducesBootstrapAndBlob(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "hello.txt"), []byte("hello, rafsimage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(src, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "world.txt"), []byte("world"), 0o644); err != nil {
		t.Fatal(err)
	}

	blobsDir := t.TempDir()
	bootstrapPath := filepath.Join(t.TempDir(), "bootstrap")

	res, err := Build(context.Background(), BuildOptions{
		SourceDir:     src,
		BlobsDir:      blobsDir,
		BootstrapPath: bootstrapPath,
		Chunker: chunker.Config{
			ChunkSize:    uint64(chunker.MinChunkSize),
			DigestAlgo:   digest.SHA256,
			CompressAlgo: rafscompress.None,
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if _, err := os.Stat(bootstrapPath); err != nil {
		t.Fatalf("bootstrap not written: %v", err)
	}
	if res.NewBlobID == "" {
		t.Fatal("expected a new blob to be written")
	}
	if _, err := os.Stat(filepath.Join(blobsDir, res.NewBlobID)); err != nil {
		t.Fatalf("blob file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(blobsDir, res.NewBlobID+".blob.meta")); err != nil {
		t.Fatalf("blob.meta side file missing: %v", err)
	}
	if len(res.Blobs) != 1 {
		t.Fatalf("got %d blobs, want 1", len(res.Blobs))
	}
}

func TestBuildEmptyDirectoryDiscardsBlob(t *testing.T) {
	src := t.TempDir()
	blobsDir := t.TempDir()
	bootstrapPath := filepath.Join(t.TempDir(), "bootstrap")

	res, err := Build(context.Background(), BuildOptions{
		SourceDir:     src,
		BlobsDir:      blobsDir,
		BootstrapPath: bootstrapPath,
		Chunker: chunker.Config{
			ChunkSize:    uint64(chunker.MinChunkSize),
			DigestAlgo:   digest.SHA256,
			CompressAlgo: rafscompress.None,
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.NewBlobID != "" {
		t.Fatalf("expected no new blob, got %q", res.NewBlobID)
	}
	entries, err := os.ReadDir(blobsDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected blobs dir to stay empty, got %v", entries)
	}
}

func TestBuildCanceledContextStopsBeforeWalkingAllFiles(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "f.txt"), []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Build(ctx, BuildOptions{
		SourceDir:     src,
		BlobsDir:      t.TempDir(),
		BootstrapPath: filepath.Join(t.TempDir(), "bootstrap"),
		Chunker: chunker.Config{
			ChunkSize:    uint64(chunker.MinChunkSize),
			DigestAlgo:   digest.SHA256,
			CompressAlgo: rafscompress.None,
		},
	})
	if err == nil {
		t.Fatal("expected Build to report the canceled context")
	}
}

// TestBuildReusesChunkDictionaryAndEmitsReadableBootstrap builds a base
// directory, loads a chunk dictionary from its bootstrap, then builds a
// second directory whose one file shares the base file's content under a
// new name. Every chunk should dedup against the dictionary (no new blob),
// and the second bootstrap must still be emittable and re-readable: its
// chunk citation must resolve to the base build's blob, exercising the
// blob manager's dictionary-sourced ImportedRecords path end to end
// (spec.md §8 property 5).
func TestBuildReusesChunkDictionaryAndEmitsReadableBootstrap(t *testing.T) {
	content := repeatByte(0xab, chunker.MinChunkSize)

	baseSrc := t.TempDir()
	if err := os.WriteFile(filepath.Join(baseSrc, "shared.bin"), content, 0o644); err != nil {
		t.Fatal(err)
	}
	blobsDir := t.TempDir()
	baseBootstrap := filepath.Join(t.TempDir(), "bootstrap0")

	baseRes, err := Build(context.Background(), BuildOptions{
		SourceDir:     baseSrc,
		BlobsDir:      blobsDir,
		BootstrapPath: baseBootstrap,
		Chunker: chunker.Config{
			ChunkSize:    uint64(chunker.MinChunkSize),
			DigestAlgo:   digest.SHA256,
			CompressAlgo: rafscompress.None,
		},
	})
	if err != nil {
		t.Fatalf("base Build: %v", err)
	}
	if baseRes.NewBlobID == "" {
		t.Fatal("base build should have written a blob")
	}

	dictFile, err := os.Open(baseBootstrap)
	if err != nil {
		t.Fatal(err)
	}
	defer dictFile.Close()
	dict, err := bootstrap.BuildDict(dictFile, []string{baseRes.NewBlobID})
	if err != nil {
		t.Fatalf("BuildDict: %v", err)
	}

	reuseSrc := t.TempDir()
	if err := os.WriteFile(filepath.Join(reuseSrc, "renamed.bin"), content, 0o644); err != nil {
		t.Fatal(err)
	}
	reuseBootstrap := filepath.Join(t.TempDir(), "bootstrap1")

	reuseRes, err := Build(context.Background(), BuildOptions{
		SourceDir:     reuseSrc,
		BlobsDir:      blobsDir,
		BootstrapPath: reuseBootstrap,
		ChunkDict:     dict,
		Chunker: chunker.Config{
			ChunkSize:    uint64(chunker.MinChunkSize),
			DigestAlgo:   digest.SHA256,
			CompressAlgo: rafscompress.None,
		},
	})
	if err != nil {
		t.Fatalf("reuse Build: %v", err)
	}
	if reuseRes.NewBlobID != "" {
		t.Fatalf("expected full dedup against the chunk dictionary, got new blob %q", reuseRes.NewBlobID)
	}

	f, err := os.Open(reuseBootstrap)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	reuseTree, err := bootstrap.ReadTree(f)
	if err != nil {
		t.Fatalf("ReadTree: %v", err)
	}

	node := findBuildNode(reuseTree, "renamed.bin")
	if node == nil {
		t.Fatal("renamed.bin missing from re-read bootstrap")
	}
	if len(node.Chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(node.Chunks))
	}
	cited := reuseRes.Blobs[node.Chunks[0].BlobIndex]
	if cited.ID != baseRes.NewBlobID {
		t.Fatalf("reused chunk should cite the base build's blob: cited %+v, want id %s", cited, baseRes.NewBlobID)
	}
}

func findBuildNode(t *tree.Tree, name string) *tree.Node {
	var found *tree.Node
	t.Walk(func(idx int, n *tree.Node) {
		if n.Name == name {
			found = n
		}
	})
	return found
}

func repeatByte(b byte, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestBuildRejectsMissingBlobStorage(t *testing.T) {
	_, err := Build(context.Background(), BuildOptions{
		SourceDir:     t.TempDir(),
		BootstrapPath: filepath.Join(t.TempDir(), "bootstrap"),
		Chunker: chunker.Config{
			ChunkSize:    uint64(chunker.MinChunkSize),
			DigestAlgo:   digest.SHA256,
			CompressAlgo: rafscompress.None,
		},
	})
	if err == nil {
		t.Fatal("expected an error when neither BlobsDir nor BlobPath is set")
	}
}
