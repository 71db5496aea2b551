package blobmeta

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rafsimage/builder/internal/chunkrecord"
	"github.com/rafsimage/builder/internal/errs"
	"github.com/rafsimage/builder/internal/rafscompress"
)

func mustRecord(t *testing.T, uoff, usize, coff, csize uint64) chunkrecord.Record {
	t.Helper()
	var r chunkrecord.Record
	if err := r.SetUncompressedOffset(uoff); err != nil {
		t.Fatal(err)
	}
	if err := r.SetUncompressedSize(usize); err != nil {
		t.Fatal(err)
	}
	if err := r.SetCompressedOffset(coff); err != nil {
		t.Fatal(err)
	}
	if err := r.SetCompressedSize(csize); err != nil {
		t.Fatal(err)
	}
	return r
}

func buildInfo(t *testing.T, records []chunkrecord.Record, total uint64) *Info {
	t.Helper()
	b := NewBuilder(false)
	for _, r := range records {
		b.Append(r)
	}
	path := filepath.Join(t.TempDir(), "blob.blob.meta")
	if err := b.Commit(path, rafscompress.None, 0, uint64(len(records))*chunkrecord.Size); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	info, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { info.Close() })
	return info
}

// TestGetChunkIndexWithHole mirrors testable property 2: two chunks with a
// genuine gap between them, each spanning 0x2000 bytes.
func TestGetChunkIndexWithHole(t *testing.T) {
	records := []chunkrecord.Record{
		mustRecord(t, 0, 0x2000, 0, 0x2000),
		mustRecord(t, 0x100000, 0x2000, 0x2000, 0x2000),
	}
	info := buildInfo(t, records, 0x102000)

	succeed := []uint64{0, 0x1fff, 0x100000, 0x101fff}
	for _, start := range succeed {
		if _, ok := findIndex(records, uncompressedCoords, start); !ok {
			t.Errorf("findIndex(%#x) = not found, want a hit", start)
		}
	}

	fail := []uint64{0x2000, 0xfffff, 0x102000}
	for _, start := range fail {
		if idx, ok := findIndex(records, uncompressedCoords, start); ok {
			t.Errorf("findIndex(%#x) = hit at %d, want not found", start, idx)
		}
	}
	_ = info
}

// TestGetChunksRanges mirrors testable property 3.
func TestGetChunksRanges(t *testing.T) {
	c0 := mustRecord(t, 0, 0x2000, 0, 0x1000)
	c1 := mustRecord(t, 0x2000, 0x2000, 0x1000, 0x2000)
	c1.SetCompressed(false)
	c2 := mustRecord(t, 0x4000, 0x2000, 0x3000, 0x1000)
	c3 := mustRecord(t, 0x100000, 0x2000, 0x4000, 0x1000)
	c4 := mustRecord(t, 0x102000, 0x2000, 0x5000, 0x1000)
	info := buildInfo(t, []chunkrecord.Record{c0, c1, c2, c3, c4}, 0x104000)

	cases := []struct {
		start, size uint64
		want        int
	}{
		{0, 0x1001, 1},
		{0, 0x4000, 2},
		{0, 0x4001, 3},
		{0x100000, 0x2000, 1},
	}
	for _, c := range cases {
		got, err := info.GetChunksUncompressed(c.start, c.size, 0)
		if err != nil {
			t.Errorf("GetChunksUncompressed(%#x,%#x): %v", c.start, c.size, err)
			continue
		}
		if len(got) != c.want {
			t.Errorf("GetChunksUncompressed(%#x,%#x) returned %d chunks, want %d", c.start, c.size, len(got), c.want)
		}
	}

	// A query crossing the hole between c2 and c3 must fail.
	if _, err := info.GetChunksUncompressed(0, 0x100001, 0); err == nil {
		t.Error("GetChunksUncompressed across the hole succeeded, want an error")
	}
}

// TestReadinessBarrier mirrors testable property 7: a reader observes
// errs.NotReady between creation and the final magic write.
func TestReadinessBarrier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.blob.meta")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	// Size the file to one zeroed header, with no magic words written.
	if err := f.Truncate(HeaderSize); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if _, err := Open(path); err == nil {
		t.Error("Open on a pre-magic file succeeded, want errs.NotReady")
	} else if !errors.Is(err, errs.NotReady) {
		t.Errorf("Open error = %v, want errs.NotReady", err)
	}
}
