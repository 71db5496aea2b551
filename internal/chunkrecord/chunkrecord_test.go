package chunkrecord

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type fields struct {
	CompressedOffset, CompressedSize, UncompressedOffset, UncompressedSize uint64
}

func fieldsOf(r Record) fields {
	return fields{r.CompressedOffset(), r.CompressedSize(), r.UncompressedOffset(), r.UncompressedSize()}
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name                                       string
		compOffset, compSize, uncompOffset, uncompSize uint64
	}{
		{"zero", 0, 1, 0, 1},
		{"typical", 4096, 65536, 0x100000, 1 << 20},
		{"max compressed offset", MaxCompressedOffset, 1, 0, 1},
		{"max compressed offset aligned down", MaxCompressedOffset &^ 0xfff, 4096, 0, 1},
		{"max size", 0, MaxChunkSize, 0, MaxChunkSize},
		{"max uncompressed offset", 0, 1, MaxUncompressedOffset &^ 0xfff, 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var r Record
			if err := r.SetCompressedOffset(c.compOffset); err != nil {
				t.Fatalf("SetCompressedOffset: %v", err)
			}
			if err := r.SetCompressedSize(c.compSize); err != nil {
				t.Fatalf("SetCompressedSize: %v", err)
			}
			if err := r.SetUncompressedOffset(c.uncompOffset); err != nil {
				t.Fatalf("SetUncompressedOffset: %v", err)
			}
			if err := r.SetUncompressedSize(c.uncompSize); err != nil {
				t.Fatalf("SetUncompressedSize: %v", err)
			}

			buf := r.Encode()
			got, err := Decode(buf[:])
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			want := fields{c.compOffset, c.compSize, c.uncompOffset, c.uncompSize}
			if diff := cmp.Diff(want, fieldsOf(got)); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestInvalidArguments(t *testing.T) {
	var r Record
	if err := r.SetCompressedOffset(MaxCompressedOffset + 1); err == nil {
		t.Error("SetCompressedOffset accepted an out-of-range offset")
	}
	if err := r.SetCompressedSize(0); err == nil {
		t.Error("SetCompressedSize accepted 0")
	}
	if err := r.SetCompressedSize(MaxChunkSize + 1); err == nil {
		t.Error("SetCompressedSize accepted > 2^24")
	}
	if err := r.SetUncompressedOffset(1); err == nil {
		t.Error("SetUncompressedOffset accepted a non-4KiB-aligned offset")
	}
	if err := r.SetUncompressedOffset(MaxUncompressedOffset + 4096); err == nil {
		t.Error("SetUncompressedOffset accepted an out-of-range offset")
	}
}

func TestCompressedFlag(t *testing.T) {
	var r Record
	if err := r.SetUncompressedSize(1 << 16); err != nil {
		t.Fatalf("SetUncompressedSize: %v", err)
	}
	r.SetCompressed(true)
	if !r.IsCompressed() {
		t.Error("IsCompressed() = false after SetCompressed(true)")
	}
	if got, want := r.UncompressedSize(), uint64(1<<16); got != want {
		t.Errorf("UncompressedSize() = %d, want %d (flag bit must not disturb a realistic size)", got, want)
	}
	r.SetCompressed(false)
	if r.IsCompressed() {
		t.Error("IsCompressed() = true after SetCompressed(false)")
	}
}

func TestRoundUp4K(t *testing.T) {
	cases := map[uint64]uint64{
		0:      0,
		1:      4096,
		4096:   4096,
		4097:   8192,
		0x1fff: 0x2000,
	}
	for in, want := range cases {
		if got := RoundUp4K(in); got != want {
			t.Errorf("RoundUp4K(%#x) = %#x, want %#x", in, got, want)
		}
	}
}
