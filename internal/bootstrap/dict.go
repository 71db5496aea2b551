package bootstrap

import (
	"io"

	"github.com/rafsimage/builder/internal/chunkdict"
	"github.com/rafsimage/builder/internal/chunkrecord"
	"github.com/rafsimage/builder/internal/digest"
)

// BuildDict parses a bootstrap stream and returns a chunk dictionary over
// every chunk citation it contains, keyed by digest. blobIDs names the
// bootstrap's own blobs in blob-index order (the blob table that
// accompanies the bootstrap, written and read separately from it); the
// returned Dict's SourceBlobIndex values index into blobIDs.
func BuildDict(r io.Reader, blobIDs []string) (*chunkdict.Dict, error) {
	raws, err := parseRawNodes(r)
	if err != nil {
		return nil, err
	}

	entries := make(map[digest.Digest]chunkdict.Entry)
	records := make(map[uint32][]chunkrecord.Record)
	for _, raw := range raws {
		for _, cite := range raw.chunks {
			rec, err := cite.toRecord()
			if err != nil {
				return nil, err
			}
			entries[cite.Digest] = chunkdict.Entry{
				SourceBlobIndex: cite.BlobIndex,
				ChunkIndex:      cite.ChunkIndexInBlob,
				Record:          rec,
				Hole:            cite.UncompressedSize == 0,
			}

			arr := records[cite.BlobIndex]
			if uint32(len(arr)) <= cite.ChunkIndexInBlob {
				grown := make([]chunkrecord.Record, cite.ChunkIndexInBlob+1)
				copy(grown, arr)
				arr = grown
			}
			arr[cite.ChunkIndexInBlob] = rec
			records[cite.BlobIndex] = arr
		}
	}
	return chunkdict.New(blobIDs, entries, records), nil
}
