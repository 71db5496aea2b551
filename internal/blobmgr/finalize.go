package blobmgr

import (
	"encoding/hex"

	"github.com/rafsimage/builder/internal/rafscompress"
)

// FinalizeBlob completes ctx after every chunk it will ever hold has been
// appended to its writer. When no chunks were written, the blob is
// discarded (release(None), per spec.md §4.3/§4.7 point 4). Otherwise it
// embeds the chunk-record array into the blob itself (§3, §6), computes
// the content-addressed blob id — or uses explicitID when the caller
// supplied one — renames the blob into place, and commits the sibling
// <final blob path>.blob.meta side file describing where the embedded
// array landed. ctx.Info's id, compressor and sizes are filled in only
// when a blob is written; a discarded blob leaves ctx.Info untouched.
func FinalizeBlob(ctx *Context, chunkInfoCompressor rafscompress.Algorithm, explicitID string) (written bool, err error) {
	if ctx.Info.ChunkCount == 0 {
		_, err := ctx.Writer.Release(nil)
		return false, err
	}

	embedded, err := ctx.Meta.EmbedIntoBlob(ctx.Writer, chunkInfoCompressor)
	if err != nil {
		return false, err
	}

	id := explicitID
	if id == "" {
		sum := ctx.Writer.ContentSHA256()
		id = hex.EncodeToString(sum[:])
	}

	totalSize := ctx.Writer.Pos()
	finalPath, err := ctx.Writer.Release(&id)
	if err != nil {
		return false, err
	}

	ctx.Info.ID = id
	ctx.Info.Compressor = chunkInfoCompressor
	ctx.Info.CompressedSize = totalSize
	ctx.Info.UncompressedSize = embedded.UncompressedSize

	if err := ctx.Meta.Commit(finalPath+".blob.meta", chunkInfoCompressor, embedded.CompressedOffset, embedded.CompressedSize); err != nil {
		return false, err
	}
	return true, nil
}
