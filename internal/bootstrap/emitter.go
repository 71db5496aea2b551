package bootstrap

import (
	"bufio"
	"io"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/rafsimage/builder/internal/chunkrecord"
	"github.com/rafsimage/builder/internal/errs"
	"github.com/rafsimage/builder/internal/tree"
)

// RecordSource resolves a (blob index, chunk index within that blob) pair
// to the chunk record describing its offsets and sizes. blobmgr.Manager
// implements this.
type RecordSource interface {
	Record(blobIndex, chunkIndexInBlob uint32) (chunkrecord.Record, error)
}

// Emitter serializes a tree.Tree into the bootstrap byte stream: the
// reserved prefix, then one record per node in DFS order (the same order
// Tree.Finalize assigned Index in), each record's inode header followed by
// its name, optional symlink target, optional xattr table, and (for
// regular files) its chunk citation list.
type Emitter struct {
	// AlignSize, if non-zero, pads the stream up to the next multiple of
	// AlignSize after every node record.
	AlignSize uint64
}

// countingWriter tracks the absolute byte offset written so far, needed for
// align_offset calculations between sections.
type countingWriter struct {
	w      *bufio.Writer
	offset uint64
}

func (c *countingWriter) write(p []byte) error {
	n, err := c.w.Write(p)
	c.offset += uint64(n)
	if err != nil {
		return xerrors.Errorf("bootstrap: write: %w", errs.IoError)
	}
	return nil
}

func (c *countingWriter) padTo(target uint64) error {
	if target < c.offset {
		return nil
	}
	return c.write(make([]byte, target-c.offset))
}

// Emit walks t in DFS order and writes the bootstrap stream to w. records
// resolves each chunk reference's full citation fields.
func (e *Emitter) Emit(t *tree.Tree, records RecordSource, w io.Writer) error {
	cw := &countingWriter{w: bufio.NewWriterSize(w, 256<<10)}

	if err := cw.write(make([]byte, ReservedPrefixSize)); err != nil {
		return err
	}

	var walkErr error
	t.Walk(func(idx int, n *tree.Node) {
		if walkErr != nil {
			return
		}
		walkErr = e.emitNode(t, idx, n, records, cw)
	})
	if walkErr != nil {
		return walkErr
	}

	return cw.w.Flush()
}

func (e *Emitter) emitNode(t *tree.Tree, idx int, n *tree.Node, records RecordSource, cw *countingWriter) error {
	nameBytes := []byte(n.Name)
	nameLen := uint16(len(nameBytes))

	var linkBytes []byte
	var linkLen uint16
	if n.Kind == tree.Symlink {
		linkBytes = []byte(n.LinkTarget)
		linkLen = uint16(len(linkBytes))
	}

	xattrTable := encodeXattrs(n.Xattrs)

	var parentIndex uint32
	if p := t.Parent(idx); p >= 0 {
		parentIndex = t.Node(p).Index
	}

	header := encodeInodeHeader(n, parentIndex, nameLen, linkLen, uint16(len(n.Xattrs)), uint32(len(xattrTable)))
	if err := cw.write(header); err != nil {
		return err
	}
	if err := cw.write(padded(nameBytes)); err != nil {
		return err
	}
	if linkLen > 0 {
		if err := cw.write(padded(linkBytes)); err != nil {
			return err
		}
	}
	if len(xattrTable) > 0 {
		if err := cw.write(padded(xattrTable)); err != nil {
			return err
		}
	}

	if n.Kind == tree.Regular {
		for _, ref := range n.Chunks {
			cite, err := citationFor(ref, records)
			if err != nil {
				return err
			}
			if err := cw.write(cite.encode()); err != nil {
				return err
			}
		}
	}

	if e.AlignSize > 0 {
		if err := cw.padTo(AlignOffset(cw.offset, e.AlignSize)); err != nil {
			return err
		}
	}
	return nil
}

// citationFor resolves a ChunkRef into its on-disk citation, pulling the
// offset/size fields from the owning blob's chunk-record array.
func citationFor(ref tree.ChunkRef, records RecordSource) (ChunkCitation, error) {
	rec, err := records.Record(ref.BlobIndex, ref.ChunkIndexInBlob)
	if err != nil {
		return ChunkCitation{}, xerrors.Errorf("bootstrap: resolve chunk (%d,%d): %w", ref.BlobIndex, ref.ChunkIndexInBlob, err)
	}
	return ChunkCitation{
		BlobIndex:          ref.BlobIndex,
		ChunkIndexInBlob:   ref.ChunkIndexInBlob,
		FileOffset:         ref.FileOffset,
		CompressedOffset:   rec.CompressedOffset(),
		CompressedSize:     uint32(rec.CompressedSize()),
		UncompressedOffset: rec.UncompressedOffset(),
		UncompressedSize:   uint32(rec.UncompressedSize()),
		Digest:             ref.Digest,
		Compressed:         rec.IsCompressed(),
	}, nil
}

func encodeXattrs(pairs []tree.XattrPair) []byte {
	if len(pairs) == 0 {
		return nil
	}
	var buf []byte
	for _, p := range pairs {
		entry := make([]byte, 4+4+len(p.Name)+len(p.Value))
		putUint32(entry[0:4], uint32(len(p.Name)))
		putUint32(entry[4:8], uint32(len(p.Value)))
		copy(entry[8:8+len(p.Name)], p.Name)
		copy(entry[8+len(p.Name):], p.Value)
		buf = append(buf, entry...)
	}
	return buf
}

func putUint32(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

func padded(b []byte) []byte {
	out := make([]byte, wordAlign(len(b)))
	copy(out, b)
	return out
}

// EmitToFile serializes t to path, writing it atomically: the bootstrap is
// built in a sibling temp file and renamed into place only once fully
// flushed, so a crash mid-write never leaves a partial bootstrap at path.
func EmitToFile(t *tree.Tree, records RecordSource, path string, opts Emitter) error {
	tmp, err := renameio.TempFile("", path)
	if err != nil {
		return xerrors.Errorf("bootstrap: create temp file for %s: %w", path, errs.IoError)
	}
	defer tmp.Cleanup()

	if err := opts.Emit(t, records, tmp); err != nil {
		return err
	}
	if err := tmp.CloseAtomicallyReplace(); err != nil {
		return xerrors.Errorf("bootstrap: finalize %s: %w", path, errs.IoError)
	}
	return nil
}
