package bootstrap

import (
	"io"

	"golang.org/x/xerrors"

	"github.com/rafsimage/builder/internal/errs"
	"github.com/rafsimage/builder/internal/tree"
)

// rawNode is one node as decoded straight off the wire, before tree
// reconstruction groups it under its parent.
type rawNode struct {
	parentIndex uint32
	node        tree.Node
	xattrs      []tree.XattrPair
	chunks      []ChunkCitation
}

// ReadTree parses a bootstrap stream written by Emit back into a Tree. It
// is used both to re-import a parent build's subtrees (skip_layers) and by
// any future inspector tooling; the core itself only needs the reverse
// direction (Emit), but decode must exist for parent-bootstrap import to
// work at all.
func ReadTree(r io.Reader) (*tree.Tree, error) {
	raws, err := parseRawNodes(r)
	if err != nil {
		return nil, err
	}
	return rebuildTree(raws)
}

// parseRawNodes decodes a bootstrap stream into its flat, DFS-ordered
// rawNode list, shared by ReadTree and BuildDict: the former discards most
// of each chunk citation's fields once they're folded into a tree.ChunkRef,
// while the latter needs every field a citation carries to reconstruct a
// dictionary entry.
func parseRawNodes(r io.Reader) ([]rawNode, error) {
	all, err := io.ReadAll(r)
	if err != nil {
		return nil, xerrors.Errorf("bootstrap: read: %w", errs.IoError)
	}
	if len(all) < ReservedPrefixSize {
		return nil, xerrors.Errorf("bootstrap: file shorter than reserved prefix: %w", errs.CorruptMetadata)
	}
	buf := all[ReservedPrefixSize:]

	var raws []rawNode
	for len(buf) > 0 {
		if len(buf) < inodeRecordSize {
			return nil, xerrors.Errorf("bootstrap: trailing %d bytes shorter than one inode header: %w", len(buf), errs.CorruptMetadata)
		}
		parentIndex, nameLen, linkLen, xattrCount, xattrTotal, chunkOrChildCount, n, err := decodeInodeHeader(buf[:inodeRecordSize])
		if err != nil {
			return nil, err
		}
		buf = buf[inodeRecordSize:]

		nameSize := wordAlign(int(nameLen))
		if len(buf) < nameSize {
			return nil, xerrors.Errorf("bootstrap: truncated name section: %w", errs.CorruptMetadata)
		}
		n.Name = string(buf[:nameLen])
		buf = buf[nameSize:]

		if linkLen > 0 {
			linkSize := wordAlign(int(linkLen))
			if len(buf) < linkSize {
				return nil, xerrors.Errorf("bootstrap: truncated symlink-target section: %w", errs.CorruptMetadata)
			}
			n.LinkTarget = string(buf[:linkLen])
			buf = buf[linkSize:]
		}

		var xattrs []tree.XattrPair
		if xattrTotal > 0 {
			xattrSize := wordAlign(int(xattrTotal))
			if len(buf) < xattrSize {
				return nil, xerrors.Errorf("bootstrap: truncated xattr section: %w", errs.CorruptMetadata)
			}
			xattrs, err = decodeXattrs(buf[:xattrTotal], int(xattrCount))
			if err != nil {
				return nil, err
			}
			buf = buf[xattrSize:]
		}

		var chunks []ChunkCitation
		if n.Kind == tree.Regular {
			for i := uint32(0); i < chunkOrChildCount; i++ {
				if len(buf) < chunkCiteSize {
					return nil, xerrors.Errorf("bootstrap: truncated chunk citation: %w", errs.CorruptMetadata)
				}
				cite, err := decodeChunkCitation(buf[:chunkCiteSize])
				if err != nil {
					return nil, err
				}
				chunks = append(chunks, cite)
				buf = buf[chunkCiteSize:]
			}
		}

		raws = append(raws, rawNode{parentIndex: parentIndex, node: n, xattrs: xattrs, chunks: chunks})
	}

	return raws, nil
}

func decodeXattrs(buf []byte, count int) ([]tree.XattrPair, error) {
	out := make([]tree.XattrPair, 0, count)
	for len(buf) > 0 {
		if len(buf) < 8 {
			return nil, xerrors.Errorf("bootstrap: truncated xattr entry: %w", errs.CorruptMetadata)
		}
		nameLen := getUint32(buf[0:4])
		valueLen := getUint32(buf[4:8])
		buf = buf[8:]
		if uint64(len(buf)) < uint64(nameLen)+uint64(valueLen) {
			return nil, xerrors.Errorf("bootstrap: truncated xattr payload: %w", errs.CorruptMetadata)
		}
		name := string(buf[:nameLen])
		value := make([]byte, valueLen)
		copy(value, buf[nameLen:nameLen+valueLen])
		out = append(out, tree.XattrPair{Name: name, Value: value})
		buf = buf[nameLen+valueLen:]
	}
	return out, nil
}

func getUint32(buf []byte) uint32 {
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

// rebuildTree reconstructs a Tree from its flattened DFS-order node list.
// Since raws is already in DFS order (the order Emit wrote it in) and a
// child's index always exceeds its parent's, one forward pass grouping
// children by parentIndex is enough; AddChildren is then called once per
// parent in DFS order so every parent's children land as one contiguous
// arena run.
func rebuildTree(raws []rawNode) (*tree.Tree, error) {
	if len(raws) == 0 {
		return tree.New(), nil
	}

	childrenByParent := make(map[uint32][]*rawNode)
	var rootRaw *rawNode
	for i := range raws {
		r := &raws[i]
		if r.parentIndex == 0 {
			rootRaw = r
			continue
		}
		childrenByParent[r.parentIndex] = append(childrenByParent[r.parentIndex], r)
	}
	if rootRaw == nil {
		return nil, xerrors.Errorf("bootstrap: no root node (parentIndex == 0) in stream: %w", errs.CorruptMetadata)
	}

	t := tree.New()
	applyNode(t.Node(t.Root()), rootRaw)

	arenaIndex := make(map[uint32]int, len(raws))
	arenaIndex[rootRaw.node.Index] = t.Root()

	var walk func(parentWireIndex uint32, parentArenaIdx int) error
	walk = func(parentWireIndex uint32, parentArenaIdx int) error {
		kids := childrenByParent[parentWireIndex]
		if len(kids) == 0 {
			return nil
		}
		nodes := make([]*tree.Node, len(kids))
		for i, k := range kids {
			n := &tree.Node{}
			applyNode(n, k)
			nodes[i] = n
		}
		indices := t.AddChildren(parentArenaIdx, nodes)
		for i, k := range kids {
			arenaIndex[k.node.Index] = indices[i]
		}
		for i, k := range kids {
			if err := walk(k.node.Index, indices[i]); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(rootRaw.node.Index, t.Root()); err != nil {
		return nil, err
	}

	t.Finalize()
	return t, nil
}

// applyNode copies src's decoded, wire-visible fields onto dst, leaving
// dst's tree-arena bookkeeping (parent/first-child/child-count, assigned
// separately by AddChildren and Finalize) untouched.
func applyNode(dst *tree.Node, src *rawNode) {
	dst.Index = src.node.Index
	dst.Name = src.node.Name
	dst.Kind = src.node.Kind
	dst.Mode = src.node.Mode
	dst.UID = src.node.UID
	dst.GID = src.node.GID
	dst.Mtime = src.node.Mtime
	dst.Size = src.node.Size
	dst.LinkTarget = src.node.LinkTarget
	dst.Overlay = src.node.Overlay
	dst.Dev = src.node.Dev
	dst.Ino = src.node.Ino
	dst.NLink = src.node.NLink
	dst.Xattrs = src.xattrs
	if len(src.chunks) > 0 {
		dst.Chunks = make([]tree.ChunkRef, len(src.chunks))
		for i, c := range src.chunks {
			dst.Chunks[i] = tree.ChunkRef{
				BlobIndex:        c.BlobIndex,
				ChunkIndexInBlob: c.ChunkIndexInBlob,
				FileOffset:       c.FileOffset,
				Digest:           c.Digest,
			}
		}
	}
}
