// Package tree implements the in-memory filesystem tree built from a
// source directory (or layer snapshot): Nodes in an arena-with-indices
// representation, hardlink sharing, and OCI/overlayfs whiteout semantics.
package tree

import (
	"time"

	"github.com/rafsimage/builder/internal/digest"
)

// Kind is a Node's filesystem entry type.
type Kind uint8

const (
	Dir Kind = iota
	Regular
	Symlink
	CharDevice
	BlockDevice
	FIFO
	Socket
)

// Overlay marks how a Node participates in a layered overlay build,
// mirroring original_source/src/bin/nydus-image/node.rs's Overlay enum.
type Overlay uint8

const (
	// OverlayLower marks a node that exists only because a lower layer
	// (or the chunk dictionary's source image) contributed it.
	OverlayLower Overlay = iota
	// OverlayUpperAddition marks a new entry contributed by this layer.
	OverlayUpperAddition
	// OverlayUpperOpaque marks a directory marked opaque by this layer
	// (everything beneath a lower-layer entry of the same path is hidden).
	OverlayUpperOpaque
	// OverlayUpperRemoval marks a whiteout: this layer deletes the
	// corresponding lower-layer path.
	OverlayUpperRemoval
	// OverlayUpperModification marks an entry that replaces a
	// lower-layer entry of the same path.
	OverlayUpperModification
)

// XattrPair is one ordered name/value xattr entry.
type XattrPair struct {
	Name  string
	Value []byte
}

// ChunkRef is one reference from a regular file's chunk list to a chunk
// record stored in some blob.
type ChunkRef struct {
	BlobIndex        uint32
	ChunkIndexInBlob uint32
	FileOffset       uint64
	Digest           digest.Digest
}

// Node is one filesystem entry. The tree containing it is an
// arena-with-indices structure (see Tree): Node stores only its parent
// index, first-child index, and child count, never an owning pointer, so
// the cyclic parent/child relationship has no owning back-edges.
type Node struct {
	// Index is this node's 1-based position in final DFS order. It is
	// assigned during Tree.Finalize, not at construction time.
	Index uint32

	Name string
	Kind Kind
	Mode uint32
	UID  uint32
	GID  uint32
	Mtime time.Time
	Size  uint64

	LinkTarget string // valid when Kind == Symlink
	Xattrs     []XattrPair

	Chunks []ChunkRef // valid when Kind == Regular

	Overlay Overlay

	// Dev/Ino identify the source inode for hardlink detection; nodes
	// sharing (Dev, Ino) share the same Chunks via the tree's hardlink
	// table. Every occurrence keeps that chunk list, and the bootstrap
	// emitter writes its chunk records once per occurrence.
	Dev uint64
	Ino uint64
	NLink uint32

	// sourcePath is the absolute filesystem path this node was built from,
	// valid only during the build that created it (never serialized). The
	// chunker uses it to open a regular file's bytes after the tree walk
	// that stats it has already completed.
	sourcePath string

	parent      int
	firstChild  int
	childCount  int
}

// SourcePath returns the absolute filesystem path this node was read from
// during Build. It is empty for nodes not built from a live filesystem
// (e.g. imported from a parent bootstrap).
func (n *Node) SourcePath() string {
	return n.sourcePath
}

// ChildCount returns the number of tree children parented to this node
// (always 0 for non-directories: the bootstrap's i_child_count field is
// double-duty — for directories it is this, for regular files it is
// len(Chunks), computed directly by the bootstrap emitter).
func (n *Node) ChildCount() int {
	return n.childCount
}
