// Package bootstrap serializes a tree.Tree into the on-disk inode/chunk
// record stream consumed by a mounting client. Per the host format's
// contract, only the chunk-reference fields are a truly fixed wire format
// here; the inode record layout below is this implementation's own
// fixed-size encoding of the fields §4.6 names.
package bootstrap

import (
	"encoding/binary"
	"time"

	"golang.org/x/xerrors"

	"github.com/rafsimage/builder/internal/errs"
	"github.com/rafsimage/builder/internal/tree"
)

// ReservedPrefixSize is the number of leading bytes the emitter never
// writes to, reserved for an external superblock/layout module.
const ReservedPrefixSize = 4096

// AlignOffset rounds offset up to the next multiple of align.
func AlignOffset(offset, align uint64) uint64 {
	if align == 0 {
		return offset
	}
	return ((offset + align - 1) / align) * align
}

// wordAlign pads n up to the next multiple of 8, the padding unit used
// between name, symlink-target, and xattr sections.
func wordAlign(n int) int {
	return (n + 7) &^ 7
}

// inodeRecordSize is the fixed on-disk size of one inode header, before its
// variable-length name/symlink-target/xattr/chunk sections.
const inodeRecordSize = 64

// encodeInodeHeader writes n's fixed-size header fields. parentIndex is 0
// for the root node; nameLen/linkLen/xattrTotal describe the
// variable-length sections that immediately follow in the stream.
func encodeInodeHeader(n *tree.Node, parentIndex uint32, nameLen, linkLen uint16, xattrCount uint16, xattrTotal uint32) []byte {
	buf := make([]byte, inodeRecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], n.Index)
	binary.LittleEndian.PutUint32(buf[4:8], parentIndex)
	buf[8] = byte(n.Kind)
	buf[9] = byte(n.Overlay)
	binary.LittleEndian.PutUint16(buf[10:12], nameLen)
	binary.LittleEndian.PutUint32(buf[12:16], n.Mode)
	binary.LittleEndian.PutUint32(buf[16:20], n.UID)
	binary.LittleEndian.PutUint32(buf[20:24], n.GID)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(n.Mtime.Unix()))
	binary.LittleEndian.PutUint64(buf[32:40], n.Size)
	binary.LittleEndian.PutUint16(buf[40:42], linkLen)
	binary.LittleEndian.PutUint16(buf[42:44], xattrCount)
	binary.LittleEndian.PutUint32(buf[44:48], xattrTotal)
	// i_child_count is double-duty: directory child count for Kind == Dir,
	// chunk count for Kind == Regular (zero-length regular files get zero
	// records and i_child_count == 0, per §4.6's invariant).
	binary.LittleEndian.PutUint32(buf[48:52], uint32(childCountField(n)))
	binary.LittleEndian.PutUint32(buf[52:56], n.NLink)
	binary.LittleEndian.PutUint64(buf[56:64], n.Dev^n.Ino) // collision-tolerant bookkeeping hint only; not authoritative
	return buf
}

func childCountField(n *tree.Node) int {
	if n.Kind == tree.Regular {
		return len(n.Chunks)
	}
	return n.ChildCount()
}

func decodeInodeHeader(buf []byte) (parentIndex uint32, nameLen, linkLen, xattrCount uint16, xattrTotal uint32, childOrChunkCount uint32, n tree.Node, err error) {
	if len(buf) < inodeRecordSize {
		err = xerrors.Errorf("bootstrap: short inode header (%d bytes): %w", len(buf), errs.CorruptMetadata)
		return
	}
	n.Index = binary.LittleEndian.Uint32(buf[0:4])
	parentIndex = binary.LittleEndian.Uint32(buf[4:8])
	n.Kind = tree.Kind(buf[8])
	n.Overlay = tree.Overlay(buf[9])
	nameLen = binary.LittleEndian.Uint16(buf[10:12])
	n.Mode = binary.LittleEndian.Uint32(buf[12:16])
	n.UID = binary.LittleEndian.Uint32(buf[16:20])
	n.GID = binary.LittleEndian.Uint32(buf[20:24])
	n.Mtime = time.Unix(int64(binary.LittleEndian.Uint64(buf[24:32])), 0)
	n.Size = binary.LittleEndian.Uint64(buf[32:40])
	linkLen = binary.LittleEndian.Uint16(buf[40:42])
	xattrCount = binary.LittleEndian.Uint16(buf[42:44])
	xattrTotal = binary.LittleEndian.Uint32(buf[44:48])
	childOrChunkCount = binary.LittleEndian.Uint32(buf[48:52])
	n.NLink = binary.LittleEndian.Uint32(buf[52:56])
	return
}
