package tree

import (
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/rafsimage/builder/internal/errs"
)

// BuildOptions configures how Builder walks a source directory.
type BuildOptions struct {
	WhiteoutSpec WhiteoutSpec

	// ExplicitUIDGID, when false, squashes every node's uid/gid to 0 —
	// the common case for a lazily-pulled image where the source
	// filesystem's ownership is not meaningful to the client. When true,
	// the source entries' uid/gid are carried through unchanged.
	ExplicitUIDGID bool
}

// Build walks root and returns the resulting Tree, stat'd but not yet
// chunked: regular files' Chunks are still empty. Whiteout markers (per
// opts.WhiteoutSpec) are interpreted rather than added as Nodes: a removal
// marker is recorded as an OverlayUpperRemoval node standing in for the
// lower-layer path it deletes, and an opaque marker sets the containing
// directory's Overlay to OverlayUpperOpaque.
//
// Build deliberately does not call Finalize: the caller must chunk every
// regular file first (populating the first occurrence of each hardlinked
// inode's Chunks) and only then call Finalize, so hardlink resolution has
// real chunk lists to copy rather than empty ones.
func Build(root string, opts BuildOptions) (*Tree, error) {
	t := New()
	if err := buildDir(t, t.Root(), root, opts); err != nil {
		return nil, err
	}
	return t, nil
}

func buildDir(t *Tree, parentIdx int, path string, opts BuildOptions) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		return xerrors.Errorf("tree: read dir %s: %w", path, errs.IoError)
	}

	type pending struct {
		node      *Node
		childPath string
		isDir     bool
	}
	var kept []pending

	for _, de := range entries {
		name := de.Name()
		full := filepath.Join(path, name)

		lst, err := os.Lstat(full)
		if err != nil {
			return xerrors.Errorf("tree: lstat %s: %w", full, errs.IoError)
		}
		raw := RawEntry{Name: name, Kind: kindOf(lst.Mode())}
		if raw.Kind == CharDevice {
			if st, ok := lst.Sys().(*syscall.Stat_t); ok {
				raw.Rdev = uint64(st.Rdev)
			}
		}
		if res := Classify(opts.WhiteoutSpec, raw); res.IsMarker {
			if res.Opaque {
				t.Node(parentIdx).Overlay = OverlayUpperOpaque
			}
			if res.Removes != "" {
				n := &Node{Name: res.Removes, Overlay: OverlayUpperRemoval}
				kept = append(kept, pending{node: n})
			}
			continue
		}

		n, err := nodeFromLstat(full, name, lst, opts)
		if err != nil {
			return err
		}
		kept = append(kept, pending{node: n, childPath: full, isDir: n.Kind == Dir})
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].node.Name < kept[j].node.Name })

	nodes := make([]*Node, len(kept))
	for i, p := range kept {
		nodes[i] = p.node
	}
	indices := t.AddChildren(parentIdx, nodes)

	if opaque := t.Node(parentIdx).Overlay == OverlayUpperOpaque; opaque {
		// Nothing further: OverlayUpperOpaque on the directory itself is
		// enough for the diff planner to know not to inherit the
		// lower-layer subtree when merging.
		_ = opaque
	}

	for i, p := range kept {
		if p.isDir {
			if err := buildDir(t, indices[i], p.childPath, opts); err != nil {
				return err
			}
		}
	}
	return nil
}

func kindOf(mode os.FileMode) Kind {
	switch {
	case mode&os.ModeSymlink != 0:
		return Symlink
	case mode.IsDir():
		return Dir
	case mode&os.ModeCharDevice != 0:
		return CharDevice
	case mode&os.ModeDevice != 0:
		return BlockDevice
	case mode&os.ModeNamedPipe != 0:
		return FIFO
	case mode&os.ModeSocket != 0:
		return Socket
	default:
		return Regular
	}
}

func nodeFromLstat(full, name string, lst os.FileInfo, opts BuildOptions) (*Node, error) {
	n := &Node{
		Name:       name,
		Kind:       kindOf(lst.Mode()),
		Mode:       uint32(lst.Mode().Perm()),
		Mtime:      lst.ModTime(),
		Size:       uint64(lst.Size()),
		sourcePath: full,
	}
	if st, ok := lst.Sys().(*syscall.Stat_t); ok {
		n.Dev = uint64(st.Dev)
		n.Ino = st.Ino
		n.NLink = uint32(st.Nlink)
		if opts.ExplicitUIDGID {
			n.UID = st.Uid
			n.GID = st.Gid
		}
	}
	if n.Kind == Symlink {
		target, err := os.Readlink(full)
		if err != nil {
			return nil, xerrors.Errorf("tree: readlink %s: %w", full, errs.IoError)
		}
		n.LinkTarget = target
	}
	xattrs, err := readXattrs(full)
	if err != nil {
		return nil, err
	}
	n.Xattrs = xattrs
	if IsOpaqueDir(opts.WhiteoutSpec, xattrs) {
		n.Overlay = OverlayUpperOpaque
	}
	return n, nil
}

func readXattrs(path string) ([]XattrPair, error) {
	var sizeBuf [256]byte
	n, err := unix.Llistxattr(path, sizeBuf[:])
	if err != nil {
		if err == unix.ENOTSUP || err == unix.EOPNOTSUPP {
			return nil, nil
		}
		return nil, xerrors.Errorf("tree: listxattr %s: %w", path, errs.IoError)
	}
	names := splitXattrNames(sizeBuf[:n])
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]XattrPair, 0, len(names))
	for _, name := range names {
		var valBuf [4096]byte
		vn, err := unix.Lgetxattr(path, name, valBuf[:])
		if err != nil {
			continue
		}
		val := make([]byte, vn)
		copy(val, valBuf[:vn])
		out = append(out, XattrPair{Name: name, Value: val})
	}
	return out, nil
}

func splitXattrNames(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}

var _ = time.Time{} // Mtime's type; keeps the import used if fields above change.
