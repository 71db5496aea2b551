package tree

import (
	"strings"

	"golang.org/x/xerrors"

	"github.com/rafsimage/builder/internal/errs"
)

// WhiteoutSpec selects how a layer's upper directory marks deletions and
// opaque directories, per original_source/src/bin/nydus-image/node.rs.
type WhiteoutSpec uint8

const (
	// WhiteoutOCI uses the OCI image-spec convention: a regular file
	// named ".wh.<name>" marks <name> deleted, and ".wh..wh..opq" marks
	// the containing directory opaque.
	WhiteoutOCI WhiteoutSpec = iota
	// WhiteoutOverlayfs uses the Linux overlayfs convention: a character
	// device with major/minor 0/0 marks a whiteout, and the
	// "trusted.overlay.opaque" xattr set to "y" marks a directory opaque.
	WhiteoutOverlayfs
)

// ParseWhiteoutSpec parses the --whiteout-spec flag's value.
func ParseWhiteoutSpec(s string) (WhiteoutSpec, error) {
	switch strings.ToLower(s) {
	case "oci":
		return WhiteoutOCI, nil
	case "overlayfs":
		return WhiteoutOverlayfs, nil
	default:
		return 0, xerrors.Errorf("whiteout spec %q: %w", s, errs.InvalidArgument)
	}
}

const (
	ociWhiteoutPrefix = ".wh."
	ociOpaqueMarker   = ".wh..wh..opq"

	overlayfsOpaqueXattr = "trusted.overlay.opaque"
)

// WhiteoutResult describes what a raw directory entry resolves to under
// the active whiteout spec.
type WhiteoutResult struct {
	// IsMarker is true when entry is itself a whiteout/opaque marker
	// rather than a real filesystem entry; the caller must not add it to
	// the tree as a Node.
	IsMarker bool

	// Removes is set when entry marks a lower-layer path deleted; it
	// names the sibling that must be excluded (or, if already present in
	// the tree from a lower layer, marked OverlayUpperRemoval).
	Removes string

	// Opaque is true when entry marks its containing directory opaque:
	// every lower-layer child of that directory is hidden.
	Opaque bool
}

// RawEntry is the minimal stat-like shape the whiteout classifier needs;
// a concrete walker (see builder.go) fills it in from the real filesystem.
type RawEntry struct {
	Name        string
	Kind        Kind
	Rdev        uint64
	Xattrs      []XattrPair
}

// Classify inspects one raw entry under spec and reports whether it is a
// whiteout/opaque marker rather than a real entry to add to the tree.
func Classify(spec WhiteoutSpec, e RawEntry) WhiteoutResult {
	switch spec {
	case WhiteoutOCI:
		if e.Name == ociOpaqueMarker {
			return WhiteoutResult{IsMarker: true, Opaque: true}
		}
		if strings.HasPrefix(e.Name, ociWhiteoutPrefix) {
			return WhiteoutResult{IsMarker: true, Removes: strings.TrimPrefix(e.Name, ociWhiteoutPrefix)}
		}
		return WhiteoutResult{}
	case WhiteoutOverlayfs:
		if e.Kind == CharDevice && e.Rdev == 0 {
			return WhiteoutResult{IsMarker: true, Removes: e.Name}
		}
		return WhiteoutResult{}
	default:
		return WhiteoutResult{}
	}
}

// IsOpaqueDir reports whether a directory entry's own xattrs mark it
// opaque under the overlayfs whiteout spec (the OCI spec instead marks
// opacity via a child marker file, handled in Classify).
func IsOpaqueDir(spec WhiteoutSpec, xattrs []XattrPair) bool {
	if spec != WhiteoutOverlayfs {
		return false
	}
	for _, x := range xattrs {
		if x.Name == overlayfsOpaqueXattr && string(x.Value) == "y" {
			return true
		}
	}
	return false
}
