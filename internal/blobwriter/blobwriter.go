// Package blobwriter implements the append-only, buffered blob body writer
// with its two storage modes and atomic finalize-or-discard semantics.
package blobwriter

import (
	"bufio"
	"crypto/sha256"
	"hash"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/xerrors"

	"github.com/rafsimage/builder/internal/cleanup"
	"github.com/rafsimage/builder/internal/errs"
)

// bufferSize matches the 256 KiB buffer the writer is specified to use.
const bufferSize = 256 << 10

// Storage selects where a blob's bytes land and how they are finalized.
type Storage struct {
	// BlobsDirMode selects the BlobsDir storage mode; otherwise the writer
	// operates in SingleFile mode.
	BlobsDirMode bool

	// Path is the direct output file for SingleFile mode.
	Path string

	// Dir is the directory temp files are created in, and blobs are
	// renamed into, for BlobsDir mode.
	Dir string
}

// SingleFileStorage creates/truncates path directly; finalize never
// renames, and a discarded blob simply removes path.
func SingleFileStorage(path string) Storage {
	return Storage{Path: path}
}

// BlobsDirStorage writes to a temp file inside dir; finalize renames it to
// dir/name, first removing any existing file of that name so rebuilds
// overwrite previous artifacts deterministically.
func BlobsDirStorage(dir string) Storage {
	return Storage{BlobsDirMode: true, Dir: dir}
}

// Writer is a buffered, append-only sink with no knowledge of chunk
// structure: it exposes only Write and Pos (the byte count from start).
// It also maintains a running SHA-256 of everything written, since that
// becomes the blob's id when the caller did not supply one.
type Writer struct {
	storage Storage
	f       *os.File
	bw      *bufio.Writer
	hash    hash.Hash
	pos     uint64

	released uint32 // atomic
}

// NewWriter opens the underlying file for storage and registers an
// abort-time cleanup with scope: unless Release is called, the working
// file is removed when scope unwinds.
func NewWriter(storage Storage, scope *cleanup.Scope) (*Writer, error) {
	var (
		f   *os.File
		err error
	)
	if storage.BlobsDirMode {
		f, err = os.CreateTemp(storage.Dir, "blob-*.tmp")
	} else {
		f, err = os.OpenFile(storage.Path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	}
	if err != nil {
		return nil, xerrors.Errorf("blobwriter: open: %w", errs.IoError)
	}

	w := &Writer{
		storage: storage,
		f:       f,
		bw:      bufio.NewWriterSize(f, bufferSize),
		hash:    sha256.New(),
	}
	scope.Defer(w.abortCleanup)
	return w, nil
}

// Write appends p to the blob, advancing Pos and the running content hash.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.bw.Write(p)
	w.pos += uint64(n)
	w.hash.Write(p[:n])
	if err != nil {
		return n, xerrors.Errorf("blobwriter: write: %w", errs.IoError)
	}
	return n, nil
}

// Pos returns the number of bytes appended so far.
func (w *Writer) Pos() uint64 {
	return w.pos
}

// ContentSHA256 returns the running SHA-256 of everything written so far.
func (w *Writer) ContentSHA256() [32]byte {
	var out [32]byte
	copy(out[:], w.hash.Sum(nil))
	return out
}

// Release finalizes the blob. A nil name means no chunks were written:
// the working file is discarded, and the returned path is empty. A
// non-nil name is the blob-id to finalize under; in BlobsDir mode this
// renames the temp file to dir/name (removing any existing file there
// first); in SingleFile mode the file is already at its final path and
// name is informational only. On success (a non-discarded blob) it
// returns the blob's final on-disk path, so the caller can derive the
// sibling <path>.blob.meta side-file path without reconstructing it.
func (w *Writer) Release(name *string) (string, error) {
	if err := w.bw.Flush(); err != nil {
		return "", xerrors.Errorf("blobwriter: flush: %w", errs.IoError)
	}
	if err := w.f.Close(); err != nil {
		return "", xerrors.Errorf("blobwriter: close: %w", errs.IoError)
	}

	var finalPath string
	switch {
	case name == nil:
		if err := w.removeWorkingFile(); err != nil {
			return "", err
		}
	case w.storage.BlobsDirMode:
		target := filepath.Join(w.storage.Dir, *name)
		if _, err := os.Stat(target); err == nil {
			if err := os.Remove(target); err != nil {
				return "", xerrors.Errorf("blobwriter: remove existing %s: %w", target, errs.IoError)
			}
		}
		if err := os.Rename(w.f.Name(), target); err != nil {
			return "", xerrors.Errorf("blobwriter: rename into place: %w", errs.IoError)
		}
		finalPath = target
	default:
		// SingleFile mode: already at its final path, nothing to rename.
		finalPath = w.storage.Path
	}

	atomic.StoreUint32(&w.released, 1)
	return finalPath, nil
}

func (w *Writer) removeWorkingFile() error {
	path := w.storage.Path
	if w.storage.BlobsDirMode {
		path = w.f.Name()
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("blobwriter: remove %s: %w", path, errs.IoError)
	}
	return nil
}

// abortCleanup runs when the build's cleanup scope unwinds; it is a no-op
// once Release has finalized or discarded the blob.
func (w *Writer) abortCleanup() error {
	if atomic.LoadUint32(&w.released) != 0 {
		return nil
	}
	w.f.Close()
	return w.removeWorkingFile()
}
