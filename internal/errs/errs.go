// Package errs defines the error kinds surfaced by the builder.
//
// These are kinds, not types: call sites compare with errors.Is and wrap
// with golang.org/x/xerrors, they never type-assert a concrete struct.
package errs

import "errors"

var (
	// IoError wraps any underlying filesystem or I/O failure.
	IoError = errors.New("io error")

	// InvalidArgument reports a precondition violated before I/O begins
	// (chunk-size bounds, blob-id length, non-directory source, ...).
	InvalidArgument = errors.New("invalid argument")

	// CorruptMetadata reports a blob-meta or bootstrap structure that
	// fails validation against its declared bounds.
	CorruptMetadata = errors.New("corrupt metadata")

	// LimitExceeded reports a counter overflowing its on-disk field width
	// (chunk index past uint32, blob count past 2^32, ...).
	LimitExceeded = errors.New("limit exceeded")

	// NotReady reports a blob-meta file observed between creation and the
	// final magic write.
	NotReady = errors.New("not ready")

	// Unsupported reports a requested mode this build does not implement
	// (e.g. an unknown compressor id).
	Unsupported = errors.New("unsupported")
)
