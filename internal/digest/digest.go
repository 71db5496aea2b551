// Package digest implements the content digests used to identify chunks and
// blobs.
package digest

import (
	"crypto/sha256"
	"hash"

	"golang.org/x/xerrors"
	"lukechampine.com/blake3"

	"github.com/rafsimage/builder/internal/errs"
)

// Size is the fixed digest length in bytes, regardless of algorithm.
const Size = 32

// Digest is a fixed-length content hash. Equal digests are assumed to imply
// identical plaintext; collisions are treated as impossible.
type Digest [Size]byte

// IsZero reports whether d is the all-zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Algorithm selects the digest function used at build time.
type Algorithm uint8

const (
	BLAKE3 Algorithm = iota
	SHA256
)

// String returns the algorithm's canonical lowercase name.
func (a Algorithm) String() string {
	switch a {
	case BLAKE3:
		return "blake3"
	case SHA256:
		return "sha256"
	default:
		return "unknown"
	}
}

// New returns a running hasher for alg.
func New(alg Algorithm) (*Hasher, error) {
	var h hash.Hash
	switch alg {
	case BLAKE3:
		h = blake3.New(Size, nil)
	case SHA256:
		h = sha256.New()
	default:
		return nil, xerrors.Errorf("digest.New(%d): %w", alg, errs.Unsupported)
	}
	return &Hasher{alg: alg, h: h}, nil
}

// Hasher is a streaming digest computation.
type Hasher struct {
	alg Algorithm
	h   hash.Hash
}

// Write implements io.Writer.
func (hr *Hasher) Write(p []byte) (int, error) {
	return hr.h.Write(p)
}

// Sum returns the digest of everything written so far, without resetting
// the hasher.
func (hr *Hasher) Sum() Digest {
	var d Digest
	sum := hr.h.Sum(nil)
	copy(d[:], sum)
	return d
}

// Of computes the digest of b in one call.
func Of(alg Algorithm, b []byte) (Digest, error) {
	hr, err := New(alg)
	if err != nil {
		return Digest{}, err
	}
	if _, err := hr.Write(b); err != nil {
		return Digest{}, xerrors.Errorf("digest.Of: %w", err)
	}
	return hr.Sum(), nil
}
