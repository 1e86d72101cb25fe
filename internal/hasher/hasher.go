// Package hasher computes the content digests used as blob keys.
package hasher

import (
	"io"

	"github.com/opencontainers/go-digest"
	_ "github.com/opencontainers/go-digest/blake3" // registers digest.BLAKE3
	"github.com/pkg/errors"
)

// Default is the algorithm used when none is configured.
const Default = digest.SHA256

// A Hasher digests byte streams with a fixed algorithm.
type Hasher struct {
	algorithm digest.Algorithm
}

// New returns a Hasher for the named algorithm, the default one when name is empty.
func New(name string) (*Hasher, error) {
	algorithm := Default
	if name != "" {
		algorithm = digest.Algorithm(name)
	}
	if !algorithm.Available() {
		return nil, errors.Errorf("unsupported digest algorithm %q", name)
	}

	return &Hasher{algorithm: algorithm}, nil
}

// Algorithm returns the digest algorithm.
func (h *Hasher) Algorithm() digest.Algorithm {
	return h.algorithm
}

// Digest reads r until EOF and returns its digest.
// The stream is consumed incrementally.
func (h *Hasher) Digest(r io.Reader) (digest.Digest, error) {
	d, err := h.algorithm.FromReader(r)
	return d, errors.Wrap(err, "digest")
}

// Parse builds the digest of the given algorithm from its hex encoding and validates it.
func Parse(algorithm digest.Algorithm, encoded string) (digest.Digest, error) {
	d := digest.NewDigestFromEncoded(algorithm, encoded)
	return d, errors.Wrap(d.Validate(), "parse digest")
}
