package model

import (
	"io/fs"
	"sort"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/mdouchement/s3cache/internal/hasher"
	"github.com/mdouchement/s3cache/internal/xpath"
)

// Version is the manifest schema version written by this package.
const Version = 1

// An Entry is one regular file tracked by a snapshot.
// Directories are implied by the entry paths.
type Entry struct {
	// Path is the slash separated path relative to the snapshot root.
	Path string `json:"path"`
	// Hash is the hex encoded digest of the file content.
	Hash string      `json:"hash"`
	Mode fs.FileMode `json:"mode"`
	Size int64       `json:"size"`
}

// Executable reports whether any execute bit is set.
func (e Entry) Executable() bool {
	return e.Mode&0o111 != 0
}

// A Manifest maps a snapshot name to the content blobs needed to rebuild its tree.
type Manifest struct {
	Version   int              `json:"version"`
	Algorithm digest.Algorithm `json:"algorithm"`
	Files     []Entry          `json:"files"`
}

// NewManifest returns an empty manifest for blobs digested with algorithm.
func NewManifest(algorithm digest.Algorithm) *Manifest {
	return &Manifest{
		Version:   Version,
		Algorithm: algorithm,
		Files:     []Entry{},
	}
}

// Digest returns the content digest of the entry.
func (m *Manifest) Digest(e Entry) digest.Digest {
	return digest.NewDigestFromEncoded(m.Algorithm, e.Hash)
}

// Sort orders the entries by path.
func (m *Manifest) Sort() {
	sort.Slice(m.Files, func(i, j int) bool {
		return m.Files[i].Path < m.Files[j].Path
	})
}

// Size returns the cumulated size of the entries.
func (m *Manifest) Size() (n int64) {
	for _, e := range m.Files {
		n += e.Size
	}
	return n
}

// Validate checks the manifest invariants: supported version and algorithm,
// safe relative paths, unique paths and well formed digests.
func (m *Manifest) Validate() error {
	if m.Version != Version {
		return errors.Errorf("unsupported manifest version %d", m.Version)
	}
	if !m.Algorithm.Available() {
		return errors.Errorf("unsupported digest algorithm %q", m.Algorithm)
	}

	seen := make(map[string]struct{}, len(m.Files))
	for _, e := range m.Files {
		if err := xpath.ValidateEntry(e.Path); err != nil {
			return errors.Wrap(err, "entry")
		}
		if _, ok := seen[e.Path]; ok {
			return errors.Errorf("duplicate entry %q", e.Path)
		}
		seen[e.Path] = struct{}{}

		if _, err := hasher.Parse(m.Algorithm, e.Hash); err != nil {
			return errors.Wrapf(err, "entry %q", e.Path)
		}
		if e.Mode&^fs.ModePerm != 0 {
			return errors.Errorf("entry %q has unsupported mode %o", e.Path, e.Mode)
		}
	}
	return nil
}
