package xpath

import (
	"path"
	"strings"

	"github.com/opencontainers/go-digest"
)

const (
	snapshotsDir = "snapshots"
	blobsDir     = "blobs"
	// ManifestFile is the last segment of every manifest key.
	// Snapshot names can then nest (feature and feature/x) on stores where a key is a file.
	ManifestFile = ".manifest"
)

// A Layout maps snapshots and blobs to object keys.
// Manifests and blobs live under disjoint prefixes so a snapshot name never collides with a digest.
type Layout struct {
	Prefix string
}

// NewLayout returns a Layout rooted at prefix.
func NewLayout(prefix string) Layout {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix = path.Clean(prefix)
	}
	return Layout{Prefix: prefix}
}

func (l Layout) join(elem ...string) string {
	if l.Prefix != "" {
		elem = append([]string{l.Prefix}, elem...)
	}
	return strings.Join(elem, "/")
}

// Snapshots returns the key prefix shared by all the manifests.
func (l Layout) Snapshots() string {
	return l.join(snapshotsDir) + "/"
}

// Snapshot returns the manifest key of the named snapshot.
func (l Layout) Snapshot(name string) string {
	return l.join(snapshotsDir, name, ManifestFile)
}

// SnapshotName extracts the snapshot name from a manifest key.
func (l Layout) SnapshotName(key string) (string, bool) {
	name, ok := strings.CutPrefix(key, l.Snapshots())
	if !ok {
		return "", false
	}
	name, ok = strings.CutSuffix(name, "/"+ManifestFile)
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// Blobs returns the key prefix of the blobs digested with algorithm.
func (l Layout) Blobs(algorithm digest.Algorithm) string {
	return l.join(blobsDir, algorithm.String()) + "/"
}

// Blob returns the key of the blob addressed by d.
func (l Layout) Blob(d digest.Digest) string {
	return l.join(blobsDir, d.Algorithm().String(), d.Encoded())
}
