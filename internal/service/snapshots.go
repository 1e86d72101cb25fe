package service

import (
	"context"
	"io"
	"iter"

	"github.com/mdouchement/logger"
	"github.com/opencontainers/go-digest"

	"github.com/mdouchement/s3cache/internal/cacheerror"
	"github.com/mdouchement/s3cache/internal/model"
	"github.com/mdouchement/s3cache/internal/storage"
	"github.com/mdouchement/s3cache/internal/xpath"
)

// Snapshots lists, inspects and deletes snapshots. It only touches manifests, never blobs.
type Snapshots struct {
	ctrl   Controller
	logger logger.Logger
}

// NewSnapshots returns a new Snapshots.
func NewSnapshots(ctrl Controller) *Snapshots {
	return &Snapshots{
		ctrl:   ctrl,
		logger: ctrl.Logger.WithPrefix("[snapshots]"),
	}
}

// List lazily yields the snapshot names. Calling it again restarts the listing.
func (s *Snapshots) List(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for key, err := range s.ctrl.Storage.List(ctx, s.ctrl.Layout.Snapshots()) {
			if err != nil {
				yield("", cacheerror.New(cacheerror.Store, "list", err))
				return
			}

			name, ok := s.ctrl.Layout.SnapshotName(key)
			if !ok {
				continue
			}
			if !yield(name, nil) {
				return
			}
		}
	}
}

// Show returns the manifest of the named snapshot.
func (s *Snapshots) Show(ctx context.Context, name string) (*model.Manifest, error) {
	if err := validateName("show", name); err != nil {
		return nil, err
	}
	return fetchManifest(ctx, s.ctrl, "show", name)
}

// Open returns the content of the file stored at path in the named snapshot.
// The returned reader fails with a Corruption error at EOF when the content does not match its digest.
func (s *Snapshots) Open(ctx context.Context, name, path string) (io.ReadCloser, *model.Entry, error) {
	if err := validateName("open", name); err != nil {
		return nil, nil, err
	}

	manifest, err := fetchManifest(ctx, s.ctrl, "open", name)
	if err != nil {
		return nil, nil, err
	}

	path = xpath.Normalize(path)
	var entry *model.Entry
	for i := range manifest.Files {
		if manifest.Files[i].Path == path {
			entry = &manifest.Files[i]
			break
		}
	}
	if entry == nil {
		return nil, nil, cacheerror.Newf(cacheerror.NotFound, "open", "%s not found in snapshot %q", path, name)
	}

	//

	d := manifest.Digest(*entry)
	rc, err := s.ctrl.Storage.Get(ctx, s.ctrl.Layout.Blob(d))
	if storage.IsNotFound(err) {
		return nil, nil, cacheerror.Newf(cacheerror.Corruption, "open", "blob %s of %s is missing from the store", d, entry.Path)
	}
	if err != nil {
		return nil, nil, cacheerror.New(cacheerror.Store, "open", err)
	}

	return &verifiedReader{
		rc:       rc,
		digest:   d,
		verifier: d.Verifier(),
	}, entry, nil
}

// Delete removes the manifest of the named snapshot.
// A missing snapshot is reported as NotFound, like download does.
// Blobs are kept: other snapshots may reference them.
func (s *Snapshots) Delete(ctx context.Context, name string) error {
	if err := validateName("delete", name); err != nil {
		return err
	}

	key := s.ctrl.Layout.Snapshot(name)
	exists, err := s.ctrl.Storage.Exists(ctx, key)
	if err != nil {
		return cacheerror.New(cacheerror.Store, "delete", err)
	}
	if !exists {
		return cacheerror.Newf(cacheerror.NotFound, "delete", "snapshot %q not found", name)
	}

	if err = s.ctrl.Storage.Delete(ctx, key); err != nil {
		return cacheerror.New(cacheerror.Store, "delete", err)
	}

	s.logger.Infof("Deleted %s", name)
	return nil
}

// verifiedReader checks the digest of the content once it is fully read.
type verifiedReader struct {
	rc       io.ReadCloser
	digest   digest.Digest
	verifier digest.Verifier
}

func (r *verifiedReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	r.verifier.Write(p[:n])

	switch {
	case err == io.EOF && !r.verifier.Verified():
		return n, cacheerror.Newf(cacheerror.Corruption, "open", "content does not match %s", r.digest)
	case err != nil && err != io.EOF:
		return n, cacheerror.New(cacheerror.Store, "open", err)
	}
	return n, err
}

func (r *verifiedReader) Close() error {
	return r.rc.Close()
}
