package service

import (
	"bytes"
	"context"
	"io"
	"iter"
	"os"
	"sync/atomic"

	"github.com/mdouchement/logger"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/mdouchement/s3cache/internal/cacheerror"
	"github.com/mdouchement/s3cache/internal/model"
	"github.com/mdouchement/s3cache/internal/walker"
)

// An Uploader deduplicates local files into content addressed blobs and publishes snapshots.
// It is safe for concurrent use.
type Uploader struct {
	ctrl   Controller
	logger logger.Logger
}

// A Report describes a published snapshot.
type Report struct {
	Manifest *model.Manifest
	// Uploaded is the number of blobs written to the store.
	Uploaded int64
	// Skipped is the number of blobs already present in the store.
	Skipped int64
}

// counters are the blob statistics of one Upload.
type counters struct {
	uploaded atomic.Int64
	skipped  atomic.Int64
}

// NewUploader returns a new Uploader.
func NewUploader(ctrl Controller) *Uploader {
	return &Uploader{
		ctrl:   ctrl,
		logger: ctrl.Logger.WithPrefix("[upload]"),
	}
}

// Upload stores the blobs of entries missing from the store then publishes
// the manifest under name, replacing any previous one.
//
// The first failure stops the scheduling of new entries; started ones are left
// to settle and no manifest is published.
func (s *Uploader) Upload(ctx context.Context, name string, entries iter.Seq2[walker.Entry, error]) (*Report, error) {
	if err := validateName("upload", name); err != nil {
		return nil, err
	}
	stats := &counters{}

	var files []*model.Entry
	sources := map[string]string{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.ctrl.concurrency())

	var err error
	for entry, werr := range entries {
		if werr != nil {
			err = werr
			break
		}
		if gctx.Err() != nil {
			break
		}

		if source, ok := sources[entry.Path]; ok {
			if source == entry.Source {
				continue
			}
			err = cacheerror.Newf(cacheerror.EntryKind, "upload", "%s and %s are both stored as %s", source, entry.Source, entry.Path)
			break
		}
		sources[entry.Path] = entry.Source

		file := &model.Entry{
			Path: entry.Path,
			Mode: entry.Mode,
		}
		files = append(files, file)

		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			// ctx rather than gctx: in-flight transfers settle instead of being aborted.
			return s.upload(ctx, entry, file, stats)
		})
	}

	if gerr := g.Wait(); err == nil {
		err = gerr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		s.logger.Errorf("Upload of %s aborted, no manifest published: %s", name, err)
		return nil, err
	}

	//

	manifest := model.NewManifest(s.ctrl.Hasher.Algorithm())
	for _, file := range files {
		manifest.Files = append(manifest.Files, *file)
	}
	manifest.Sort()

	if err := s.publish(ctx, name, manifest); err != nil {
		return nil, err
	}

	report := &Report{
		Manifest: manifest,
		Uploaded: stats.uploaded.Load(),
		Skipped:  stats.skipped.Load(),
	}
	s.logger.Infof("Published %s: %d files, %d blobs uploaded, %d already stored", name, len(manifest.Files), report.Uploaded, report.Skipped)
	return report, nil
}

// upload digests the entry and stores its content unless the blob already exists.
// Two uploads of the same content may both miss the existence check and both put the blob:
// the second put writes identical bytes under the same key, which is harmless.
func (s *Uploader) upload(ctx context.Context, entry walker.Entry, file *model.Entry, stats *counters) error {
	f, err := os.Open(entry.Source)
	if err != nil {
		return cacheerror.New(cacheerror.LocalIO, "upload", err)
	}
	defer f.Close()

	d, err := s.ctrl.Hasher.Digest(f)
	if err != nil {
		return cacheerror.New(cacheerror.LocalIO, "upload", err)
	}
	size, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return cacheerror.New(cacheerror.LocalIO, "upload", err)
	}

	file.Hash = d.Encoded()
	file.Size = size

	//

	key := s.ctrl.Layout.Blob(d)
	exists, err := s.ctrl.Storage.Exists(ctx, key)
	if err != nil {
		return cacheerror.New(cacheerror.Store, "upload", err)
	}
	if exists {
		stats.skipped.Add(1)
		s.logger.Debugf("Skipping %s, %s already stored", entry.Path, d)
		return nil
	}

	if _, err = f.Seek(0, io.SeekStart); err != nil {
		return cacheerror.New(cacheerror.LocalIO, "upload", err)
	}

	s.logger.Infof("Inserting %s (%d bytes)", entry.Path, size)
	r := newContentReader(f, entry.Path, d, size)
	err = s.ctrl.Storage.Put(ctx, key, r, size)
	if err != nil {
		if cacheerror.Is(err, cacheerror.LocalIO) {
			return err
		}
		return cacheerror.New(cacheerror.Store, "upload", err)
	}

	if !r.Verified() {
		// The store accepted content it did not read in full.
		if derr := s.ctrl.Storage.Delete(ctx, key); derr != nil {
			s.logger.Errorf("Could not remove unverified blob %s: %s", key, derr)
		}
		return r.changed()
	}

	stats.uploaded.Add(1)
	return nil
}

func (s *Uploader) publish(ctx context.Context, name string, manifest *model.Manifest) error {
	payload, err := model.Encode(manifest)
	if err != nil {
		return cacheerror.New(cacheerror.ManifestFormat, "publish", err)
	}

	key := s.ctrl.Layout.Snapshot(name)
	s.logger.Debugf("Pushing manifest with %d files to %s", len(manifest.Files), key)

	err = s.ctrl.Storage.Put(ctx, key, bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return cacheerror.New(cacheerror.Store, "publish", err)
	}
	return nil
}

// contentReader feeds a blob to the store and fails as soon as the bytes read
// diverge from the digest computed beforehand, so that a file modified during
// its upload is never committed under a digest it does not match.
// Seeking back to the start restarts the verification.
type contentReader struct {
	f      *os.File
	path   string
	digest digest.Digest
	size   int64

	verifier digest.Verifier
	read     int64
	tracked  bool
}

func newContentReader(f *os.File, path string, d digest.Digest, size int64) *contentReader {
	r := &contentReader{
		f:      f,
		path:   path,
		digest: d,
		size:   size,
	}
	r.reset()
	return r
}

func (r *contentReader) reset() {
	r.verifier = r.digest.Verifier()
	r.read = 0
	r.tracked = true
}

func (r *contentReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if !r.tracked {
		return n, err
	}

	r.verifier.Write(p[:n])
	r.read += int64(n)

	switch {
	case r.read > r.size:
		return n, r.changed()
	case r.read == r.size && !r.verifier.Verified():
		return n, r.changed()
	case err == io.EOF && r.read < r.size:
		return n, r.changed()
	}
	return n, err
}

func (r *contentReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := r.f.Seek(offset, whence)
	if err != nil {
		return pos, err
	}

	switch {
	case pos == 0:
		r.reset()
	case pos != r.read:
		r.tracked = false
	}
	return pos, nil
}

// Verified reports whether the whole content has been read and matches the digest.
func (r *contentReader) Verified() bool {
	return r.tracked && r.read == r.size && r.verifier.Verified()
}

func (r *contentReader) changed() error {
	return cacheerror.Newf(cacheerror.LocalIO, "upload", "%s changed while being uploaded, it no longer matches %s", r.path, r.digest)
}
