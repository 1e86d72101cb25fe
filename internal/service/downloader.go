package service

import (
	"context"
	"io"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/gofrs/uuid"
	"github.com/mdouchement/logger"
	"golang.org/x/sync/errgroup"

	"github.com/mdouchement/s3cache/internal/cacheerror"
	"github.com/mdouchement/s3cache/internal/model"
	"github.com/mdouchement/s3cache/internal/storage"
)

// A Downloader rebuilds the file tree of a snapshot.
type Downloader struct {
	ctrl   Controller
	logger logger.Logger
}

// NewDownloader returns a new Downloader.
func NewDownloader(ctrl Controller) *Downloader {
	return &Downloader{
		ctrl:   ctrl,
		logger: ctrl.Logger.WithPrefix("[download]"),
	}
}

// Download writes the files of the named snapshot below outpath and restores their permissions.
// On failure the files already written are left in place.
func (s *Downloader) Download(ctx context.Context, name, outpath string) (*model.Manifest, error) {
	if err := validateName("download", name); err != nil {
		return nil, err
	}

	manifest, err := fetchManifest(ctx, s.ctrl, "download", name)
	if err != nil {
		return nil, err
	}

	if err = os.MkdirAll(outpath, 0o755); err != nil {
		return nil, cacheerror.New(cacheerror.LocalIO, "download", err)
	}
	root, err := filepath.Abs(outpath)
	if err != nil {
		return nil, cacheerror.New(cacheerror.LocalIO, "download", err)
	}

	//

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.ctrl.concurrency())

	s.logger.Debugf("Dispatching %d download jobs for %s", len(manifest.Files), name)
	for _, entry := range manifest.Files {
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			return s.download(ctx, manifest, entry, root)
		})
	}

	if err = g.Wait(); err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	s.logger.Infof("Downloaded %s: %d files to %s", name, len(manifest.Files), outpath)
	return manifest, nil
}

func (s *Downloader) download(ctx context.Context, manifest *model.Manifest, entry model.Entry, root string) error {
	filename, err := securejoin.SecureJoin(root, filepath.FromSlash(entry.Path))
	if err != nil {
		return cacheerror.New(cacheerror.LocalIO, "download", err)
	}

	dir := filepath.Dir(filename)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return cacheerror.New(cacheerror.LocalIO, "download", err)
	}

	//

	d := manifest.Digest(entry)
	rc, err := s.ctrl.Storage.Get(ctx, s.ctrl.Layout.Blob(d))
	if storage.IsNotFound(err) {
		return cacheerror.Newf(cacheerror.Corruption, "download", "blob %s of %s is missing from the store", d, entry.Path)
	}
	if err != nil {
		return cacheerror.New(cacheerror.Store, "download", err)
	}
	defer rc.Close()

	tmp := filepath.Join(dir, "."+uuid.Must(uuid.NewV4()).String()+".part")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return cacheerror.New(cacheerror.LocalIO, "download", err)
	}
	defer os.Remove(tmp)
	defer f.Close()

	s.logger.Debugf("Downloading %s from %s", entry.Path, d)

	verifier := d.Verifier()
	_, err = io.Copy(io.MultiWriter(&localWriter{w: f}, verifier), rc)
	if err != nil {
		if cacheerror.Is(err, cacheerror.LocalIO) {
			return err
		}
		return cacheerror.New(cacheerror.Store, "download", err)
	}
	if !verifier.Verified() {
		return cacheerror.Newf(cacheerror.Corruption, "download", "content of %s does not match %s", entry.Path, d)
	}

	//

	if err = f.Chmod(entry.Mode); err != nil {
		return cacheerror.New(cacheerror.LocalIO, "download", err)
	}
	if err = f.Close(); err != nil {
		return cacheerror.New(cacheerror.LocalIO, "download", err)
	}
	if err = os.Rename(tmp, filename); err != nil {
		return cacheerror.New(cacheerror.LocalIO, "download", err)
	}
	return nil
}

// localWriter classifies write failures as local I/O errors.
type localWriter struct {
	w io.Writer
}

func (w *localWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if err != nil {
		err = cacheerror.New(cacheerror.LocalIO, "download", err)
	}
	return n, err
}
