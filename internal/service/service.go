// Package service implements the snapshot operations: upload, download, listing and deletion.
//
// Blobs are written once under their content digest and a manifest is published
// under the snapshot name only after every blob it references is stored.
package service

import (
	"context"

	"github.com/mdouchement/logger"

	"github.com/mdouchement/s3cache/internal/cacheerror"
	"github.com/mdouchement/s3cache/internal/hasher"
	"github.com/mdouchement/s3cache/internal/model"
	"github.com/mdouchement/s3cache/internal/storage"
	"github.com/mdouchement/s3cache/internal/xpath"
)

// DefaultConcurrency is the number of entries processed simultaneously when none is configured.
const DefaultConcurrency = 8

// A Controller is an Inversion Of Control pattern used to init the services.
// It is built once and shared read-only by every operation.
type Controller struct {
	Logger      logger.Logger
	Storage     storage.Backend
	Hasher      *hasher.Hasher
	Layout      xpath.Layout
	Concurrency int
}

func (c Controller) concurrency() int {
	if c.Concurrency < 1 {
		return DefaultConcurrency
	}
	return c.Concurrency
}

func validateName(op, name string) error {
	if err := xpath.ValidateName(name); err != nil {
		return cacheerror.New(cacheerror.Invalid, op, err)
	}
	return nil
}

// fetchManifest reads and decodes the manifest of the named snapshot.
func fetchManifest(ctx context.Context, ctrl Controller, op, name string) (*model.Manifest, error) {
	rc, err := ctrl.Storage.Get(ctx, ctrl.Layout.Snapshot(name))
	if storage.IsNotFound(err) {
		return nil, cacheerror.Newf(cacheerror.NotFound, op, "snapshot %q not found", name)
	}
	if err != nil {
		return nil, cacheerror.New(cacheerror.Store, op, err)
	}
	defer rc.Close()

	manifest, err := model.Decode(rc)
	if err != nil {
		return nil, cacheerror.New(cacheerror.ManifestFormat, op, err)
	}
	return manifest, nil
}
