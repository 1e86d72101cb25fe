// Package storage implements the object stores holding blobs and manifests.
package storage

import (
	"context"

	"github.com/mdouchement/logger"
	"github.com/pkg/errors"

	"github.com/mdouchement/s3cache/internal/config"
)

// Open returns the backend selected by the configuration.
// The bucket (or container) is created when missing and cfg.CreateBucket is set.
func Open(ctx context.Context, cfg config.Config, log logger.Logger) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	log = log.WithPrefix("[" + cfg.Backend + "]")

	switch cfg.Backend {
	case config.BackendS3:
		return NewS3(ctx, cfg, log)
	case config.BackendSwift:
		return NewSwift(ctx, cfg, log)
	case config.BackendFileSystem:
		return NewFileSystem(cfg.Path, cfg.CreateBucket)
	case config.BackendBolt:
		return NewBolt(cfg.Path)
	default:
		return nil, errors.Errorf("unknown backend %q", cfg.Backend)
	}
}
