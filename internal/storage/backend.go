package storage

import (
	"context"
	"io"
	"iter"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("key not found")

// Backend is the interface that wraps the basic object store operations.
// Implementations are safe for concurrent use.
type Backend interface {
	// Name returns the name of the backend implementation.
	Name() string

	// Exists reports whether key is present, using a metadata only request when possible.
	Exists(ctx context.Context, key string) (bool, error)
	// Put stores size bytes read from r under key, replacing any previous content.
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	// Get returns a ReadCloser of the content stored under key or ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes key. Removing a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List lazily yields the keys starting with prefix, fetching pages on demand.
	// Each call starts a new listing.
	List(ctx context.Context, prefix string) iter.Seq2[string, error]

	// Close releases the resources held by the backend.
	Close() error
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
