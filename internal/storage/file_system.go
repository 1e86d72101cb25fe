package storage

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
)

// tmpDir holds the files being written, outside of the key space.
const tmpDir = ".tmp"

type filesystem struct {
	workspace string
	tmp       string
}

// NewFileSystem returns a new File System backend rooted at workspace.
// Keys are slash separated paths below the workspace.
func NewFileSystem(workspace string, create bool) (Backend, error) {
	workspace, err := filepath.Abs(workspace)
	if err != nil {
		return nil, errors.Wrap(err, "could not resolve workspace")
	}

	info, err := os.Stat(workspace)
	switch {
	case os.IsNotExist(err) && create:
		if err = os.MkdirAll(workspace, 0o755); err != nil {
			return nil, errors.Wrap(err, "could not create workspace")
		}
	case err != nil:
		return nil, errors.Wrap(err, "could not open workspace")
	case !info.IsDir():
		return nil, errors.Errorf("workspace %s is not a directory", workspace)
	}

	return &filesystem{
		workspace: workspace,
		tmp:       filepath.Join(workspace, tmpDir),
	}, nil
}

func (b *filesystem) Name() string {
	return "file_system"
}

func (b *filesystem) Exists(_ context.Context, key string) (bool, error) {
	filename, err := b.filename(key)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(filename)
	if err == nil {
		return info.Mode().IsRegular(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrap(err, "could not stat file")
}

// Put writes the content to a temporary file renamed over the key once complete.
func (b *filesystem) Put(ctx context.Context, key string, r io.Reader, _ int64) error {
	filename, err := b.filename(key)
	if err != nil {
		return err
	}

	if err = os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return errors.Wrap(err, "could not create directory")
	}

	if err = os.MkdirAll(b.tmp, 0o755); err != nil {
		return errors.Wrap(err, "could not create temporary directory")
	}

	tmp := filepath.Join(b.tmp, uuid.Must(uuid.NewV4()).String())
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "could not create file")
	}
	defer os.Remove(tmp)

	//

	_, err = io.Copy(f, &contextReader{ctx: ctx, r: r})
	if err != nil {
		f.Close()
		return errors.Wrap(err, "could not write file")
	}

	if err = f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "could not sync file")
	}
	if err = f.Close(); err != nil {
		return errors.Wrap(err, "could not close file")
	}

	return errors.Wrap(os.Rename(tmp, filename), "could not rename file")
}

func (b *filesystem) Get(_ context.Context, key string) (io.ReadCloser, error) {
	filename, err := b.filename(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filename)
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not open file")
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "could not stat file")
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, errors.Wrap(ErrNotFound, key)
	}
	return f, nil
}

func (b *filesystem) Delete(_ context.Context, key string) error {
	filename, err := b.filename(key)
	if err != nil {
		return err
	}

	err = os.Remove(filename)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "could not delete file")
	}

	b.cleanup(filepath.Dir(filename))
	return nil
}

func (b *filesystem) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		dir := prefix
		if !strings.HasSuffix(dir, "/") {
			dir = path.Dir(dir)
		}

		root, err := b.filename(dir)
		if err != nil {
			yield("", err)
			return
		}

		err = filepath.WalkDir(root, func(filename string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) && filename == root {
					return filepath.SkipAll
				}
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() {
				if filename == b.tmp {
					return filepath.SkipDir
				}
				return nil
			}

			rel, err := filepath.Rel(b.workspace, filename)
			if err != nil {
				return err
			}

			key := filepath.ToSlash(rel)
			if !strings.HasPrefix(key, prefix) {
				return nil
			}
			if !yield(key, nil) {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			yield("", errors.Wrap(err, "could not list files"))
		}
	}
}

func (b *filesystem) Close() error {
	return nil
}

func (b *filesystem) filename(key string) (string, error) {
	filename, err := securejoin.SecureJoin(b.workspace, filepath.FromSlash(key))
	if err != nil {
		return "", errors.Wrapf(err, "invalid key %q", key)
	}
	if filename == b.tmp || strings.HasPrefix(filename, b.tmp+string(filepath.Separator)) {
		return "", errors.Errorf("invalid key %q: %s is reserved", key, tmpDir)
	}
	return filename, nil
}

// cleanup removes the empty directories from dirname up to the workspace.
func (b *filesystem) cleanup(dirname string) {
	for dirname != b.workspace && strings.HasPrefix(dirname, b.workspace) {
		entries, err := os.ReadDir(dirname)
		if err != nil || len(entries) > 0 {
			return
		}
		if os.Remove(dirname) != nil {
			return
		}
		dirname = filepath.Dir(dirname)
	}
}

// contextReader stops reading once its context is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
