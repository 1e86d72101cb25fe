// Package walker enumerates the local files of a snapshot.
//
// Symbolic links are followed when they point to a regular file: the entry
// gets the target content and permissions under the link path. Links to
// directories are rejected in both modes, which keeps walks finite.
package walker

import (
	"io/fs"
	"iter"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/mdouchement/s3cache/internal/cacheerror"
	"github.com/mdouchement/s3cache/internal/xpath"
)

// An Entry is a local regular file to snapshot.
type Entry struct {
	// Path is the slash separated path stored in the manifest.
	Path string
	// Source is the absolute path of the file on the local filesystem.
	Source string
	Mode   fs.FileMode
	Size   int64
}

// Walk lazily enumerates the regular files designated by paths.
// When recursive is false every path must be a regular file.
// Otherwise directories are walked and their files are named relative to the directory's parent.
//
// The sequence stops at the first error.
func Walk(paths []string, recursive bool) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for _, p := range paths {
			info, err := os.Stat(p)
			if err != nil {
				yield(Entry{}, cacheerror.New(cacheerror.LocalIO, "walk", err))
				return
			}

			if !info.IsDir() {
				entry, err := newEntry(p, relative(p), info)
				if !yield(entry, err) || err != nil {
					return
				}
				continue
			}

			if !recursive {
				yield(Entry{}, cacheerror.Newf(cacheerror.EntryKind, "walk", "%s is a directory, use recursive mode to include it", p))
				return
			}

			if !walkDir(p, yield) {
				return
			}
		}
	}
}

// walkDir yields the files of root and returns false when the iteration must stop.
func walkDir(root string, yield func(Entry, error) bool) bool {
	base := filepath.Dir(filepath.Clean(root))

	stopped := false
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return cacheerror.New(cacheerror.LocalIO, "walk", err)
		}
		if d.IsDir() {
			return nil
		}

		info, err := os.Stat(path) // follows symlinks
		if err != nil {
			return cacheerror.New(cacheerror.LocalIO, "walk", err)
		}

		rel, err := filepath.Rel(base, path)
		if err != nil {
			return cacheerror.New(cacheerror.LocalIO, "walk", err)
		}

		entry, err := newEntry(path, xpath.Normalize(rel), info)
		if err != nil {
			return err
		}
		if !yield(entry, nil) {
			stopped = true
			return filepath.SkipAll
		}
		return nil
	})

	if err != nil {
		yield(Entry{}, err)
		return false
	}
	return !stopped
}

func newEntry(path, rel string, info fs.FileInfo) (Entry, error) {
	if info.IsDir() {
		return Entry{}, cacheerror.Newf(cacheerror.EntryKind, "walk", "%s is a symbolic link to a directory", path)
	}
	if !info.Mode().IsRegular() {
		return Entry{}, cacheerror.Newf(cacheerror.EntryKind, "walk", "%s is not a regular file", path)
	}
	if err := xpath.ValidateEntry(rel); err != nil {
		return Entry{}, cacheerror.New(cacheerror.EntryKind, "walk", errors.Wrap(err, path))
	}

	source, err := filepath.Abs(path)
	if err != nil {
		return Entry{}, cacheerror.New(cacheerror.LocalIO, "walk", err)
	}

	return Entry{
		Path:   rel,
		Source: source,
		Mode:   info.Mode().Perm(),
		Size:   info.Size(),
	}, nil
}

// relative returns the manifest path of an explicitly listed file:
// the path itself when it stays below the working directory, its base name otherwise.
func relative(p string) string {
	if filepath.IsLocal(p) {
		return xpath.Normalize(p)
	}
	return filepath.Base(p)
}
