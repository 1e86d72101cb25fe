package xpath

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// Unescape returns the URL unescaped form of p, or p itself when it is not escaped properly.
func Unescape(p string) string {
	cp, err := url.PathUnescape(p)
	if err == nil {
		return cp
	}
	return p
}

// Normalize converts a local relative path to the slash separated form stored in manifests.
func Normalize(p string) string {
	return path.Clean(filepath.ToSlash(filepath.Clean(p)))
}

// ValidateEntry checks that p is a clean, relative, slash separated path
// that cannot escape the directory it is extracted into.
func ValidateEntry(p string) error {
	switch {
	case p == "" || p == ".":
		return errors.New("empty path")
	case strings.HasPrefix(p, "/"):
		return errors.Errorf("absolute path %q", p)
	case strings.ContainsRune(p, '\\'):
		return errors.Errorf("path %q is not slash separated", p)
	case path.Clean(p) != p:
		return errors.Errorf("path %q is not clean", p)
	case p == ".." || strings.HasPrefix(p, "../"):
		return errors.Errorf("path %q escapes its root", p)
	}
	return nil
}

// ValidateName checks that name can be used as a snapshot name.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("snapshot name is empty")
	}

	for _, r := range name {
		if r == '\\' || unicode.IsControl(r) {
			return errors.Errorf("snapshot name %q contains forbidden character %q", name, r)
		}
	}

	for _, segment := range strings.Split(name, "/") {
		switch segment {
		case "", ".", "..", ManifestFile:
			return errors.Errorf("snapshot name %q contains an invalid segment %q", name, segment)
		}
	}
	return nil
}
