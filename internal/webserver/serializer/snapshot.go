package serializer

import (
	"fmt"
	"strings"

	"github.com/mdouchement/s3cache/internal/model"
)

// TextSnapshots returns the text serialized form of the given snapshot names.
func TextSnapshots(names []string) string {
	return strings.Join(names, "\n")
}

// Snapshots returns the serialized form of the given snapshot names.
func Snapshots(names []string) []map[string]interface{} {
	sl := make([]map[string]interface{}, 0, len(names))

	for _, name := range names {
		sl = append(sl, map[string]interface{}{
			"name": name,
		})
	}

	return sl
}

// TextManifest returns the text serialized form of the given manifest, one file per line.
func TextManifest(manifest *model.Manifest) string {
	sl := make([]string, 0, len(manifest.Files))

	for _, entry := range manifest.Files {
		sl = append(sl, fmt.Sprintf("%s %10d %s", entry.Mode, entry.Size, entry.Path))
	}

	return strings.Join(sl, "\n")
}

// Manifest returns the serialized form of the given manifest.
func Manifest(name string, manifest *model.Manifest) map[string]interface{} {
	files := make([]map[string]interface{}, 0, len(manifest.Files))
	for _, entry := range manifest.Files {
		files = append(files, Entry(manifest, entry))
	}

	return map[string]interface{}{
		"name":      name,
		"version":   manifest.Version,
		"algorithm": manifest.Algorithm,
		"bytes":     manifest.Size(),
		"files":     files,
	}
}

// Entry returns the serialized form of the given manifest entry.
func Entry(manifest *model.Manifest, entry model.Entry) map[string]interface{} {
	return map[string]interface{}{
		"path":       entry.Path,
		"hash":       manifest.Digest(entry).String(),
		"mode":       fmt.Sprintf("%04o", entry.Mode.Perm()),
		"executable": entry.Executable(),
		"bytes":      entry.Size,
	}
}
