// Package paths resolves the default on-disk locations for the image cache
// and index.
package paths

import (
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
)

const appName = "adocker"

// CacheDir is the default root for pulled images. Each pull owns a
// subdirectory holding its OCI layout and rootfs.
//
//	Linux: ~/.local/share/adocker
func CacheDir() string {
	return filepath.Join(xdg.DataHome, appName)
}

// Database is the default path of the image index.
func Database() string {
	return filepath.Join(CacheDir(), "images.db")
}

// ImageDir is the per-image destination directory under the cache root.
// The reference's separators are flattened so the directory name stays a
// single path segment.
func ImageDir(normalizedRef string) string {
	name := strings.NewReplacer("/", "_", ":", "_").Replace(normalizedRef)
	return filepath.Join(CacheDir(), "images", name)
}
