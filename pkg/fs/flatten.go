// Package fs materializes OCI image layers into a flat root filesystem
// directory and finalizes it for an unprivileged sandbox executor.
//
// The main component is the LayerFlattener, which applies each layer archive
// in manifest order onto a target directory. It handles:
//   - Layer ordering and last-write-wins overwrites
//   - Whiteout markers (.wh.* files) for deletions
//   - Opaque whiteouts (.wh..wh..opaque) for directory clearing
//   - Directory traversal protection
//   - Hardlink flattening into plain file copies
//   - A strict ownership/permission profile for hosts that cannot apply
//     arbitrary archive metadata
//   - An external tar fallback when in-process extraction fails
package fs

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/xiaochen201807/android-docker-cli/pkg/oci"
)

// FsBuilder produces a flattened directory tree from ordered layers.
type FsBuilder interface {
	BuildFs(ctx context.Context, layers []oci.Layer, targetDir string) error
}

// LayerFlattener extracts and merges layers into a single tree. On the
// strict-filtering platform profile it resets ownership and permissions,
// because the execution environment cannot apply the archive's own values.
type LayerFlattener struct {
	strict bool
	logger *slog.Logger
}

func NewLayerFlattener(logger *slog.Logger) *LayerFlattener {
	if logger == nil {
		logger = slog.Default()
	}
	return &LayerFlattener{
		strict: strictPlatformProfile(),
		logger: logger,
	}
}

// BuildFs applies all layers in ascending manifest order. The first layer
// establishes the base filesystem under the strictest policy; later layers
// are applied leniently since they legitimately replace or delete earlier
// files. A layer whose in-process extraction fails entirely is retried with
// the external tar utility before the pull is aborted.
func (f *LayerFlattener) BuildFs(ctx context.Context, layers []oci.Layer, targetDir string) error {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("create target directory: %w", err)
	}

	for i, layer := range layers {
		first := i == 0
		if err := f.extractLayer(ctx, layer, targetDir, first); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.WarnContext(ctx, "in-process extraction failed, falling back to tar",
				"layer", layer.Digest().String(), "error", err)
			if err := extractWithTar(ctx, f.logger, layer.Path(), targetDir, first, f.strict); err != nil {
				return fmt.Errorf("extract layer %d (%s): %w", i, layer.Digest().String(), err)
			}
		}
	}

	return nil
}

func (f *LayerFlattener) extractLayer(ctx context.Context, layer oci.Layer, targetDir string, first bool) error {
	reader, err := layer.Open(ctx)
	if err != nil {
		return fmt.Errorf("open layer: %w", err)
	}
	defer reader.Close()

	buffered := bufio.NewReader(reader)
	var archive io.Reader = buffered
	if magic, err := buffered.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gzipReader, err := gzip.NewReader(buffered)
		if err != nil {
			return fmt.Errorf("decompress gzip: %w", err)
		}
		defer gzipReader.Close()
		archive = gzipReader
	}

	tarReader := tar.NewReader(archive)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		if isWhiteout(header.Name) {
			if err := f.handleWhiteout(targetDir, header.Name); err != nil {
				return fmt.Errorf("handle whiteout: %w", err)
			}
			continue
		}

		if !safeMemberPath(header.Name) {
			f.logger.WarnContext(ctx, "skipping unsafe path", "name", header.Name)
			continue
		}

		switch header.Typeflag {
		case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			// Sandboxed execution cannot create special files safely.
			f.logger.DebugContext(ctx, "skipping special file", "name", header.Name)
			continue
		case tar.TypeLink:
			f.copyHardlink(ctx, targetDir, header)
			continue
		}

		if f.strict {
			header.Uid = 0
			header.Gid = 0
			header.Uname = "root"
			header.Gname = "root"
			if header.Typeflag == tar.TypeDir {
				header.Mode = 0o755
			} else if header.Typeflag == tar.TypeReg {
				header.Mode = 0o644
			}
		}

		if err := f.extractEntry(ctx, targetDir, header, tarReader, first); err != nil {
			// Per-member failures never abort the layer.
			f.logger.WarnContext(ctx, "skipping member after failed extraction",
				"name", header.Name, "error", err)
		}
	}

	return nil
}

// safeMemberPath rejects absolute member names and names containing a
// parent-directory traversal segment.
func safeMemberPath(name string) bool {
	if strings.HasPrefix(name, "/") {
		return false
	}
	for _, segment := range strings.Split(name, "/") {
		if segment == ".." {
			return false
		}
	}
	return true
}

func isWhiteout(name string) bool {
	// OCI whiteout: .wh.FILENAME deletes FILENAME
	// Opaque whiteout: .wh..wh..opaque clears the directory
	_, file := filepath.Split(filepath.Clean(name))
	return strings.HasPrefix(file, ".wh.")
}

// handleWhiteout removes the file or directory a whiteout marker points at.
func (f *LayerFlattener) handleWhiteout(targetDir, whiteoutPath string) error {
	dir, file := filepath.Split(filepath.Clean(whiteoutPath))
	actualName := strings.TrimPrefix(file, ".wh.")

	if actualName == ".wh..opaque" {
		opaqueDir := filepath.Join(targetDir, dir)
		if err := os.RemoveAll(opaqueDir); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove opaque directory: %w", err)
		}
		if err := os.MkdirAll(opaqueDir, 0o755); err != nil {
			return fmt.Errorf("recreate opaque directory: %w", err)
		}
		return nil
	}

	deletePath := filepath.Join(targetDir, dir, actualName)
	if err := os.RemoveAll(deletePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove whiteout target: %w", err)
	}

	return nil
}

// copyHardlink flattens a hardlinked member into an ordinary file copy.
// Filesystem hardlinks are never created. A forward reference (link target
// not yet materialized) is skipped rather than treated as an error.
func (f *LayerFlattener) copyHardlink(ctx context.Context, targetDir string, header *tar.Header) {
	linkTarget := filepath.Join(targetDir, filepath.Clean(header.Linkname))
	if !strings.HasPrefix(linkTarget, targetDir) {
		f.logger.WarnContext(ctx, "skipping hardlink escaping rootfs", "name", header.Name, "target", header.Linkname)
		return
	}

	source, err := os.Open(linkTarget)
	if err != nil {
		f.logger.DebugContext(ctx, "hardlink target not materialized yet, skipping",
			"name", header.Name, "target", header.Linkname)
		return
	}
	defer source.Close()

	targetPath := filepath.Join(targetDir, filepath.Clean(header.Name))
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		f.logger.WarnContext(ctx, "hardlink copy failed", "name", header.Name, "error", err)
		return
	}

	mode := os.FileMode(0o644)
	if info, err := source.Stat(); err == nil {
		mode = info.Mode().Perm()
	}

	dest, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		f.logger.WarnContext(ctx, "hardlink copy failed", "name", header.Name, "error", err)
		return
	}
	defer dest.Close()

	if _, err := io.Copy(dest, source); err != nil {
		f.logger.WarnContext(ctx, "hardlink copy failed", "name", header.Name, "error", err)
	}
}

// extractEntry writes one regular member. Any extraction error triggers the
// manual recovery path: recreate the directory, recreate the file by
// streaming its bytes with a best-effort chmod, or recreate the symlink
// after removing whatever occupies its path.
func (f *LayerFlattener) extractEntry(ctx context.Context, targetDir string, header *tar.Header, reader io.Reader, first bool) error {
	targetPath := filepath.Join(targetDir, filepath.Clean(header.Name))
	if !strings.HasPrefix(targetPath, targetDir) {
		return fmt.Errorf("path traversal detected: %s", header.Name)
	}

	switch header.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(targetPath, os.FileMode(header.Mode)); err != nil {
			// A plain file may occupy the directory's name from an earlier
			// layer; replace it.
			_ = os.Remove(targetPath)
			if err := os.MkdirAll(targetPath, os.FileMode(header.Mode)); err != nil {
				return fmt.Errorf("mkdir: %w", err)
			}
		}
		if !f.strict {
			_ = os.Lchown(targetPath, header.Uid, header.Gid)
		}

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("mkdir parent: %w", err)
		}

		file, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
		if err != nil {
			if !first {
				if _, statErr := os.Lstat(targetPath); statErr == nil {
					// Later layers tolerate pre-existing files they cannot
					// replace; skip rather than fail.
					f.logger.DebugContext(ctx, "keeping existing file", "name", header.Name)
					return nil
				}
			}
			_ = os.RemoveAll(targetPath)
			file, err = os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return fmt.Errorf("open file: %w", err)
			}
		}

		if _, err := io.CopyN(file, reader, header.Size); err != nil && err != io.EOF {
			file.Close()
			return fmt.Errorf("copy file content: %w", err)
		}
		if err := file.Close(); err != nil {
			return fmt.Errorf("close file: %w", err)
		}
		_ = os.Chmod(targetPath, os.FileMode(header.Mode))
		if !f.strict {
			_ = os.Lchown(targetPath, header.Uid, header.Gid)
		}

	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("mkdir parent: %w", err)
		}
		_ = os.Remove(targetPath)
		if err := os.Symlink(header.Linkname, targetPath); err != nil {
			return fmt.Errorf("create symlink: %w", err)
		}

	default:
		// Unknown member type
		f.logger.DebugContext(ctx, "skipping unknown member type",
			"name", header.Name, "type", header.Typeflag)
	}

	return nil
}

// strictPlatformProfile reports whether the host requires ownership and
// permission normalization during extraction.
func strictPlatformProfile() bool {
	if os.Getenv("ANDROID_DATA") != "" || os.Getenv("TERMUX_VERSION") != "" {
		return true
	}
	if _, err := os.Stat("/system/build.prop"); err == nil {
		return true
	}
	return false
}
