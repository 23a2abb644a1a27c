package fs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/xiaochen201807/android-docker-cli/pkg/oci"
	"github.com/xiaochen201807/android-docker-cli/pkg/utils"
)

// ConfigSidecarName is the file inside the rootfs through which the process
// supervisor learns the image's Cmd, Entrypoint, WorkingDir and Env.
const ConfigSidecarName = ".image_config.json"

// mountPointDirs are the directories the sandbox executor binds or expects.
var mountPointDirs = []string{
	"proc", "sys", "dev", "tmp", "run",
	"var/tmp", "var/log", "var/run",
}

// deviceNodes are the character devices created best-effort under dev/.
var deviceNodes = []struct {
	name  string
	major uint32
	minor uint32
}{
	{"null", 1, 3},
	{"zero", 1, 5},
	{"random", 1, 8},
	{"urandom", 1, 9},
}

// Finalizer prepares a flattened rootfs for the sandbox executor: it writes
// the image config sidecar and ensures baseline directories and device
// nodes exist. Directory and device fixups are best-effort and never fail
// an otherwise successful pull.
type Finalizer struct {
	logger *slog.Logger
}

func NewFinalizer(logger *slog.Logger) *Finalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{logger: logger}
}

// Finalize resolves the image config through the persisted
// index.json -> manifest -> config chain and writes it verbatim into the
// rootfs, then applies the directory and device fixups.
func (f *Finalizer) Finalize(ctx context.Context, store *oci.BlobStore, rootfsDir string) error {
	rawConfig, err := ResolveImageConfig(store)
	if err != nil {
		return err
	}

	sidecarPath := filepath.Join(rootfsDir, ConfigSidecarName)
	if err := utils.WriteFileAtomic(sidecarPath, rawConfig, 0o644); err != nil {
		return fmt.Errorf("write config sidecar: %w", err)
	}
	f.logger.InfoContext(ctx, "image config saved", "path", sidecarPath)

	f.ensureMountPoints(ctx, rootfsDir)
	f.createDeviceNodes(ctx, rootfsDir)

	return nil
}

// ResolveImageConfig walks index.json to the manifest and returns the raw
// config blob bytes.
func ResolveImageConfig(store *oci.BlobStore) ([]byte, error) {
	index, err := store.ReadIndex()
	if err != nil {
		return nil, err
	}
	if len(index.Manifests) == 0 {
		return nil, fmt.Errorf("index.json lists no manifests")
	}

	manifestRaw, err := store.ReadBlob(index.Manifests[0].Digest)
	if err != nil {
		return nil, err
	}
	manifest, err := oci.DecodeManifest(manifestRaw)
	if err != nil {
		return nil, err
	}

	return store.ReadBlob(manifest.Config.Digest)
}

func (f *Finalizer) ensureMountPoints(ctx context.Context, rootfsDir string) {
	for _, dir := range mountPointDirs {
		fullPath := filepath.Join(rootfsDir, dir)
		if err := os.MkdirAll(fullPath, 0o755); err == nil {
			continue
		}
		// A same-named plain file from a layer blocks the directory.
		if info, statErr := os.Lstat(fullPath); statErr == nil && !info.IsDir() {
			if err := os.Remove(fullPath); err != nil {
				f.logger.WarnContext(ctx, "cannot replace file with directory", "path", dir, "error", err)
				continue
			}
		}
		if err := os.MkdirAll(fullPath, 0o755); err != nil {
			f.logger.WarnContext(ctx, "cannot create mount point", "path", dir, "error", err)
		}
	}
}

// createDeviceNodes makes the basic character devices the contained process
// expects. Without the privilege for mknod an empty regular file stands in
// as a placeholder; the sandbox executor binds the real devices over it.
func (f *Finalizer) createDeviceNodes(ctx context.Context, rootfsDir string) {
	devDir := filepath.Join(rootfsDir, "dev")
	if _, err := os.Stat(devDir); err != nil {
		return
	}

	for _, dev := range deviceNodes {
		devPath := filepath.Join(devDir, dev.name)
		if _, err := os.Lstat(devPath); err == nil {
			continue
		}
		if err := unix.Mknod(devPath, unix.S_IFCHR|0o666, int(unix.Mkdev(dev.major, dev.minor))); err != nil {
			if writeErr := os.WriteFile(devPath, nil, 0o666); writeErr != nil {
				f.logger.DebugContext(ctx, "cannot create device placeholder", "device", dev.name, "error", writeErr)
				continue
			}
			f.logger.DebugContext(ctx, "created device placeholder", "device", dev.name)
			continue
		}
		f.logger.DebugContext(ctx, "created device node", "device", dev.name)
	}
}
