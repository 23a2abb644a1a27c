// Package pull implements the image acquisition and rootfs materialization
// pipeline: reference parsing, registry negotiation, blob retrieval,
// manifest/config normalization, layer flattening and rootfs finalization.
//
// The pipeline is fully sequential. A cancelled or failed pull may leave a
// partially populated blob store behind; that is safe to resume because blob
// presence is checked idempotently and extraction restarts from scratch.
package pull

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/xiaochen201807/android-docker-cli/internal/paths"
	"github.com/xiaochen201807/android-docker-cli/internal/store"
	"github.com/xiaochen201807/android-docker-cli/pkg/fs"
	"github.com/xiaochen201807/android-docker-cli/pkg/oci"
)

// Options are the inputs accepted by the pipeline. Only Image is required.
type Options struct {
	Image        string // image reference string
	Dest         string // destination directory; defaults to the cache dir for the reference
	Architecture string // target architecture; defaults to the host's
	Username     string
	Password     string
	Proxy        string  // optional HTTP(S) proxy URL
	DB           *sql.DB // optional image index; a record is written after success
	Logger       *slog.Logger
}

// Result describes a completed pull: the materialized rootfs plus the
// effective entrypoint/environment/workdir metadata consumers need to run it.
type Result struct {
	Reference      oci.Reference
	ManifestDigest digest.Digest
	Architecture   string
	OCIDir         string
	RootfsDir      string
	Config         imagespec.Image
	Duration       time.Duration
}

// Pull runs the whole pipeline for one image reference.
func Pull(ctx context.Context, opts Options) (*Result, error) {
	startTime := time.Now()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pullID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("create pull id: %w", err)
	}
	logger = logger.With("pullID", pullID.String())

	ref := oci.ParseReference(opts.Image)
	arch := oci.NormalizeArchitecture(opts.Architecture)
	logger.InfoContext(ctx, "pulling image", "reference", ref.String(), "architecture", arch)

	dest := opts.Dest
	if dest == "" {
		dest = paths.ImageDir(ref.String())
	}
	ociDir := filepath.Join(dest, "oci")
	rootfsDir := filepath.Join(dest, "rootfs")

	blobStore, err := oci.NewBlobStore(ociDir)
	if err != nil {
		return nil, err
	}

	client, err := oci.NewClient(oci.ClientOptions{
		Username: opts.Username,
		Password: opts.Password,
		Proxy:    opts.Proxy,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	sess := oci.NewAuthSession()

	manifest, rawManifest, err := resolveManifest(ctx, logger, client, sess, ref, arch)
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "downloading blobs",
		"layers", len(manifest.Layers), "config", manifest.Config.Digest.String())
	if err := downloadBlobs(ctx, client, sess, ref, blobStore, manifest); err != nil {
		return nil, err
	}

	if err := oci.NormalizeConfig(blobStore, manifest.Config.Digest); err != nil {
		return nil, err
	}

	manifestDesc, err := oci.NormalizeManifest(blobStore, rawManifest)
	if err != nil {
		return nil, err
	}
	if err := blobStore.WriteLayout(); err != nil {
		return nil, err
	}
	if err := blobStore.WriteIndex(manifestDesc, ref.Tag); err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "image normalized", "manifest", manifestDesc.Digest.String())

	layers := oci.LayersFromManifest(blobStore, manifest)
	logger.InfoContext(ctx, "flattening layers", "count", len(layers))
	flattener := fs.NewLayerFlattener(logger)
	if err := flattener.BuildFs(ctx, layers, rootfsDir); err != nil {
		return nil, fmt.Errorf("flatten layers: %w", err)
	}

	finalizer := fs.NewFinalizer(logger)
	if err := finalizer.Finalize(ctx, blobStore, rootfsDir); err != nil {
		return nil, fmt.Errorf("finalize rootfs: %w", err)
	}

	rawConfig, err := blobStore.ReadBlob(manifest.Config.Digest)
	if err != nil {
		return nil, err
	}
	config, err := oci.ParseImageConfig(rawConfig)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Reference:      ref,
		ManifestDigest: manifestDesc.Digest,
		Architecture:   arch,
		OCIDir:         ociDir,
		RootfsDir:      rootfsDir,
		Config:         config,
		Duration:       time.Since(startTime),
	}

	if opts.DB != nil {
		if err := recordPull(ctx, opts.DB, pullID.String(), result, manifest); err != nil {
			return nil, err
		}
	}

	logger.InfoContext(ctx, "pull finished",
		"rootfs", rootfsDir, "duration", result.Duration)
	return result, nil
}

// resolveManifest fetches the manifest for the tag and, when the registry
// answers with a manifest list, resolves it to the concrete manifest for the
// target architecture. Resolution is iterative and single-level: a list that
// dereferences to another list is an error.
func resolveManifest(ctx context.Context, logger *slog.Logger, client *oci.Client, sess *oci.AuthSession, ref oci.Reference, arch string) (imagespec.Manifest, []byte, error) {
	raw, contentType, err := client.GetManifest(ctx, sess, ref, ref.Tag)
	if err != nil {
		return imagespec.Manifest{}, nil, err
	}
	logger.DebugContext(ctx, "fetched manifest", "contentType", contentType)

	if !isManifestList(raw, contentType) {
		manifest, err := oci.DecodeManifest(raw)
		return manifest, raw, err
	}

	index, err := oci.DecodeIndex(raw)
	if err != nil {
		return imagespec.Manifest{}, nil, err
	}
	desc, err := oci.SelectPlatform(index, arch)
	if err != nil {
		return imagespec.Manifest{}, nil, fmt.Errorf("resolve %s: %w", ref.String(), err)
	}
	logger.InfoContext(ctx, "resolved platform manifest",
		"architecture", arch, "digest", desc.Digest.String())

	raw, contentType, err = client.GetManifest(ctx, sess, ref, desc.Digest.String())
	if err != nil {
		return imagespec.Manifest{}, nil, err
	}
	if isManifestList(raw, contentType) {
		return imagespec.Manifest{}, nil, fmt.Errorf(
			"manifest list %s resolves to another manifest list", desc.Digest.String())
	}

	manifest, err := oci.DecodeManifest(raw)
	return manifest, raw, err
}

// isManifestList keys off the response content type, falling back to the
// document shape for registries that answer with a generic type.
func isManifestList(raw []byte, contentType string) bool {
	if oci.IsIndexMediaType(contentType) {
		return true
	}
	manifest, err := oci.DecodeManifest(raw)
	if err != nil || manifest.Config.Digest != "" {
		return false
	}
	index, err := oci.DecodeIndex(raw)
	return err == nil && len(index.Manifests) > 0
}

// downloadBlobs fetches the config and every layer into the blob store.
// Blobs already present are skipped.
func downloadBlobs(ctx context.Context, client *oci.Client, sess *oci.AuthSession, ref oci.Reference, blobStore *oci.BlobStore, manifest imagespec.Manifest) error {
	if manifest.Config.Digest == "" {
		return fmt.Errorf("manifest for %s carries no config descriptor", ref.String())
	}

	if err := client.DownloadBlob(ctx, sess, ref, manifest.Config.Digest, blobStore.BlobPath(manifest.Config.Digest)); err != nil {
		return fmt.Errorf("download config: %w", err)
	}

	for i, layer := range manifest.Layers {
		if layer.Digest == "" {
			return fmt.Errorf("layer %d of %s has no digest", i, ref.String())
		}
		if err := client.DownloadBlob(ctx, sess, ref, layer.Digest, blobStore.BlobPath(layer.Digest)); err != nil {
			return fmt.Errorf("download layer %d: %w", i, err)
		}
	}

	return nil
}

func recordPull(ctx context.Context, db *sql.DB, id string, result *Result, manifest imagespec.Manifest) error {
	var size int64
	for _, layer := range manifest.Layers {
		size += layer.Size
	}

	return store.RecordPull(ctx, db, &store.Image{
		ID:             id,
		Reference:      result.Reference.String(),
		ManifestDigest: result.ManifestDigest.String(),
		Architecture:   result.Architecture,
		RootfsPath:     result.RootfsDir,
		SizeBytes:      size,
		PulledAt:       time.Now().UTC(),
	})
}
