package oci

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/xiaochen201807/android-docker-cli/pkg/utils"
)

// BlobStore is a content-addressed directory holding every downloaded or
// synthesized object at blobs/sha256/<hex>, together with the two-file OCI
// envelope (oci-layout and index.json).
//
// Presence of a blob file is the sole existence check: once a digest-named
// file exists the content is treated as fetched and is never re-downloaded.
type BlobStore struct {
	root string
}

// NewBlobStore opens (creating if needed) a blob store rooted at dir.
func NewBlobStore(dir string) (*BlobStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "blobs", digest.SHA256.String()), 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &BlobStore{root: dir}, nil
}

// Root returns the layout directory.
func (s *BlobStore) Root() string {
	return s.root
}

// BlobPath returns the on-disk path for a digest.
func (s *BlobStore) BlobPath(dgst digest.Digest) string {
	return filepath.Join(s.root, "blobs", dgst.Algorithm().String(), dgst.Encoded())
}

// Has reports whether a blob file for the digest exists.
func (s *BlobStore) Has(dgst digest.Digest) bool {
	_, err := os.Stat(s.BlobPath(dgst))
	return err == nil
}

// Put writes content under its own sha256 digest and returns that digest.
func (s *BlobStore) Put(content []byte) (digest.Digest, error) {
	dgst := digest.FromBytes(content)
	if err := os.WriteFile(s.BlobPath(dgst), content, 0o644); err != nil {
		return "", fmt.Errorf("write blob %s: %w", dgst.String(), err)
	}
	return dgst, nil
}

// ReadBlob returns the raw bytes of a stored blob.
func (s *BlobStore) ReadBlob(dgst digest.Digest) ([]byte, error) {
	content, err := os.ReadFile(s.BlobPath(dgst))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", dgst.String(), err)
	}
	return content, nil
}

// WriteBlob overwrites a blob in place under an already-known digest. Used by
// config normalization, which rewrites the config at its original digest.
func (s *BlobStore) WriteBlob(dgst digest.Digest, content []byte) error {
	if err := os.WriteFile(s.BlobPath(dgst), content, 0o644); err != nil {
		return fmt.Errorf("write blob %s: %w", dgst.String(), err)
	}
	return nil
}

// WriteLayout persists the oci-layout schema version marker.
func (s *BlobStore) WriteLayout() error {
	layout, err := json.Marshal(imagespec.ImageLayout{Version: imagespec.ImageLayoutVersion})
	if err != nil {
		return fmt.Errorf("encode oci-layout: %w", err)
	}
	if err := utils.WriteFileAtomic(filepath.Join(s.root, imagespec.ImageLayoutFile), layout, 0o644); err != nil {
		return fmt.Errorf("write oci-layout: %w", err)
	}
	return nil
}

// WriteIndex persists a single-entry index.json pointing at the normalized
// manifest. The tag lands in the ref.name annotation.
func (s *BlobStore) WriteIndex(desc imagespec.Descriptor, tag string) error {
	desc.Annotations = map[string]string{
		imagespec.AnnotationRefName: tag,
	}
	index := imagespec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		Manifests: []imagespec.Descriptor{desc},
	}

	content, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index.json: %w", err)
	}
	if err := utils.WriteFileAtomic(filepath.Join(s.root, imagespec.ImageIndexFile), content, 0o644); err != nil {
		return fmt.Errorf("write index.json: %w", err)
	}
	return nil
}

// ReadIndex loads index.json back from the store.
func (s *BlobStore) ReadIndex() (imagespec.Index, error) {
	content, err := os.ReadFile(filepath.Join(s.root, imagespec.ImageIndexFile))
	if err != nil {
		return imagespec.Index{}, fmt.Errorf("read index.json: %w", err)
	}
	var index imagespec.Index
	if err := json.Unmarshal(content, &index); err != nil {
		return imagespec.Index{}, fmt.Errorf("decode index.json: %w", err)
	}
	return index, nil
}
