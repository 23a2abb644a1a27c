package oci

import (
	"context"
	"io"
	"os"

	"github.com/opencontainers/go-digest"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Image is a fully materialized-in-store image: its normalized manifest,
// parsed config and blob-backed layers in chronological stack order.
type Image struct {
	Digest    digest.Digest // digest of the normalized manifest
	Manifest  imagespec.Manifest
	Config    imagespec.Image
	RawConfig []byte
	Layers    []Layer
}

// Layer is a single filesystem diff held in the blob store.
type Layer interface {
	Digest() digest.Digest
	Size() int64
	MediaType() string
	// Open returns a reader over the layer archive as stored, which may or
	// may not be compressed. The caller closes the reader.
	Open(ctx context.Context) (io.ReadCloser, error)
	// Path is the blob file backing this layer.
	Path() string
}

// storeLayer reads layer content straight from the blob store.
type storeLayer struct {
	desc  imagespec.Descriptor
	store *BlobStore
}

func (l *storeLayer) Digest() digest.Digest { return l.desc.Digest }
func (l *storeLayer) Size() int64           { return l.desc.Size }
func (l *storeLayer) MediaType() string     { return l.desc.MediaType }
func (l *storeLayer) Path() string          { return l.store.BlobPath(l.desc.Digest) }

func (l *storeLayer) Open(ctx context.Context) (io.ReadCloser, error) {
	return os.Open(l.Path())
}

// LayersFromManifest wraps every layer descriptor of a manifest as a
// store-backed Layer, preserving manifest order.
func LayersFromManifest(store *BlobStore, manifest imagespec.Manifest) []Layer {
	layers := make([]Layer, len(manifest.Layers))
	for i, desc := range manifest.Layers {
		layers[i] = &storeLayer{desc: desc, store: store}
	}
	return layers
}
