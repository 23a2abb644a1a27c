package oci

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
)

func TestBlobStorePutHas(t *testing.T) {
	store, err := NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobStore failed: %v", err)
	}

	content := []byte("hello blob")
	dgst, err := store.Put(content)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if dgst != digest.FromBytes(content) {
		t.Errorf("digest = %s, want %s", dgst, digest.FromBytes(content))
	}
	if !store.Has(dgst) {
		t.Error("Has returned false for stored blob")
	}
	if store.Has(digest.FromString("absent")) {
		t.Error("Has returned true for missing blob")
	}

	wantPath := filepath.Join(store.Root(), "blobs", "sha256", dgst.Encoded())
	if got := store.BlobPath(dgst); got != wantPath {
		t.Errorf("BlobPath = %q, want %q", got, wantPath)
	}

	got, err := store.ReadBlob(dgst)
	if err != nil {
		t.Fatalf("ReadBlob failed: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("ReadBlob = %q, want %q", got, content)
	}
}

func TestBlobStoreWriteLayout(t *testing.T) {
	store, err := NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobStore failed: %v", err)
	}

	if err := store.WriteLayout(); err != nil {
		t.Fatalf("WriteLayout failed: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(store.Root(), imagespec.ImageLayoutFile))
	if err != nil {
		t.Fatalf("read oci-layout: %v", err)
	}
	var layout imagespec.ImageLayout
	if err := json.Unmarshal(content, &layout); err != nil {
		t.Fatalf("decode oci-layout: %v", err)
	}
	if layout.Version != imagespec.ImageLayoutVersion {
		t.Errorf("imageLayoutVersion = %q, want %q", layout.Version, imagespec.ImageLayoutVersion)
	}
}

func TestBlobStoreIndexRoundtrip(t *testing.T) {
	store, err := NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobStore failed: %v", err)
	}

	desc := imagespec.Descriptor{
		MediaType: imagespec.MediaTypeImageManifest,
		Digest:    digest.FromString("manifest"),
		Size:      42,
	}
	if err := store.WriteIndex(desc, "3.19"); err != nil {
		t.Fatalf("WriteIndex failed: %v", err)
	}

	index, err := store.ReadIndex()
	if err != nil {
		t.Fatalf("ReadIndex failed: %v", err)
	}
	if index.SchemaVersion != 2 {
		t.Errorf("schemaVersion = %d, want 2", index.SchemaVersion)
	}
	if len(index.Manifests) != 1 {
		t.Fatalf("got %d manifests, want 1", len(index.Manifests))
	}
	entry := index.Manifests[0]
	if entry.Digest != desc.Digest {
		t.Errorf("digest = %s, want %s", entry.Digest, desc.Digest)
	}
	if entry.MediaType != imagespec.MediaTypeImageManifest {
		t.Errorf("mediaType = %q", entry.MediaType)
	}
	if got := entry.Annotations[imagespec.AnnotationRefName]; got != "3.19" {
		t.Errorf("ref.name annotation = %q, want %q", got, "3.19")
	}
}
