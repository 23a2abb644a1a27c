package oci

import (
	"encoding/json"
	"testing"

	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
)

func TestNormalizeManifestRewritesMediaTypes(t *testing.T) {
	store, err := NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobStore failed: %v", err)
	}

	raw := []byte(`{
		"schemaVersion": 2,
		"mediaType": "application/vnd.docker.distribution.manifest.v2+json",
		"config": {
			"mediaType": "application/vnd.docker.container.image.v1+json",
			"digest": "sha256:1111111111111111111111111111111111111111111111111111111111111111",
			"size": 10
		},
		"layers": [
			{
				"mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip",
				"digest": "sha256:2222222222222222222222222222222222222222222222222222222222222222",
				"size": 20
			},
			{
				"mediaType": "application/vnd.docker.image.rootfs.diff.tar",
				"digest": "sha256:3333333333333333333333333333333333333333333333333333333333333333",
				"size": 30
			},
			{
				"mediaType": "application/vnd.example.custom",
				"digest": "sha256:4444444444444444444444444444444444444444444444444444444444444444",
				"size": 40
			}
		]
	}`)

	desc, err := NormalizeManifest(store, raw)
	if err != nil {
		t.Fatalf("NormalizeManifest failed: %v", err)
	}
	if desc.MediaType != imagespec.MediaTypeImageManifest {
		t.Errorf("descriptor mediaType = %q, want %q", desc.MediaType, imagespec.MediaTypeImageManifest)
	}
	if !store.Has(desc.Digest) {
		t.Fatalf("normalized manifest %s not persisted", desc.Digest)
	}

	content, err := store.ReadBlob(desc.Digest)
	if err != nil {
		t.Fatalf("read normalized manifest: %v", err)
	}
	if int64(len(content)) != desc.Size {
		t.Errorf("descriptor size = %d, stored %d bytes", desc.Size, len(content))
	}

	manifest, err := DecodeManifest(content)
	if err != nil {
		t.Fatalf("decode normalized manifest: %v", err)
	}
	if manifest.MediaType != imagespec.MediaTypeImageManifest {
		t.Errorf("manifest mediaType = %q, want %q", manifest.MediaType, imagespec.MediaTypeImageManifest)
	}
	if manifest.Config.MediaType != imagespec.MediaTypeImageConfig {
		t.Errorf("config mediaType = %q, want %q", manifest.Config.MediaType, imagespec.MediaTypeImageConfig)
	}

	wantLayers := []string{
		imagespec.MediaTypeImageLayerGzip,
		imagespec.MediaTypeImageLayer,
		"application/vnd.example.custom",
	}
	if len(manifest.Layers) != len(wantLayers) {
		t.Fatalf("got %d layers, want %d", len(manifest.Layers), len(wantLayers))
	}
	for i, want := range wantLayers {
		if manifest.Layers[i].MediaType != want {
			t.Errorf("layer %d mediaType = %q, want %q", i, manifest.Layers[i].MediaType, want)
		}
	}
}

func TestNormalizeManifestForcesOCIMediaType(t *testing.T) {
	store, err := NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobStore failed: %v", err)
	}

	// Already-OCI input keeps its type; an input with no mediaType gains one.
	for _, raw := range []string{
		`{"schemaVersion":2,"mediaType":"application/vnd.oci.image.manifest.v1+json","config":{},"layers":[]}`,
		`{"schemaVersion":2,"config":{},"layers":[]}`,
	} {
		desc, err := NormalizeManifest(store, []byte(raw))
		if err != nil {
			t.Fatalf("NormalizeManifest(%s) failed: %v", raw, err)
		}
		content, err := store.ReadBlob(desc.Digest)
		if err != nil {
			t.Fatalf("read blob: %v", err)
		}
		manifest, err := DecodeManifest(content)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if manifest.MediaType != imagespec.MediaTypeImageManifest {
			t.Errorf("mediaType = %q, want %q", manifest.MediaType, imagespec.MediaTypeImageManifest)
		}
	}
}

func TestNormalizeManifestDeterministic(t *testing.T) {
	raw := []byte(`{"schemaVersion":2,"mediaType":"application/vnd.docker.distribution.manifest.v2+json","config":{"digest":"sha256:abc","size":1},"layers":[]}`)

	storeA, err := NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobStore failed: %v", err)
	}
	storeB, err := NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobStore failed: %v", err)
	}

	descA, err := NormalizeManifest(storeA, raw)
	if err != nil {
		t.Fatalf("NormalizeManifest failed: %v", err)
	}
	descB, err := NormalizeManifest(storeB, raw)
	if err != nil {
		t.Fatalf("NormalizeManifest failed: %v", err)
	}
	if descA.Digest != descB.Digest {
		t.Errorf("digests differ across runs: %s vs %s", descA.Digest, descB.Digest)
	}
}

func TestNormalizeConfigInjectsDefaults(t *testing.T) {
	store, err := NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobStore failed: %v", err)
	}

	dgst, err := store.Put([]byte(`{"created":"2024-01-01T00:00:00Z"}`))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := NormalizeConfig(store, dgst); err != nil {
		t.Fatalf("NormalizeConfig failed: %v", err)
	}

	content, err := store.ReadBlob(dgst)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(content, &doc); err != nil {
		t.Fatalf("decode normalized config: %v", err)
	}
	for _, key := range []string{"architecture", "os", "config", "rootfs", "history"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("normalized config missing %q", key)
		}
	}
	if doc["architecture"] != "amd64" {
		t.Errorf("architecture = %v, want amd64", doc["architecture"])
	}
	if doc["os"] != "linux" {
		t.Errorf("os = %v, want linux", doc["os"])
	}
	rootfs, ok := doc["rootfs"].(map[string]any)
	if !ok || rootfs["type"] != "layers" {
		t.Errorf("rootfs = %v, want layers default", doc["rootfs"])
	}
	if doc["created"] != "2024-01-01T00:00:00Z" {
		t.Errorf("existing key rewritten: created = %v", doc["created"])
	}
}

func TestNormalizeConfigKeepsExistingValues(t *testing.T) {
	store, err := NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobStore failed: %v", err)
	}

	dgst, err := store.Put([]byte(`{"architecture":"arm64","os":"linux","config":{"Cmd":["/bin/sh"]},"rootfs":{"type":"layers","diff_ids":["sha256:abc"]},"history":[{}]}`))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := NormalizeConfig(store, dgst); err != nil {
		t.Fatalf("NormalizeConfig failed: %v", err)
	}

	content, err := store.ReadBlob(dgst)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	config, err := ParseImageConfig(content)
	if err != nil {
		t.Fatalf("ParseImageConfig failed: %v", err)
	}
	if config.Architecture != "arm64" {
		t.Errorf("architecture = %q, want arm64", config.Architecture)
	}
	if len(config.Config.Cmd) != 1 || config.Config.Cmd[0] != "/bin/sh" {
		t.Errorf("cmd = %v, want [/bin/sh]", config.Config.Cmd)
	}
	if len(config.RootFS.DiffIDs) != 1 {
		t.Errorf("diff_ids = %v, want one entry", config.RootFS.DiffIDs)
	}
}
