package oci

import (
	"encoding/json"
	"fmt"

	"github.com/opencontainers/go-digest"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
)

// NormalizeManifest rewrites a registry-native manifest into its OCI form
// and persists it into the store under its own content digest. The returned
// descriptor identifies the persisted manifest for the subsequent index.
//
// Member media types go through the Docker-to-OCI rewrite table; the
// manifest's own mediaType is always overwritten to the OCI manifest type no
// matter what the registry returned. The persisted bytes are marshaled from
// a key-sorted map, so the digest is deterministic for a given input.
func NormalizeManifest(store *BlobStore, raw []byte) (imagespec.Descriptor, error) {
	var doc map[string]any
	if err := json.Unmarshal(trimToJSON(raw), &doc); err != nil {
		return imagespec.Descriptor{}, fmt.Errorf("decode manifest for normalization: %w", err)
	}

	if layers, ok := doc["layers"].([]any); ok {
		for _, layer := range layers {
			rewriteDescriptorMediaType(layer)
		}
	}
	rewriteDescriptorMediaType(doc["config"])
	doc["mediaType"] = imagespec.MediaTypeImageManifest

	content, err := json.Marshal(doc)
	if err != nil {
		return imagespec.Descriptor{}, fmt.Errorf("encode normalized manifest: %w", err)
	}

	dgst, err := store.Put(content)
	if err != nil {
		return imagespec.Descriptor{}, err
	}

	return imagespec.Descriptor{
		MediaType: imagespec.MediaTypeImageManifest,
		Digest:    dgst,
		Size:      int64(len(content)),
	}, nil
}

// rewriteDescriptorMediaType applies the rewrite table to one descriptor
// object inside a decoded manifest. Unrecognized types pass through.
func rewriteDescriptorMediaType(v any) {
	desc, ok := v.(map[string]any)
	if !ok {
		return
	}
	mediaType, ok := desc["mediaType"].(string)
	if !ok {
		return
	}
	if rewritten, ok := mediaTypeRewrites[mediaType]; ok {
		desc["mediaType"] = rewritten
	}
}

// NormalizeConfig rewrites the config blob at its digest in place, injecting
// the keys downstream consumers rely on when the registry left them out:
// architecture (amd64), os (linux), config, rootfs and history.
//
// Normalization is total over parseable configs; a config blob that is not
// JSON at all is left untouched and reported.
func NormalizeConfig(store *BlobStore, dgst digest.Digest) error {
	raw, err := store.ReadBlob(dgst)
	if err != nil {
		return err
	}

	content, err := normalizeConfigBytes(raw)
	if err != nil {
		return fmt.Errorf("normalize config %s: %w", dgst.String(), err)
	}

	return store.WriteBlob(dgst, content)
}

func normalizeConfigBytes(raw []byte) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(trimToJSON(raw), &doc); err != nil {
		return nil, err
	}

	if _, ok := doc["architecture"]; !ok {
		doc["architecture"] = "amd64"
	}
	if _, ok := doc["os"]; !ok {
		doc["os"] = "linux"
	}
	if _, ok := doc["config"]; !ok {
		doc["config"] = map[string]any{}
	}
	if _, ok := doc["rootfs"]; !ok {
		doc["rootfs"] = map[string]any{
			"type":     "layers",
			"diff_ids": []any{},
		}
	}
	if _, ok := doc["history"]; !ok {
		doc["history"] = []any{}
	}

	return json.Marshal(doc)
}

// ParseImageConfig gives typed access to a normalized config blob.
func ParseImageConfig(raw []byte) (imagespec.Image, error) {
	var config imagespec.Image
	if err := json.Unmarshal(trimToJSON(raw), &config); err != nil {
		return imagespec.Image{}, fmt.Errorf("decode image config: %w", err)
	}
	return config, nil
}
