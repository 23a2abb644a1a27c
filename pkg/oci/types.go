package oci

import (
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Registry-native Docker media types. Their OCI equivalents come from the
// image-spec module.
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerConfig       = "application/vnd.docker.container.image.v1+json"
	MediaTypeDockerLayerGzip    = "application/vnd.docker.image.rootfs.diff.tar.gzip"
	MediaTypeDockerLayer        = "application/vnd.docker.image.rootfs.diff.tar"
)

// manifestAcceptTypes lists every manifest flavor the client can consume,
// sent as the Accept header so the registry replies with whichever form it
// natively holds.
var manifestAcceptTypes = []string{
	MediaTypeDockerManifest,
	MediaTypeDockerManifestList,
	imagespec.MediaTypeImageManifest,
	imagespec.MediaTypeImageIndex,
}

// mediaTypeRewrites maps Docker-specific member media types to their OCI
// equivalents. Unrecognized types pass through unchanged.
var mediaTypeRewrites = map[string]string{
	MediaTypeDockerLayerGzip: imagespec.MediaTypeImageLayerGzip,
	MediaTypeDockerLayer:     imagespec.MediaTypeImageLayer,
	MediaTypeDockerConfig:    imagespec.MediaTypeImageConfig,
}

// IsIndexMediaType reports whether the content type names a manifest list
// rather than a concrete manifest.
func IsIndexMediaType(mediaType string) bool {
	return mediaType == MediaTypeDockerManifestList || mediaType == imagespec.MediaTypeImageIndex
}
