package oci

import (
	"strings"
)

// DefaultRegistry is the Docker Hub pull endpoint used when an image
// reference does not name a registry of its own.
const DefaultRegistry = "registry-1.docker.io"

// DefaultTag is used when an image reference carries no tag.
const DefaultTag = "latest"

// Reference identifies one image in one registry.
//
// A Reference is derived once per pull and never revalidated downstream.
type Reference struct {
	Registry   string // registry base URL, e.g. "https://registry-1.docker.io"
	Repository string // repository path, e.g. "library/alpine"
	Tag        string // tag, e.g. "latest"
}

// ParseReference parses a user-supplied image string such as
// "registry.example.com/ns/name:tag", "name:tag" or "name".
//
// Single-segment names are rewritten to the Docker Hub "official image"
// namespace ("alpine" becomes "library/alpine"). The parser is total: a
// malformed string produces a possibly invalid repository name that fails
// later at the registry, never an error here.
func ParseReference(image string) Reference {
	ref := strings.TrimSpace(image)

	scheme := "https://"
	for _, prefix := range []string{"docker://", "https://", "http://"} {
		if strings.HasPrefix(ref, prefix) {
			ref = ref[len(prefix):]
			if prefix == "http://" {
				// Plaintext registries keep their explicit scheme.
				scheme = prefix
			}
			break
		}
	}

	tag := DefaultTag
	if lastColon := strings.LastIndex(ref, ":"); lastColon > strings.LastIndex(ref, "/") {
		// A colon after the last slash separates the tag; a colon before it
		// is a registry port and must be left alone.
		ref, tag = ref[:lastColon], ref[lastColon+1:]
	}

	registry := DefaultRegistry
	repository := ref
	if firstSlash := strings.Index(ref, "/"); firstSlash != -1 {
		first := ref[:firstSlash]
		if strings.Contains(first, ".") || strings.Contains(first, ":") {
			registry = first
			repository = ref[firstSlash+1:]
		}
	}
	if registry == DefaultRegistry && !strings.Contains(repository, "/") {
		repository = "library/" + repository
	}

	return Reference{
		Registry:   scheme + registry,
		Repository: repository,
		Tag:        tag,
	}
}

// Host returns the registry host without its scheme.
func (r Reference) Host() string {
	host := strings.TrimPrefix(r.Registry, "https://")
	return strings.TrimPrefix(host, "http://")
}

// String returns the normalized reference. Parsing the result reproduces
// the same Reference.
func (r Reference) String() string {
	return r.Host() + "/" + r.Repository + ":" + r.Tag
}
