/*
Package manifest describes what a worker version caches: the bucket version
identifier and the ordered list of asset paths that are precached on install
and intercepted on fetch.

A Manifest is immutable once built. Changing the version identifier is the
only way to invalidate previously cached entries.
*/
package manifest

import (
	"fmt"
	"strings"
)

// DefaultVersion is the bucket version used when none is configured
const DefaultVersion string = "models-v1"

// DefaultURLs are the 3D model scenes served under the static route
var DefaultURLs = []string{
	"/static/models_3d/car/scene.gltf",
	"/static/models_3d/wrench/scene.gltf",
	"/static/models_3d/user/scene.gltf",
	"/static/models_3d/order/scene.gltf",
	"/static/models_3d/engine/scene.gltf",
	"/static/models_3d/dashboard/scene.gltf",
	"/static/models_3d/crane/scene.gltf",
	"/static/models_3d/worker/scene.gltf",
}

// Manifest is a version identifier plus the ordered asset paths it covers
type Manifest struct {
	version string
	urls    []string
	index   map[string]struct{}
}

// New validates and freezes a manifest. Every URL must be an absolute path
// (leading slash, no scheme, host, query or fragment) and appear only once.
func New(version string, urls []string) (Manifest, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return Manifest{}, fmt.Errorf("manifest version must be set")
	}

	if len(urls) == 0 {
		return Manifest{}, fmt.Errorf("manifest must list at least one URL")
	}

	m := Manifest{
		version: version,
		urls:    make([]string, 0, len(urls)),
		index:   make(map[string]struct{}, len(urls)),
	}

	for _, u := range urls {
		if !strings.HasPrefix(u, "/") || strings.HasPrefix(u, "//") {
			return Manifest{}, fmt.Errorf("manifest URL %q is not an absolute path", u)
		}
		if strings.ContainsAny(u, "?# \t") {
			return Manifest{}, fmt.Errorf("manifest URL %q must be a bare path", u)
		}
		if _, ok := m.index[u]; ok {
			return Manifest{}, fmt.Errorf("manifest URL %q is listed twice", u)
		}
		m.index[u] = struct{}{}
		m.urls = append(m.urls, u)
	}

	return m, nil
}

// Default returns the built-in manifest
func Default() Manifest {
	m, err := New(DefaultVersion, DefaultURLs)
	if err != nil {
		panic(err)
	}
	return m
}

// Parse splits a comma separated list of paths, as found in the config file
func Parse(version string, list string) (Manifest, error) {
	var urls []string
	for _, u := range strings.Split(list, ",") {
		u = strings.TrimSpace(u)
		if u != "" {
			urls = append(urls, u)
		}
	}
	return New(version, urls)
}

// Version is the bucket name this manifest caches into
func (m Manifest) Version() string {
	return m.version
}

// URLs returns a copy of the asset paths in manifest order
func (m Manifest) URLs() []string {
	out := make([]string, len(m.urls))
	copy(out, m.urls)
	return out
}

// Len is the number of asset paths
func (m Manifest) Len() int {
	return len(m.urls)
}

// Contains reports whether path is exactly one of the manifest entries. No
// normalisation is applied: "/a/b" and "/a//b" are different paths.
func (m Manifest) Contains(path string) bool {
	_, ok := m.index[path]
	return ok
}

// SameURLs reports whether both manifests list the same paths in the same
// order, whatever their versions
func (m Manifest) SameURLs(o Manifest) bool {
	if len(m.urls) != len(o.urls) {
		return false
	}
	for i := range m.urls {
		if m.urls[i] != o.urls[i] {
			return false
		}
	}
	return true
}

// IsZero is true for a Manifest that was not built with New
func (m Manifest) IsZero() bool {
	return m.version == ""
}
