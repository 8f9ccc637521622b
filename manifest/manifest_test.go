package manifest

import (
	"testing"
)

func TestDefaultManifest(t *testing.T) {
	m := Default()

	if m.Version() != "models-v1" {
		t.Errorf("Version() = %q should be %q", m.Version(), "models-v1")
	}

	if m.Len() != 8 {
		t.Fatalf("Len() = %d should be 8", m.Len())
	}

	urls := m.URLs()
	if urls[0] != "/static/models_3d/car/scene.gltf" {
		t.Errorf("first URL = %q, order not preserved", urls[0])
	}
	if urls[7] != "/static/models_3d/worker/scene.gltf" {
		t.Errorf("last URL = %q, order not preserved", urls[7])
	}

	// Callers must not be able to mutate the manifest through URLs()
	urls[0] = "/mutated"
	if !m.Contains("/static/models_3d/car/scene.gltf") || m.URLs()[0] == "/mutated" {
		t.Error("URLs() leaked the internal slice")
	}
}

func TestContainsIsExact(t *testing.T) {
	m := Default()

	tests := []struct {
		path string
		want bool
	}{
		{"/static/models_3d/car/scene.gltf", true},
		{"/static/models_3d/worker/scene.gltf", true},
		{"/static/models_3d/car/scene.gltf/", false},
		{"/static/models_3d/car/", false},
		{"/static/models_3d/CAR/scene.gltf", false},
		{"/static//models_3d/car/scene.gltf", false},
		{"static/models_3d/car/scene.gltf", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := m.Contains(tt.path); got != tt.want {
			t.Errorf("Contains(%q) = %v should be %v", tt.path, got, tt.want)
		}
	}
}

func TestNewRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		version string
		urls    []string
	}{
		{"empty version", " ", []string{"/a"}},
		{"no urls", "v1", nil},
		{"relative", "v1", []string{"a/b"}},
		{"scheme relative", "v1", []string{"//host/a"}},
		{"query", "v1", []string{"/a?b=c"}},
		{"fragment", "v1", []string{"/a#b"}},
		{"duplicate", "v1", []string{"/a", "/a"}},
	}

	for _, tt := range tests {
		if _, err := New(tt.version, tt.urls); err == nil {
			t.Errorf("%s: expected an error", tt.name)
		}
	}
}

func TestParse(t *testing.T) {
	m, err := Parse("models-v2", " /a/scene.gltf, /b/scene.gltf ,,")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if m.Version() != "models-v2" {
		t.Errorf("Version() = %q", m.Version())
	}
	if m.Len() != 2 || !m.Contains("/a/scene.gltf") || !m.Contains("/b/scene.gltf") {
		t.Errorf("URLs() = %v", m.URLs())
	}

	var zero Manifest
	if !zero.IsZero() || m.IsZero() {
		t.Error("IsZero mismatch")
	}
}

func TestSameURLs(t *testing.T) {
	a, _ := Parse("v1", "/a,/b")
	b, _ := Parse("v2", "/a,/b")
	c, _ := Parse("v1", "/b,/a")
	d, _ := Parse("v1", "/a")

	if !a.SameURLs(b) {
		t.Error("versions should not matter")
	}
	if a.SameURLs(c) {
		t.Error("order should matter")
	}
	if a.SameURLs(d) || d.SameURLs(a) {
		t.Error("lengths differ")
	}
}
