package cache

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestRequestKey(t *testing.T) {
	tests := []struct {
		method string
		raw    string
		want   string
	}{
		{"GET", "/static/models_3d/car/scene.gltf", "GET /static/models_3d/car/scene.gltf"},
		{"", "/a", "GET /a"},
		{"GET", "/a?v=2", "GET /a?v=2"},
		{"HEAD", "http://example.com/a", "HEAD /a"},
	}

	for _, tt := range tests {
		u, err := url.Parse(tt.raw)
		if err != nil {
			t.Fatalf("url.Parse(%q): %v", tt.raw, err)
		}
		if got := RequestKey(tt.method, u); got != tt.want {
			t.Errorf("RequestKey(%q, %q) = %q should be %q", tt.method, tt.raw, got, tt.want)
		}
	}
}

func TestCaptureAndServe(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"model/gltf+json"}},
		Body:       io.NopCloser(strings.NewReader(`{"asset":{}}`)),
	}

	s, err := Capture(resp)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if s.StoredAt.IsZero() {
		t.Error("Capture should stamp StoredAt")
	}

	rec := httptest.NewRecorder()
	s.Serve(rec, httptest.NewRequest(http.MethodGet, "/a", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Body.String() != `{"asset":{}}` {
		t.Errorf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "model/gltf+json" {
		t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}
	if rec.Header().Get("Content-Length") != "12" {
		t.Errorf("Content-Length = %q", rec.Header().Get("Content-Length"))
	}

	head := httptest.NewRecorder()
	s.Serve(head, httptest.NewRequest(http.MethodHead, "/a", nil))
	if head.Body.Len() != 0 {
		t.Errorf("HEAD wrote a body of %d bytes", head.Body.Len())
	}
}

func TestEntryEncoding(t *testing.T) {
	s := &Snapshot{
		Status: http.StatusOK,
		Header: http.Header{"Etag": {`"abc"`}},
		Body:   []byte("scene"),
	}

	b, err := encodeEntry("GET /a", s)
	if err != nil {
		t.Fatalf("encodeEntry: %v", err)
	}

	key, got, err := decodeEntry(b)
	if err != nil {
		t.Fatalf("decodeEntry: %v", err)
	}
	if key != "GET /a" || string(got.Body) != "scene" || got.Header.Get("Etag") != `"abc"` {
		t.Errorf("decodeEntry = %q, %+v", key, got)
	}

	if _, _, err := decodeEntry([]byte("not gob")); err == nil {
		t.Error("decodeEntry should fail on garbage")
	}
}
