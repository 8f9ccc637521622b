package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron"

	"github.com/microcosm-cc/modelcache/cache"
	conf "github.com/microcosm-cc/modelcache/config"
	"github.com/microcosm-cc/modelcache/manifest"
	"github.com/microcosm-cc/modelcache/metrics"
	"github.com/microcosm-cc/modelcache/worker"
)

// origin serves a body for every path under /static/ unless down is set
type origin struct {
	mu    sync.Mutex
	down  bool
	calls int
}

func (o *origin) Fetch(ctx context.Context, r *http.Request) (*cache.Snapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.down {
		return nil, fmt.Errorf("origin down")
	}
	if !strings.HasPrefix(r.URL.Path, "/static/") {
		return &cache.Snapshot{Status: http.StatusNotFound, Header: http.Header{}}, nil
	}
	return &cache.Snapshot{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"model/gltf+json"}},
		Body:   []byte("model " + r.URL.Path),
	}, nil
}

func (o *origin) setDown(down bool) {
	o.mu.Lock()
	o.down = down
	o.mu.Unlock()
}

type fixture struct {
	server  *Server
	origin  *origin
	storage *cache.MemoryStorage
	path    string
}

func writeConfig(t *testing.T, path string, version string, extra ...string) {
	t.Helper()
	body := fmt.Sprintf("[modelcache]\norigin_url: http://origin.internal\ncache_version: %s\n", version)
	for _, line := range extra {
		body += line + "\n"
	}
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Pass-Through", "1")
		io.WriteString(w, "passed "+r.URL.Path)
	})
	return newFixtureWithNext(t, next)
}

func newFixtureWithNext(t *testing.T, next http.Handler) *fixture {
	t.Helper()

	path := filepath.Join(t.TempDir(), "modelcache.conf")
	writeConfig(t, path, manifest.DefaultVersion)

	cfg, err := conf.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	o := &origin{}
	storage := cache.NewMemoryStorage()
	mt := metrics.New("test")

	controller := worker.NewController(storage, o, next, mt)
	if _, err := controller.Register(context.Background(), cfg.Manifest); err != nil {
		t.Fatalf("Register: %v", err)
	}

	s := New(path, cfg, controller, mt)
	t.Cleanup(controller.Wait)

	return &fixture{server: s, origin: o, storage: storage, path: path}
}

func (f *fixture) do(method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, data interface{}) {
	t.Helper()
	resp := StandardResponse{Data: data}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal %q: %v", rec.Body.String(), err)
	}
}

func TestServiceWorkerScript(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/sw.js")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	wantHeaders := map[string]string{
		"Content-Type":           "application/javascript",
		"Cache-Control":          "no-cache",
		"Service-Worker-Allowed": "/",
	}
	for k, v := range wantHeaders {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}

	body := rec.Body.String()
	if !strings.Contains(body, `const CACHE_NAME = "models-v1";`) {
		t.Errorf("script does not name the version:\n%s", body)
	}
	for _, u := range manifest.DefaultURLs {
		if !strings.Contains(body, `"`+u+`"`) {
			t.Errorf("script does not list %s", u)
		}
	}
}

func TestServiceWorkerScriptMethods(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(http.MethodHead, "/sw.js"); rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Errorf("HEAD = %d with %d bytes, want 200 and no body", rec.Code, rec.Body.Len())
	}
	if rec := f.do(http.MethodPost, "/sw.js"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST = %d, want 405", rec.Code)
	}
}

func TestRenderServiceWorkerEscapes(t *testing.T) {
	m, err := manifest.New(`v"1</script>`, []string{"/a/scene.gltf"})
	if err != nil {
		t.Fatalf("manifest.New: %v", err)
	}

	body, err := RenderServiceWorker(m)
	if err != nil {
		t.Fatalf("RenderServiceWorker: %v", err)
	}
	if strings.Contains(string(body), `v"1`) {
		t.Errorf("version quote was not escaped:\n%s", body)
	}
}

func TestVersionHandler(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/version")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var v BuildInfo
	decodeData(t, rec, &v)
	if v.Version != BuildVersion || v.GoVersion == "" {
		t.Errorf("build info = %+v", v)
	}
	if v.CacheVersion != manifest.DefaultVersion {
		t.Errorf("cacheVersion = %q, want %q", v.CacheVersion, manifest.DefaultVersion)
	}

	if rec := f.do(http.MethodDelete, "/api/v1/version"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE = %d, want 405", rec.Code)
	}
}

func TestStatusHandler(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var st worker.Status
	decodeData(t, rec, &st)
	if st.Version != manifest.DefaultVersion || st.State != "active" {
		t.Errorf("status = %+v, want %s active", st, manifest.DefaultVersion)
	}
	if st.Entries != len(manifest.DefaultURLs) {
		t.Errorf("entries = %d, want %d", st.Entries, len(manifest.DefaultURLs))
	}
}

func TestRouterServesModelsFromCache(t *testing.T) {
	f := newFixture(t)
	f.origin.setDown(true)

	rec := f.do(http.MethodGet, manifest.DefaultURLs[0])
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if want := "model " + manifest.DefaultURLs[0]; rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
}

func TestRouterPassesThrough(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/index.html")
	if rec.Header().Get("X-Pass-Through") != "1" {
		t.Fatalf("/index.html was not passed through")
	}
	if rec.Body.String() != "passed /index.html" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestReloadInstallsNewVersion(t *testing.T) {
	f := newFixture(t)
	writeConfig(t, f.path, "models-v2")

	rec := f.do(http.MethodPost, "/api/v1/reload")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var st worker.Status
	decodeData(t, rec, &st)
	if st.Version != "models-v2" {
		t.Errorf("version = %q, want models-v2", st.Version)
	}

	keys, err := f.storage.Keys(context.Background())
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "models-v2" {
		t.Errorf("buckets = %v, want [models-v2]", keys)
	}
	if got := f.server.Config().Manifest.Version(); got != "models-v2" {
		t.Errorf("config version = %q, want models-v2", got)
	}
}

func TestReloadFailureKeepsCurrentWorker(t *testing.T) {
	f := newFixture(t)
	writeConfig(t, f.path, "models-v2")
	f.origin.setDown(true)

	rec := f.do(http.MethodPost, "/api/v1/reload")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}

	if got := f.server.controller.Active().Version(); got != manifest.DefaultVersion {
		t.Errorf("active = %q, want %q", got, manifest.DefaultVersion)
	}
	if rec := f.do(http.MethodGet, manifest.DefaultURLs[1]); rec.Code != http.StatusOK {
		t.Errorf("cached model = %d, want 200", rec.Code)
	}
}

func TestReloadSameVersion(t *testing.T) {
	f := newFixture(t)
	before := f.server.controller.Active()

	rec := f.do(http.MethodPost, "/api/v1/reload")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if f.server.controller.Active() != before {
		t.Errorf("reload of the same version replaced the worker")
	}
}

func TestReloadManifestChangeNeedsNewVersion(t *testing.T) {
	f := newFixture(t)
	before := f.server.controller.Active()

	urls := append(manifest.Default().URLs(), "/static/models_3d/forklift/scene.gltf")
	writeConfig(t, f.path, manifest.DefaultVersion, "manifest: "+strings.Join(urls, ","))

	rec := f.do(http.MethodPost, "/api/v1/reload")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
	if f.server.controller.Active() != before {
		t.Error("the worker was replaced")
	}
	if got := f.server.Config().Manifest.Len(); got != len(manifest.DefaultURLs) {
		t.Errorf("config manifest has %d URLs, want %d", got, len(manifest.DefaultURLs))
	}
}

func TestReloadRequiresPost(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(http.MethodGet, "/api/v1/reload"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET = %d, want 405", rec.Code)
	}
}

func TestMetricsHandler(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodGet, manifest.DefaultURLs[0])

	rec := f.do(http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `test_fetches_total{outcome="hit"} 1`) {
		t.Errorf("metrics do not count the hit:\n%s", rec.Body.String())
	}
}

func TestSweepStaleBuckets(t *testing.T) {
	f := newFixture(t)

	ctx := context.Background()
	if _, err := f.storage.Open(ctx, "models-v0"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	f.server.SweepStaleBuckets()

	keys, err := f.storage.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != manifest.DefaultVersion {
		t.Errorf("buckets = %v, want [%s]", keys, manifest.DefaultVersion)
	}
}

func TestJobSchedulesParse(t *testing.T) {
	f := newFixture(t)
	for schedule := range f.server.jobs() {
		if err := cron.New().AddFunc(schedule, func() {}); err != nil {
			t.Errorf("schedule %q: %v", schedule, err)
		}
	}
}

func TestServeWaitsForShutdown(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		io.WriteString(w, "slow")
	})
	f := newFixtureWithNext(t, next)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	served := make(chan error, 1)
	go func() {
		served <- f.server.Serve(l)
	}()

	body := make(chan string, 1)
	go func() {
		resp, err := http.Get("http://" + l.Addr().String() + "/slow")
		if err != nil {
			body <- err.Error()
			return
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body <- string(b)
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the handler")
	}

	shutdown := make(chan error, 1)
	go func() {
		shutdown <- f.server.Shutdown(context.Background())
	}()

	select {
	case err := <-served:
		t.Fatalf("Serve returned %v with a request in flight", err)
	case <-time.After(200 * time.Millisecond):
	}

	close(release)

	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}

	select {
	case err := <-shutdown:
		if err != nil {
			t.Errorf("Shutdown = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}

	if got := <-body; got != "slow" {
		t.Errorf("in-flight response = %q", got)
	}
}
