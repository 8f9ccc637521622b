package server

import (
	"bytes"
	"embed"
	"encoding/json"
	"net/http"
	"text/template"

	"github.com/golang/glog"

	"github.com/microcosm-cc/modelcache/manifest"
)

//go:embed static/sw.js.tmpl
var swFS embed.FS

var swTemplate = template.Must(template.ParseFS(swFS, "static/sw.js.tmpl"))

type swValues struct {
	Version string
	URLs    string
}

// RenderServiceWorker renders the browser script for a manifest. Values are
// JSON encoded so they are valid JavaScript literals.
func RenderServiceWorker(m manifest.Manifest) ([]byte, error) {
	version, err := json.Marshal(m.Version())
	if err != nil {
		return nil, err
	}
	urls, err := json.Marshal(m.URLs())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	err = swTemplate.Execute(&buf, swValues{
		Version: string(version),
		URLs:    string(urls),
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ServiceWorkerHandler serves the browser script for the manifest in control
func (s *Server) ServiceWorkerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	m := s.Config().Manifest
	if wk := s.controller.Active(); wk != nil {
		m = wk.Manifest()
	}

	body, err := RenderServiceWorker(m)
	if err != nil {
		glog.Errorf("RenderServiceWorker(%s) %+v", m.Version(), err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Service-Worker-Allowed", "/")
	if r.Method == http.MethodHead {
		return
	}
	w.Write(body)
}
