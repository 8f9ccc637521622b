package server

import (
	"net/http"
)

// routes maps paths to handlers. Anything not listed is handled by the worker
// controller.
func (s *Server) routes() map[string]func(http.ResponseWriter, *http.Request) {
	return map[string]func(http.ResponseWriter, *http.Request){
		"/sw.js": s.ServiceWorkerHandler,

		"/api/v1/reload":  s.ReloadHandler,
		"/api/v1/status":  s.StatusHandler,
		"/api/v1/version": s.VersionHandler,

		"/metrics": s.MetricsHandler,
	}
}
