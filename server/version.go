package server

import (
	"net/http"
	"runtime"
)

var (
	// BuildVersion and BuildDate are set via ldflags during build
	BuildVersion = "development"
	BuildDate    = "unknown"
)

// BuildInfo identifies the running binary and the cache version it serves
type BuildInfo struct {
	Version      string `json:"version"`
	Date         string `json:"date"`
	GoVersion    string `json:"goVersion"`
	CacheVersion string `json:"cacheVersion,omitempty"`
}

// VersionHandler returns build information and the cache version in control
func (s *Server) VersionHandler(w http.ResponseWriter, r *http.Request) {
	c := MakeContext(w, r)

	switch c.GetHTTPMethod() {
	case "OPTIONS":
		c.RespondWithOptions([]string{"OPTIONS", "GET"})
	case "GET":
		info := BuildInfo{
			Version:   BuildVersion,
			Date:      BuildDate,
			GoVersion: runtime.Version(),
		}
		if wk := s.controller.Active(); wk != nil {
			info.CacheVersion = wk.Version()
		}
		c.RespondWithData(info)
	default:
		c.RespondWithStatus(http.StatusMethodNotAllowed)
	}
}
