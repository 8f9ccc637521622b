package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/golang/glog"

	conf "github.com/microcosm-cc/modelcache/config"
)

// StatusHandler reports the worker in control and the buckets in storage
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	c := MakeContext(w, r)

	switch c.GetHTTPMethod() {
	case "OPTIONS":
		c.RespondWithOptions([]string{"OPTIONS", "GET"})
		return
	case "GET":
		wk := s.controller.Active()
		if wk == nil {
			c.RespondWithErrorMessage("No worker is in control", http.StatusServiceUnavailable)
			return
		}

		st, err := wk.Status(r.Context())
		if err != nil {
			glog.Errorf("wk.Status() %+v", err)
			c.RespondWithErrorMessage(
				fmt.Sprintf("Could not read cache status: %v", err),
				http.StatusInternalServerError,
			)
			return
		}
		c.RespondWithData(st)
		return
	default:
		c.RespondWithStatus(http.StatusMethodNotAllowed)
		return
	}
}

// ReloadHandler re-reads the config file and registers its manifest. A new
// cache_version installs a new worker; if that install fails the current
// worker stays in control.
func (s *Server) ReloadHandler(w http.ResponseWriter, r *http.Request) {
	c := MakeContext(w, r)

	switch c.GetHTTPMethod() {
	case "OPTIONS":
		c.RespondWithOptions([]string{"OPTIONS", "POST"})
		return
	case "POST":
		st, status, err := s.Reload(r.Context())
		if err != nil {
			c.RespondWithErrorDetail(err, status)
			return
		}
		c.RespondWithData(st)
		return
	default:
		c.RespondWithStatus(http.StatusMethodNotAllowed)
		return
	}
}

// Reload is the body of ReloadHandler, also used on SIGHUP
func (s *Server) Reload(ctx context.Context) (interface{}, int, error) {
	cfg, err := conf.Load(s.configPath)
	if err != nil {
		glog.Errorf("conf.Load(%s) %+v", s.configPath, err)
		return nil, http.StatusBadRequest, err
	}

	prev := s.Config()
	if cfg.Store != prev.Store || cfg.OriginURL != prev.OriginURL {
		glog.Warningf("Store and origin changes in %s take effect on restart only", s.configPath)
	}

	if active := s.controller.Active(); active != nil &&
		active.Version() == cfg.Manifest.Version() {
		// A version names one set of contents; new URLs need a new version
		if !active.Manifest().SameURLs(cfg.Manifest) {
			glog.Warningf(
				"%s changed the %s list but not %s %s, ignoring it",
				s.configPath,
				conf.Manifest,
				conf.CacheVersion,
				active.Version(),
			)
			return nil, http.StatusConflict, fmt.Errorf(
				"%s changed but %s is still %s, bump the version to install it",
				conf.Manifest,
				conf.CacheVersion,
				active.Version(),
			)
		}

		glog.Infof("Version %s is already in control", active.Version())
		st, err := active.Status(ctx)
		if err != nil {
			return nil, http.StatusInternalServerError, err
		}
		return st, http.StatusOK, nil
	}

	wk, err := s.controller.Register(ctx, cfg.Manifest)
	if err != nil {
		glog.Errorf("Register(%s) %+v", cfg.Manifest.Version(), err)
		return nil, http.StatusBadGateway, err
	}

	s.mu.Lock()
	s.cfg.Manifest = cfg.Manifest
	s.mu.Unlock()

	st, err := wk.Status(ctx)
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	return st, http.StatusOK, nil
}

// MetricsHandler serves Prometheus metrics
func (s *Server) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.NotFound(w, r)
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}
