package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/robfig/cron"

	conf "github.com/microcosm-cc/modelcache/config"
	"github.com/microcosm-cc/modelcache/metrics"
	"github.com/microcosm-cc/modelcache/worker"
)

// Server owns the HTTP listener, the cron jobs and the worker controller
type Server struct {
	configPath string
	controller *worker.Controller
	metrics    *metrics.Metrics

	// Config as last loaded, replaced on reload
	mu  sync.RWMutex
	cfg conf.Config

	router *mux.Router
	cron   *cron.Cron
	http   *http.Server

	// Closed when Shutdown has drained everything
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewPassThrough proxies requests the worker does not intercept to the
// origin unchanged
func NewPassThrough(origin *url.URL) http.Handler {
	p := httputil.NewSingleHostReverseProxy(origin)
	p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		glog.Warningf("Pass-through of %s failed: %v", r.URL, err)
		w.WriteHeader(http.StatusBadGateway)
	}
	return p
}

// New builds the router and listener. configPath is re-read on reload, the
// listen port is fixed here.
func New(
	configPath string,
	cfg conf.Config,
	controller *worker.Controller,
	mt *metrics.Metrics,
) *Server {
	s := &Server{
		configPath: configPath,
		controller: controller,
		metrics:    mt,
		cfg:        cfg,
		stopped:    make(chan struct{}),
	}

	// Paths reach the worker exactly as the client sent them
	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	for path, handler := range s.routes() {
		r.HandleFunc(path, handler)
	}
	r.PathPrefix("/").Handler(controller)
	s.router = r

	s.cron = cron.New()
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ListenPort),
		Handler: s,
	}

	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Config returns the config as last loaded
func (s *Server) Config() conf.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// StartServer listens on the configured port and serves until the listener
// fails or Shutdown has finished
func (s *Server) StartServer() error {
	l, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve starts the cron jobs and serves on l. After Shutdown is called it
// returns only once in-flight requests and background stores are done.
func (s *Server) Serve(l net.Listener) error {
	for schedule, job := range s.jobs() {
		if err := s.cron.AddFunc(schedule, job); err != nil {
			l.Close()
			return fmt.Errorf("cron schedule %q: %w", schedule, err)
		}
	}
	s.cron.Start()

	if glog.V(2) {
		glog.Infof("Listening on %s", l.Addr())
	}

	err := s.http.Serve(l)
	if err != http.ErrServerClosed {
		return err
	}

	<-s.stopped
	return nil
}

// Shutdown stops the cron jobs, drains the listener and waits for background
// stores to finish
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.stopOnce.Do(func() { close(s.stopped) })

	s.cron.Stop()
	err := s.http.Shutdown(ctx)
	s.controller.Wait()
	return err
}
