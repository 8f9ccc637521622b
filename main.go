package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/microcosm-cc/modelcache/cache"
	conf "github.com/microcosm-cc/modelcache/config"
	"github.com/microcosm-cc/modelcache/metrics"
	"github.com/microcosm-cc/modelcache/server"
	"github.com/microcosm-cc/modelcache/worker"
)

var (
	configPath = flag.String("config", conf.ConfigFilePath, "path to the config file")
	memprof    = flag.String("memprof", "", "write memory profile to file")
)

// openStorage connects to the store named in the config. The returned func
// releases the connection.
func openStorage(ctx context.Context, cfg conf.Config) (cache.Storage, func(), error) {
	switch cfg.Store {
	case conf.StoreMemory:
		return cache.NewMemoryStorage(), func() {}, nil

	case conf.StoreMemcache:
		if glog.V(2) {
			glog.Infof("Initialising memcache on %s:%d", cfg.MemcachedHost, cfg.MemcachedPort)
		}
		s := cache.NewMemcacheStorage(
			cfg.MemcachedHost,
			cfg.MemcachedPort,
			cfg.MemcachedPrefix,
			cfg.MemcachedMaxItem,
		)
		return s, func() {}, nil

	case conf.StoreS3:
		if glog.V(2) {
			glog.Infof("Initialising S3 bucket %s on %s", cfg.S3.Bucket, cfg.S3.Endpoint)
		}
		s, err := cache.NewS3Storage(ctx, cfg.S3)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil

	case conf.StorePostgres:
		if glog.V(2) {
			glog.Infof(
				"Initialising DB connection on %s:%d for database %s",
				cfg.Database.Host,
				cfg.Database.Port,
				cfg.Database.Database,
			)
		}
		s, err := cache.NewPostgresStorage(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				glog.Errorf("s.Close() %+v", err)
			}
		}, nil
	}

	return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}

func main() {

	// Parse flags and start memory profiling
	// Usage: -memprof=modelcache.mprof
	// Also used to init glog
	flag.Parse()

	// 100 megabytes max before rolling the log files
	glog.MaxSize = 1024 * 1024 * 100

	cfg, err := conf.Load(*configPath)
	if err != nil {
		glog.Fatal(err)
	}

	startup, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	storage, closeStorage, err := openStorage(startup, cfg)
	if err != nil {
		glog.Fatal(err)
	}

	fetcher, err := worker.NewOriginFetcher(cfg.OriginURL, cfg.OriginTimeout)
	if err != nil {
		glog.Fatal(err)
	}

	mt := metrics.New("modelcache")
	controller := worker.NewController(
		storage,
		fetcher,
		server.NewPassThrough(fetcher.Origin()),
		mt,
	)

	if glog.V(2) {
		glog.Infof("Installing %s with %d models", cfg.Manifest.Version(), cfg.Manifest.Len())
	}
	if _, err := controller.Register(startup, cfg.Manifest); err != nil {
		glog.Fatal(err)
	}

	s := server.New(*configPath, cfg, controller, mt)

	var profile *os.File
	if *memprof != "" {
		// Reference time is used for formatting.
		// See http://golang.org/pkg/time for details.
		fname := *memprof + "-" + time.Now().Format("2006-01-02_15-04-05-MST")
		profile, err = os.Create(fname)
		if err != nil {
			glog.Fatal(err)
		}
	}

	// SIGHUP reloads the config, everything else drains the server
	sigc := make(chan os.Signal, 1)
	signal.Notify(
		sigc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	go func() {
		for sig := range sigc {
			if sig == syscall.SIGHUP {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				if _, _, err := s.Reload(ctx); err != nil {
					glog.Errorf("s.Reload() %+v", err)
				}
				cancel()
				continue
			}

			glog.Warningf("Caught %v, exiting..", sig)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := s.Shutdown(ctx); err != nil {
				glog.Errorf("s.Shutdown() %+v", err)
			}
			cancel()
			return
		}
	}()

	// Returns once Shutdown has drained requests and background stores
	if err := s.StartServer(); err != nil {
		glog.Fatal(err)
	}

	closeStorage()
	if profile != nil {
		// Heap profiler is run on GC, so make sure it GCs before exiting.
		runtime.GC()
		pprof.WriteHeapProfile(profile)
		profile.Close()
	}
	glog.Flush()
}
