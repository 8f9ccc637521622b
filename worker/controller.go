package worker

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/microcosm-cc/modelcache/cache"
	e "github.com/microcosm-cc/modelcache/errors"
	"github.com/microcosm-cc/modelcache/manifest"
	"github.com/microcosm-cc/modelcache/metrics"
)

// Controller routes requests through the worker version in control and
// passes everything the worker does not intercept to next
type Controller struct {
	storage cache.Storage
	fetcher Fetcher
	metrics *metrics.Metrics
	next    http.Handler

	// Serialises Register
	mu      sync.Mutex
	active  atomic.Pointer[Manager]
	retired []*Manager
}

// NewController returns a controller with no worker in control; until
// Register succeeds every request goes to next
func NewController(
	storage cache.Storage,
	fetcher Fetcher,
	next http.Handler,
	mt *metrics.Metrics,
) *Controller {
	return &Controller{
		storage: storage,
		fetcher: fetcher,
		metrics: mt,
		next:    next,
	}
}

// Register installs and activates a worker for m and puts it in control. If
// either step fails the previous worker, if any, stays in control.
func (c *Controller) Register(ctx context.Context, m manifest.Manifest) (*Manager, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := New(Config{
		Manifest: m,
		Storage:  c.storage,
		Fetcher:  c.fetcher,
		Metrics:  c.metrics,
	})

	if err := w.Install(ctx); err != nil {
		return nil, err
	}

	// Install skips waiting, activation follows at once
	if err := w.Activate(ctx); err != nil {
		return nil, err
	}

	prev := c.active.Swap(w)
	if prev != nil {
		c.retired = append(c.retired, prev)
		if glog.V(2) {
			glog.Infof("Worker %s replaced %s", w.Version(), prev.Version())
		}
	}

	return w, nil
}

// Active is the worker in control, or nil
func (c *Controller) Active() *Manager {
	return c.active.Load()
}

// Sweep deletes buckets of other versions on behalf of the worker in control
func (c *Controller) Sweep(ctx context.Context) (int, error) {
	w := c.active.Load()
	if w == nil {
		return 0, nil
	}
	return w.Sweep(ctx)
}

// Wait blocks until background stores of every worker this controller has
// had in control are done
func (c *Controller) Wait() {
	c.mu.Lock()
	workers := append([]*Manager(nil), c.retired...)
	c.mu.Unlock()

	if w := c.active.Load(); w != nil {
		workers = append(workers, w)
	}
	for _, w := range workers {
		w.Wait()
	}
}

// ServeHTTP implements http.Handler
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if m := c.active.Load(); m != nil {
		snap, intercepted, err := m.Fetch(r)
		if intercepted {
			if err != nil {
				glog.Errorf("%v", err)
				status := http.StatusInternalServerError
				if code, ok := e.Code(err); ok && code == e.OriginUnavailable {
					status = http.StatusBadGateway
				}
				http.Error(w, http.StatusText(status), status)
				return
			}
			snap.Serve(w, r)
			return
		}
	}

	c.next.ServeHTTP(w, r)
}
