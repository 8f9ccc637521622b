package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/microcosm-cc/modelcache/cache"
	e "github.com/microcosm-cc/modelcache/errors"
	"github.com/microcosm-cc/modelcache/manifest"
	"github.com/microcosm-cc/modelcache/metrics"
)

// State is the lifecycle position of a worker
type State int32

// Worker lifecycle states
const (
	Uninstalled State = iota
	Installed
	Active
)

func (s State) String() string {
	switch s {
	case Uninstalled:
		return "uninstalled"
	case Installed:
		return "installed"
	case Active:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config is everything a Manager depends on
type Config struct {
	Manifest manifest.Manifest
	Storage  cache.Storage
	Fetcher  Fetcher

	// Metrics may be nil
	Metrics *metrics.Metrics
}

// Manager is one worker version
type Manager struct {
	manifest manifest.Manifest
	storage  cache.Storage
	fetcher  Fetcher
	metrics  *metrics.Metrics

	mu          sync.RWMutex
	state       State
	bucket      cache.Bucket
	skipWaiting bool

	// Background refresh stores in flight
	wg sync.WaitGroup
}

// Status describes a worker for the status endpoint
type Status struct {
	Version     string   `json:"version"`
	State       string   `json:"state"`
	SkipWaiting bool     `json:"skipWaiting"`
	URLs        []string `json:"urls"`
	Buckets     []string `json:"buckets"`
	Entries     int      `json:"entries"`
}

// New returns an Uninstalled worker. New never returns nil.
func New(cfg Config) *Manager {
	return &Manager{
		manifest: cfg.Manifest,
		storage:  cfg.Storage,
		fetcher:  cfg.Fetcher,
		metrics:  cfg.Metrics,
	}
}

// Version is the bucket name this worker caches into
func (m *Manager) Version() string {
	return m.manifest.Version()
}

// Manifest returns the worker's manifest
func (m *Manager) Manifest() manifest.Manifest {
	return m.manifest
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// SkipWaiting reports whether the worker asked to be activated without
// waiting for the previous version to be released
func (m *Manager) SkipWaiting() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.skipWaiting
}

// Install opens the version bucket and precaches every manifest URL. All
// fetches must succeed before anything is written; a single failure fails the
// install and leaves the worker Uninstalled. Installing twice is a no-op.
func (m *Manager) Install(ctx context.Context) error {
	if m.State() != Uninstalled {
		return nil
	}

	version := m.Version()
	start := time.Now()

	bucket, err := m.storage.Open(ctx, version)
	if err != nil {
		m.installResult("failed")
		return e.Wrap(version, "Install", e.BucketUnavailable,
			fmt.Sprintf("could not open bucket %s", version), err)
	}

	entries, err := m.precache(ctx)
	if err != nil {
		m.installResult("failed")
		return err
	}

	err = bucket.PutAll(ctx, entries)
	if err != nil {
		m.installResult("failed")
		return e.Wrap(version, "Install", e.BucketUnavailable,
			fmt.Sprintf("could not store the manifest in %s", version), err)
	}

	m.mu.Lock()
	m.bucket = bucket
	m.state = Installed
	m.skipWaiting = true
	m.mu.Unlock()

	m.installResult("ok")
	if m.metrics != nil {
		m.metrics.PrecacheLatency.Observe(time.Since(start).Seconds())
	}

	if glog.V(2) {
		glog.Infof("Installed %s with %d entries in %s", version, len(entries), time.Since(start))
	}
	return nil
}

// precache fetches the whole manifest concurrently. The first failure
// cancels the remaining fetches.
func (m *Manager) precache(ctx context.Context) ([]cache.Entry, error) {
	urls := m.manifest.URLs()
	entries := make([]cache.Entry, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			r, err := http.NewRequestWithContext(gctx, http.MethodGet, u, nil)
			if err != nil {
				return e.Wrap(m.Version(), "Install", e.PrecacheFailed,
					fmt.Sprintf("could not build request for %s", u), err)
			}

			snap, err := m.fetcher.Fetch(gctx, r)
			if err != nil {
				return e.Wrap(m.Version(), "Install", e.PrecacheFailed,
					fmt.Sprintf("could not fetch %s", u), err)
			}
			if !snap.OK() {
				return e.New(m.Version(), "Install", e.PrecacheFailed,
					fmt.Sprintf("fetching %s returned status %d", u, snap.Status))
			}

			entries[i] = cache.Entry{
				Key:      cache.RequestKey(http.MethodGet, r.URL),
				Snapshot: snap,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		glog.Errorf("Precache of %s failed: %v", m.Version(), err)
		return nil, err
	}
	return entries, nil
}

func (m *Manager) installResult(result string) {
	if m.metrics != nil {
		m.metrics.InstallsTotal.WithLabelValues(result).Inc()
	}
}

// Activate deletes every bucket that is not this worker's version and then
// takes control. It fails with NotInstalled before a successful Install.
func (m *Manager) Activate(ctx context.Context) error {
	state := m.State()
	if state == Uninstalled {
		return e.New(m.Version(), "Activate", e.NotInstalled,
			fmt.Sprintf("worker %s has not been installed", m.Version()))
	}

	if _, err := m.purgeStale(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.state = Active
	m.mu.Unlock()

	if glog.V(2) {
		glog.Infof("Activated %s", m.Version())
	}
	return nil
}

// Sweep repeats the stale bucket cleanup of Activate. Stores shared between
// gateway instances can gain buckets after this worker activated.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	if m.State() != Active {
		return 0, nil
	}
	return m.purgeStale(ctx)
}

func (m *Manager) purgeStale(ctx context.Context) (int, error) {
	version := m.Version()

	names, err := m.storage.Keys(ctx)
	if err != nil {
		return 0, e.Wrap(version, "Activate", e.CleanupFailed,
			"could not list buckets", err)
	}

	deleted := 0
	for _, name := range names {
		if name == version {
			continue
		}

		_, err := m.storage.Delete(ctx, name)
		if err != nil {
			return deleted, e.Wrap(version, "Activate", e.CleanupFailed,
				fmt.Sprintf("could not delete bucket %s", name), err)
		}
		deleted++

		if m.metrics != nil {
			m.metrics.StaleBucketsDeleted.Inc()
		}
		if glog.V(2) {
			glog.Infof("Deleted stale bucket %s", name)
		}
	}

	return deleted, nil
}

// openBucket returns the version bucket, opening it when a fetch arrives
// before install finished
func (m *Manager) openBucket(ctx context.Context) (cache.Bucket, error) {
	m.mu.RLock()
	b := m.bucket
	m.mu.RUnlock()
	if b != nil {
		return b, nil
	}

	b, err := m.storage.Open(ctx, m.Version())
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bucket == nil {
		m.bucket = b
	}
	return m.bucket, nil
}

// requestURL resolves the URL of an intercepted request. Anything that is not
// a well formed network request is an error.
func requestURL(r *http.Request) (*url.URL, error) {
	if r == nil || r.URL == nil {
		return nil, fmt.Errorf("request has no URL")
	}

	if r.RequestURI != "" {
		if _, err := url.ParseRequestURI(r.RequestURI); err != nil {
			return nil, err
		}
	}

	u := r.URL
	if u.Opaque != "" {
		return nil, fmt.Errorf("opaque URL %q", u.String())
	}
	switch u.Scheme {
	case "", "http", "https":
	default:
		return nil, fmt.Errorf("non-network scheme %q", u.Scheme)
	}
	return u, nil
}

// Fetch answers a request for a manifest path cache-first. It reports whether
// the request was intercepted; requests that are not intercepted must be
// handled by the caller as if the worker did not exist.
//
// On a miss the origin response is returned straight away and a copy is
// stored in the background. A failure of that store is logged, never
// returned. An origin failure on a miss is returned with OriginUnavailable.
func (m *Manager) Fetch(r *http.Request) (*cache.Snapshot, bool, error) {
	u, err := requestURL(r)
	if err != nil {
		if glog.V(3) {
			glog.Infof("Not intercepting unparsable request: %v", err)
		}
		m.metrics.Fetch(metrics.OutcomeUnparsable)
		return nil, false, nil
	}

	// Only GET responses are kept, as with the platform cache
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet || !m.manifest.Contains(u.EscapedPath()) {
		m.metrics.Fetch(metrics.OutcomePassThrough)
		return nil, false, nil
	}

	ctx := r.Context()
	key := cache.RequestKey(http.MethodGet, u)

	bucket, err := m.openBucket(ctx)
	if err != nil {
		glog.Warningf("Could not open bucket %s: %v", m.Version(), err)
	} else {
		snap, ok, err := bucket.Match(ctx, key)
		if err != nil {
			// A failed lookup is treated as a miss
			glog.Warningf("Match(%s) in %s: %v", key, m.Version(), err)
		} else if ok {
			m.metrics.Fetch(metrics.OutcomeHit)
			return snap, true, nil
		}
	}

	snap, err := m.fetcher.Fetch(ctx, r)
	if err != nil {
		m.metrics.Fetch(metrics.OutcomeError)
		return nil, true, e.Wrap(m.Version(), "Fetch", e.OriginUnavailable,
			fmt.Sprintf("could not fetch %s", key), err)
	}
	m.metrics.Fetch(metrics.OutcomeMiss)

	if bucket != nil {
		m.refresh(context.WithoutCancel(ctx), bucket, key, snap.Clone())
	}
	return snap, true, nil
}

// refresh stores snap without making the caller wait for it
func (m *Manager) refresh(ctx context.Context, bucket cache.Bucket, key string, snap *cache.Snapshot) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		err := bucket.Put(ctx, key, snap)
		if err != nil {
			glog.Warningf("Background store of %s in %s failed: %v", key, bucket.Name(), err)
			if m.metrics != nil {
				m.metrics.RefreshStoreFailed.Inc()
			}
			return
		}

		if glog.V(3) {
			glog.Infof("Refreshed %s in %s", key, bucket.Name())
		}
	}()
}

// Wait blocks until every background store started so far has finished
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Status reports the worker state and the buckets present in storage
func (m *Manager) Status(ctx context.Context) (Status, error) {
	m.mu.RLock()
	st := Status{
		Version:     m.Version(),
		State:       m.state.String(),
		SkipWaiting: m.skipWaiting,
		URLs:        m.manifest.URLs(),
	}
	bucket := m.bucket
	m.mu.RUnlock()

	names, err := m.storage.Keys(ctx)
	if err != nil {
		return st, err
	}
	st.Buckets = names

	if bucket != nil {
		keys, err := bucket.Keys(ctx)
		if err != nil {
			return st, err
		}
		st.Entries = len(keys)
	}

	return st, nil
}
