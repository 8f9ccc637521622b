package worker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/microcosm-cc/modelcache/cache"
)

// fakeOrigin serves canned bodies by path and counts every fetch
type fakeOrigin struct {
	mu     sync.Mutex
	bodies map[string]string
	status map[string]int
	fail   map[string]error
	calls  map[string]int
	total  int64
}

func newFakeOrigin(paths []string) *fakeOrigin {
	o := &fakeOrigin{
		bodies: make(map[string]string),
		status: make(map[string]int),
		fail:   make(map[string]error),
		calls:  make(map[string]int),
	}
	for _, p := range paths {
		o.bodies[p] = "scene of " + p
	}
	return o
}

func (o *fakeOrigin) Fetch(_ context.Context, r *http.Request) (*cache.Snapshot, error) {
	atomic.AddInt64(&o.total, 1)

	o.mu.Lock()
	defer o.mu.Unlock()

	p := r.URL.Path
	o.calls[p]++

	if err, ok := o.fail[p]; ok {
		return nil, err
	}

	status := http.StatusOK
	if s, ok := o.status[p]; ok {
		status = s
	}
	body, ok := o.bodies[p]
	if !ok && status == http.StatusOK {
		status = http.StatusNotFound
	}

	return &cache.Snapshot{
		Status: status,
		Header: http.Header{"Content-Type": {"model/gltf+json"}},
		Body:   []byte(body),
	}, nil
}

func (o *fakeOrigin) fetches() int64 {
	return atomic.LoadInt64(&o.total)
}

func (o *fakeOrigin) callsFor(p string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[p]
}

// spyStorage counts every storage and bucket operation and can make Put fail
type spyStorage struct {
	cache.Storage

	opens   int64
	matches int64
	puts    int64
	putErr  error
	keysErr error
}

type spyBucket struct {
	cache.Bucket
	s *spyStorage
}

func newSpyStorage() *spyStorage {
	return &spyStorage{Storage: cache.NewMemoryStorage()}
}

func (s *spyStorage) Open(ctx context.Context, name string) (cache.Bucket, error) {
	atomic.AddInt64(&s.opens, 1)
	b, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &spyBucket{Bucket: b, s: s}, nil
}

func (s *spyStorage) Keys(ctx context.Context) ([]string, error) {
	if s.keysErr != nil {
		return nil, s.keysErr
	}
	return s.Storage.Keys(ctx)
}

func (b *spyBucket) Match(ctx context.Context, key string) (*cache.Snapshot, bool, error) {
	atomic.AddInt64(&b.s.matches, 1)
	return b.Bucket.Match(ctx, key)
}

func (b *spyBucket) Put(ctx context.Context, key string, snap *cache.Snapshot) error {
	atomic.AddInt64(&b.s.puts, 1)
	if b.s.putErr != nil {
		return b.s.putErr
	}
	return b.Bucket.Put(ctx, key, snap)
}

func (s *spyStorage) counts() (int64, int64, int64) {
	return atomic.LoadInt64(&s.opens), atomic.LoadInt64(&s.matches), atomic.LoadInt64(&s.puts)
}

var errOriginDown = fmt.Errorf("connection refused")
