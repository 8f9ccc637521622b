package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/microcosm-cc/modelcache/cache"
)

// Fetcher performs the network fetch for a request
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*cache.Snapshot, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(ctx context.Context, r *http.Request) (*cache.Snapshot, error)

// Fetch calls f
func (f FetcherFunc) Fetch(ctx context.Context, r *http.Request) (*cache.Snapshot, error) {
	return f(ctx, r)
}

// Hop-by-hop headers, never forwarded nor stored
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// OriginFetcher fetches requests from the origin static-assets server
type OriginFetcher struct {
	origin *url.URL
	client *http.Client
}

// NewOriginFetcher builds a fetcher for the origin base URL. A zero timeout
// means requests may wait on the origin indefinitely.
func NewOriginFetcher(origin string, timeout time.Duration) (*OriginFetcher, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("origin %q: %w", origin, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("origin %q must be an http or https URL", origin)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("origin %q has no host", origin)
	}

	return &OriginFetcher{
		origin: u,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Origin is the base URL requests are sent to
func (f *OriginFetcher) Origin() *url.URL {
	u := *f.origin
	return &u
}

// target maps the path and query of r onto the origin
func (f *OriginFetcher) target(r *http.Request) *url.URL {
	u := *f.origin
	u.Path = strings.TrimSuffix(f.origin.Path, "/") + r.URL.Path
	if r.URL.RawPath != "" {
		u.RawPath = strings.TrimSuffix(f.origin.EscapedPath(), "/") + r.URL.RawPath
	} else {
		u.RawPath = ""
	}
	u.RawQuery = r.URL.RawQuery
	u.Fragment = ""
	return &u
}

// Fetch implements Fetcher. The whole body is read so the snapshot can be
// returned to the caller and stored independently.
func (f *OriginFetcher) Fetch(ctx context.Context, r *http.Request) (*cache.Snapshot, error) {
	out, err := http.NewRequestWithContext(ctx, r.Method, f.target(r).String(), http.NoBody)
	if err != nil {
		return nil, err
	}

	out.Header = r.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	for _, k := range hopHeaders {
		out.Header.Del(k)
	}
	// Leave compression to the transport so stored bodies are plain
	out.Header.Del("Accept-Encoding")

	resp, err := f.client.Do(out)
	if err != nil {
		return nil, err
	}

	snap, err := cache.Capture(resp)
	if err != nil {
		return nil, err
	}
	for _, k := range hopHeaders {
		snap.Header.Del(k)
	}
	return snap, nil
}
