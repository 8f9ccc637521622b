package cache

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	e "github.com/microcosm-cc/modelcache/errors"
)

// Snapshot is a stored copy of a response
type Snapshot struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Entry pairs a request key with the snapshot stored for it
type Entry struct {
	Key      string
	Snapshot *Snapshot
}

// RequestKey is the identity a request is stored under
func RequestKey(method string, u *url.URL) string {
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + u.RequestURI()
}

// Capture reads the whole response body into a snapshot and closes it
func Capture(resp *http.Response) (*Snapshot, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	return &Snapshot{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now(),
	}, nil
}

// Clone returns a deep copy. Stores clone on the way in and on the way out so
// no two holders ever share a header map or a body slice.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}

	out := &Snapshot{
		Status:   s.Status,
		Header:   s.Header.Clone(),
		StoredAt: s.StoredAt,
	}
	if s.Body != nil {
		out.Body = make([]byte, len(s.Body))
		copy(out.Body, s.Body)
	}
	if out.Header == nil {
		out.Header = http.Header{}
	}
	return out
}

// OK is true for 2xx responses
func (s *Snapshot) OK() bool {
	return s.Status >= 200 && s.Status <= 299
}

// Serve writes the snapshot as the response to r
func (s *Snapshot) Serve(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	for k, vv := range s.Header {
		h[k] = append([]string(nil), vv...)
	}
	h.Set("Content-Length", strconv.Itoa(len(s.Body)))

	status := s.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	if r != nil && r.Method == http.MethodHead {
		return
	}
	w.Write(s.Body)
}

// storable applies the rule every store enforces on Put: partial content is
// never kept
func storable(version string, key string, s *Snapshot) error {
	if s == nil {
		return fmt.Errorf("nil snapshot for %s", key)
	}
	if s.Status == http.StatusPartialContent {
		return e.New(
			version,
			"Put",
			e.PartialResponse,
			fmt.Sprintf("refusing to store partial response for %s", key),
		)
	}
	return nil
}
