// Package metrics exposes Prometheus counters for the worker lifecycle and
// request interception.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch outcomes, used as the "outcome" label of FetchesTotal
const (
	OutcomeHit         = "hit"
	OutcomeMiss        = "miss"
	OutcomePassThrough = "pass_through"
	OutcomeUnparsable  = "unparsable"
	OutcomeError       = "error"
)

// Metrics holds the counters of one gateway instance
type Metrics struct {
	registry *prometheus.Registry

	FetchesTotal        *prometheus.CounterVec
	RefreshStoreFailed  prometheus.Counter
	InstallsTotal       *prometheus.CounterVec
	StaleBucketsDeleted prometheus.Counter
	PrecacheLatency     prometheus.Histogram
}

// New registers the metrics on a fresh registry so several instances (tests,
// reloads) never collide on the default one
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		FetchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Requests seen by the worker, by outcome",
		}, []string{"outcome"}),
		RefreshStoreFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_store_failed_total",
			Help:      "Background stores after a cache miss that failed",
		}),
		InstallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "installs_total",
			Help:      "Worker installs, by result",
		}, []string{"result"}),
		StaleBucketsDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_buckets_deleted_total",
			Help:      "Buckets of other versions deleted on activation or sweep",
		}),
		PrecacheLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "precache_seconds",
			Help:      "Time taken to fetch and store the whole manifest",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
	}
}

// Fetch counts one request outcome. Safe on a nil receiver.
func (m *Metrics) Fetch(outcome string) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry, mainly for tests
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
