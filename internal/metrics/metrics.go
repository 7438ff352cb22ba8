// Package metrics holds the prometheus collectors shared by the cache, the
// fetcher and the gRPC surface. A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "epidata"

// Backend request outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeTransient = "transient"
	OutcomeRejected  = "rejected"
	OutcomeCancelled = "cancelled"
)

type Collector struct {
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheCorrupt   prometheus.Counter
	Coalesced      prometheus.Counter

	BackendRequests *prometheus.CounterVec
	Pages           prometheus.Counter
	FetchLatency    prometheus.Histogram

	// gRPC surface
	Requests *prometheus.CounterVec
	Latency  *prometheus.HistogramVec
}

// NewCollector builds the collectors and registers them on reg. A nil reg
// skips registration.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Sub-queries answered from the response cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Sub-queries not found fresh in the response cache.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entries dropped from memory by the size bound or invalidation.",
		}),
		CacheCorrupt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "corrupt_entries_total",
			Help:      "Persisted entries that failed to decode.",
		}),
		Coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coalesced_fetches_total",
			Help:      "Sub-queries that shared another caller's in-flight fetch.",
		}),
		BackendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "requests_total",
			Help:      "Backend page requests by outcome.",
		}, []string{"outcome"}),
		Pages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "pages_total",
			Help:      "Result pages received from the backend.",
		}),
		FetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of complete paginated fetches.",
			Buckets:   prometheus.DefBuckets,
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grpc",
			Name:      "requests_total",
			Help:      "gRPC requests by method.",
		}, []string{"method"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "grpc",
			Name:      "request_duration_seconds",
			Help:      "gRPC request latency by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	if reg == nil {
		return c, nil
	}
	for _, col := range []prometheus.Collector{
		c.CacheHits, c.CacheMisses, c.CacheEvictions, c.CacheCorrupt, c.Coalesced,
		c.BackendRequests, c.Pages, c.FetchLatency, c.Requests, c.Latency,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) CacheHit() {
	if c != nil {
		c.CacheHits.Inc()
	}
}

func (c *Collector) CacheMiss() {
	if c != nil {
		c.CacheMisses.Inc()
	}
}

func (c *Collector) CacheEviction() {
	if c != nil {
		c.CacheEvictions.Inc()
	}
}

func (c *Collector) CorruptEntry() {
	if c != nil {
		c.CacheCorrupt.Inc()
	}
}

func (c *Collector) CoalescedFetch() {
	if c != nil {
		c.Coalesced.Inc()
	}
}

func (c *Collector) BackendRequest(outcome string) {
	if c != nil {
		c.BackendRequests.WithLabelValues(outcome).Inc()
	}
}

func (c *Collector) PageFetched() {
	if c != nil {
		c.Pages.Inc()
	}
}

func (c *Collector) ObserveFetch(d time.Duration) {
	if c != nil {
		c.FetchLatency.Observe(d.Seconds())
	}
}

func (c *Collector) ObserveRequest(method string, d time.Duration) {
	if c != nil {
		c.Requests.WithLabelValues(method).Inc()
		c.Latency.WithLabelValues(method).Observe(d.Seconds())
	}
}
