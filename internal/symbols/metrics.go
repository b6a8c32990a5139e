package symbols

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks symbol lookup and cache activity. The atomic counters are
// always maintained; Prometheus collectors only once Register is called.
type Metrics struct {
	lookups         [len(kindNames)]atomic.Uint64
	cacheHits       atomic.Uint64
	cacheMisses     atomic.Uint64
	publishFailures atomic.Uint64
	fetchTime       atomic.Int64 // nanoseconds
	fetches         atomic.Uint64

	promLookups    *prometheus.CounterVec
	promCache      *prometheus.CounterVec
	promFetch      prometheus.Histogram
	promRegistered bool
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// Register creates the Prometheus collectors and registers them with reg.
func (m *Metrics) Register(reg prometheus.Registerer, namespace string) error {
	if m.promRegistered {
		return nil
	}
	lookups := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "symbol_lookups_total",
			Help:      "Symbol lookups by outcome",
		},
		[]string{"outcome"},
	)
	cache := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "symbol_cache_total",
			Help:      "Symbol cache hits, misses and failed publishes",
		},
		[]string{"result"},
	)
	fetch := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "symbol_fetch_duration_seconds",
			Help:      "Time spent fetching symbol files",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)
	for _, c := range []prometheus.Collector{lookups, cache, fetch} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	m.promLookups, m.promCache, m.promFetch = lookups, cache, fetch
	m.promRegistered = true
	return nil
}

func (m *Metrics) RecordLookup(k Kind) {
	if m == nil {
		return
	}
	if int(k) < len(m.lookups) {
		m.lookups[k].Add(1)
	}
	if m.promLookups != nil {
		m.promLookups.WithLabelValues(k.String()).Inc()
	}
}

func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Add(1)
	if m.promCache != nil {
		m.promCache.WithLabelValues("hit").Inc()
	}
}

func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Add(1)
	if m.promCache != nil {
		m.promCache.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) RecordPublishFailure() {
	if m == nil {
		return
	}
	m.publishFailures.Add(1)
	if m.promCache != nil {
		m.promCache.WithLabelValues("publish_failed").Inc()
	}
}

func (m *Metrics) RecordFetch(d time.Duration) {
	if m == nil {
		return
	}
	m.fetches.Add(1)
	m.fetchTime.Add(d.Nanoseconds())
	if m.promFetch != nil {
		m.promFetch.Observe(d.Seconds())
	}
}

// MetricsSnapshot is a point in time copy of the counters.
type MetricsSnapshot struct {
	Lookups         map[string]uint64
	CacheHits       uint64
	CacheMisses     uint64
	PublishFailures uint64
	Fetches         uint64
	AvgFetchTime    time.Duration
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Lookups:         make(map[string]uint64, len(m.lookups)),
		CacheHits:       m.cacheHits.Load(),
		CacheMisses:     m.cacheMisses.Load(),
		PublishFailures: m.publishFailures.Load(),
		Fetches:         m.fetches.Load(),
	}
	for k := range m.lookups {
		s.Lookups[Kind(k).String()] = m.lookups[k].Load()
	}
	if s.Fetches > 0 {
		s.AvgFetchTime = time.Duration(m.fetchTime.Load() / int64(s.Fetches))
	}
	return s
}
