package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the certificate sync engine.
// A nil *Metrics is valid everywhere and records nothing, which keeps tests
// free of registry collisions.
type Metrics struct {
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	LedgerReads      prometheus.Counter
	DedupedFetches   prometheus.Counter
	PartialLoads     prometheus.Counter
	EventsApplied    prometheus.Counter
	EventsDropped    prometheus.Counter
	OptimisticRolled prometheus.Counter
	ViewLoadSeconds  prometheus.Histogram
}

// New creates and registers all sync-engine metrics.
func New() *Metrics {
	return &Metrics{
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "certdash_cache_hits_total",
			Help: "Record cache hits during loads",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "certdash_cache_misses_total",
			Help: "Record cache misses during loads",
		}),
		LedgerReads: promauto.NewCounter(prometheus.CounterOpts{
			Name: "certdash_ledger_reads_total",
			Help: "Read calls issued to the ledger client",
		}),
		DedupedFetches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "certdash_deduped_fetches_total",
			Help: "Concurrent record fetches that shared an in-flight call",
		}),
		PartialLoads: promauto.NewCounter(prometheus.CounterOpts{
			Name: "certdash_partial_loads_total",
			Help: "View loads that completed with failed batch items",
		}),
		EventsApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "certdash_events_applied_total",
			Help: "Ledger events merged into the cache",
		}),
		EventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "certdash_events_dropped_total",
			Help: "Ledger events ignored as duplicates or regressions",
		}),
		OptimisticRolled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "certdash_optimistic_rollbacks_total",
			Help: "Optimistic updates reverted after a failed write",
		}),
		ViewLoadSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "certdash_view_load_seconds",
			Help:    "Latency of full view load requests",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) IncCacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) IncCacheMiss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) IncLedgerRead() {
	if m != nil {
		m.LedgerReads.Inc()
	}
}

func (m *Metrics) IncDedupedFetch() {
	if m != nil {
		m.DedupedFetches.Inc()
	}
}

func (m *Metrics) IncPartialLoad() {
	if m != nil {
		m.PartialLoads.Inc()
	}
}

func (m *Metrics) IncEventApplied() {
	if m != nil {
		m.EventsApplied.Inc()
	}
}

func (m *Metrics) IncEventDropped() {
	if m != nil {
		m.EventsDropped.Inc()
	}
}

func (m *Metrics) IncOptimisticRollback() {
	if m != nil {
		m.OptimisticRolled.Inc()
	}
}

func (m *Metrics) ObserveViewLoad(d time.Duration) {
	if m != nil {
		m.ViewLoadSeconds.Observe(d.Seconds())
	}
}
