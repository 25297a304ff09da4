package lookup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/haukened/gblock/internal/gblock/domain"
)

// lookupMetrics holds the Prometheus metrics of one Lookup. A nil
// registerer yields working but unregistered metrics.
type lookupMetrics struct {
	lookups         *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	storeQueries    prometheus.Counter
	attemptsSkipped prometheus.Counter
}

func initLookupMetrics(reg prometheus.Registerer) *lookupMetrics {
	factory := promauto.With(reg)
	m := &lookupMetrics{}

	m.lookups = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gblock_lookups_total",
			Help: "block lookups by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
	m.duration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gblock_lookup_duration_seconds",
			Help:    "time spent resolving a block lookup",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"operation"},
	)
	m.cacheHits = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "gblock_lookup_cache_hits_total",
			Help: "lookups answered from the request cache",
		},
	)
	m.cacheMisses = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "gblock_lookup_cache_misses_total",
			Help: "lookups not found in the request cache",
		},
	)
	m.storeQueries = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "gblock_store_queries_total",
			Help: "candidate queries issued to the registry",
		},
	)
	m.attemptsSkipped = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "gblock_lookup_attempts_skipped_total",
			Help: "lookup attempts skipped for an invalid address",
		},
	)
	return m
}

func outcome(res domain.Resolution, err error) string {
	switch {
	case err != nil:
		return "error"
	case res.IsBlocked():
		return "blocked"
	default:
		return "clear"
	}
}
