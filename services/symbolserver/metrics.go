package symbolserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Download outcomes reported by the downloads counter.
const (
	outcomeServed       = "served"
	outcomeNotFound     = "not_found"
	outcomeUnauthorized = "unauthorized"
	outcomeForbidden    = "forbidden"
	outcomeFailed       = "failed"
)

// Metrics holds the symbol server collectors.
type Metrics struct {
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	CacheNegative   prometheus.Counter
	CacheEvictions  prometheus.Counter
	Downloads       *prometheus.CounterVec
	RecordsIndexed  prometheus.Counter
	IndexedBuilds   prometheus.Counter
	MetadataWaiting prometheus.Gauge
}

// NewMetrics registers the collectors with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "symbold",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Symbol lookups answered from the cache.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "symbold",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Symbol lookups that reached the metadata store.",
		}),
		CacheNegative: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "symbold",
			Subsystem: "cache",
			Name:      "negative_hits_total",
			Help:      "Symbol lookups answered from the missed symbols cache.",
		}),
		CacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "symbold",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Cached symbol records evicted or invalidated.",
		}),
		Downloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "symbold",
			Name:      "downloads_total",
			Help:      "Symbol and source download requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		RecordsIndexed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "symbold",
			Subsystem: "indexer",
			Name:      "records_total",
			Help:      "Metadata records written from signature index documents.",
		}),
		IndexedBuilds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "symbold",
			Subsystem: "indexer",
			Name:      "builds_total",
			Help:      "Builds whose signature index documents were processed.",
		}),
		MetadataWaiting: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "symbold",
			Subsystem: "metadata",
			Name:      "waiting_reads",
			Help:      "Metadata reads waiting for a free slot.",
		}),
	}
}
