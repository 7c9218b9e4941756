package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharebox_paste_ingested_total",
			Help: "no. of pastes stored, by ingestion path",
		},
		[]string{"source", "kind"},
	)
	PasteIngestFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharebox_paste_ingest_failed_total",
			Help: "no. of payloads that could not be stored",
		},
		[]string{"source"},
	)
	PasteBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharebox_paste_bytes_total",
		Help: "bytes of paste content stored",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharebox_paste_retrieved_total",
		Help: "no. of pastes retrieved",
	})
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharebox_cache_hits_total",
			Help: "no. of paste cache hits",
		},
		[]string{"tier"},
	)
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharebox_cache_misses_total",
		Help: "no. of paste lookups that reached the database",
	})
	PathDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharebox_path_denied_total",
			Help: "no. of browse/download requests refused by the containment check",
		},
		[]string{"endpoint"},
	)
	FilesDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharebox_files_downloaded_total",
		Help: "no. of shared files served",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sharebox_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharebox_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	IngestConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharebox_ingest_connections_total",
			Help: "no. of raw-socket connections by outcome",
		},
		[]string{"outcome"},
	)
)
