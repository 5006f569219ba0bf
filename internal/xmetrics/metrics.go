// Package xmetrics holds the engine's internal instrumentation:
// counters and histograms registered against a private prometheus
// registry, with no HTTP exporter wired up (spec's Non-goals exclude a
// metrics endpoint; the ambient stack still carries the instrumentation
// itself, the way a production service would, for a future exporter to
// attach to).
//
// Grounded on the teacher's go.mod carrying prometheus/client_golang as
// a direct dependency with no corresponding usage in its own source;
// this package is where that dependency actually gets exercised.
package xmetrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every metric the storage engine reports. Each field is
// safe for concurrent use, as with any prometheus collector.
type Registry struct {
	reg *prometheus.Registry

	CacheHits    prometheus.Counter
	CacheMisses  prometheus.Counter
	CacheEvicted prometheus.Counter

	WALFsyncSeconds   prometheus.Histogram
	WALBytesWritten   prometheus.Counter
	WALSegmentRotated prometheus.Counter

	DirtyPages    prometheus.Gauge
	CommitQueue   prometheus.Gauge
	CheckpointLSN prometheus.Gauge

	GetLatencySeconds prometheus.Histogram
	PutLatencySeconds prometheus.Histogram
}

// New builds a Registry of unregistered-elsewhere collectors attached
// to a private prometheus.Registry (never the global DefaultRegisterer,
// so embedding pagestore never collides with a host process's own
// metrics namespace).
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pagestore", Subsystem: "cache", Name: "hits_total",
		Help: "Page cache pins satisfied without a disk read.",
	})
	r.CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pagestore", Subsystem: "cache", Name: "misses_total",
		Help: "Page cache pins that required a disk read.",
	})
	r.CacheEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pagestore", Subsystem: "cache", Name: "evicted_total",
		Help: "Pages evicted by the CLOCK replacement policy.",
	})

	r.WALFsyncSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pagestore", Subsystem: "wal", Name: "fsync_seconds",
		Help: "Latency of each group-commit fsync.", Buckets: prometheus.DefBuckets,
	})
	r.WALBytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pagestore", Subsystem: "wal", Name: "bytes_written_total",
		Help: "Bytes appended to WAL segments.",
	})
	r.WALSegmentRotated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pagestore", Subsystem: "wal", Name: "segments_rotated_total",
		Help: "Number of times the active WAL segment rotated.",
	})

	r.DirtyPages = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pagestore", Subsystem: "cache", Name: "dirty_pages",
		Help: "Pages currently dirty and awaiting writeback.",
	})
	r.CommitQueue = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pagestore", Subsystem: "engine", Name: "commit_queue_depth",
		Help: "Mutations waiting on the single-writer commit queue.",
	})
	r.CheckpointLSN = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pagestore", Subsystem: "engine", Name: "checkpoint_lsn",
		Help: "LSN of the most recently completed checkpoint.",
	})

	r.GetLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pagestore", Subsystem: "engine", Name: "get_latency_seconds",
		Help: "End-to-end Get latency.", Buckets: prometheus.DefBuckets,
	})
	r.PutLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pagestore", Subsystem: "engine", Name: "put_latency_seconds",
		Help: "End-to-end Put latency.", Buckets: prometheus.DefBuckets,
	})

	r.reg.MustRegister(
		r.CacheHits, r.CacheMisses, r.CacheEvicted,
		r.WALFsyncSeconds, r.WALBytesWritten, r.WALSegmentRotated,
		r.DirtyPages, r.CommitQueue, r.CheckpointLSN,
		r.GetLatencySeconds, r.PutLatencySeconds,
	)
	return r
}

// Gatherer exposes the private registry for an embedding process that
// wants to add its own HTTP exporter; pagestore itself never listens.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
