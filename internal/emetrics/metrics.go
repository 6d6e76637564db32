// Package emetrics holds the engine's Prometheus metrics: counters and
// gauges for mutation throughput, checkpoint and flush progress, DCP
// stream state, and memory pressure, exposed over an HTTP handler.
package emetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Index / hash table
	ItemsResident = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "kepler_items_resident", Help: "Resident items per partition"},
		[]string{"vbid"},
	)
	ItemsEvictedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "kepler_items_evicted_total", Help: "Items evicted by mode"},
		[]string{"mode"}, // value_only | full
	)
	HashTableResizesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "kepler_hashtable_resizes_total", Help: "Hash table resize operations"},
	)

	// Checkpoint / flusher
	CheckpointOpenItems = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "kepler_checkpoint_open_items", Help: "Items in the open checkpoint"},
		[]string{"vbid"},
	)
	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "kepler_flush_duration_seconds", Help: "Flush batch duration", Buckets: prometheus.DefBuckets},
	)
	FlushFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "kepler_flush_failed_total", Help: "Flush batches that failed and were retried"},
	)

	// HLC
	HLCDriftTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "kepler_hlc_drift_abs_total", Help: "Cumulative absolute HLC drift observed from peers"},
	)
	HLCDriftExceededTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "kepler_hlc_drift_exceeded_total", Help: "HLC drift threshold exceptions"},
		[]string{"direction"}, // ahead | behind
	)
	HLCLogicalTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "kepler_hlc_logical_ticks_total", Help: "HLC ticks resolved by logical increment rather than wall clock"},
	)

	// Collections
	CollectionPurgeCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "kepler_collection_purge_cycles_total", Help: "Collection purge scan cycles completed"},
	)
	CollectionsDeleting = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "kepler_collections_deleting", Help: "Collections currently in the deleting state"},
	)

	// Replication
	DCPBufferBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "kepler_dcp_buffer_bytes", Help: "Bytes outstanding in a stream's buffer log"},
		[]string{"stream"},
	)
	DCPRollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "kepler_dcp_rollbacks_total", Help: "Consumer rollbacks performed"},
	)
	DCPStreamsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "kepler_dcp_streams_active", Help: "Active replication streams by role"},
		[]string{"role"}, // producer | consumer
	)
	DCPBytesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "kepler_dcp_bytes_sent_total", Help: "Value bytes streamed by a producer, per partition"},
		[]string{"vbid"},
	)
)

func init() {
	prometheus.MustRegister(
		ItemsResident,
		ItemsEvictedTotal,
		HashTableResizesTotal,
		CheckpointOpenItems,
		FlushDuration,
		FlushFailedTotal,
		HLCDriftTotal,
		HLCDriftExceededTotal,
		HLCLogicalTicksTotal,
		CollectionPurgeCyclesTotal,
		CollectionsDeleting,
		DCPBufferBytes,
		DCPRollbacksTotal,
		DCPStreamsActive,
		DCPBytesSentTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation and reports it to a histogram.
type Timer struct{ start time.Time }

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration { return time.Since(t.start) }
