// Package metrics declares the prometheus collectors for the sync pipeline
// and the local cache. Collectors register with the default registry at
// init; the run command exposes them with promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sequencer
	DeltasSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apsync_deltas_submitted_total",
		Help: "Deltas accepted by the sequencer and assigned a slot",
	})

	DeltasDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apsync_deltas_dispatched_total",
		Help: "Deltas handed to the dispatch registry, by kind",
	}, []string{"kind"})

	DeltasSuperseded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apsync_deltas_superseded_total",
		Help: "Local deltas skipped because a server-triggered delta for the same node won",
	})

	PendingSlots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "apsync_pending_slots",
		Help: "Slots assigned but not yet committed",
	})

	BurstYields = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apsync_burst_yields_total",
		Help: "Dispatch bursts that yielded before draining, by reason",
	}, []string{"reason"})

	// Dispatch
	HandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apsync_handler_failures_total",
		Help: "Handler invocations that returned an error or panicked, by kind",
	}, []string{"kind"})

	// Decryption
	NodesDecrypted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apsync_nodes_decrypted_total",
		Help: "Node records decrypted by the worker pool",
	})

	KeyMissing = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apsync_nodes_key_missing_total",
		Help: "Node records quarantined because their key is not known",
	})

	// Prefetch
	PrefetchFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apsync_prefetch_flushes_total",
		Help: "Debounced dependency fetch rounds",
	})

	PrefetchHandles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apsync_prefetch_handles_total",
		Help: "Handles resolved by the prefetch scheduler, by source",
	}, []string{"source"})

	// Cache
	StoreFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apsync_store_flushes_total",
		Help: "Cache flushes, by result",
	}, []string{"result"})

	StoreFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "apsync_store_flush_duration_seconds",
		Help:    "Duration of one cache flush",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	StoreRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "apsync_store_retries_total",
		Help: "Cache flushes retried after a transient backend error",
	})

	StorePendingWeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "apsync_store_pending_weight",
		Help: "Weight of unflushed cache writes",
	})

	StoreInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apsync_store_invalidations_total",
		Help: "Full cache invalidations, by reason",
	}, []string{"reason"})

	Resyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apsync_resyncs_total",
		Help: "Full reloads from the remote authority, by outcome",
	}, []string{"outcome"})
)

// Handler returns the HTTP handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
