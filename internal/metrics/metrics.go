// Package metrics provides Prometheus instrumentation for ingestd.
//
// Each process registers these metrics then calls metrics.Handler() to
// expose them at GET /metrics (Prometheus scrape endpoint).
//
// Standard metrics exposed automatically by prometheus/client_golang:
//   - go_goroutines, go_gc_duration_seconds, etc. (Go runtime)
//   - process_cpu_seconds_total, process_open_fds, etc. (process)
//
// ingestd-specific metrics registered here cover the refresh pipeline:
//
//	ingestd_active_refreshes              — gauge: refreshes in flight
//	ingestd_refreshes_total               — counter: refreshes by terminal status
//	ingestd_streams_upserted_total         — counter: streams created/updated
//	ingestd_streams_pruned_total           — counter: streams deleted, by reason
//	ingestd_channels_projected_total       — counter: auto-channel create/update/delete
//	ingestd_lock_contended_total           — counter: failed lock acquisitions
//	ingestd_refresh_duration_seconds       — histogram: end-to-end refresh latency
//	ingestd_upsert_batch_duration_seconds  — histogram: per-batch upsert latency
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ── Gauges ──────────────────────────────────────────────────────────────

// ActiveRefreshes is the number of source refreshes currently running.
var ActiveRefreshes = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ingestd_active_refreshes",
	Help: "Number of source refreshes currently running.",
})

// ── Counters ────────────────────────────────────────────────────────────

// RefreshesTotal counts completed refreshes by terminal status.
var RefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingestd_refreshes_total",
	Help: "Total source refreshes by terminal status.",
}, []string{"status"}) // status = "success" | "error" | "lock_contended"

// StreamsUpserted counts streams created or updated by the upserter.
var StreamsUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingestd_streams_upserted_total",
	Help: "Streams created or updated during refresh.",
}, []string{"op"}) // op = "created" | "updated"

// StreamsPruned counts streams removed by the stale pruner.
var StreamsPruned = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingestd_streams_pruned_total",
	Help: "Streams deleted during stale pruning.",
}, []string{"reason"}) // reason = "group_disabled" | "stale"

// ChannelsProjected counts auto-channel create/update/delete operations.
var ChannelsProjected = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingestd_channels_projected_total",
	Help: "Auto-channel operations performed by the projector.",
}, []string{"op"}) // op = "created" | "updated" | "deleted"

// LockContended counts failed task-lock acquisitions, by guarded operation.
var LockContended = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingestd_lock_contended_total",
	Help: "Task lock acquisition attempts that found the lock already held.",
}, []string{"operation"})

// FetchCyclesExhausted counts fetches that failed after exhausting all cycles.
var FetchCyclesExhausted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingestd_fetch_cycles_exhausted_total",
	Help: "Playlist fetches that failed after exhausting all retry cycles.",
})

// StreamsMerged counts duplicate streams merged by the rehasher.
var StreamsMerged = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingestd_rehash_streams_merged_total",
	Help: "Streams merged as duplicates during a rehash run.",
})

// ── Histograms ──────────────────────────────────────────────────────────

// RefreshDuration tracks end-to-end refresh latency.
var RefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "ingestd_refresh_duration_seconds",
	Help:    "End-to-end duration of one source refresh.",
	Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
})

// BatchDuration tracks per-batch upsert latency.
var BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "ingestd_upsert_batch_duration_seconds",
	Help:    "Duration of a single stream-upsert batch transaction.",
	Buckets: prometheus.DefBuckets,
})

// ── Handler ─────────────────────────────────────────────────────────────

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer starts a stopwatch and returns a function that observes the
// elapsed time into h when called. Typical use:
//
//	stop := metrics.Timer(metrics.RefreshDuration)
//	defer stop()
func Timer(h prometheus.Histogram) func() {
	start := time.Now()
	return func() {
		h.Observe(time.Since(start).Seconds())
	}
}

// Init registers isolated copies of five ingestd metrics with reg:
// active refreshes, refreshes, streams upserted, streams pruned and lock
// contention. The channel, fetch-cycle and merge counters and the two
// histograms are not registered here. Useful for tests that want a fresh registry instead of the global
// prometheus.DefaultRegisterer that package-level vars above register to.
func Init(reg prometheus.Registerer) {
	activeRefreshes := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ingestd_active_refreshes",
		Help: "Number of source refreshes currently running.",
	})
	refreshesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestd_refreshes_total",
		Help: "Total source refreshes by terminal status.",
	}, []string{"status"})
	streamsUpserted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestd_streams_upserted_total",
		Help: "Streams created or updated during refresh.",
	}, []string{"op"})
	streamsPruned := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestd_streams_pruned_total",
		Help: "Streams deleted during stale pruning.",
	}, []string{"reason"})
	lockContended := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestd_lock_contended_total",
		Help: "Task lock acquisition attempts that found the lock already held.",
	}, []string{"operation"})

	reg.MustRegister(
		activeRefreshes,
		refreshesTotal,
		streamsUpserted,
		streamsPruned,
		lockContended,
	)
}
