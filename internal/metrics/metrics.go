// Package metrics exposes prometheus instrumentation for sync runs and provider calls.
//
// All collectors register with the default registry on package init; serve them with promhttp.Handler().
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/desertthunder/tapedeck/internal/models"
)

var (
	SyncJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapedeck_sync_jobs_total",
			Help: "Sync jobs that reached a terminal status",
		},
		[]string{"status"},
	)

	SyncItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapedeck_sync_items_total",
			Help: "Work items processed, by outcome",
		},
		[]string{"outcome"}, // added, updated, skipped, failed, retried
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tapedeck_sync_duration_seconds",
			Help:    "Wall-clock duration of sync jobs",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		},
	)

	SyncActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tapedeck_sync_active",
			Help: "Sync jobs currently running",
		},
	)

	Conflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapedeck_conflicts_total",
			Help: "Conflicts resolved, by kind",
		},
		[]string{"kind"}, // duplicate, rename, deletion_soft, deletion_hard
	)

	BytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tapedeck_bytes_downloaded_total",
			Help: "Bytes downloaded from storage providers",
		},
	)

	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapedeck_provider_requests_total",
			Help: "Storage provider HTTP requests, by result",
		},
		[]string{"result"}, // success, failure, retry, rejected
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tapedeck_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

// RecordJob records a job reaching a terminal status.
func RecordJob(status models.SyncStatus, duration time.Duration) {
	SyncJobs.WithLabelValues(status.String()).Inc()
	SyncDuration.Observe(duration.Seconds())
}

func RecordItem(outcome string) {
	SyncItems.WithLabelValues(outcome).Inc()
}

// RecordConflicts adds a run's conflict counters.
func RecordConflicts(stats models.ConflictResolutionStats) {
	Conflicts.WithLabelValues("duplicate").Add(float64(stats.DuplicatesResolved))
	Conflicts.WithLabelValues("rename").Add(float64(stats.RenamesResolved))
	Conflicts.WithLabelValues("deletion_soft").Add(float64(stats.DeletionsSoft))
	Conflicts.WithLabelValues("deletion_hard").Add(float64(stats.DeletionsHard))
}

func TrackActiveSync(inc bool) {
	if inc {
		SyncActive.Inc()
	} else {
		SyncActive.Dec()
	}
}
