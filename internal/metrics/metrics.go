// Package metrics exposes prometheus collectors, a component health
// registry and the HTTP handlers that serve them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Storage gateway
	DBConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pushwatch_db_connections",
			Help: "Database pool connections by state",
		},
		[]string{"state"},
	)

	DBConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pushwatch_db_connected",
			Help: "Whether the storage gateway holds a live pool (1 = connected)",
		},
	)

	DBQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pushwatch_db_queue_depth",
			Help: "Requests waiting in the storage gateway queue",
		},
	)

	DBRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pushwatch_db_requests_total",
			Help: "Storage gateway requests by outcome since start",
		},
		[]string{"outcome"},
	)

	// Detection engine
	DetectorEvents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pushwatch_detector_events_total",
			Help: "Events seen by the detection engine by outcome since start",
		},
		[]string{"outcome"},
	)

	DetectorDedupSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pushwatch_detector_dedup_entries",
			Help: "Keys held by the detection dedup set",
		},
	)

	MatchCacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pushwatch_match_cache_entries",
			Help: "Entries in the placement match cache",
		},
	)

	MatchCacheLookups = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pushwatch_match_cache_lookups_total",
			Help: "Match cache lookups by result since start",
		},
		[]string{"result"},
	)

	// Membership cache
	MembershipChannels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pushwatch_membership_channels",
			Help: "Channels in the visible channel snapshot",
		},
	)

	MembershipAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pushwatch_membership_age_seconds",
			Help: "Age of the visible channel snapshot, -1 before the first load",
		},
	)

	// Reconciliation engine
	ReconcileRuns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pushwatch_reconcile_runs_total",
			Help: "Reconciliation runs by outcome since start",
		},
		[]string{"outcome"},
	)

	ReconcileItems = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pushwatch_reconcile_items_total",
			Help: "Reconciled placements by outcome since start",
		},
		[]string{"outcome"},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pushwatch_reconcile_duration_seconds",
			Help:    "Duration of reconciliation runs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	// Bus and notifier
	BusQueue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pushwatch_bus_queue_depth",
			Help: "Buffered bus messages by direction",
		},
		[]string{"direction"},
	)

	Notifications = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pushwatch_notifications_total",
			Help: "Notification deliveries by outcome since start",
		},
		[]string{"outcome"},
	)

	// Scheduler
	SchedulerJobRuns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pushwatch_scheduler_job_runs_total",
			Help: "Scheduled job runs by job and outcome since start",
		},
		[]string{"job", "outcome"},
	)

	SchedulerJobRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pushwatch_scheduler_job_running",
			Help: "Whether a scheduled job is running (1 = running)",
		},
		[]string{"job"},
	)
)

func init() {
	prometheus.MustRegister(
		DBConnections,
		DBConnected,
		DBQueueDepth,
		DBRequests,
		DetectorEvents,
		DetectorDedupSize,
		MatchCacheEntries,
		MatchCacheLookups,
		MembershipChannels,
		MembershipAge,
		ReconcileRuns,
		ReconcileItems,
		ReconcileDuration,
		BusQueue,
		Notifications,
		SchedulerJobRuns,
		SchedulerJobRunning,
	)
}

// Handler returns the prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
