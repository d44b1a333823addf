// Package metrics registers the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "library_sync"

var (
	// ImportRunsTotal counts finished import runs by platform and outcome.
	ImportRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_runs_total",
			Help:      "Finished import runs by platform and outcome",
		},
		[]string{"platform", "outcome"},
	)

	ImportRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "import_run_duration_seconds",
			Help:      "Wall-clock duration of import runs",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"platform"},
	)

	ReconciledRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_records_total",
			Help:      "Owned-game records processed by result (added, updated, unchanged, skipped, errored)",
		},
		[]string{"platform", "result"},
	)

	AchievementsUnlockedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "achievements_unlocked_total",
			Help:      "Achievement unlocks newly recorded",
		},
		[]string{"platform"},
	)

	LockContentionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Sync requests rescheduled because another run held the user lock",
		},
		[]string{"platform"},
	)

	StaleRunsSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_runs_swept_total",
			Help:      "Runs force-terminated by the stale-run sweeper",
		},
	)

	// MatchResolutionsTotal counts matcher outcomes by path (crossref, name, created).
	MatchResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_resolutions_total",
			Help:      "Game matcher resolutions by path",
		},
		[]string{"path"},
	)

	MatchCollisionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_collisions_total",
			Help:      "Normalized names that matched more than one canonical game",
		},
	)

	AdapterRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_requests_total",
			Help:      "Outbound platform API requests by result",
		},
		[]string{"platform", "result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Platform circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"platform"},
	)

	DuplicatePairsFoundTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_pairs_found_total",
			Help:      "Similar game pairs recorded by the duplicate scanner",
		},
	)

	DuplicateMergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_merges_total",
			Help:      "Duplicate pair resolutions by kind (merged, rejected, ignored)",
		},
		[]string{"resolution"},
	)
)
