package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initTransactionMetrics() {
	r.TransactionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_transactions_total",
			Help: "Transactions by final outcome",
		},
		[]string{"outcome"},
	)

	r.TransactionsOpen = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "cluso_transactions_open",
			Help: "Transactions currently registered with the manager",
		},
	)

	r.TransactionCommitDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cluso_transaction_commit_duration_seconds",
			Help:    "Time spent committing a transaction",
			Buckets: prometheus.DefBuckets,
		},
	)

	r.ParticipantCommitFailures = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_participant_commit_failures_total",
			Help: "Dependent index commits that failed after the storage commit succeeded",
		},
		[]string{"participant"},
	)

	r.ParticipantCommitRetries = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_participant_commit_retries_total",
			Help: "Retried dependent index commits",
		},
		[]string{"participant"},
	)

	r.RollbackStepFailures = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_rollback_step_failures_total",
			Help: "Rollback steps that failed and were skipped",
		},
		[]string{"step"},
	)

	r.CleanupSweepsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "cluso_cleanup_sweeps_total",
			Help: "Number of transaction cleanup sweeps",
		},
	)

	r.CleanupExpiredTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "cluso_cleanup_expired_total",
			Help: "Open transactions expired and rolled back by the sweeper",
		},
	)

	r.CleanupRemovedTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "cluso_cleanup_removed_total",
			Help: "Closed transactions deregistered by the sweeper",
		},
	)

	r.CleanupSweepDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cluso_cleanup_sweep_duration_seconds",
			Help:    "Duration of a cleanup sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	r.EventsEmittedTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "cluso_events_emitted_total",
			Help: "Resource events published after commit",
		},
	)
}

func (r *Registry) initLockMetrics() {
	r.LockAcquisitionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_lock_acquisitions_total",
			Help: "Lock acquisition attempts",
		},
		[]string{"mode", "status"},
	)

	r.LockConflictsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluso_lock_conflicts_total",
			Help: "Lock requests rejected because another transaction holds the resource",
		},
		[]string{"mode"},
	)

	r.LocksHeld = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "cluso_locks_held",
			Help: "Resources currently locked",
		},
	)
}
