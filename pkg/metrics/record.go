package metrics

import (
	"time"
)

// Transaction outcomes used as label values.
const (
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
	OutcomeExpired    = "expired"
	OutcomeFailed     = "failed"
)

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordContainmentOperation records a containment index operation
func (r *Registry) RecordContainmentOperation(operation string, duration time.Duration, err error) {
	r.ContainmentOperationsTotal.WithLabelValues(operation, statusLabel(err)).Inc()
	r.ContainmentOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordJournalAppend records one journal entry of the given size.
func (r *Registry) RecordJournalAppend(op string, size int) {
	r.JournalEntriesTotal.WithLabelValues(op).Inc()
	r.JournalBytesTotal.Add(float64(size))
}

// RecordTransactionOutcome counts a transaction reaching a terminal state.
func (r *Registry) RecordTransactionOutcome(outcome string) {
	r.TransactionsTotal.WithLabelValues(outcome).Inc()
}

// RecordCommit records the duration of a successful storage commit.
func (r *Registry) RecordCommit(duration time.Duration) {
	r.TransactionCommitDuration.Observe(duration.Seconds())
}

// RecordLockAcquire records a lock request and, when it was refused, a conflict.
func (r *Registry) RecordLockAcquire(mode string, conflict bool) {
	if conflict {
		r.LockAcquisitionsTotal.WithLabelValues(mode, "conflict").Inc()
		r.LockConflictsTotal.WithLabelValues(mode).Inc()
		return
	}
	r.LockAcquisitionsTotal.WithLabelValues(mode, "ok").Inc()
}

// RecordCleanupSweep records the result of one cleanup sweep.
func (r *Registry) RecordCleanupSweep(expired, removed int, duration time.Duration) {
	r.CleanupSweepsTotal.Inc()
	r.CleanupExpiredTotal.Add(float64(expired))
	r.CleanupRemovedTotal.Add(float64(removed))
	r.CleanupSweepDuration.Observe(duration.Seconds())
}
