package transaction

import (
	"context"
	"time"

	"github.com/dd0wney/cluso-repository/pkg/kernel"
	"github.com/dd0wney/cluso-repository/pkg/logging"
	"github.com/dd0wney/cluso-repository/pkg/metrics"
)

// Commit makes the transaction's changes durable. It waits for running
// DoInTx calls, commits the storage session, then commits every
// participant on a best-effort basis.
//
// Committing a committed transaction is a no-op. A FAILED transaction
// returns a protocol error and a rolled back or expired one a closed
// error. If the storage commit fails the transaction is rolled back and
// a storage failure is returned.
func (t *Transaction) Commit(ctx context.Context) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.mu.Lock()
	switch t.state {
	case StateCommitted:
		t.mu.Unlock()
		return nil
	case StateFailed:
		t.mu.Unlock()
		return newError(KindProtocol, "commit", t.id, StateFailed, nil)
	case StateRolledBack, StateExpired:
		state := t.state
		t.mu.Unlock()
		return newError(KindClosed, "commit", t.id, state, nil)
	}
	if t.expiredLocked(t.mgr.clock.Now()) {
		t.mu.Unlock()
		t.Expire()
		t.rollbackLocked(ctx)
		return newError(KindClosed, "commit", t.id, StateExpired, nil)
	}
	t.state = StateCommitting
	t.awaitIdle()
	suppress, baseURI, userAgent := t.suppress, t.baseURI, t.userAgent
	t.mu.Unlock()

	start := time.Now()
	if err := t.commitStorage(ctx); err != nil {
		t.logger.Error("storage commit failed, rolling back", logging.Error(err))
		t.rollbackLocked(ctx)
		return newError(KindStorageFailure, "commit", t.id, StateCommitting, err)
	}
	t.mgr.metrics.RecordCommit(time.Since(start))

	for _, p := range t.mgr.participants() {
		t.commitParticipant(ctx, p)
	}

	if suppress {
		t.mgr.events.ClearEvents(ctx, t)
	} else if err := t.mgr.events.EmitEvents(ctx, t, baseURI, userAgent); err != nil {
		t.logger.Error("failed to emit transaction events", logging.Error(err))
	} else {
		t.mgr.metrics.EventsEmittedTotal.Inc()
	}
	t.mgr.types.MergeSessionCache(t.id)

	t.mu.Lock()
	t.state = StateCommitted
	t.mu.Unlock()
	t.releaseLocks(ctx)

	t.mgr.metrics.RecordTransactionOutcome(metrics.OutcomeCommitted)
	t.mgr.refreshOpenGauge()
	t.logger.Info("transaction committed", logging.Latency(time.Since(start)))
	return nil
}

// CommitIfShortLived commits the transaction only when it is short-lived.
func (t *Transaction) CommitIfShortLived(ctx context.Context) error {
	if !t.IsShortLived() {
		return nil
	}
	return t.Commit(ctx)
}

func (t *Transaction) commitStorage(ctx context.Context) error {
	session, err := t.mgr.sessions.GetSession(ctx, t.id)
	if err != nil {
		return err
	}
	if err := session.Prepare(ctx); err != nil {
		return err
	}
	return session.Commit(ctx)
}

type namedParticipant struct {
	name string
	kernel.Participant
}

// commitParticipant commits one participant, retrying per the manager's
// policy. A participant that still fails has its transaction state
// discarded; the storage commit stays authoritative.
func (t *Transaction) commitParticipant(ctx context.Context, p namedParticipant) {
	err := t.mgr.retry.do(ctx,
		func(ctx context.Context) error { return p.CommitTransaction(ctx, t) },
		func(attempt int, err error) {
			t.mgr.metrics.ParticipantCommitRetries.WithLabelValues(p.name).Inc()
			t.logger.Warn("retrying participant commit",
				logging.Participant(p.name),
				logging.Int("attempt", attempt),
				logging.Error(err))
		})
	if err == nil {
		return
	}
	t.mgr.metrics.ParticipantCommitFailures.WithLabelValues(p.name).Inc()
	t.logger.Error("participant commit failed",
		logging.Participant(p.name),
		logging.Error(err))
	if rerr := p.RollbackTransaction(ctx, t); rerr != nil {
		t.logger.Error("failed to discard participant state", logging.Participant(p.name), logging.Error(rerr))
	}
}

// Rollback discards the transaction's changes. Every step runs even if an
// earlier one fails; failures are logged, not returned. Rolling back a
// committed transaction returns a closed error. Rolling back twice, or
// rolling back an expired transaction whose rollback already ran, is a
// no-op.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.mu.Lock()
	state := t.state
	t.mu.Unlock()
	if state == StateCommitted {
		return newError(KindClosed, "rollback", t.id, state, nil)
	}
	t.rollbackLocked(ctx)
	return nil
}

// rollbackLocked runs the rollback steps once. Caller holds opMu.
func (t *Transaction) rollbackLocked(ctx context.Context) {
	t.mu.Lock()
	if t.rolledBack || t.state == StateCommitted {
		t.mu.Unlock()
		return
	}
	t.rolledBack = true
	expired := t.state == StateExpired
	if !expired {
		t.state = StateRolledBack
	}
	t.awaitIdle()
	t.mu.Unlock()

	step := func(name string, fn func() error) {
		if err := fn(); err != nil {
			t.mgr.metrics.RollbackStepFailures.WithLabelValues(name).Inc()
			t.logger.Error("rollback step failed", logging.String("step", name), logging.Error(err))
		}
	}

	step("storage", func() error {
		session, err := t.mgr.sessions.GetSession(ctx, t.id)
		if err != nil {
			return err
		}
		return session.Rollback(ctx)
	})
	for _, p := range t.mgr.participants() {
		step(p.name, func() error { return p.RollbackTransaction(ctx, t) })
	}
	t.mgr.events.ClearEvents(ctx, t)
	t.mgr.types.DropSessionCache(t.id)
	t.releaseLocks(ctx)

	outcome := metrics.OutcomeRolledBack
	if expired {
		outcome = metrics.OutcomeExpired
	}
	t.mgr.metrics.RecordTransactionOutcome(outcome)
	t.mgr.refreshOpenGauge()
	t.logger.Info("transaction rolled back", logging.Bool("expired", expired))
}

// expireAndRollback expires the transaction and runs its rollback steps if
// they have not run yet.
func (t *Transaction) expireAndRollback(ctx context.Context) {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	t.Expire()
	t.rollbackLocked(ctx)
}
