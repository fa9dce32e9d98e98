package transaction

import (
	"context"
	"sync"
	"time"

	"github.com/dd0wney/cluso-repository/pkg/identifier"
	"github.com/dd0wney/cluso-repository/pkg/kernel"
	"github.com/dd0wney/cluso-repository/pkg/logging"
	"github.com/dd0wney/cluso-repository/pkg/metrics"
)

// Transaction is a unit of work over the persistent storage session and
// the services that keep per-transaction state. Obtain one from a Manager.
type Transaction struct {
	id  string
	mgr *Manager

	// opMu serializes Commit and Rollback.
	opMu sync.Mutex

	mu         sync.Mutex
	idle       *sync.Cond
	state      State
	inFlight   int
	rolledBack bool
	shortLived bool
	expires    time.Time
	suppress   bool
	baseURI    string
	userAgent  string

	logger logging.Logger
}

var _ kernel.Tx = (*Transaction)(nil)

func newTransaction(id string, mgr *Manager) *Transaction {
	t := &Transaction{
		id:         id,
		mgr:        mgr,
		state:      StateOpen,
		shortLived: true,
		expires:    mgr.clock.Now().Add(mgr.sessionTimeout),
		logger:     mgr.logger.With(logging.TxID(id)),
	}
	t.idle = sync.NewCond(&t.mu)
	return t
}

func (t *Transaction) ID() string {
	return t.id
}

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) Expires() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expires
}

func (t *Transaction) IsOpen() bool       { return t.State() == StateOpen }
func (t *Transaction) IsCommitted() bool  { return t.State() == StateCommitted }
func (t *Transaction) IsRolledBack() bool { return t.State() == StateRolledBack }

// HasExpired reports whether the transaction is in the EXPIRED state or,
// unless committed, has outlived its expiry instant.
func (t *Transaction) HasExpired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expiredLocked(t.mgr.clock.Now())
}

func (t *Transaction) expiredLocked(now time.Time) bool {
	switch t.state {
	case StateExpired:
		return true
	case StateCommitted:
		return false
	}
	return now.After(t.expires)
}

func (t *Transaction) IsShortLived() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shortLived
}

func (t *Transaction) SetShortLived(shortLived bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shortLived = shortLived
}

// SuppressEvents stops the transaction from emitting its accumulated
// events on commit.
func (t *Transaction) SuppressEvents() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.suppress = true
}

// SetBaseURI sets the base URI passed to event emission.
func (t *Transaction) SetBaseURI(uri string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.baseURI = uri
}

// SetUserAgent sets the user agent passed to event emission.
func (t *Transaction) SetUserAgent(agent string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.userAgent = agent
}

// UpdateExpiry moves the expiry instant to now + d.
func (t *Transaction) UpdateExpiry(d time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.mgr.clock.Now()
	if t.state.Closed() || t.expiredLocked(now) {
		return newError(KindClosed, "update_expiry", t.id, t.state, nil)
	}
	t.expires = now.Add(d)
	return nil
}

// Refresh resets the expiry instant to now plus the session timeout.
func (t *Transaction) Refresh() error {
	return t.UpdateExpiry(t.mgr.sessionTimeout)
}

// Expire forces the transaction into the EXPIRED state. Committed
// transactions are left alone.
func (t *Transaction) Expire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateCommitted {
		return
	}
	if t.state != StateExpired {
		t.logger.Info("transaction expired", logging.State(t.state.String()))
	}
	t.state = StateExpired
	t.expires = t.mgr.clock.Now()
}

// Fail marks an open transaction FAILED. It can then only be rolled back.
func (t *Transaction) Fail() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateOpen {
		t.state = StateFailed
		t.mgr.metrics.RecordTransactionOutcome(metrics.OutcomeFailed)
		t.logger.Warn("transaction failed")
	}
}

// EnsureCommitting returns a protocol error unless a commit is in progress.
func (t *Transaction) EnsureCommitting() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateCommitting {
		return newError(KindProtocol, "ensure_committing", t.id, t.state, nil)
	}
	return nil
}

// DoInTx runs work while the transaction is open. Commit waits for every
// running DoInTx call to return, so work must not commit or roll back its
// own transaction.
func (t *Transaction) DoInTx(ctx context.Context, work func(ctx context.Context) error) error {
	t.mu.Lock()
	if t.state != StateOpen || t.expiredLocked(t.mgr.clock.Now()) {
		state := t.state
		t.mu.Unlock()
		return newError(KindClosed, "do_in_tx", t.id, state, nil)
	}
	t.inFlight++
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.inFlight--
		if t.inFlight == 0 {
			t.idle.Broadcast()
		}
		t.mu.Unlock()
	}()
	return work(ctx)
}

// awaitIdle blocks until no DoInTx call is running. Caller holds mu.
func (t *Transaction) awaitIdle() {
	for t.inFlight > 0 {
		t.idle.Wait()
	}
}

func (t *Transaction) requireOpen(op string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return newError(KindClosed, op, t.id, t.state, nil)
	}
	return nil
}

// LockResource acquires an exclusive lock on id for this transaction.
func (t *Transaction) LockResource(ctx context.Context, id identifier.ResourceID) error {
	if err := t.requireOpen("lock_resource"); err != nil {
		return err
	}
	return t.mgr.locks.AcquireExclusive(ctx, t.id, id)
}

// LockResourceNonExclusive acquires a shared lock on id for this transaction.
func (t *Transaction) LockResourceNonExclusive(ctx context.Context, id identifier.ResourceID) error {
	if err := t.requireOpen("lock_resource_non_exclusive"); err != nil {
		return err
	}
	return t.mgr.locks.AcquireNonExclusive(ctx, t.id, id)
}

// LockResourceAndGhostNodes locks id and every path ancestor between id and
// its nearest existing ancestor. Those ancestors are implied containers
// that were never created; locking them stops two transactions from
// materializing conflicting intermediate structure.
func (t *Transaction) LockResourceAndGhostNodes(ctx context.Context, id identifier.ResourceID) error {
	if err := t.requireOpen("lock_resource_and_ghost_nodes"); err != nil {
		return err
	}
	return t.lockWithGhostNodes(ctx, id)
}

func (t *Transaction) lockWithGhostNodes(ctx context.Context, id identifier.ResourceID) error {
	if err := t.mgr.locks.AcquireExclusive(ctx, t.id, id); err != nil {
		return err
	}
	for _, ancestor := range id.Ancestors() {
		exists, err := t.mgr.containment.ResourceExists(ctx, t, ancestor, true)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		if err := t.mgr.locks.AcquireExclusive(ctx, t.id, ancestor); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseResourceLocksIfShortLived releases every lock held by a short-lived
// transaction.
func (t *Transaction) ReleaseResourceLocksIfShortLived(ctx context.Context) error {
	if !t.IsShortLived() {
		return nil
	}
	return t.mgr.locks.ReleaseAll(ctx, t.id)
}

func (t *Transaction) releaseLocks(ctx context.Context) {
	if err := t.mgr.locks.ReleaseAll(ctx, t.id); err != nil {
		t.logger.Error("failed to release transaction locks", logging.Error(err))
	}
}

// Containment changes made through the transaction lock the child (and,
// for additions, its ghost ancestors) before staging the change. The state
// check is done once by DoInTx.

func (t *Transaction) AddContainedBy(ctx context.Context, parent, child identifier.ResourceID) error {
	return t.DoInTx(ctx, func(ctx context.Context) error {
		if err := t.lockWithGhostNodes(ctx, child); err != nil {
			return err
		}
		return t.mgr.containment.AddContainedBy(ctx, t, parent, child)
	})
}

func (t *Transaction) RemoveContainedBy(ctx context.Context, parent, child identifier.ResourceID) error {
	return t.DoInTx(ctx, func(ctx context.Context) error {
		if err := t.mgr.locks.AcquireExclusive(ctx, t.id, child); err != nil {
			return err
		}
		return t.mgr.containment.RemoveContainedBy(ctx, t, parent, child)
	})
}

func (t *Transaction) RemoveResource(ctx context.Context, id identifier.ResourceID) error {
	return t.DoInTx(ctx, func(ctx context.Context) error {
		if err := t.mgr.locks.AcquireExclusive(ctx, t.id, id); err != nil {
			return err
		}
		return t.mgr.containment.RemoveResource(ctx, t, id)
	})
}

func (t *Transaction) PurgeResource(ctx context.Context, id identifier.ResourceID) error {
	return t.DoInTx(ctx, func(ctx context.Context) error {
		if err := t.mgr.locks.AcquireExclusive(ctx, t.id, id); err != nil {
			return err
		}
		return t.mgr.containment.PurgeResource(ctx, t, id)
	})
}
