// Package transaction coordinates units of work across the persistent
// storage session, the containment index and the other services that keep
// per-transaction state.
package transaction

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-repository/pkg/containment"
	"github.com/dd0wney/cluso-repository/pkg/kernel"
	"github.com/dd0wney/cluso-repository/pkg/logging"
	"github.com/dd0wney/cluso-repository/pkg/metrics"
)

const (
	DefaultSessionTimeout  = 3 * time.Minute
	DefaultCleanupInterval = time.Minute
	DefaultGracePeriod     = time.Minute
)

// Clock supplies the current time. Tests inject a fake one.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the wall clock.
var SystemClock Clock = systemClock{}

// Services are the collaborators a transaction drives. Containment,
// Sessions and Locks are required; the rest default to no-ops.
type Services struct {
	Containment containment.Index
	Sessions    kernel.SessionManager
	Locks       kernel.LockManager
	References  kernel.Participant
	Memberships kernel.Participant
	Search      kernel.Participant
	Events      kernel.EventAccumulator
	Types       kernel.TypesCache
}

// Options configures a Manager.
type Options struct {
	SessionTimeout  time.Duration
	CleanupInterval time.Duration
	// GracePeriod is how long a closed transaction stays queryable after
	// its expiry instant before the sweep forgets it.
	GracePeriod time.Duration
	// Retry bounds participant commit retries. Nil means DefaultRetryPolicy.
	Retry   *RetryPolicy
	Clock   Clock
	Logger  logging.Logger
	Metrics *metrics.Registry
}

// Manager creates transactions and tracks them until they are closed and
// swept.
type Manager struct {
	mu           sync.RWMutex
	transactions map[string]*Transaction

	containment containment.Index
	sessions    kernel.SessionManager
	locks       kernel.LockManager
	events      kernel.EventAccumulator
	types       kernel.TypesCache
	parts       []namedParticipant

	sessionTimeout  time.Duration
	cleanupInterval time.Duration
	gracePeriod     time.Duration
	retry           RetryPolicy
	clock           Clock
	logger          logging.Logger
	metrics         *metrics.Registry
}

func NewManager(svc Services, opts Options) (*Manager, error) {
	switch {
	case svc.Containment == nil:
		return nil, errors.New("transaction manager requires a containment index")
	case svc.Sessions == nil:
		return nil, errors.New("transaction manager requires a session manager")
	case svc.Locks == nil:
		return nil, errors.New("transaction manager requires a lock manager")
	}
	orNoop := func(p kernel.Participant) kernel.Participant {
		if p == nil {
			return kernel.NoopParticipant{}
		}
		return p
	}
	if svc.Events == nil {
		svc.Events = kernel.NoopEvents{}
	}
	if svc.Types == nil {
		svc.Types = kernel.NoopTypes{}
	}

	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = DefaultSessionTimeout
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.GracePeriod < 0 {
		opts.GracePeriod = 0
	}
	retryPolicy := DefaultRetryPolicy
	if opts.Retry != nil {
		retryPolicy = *opts.Retry
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}

	return &Manager{
		transactions: make(map[string]*Transaction),
		containment:  svc.Containment,
		sessions:     svc.Sessions,
		locks:        svc.Locks,
		events:       svc.Events,
		types:        svc.Types,
		parts: []namedParticipant{
			{"containment", svc.Containment},
			{"references", orNoop(svc.References)},
			{"memberships", orNoop(svc.Memberships)},
			{"search", orNoop(svc.Search)},
		},
		sessionTimeout:  opts.SessionTimeout,
		cleanupInterval: opts.CleanupInterval,
		gracePeriod:     opts.GracePeriod,
		retry:           retryPolicy,
		clock:           opts.Clock,
		logger:          opts.Logger.With(logging.Component("transactions")),
		metrics:         metrics.OrDefault(opts.Metrics),
	}, nil
}

func (m *Manager) participants() []namedParticipant {
	return m.parts
}

// Create registers a new open, short-lived transaction.
func (m *Manager) Create() *Transaction {
	m.mu.Lock()
	id := uuid.NewString()
	for m.transactions[id] != nil {
		id = uuid.NewString()
	}
	tx := newTransaction(id, m)
	m.transactions[id] = tx
	m.mu.Unlock()

	m.refreshOpenGauge()
	tx.logger.Debug("transaction created", logging.Time("expires", tx.Expires()))
	return tx
}

// Get returns the open transaction with the given id. An unknown or swept
// id yields a not-found error and a finished one a closed error. A
// transaction found to have expired is rolled back before returning.
func (m *Manager) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	tx, ok := m.transactions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, newError(KindNotFound, "get", id, StateOpen, nil)
	}

	switch state := tx.State(); state {
	case StateCommitted, StateRolledBack:
		return nil, newError(KindClosed, "get", id, state, nil)
	}
	if tx.HasExpired() {
		tx.expireAndRollback(ctx)
		return nil, newError(KindClosed, "get", id, StateExpired, nil)
	}
	return tx, nil
}

// Len returns the number of registered transactions, open or closed.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.transactions)
}

// OpenCount returns the number of registered transactions not yet closed.
func (m *Manager) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, tx := range m.transactions {
		if !tx.State().Closed() {
			n++
		}
	}
	return n
}

func (m *Manager) refreshOpenGauge() {
	m.metrics.TransactionsOpen.Set(float64(m.OpenCount()))
}

func (m *Manager) snapshot() []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Transaction, 0, len(m.transactions))
	for _, tx := range m.transactions {
		out = append(out, tx)
	}
	return out
}

// CleanupClosedTransactions expires and rolls back transactions that have
// outlived their expiry instant, and forgets closed transactions whose
// grace period has elapsed, releasing their storage sessions and locks.
// Transactions that are open and unexpired, or mid-commit, are untouched.
func (m *Manager) CleanupClosedTransactions(ctx context.Context) {
	start := time.Now()
	now := m.clock.Now()
	expired, removed := 0, 0

	for _, tx := range m.snapshot() {
		state := tx.State()
		switch {
		case state == StateCommitting:
			continue
		case !state.Closed():
			if tx.HasExpired() {
				tx.logger.Debug("rolling back expired transaction")
				tx.expireAndRollback(ctx)
				expired++
			}
		case !now.Before(tx.Expires().Add(m.gracePeriod)):
			m.mu.Lock()
			delete(m.transactions, tx.id)
			m.mu.Unlock()
			if err := m.sessions.RemoveSession(ctx, tx.id); err != nil {
				tx.logger.Error("failed to remove storage session", logging.Error(err))
			}
			if err := m.locks.ReleaseAll(ctx, tx.id); err != nil {
				tx.logger.Error("failed to release transaction locks", logging.Error(err))
			}
			removed++
		}
	}

	m.refreshOpenGauge()
	m.metrics.RecordCleanupSweep(expired, removed, time.Since(start))
	if expired > 0 || removed > 0 {
		m.logger.Info("transaction cleanup sweep",
			logging.Int("expired", expired),
			logging.Int("removed", removed),
			logging.Latency(time.Since(start)))
	}
}

// Run sweeps every cleanup interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.CleanupClosedTransactions(ctx)
		}
	}
}
