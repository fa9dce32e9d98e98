// Package kernel defines the contracts shared between the transaction
// coordinator and the services that participate in a transaction.
package kernel

import (
	"context"

	"github.com/dd0wney/cluso-repository/pkg/identifier"
)

// Tx identifies the transaction a read or write is performed in. A nil Tx
// selects the committed view.
type Tx interface {
	ID() string
}

// TxID returns the identifier of tx, or "" for the committed view.
func TxID(tx Tx) string {
	if tx == nil {
		return ""
	}
	return tx.ID()
}

// StorageSession is the persistent-storage session bound to one transaction.
type StorageSession interface {
	Prepare(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// SessionManager hands out storage sessions by transaction id.
type SessionManager interface {
	GetSession(ctx context.Context, txID string) (StorageSession, error)
	RemoveSession(ctx context.Context, txID string) error
}

// Participant is a service that keeps per-transaction state which must be
// published on commit or discarded on rollback.
type Participant interface {
	CommitTransaction(ctx context.Context, tx Tx) error
	RollbackTransaction(ctx context.Context, tx Tx) error
}

// EventAccumulator buffers change events per transaction.
type EventAccumulator interface {
	EmitEvents(ctx context.Context, tx Tx, baseURI, userAgent string) error
	ClearEvents(ctx context.Context, tx Tx)
}

// TypesCache keeps per-session resource type information.
type TypesCache interface {
	MergeSessionCache(txID string)
	DropSessionCache(txID string)
}

// LockManager arbitrates resource locks between transactions.
type LockManager interface {
	AcquireExclusive(ctx context.Context, txID string, id identifier.ResourceID) error
	AcquireNonExclusive(ctx context.Context, txID string, id identifier.ResourceID) error
	ReleaseAll(ctx context.Context, txID string) error
}

// NoopParticipant satisfies Participant without keeping any state.
type NoopParticipant struct{}

func (NoopParticipant) CommitTransaction(context.Context, Tx) error   { return nil }
func (NoopParticipant) RollbackTransaction(context.Context, Tx) error { return nil }

// NoopEvents discards all events.
type NoopEvents struct{}

func (NoopEvents) EmitEvents(context.Context, Tx, string, string) error { return nil }
func (NoopEvents) ClearEvents(context.Context, Tx)                      {}

// NoopTypes ignores session type caches.
type NoopTypes struct{}

func (NoopTypes) MergeSessionCache(string) {}
func (NoopTypes) DropSessionCache(string)  {}
