// Package lock arbitrates resource locks between transactions.
//
// Locks are fail-fast: a request that conflicts with another
// transaction's lock is refused immediately with a ConflictError instead
// of waiting. A transaction's locks are released together by ReleaseAll.
package lock

import (
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-repository/pkg/identifier"
	"github.com/dd0wney/cluso-repository/pkg/kernel"
)

// Mode is the kind of lock held on a resource.
type Mode int

const (
	Exclusive Mode = iota
	Shared
)

func (m Mode) String() string {
	if m == Shared {
		return "shared"
	}
	return "exclusive"
}

// ErrAlreadyHeld is matched by every lock conflict.
var ErrAlreadyHeld = errors.New("resource is already locked by another transaction")

// ConflictError reports which transaction holds the requested resource.
type ConflictError struct {
	ResourceID string
	TxID       string
	Holder     string
	Mode       Mode
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("lock %s on %s for transaction %s: held by transaction %s",
		e.Mode, e.ResourceID, e.TxID, e.Holder)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrAlreadyHeld
}

// IsConflict reports whether err is a lock conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyHeld)
}

// key is the lock granularity: a resource and its description share one lock.
func key(id identifier.ResourceID) string {
	return id.BaseID()
}

var (
	_ kernel.LockManager = (*MemoryManager)(nil)
	_ kernel.LockManager = (*RedisManager)(nil)
)
