package containment

import (
	"errors"
	"fmt"
)

var (
	// ErrNoTransaction is returned by writes made without a transaction.
	ErrNoTransaction = errors.New("containment change requires a transaction")
	// ErrInvalidID is returned for a zero identifier or a root child.
	ErrInvalidID = errors.New("invalid containment identifier")
	// ErrStore wraps failures of the backing store.
	ErrStore = errors.New("containment store failure")
)

// StoreError reports a backend failure for one index operation.
type StoreError struct {
	Op         string
	ResourceID string
	Cause      error
}

func (e *StoreError) Error() string {
	if e.ResourceID != "" {
		return fmt.Sprintf("containment %s %s: %v", e.Op, e.ResourceID, e.Cause)
	}
	return fmt.Sprintf("containment %s: %v", e.Op, e.Cause)
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStore
}

func storeError(op, resourceID string, cause error) error {
	if cause == nil {
		return nil
	}
	var se *StoreError
	if errors.As(cause, &se) {
		return cause
	}
	return &StoreError{Op: op, ResourceID: resourceID, Cause: cause}
}

// IsStoreError reports whether err came from the backing store.
func IsStoreError(err error) bool {
	return errors.Is(err, ErrStore)
}
