package transaction

import (
	"errors"
	"fmt"
)

// Kind classifies transaction errors.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindNotFound means the id was never issued or has been purged from
	// the registry. Callers may safely start over.
	KindNotFound
	// KindClosed means the transaction existed but is committed, rolled
	// back or expired.
	KindClosed
	// KindProtocol means an operation was invoked in a state that does not
	// allow it.
	KindProtocol
	// KindStorageFailure wraps a failure of the persistent storage session.
	KindStorageFailure
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindClosed:
		return "closed"
	case KindProtocol:
		return "protocol violation"
	case KindStorageFailure:
		return "storage failure"
	default:
		return "unknown"
	}
}

var (
	ErrNotFound       = errors.New("transaction not found")
	ErrClosed         = errors.New("transaction closed")
	ErrProtocol       = errors.New("transaction protocol violation")
	ErrStorageFailure = errors.New("transaction storage failure")
)

var kindSentinels = map[Kind]error{
	KindNotFound:       ErrNotFound,
	KindClosed:         ErrClosed,
	KindProtocol:       ErrProtocol,
	KindStorageFailure: ErrStorageFailure,
}

// Error is returned by Transaction and Manager operations.
type Error struct {
	Kind  Kind
	Op    string
	TxID  string
	State State
	Cause error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("transaction %s: %s: %s", e.TxID, e.Op, e.Kind)
	if e.Kind == KindClosed || e.Kind == KindProtocol {
		msg += fmt.Sprintf(" (state %s)", e.State)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

func newError(kind Kind, op, txID string, state State, cause error) *Error {
	return &Error{Kind: kind, Op: op, TxID: txID, State: state, Cause: cause}
}

// KindOf returns the kind of a transaction error, or KindUnknown.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

func IsNotFound(err error) bool       { return errors.Is(err, ErrNotFound) }
func IsClosed(err error) bool         { return errors.Is(err, ErrClosed) }
func IsProtocol(err error) bool       { return errors.Is(err, ErrProtocol) }
func IsStorageFailure(err error) bool { return errors.Is(err, ErrStorageFailure) }
