package transaction

// State is the lifecycle state of a transaction.
type State uint8

const (
	StateOpen State = iota
	StateCommitting
	StateCommitted
	StateRolledBack
	StateFailed
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateCommitting:
		return "COMMITTING"
	case StateCommitted:
		return "COMMITTED"
	case StateRolledBack:
		return "ROLLED_BACK"
	case StateFailed:
		return "FAILED"
	case StateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Closed reports whether no further work can be done in the state.
func (s State) Closed() bool {
	switch s {
	case StateCommitted, StateRolledBack, StateExpired:
		return true
	}
	return false
}
