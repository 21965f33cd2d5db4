package livevoice

// SessionState is owned by the Controller. Observers learn about changes only
// through Callbacks.OnStatusChange.
type SessionState int

const (
	StateIdle SessionState = iota
	StateConnecting
	StateActive
	// StateInterrupted is a pulse: it is reported and immediately followed by
	// StateActive, the stored state never holds it.
	StateInterrupted
	StateError
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateInterrupted:
		return "interrupted"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session has ended.
func (s SessionState) Terminal() bool {
	return s == StateError || s == StateClosed
}
