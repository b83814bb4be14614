package supervisor

import "fmt"

// State is a run's position in the supervision lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateResolving State = "resolving"
	StateSpawning  State = "spawning"
	StateRunning   State = "running"
	StateSettling  State = "settling"
	StateSettled   State = "settled"
)

var allowedTransitions = map[State]map[State]struct{}{
	StateIdle: {
		StateResolving: {},
	},
	StateResolving: {
		StateSpawning: {},
		StateSettled:  {},
	},
	StateSpawning: {
		StateRunning:  {},
		StateSettling: {},
	},
	StateRunning: {
		StateSettling: {},
	},
	StateSettling: {
		StateSettled: {},
	},
}

// IllegalTransitionError is reported when the run loop asks for a move the
// lifecycle does not allow.
type IllegalTransitionError struct {
	RunID string
	From  State
	To    State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("cannot transition run %q from %q to %q", e.RunID, e.From, e.To)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

func isAllowed(from, to State) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// IsTerminal reports whether no further transition can leave s.
func (s State) IsTerminal() bool {
	return s == StateSettled
}
