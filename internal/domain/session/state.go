package session

import (
	"errors"
	"fmt"
)

// StateKind is the discriminant of a session State.
type StateKind string

// ErrStateKindUnknown is returned when a persisted state tag cannot be parsed.
var ErrStateKindUnknown = errors.New("session state kind unknown")

const (
	// StateCreating is the in-memory state of a session whose record has not
	// been written yet.
	StateCreating StateKind = "CREATING"

	// StatePending indicates a session is registered but not launched.
	StatePending StateKind = "PENDING"

	// StateActive indicates the backend is preparing the session.
	StateActive StateKind = "ACTIVE"

	// StateAwaiting indicates the session is prepared and waits for commit.
	StateAwaiting StateKind = "AWAITING"

	// StateCommitted indicates confirmation was requested from the OS and
	// the final outcome is pending.
	StateCommitted StateKind = "COMMITTED"

	// StateCancelled is terminal.
	StateCancelled StateKind = "CANCELLED"

	// StateSucceeded is terminal and completed.
	StateSucceeded StateKind = "SUCCEEDED"

	// StateFailed is terminal and completed. It always carries a Failure.
	StateFailed StateKind = "FAILED"

	StateUnspecified StateKind = "UNSPECIFIED"
)

// String returns the string representation of the StateKind.
func (k StateKind) String() string { return string(k) }

// Int32 returns the stable numeric code used by the blob codec and events.
func (k StateKind) Int32() int32 {
	switch k {
	case StateCreating:
		return 1
	case StatePending:
		return 2
	case StateActive:
		return 3
	case StateAwaiting:
		return 4
	case StateCommitted:
		return 5
	case StateCancelled:
		return 6
	case StateSucceeded:
		return 7
	case StateFailed:
		return 8
	default:
		return 0
	}
}

// StateKindFromInt32 is the inverse of Int32.
func StateKindFromInt32(i int32) StateKind {
	switch i {
	case 1:
		return StateCreating
	case 2:
		return StatePending
	case 3:
		return StateActive
	case 4:
		return StateAwaiting
	case 5:
		return StateCommitted
	case 6:
		return StateCancelled
	case 7:
		return StateSucceeded
	case 8:
		return StateFailed
	default:
		return StateUnspecified
	}
}

// ParseStateKind converts a persisted tag to a StateKind.
func ParseStateKind(s string) (StateKind, error) {
	switch StateKind(s) {
	case StateCreating, StatePending, StateActive, StateAwaiting,
		StateCommitted, StateCancelled, StateSucceeded, StateFailed:
		return StateKind(s), nil
	default:
		return StateUnspecified, fmt.Errorf("%w: %q", ErrStateKindUnknown, s)
	}
}

// IsTerminal reports whether no further transition is permitted.
func (k StateKind) IsTerminal() bool {
	return k == StateCancelled || k == StateSucceeded || k == StateFailed
}

// IsCompleted reports whether the session finished with an outcome rather
// than being cancelled.
func (k StateKind) IsCompleted() bool {
	return k == StateSucceeded || k == StateFailed
}

// CanTransitionTo reports whether the lifecycle permits moving to target.
// Failed is reachable from every non-terminal state because an exceptional
// backend failure may occur at any point.
func (k StateKind) CanTransitionTo(target StateKind) bool {
	if k.IsTerminal() || k == target {
		return false
	}
	if target == StateCancelled || target == StateFailed {
		return true
	}

	switch k {
	case StateCreating:
		return target == StatePending
	case StatePending:
		return target == StateActive
	case StateActive:
		return target == StateAwaiting || target == StateSucceeded
	case StateAwaiting:
		return target == StateCommitted
	case StateCommitted:
		return target == StateSucceeded
	default:
		return false
	}
}

// State is the tagged union of session states. Failure is non-nil iff Kind
// is StateFailed.
type State struct {
	Kind    StateKind
	Failure *Failure
}

// Convenience values for the states that carry no payload.
var (
	Creating  = State{Kind: StateCreating}
	Pending   = State{Kind: StatePending}
	Active    = State{Kind: StateActive}
	Awaiting  = State{Kind: StateAwaiting}
	Committed = State{Kind: StateCommitted}
	Cancelled = State{Kind: StateCancelled}
	Succeeded = State{Kind: StateSucceeded}
)

// Failed returns the failed state carrying f.
func Failed(f Failure) State { return State{Kind: StateFailed, Failure: &f} }

// IsTerminal reports whether s is Cancelled, Succeeded or Failed.
func (s State) IsTerminal() bool { return s.Kind.IsTerminal() }

// IsCompleted reports whether s is Succeeded or Failed.
func (s State) IsCompleted() bool { return s.Kind.IsCompleted() }

// Validate checks the failure-payload invariant.
func (s State) Validate() error {
	if _, err := ParseStateKind(string(s.Kind)); err != nil {
		return err
	}
	if (s.Kind == StateFailed) != (s.Failure != nil) {
		return fmt.Errorf("state %s: failure payload present=%t", s.Kind, s.Failure != nil)
	}
	return nil
}

// Equal compares kind and, for failed states, the failure value.
func (s State) Equal(o State) bool {
	if s.Kind != o.Kind {
		return false
	}
	if s.Failure == nil || o.Failure == nil {
		return s.Failure == nil && o.Failure == nil
	}
	return s.Failure.Equal(*o.Failure)
}

func (s State) String() string {
	if s.Failure != nil {
		return fmt.Sprintf("%s(%s)", s.Kind, s.Failure)
	}
	return s.Kind.String()
}
