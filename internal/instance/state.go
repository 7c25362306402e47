// Package instance holds the data model shared by every part of the
// scheduler: lifecycle states reported by the control plane, the actions a
// job can request, the policy that decides what to do for one instance and
// the per-instance / per-job results.
package instance

import "strings"

// State is the lifecycle state of an instance as reported by the remote
// control plane.
//
// The five well-known states are normalised to the constants below.  Any
// other value is kept verbatim (see Known) so callers never lose what the
// provider actually said.  The zero value means no state was observed.
type State string

const (
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateStopping State = "stopping"
	StatePending  State = "pending"
)

// ParseState maps a raw provider value to a State.  Well-known values are
// matched case-insensitively; anything else is returned unchanged.
func ParseState(raw string) State {
	switch s := State(strings.ToLower(strings.TrimSpace(raw))); s {
	case StateRunning, StateStopped, StateStarting, StateStopping, StatePending:
		return s
	}
	return State(raw)
}

// Known reports whether s is one of the well-known states.  A non-empty
// State that is not Known is the "other" variant.
func (s State) Known() bool {
	switch s {
	case StateRunning, StateStopped, StateStarting, StateStopping, StatePending:
		return true
	}
	return false
}

// Observed reports whether a state was observed at all.
func (s State) Observed() bool { return s != "" }

// Transient reports whether s is a non-terminal state the instance is
// expected to leave on its own.
func (s State) Transient() bool {
	return s == StateStarting || s == StateStopping || s == StatePending
}

func (s State) String() string {
	if s == "" {
		return "unknown"
	}
	return string(s)
}
