package instance

import "fmt"

// Decision is what the executor should do for one instance.
type Decision int

const (
	// DecisionNone: no decision was taken because the state could not be
	// read.
	DecisionNone Decision = iota
	// DecisionReportOnly: observe and report, never mutate.
	DecisionReportOnly
	// DecisionAlreadySatisfied: the instance is already in the target state.
	DecisionAlreadySatisfied
	// DecisionApplyAction: send the action to the control plane.
	DecisionApplyAction
)

func (d Decision) String() string {
	switch d {
	case DecisionNone:
		return "none"
	case DecisionReportOnly:
		return "report-only"
	case DecisionAlreadySatisfied:
		return "already-satisfied"
	case DecisionApplyAction:
		return "apply"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Decision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Decide returns the decision for an instance currently in state when the
// job requested action.
//
// Only the terminal target state satisfies a request.  Transient states
// (starting, stopping, pending) and unknown states still get the action so
// that re-running a job against a converged fleet sends nothing, while a
// half-converged fleet is pushed again.
func Decide(state State, requested Action) Decision {
	switch requested {
	case ActionStatus:
		return DecisionReportOnly
	case ActionStart:
		if state == StateRunning {
			return DecisionAlreadySatisfied
		}
		return DecisionApplyAction
	case ActionStop:
		if state == StateStopped {
			return DecisionAlreadySatisfied
		}
		return DecisionApplyAction
	default:
		// Actions only come from ParseAction, so this is a programming error.
		panic(fmt.Sprintf("instance: unhandled action %d", int(requested)))
	}
}
