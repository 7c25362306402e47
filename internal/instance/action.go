package instance

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownAction is returned by ParseAction for anything other than
// start, stop or status.
var ErrUnknownAction = errors.New("unknown action")

// Action is the lifecycle operation requested for a whole job run.
type Action int

const (
	ActionStatus Action = iota
	ActionStart
	ActionStop
)

// Actions lists every valid action in display order.
var Actions = []Action{ActionStart, ActionStop, ActionStatus}

// ParseAction parses the textual form used in configuration.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "start":
		return ActionStart, nil
	case "stop":
		return ActionStop, nil
	case "status":
		return ActionStatus, nil
	default:
		return 0, fmt.Errorf("%w %q (valid: start, stop, status)", ErrUnknownAction, s)
	}
}

func (a Action) String() string {
	switch a {
	case ActionStart:
		return "start"
	case ActionStop:
		return "stop"
	case ActionStatus:
		return "status"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Mutating reports whether the action changes remote state.
func (a Action) Mutating() bool {
	return a == ActionStart || a == ActionStop
}

// Target is the state an accepted action converges to.  Status has no
// target and returns the zero State.
func (a Action) Target() State {
	switch a {
	case ActionStart:
		return StateRunning
	case ActionStop:
		return StateStopped
	default:
		return ""
	}
}

// MarshalText implements encoding.TextMarshaler so actions render as their
// names in JSON reports.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(b []byte) error {
	parsed, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
