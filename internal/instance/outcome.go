package instance

import (
	"fmt"
	"strings"
	"time"
)

// Outcome is the result of running one action against one instance.  It is
// produced exactly once per attempted instance and never modified.
type Outcome struct {
	InstanceID string `json:"instance_id"`
	Succeeded  bool   `json:"succeeded"`

	// Name is the human-readable name reported by the control plane.
	// Empty when the status call failed.
	Name string `json:"name,omitempty"`

	// State is the observed state, or the action's target state when the
	// action was accepted.  Empty when the status call failed.
	State State `json:"state,omitempty"`

	// Decision is DecisionNone when the status call failed.
	Decision Decision      `json:"decision,omitempty"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Summary aggregates the Outcomes of one job run.
//
// Add is the only mutator, so Total == Succeeded + Failed always holds.
// The Orchestrator owns a Summary while the run is in progress and hands it
// back when the run is complete.
type Summary struct {
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Outcomes  []Outcome `json:"outcomes"`
}

// Add folds one Outcome into the summary.
func (s *Summary) Add(o Outcome) {
	s.Total++
	if o.Succeeded {
		s.Succeeded++
	} else {
		s.Failed++
	}
	s.Outcomes = append(s.Outcomes, o)
}

// ExitCode is the process exit code for the run: 0 when nothing failed.
func (s Summary) ExitCode() int {
	if s.Failed == 0 {
		return 0
	}
	return 1
}

// ExecutionMode selects how the orchestrator walks the instance list.
type ExecutionMode int

const (
	ModeSequential ExecutionMode = iota
	ModeConcurrent
)

// ParseMode parses "sequential" or "concurrent".  "parallel" is accepted
// as an alias of concurrent.
func ParseMode(s string) (ExecutionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sequential":
		return ModeSequential, nil
	case "concurrent", "parallel":
		return ModeConcurrent, nil
	default:
		return 0, fmt.Errorf("unknown execution mode %q (valid: sequential, concurrent)", s)
	}
}

func (m ExecutionMode) String() string {
	if m == ModeConcurrent {
		return "concurrent"
	}
	return "sequential"
}

// FailurePolicy controls what a per-instance failure does to the run.
type FailurePolicy int

const (
	ContinueOnError FailurePolicy = iota
	HaltOnFirstError
)

// PolicyFromContinue converts the continue_on_error flag.
func PolicyFromContinue(continueOnError bool) FailurePolicy {
	if continueOnError {
		return ContinueOnError
	}
	return HaltOnFirstError
}

func (p FailurePolicy) String() string {
	if p == HaltOnFirstError {
		return "halt-on-first-error"
	}
	return "continue-on-error"
}

// ParseIDs splits a comma-separated list of instance IDs, trimming
// whitespace and dropping empty entries.  Order is preserved.
func ParseIDs(csv string) []string {
	return NormalizeIDs(strings.Split(csv, ","))
}

// NormalizeIDs trims every ID and drops the empty ones.
func NormalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
