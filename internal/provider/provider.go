// Package provider defines the abstraction for remote control planes that
// manage compute instances.  Each backend (IBM Cloud VPC, GCP Compute
// Engine, Docker, etc.) implements the Provider interface so the execution
// engine remains cloud-agnostic.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/terrpan/instance-scheduler/internal/instance"
)

// Status is what the control plane reports for one instance.
type Status struct {
	State instance.State
	Name  string
}

// Provider is the contract every control-plane backend must satisfy.
//
// Instance IDs are opaque to callers -- they may be a VPC instance ID, a
// GCP instance name, a Docker container ID, etc.  Implementations must be
// safe for concurrent use: the orchestrator shares one Provider across all
// workers.
type Provider interface {
	// Status returns the current lifecycle state and name of the
	// instance.
	Status(ctx context.Context, id string) (Status, error)

	// Apply submits a mutating action (start or stop).  A nil error
	// means the control plane accepted the request, not that the
	// instance has converged.  Non-mutating actions are rejected.
	Apply(ctx context.Context, id string, action instance.Action) error

	// Close releases the underlying API clients.
	Close() error
}

// RemoteError is a failed call to the control plane.  Only its message is
// used by the execution engine; the cause stays available to errors.Is /
// errors.As.
type RemoteError struct {
	Op         string
	InstanceID string
	Err        error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.InstanceID, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// ErrNotMutating is returned by Apply for the status action.
var ErrNotMutating = errors.New("action is not mutating")

// CheckMutating returns a RemoteError when action cannot be applied.
func CheckMutating(id string, action instance.Action) error {
	if action.Mutating() {
		return nil
	}
	return &RemoteError{
		Op:         "apply " + action.String(),
		InstanceID: id,
		Err:        ErrNotMutating,
	}
}
