// Package lifecycle implements the phase orchestrator state machine.
package lifecycle

import (
	"fmt"

	"github.com/dwsmith1983/planrunner/pkg/types"
)

// Transition table: from -> allowed tos. A trigger resets any state to
// running, so StatusRunning is reachable from everywhere.
var validTransitions = map[types.OrchestratorStatus][]types.OrchestratorStatus{
	types.StatusIdle:      {types.StatusRunning},
	types.StatusRunning:   {types.StatusRunning, types.StatusQueued, types.StatusCompleted, types.StatusFailed, types.StatusTimeout},
	types.StatusQueued:    {types.StatusRunning, types.StatusCompleted, types.StatusFailed, types.StatusTimeout},
	types.StatusCompleted: {types.StatusRunning},
	types.StatusFailed:    {types.StatusRunning},
	types.StatusTimeout:   {types.StatusRunning},
}

// CanTransition checks if moving from one orchestrator status to another is valid.
func CanTransition(from, to types.OrchestratorStatus) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates a status change, or returns an error if it is invalid.
func Transition(from, to types.OrchestratorStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminal returns true if the status is final for the current job.
func IsTerminal(status types.OrchestratorStatus) bool {
	return status == types.StatusCompleted || status == types.StatusFailed || status == types.StatusTimeout
}

// FromJob maps a backend job status onto the orchestrator status it produces.
// A completed job maps to running; completion is only reported once a result
// is in hand, which the caller decides.
func FromJob(s types.JobStatus) types.OrchestratorStatus {
	switch s {
	case types.JobFailed:
		return types.StatusFailed
	case types.JobTimeout:
		return types.StatusTimeout
	default:
		return types.StatusRunning
	}
}
